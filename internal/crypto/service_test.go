package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/iobridge/datagate/internal/gwerrors"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testKey(t), "1")
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)
	plain := []byte(`{"temperature":25.5}`)

	ep, err := svc.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Algorithm != Algorithm {
		t.Errorf("expected algorithm %s, got %s", Algorithm, ep.Algorithm)
	}
	if bytes.Contains(ep.Ciphertext, []byte("temperature")) {
		t.Error("ciphertext leaks plaintext")
	}

	out, err := svc.Decrypt(ep)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, plain) {
		t.Errorf("round trip mismatch: %s", out)
	}
}

func TestEncryptUsesFreshSessionKeys(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Encrypt([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Encrypt([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) || bytes.Equal(a.EncryptedKey, b.EncryptedKey) {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptRejectsTamper(t *testing.T) {
	svc := newTestService(t)
	ep, err := svc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ep.Ciphertext[0] ^= 0xFF

	var ce *gwerrors.CryptoError
	if _, err := svc.Decrypt(ep); !errors.As(err, &ce) {
		t.Errorf("expected CryptoError on tampered ciphertext, got %v", err)
	}
}

func TestDecryptRejectsUnknownAlgorithm(t *testing.T) {
	svc := newTestService(t)
	ep, err := svc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ep.Algorithm = "AES-128-CBC"
	if _, err := svc.Decrypt(ep); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestNewServiceRejectsShortKey(t *testing.T) {
	if _, err := NewService(make([]byte, 16), "1"); err == nil {
		t.Error("expected error for 16-byte key")
	}
}

func TestActiveKeyRotationWithBaseFallback(t *testing.T) {
	svc := newTestService(t)

	before, err := svc.Encrypt([]byte("pre-rotation"))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateActiveKey(testKey(t)); err != nil {
		t.Fatal(err)
	}
	if !svc.HasActiveKey() {
		t.Fatal("expected active key after update")
	}

	// New payloads wrap with the active key.
	after, err := svc.Encrypt([]byte("post-rotation"))
	if err != nil {
		t.Fatal(err)
	}
	if out, err := svc.Decrypt(after); err != nil || string(out) != "post-rotation" {
		t.Errorf("active-key decrypt failed: %v", err)
	}

	// Payloads wrapped under the base key still decrypt.
	if out, err := svc.Decrypt(before); err != nil || string(out) != "pre-rotation" {
		t.Errorf("base-key fallback failed: %v", err)
	}

	if err := svc.UpdateActiveKey(nil); err != nil {
		t.Fatal(err)
	}
	if svc.HasActiveKey() {
		t.Error("expected fallback to base key after nil update")
	}
}

func TestWrapUnwrapPayload(t *testing.T) {
	svc := newTestService(t)
	payload := map[string]any{"temperature": 25.5, "target_system_id": "t1"}

	wrapped, err := svc.WrapPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := wrapped["encrypted_payload"]; !ok {
		t.Fatal("missing encrypted_payload")
	}
	meta := wrapped["encryption"].(map[string]any)
	if meta["algorithm"] != Algorithm || meta["version"] != "1" {
		t.Errorf("unexpected encryption metadata: %v", meta)
	}

	// Unwrap survives a marshal round trip, the shape targets receive.
	onWire, err := json.Marshal(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	var received map[string]any
	if err := json.Unmarshal(onWire, &received); err != nil {
		t.Fatal(err)
	}

	out, found, err := svc.UnwrapPayload(received)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected envelope to be detected")
	}
	if out["temperature"] != 25.5 || out["target_system_id"] != "t1" {
		t.Errorf("unexpected unwrapped payload: %v", out)
	}
}

func TestUnwrapPayloadPassthrough(t *testing.T) {
	svc := newTestService(t)
	in := map[string]any{"plain": true}
	out, found, err := svc.UnwrapPayload(in)
	if err != nil || found {
		t.Errorf("expected passthrough, got found=%v err=%v", found, err)
	}
	if out["plain"] != true {
		t.Errorf("payload changed: %v", out)
	}
}

func TestWrapUnwrapJSON(t *testing.T) {
	svc := newTestService(t)
	raw := []byte(`{"a":1,"b":"x"}`)

	wrapped, err := svc.WrapJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	plain, found, err := svc.UnwrapJSON(wrapped)
	if err != nil || !found {
		t.Fatalf("expected decrypt, got found=%v err=%v", found, err)
	}
	if !bytes.Equal(plain, raw) {
		t.Errorf("expected original bytes back, got %s", plain)
	}

	// Non-JSON and JSON without an envelope pass through untouched.
	if out, found, err := svc.UnwrapJSON([]byte("not json")); found || err != nil || string(out) != "not json" {
		t.Error("expected non-JSON passthrough")
	}
	if _, found, _ := svc.UnwrapJSON(raw); found {
		t.Error("expected plain JSON passthrough")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("passphrase", "salt-1")
	b := DeriveKey("passphrase", "salt-1")
	c := DeriveKey("passphrase", "salt-2")
	if len(a) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Error("same inputs must derive the same key")
	}
	if bytes.Equal(a, c) {
		t.Error("different salts must derive different keys")
	}
}
