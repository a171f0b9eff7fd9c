// Package crypto implements AES-256-GCM envelope encryption with a
// two-level key hierarchy: each payload is encrypted with a fresh session
// key, and the session key is wrapped with the active master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/pbkdf2"

	"github.com/iobridge/datagate/internal/gwerrors"
)

// Algorithm is the only cipher suite the service speaks.
const Algorithm = "AES-256-GCM"

const (
	keySize   = 32
	nonceSize = 12

	pbkdf2Iterations = 600000
)

// EncryptedPayload is the wire form of an encrypted message. Byte fields
// marshal as base64 via encoding/json.
type EncryptedPayload struct {
	Ciphertext   []byte `json:"ciphertext"`
	Nonce        []byte `json:"nonce"`
	EncryptedKey []byte `json:"encrypted_key"`
	KeyNonce     []byte `json:"key_nonce"`
	Algorithm    string `json:"algorithm"`
}

// Service encrypts and decrypts payloads. The base key comes from
// configuration; the active key is swapped at runtime by the key manager.
type Service struct {
	baseKey []byte
	base    cipher.AEAD
	active  atomic.Pointer[aeadState]
	version string
}

type aeadState struct {
	key  []byte
	aead cipher.AEAD
}

// DeriveKey stretches a passphrase into 32 bytes of key material using
// PBKDF2-SHA256 with a deployment-scoped salt.
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, keySize, sha256.New)
}

// NewService builds a crypto service around a 32-byte base key.
func NewService(baseKey []byte, version string) (*Service, error) {
	aead, err := newAEAD(baseKey)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = "1"
	}
	return &Service{baseKey: baseKey, base: aead, version: version}, nil
}

// NewServiceFromBase64 decodes a base64 key and builds the service.
func NewServiceFromBase64(encoded, version string) (*Service, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, gwerrors.NewConfigError("crypto", "invalid base64 master key", err)
	}
	return NewService(key, version)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, gwerrors.NewConfigError("crypto", fmt.Sprintf("key must be exactly %d bytes (got %d)", keySize, len(key)), nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// UpdateActiveKey swaps the active master key atomically. Passing nil falls
// back to the base key.
func (s *Service) UpdateActiveKey(key []byte) error {
	if key == nil {
		s.active.Store(nil)
		return nil
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	s.active.Store(&aeadState{key: cp, aead: aead})
	return nil
}

// HasActiveKey reports whether a runtime key overrides the base key.
func (s *Service) HasActiveKey() bool {
	return s.active.Load() != nil
}

func (s *Service) masterAEAD() cipher.AEAD {
	if st := s.active.Load(); st != nil {
		return st.aead
	}
	return s.base
}

// Encrypt seals a plaintext with a fresh session key, then wraps the session
// key with the current master key.
func (s *Service) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	sessionKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, &gwerrors.CryptoError{Op: "encrypt", Err: err}
	}
	sessionAEAD, err := newAEAD(sessionKey)
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "encrypt", Err: err}
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &gwerrors.CryptoError{Op: "encrypt", Err: err}
	}
	ciphertext := sessionAEAD.Seal(nil, nonce, plaintext, nil)

	keyNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, keyNonce); err != nil {
		return nil, &gwerrors.CryptoError{Op: "encrypt", Err: err}
	}
	encryptedKey := s.masterAEAD().Seal(nil, keyNonce, sessionKey, nil)

	return &EncryptedPayload{
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		EncryptedKey: encryptedKey,
		KeyNonce:     keyNonce,
		Algorithm:    Algorithm,
	}, nil
}

// Decrypt reverses Encrypt. The session key is unwrapped with the active key
// first, then the base key, so payloads survive a key rotation window.
func (s *Service) Decrypt(ep *EncryptedPayload) ([]byte, error) {
	if ep.Algorithm != "" && ep.Algorithm != Algorithm {
		return nil, &gwerrors.CryptoError{Op: "decrypt", Err: fmt.Errorf("unsupported algorithm %q", ep.Algorithm)}
	}

	var sessionKey []byte
	var err error
	if st := s.active.Load(); st != nil {
		sessionKey, err = st.aead.Open(nil, ep.KeyNonce, ep.EncryptedKey, nil)
	}
	if sessionKey == nil {
		sessionKey, err = s.base.Open(nil, ep.KeyNonce, ep.EncryptedKey, nil)
	}
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "decrypt", Err: fmt.Errorf("unwrap session key: %w", err)}
	}

	sessionAEAD, err := newAEAD(sessionKey)
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "decrypt", Err: err}
	}
	plaintext, err := sessionAEAD.Open(nil, ep.Nonce, ep.Ciphertext, nil)
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

// WrapPayload JSON-canonicalizes a payload map and returns the encrypted
// wire envelope described in the external interface contract.
func (s *Service) WrapPayload(payload map[string]any) (map[string]any, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "wrap", Err: err}
	}
	ep, err := s.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"encrypted_payload": ep,
		"encryption": map[string]any{
			"algorithm": Algorithm,
			"version":   s.version,
		},
	}, nil
}

// UnwrapPayload reverses WrapPayload. Payloads without an encrypted_payload
// key are returned unchanged with ok=false.
func (s *Service) UnwrapPayload(payload map[string]any) (map[string]any, bool, error) {
	raw, present := payload["encrypted_payload"]
	if !present {
		return payload, false, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, true, &gwerrors.CryptoError{Op: "unwrap", Err: err}
	}
	var ep EncryptedPayload
	if err := json.Unmarshal(encoded, &ep); err != nil {
		return nil, true, &gwerrors.CryptoError{Op: "unwrap", Err: err}
	}

	plain, err := s.Decrypt(&ep)
	if err != nil {
		return nil, true, err
	}
	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, true, &gwerrors.CryptoError{Op: "unwrap", Err: err}
	}
	return out, true, nil
}

// WrapJSON encrypts raw JSON bytes into the wire envelope, preserving the
// original document shape for callers that work on serialized payloads.
func (s *Service) WrapJSON(raw []byte) ([]byte, error) {
	ep, err := s.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	out := []byte(`{}`)
	out, err = sjson.SetBytes(out, "encrypted_payload", ep)
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "wrap", Err: err}
	}
	out, err = sjson.SetBytes(out, "encryption", map[string]string{"algorithm": Algorithm, "version": s.version})
	if err != nil {
		return nil, &gwerrors.CryptoError{Op: "wrap", Err: err}
	}
	return out, nil
}

// UnwrapJSON detects and decrypts an inline encrypted_payload inside raw
// JSON bytes. Returns (plaintext, true, nil) when an envelope was found and
// decrypted, (raw, false, nil) when no envelope is present.
func (s *Service) UnwrapJSON(raw []byte) ([]byte, bool, error) {
	if !gjson.ValidBytes(raw) {
		return raw, false, nil
	}
	node := gjson.GetBytes(raw, "encrypted_payload")
	if !node.Exists() {
		return raw, false, nil
	}
	var ep EncryptedPayload
	if err := json.Unmarshal([]byte(node.Raw), &ep); err != nil {
		return nil, true, &gwerrors.CryptoError{Op: "unwrap", Err: err}
	}
	plain, err := s.Decrypt(&ep)
	if err != nil {
		return nil, true, err
	}
	return plain, true, nil
}
