package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/iobridge/datagate/internal/crypto"
	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/routing"
)

// captureServer records request bodies and returns 200.
type captureServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies []string
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, string(body))
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.bodies)
}

func (cs *captureServer) last() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.bodies) == 0 {
		return ""
	}
	return cs.bodies[len(cs.bodies)-1]
}

func httpTarget(t *testing.T, id string, srv *httptest.Server) TargetSystem {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return TargetSystem{
		ID:            id,
		Name:          id,
		Protocol:      envelope.ProtocolHTTP,
		TargetAddress: u.Hostname(),
		TargetPort:    port,
		EndpointPath:  "/",
		IsActive:      true,
		Forwarding: ForwardingConfig{
			Timeout:    2 * time.Second,
			RetryDelay: 10 * time.Millisecond,
		},
	}
}

func testEnvelope() *envelope.Envelope {
	env := envelope.New(envelope.ProtocolUDP, "udp-main")
	env.RawData = []byte{0xAA, 0x55}
	env.ParsedData = map[string]any{"temperature": 25.5}
	return env
}

func TestManagerFansOutToAllTargets(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(bus, nil)
	defer m.Close()

	s1 := newCaptureServer(t)
	s2 := newCaptureServer(t)
	if err := m.RegisterTarget(httpTarget(t, "t1", s1.srv)); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterTarget(httpTarget(t, "t2", s2.srv)); err != nil {
		t.Fatal(err)
	}

	var batch ForwardedBatch
	got := make(chan struct{})
	bus.Subscribe(eventbus.TopicDataForwarded, func(ev eventbus.Event) {
		batch = ev.Data.(ForwardedBatch)
		close(got)
	})

	env := testEnvelope()
	results := m.Forward(context.Background(), env, []string{"t1", "t2"})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusSuccess {
			t.Errorf("target %s: expected SUCCESS, got %s (%s)", r.TargetID, r.Status, r.Error)
		}
	}
	if s1.count() != 1 || s2.count() != 1 {
		t.Errorf("expected one delivery per target, got %d and %d", s1.count(), s2.count())
	}

	// The payload carries the per-target system id and no raw bytes.
	body := s1.last()
	if gjson.Get(body, "target_system_id").String() != "t1" {
		t.Errorf("missing target_system_id in %s", body)
	}
	if gjson.Get(body, "raw_data").Exists() {
		t.Errorf("raw_data must be sanitized off the wire: %s", body)
	}
	if gjson.Get(body, "parsed_data.temperature").Float() != 25.5 {
		t.Errorf("missing parsed data in %s", body)
	}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("DATA_FORWARDED not published")
	}
	if batch.Envelope.MessageID != env.MessageID || len(batch.Results) != 2 {
		t.Errorf("unexpected batch %+v", batch)
	}
}

func TestManagerMissingTargetFails(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()

	results := m.Forward(context.Background(), testEnvelope(), []string{"ghost"})
	if len(results) != 1 || results[0].Status != StatusFailed {
		t.Fatalf("expected FAILED for unknown target, got %+v", results)
	}
	if results[0].TargetID != "ghost" {
		t.Errorf("result must name the missing target, got %+v", results[0])
	}
}

func TestManagerSkipsInactiveTargets(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()

	cs := newCaptureServer(t)
	target := httpTarget(t, "t1", cs.srv)
	target.IsActive = false
	if err := m.RegisterTarget(target); err != nil {
		t.Fatal(err)
	}

	results := m.Forward(context.Background(), testEnvelope(), []string{"t1"})
	if len(results) != 0 {
		t.Errorf("inactive targets must be skipped silently, got %+v", results)
	}
	if cs.count() != 0 {
		t.Errorf("inactive target received %d deliveries", cs.count())
	}
}

func TestManagerNoTargetsIsNoop(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()
	if results := m.Forward(context.Background(), testEnvelope(), nil); results != nil {
		t.Errorf("expected nil results, got %+v", results)
	}
}

func TestManagerEncryptsWhenEnabled(t *testing.T) {
	key := make([]byte, 32)
	svc, err := crypto.NewService(key, "1")
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(eventbus.New(), svc)
	defer m.Close()

	cs := newCaptureServer(t)
	target := httpTarget(t, "t1", cs.srv)
	target.Forwarding.Encryption = true
	if err := m.RegisterTarget(target); err != nil {
		t.Fatal(err)
	}

	results := m.Forward(context.Background(), testEnvelope(), []string{"t1"})
	if results[0].Status != StatusSuccess {
		t.Fatalf("forward failed: %+v", results[0])
	}

	body := cs.last()
	if !gjson.Get(body, "encrypted_payload.ciphertext").Exists() {
		t.Fatalf("expected encrypted envelope on the wire, got %s", body)
	}
	if gjson.Get(body, "encryption.algorithm").String() != crypto.Algorithm {
		t.Errorf("missing encryption metadata in %s", body)
	}
	if gjson.Get(body, "parsed_data").Exists() {
		t.Errorf("plaintext leaked beside the envelope: %s", body)
	}
}

func TestManagerEncryptionWithoutCryptoFails(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()

	cs := newCaptureServer(t)
	target := httpTarget(t, "t1", cs.srv)
	target.Forwarding.Encryption = true
	if err := m.RegisterTarget(target); err != nil {
		t.Fatal(err)
	}

	results := m.Forward(context.Background(), testEnvelope(), []string{"t1"})
	if results[0].Status != StatusFailed {
		t.Errorf("expected FAILED without crypto service, got %+v", results[0])
	}
	if cs.count() != 0 {
		t.Error("nothing must reach the target when encryption cannot run")
	}
}

func TestManagerAttachForwardsRoutingDecisions(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(bus, nil)

	cs := newCaptureServer(t)
	if err := m.RegisterTarget(httpTarget(t, "t1", cs.srv)); err != nil {
		t.Fatal(err)
	}

	done := make(chan []Result, 1)
	m.OnResults(func(env *envelope.Envelope, results []Result) {
		done <- results
	})
	m.Attach()

	env := testEnvelope()
	bus.Publish(eventbus.TopicRoutingDecided, routing.Decision{
		Envelope:        env,
		MatchedRules:    []string{"r1"},
		TargetSystemIDs: []string{"t1"},
	}, "routing")

	select {
	case results := <-done:
		if len(results) != 1 || results[0].Status != StatusSuccess {
			t.Errorf("unexpected results %+v", results)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("results handler never invoked")
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	// After close, decisions are ignored.
	bus.Publish(eventbus.TopicRoutingDecided, routing.Decision{
		Envelope:        testEnvelope(),
		TargetSystemIDs: []string{"t1"},
	}, "routing")
	time.Sleep(50 * time.Millisecond)
	if cs.count() != 1 {
		t.Errorf("closed manager must not forward, got %d deliveries", cs.count())
	}
}

func TestManagerRegisterReplacesForwarder(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()

	s1 := newCaptureServer(t)
	s2 := newCaptureServer(t)
	if err := m.RegisterTarget(httpTarget(t, "t1", s1.srv)); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterTarget(httpTarget(t, "t1", s2.srv)); err != nil {
		t.Fatal(err)
	}

	m.Forward(context.Background(), testEnvelope(), []string{"t1"})
	if s1.count() != 0 || s2.count() != 1 {
		t.Errorf("expected replacement target to receive the delivery, got %d and %d", s1.count(), s2.count())
	}
}

func TestManagerRegisterInvalidTargetStaysKnown(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()

	bad := TargetSystem{ID: "broken", Protocol: envelope.Protocol("SEMAPHORE"), IsActive: true}
	if err := m.RegisterTarget(bad); err == nil {
		t.Fatal("expected build error for unsupported protocol")
	}
	if _, ok := m.Target("broken"); !ok {
		t.Error("failed target must stay registered")
	}

	results := m.Forward(context.Background(), testEnvelope(), []string{"broken"})
	if len(results) != 1 || results[0].Status != StatusFailed {
		t.Errorf("expected FAILED for unwired target, got %+v", results)
	}
}

func TestManagerTransformApplied(t *testing.T) {
	m := NewManager(eventbus.New(), nil)
	defer m.Close()

	cs := newCaptureServer(t)
	target := httpTarget(t, "t1", cs.srv)
	target.Transform.FlattenParsedData = true
	target.Transform.AddFields = map[string]any{"site": "plant-1"}
	if err := m.RegisterTarget(target); err != nil {
		t.Fatal(err)
	}

	m.Forward(context.Background(), testEnvelope(), []string{"t1"})

	body := cs.last()
	if gjson.Get(body, "parsed_data").Exists() {
		t.Errorf("expected flattened payload, got %s", body)
	}
	if gjson.Get(body, "temperature").Float() != 25.5 {
		t.Errorf("expected lifted temperature, got %s", body)
	}
	if gjson.Get(body, "site").String() != "plant-1" {
		t.Errorf("expected added field, got %s", body)
	}
}
