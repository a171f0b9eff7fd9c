package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	inner, err := NewHTTPForwarder("t1", HTTPConfig{URL: srv.URL, Policy: fastPolicy(0)})
	if err != nil {
		t.Fatal(err)
	}
	f := withBreaker(inner, BreakerConfig{Enabled: true, MaxFailures: 2, OpenInterval: time.Minute})
	defer f.Close()

	for i := 0; i < 2; i++ {
		if res := f.Forward(context.Background(), map[string]any{}); res.Status != StatusFailed {
			t.Fatalf("expected FAILED, got %s", res.Status)
		}
	}

	// Third call hits the open breaker, never the server.
	res := f.Forward(context.Background(), map[string]any{})
	if res.Status != StatusRetry {
		t.Fatalf("expected RETRY with open breaker, got %s", res.Status)
	}
	if res.Error != "circuit breaker open" {
		t.Errorf("unexpected error %q", res.Error)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("open breaker must not reach the target, got %d calls", n)
	}
	if state := f.Stats().Extra["breaker_state"]; state != "open" {
		t.Errorf("expected open breaker state, got %v", state)
	}
}

func TestBreakerRecoversAfterOpenInterval(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inner, err := NewHTTPForwarder("t1", HTTPConfig{URL: srv.URL, Policy: fastPolicy(0)})
	if err != nil {
		t.Fatal(err)
	}
	f := withBreaker(inner, BreakerConfig{Enabled: true, MaxFailures: 1, OpenInterval: 50 * time.Millisecond})
	defer f.Close()

	f.Forward(context.Background(), map[string]any{})
	if res := f.Forward(context.Background(), map[string]any{}); res.Status != StatusRetry {
		t.Fatalf("expected open breaker, got %s", res.Status)
	}

	failing.Store(false)
	time.Sleep(80 * time.Millisecond)

	// Half-open probe succeeds and closes the breaker again.
	if res := f.Forward(context.Background(), map[string]any{}); res.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS after recovery, got %s (%s)", res.Status, res.Error)
	}
}

func TestBreakerDisabledPassesThrough(t *testing.T) {
	inner, err := NewHTTPForwarder("t1", HTTPConfig{URL: "http://127.0.0.1:1", Policy: fastPolicy(0)})
	if err != nil {
		t.Fatal(err)
	}
	if f := withBreaker(inner, BreakerConfig{}); f != Forwarder(inner) {
		t.Error("disabled breaker must return the forwarder unchanged")
	}
}
