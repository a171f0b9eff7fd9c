package forwarder

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/iobridge/datagate/internal/envelope"
)

// BreakerConfig tunes the per-target circuit breaker. Zero values take the
// defaults below.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxFailures  uint32        `yaml:"max_failures"`  // consecutive failures to trip, default 5
	OpenInterval time.Duration `yaml:"open_interval"` // time open before half-open, default 30s
}

var errDeliveryFailed = errors.New("delivery failed")

// breakerForwarder wraps a forwarder with a circuit breaker. While the
// breaker is open, Forward returns RETRY immediately without touching the
// downstream.
type breakerForwarder struct {
	inner Forwarder
	cb    *gobreaker.CircuitBreaker[Result]
}

// withBreaker wraps f when cfg.Enabled, otherwise returns f unchanged.
func withBreaker(f Forwarder, cfg BreakerConfig) Forwarder {
	if !cfg.Enabled {
		return f
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openInterval := cfg.OpenInterval
	if openInterval <= 0 {
		openInterval = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    f.TargetID(),
		Timeout: openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &breakerForwarder{
		inner: f,
		cb:    gobreaker.NewCircuitBreaker[Result](settings),
	}
}

func (b *breakerForwarder) TargetID() string            { return b.inner.TargetID() }
func (b *breakerForwarder) Protocol() envelope.Protocol { return b.inner.Protocol() }
func (b *breakerForwarder) Close() error                { return b.inner.Close() }
func (b *breakerForwarder) Stats() Stats {
	s := b.inner.Stats()
	if s.Extra == nil {
		s.Extra = map[string]any{}
	}
	s.Extra["breaker_state"] = b.cb.State().String()
	return s
}

func (b *breakerForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	res, err := b.cb.Execute(func() (Result, error) {
		r := b.inner.Forward(ctx, payload)
		if r.Status != StatusSuccess {
			return r, errDeliveryFailed
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{
			TargetID: b.inner.TargetID(),
			Status:   StatusRetry,
			Error:    "circuit breaker open",
		}
	}
	return res
}
