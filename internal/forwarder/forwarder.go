// Package forwarder implements protocol-specific egress. Each forwarder owns
// one downstream connection (or client) for one target system, applies the
// retry policy around a single-attempt send, and reports per-delivery
// results to the manager.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// Status is the final outcome of one Forward call.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
	StatusRetry   Status = "RETRY"
)

// State tracks the forwarder connection lifecycle:
// disconnected -> connecting -> connected -> (closing|error) -> disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Result carries the outcome of one delivery to one target.
type Result struct {
	TargetID   string `json:"target_id"`
	Status     Status `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// Stats is a point-in-time copy of forwarder counters.
type Stats struct {
	ForwardsAttempted int64          `json:"forwards_attempted"`
	ForwardsSucceeded int64          `json:"forwards_succeeded"`
	ForwardsFailed    int64          `json:"forwards_failed"`
	TotalDurationMs   int64          `json:"total_duration_ms"`
	SuccessRate       float64        `json:"success_rate"`
	AvgDurationMs     float64        `json:"avg_duration_ms"`
	State             string         `json:"state"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Forwarder is the egress capability set. Forward serializes the payload,
// drives the retry loop, and always returns a Result, never an error;
// delivery failures live inside the Result.
type Forwarder interface {
	TargetID() string
	Protocol() envelope.Protocol
	Forward(ctx context.Context, payload map[string]any) Result
	Close() error
	Stats() Stats
}

// base carries state shared by every forwarder: counters, the connection
// state word, the single-flight connect lock, and the retry policy.
type base struct {
	targetID string
	protocol envelope.Protocol
	policy   Policy

	state atomic.Int32

	// connMu serializes connect/teardown so concurrent Forward callers
	// reuse one established connection.
	connMu sync.Mutex

	attempted  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	durationMs atomic.Int64
}

func newBase(targetID string, proto envelope.Protocol, policy Policy) base {
	return base{targetID: targetID, protocol: proto, policy: policy.withDefaults()}
}

func (b *base) TargetID() string            { return b.targetID }
func (b *base) Protocol() envelope.Protocol { return b.protocol }

func (b *base) setState(s State)  { b.state.Store(int32(s)) }
func (b *base) currentState() State { return State(b.state.Load()) }

// encodePayload renders the outbound JSON body. encoding/json already emits
// []byte as base64 and time.Time as RFC 3339, matching the wire contract.
func encodePayload(payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	return body, nil
}

// deliver runs the retry loop around a single-attempt send and accounts the
// outcome. send is invoked with a per-attempt deadline derived from the
// policy timeout.
func (b *base) deliver(ctx context.Context, payload map[string]any, send sendFunc) Result {
	b.attempted.Add(1)
	start := time.Now()

	res := Result{TargetID: b.targetID}

	body, err := encodePayload(payload)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		b.failed.Add(1)
		b.durationMs.Add(res.DurationMs)
		return res
	}

	status, code, retries, sendErr := b.policy.run(ctx, body, send)
	res.Status = status
	res.StatusCode = code
	res.RetryCount = retries
	if sendErr != nil {
		res.Error = sendErr.Error()
	}
	res.DurationMs = time.Since(start).Milliseconds()

	if status == StatusSuccess {
		b.succeeded.Add(1)
	} else {
		b.failed.Add(1)
	}
	b.durationMs.Add(res.DurationMs)
	return res
}

func (b *base) snapshot() Stats {
	attempted := b.attempted.Load()
	succeeded := b.succeeded.Load()
	total := b.durationMs.Load()
	s := Stats{
		ForwardsAttempted: attempted,
		ForwardsSucceeded: succeeded,
		ForwardsFailed:    b.failed.Load(),
		TotalDurationMs:   total,
		State:             b.currentState().String(),
	}
	if attempted > 0 {
		s.SuccessRate = float64(succeeded) / float64(attempted)
		s.AvgDurationMs = float64(total) / float64(attempted)
	}
	return s
}

// closeGuard flips the state to closing and reports whether teardown should
// proceed. Closing an already closed forwarder is a no-op.
func (b *base) closeGuard() bool {
	for {
		cur := b.state.Load()
		if State(cur) == StateClosing {
			return false
		}
		if b.state.CompareAndSwap(cur, int32(StateClosing)) {
			return true
		}
	}
}

var errClosed = gwerrors.ErrClosed
