// Package adapter implements the protocol ingress layer. Each adapter owns
// its listening socket, normalizes inbound bytes into envelopes, and
// publishes them on its protocol topic.
package adapter

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/frameparser"
	"github.com/iobridge/datagate/internal/logging"
)

// DataSource is the reference DTO an adapter is bound to. It identifies the
// upstream system feeding this adapter.
type DataSource struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Protocol envelope.Protocol `json:"protocol" yaml:"protocol"`
}

// Adapter is the capability set every protocol listener exposes.
type Adapter interface {
	Name() string
	Protocol() envelope.Protocol
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Stats() Stats
}

// Stats is a point-in-time copy of adapter counters. Extra carries
// protocol-specific values (active connections, actual port, broker state).
type Stats struct {
	MessagesReceived  int64          `json:"messages_received"`
	MessagesPublished int64          `json:"messages_published"`
	Errors            int64          `json:"errors"`
	BytesReceived     int64          `json:"bytes_received"`
	RateLimited       int64          `json:"rate_limited,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// base carries the state shared by every adapter: counters, the event bus
// hook, the optional frame schema, and the optional ingress rate limit.
type base struct {
	name         string
	protocol     envelope.Protocol
	topic        string
	bus          *eventbus.Bus
	dataSourceID string

	autoParse bool
	schema    *frameparser.Schema

	limiter *rate.Limiter

	running atomic.Bool

	received    atomic.Int64
	published   atomic.Int64
	errs        atomic.Int64
	bytesIn     atomic.Int64
	rateLimited atomic.Int64
}

func newBase(name string, proto envelope.Protocol, topic string, bus *eventbus.Bus) base {
	return base{name: name, protocol: proto, topic: topic, bus: bus}
}

func (b *base) Name() string                { return b.name }
func (b *base) Protocol() envelope.Protocol { return b.protocol }

// BindSchema attaches a frame schema; auto-parse runs on every received
// payload when enabled.
func (b *base) BindSchema(s *frameparser.Schema, autoParse bool) {
	b.schema = s
	b.autoParse = autoParse
}

// SetRateLimit applies an ingress message-per-second cap with the given
// burst. Zero disables limiting.
func (b *base) SetRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		b.limiter = nil
		return
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// newEnvelope builds an envelope stamped with this adapter's identity.
func (b *base) newEnvelope() *envelope.Envelope {
	env := envelope.New(b.protocol, b.name)
	env.DataSourceID = b.dataSourceID
	return env
}

// publish accounts for a received payload, runs auto-parse when configured,
// and fans the envelope out on the adapter's protocol topic. Returns false
// when the ingress rate limit dropped the message.
func (b *base) publish(env *envelope.Envelope) bool {
	b.received.Add(1)
	b.bytesIn.Add(int64(len(env.RawData)))

	if b.limiter != nil && !b.limiter.Allow() {
		b.rateLimited.Add(1)
		return false
	}

	parsedOK := false
	if b.autoParse && b.schema != nil && len(env.RawData) > 0 {
		parsed, err := frameparser.Parse(env.RawData, b.schema)
		if err != nil {
			env.ParseError = err.Error()
			b.errs.Add(1)
		} else {
			env.ParsedData = parsed
			parsedOK = true
		}
	}

	b.bus.Publish(b.topic, env, b.name)
	if parsedOK {
		b.bus.Publish(eventbus.TopicDataParsed, env, b.name)
	}
	b.published.Add(1)
	return true
}

func (b *base) countError() {
	b.errs.Add(1)
}

func (b *base) snapshot() Stats {
	return Stats{
		MessagesReceived:  b.received.Load(),
		MessagesPublished: b.published.Load(),
		Errors:            b.errs.Load(),
		BytesReceived:     b.bytesIn.Load(),
		RateLimited:       b.rateLimited.Load(),
	}
}

func (b *base) logStopped(took time.Duration) {
	logging.Info("adapter stopped",
		zap.String("adapter", b.name),
		zap.String("protocol", string(b.protocol)),
		zap.Duration("drain", took),
	)
}
