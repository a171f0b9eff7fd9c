package forwarder

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// AMQPConfig configures an AMQP 0-9-1 egress forwarder.
type AMQPConfig struct {
	URL        string `yaml:"url"` // amqp:// or amqps://
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Persistent bool   `yaml:"persistent"`
	Policy     Policy `yaml:",inline"`
}

// AMQPForwarder publishes one message per payload to an exchange. The
// connection and channel persist across forwards; any publish error drops
// them so the next attempt redials.
type AMQPForwarder struct {
	base
	cfg  AMQPConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPForwarder builds an AMQP forwarder for the given target.
func NewAMQPForwarder(targetID string, cfg AMQPConfig) (*AMQPForwarder, error) {
	if cfg.URL == "" {
		return nil, gwerrors.NewConfigError("amqp forwarder", "url is required", nil)
	}
	if cfg.RoutingKey == "" {
		return nil, gwerrors.NewConfigError("amqp forwarder", "routing_key is required", nil)
	}
	return &AMQPForwarder{
		base: newBase(targetID, envelope.ProtocolAMQP, cfg.Policy),
		cfg:  cfg,
	}, nil
}

// Forward publishes the payload to the configured exchange.
func (f *AMQPForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	return f.deliver(ctx, payload, f.send)
}

func (f *AMQPForwarder) send(ctx context.Context, body []byte) (int, error) {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.currentState() == StateClosing {
		return 0, errClosed
	}

	ch, err := f.ensureChannel()
	if err != nil {
		return 0, err
	}

	mode := amqp.Transient
	if f.cfg.Persistent {
		mode = amqp.Persistent
	}
	err = ch.PublishWithContext(ctx, f.cfg.Exchange, f.cfg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			Body:         body,
		})
	if err != nil {
		f.dropChannel()
		return 0, err
	}
	return 0, nil
}

// ensureChannel dials and opens the channel on first use. Caller holds
// connMu.
func (f *AMQPForwarder) ensureChannel() (*amqp.Channel, error) {
	if f.ch != nil && !f.ch.IsClosed() {
		return f.ch, nil
	}
	f.dropChannel()
	f.setState(StateConnecting)

	conn, err := amqp.Dial(f.cfg.URL)
	if err != nil {
		f.setState(StateError)
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		f.setState(StateError)
		return nil, err
	}

	f.conn = conn
	f.ch = ch
	f.setState(StateConnected)
	return ch, nil
}

// dropChannel tears down channel and connection. Caller holds connMu.
func (f *AMQPForwarder) dropChannel() {
	if f.ch != nil {
		f.ch.Close()
		f.ch = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.currentState() != StateClosing {
		f.setState(StateDisconnected)
	}
}

// Close tears down the broker connection.
func (f *AMQPForwarder) Close() error {
	if !f.closeGuard() {
		return nil
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.dropChannel()
	f.setState(StateDisconnected)
	return nil
}

// Stats returns forwarder counters.
func (f *AMQPForwarder) Stats() Stats {
	s := f.snapshot()
	s.Extra = map[string]any{
		"url":         f.cfg.URL,
		"exchange":    f.cfg.Exchange,
		"routing_key": f.cfg.RoutingKey,
	}
	return s
}
