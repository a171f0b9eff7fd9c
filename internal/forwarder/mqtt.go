package forwarder

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// MQTTForwarderConfig configures an MQTT egress forwarder.
type MQTTForwarderConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// Topic may contain {source_id}, {target_id} and {message_id}
	// placeholders, substituted per payload.
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos"`
	Retain bool   `yaml:"retain"`
	Policy Policy `yaml:",inline"`
}

// MQTTForwarder publishes one message per payload to the templated topic.
type MQTTForwarder struct {
	base
	cfg    MQTTForwarderConfig
	client mqtt.Client
}

// NewMQTTForwarder builds an MQTT forwarder for the given target.
func NewMQTTForwarder(targetID string, cfg MQTTForwarderConfig) (*MQTTForwarder, error) {
	if cfg.BrokerURL == "" {
		return nil, gwerrors.NewConfigError("mqtt forwarder", "broker_url is required", nil)
	}
	if cfg.Topic == "" {
		return nil, gwerrors.NewConfigError("mqtt forwarder", "topic is required", nil)
	}
	if cfg.QoS > 2 {
		return nil, gwerrors.NewConfigError("mqtt forwarder", fmt.Sprintf("invalid qos %d", cfg.QoS), nil)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "datagate-fwd-" + targetID
	}
	return &MQTTForwarder{
		base: newBase(targetID, envelope.ProtocolMQTT, cfg.Policy),
		cfg:  cfg,
	}, nil
}

// Forward publishes the payload to the substituted topic.
func (f *MQTTForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	topic := f.renderTopic(payload)
	return f.deliver(ctx, payload, func(ctx context.Context, body []byte) (int, error) {
		return f.send(ctx, topic, body)
	})
}

func (f *MQTTForwarder) renderTopic(payload map[string]any) string {
	topic := f.cfg.Topic
	topic = strings.ReplaceAll(topic, "{target_id}", f.targetID)
	topic = strings.ReplaceAll(topic, "{source_id}", stringField(payload, "data_source_id"))
	topic = strings.ReplaceAll(topic, "{message_id}", stringField(payload, "message_id"))
	return topic
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func (f *MQTTForwarder) send(ctx context.Context, topic string, body []byte) (int, error) {
	f.connMu.Lock()
	client, err := f.ensureClient(ctx)
	f.connMu.Unlock()
	if err != nil {
		return 0, err
	}

	token := client.Publish(topic, f.cfg.QoS, f.cfg.Retain, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			f.connMu.Lock()
			f.dropClient()
			f.connMu.Unlock()
			return 0, err
		}
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ensureClient connects on first use. Caller holds connMu.
func (f *MQTTForwarder) ensureClient(ctx context.Context) (mqtt.Client, error) {
	if f.currentState() == StateClosing {
		return nil, errClosed
	}
	if f.client != nil && f.client.IsConnectionOpen() {
		return f.client, nil
	}
	f.dropClient()
	f.setState(StateConnecting)

	opts := mqtt.NewClientOptions().
		AddBroker(f.cfg.BrokerURL).
		SetClientID(f.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false)
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			client.Disconnect(0)
			f.setState(StateError)
			return nil, err
		}
	case <-ctx.Done():
		client.Disconnect(0)
		f.setState(StateError)
		return nil, ctx.Err()
	}

	f.client = client
	f.setState(StateConnected)
	return client, nil
}

// dropClient disconnects the broker client. Caller holds connMu.
func (f *MQTTForwarder) dropClient() {
	if f.client != nil {
		f.client.Disconnect(100)
		f.client = nil
	}
	if f.currentState() != StateClosing {
		f.setState(StateDisconnected)
	}
}

// Close disconnects from the broker.
func (f *MQTTForwarder) Close() error {
	if !f.closeGuard() {
		return nil
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.dropClient()
	f.setState(StateDisconnected)
	return nil
}

// Stats returns forwarder counters plus broker connectivity.
func (f *MQTTForwarder) Stats() Stats {
	s := f.snapshot()
	connected := f.client != nil && f.client.IsConnectionOpen()
	s.Extra = map[string]any{
		"broker_url":   f.cfg.BrokerURL,
		"topic":        f.cfg.Topic,
		"is_connected": connected,
	}
	return s
}
