package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// MQTTConfig configures an MQTT adapter connecting out to a broker.
type MQTTConfig struct {
	BrokerURL    string        `yaml:"broker_url"` // e.g. tcp://broker:1883
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Topics       []string      `yaml:"topics"` // topic filters
	QoS          byte          `yaml:"qos"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	ConnectRetry time.Duration `yaml:"connect_retry"`  // initial reconnect interval
	MaxReconnect time.Duration `yaml:"max_reconnect"`  // reconnect backoff ceiling
}

// MQTTAdapter subscribes to broker topic filters and produces one envelope
// per inbound PUBLISH. The payload is decoded as JSON when possible; the
// envelope always carries the raw bytes either way. Reconnection is
// automatic with exponential backoff.
type MQTTAdapter struct {
	base
	cfg    MQTTConfig
	client mqtt.Client

	connected  atomic.Bool
	reconnects atomic.Int64
}

// NewMQTTAdapter creates an MQTT adapter publishing on MQTT_RECEIVED.
func NewMQTTAdapter(name string, cfg MQTTConfig, bus *eventbus.Bus) (*MQTTAdapter, error) {
	if cfg.BrokerURL == "" {
		return nil, gwerrors.NewConfigError("mqtt adapter", "broker_url is required", nil)
	}
	if len(cfg.Topics) == 0 {
		return nil, gwerrors.NewConfigError("mqtt adapter", "at least one topic filter is required", nil)
	}
	if cfg.QoS > 2 {
		return nil, gwerrors.NewConfigError("mqtt adapter", fmt.Sprintf("invalid qos %d", cfg.QoS), nil)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "datagate-" + name
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectRetry <= 0 {
		cfg.ConnectRetry = time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = time.Minute
	}
	return &MQTTAdapter{
		base: newBase(name, envelope.ProtocolMQTT, eventbus.TopicMQTTReceived, bus),
		cfg:  cfg,
	}, nil
}

// Start connects to the broker and subscribes to the configured filters.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return gwerrors.ErrAlreadyRunning
	}

	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.ClientID).
		SetKeepAlive(a.cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(a.cfg.ConnectRetry).
		SetMaxReconnectInterval(a.cfg.MaxReconnect).
		SetOrderMatters(false)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		a.connected.Store(true)
		filters := make(map[string]byte, len(a.cfg.Topics))
		for _, t := range a.cfg.Topics {
			filters[t] = a.cfg.QoS
		}
		if token := c.SubscribeMultiple(filters, a.onMessage); token.Wait() && token.Error() != nil {
			a.countError()
			logging.Error("mqtt subscribe failed",
				zap.String("adapter", a.name),
				zap.Error(token.Error()),
			)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.connected.Store(false)
		a.reconnects.Add(1)
		logging.Warn("mqtt connection lost", zap.String("adapter", a.name), zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			// Retry machinery keeps dialing in the background; surfacing the
			// first failure here would tear down a recoverable adapter.
			logging.Warn("mqtt initial connect pending", zap.String("adapter", a.name), zap.Error(err))
		}
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		client.Disconnect(0)
		a.running.Store(false)
		return ctx.Err()
	}

	a.client = client
	logging.Info("mqtt adapter started",
		zap.String("adapter", a.name),
		zap.String("broker", a.cfg.BrokerURL),
		zap.Strings("topics", a.cfg.Topics),
	)
	return nil
}

func (a *MQTTAdapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	env := a.newEnvelope()
	env.RawData = append([]byte(nil), msg.Payload()...)
	env.Topic = msg.Topic()
	env.QoS = msg.Qos()

	// Best effort: carry a structured form alongside the raw bytes.
	var parsed map[string]any
	if err := json.Unmarshal(msg.Payload(), &parsed); err == nil {
		env.ParsedData = parsed
	}

	a.publish(env)
}

// Stop disconnects from the broker.
func (a *MQTTAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	start := time.Now()
	if a.client != nil {
		a.client.Disconnect(250)
		a.client = nil
	}
	a.connected.Store(false)
	a.logStopped(time.Since(start))
	return nil
}

// Restart stops and starts the adapter.
func (a *MQTTAdapter) Restart(ctx context.Context) error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.Start(ctx)
}

// IsConnected reports current broker connectivity.
func (a *MQTTAdapter) IsConnected() bool {
	return a.connected.Load()
}

// Stats returns adapter counters plus broker connectivity.
func (a *MQTTAdapter) Stats() Stats {
	s := a.snapshot()
	s.Extra = map[string]any{
		"is_connected": a.connected.Load(),
		"reconnects":   a.reconnects.Load(),
		"broker_url":   a.cfg.BrokerURL,
	}
	return s
}
