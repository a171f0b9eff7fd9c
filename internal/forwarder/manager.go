package forwarder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iobridge/datagate/internal/crypto"
	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
	"github.com/iobridge/datagate/internal/routing"
	"github.com/iobridge/datagate/internal/transform"
)

// ForwardingConfig carries the per-target delivery tuning shared across
// protocols plus the protocol-specific extras.
type ForwardingConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Backoff    string        `yaml:"backoff"`
	BatchSize  int           `yaml:"batch_size"`
	Encryption bool          `yaml:"encryption"`

	// HTTP
	Method    string            `yaml:"method"`
	Headers   map[string]string `yaml:"headers"`
	VerifySSL bool              `yaml:"verify_ssl"`
	Gzip      bool              `yaml:"gzip"`

	// TCP
	KeepAlive bool   `yaml:"keep_alive"`
	Newline   string `yaml:"newline"`

	// WebSocket
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`

	// MQTT
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
	ClientID string `yaml:"client_id"`

	// AMQP
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Persistent bool   `yaml:"persistent"`

	Breaker BreakerConfig `yaml:"breaker"`
}

func (c ForwardingConfig) policy() Policy {
	return Policy{
		Timeout:    c.Timeout,
		RetryCount: c.RetryCount,
		RetryDelay: c.RetryDelay,
		Backoff:    c.Backoff,
	}
}

// TargetSystem is the reference DTO describing one downstream system.
type TargetSystem struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Protocol      envelope.Protocol `yaml:"protocol"`
	TargetAddress string            `yaml:"target_address"`
	TargetPort    int               `yaml:"target_port"`
	EndpointPath  string            `yaml:"endpoint_path"`
	UseSSL        bool              `yaml:"use_ssl"`
	Auth          AuthConfig        `yaml:"auth_config"`
	Forwarding    ForwardingConfig  `yaml:"forwarder_config"`
	Transform     transform.Config  `yaml:"transform_config"`
	IsActive      bool              `yaml:"is_active"`
}

// entry is one registered target. fwd is nil when construction failed;
// buildErr keeps the failure visible so the target stays known but unwired.
type entry struct {
	target      TargetSystem
	fwd         Forwarder
	transformer *transform.Transformer
	buildErr    error
}

// ResultsHandler receives the per-target outcome batch for one envelope.
type ResultsHandler func(env *envelope.Envelope, results []Result)

// Manager owns one forwarder per target system and fans deliveries out in
// parallel. Dispatch is driven by ROUTING_DECIDED subscriptions installed
// via Attach.
type Manager struct {
	bus    *eventbus.Bus
	crypto *crypto.Service

	mu      sync.RWMutex
	entries map[string]*entry

	onResults ResultsHandler

	subID  string
	tasks  sync.WaitGroup
	closed atomic.Bool
	drain  time.Duration
}

// NewManager builds a manager. crypto may be nil when no target uses
// encryption.
func NewManager(bus *eventbus.Bus, cryptoSvc *crypto.Service) *Manager {
	return &Manager{
		bus:     bus,
		crypto:  cryptoSvc,
		entries: make(map[string]*entry),
		drain:   5 * time.Second,
	}
}

// OnResults installs the monitoring hand-off invoked after each forwarding
// batch.
func (m *Manager) OnResults(h ResultsHandler) { m.onResults = h }

// Attach subscribes the manager to routing decisions. Each decision spawns
// one tracked forwarding task.
func (m *Manager) Attach() {
	m.subID = m.bus.Subscribe(eventbus.TopicRoutingDecided, func(ev eventbus.Event) {
		decision, ok := ev.Data.(routing.Decision)
		if !ok {
			return
		}
		if m.closed.Load() {
			return
		}
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			results := m.Forward(context.Background(), decision.Envelope, decision.TargetSystemIDs)
			if m.onResults != nil {
				m.onResults(decision.Envelope, results)
			}
		}()
	})
}

// RegisterTarget constructs the protocol-specific forwarder for the target.
// On construction failure the target stays registered but unwired and the
// error is returned to the registrar. Re-registering an id replaces the
// previous forwarder.
func (m *Manager) RegisterTarget(t TargetSystem) error {
	if t.ID == "" {
		return gwerrors.NewConfigError("forwarder manager", "target id is required", nil)
	}

	fwd, buildErr := m.buildForwarder(t)

	m.mu.Lock()
	if prev, ok := m.entries[t.ID]; ok && prev.fwd != nil {
		prev.fwd.Close()
	}
	m.entries[t.ID] = &entry{
		target:      t,
		fwd:         fwd,
		transformer: transform.New(t.Transform),
		buildErr:    buildErr,
	}
	m.mu.Unlock()

	if buildErr != nil {
		logging.Warn("target registered without forwarder",
			zap.String("target_id", t.ID),
			zap.Error(buildErr),
		)
		return buildErr
	}
	logging.Info("target registered",
		zap.String("target_id", t.ID),
		zap.String("protocol", string(t.Protocol)),
		zap.Bool("is_active", t.IsActive),
	)
	return nil
}

// UnregisterTarget closes and removes the target's forwarder. Unknown ids
// are a no-op.
func (m *Manager) UnregisterTarget(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if ok && e.fwd != nil {
		e.fwd.Close()
	}
}

// Target returns the registered DTO for id.
func (m *Manager) Target(id string) (TargetSystem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return TargetSystem{}, false
	}
	return e.target, true
}

func (m *Manager) buildForwarder(t TargetSystem) (Forwarder, error) {
	fc := t.Forwarding
	var (
		fwd Forwarder
		err error
	)
	switch t.Protocol {
	case envelope.ProtocolHTTP:
		scheme := "http"
		if t.UseSSL {
			scheme = "https"
		}
		fwd, err = NewHTTPForwarder(t.ID, HTTPConfig{
			URL:       fmt.Sprintf("%s://%s:%d%s", scheme, t.TargetAddress, t.TargetPort, t.EndpointPath),
			Method:    fc.Method,
			Headers:   fc.Headers,
			Auth:      t.Auth,
			VerifySSL: fc.VerifySSL,
			Gzip:      fc.Gzip,
			Policy:    fc.policy(),
		})
	case envelope.ProtocolTCP:
		fwd, err = NewTCPForwarder(t.ID, TCPConfig{
			Address:   t.TargetAddress,
			Port:      t.TargetPort,
			KeepAlive: fc.KeepAlive,
			Newline:   fc.Newline,
			Policy:    fc.policy(),
		})
	case envelope.ProtocolUDP:
		fwd, err = NewUDPForwarder(t.ID, UDPConfig{
			Address: t.TargetAddress,
			Port:    t.TargetPort,
			Policy:  fc.policy(),
		})
	case envelope.ProtocolWebSocket:
		scheme := "ws"
		if t.UseSSL {
			scheme = "wss"
		}
		fwd, err = NewWSForwarder(t.ID, WSConfig{
			URL:          fmt.Sprintf("%s://%s:%d%s", scheme, t.TargetAddress, t.TargetPort, t.EndpointPath),
			Headers:      fc.Headers,
			PingInterval: fc.PingInterval,
			PingTimeout:  fc.PingTimeout,
			Policy:       fc.policy(),
		})
	case envelope.ProtocolMQTT:
		scheme := "tcp"
		if t.UseSSL {
			scheme = "ssl"
		}
		fwd, err = NewMQTTForwarder(t.ID, MQTTForwarderConfig{
			BrokerURL: fmt.Sprintf("%s://%s:%d", scheme, t.TargetAddress, t.TargetPort),
			ClientID:  fc.ClientID,
			Username:  t.Auth.Username,
			Password:  t.Auth.Password,
			Topic:     fc.Topic,
			QoS:       fc.QoS,
			Retain:    fc.Retain,
			Policy:    fc.policy(),
		})
	case envelope.ProtocolAMQP:
		scheme := "amqp"
		if t.UseSSL {
			scheme = "amqps"
		}
		url := fmt.Sprintf("%s://%s:%d/", scheme, t.TargetAddress, t.TargetPort)
		if t.Auth.Username != "" {
			url = fmt.Sprintf("%s://%s:%s@%s:%d/", scheme, t.Auth.Username, t.Auth.Password, t.TargetAddress, t.TargetPort)
		}
		fwd, err = NewAMQPForwarder(t.ID, AMQPConfig{
			URL:        url,
			Exchange:   fc.Exchange,
			RoutingKey: fc.RoutingKey,
			Persistent: fc.Persistent,
			Policy:     fc.policy(),
		})
	default:
		err = gwerrors.NewConfigError("forwarder manager",
			"unsupported target protocol "+string(t.Protocol), nil)
	}
	if err != nil {
		return nil, err
	}
	return withBreaker(fwd, fc.Breaker), nil
}

// Forward fans the envelope out to the named targets in parallel. Inactive
// targets are skipped; per-target failures are independent. The batch
// result is published on DATA_FORWARDED.
func (m *Manager) Forward(ctx context.Context, env *envelope.Envelope, targetIDs []string) []Result {
	if len(targetIDs) == 0 {
		return nil
	}

	m.mu.RLock()
	selected := make([]*entry, 0, len(targetIDs))
	missing := make([]string, 0)
	for _, id := range targetIDs {
		e, ok := m.entries[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case !e.target.IsActive:
			// inactive targets are never selected
		default:
			selected = append(selected, e)
		}
	}
	m.mu.RUnlock()

	results := make([]Result, 0, len(selected)+len(missing))
	var resMu sync.Mutex
	for _, id := range missing {
		results = append(results, Result{
			TargetID: id,
			Status:   StatusFailed,
			Error:    gwerrors.ErrNotRegistered.Error(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range selected {
		e := e
		g.Go(func() error {
			res := m.forwardOne(gctx, e, env)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}
	g.Wait()

	m.bus.Publish(eventbus.TopicDataForwarded, ForwardedBatch{
		Envelope: env,
		Results:  results,
	}, "forwarder_manager")
	return results
}

// forwardOne runs the delivery path for one target: transform, then
// encrypt when enabled, then the protocol send.
func (m *Manager) forwardOne(ctx context.Context, e *entry, env *envelope.Envelope) Result {
	if e.fwd == nil {
		return Result{
			TargetID: e.target.ID,
			Status:   StatusFailed,
			Error:    fmt.Sprintf("forwarder not constructed: %v", e.buildErr),
		}
	}

	payload := env.Payload()
	payload["target_system_id"] = e.target.ID

	// The transformer also sanitizes byte fields out of the payload, so it
	// runs even with an identity config.
	payload = e.transformer.Apply(payload)

	if e.target.Forwarding.Encryption {
		if _, already := payload["encrypted_payload"]; !already {
			if m.crypto == nil {
				return Result{
					TargetID: e.target.ID,
					Status:   StatusFailed,
					Error:    "encryption enabled but no crypto service configured",
				}
			}
			wrapped, err := m.crypto.WrapPayload(payload)
			if err != nil {
				return Result{
					TargetID: e.target.ID,
					Status:   StatusFailed,
					Error:    err.Error(),
				}
			}
			payload = wrapped
		}
	}

	res := e.fwd.Forward(ctx, payload)
	if res.Status != StatusSuccess {
		logging.Warn("forward failed",
			zap.String("target_id", e.target.ID),
			zap.String("message_id", env.MessageID),
			zap.String("status", string(res.Status)),
			zap.String("error", res.Error),
		)
	}
	return res
}

// Stats returns per-target forwarder statistics keyed by target id.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.entries))
	for id, e := range m.entries {
		if e.fwd != nil {
			out[id] = e.fwd.Stats()
		}
	}
	return out
}

// Close unsubscribes from the bus, waits for in-flight forwarding tasks up
// to the drain window, and closes every forwarder.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.subID != "" {
		m.bus.Unsubscribe(m.subID)
	}

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.drain):
		logging.Warn("forwarding tasks still in flight after drain window")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.fwd != nil {
			if err := e.fwd.Close(); err != nil {
				logging.Warn("forwarder close failed", zap.String("target_id", id), zap.Error(err))
			}
		}
	}
	return nil
}

// ForwardedBatch is the DATA_FORWARDED event payload.
type ForwardedBatch struct {
	Envelope *envelope.Envelope
	Results  []Result
}
