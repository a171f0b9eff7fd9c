// Package pipeline wires adapters, routing, forwarding, crypto, and
// monitoring into one data plane and owns their lifecycles.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/adapter"
	"github.com/iobridge/datagate/internal/crypto"
	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/forwarder"
	"github.com/iobridge/datagate/internal/frameparser"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
	"github.com/iobridge/datagate/internal/monitoring"
	"github.com/iobridge/datagate/internal/routing"
	"github.com/iobridge/datagate/internal/tracing"
)

// Pipeline is the gateway data plane. Construction wires explicit
// dependencies; nothing here is process-global, so tests can run multiple
// pipelines side by side.
type Pipeline struct {
	bus        *eventbus.Bus
	engine     *routing.Engine
	manager    *forwarder.Manager
	monitoring *monitoring.Service
	crypto     *crypto.Service
	keys       *crypto.KeyManager
	tracer     *tracing.Tracer

	mu       sync.Mutex
	started  bool
	subIDs   []string
	adapters map[string]adapter.Adapter
	schemas  map[string]*frameparser.Schema

	// One open span per in-flight envelope, ended when its forwarding
	// results land.
	spanMu sync.Mutex
	spans  map[string]func(error)
}

// New wires a pipeline. crypto may be nil when encryption is unused.
func New(bus *eventbus.Bus, engine *routing.Engine, mgr *forwarder.Manager,
	mon *monitoring.Service, cryptoSvc *crypto.Service) *Pipeline {
	p := &Pipeline{
		bus:        bus,
		engine:     engine,
		manager:    mgr,
		monitoring: mon,
		crypto:     cryptoSvc,
		adapters:   make(map[string]adapter.Adapter),
		schemas:    make(map[string]*frameparser.Schema),
		spans:      make(map[string]func(error)),
	}
	if cryptoSvc != nil {
		p.keys = crypto.NewKeyManager(cryptoSvc)
	}
	return p
}

// SetTracer enables per-envelope spans. Call before Start.
func (p *Pipeline) SetTracer(tr *tracing.Tracer) { p.tracer = tr }

// Keys exposes the encryption key lifecycle, nil when crypto is disabled.
func (p *Pipeline) Keys() *crypto.KeyManager { return p.keys }

// AddAdapter registers an adapter under its name. Re-adding a name replaces
// the previous instance; a running instance is stopped first.
func (p *Pipeline) AddAdapter(a adapter.Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.adapters[a.Name()]; ok {
		prev.Stop()
	}
	p.adapters[a.Name()] = a
}

// RegisterFrameSchema validates and stores a frame schema. Idempotent by
// name: re-registering replaces the stored schema.
func (p *Pipeline) RegisterFrameSchema(s *frameparser.Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.schemas[s.Name] = s
	p.mu.Unlock()
	return nil
}

// UnregisterFrameSchema removes a stored schema. Unknown names are a no-op.
func (p *Pipeline) UnregisterFrameSchema(name string) {
	p.mu.Lock()
	delete(p.schemas, name)
	p.mu.Unlock()
}

// FrameSchema returns a registered schema by name.
func (p *Pipeline) FrameSchema(name string) (*frameparser.Schema, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schemas[name]
	return s, ok
}

// RegisterRoutingRule adds or replaces a rule. Idempotent by id.
func (p *Pipeline) RegisterRoutingRule(r routing.Rule) error {
	return p.engine.AddRule(r)
}

// UnregisterRoutingRule removes a rule. Unknown ids are a no-op.
func (p *Pipeline) UnregisterRoutingRule(id string) {
	p.engine.RemoveRule(id)
}

// RegisterTargetSystem wires a forwarder for the target. Idempotent by id.
func (p *Pipeline) RegisterTargetSystem(t forwarder.TargetSystem) error {
	return p.manager.RegisterTarget(t)
}

// UnregisterTargetSystem removes the target and closes its forwarder.
func (p *Pipeline) UnregisterTargetSystem(id string) {
	p.manager.UnregisterTarget(id)
}

// Start subscribes the routing stage to every ingress topic, attaches the
// forwarder manager, and starts the adapters. Idempotent; concurrent
// starts coalesce on the internal lock.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	for _, topic := range eventbus.IngressTopics {
		id := p.bus.Subscribe(topic, p.onIngress)
		p.subIDs = append(p.subIDs, id)
	}
	p.manager.OnResults(p.onResults)
	p.manager.Attach()
	p.monitoring.Start()

	for name, a := range p.adapters {
		if err := a.Start(ctx); err != nil {
			logging.Error("adapter start failed", zap.String("adapter", name), zap.Error(err))
			p.teardownLocked()
			return gwerrors.NewConfigError("pipeline", "adapter "+name+" failed to start", err)
		}
	}

	p.started = true
	logging.Info("pipeline started", zap.Int("adapters", len(p.adapters)))
	return nil
}

// onIngress is the routing stage: normalize, route, record. Forwarding is
// dispatched by the manager's own ROUTING_DECIDED subscription.
func (p *Pipeline) onIngress(ev eventbus.Event) {
	env, ok := ev.Data.(*envelope.Envelope)
	if !ok {
		return
	}
	p.normalize(env)
	// Track before routing: the decision publish dispatches forwarding, so
	// results may land before this function returns.
	p.trackSpan(env)
	decision := p.engine.RouteMessage(env)
	p.monitoring.RecordRoutingDecision(env, decision.MatchedRules, decision.TargetSystemIDs)
	if len(decision.TargetSystemIDs) == 0 {
		p.finishSpan(env.MessageID, nil)
	}
}

// onResults records forwarding outcomes and closes the envelope's span.
func (p *Pipeline) onResults(env *envelope.Envelope, results []forwarder.Result) {
	p.monitoring.RecordForwardResults(env, results)

	var spanErr error
	for _, r := range results {
		if r.Status != forwarder.StatusSuccess && r.Error != "" {
			spanErr = errors.New(r.TargetID + ": " + r.Error)
			break
		}
	}
	p.finishSpan(env.MessageID, spanErr)
}

func (p *Pipeline) trackSpan(env *envelope.Envelope) {
	if p.tracer == nil || !p.tracer.IsEnabled() {
		return
	}
	_, end := p.tracer.StartMessageSpan(context.Background(),
		env.MessageID, string(env.SourceProtocol))
	p.spanMu.Lock()
	p.spans[env.MessageID] = end
	p.spanMu.Unlock()
}

func (p *Pipeline) finishSpan(messageID string, err error) {
	p.spanMu.Lock()
	end, ok := p.spans[messageID]
	delete(p.spans, messageID)
	p.spanMu.Unlock()
	if ok {
		end(err)
	}
}

// Stop reverses the wiring: adapters first so no new envelopes arrive, then
// the forwarder manager with its drain, then the bus subscriptions.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.teardownLocked()
	p.started = false
	logging.Info("pipeline stopped")
	return nil
}

func (p *Pipeline) teardownLocked() {
	for name, a := range p.adapters {
		if err := a.Stop(); err != nil {
			logging.Warn("adapter stop failed", zap.String("adapter", name), zap.Error(err))
		}
	}
	p.manager.Close()
	for _, id := range p.subIDs {
		p.bus.Unsubscribe(id)
	}
	p.subIDs = nil

	// Forwarding tasks dropped by the manager's drain never report results.
	p.spanMu.Lock()
	pending := p.spans
	p.spans = make(map[string]func(error))
	p.spanMu.Unlock()
	for _, end := range pending {
		end(nil)
	}
}

// AdapterStats returns per-adapter counters keyed by adapter name.
func (p *Pipeline) AdapterStats() map[string]adapter.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]adapter.Stats, len(p.adapters))
	for name, a := range p.adapters {
		out[name] = a.Stats()
	}
	return out
}

// ForwarderStats returns per-target forwarder counters.
func (p *Pipeline) ForwarderStats() map[string]forwarder.Stats {
	return p.manager.Stats()
}
