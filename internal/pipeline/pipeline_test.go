package pipeline

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
	"github.com/iobridge/datagate/internal/forwarder"
	"github.com/iobridge/datagate/internal/frameparser"
	"github.com/iobridge/datagate/internal/monitoring"
	"github.com/iobridge/datagate/internal/routing"
	"github.com/iobridge/datagate/internal/tracing"
)

type fixture struct {
	bus  *eventbus.Bus
	pipe *Pipeline

	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func newFixture(t *testing.T, cryptoSvc *crypto.Service) *fixture {
	t.Helper()
	f := &fixture{bus: eventbus.New()}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.srv.Close)

	engine := routing.NewEngine(f.bus)
	mgr := forwarder.NewManager(f.bus, cryptoSvc)
	mon := monitoring.NewService(monitoring.Options{})
	f.pipe = New(f.bus, engine, mgr, mon, cryptoSvc)
	t.Cleanup(func() { f.pipe.Stop() })
	return f
}

func (f *fixture) target(t *testing.T, id string) forwarder.TargetSystem {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return forwarder.TargetSystem{
		ID:            id,
		Protocol:      envelope.ProtocolHTTP,
		TargetAddress: u.Hostname(),
		TargetPort:    port,
		EndpointPath:  "/",
		IsActive:      true,
		Forwarding: forwarder.ForwardingConfig{
			Timeout:    2 * time.Second,
			RetryDelay: 10 * time.Millisecond,
		},
	}
}

func (f *fixture) waitDelivery(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.bodies) > 0 {
			body := f.bodies[len(f.bodies)-1]
			f.mu.Unlock()
			return body
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for delivery")
	return ""
}

func (f *fixture) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func matchAllRule(id, target string) routing.Rule {
	return routing.Rule{
		ID:              id,
		Priority:        1,
		IsActive:        true,
		IsPublished:     true,
		TargetSystemIDs: []string{target},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.pipe.RegisterRoutingRule(matchAllRule("r1", "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.RegisterTargetSystem(f.target(t, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	env := envelope.New(envelope.ProtocolUDP, "udp-main")
	env.RawData = []byte(`{"temperature":25.5}`)
	f.bus.Publish(eventbus.TopicUDPReceived, env, "udp-main")

	body := f.waitDelivery(t)
	if gjson.Get(body, "target_system_id").String() != "t1" {
		t.Errorf("missing target_system_id in %s", body)
	}
	// normalize decoded the JSON body into parsed_data before routing.
	if gjson.Get(body, "parsed_data.temperature").Float() != 25.5 {
		t.Errorf("expected normalized parsed data, got %s", body)
	}
	if gjson.Get(body, "raw_data").Exists() {
		t.Errorf("raw bytes leaked to the wire: %s", body)
	}
}

func TestPipelineStartIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Errorf("second start must be a no-op, got %v", err)
	}
	if err := f.pipe.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Stop(); err != nil {
		t.Errorf("second stop must be a no-op, got %v", err)
	}
}

func TestPipelineStopBlocksIngress(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.pipe.RegisterRoutingRule(matchAllRule("r1", "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.RegisterTargetSystem(f.target(t, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Stop(); err != nil {
		t.Fatal(err)
	}

	env := envelope.New(envelope.ProtocolUDP, "udp-main")
	env.RawData = []byte(`{"a":1}`)
	f.bus.Publish(eventbus.TopicUDPReceived, env, "udp-main")
	time.Sleep(50 * time.Millisecond)

	if n := f.deliveries(); n != 0 {
		t.Errorf("stopped pipeline forwarded %d messages", n)
	}
}

func TestPipelineInlineDecrypt(t *testing.T) {
	key := make([]byte, 32)
	svc, err := crypto.NewService(key, "1")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, svc)

	if err := f.pipe.RegisterRoutingRule(matchAllRule("r1", "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.RegisterTargetSystem(f.target(t, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	wire, err := svc.WrapJSON([]byte(`{"secret_reading":7}`))
	if err != nil {
		t.Fatal(err)
	}
	env := envelope.New(envelope.ProtocolHTTP, "http-main")
	env.RawData = wire
	f.bus.Publish(eventbus.TopicHTTPReceived, env, "http-main")

	body := f.waitDelivery(t)
	if gjson.Get(body, "parsed_data.secret_reading").Int() != 7 {
		t.Errorf("expected inline decrypt before routing, got %s", body)
	}
	if gjson.Get(body, "parsed_data.encrypted_payload").Exists() {
		t.Errorf("ciphertext survived normalization: %s", body)
	}
}

func TestPipelineRouteOnDecryptedField(t *testing.T) {
	key := make([]byte, 32)
	svc, err := crypto.NewService(key, "1")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, svc)

	rule := matchAllRule("hot", "t1")
	rule.Conditions = []routing.Condition{
		{FieldPath: "temperature", Operator: routing.OpGT, Value: 30},
	}
	if err := f.pipe.RegisterRoutingRule(rule); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.RegisterTargetSystem(f.target(t, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	wire, err := svc.WrapJSON([]byte(`{"temperature":35}`))
	if err != nil {
		t.Fatal(err)
	}
	env := envelope.New(envelope.ProtocolHTTP, "http-main")
	env.RawData = wire
	f.bus.Publish(eventbus.TopicHTTPReceived, env, "http-main")

	f.waitDelivery(t)
}

func (f *fixture) pendingSpans() int {
	f.pipe.spanMu.Lock()
	defer f.pipe.spanMu.Unlock()
	return len(f.pipe.spans)
}

func TestPipelineSpansPerEnvelope(t *testing.T) {
	f := newFixture(t, nil)

	tracer, err := tracing.New(tracing.Options{
		Enabled:  true,
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.pipe.SetTracer(tracer)

	rule := matchAllRule("r1", "t1")
	rule.SourceConfig = routing.SourceFilter{Protocols: []envelope.Protocol{envelope.ProtocolUDP}}
	if err := f.pipe.RegisterRoutingRule(rule); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.RegisterTargetSystem(f.target(t, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	env := envelope.New(envelope.ProtocolUDP, "udp-main")
	env.RawData = []byte(`{"temperature":25.5}`)
	f.bus.Publish(eventbus.TopicUDPReceived, env, "udp-main")
	f.waitDelivery(t)

	// The span opened on ingress must close once forwarding results land.
	deadline := time.Now().Add(3 * time.Second)
	for f.pendingSpans() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.pendingSpans(); n != 0 {
		t.Errorf("expected all spans ended after forwarding, %d still open", n)
	}

	// An unmatched envelope ends its span at the routing decision.
	miss := envelope.New(envelope.ProtocolTCP, "tcp-main")
	miss.RawData = []byte(`{"a":1}`)
	f.bus.Publish(eventbus.TopicTCPReceived, miss, "tcp-main")
	if n := f.pendingSpans(); n != 0 {
		t.Errorf("expected no open span for an unrouted envelope, got %d", n)
	}
}

func TestPipelineFrameSchemaRegistry(t *testing.T) {
	f := newFixture(t, nil)

	s := &frameparser.Schema{
		Name:        "sensor-v1",
		FrameType:   frameparser.FrameFixed,
		TotalLength: 8,
		Fields: []frameparser.FieldDef{
			{Name: "header", Offset: 0, Length: 2, DataType: frameparser.TypeUint16},
		},
	}
	if err := f.pipe.RegisterFrameSchema(s); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.pipe.FrameSchema("sensor-v1"); !ok {
		t.Error("registered schema not found")
	}

	bad := &frameparser.Schema{Name: "", FrameType: frameparser.FrameFixed}
	if err := f.pipe.RegisterFrameSchema(bad); err == nil {
		t.Error("expected invalid schema rejection")
	}

	f.pipe.UnregisterFrameSchema("sensor-v1")
	if _, ok := f.pipe.FrameSchema("sensor-v1"); ok {
		t.Error("schema still present after unregister")
	}
}

func TestPipelineProtocolCoercion(t *testing.T) {
	f := newFixture(t, nil)

	rule := matchAllRule("udp-only", "t1")
	rule.SourceConfig = routing.SourceFilter{Protocols: []envelope.Protocol{envelope.ProtocolUDP}}
	if err := f.pipe.RegisterRoutingRule(rule); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.RegisterTargetSystem(f.target(t, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A lowercase protocol string from an external producer still matches.
	env := envelope.New(envelope.Protocol("udp"), "bridge")
	env.RawData = []byte(`{"a":1}`)
	f.bus.Publish(eventbus.TopicDataReceived, env, "bridge")

	f.waitDelivery(t)
}
