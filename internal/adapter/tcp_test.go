package adapter

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
)

func startTCP(t *testing.T, cfg TCPConfig, bus *eventbus.Bus) *TCPAdapter {
	t.Helper()
	cfg.ListenAddress = "127.0.0.1"
	a, err := NewTCPAdapter("tcp-test", cfg, bus)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestTCPAdapterFramesOnDelimiter(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicTCPReceived)
	a := startTCP(t, TCPConfig{}, bus)

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("frame-one\nframe-two\n")); err != nil {
		t.Fatal(err)
	}

	first := waitEnvelope(t, ch)
	second := waitEnvelope(t, ch)

	if string(first.RawData) != "frame-one" || string(second.RawData) != "frame-two" {
		t.Errorf("unexpected frames %q, %q", first.RawData, second.RawData)
	}
	if first.SourceProtocol != envelope.ProtocolTCP {
		t.Errorf("expected TCP protocol, got %s", first.SourceProtocol)
	}
	if first.ConnectionID == "" || first.ConnectionID != second.ConnectionID {
		t.Error("frames from one connection must share a connection id")
	}
}

func TestTCPAdapterCustomDelimiter(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicTCPReceived)
	a := startTCP(t, TCPConfig{Delimiter: "||"}, bus)

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("a||b||")); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if env := waitEnvelope(t, ch); string(env.RawData) != "a" {
		t.Errorf("expected frame a, got %q", env.RawData)
	}
	if env := waitEnvelope(t, ch); string(env.RawData) != "b" {
		t.Errorf("expected frame b, got %q", env.RawData)
	}
}

func TestTCPAdapterFlushesTrailingFrameOnClose(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicTCPReceived)
	a := startTCP(t, TCPConfig{}, bus)

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("no-trailing-delimiter")); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if env := waitEnvelope(t, ch); string(env.RawData) != "no-trailing-delimiter" {
		t.Errorf("expected trailing frame flushed at EOF, got %q", env.RawData)
	}
}

func TestTCPAdapterRefusesOverMaxConnections(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicTCPReceived)
	a := startTCP(t, TCPConfig{MaxConnections: 1}, bus)

	first, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	// Prove the first connection is registered before the second dial.
	if _, err := first.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	waitEnvelope(t, ch)

	second, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	// The refused connection is closed by the adapter; reads hit EOF.
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("expected refused connection to be closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.Stats().Extra["refused"].(int64) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if refused := a.Stats().Extra["refused"].(int64); refused != 1 {
		t.Errorf("expected 1 refused connection, got %d", refused)
	}

	// The existing connection keeps working.
	if _, err := first.Write([]byte("still-alive\n")); err != nil {
		t.Fatal(err)
	}
	if env := waitEnvelope(t, ch); string(env.RawData) != "still-alive" {
		t.Errorf("existing connection broken, got %q", env.RawData)
	}
}

func TestTCPAdapterReleasesGoroutinesPerConnection(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicTCPReceived)
	a := startTCP(t, TCPConfig{}, bus)

	baseline := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		conn, err := net.Dial("tcp", a.Addr())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write([]byte("ping\n")); err != nil {
			t.Fatal(err)
		}
		waitEnvelope(t, ch)
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(a.Connections()) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(a.Connections()); n != 0 {
		t.Fatalf("expected empty registry after closes, got %d", n)
	}

	// Each closed connection must take its close watcher with it. Leave
	// headroom for runtime noise but catch one leaked goroutine per
	// connection.
	var after int
	for time.Now().Before(deadline.Add(2 * time.Second)) {
		runtime.Gosched()
		after = runtime.NumGoroutine()
		if after <= baseline+5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if after > baseline+5 {
		t.Errorf("expected goroutines near baseline %d after closes, got %d", baseline, after)
	}
}

func TestTCPAdapterConnectionRegistry(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicTCPReceived)
	a := startTCP(t, TCPConfig{}, bus)

	conn, err := net.Dial("tcp", a.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	env := waitEnvelope(t, ch)

	conns := a.Connections()
	if _, ok := conns[env.ConnectionID]; !ok {
		t.Errorf("connection %s missing from registry", env.ConnectionID)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(a.Connections()) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(a.Connections()); n != 0 {
		t.Errorf("expected empty registry after close, got %d", n)
	}
}
