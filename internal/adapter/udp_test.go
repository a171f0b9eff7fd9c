package adapter

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
)

// collect subscribes to a topic and returns a channel of envelopes.
func collect(t *testing.T, bus *eventbus.Bus, topic string) <-chan *envelope.Envelope {
	t.Helper()
	ch := make(chan *envelope.Envelope, 16)
	bus.Subscribe(topic, func(ev eventbus.Event) {
		ch <- ev.Data.(*envelope.Envelope)
	})
	return ch
}

func waitEnvelope(t *testing.T, ch <-chan *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestUDPAdapterReceivesDatagram(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicUDPReceived)

	a, err := NewUDPAdapter("udp-test", UDPConfig{ListenAddress: "127.0.0.1"}, bus)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", a.ActualPort()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0xAA, 0x55, 0x01}); err != nil {
		t.Fatal(err)
	}

	env := waitEnvelope(t, ch)
	if env.SourceProtocol != envelope.ProtocolUDP {
		t.Errorf("expected UDP protocol, got %s", env.SourceProtocol)
	}
	if env.AdapterName != "udp-test" {
		t.Errorf("expected adapter name udp-test, got %s", env.AdapterName)
	}
	if len(env.RawData) != 3 || env.RawData[0] != 0xAA {
		t.Errorf("unexpected raw data %x", env.RawData)
	}
	if env.MessageID == "" {
		t.Error("envelope must carry a message id")
	}

	s := a.Stats()
	if s.MessagesReceived != 1 || s.MessagesPublished != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
}

func TestUDPAdapterTruncatesOversizeDatagram(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicUDPReceived)

	a, err := NewUDPAdapter("udp-small", UDPConfig{ListenAddress: "127.0.0.1", BufferSize: 8}, bus)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", a.ActualPort()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}

	env := waitEnvelope(t, ch)
	if len(env.RawData) != 8 {
		t.Errorf("expected truncation to 8 bytes, got %d", len(env.RawData))
	}
	if s := a.Stats(); s.Errors != 1 {
		t.Errorf("expected truncation counted as error, got %+v", s)
	}
}

func TestUDPAdapterStartTwice(t *testing.T) {
	a, err := NewUDPAdapter("udp-dup", UDPConfig{ListenAddress: "127.0.0.1"}, eventbus.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := a.Start(context.Background()); err == nil {
		t.Error("expected second start to fail")
	}
}

func TestUDPAdapterRateLimit(t *testing.T) {
	bus := eventbus.New()
	ch := collect(t, bus, eventbus.TopicUDPReceived)

	a, err := NewUDPAdapter("udp-limited", UDPConfig{ListenAddress: "127.0.0.1"}, bus)
	if err != nil {
		t.Fatal(err)
	}
	a.SetRateLimit(1, 1)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", a.ActualPort()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for i := 0; i < 5; i++ {
		if _, err := conn.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	waitEnvelope(t, ch)

	// Remaining datagrams arrive but the limiter drops them.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Stats().MessagesReceived == 5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s := a.Stats()
	if s.RateLimited == 0 {
		t.Errorf("expected rate-limited drops, got %+v", s)
	}
	if s.MessagesPublished >= s.MessagesReceived {
		t.Errorf("expected fewer published than received, got %+v", s)
	}
}
