package eventbus

import (
	"sync"
	"testing"
)

func TestPublishFIFOAcrossSubscribers(t *testing.T) {
	bus := New()

	var order []string
	bus.Subscribe("TEST", func(ev Event) {
		order = append(order, "a:"+ev.Data.(string))
	})
	bus.Subscribe("TEST", func(ev Event) {
		order = append(order, "b:"+ev.Data.(string))
	})

	bus.Publish("TEST", "1", "test")
	bus.Publish("TEST", "2", "test")

	want := []string{"a:1", "b:1", "a:2", "b:2"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("delivery %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestPanicInHandlerDoesNotStopFanout(t *testing.T) {
	bus := New()

	bus.Subscribe("TEST", func(Event) {
		panic("boom")
	})
	delivered := false
	bus.Subscribe("TEST", func(Event) {
		delivered = true
	})

	bus.Publish("TEST", nil, "test")

	if !delivered {
		t.Error("expected second subscriber to receive the event after first panicked")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := New()

	calls := 0
	id := bus.Subscribe("TEST", func(Event) { calls++ })

	bus.Unsubscribe(id)
	bus.Unsubscribe(id) // second call is a no-op
	bus.Publish("TEST", nil, "test")

	if calls != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", calls)
	}
}

func TestReset(t *testing.T) {
	bus := New()
	bus.Subscribe("TEST", func(Event) { t.Error("subscriber survived reset") })
	bus.Reset()
	bus.Publish("TEST", nil, "test")

	if n := bus.SubscriberCount("TEST"); n != 0 {
		t.Errorf("expected 0 subscribers after reset, got %d", n)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	received := 0
	bus.Subscribe("TEST", func(Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish("TEST", j, "test")
			}
		}()
	}
	wg.Wait()

	if received != 1000 {
		t.Errorf("expected 1000 deliveries, got %d", received)
	}
}

func TestEventCarriesTopicAndSource(t *testing.T) {
	bus := New()

	var got Event
	bus.Subscribe(TopicUDPReceived, func(ev Event) { got = ev })
	bus.Publish(TopicUDPReceived, 42, "udp-adapter")

	if got.Topic != TopicUDPReceived {
		t.Errorf("expected topic %s, got %s", TopicUDPReceived, got.Topic)
	}
	if got.Source != "udp-adapter" {
		t.Errorf("expected source udp-adapter, got %s", got.Source)
	}
	if got.Data != 42 {
		t.Errorf("expected data 42, got %v", got.Data)
	}
}
