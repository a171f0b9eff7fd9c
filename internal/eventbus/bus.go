// Package eventbus provides the in-process topic pub/sub that wires the
// data plane together. Dispatch is synchronous: Publish returns after every
// subscriber for the topic has run, in subscription order.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/logging"
)

// Stable topic identifiers.
const (
	TopicUDPReceived       = "UDP_RECEIVED"
	TopicTCPReceived       = "TCP_RECEIVED"
	TopicHTTPReceived      = "HTTP_RECEIVED"
	TopicWebSocketReceived = "WEBSOCKET_RECEIVED"
	TopicMQTTReceived      = "MQTT_RECEIVED"
	TopicDataReceived      = "DATA_RECEIVED"
	TopicDataParsed        = "DATA_PARSED"
	TopicRoutingDecided    = "ROUTING_DECIDED"
	TopicDataForwarded     = "DATA_FORWARDED"
	TopicConfigUpdated     = "CONFIG_UPDATED"
)

// IngressTopics lists every protocol ingress topic the pipeline subscribes to.
var IngressTopics = []string{
	TopicUDPReceived,
	TopicTCPReceived,
	TopicHTTPReceived,
	TopicWebSocketReceived,
	TopicMQTTReceived,
	TopicDataReceived,
}

// Event is what subscribers receive.
type Event struct {
	Topic  string
	Data   any
	Source string
}

// Handler processes one event. A panic inside a handler is recovered and
// logged; it never reaches the publisher or later subscribers.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous topic pub/sub. The zero value is not usable; call New.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string][]*subscription
	byID      map[string]string // subscription id → topic
	published atomic.Int64
	errors    atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*subscription),
		byID:   make(map[string]string),
	}
}

// Subscribe registers a handler for a topic and returns its subscription id.
// Handlers on the same topic run in subscription order.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], &subscription{id: id, handler: handler})
	b.byID[id] = topic
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// Publish fans an event out to every subscriber of the topic, synchronously
// and in subscription order. A failing subscriber does not stop the fan-out.
func (b *Bus) Publish(topic string, data any, source string) {
	b.mu.RLock()
	subs := b.topics[topic]
	// Copy the slice header so Unsubscribe during dispatch is safe.
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	b.published.Add(1)
	ev := Event{Topic: topic, Data: data, Source: source}
	for _, s := range snapshot {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			logging.Error("event handler panic",
				zap.String("topic", ev.Topic),
				zap.String("subscription", s.id),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats returns publish and handler-error counters.
func (b *Bus) Stats() (published, handlerErrors int64) {
	return b.published.Load(), b.errors.Load()
}

// Reset clears all subscriptions. Intended for tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.topics = make(map[string][]*subscription)
	b.byID = make(map[string]string)
	b.mu.Unlock()
}
