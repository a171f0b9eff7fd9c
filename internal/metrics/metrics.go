// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the gateway's Prometheus registry and instruments.
type Collector struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	parseFailures    *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec
	forwardsTotal    *prometheus.CounterVec
	forwardDuration  *prometheus.HistogramVec
	activeConns      *prometheus.GaugeVec
}

// NewCollector builds a collector with its own registry, including the
// standard Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datagate_messages_received_total",
			Help: "Messages received per source protocol.",
		}, []string{"protocol"}),
		parseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datagate_parse_failures_total",
			Help: "Frame parse failures per source protocol.",
		}, []string{"protocol"}),
		routingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datagate_routing_decisions_total",
			Help: "Routing decisions by outcome.",
		}, []string{"outcome"}),
		forwardsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datagate_forwards_total",
			Help: "Forward attempts per target and final status.",
		}, []string{"target_id", "status"}),
		forwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datagate_forward_duration_seconds",
			Help:    "End-to-end forward duration per target, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target_id"}),
		activeConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datagate_adapter_connections",
			Help: "Open inbound connections per adapter.",
		}, []string{"adapter"}),
	}
}

// MessageReceived counts one inbound message.
func (c *Collector) MessageReceived(protocol string) {
	c.messagesReceived.WithLabelValues(protocol).Inc()
}

// ParseFailure counts one failed frame parse.
func (c *Collector) ParseFailure(protocol string) {
	c.parseFailures.WithLabelValues(protocol).Inc()
}

// RoutingDecision counts one routing outcome.
func (c *Collector) RoutingDecision(matched bool) {
	outcome := "no_target"
	if matched {
		outcome = "matched"
	}
	c.routingDecisions.WithLabelValues(outcome).Inc()
}

// ForwardResult counts one completed delivery and observes its duration.
func (c *Collector) ForwardResult(targetID, status string, duration time.Duration) {
	c.forwardsTotal.WithLabelValues(targetID, status).Inc()
	c.forwardDuration.WithLabelValues(targetID).Observe(duration.Seconds())
}

// SetAdapterConnections tracks the open connection count for an adapter.
func (c *Collector) SetAdapterConnections(adapter string, n int) {
	c.activeConns.WithLabelValues(adapter).Set(float64(n))
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
