// Package metrics collects and exposes Prometheus metrics for the
// workspace state service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records mutation outcomes. A nil *Collector is a no-op so
// callers never need to guard.
type Collector struct {
	registry        *prometheus.Registry
	mutations       *prometheus.CounterVec
	conflictRetries prometheus.Counter
	denies          prometheus.Counter
	submitLatency   prometheus.Histogram
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdesk_mutations_total",
			Help: "Submitted mutations by operation and outcome kind.",
		}, []string{"op", "outcome"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_conflict_retries_total",
			Help: "Logical operations re-run after a version conflict.",
		}),
		denies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_permission_denies_total",
			Help: "Mutations rejected by the access gate.",
		}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowdesk_submit_latency_seconds",
			Help:    "End-to-end latency of Submit calls.",
			Buckets: prometheus.DefBuckets,
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_events_published_total",
			Help: "Committed mutation events handed to the dispatcher.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdesk_events_dropped_total",
			Help: "Events dropped on slow subscriber channels.",
		}),
	}
	reg.MustRegister(c.mutations, c.conflictRetries, c.denies, c.submitLatency, c.eventsPublished, c.eventsDropped)
	return c
}

func (c *Collector) RecordMutation(op, outcome string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) RecordConflictRetry() {
	if c == nil {
		return
	}
	c.conflictRetries.Inc()
}

func (c *Collector) RecordDeny() {
	if c == nil {
		return
	}
	c.denies.Inc()
}

func (c *Collector) RecordSubmitLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.submitLatency.Observe(d.Seconds())
}

func (c *Collector) RecordEventPublished() {
	if c == nil {
		return
	}
	c.eventsPublished.Inc()
}

func (c *Collector) RecordEventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
