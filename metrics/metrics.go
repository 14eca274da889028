// Package metrics holds the prometheus collectors shared by the sync
// engine, the fetcher and the edge proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "offlinesync"

// Replay outcomes.
const (
	ResultSynced   = "synced"
	ResultConflict = "conflict"
	ResultRetried  = "retried"
	ResultDeferred = "deferred"
)

// Collector is a prometheus.Collector for the offline engine. A nil
// *Collector is valid and records nothing.
type Collector struct {
	replays       *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	drainDuration prometheus.Histogram
	fetches       *prometheus.CounterVec
	edgeRequests  *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replays_total",
				Help:      "Queued mutation replays by outcome.",
			}, []string{"result"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Mutations waiting to be replayed after the last drain.",
			},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "drain_duration_seconds",
				Help:      "Time taken by one drain of the mutation queue.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fetches_total",
				Help:      "Fetch results by source.",
			}, []string{"source"},
		),
		edgeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "edge_requests_total",
				Help:      "Requests handled by the edge proxy by strategy and source.",
			}, []string{"strategy", "source"},
		),
	}
}

// New creates a Collector and registers it with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := NewCollector()
	if reg != nil {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.replays.Describe(ch)
	c.queueDepth.Describe(ch)
	c.drainDuration.Describe(ch)
	c.fetches.Describe(ch)
	c.edgeRequests.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.replays.Collect(ch)
	c.queueDepth.Collect(ch)
	c.drainDuration.Collect(ch)
	c.fetches.Collect(ch)
	c.edgeRequests.Collect(ch)
}

// Replay counts one replay outcome.
func (c *Collector) Replay(result string) {
	if c == nil {
		return
	}
	c.replays.WithLabelValues(result).Inc()
}

// QueueDepth records the current queue depth.
func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// DrainDuration observes one drain.
func (c *Collector) DrainDuration(seconds float64) {
	if c == nil {
		return
	}
	c.drainDuration.Observe(seconds)
}

// Fetch counts one fetch by where its data came from.
func (c *Collector) Fetch(source string) {
	if c == nil {
		return
	}
	c.fetches.WithLabelValues(source).Inc()
}

// EdgeRequest counts one proxied request.
func (c *Collector) EdgeRequest(strategy, source string) {
	if c == nil {
		return
	}
	c.edgeRequests.WithLabelValues(strategy, source).Inc()
}
