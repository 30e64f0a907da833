// Package metrics provides Prometheus metrics for the lane link engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "lanelink"
)

// Build outcomes used as the "result" label.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCanceled  = "canceled"
	ResultRejected  = "rejected"
	ResultExhausted = "exhausted"
)

// Teardown paths used as the "path" label.
const (
	TeardownAuth   = "auth"
	TeardownRaw    = "raw"
	TeardownDirect = "direct"
	TeardownForced = "forced"
)

// Metrics contains all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Build metrics
	BuildRequests *prometheus.CounterVec
	BuildResults  *prometheus.CounterVec
	BuildLatency  *prometheus.HistogramVec
	BuildsPending prometheus.Gauge

	// Guide channel metrics
	GuideAttempts *prometheus.CounterVec
	ReuseAttempts *prometheus.CounterVec

	// Link metrics
	LinksActive  prometheus.Gauge
	Teardowns    *prometheus.CounterVec
	LaneBindings prometheus.Gauge

	// Address cache metrics
	AddrCacheHits   prometheus.Counter
	AddrCacheMisses prometheus.Counter

	// Sequencer metrics
	SequencerPanics prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		BuildRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_requests_total",
			Help:      "Total link build requests by requested link type",
		}, []string{"link_type"}),
		BuildResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_results_total",
			Help:      "Total link build outcomes by requested link type and result",
		}, []string{"link_type", "result"}),
		BuildLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_latency_seconds",
			Help:      "Histogram of link build latency in seconds",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"link_type"}),
		BuildsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_pending",
			Help:      "Number of negotiated link builds in flight",
		}),

		GuideAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guide_attempts_total",
			Help:      "Total guide channel attempts by guide type and outcome",
		}, []string{"guide", "outcome"}),
		ReuseAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reuse_attempts_total",
			Help:      "Total reuse-only connect attempts by outcome",
		}, []string{"outcome"}),

		LinksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_active",
			Help:      "Number of negotiated links owned by the engine",
		}),
		Teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Total link teardowns by path",
		}, []string{"path"}),
		LaneBindings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lane_bindings",
			Help:      "Number of business type to link bindings",
		}),

		AddrCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addrcache_hits_total",
			Help:      "Total reuse address cache hits",
		}),
		AddrCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addrcache_misses_total",
			Help:      "Total reuse address cache misses",
		}),

		SequencerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequencer_panics_total",
			Help:      "Total panics recovered while running sequencer messages",
		}),
	}

	return m
}

// RecordBuildRequest records an accepted build request.
func (m *Metrics) RecordBuildRequest(linkType string) {
	if m == nil {
		return
	}
	m.BuildRequests.WithLabelValues(linkType).Inc()
}

// RecordBuildResult records the terminal outcome of a build.
func (m *Metrics) RecordBuildResult(linkType, result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.BuildResults.WithLabelValues(linkType, result).Inc()
	if result == ResultSuccess {
		m.BuildLatency.WithLabelValues(linkType).Observe(latencySeconds)
	}
}

// SetBuildsPending sets the number of builds in flight.
func (m *Metrics) SetBuildsPending(count int) {
	if m == nil {
		return
	}
	m.BuildsPending.Set(float64(count))
}

// RecordGuideAttempt records the outcome of one guide channel attempt.
func (m *Metrics) RecordGuideAttempt(guide, outcome string) {
	if m == nil {
		return
	}
	m.GuideAttempts.WithLabelValues(guide, outcome).Inc()
}

// RecordReuseAttempt records the outcome of a reuse-only connect.
func (m *Metrics) RecordReuseAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ReuseAttempts.WithLabelValues(outcome).Inc()
}

// SetLinksActive sets the number of active negotiated links.
func (m *Metrics) SetLinksActive(count int) {
	if m == nil {
		return
	}
	m.LinksActive.Set(float64(count))
}

// RecordTeardown records a teardown through the given path.
func (m *Metrics) RecordTeardown(path string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(path).Inc()
}

// SetLaneBindings sets the number of lane bindings.
func (m *Metrics) SetLaneBindings(count int) {
	if m == nil {
		return
	}
	m.LaneBindings.Set(float64(count))
}

// RecordAddrCacheLookup records a reuse address cache lookup.
func (m *Metrics) RecordAddrCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.AddrCacheHits.Inc()
		return
	}
	m.AddrCacheMisses.Inc()
}

// RecordSequencerPanic records a recovered sequencer panic.
func (m *Metrics) RecordSequencerPanic() {
	if m == nil {
		return
	}
	m.SequencerPanics.Inc()
}
