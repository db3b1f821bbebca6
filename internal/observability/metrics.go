// Package observability wires Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Kestrel.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	verdicts       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	historyLookups *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	busMessages    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it, plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_verdicts_total",
				Help: "Verdicts produced, by origin and predicted fraud type.",
			},
			[]string{"origin", "fraud_type"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_scoring_errors_total",
				Help: "Scoring failures by stage and error kind.",
			},
			[]string{"stage", "kind"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_stage_duration_seconds",
				Help:    "Duration of each scoring stage.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"stage"},
		),
		historyLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_history_lookups_total",
				Help: "History lookups by outcome.",
			},
			[]string{"outcome"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_circuit_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"name"},
		),
		busMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_bus_messages_total",
				Help: "Event bus messages published or handled, by topic and result.",
			},
			[]string{"topic", "result"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_http_requests_total",
				Help: "HTTP requests by route pattern, method and status code.",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_duration_seconds",
				Help:    "HTTP request latency by route pattern.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RecordVerdict counts a produced verdict.
func (m *Metrics) RecordVerdict(origin, fraudType string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(origin, fraudType).Inc()
}

// RecordError counts a scoring failure.
func (m *Metrics) RecordError(stage, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage, kind).Inc()
}

// ObserveStage records the duration of a scoring stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordLookup counts a history lookup outcome.
func (m *Metrics) RecordLookup(outcome string) {
	if m == nil {
		return
	}
	m.historyLookups.WithLabelValues(outcome).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// SetBreakerState records a circuit breaker transition.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBusMessage counts a message processed from the event bus.
func (m *Metrics) RecordBusMessage(topic, result string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(topic, result).Inc()
}

// ObserveHTTP records one served request. Route is the matched pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
