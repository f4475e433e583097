// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for whitelistd.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whitelistd"

// Check results, used as the "result" label on whitelistd_checks_total.
const (
	CheckStatic  = "static"
	CheckAllowed = "allowed"
	CheckDenied  = "denied"
	CheckError   = "error"
)

// Metrics pairs Prometheus collectors with atomic counters that tests and
// the admin API can read without scraping.
type Metrics struct {
	static           int64
	allowed          int64
	denied           int64
	errors           int64
	authorized       int64
	pruned           int64
	invalidForwarded int64
	workerPanics     int64
	eventsSent       int64
	eventsDropped    int64

	promChecks           *prometheus.CounterVec
	promAuthorized       prometheus.Counter
	promPruned           prometheus.Counter
	promInvalidForwarded prometheus.Counter
	promWorkerPanics     prometheus.Counter
	promEventsSent       prometheus.Counter
	promEventsDropped    prometheus.Counter

	PromRequestDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewMetrics creates and registers the whitelistd collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		promChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Total number of /allowed checks by result.",
		}, []string{"result"}),
		promAuthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Total number of addresses authorized or refreshed.",
		}),
		promPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_entries_total",
			Help:      "Total number of expired entries removed by the pruner.",
		}),
		promInvalidForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_forwarded_total",
			Help:      "Total number of requests with an unparseable forwarded address header.",
		}),
		promWorkerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Total number of requests whose handler panicked.",
		}),
		promEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Total number of audit events accepted by the events receiver.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of audit events dropped on buffer overflow or delivery failure.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from enqueue to response, in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"route", "status_code"}),
	}
}

// RegisterEntriesGauge exposes the current whitelist size.
func (m *Metrics) RegisterEntriesGauge(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entries",
		Help:      "Number of entries currently stored in the whitelist.",
	}, func() float64 { return float64(fn()) }))
}

// RegisterQueueGauge exposes the number of requests waiting for a worker.
func (m *Metrics) RegisterQueueGauge(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of accepted requests waiting for a worker.",
	}, func() float64 { return float64(fn()) }))
}

// IncCheck records the outcome of one /allowed request.
func (m *Metrics) IncCheck(result string) {
	switch result {
	case CheckStatic:
		atomic.AddInt64(&m.static, 1)
	case CheckAllowed:
		atomic.AddInt64(&m.allowed, 1)
	case CheckDenied:
		atomic.AddInt64(&m.denied, 1)
	default:
		result = CheckError
		atomic.AddInt64(&m.errors, 1)
	}
	m.promChecks.WithLabelValues(result).Inc()
}

// IncAuthorized increments the authorization counter.
func (m *Metrics) IncAuthorized() {
	atomic.AddInt64(&m.authorized, 1)
	m.promAuthorized.Inc()
}

// AddPruned records entries removed by one prune pass.
func (m *Metrics) AddPruned(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&m.pruned, int64(n))
	m.promPruned.Add(float64(n))
}

// IncInvalidForwarded increments the malformed forwarded header counter.
func (m *Metrics) IncInvalidForwarded() {
	atomic.AddInt64(&m.invalidForwarded, 1)
	m.promInvalidForwarded.Inc()
}

// IncWorkerPanics increments the recovered handler panic counter.
func (m *Metrics) IncWorkerPanics() {
	atomic.AddInt64(&m.workerPanics, 1)
	m.promWorkerPanics.Inc()
}

// AddEventsSent records audit events delivered in one batch.
func (m *Metrics) AddEventsSent(n int) {
	atomic.AddInt64(&m.eventsSent, int64(n))
	m.promEventsSent.Add(float64(n))
}

// AddEventsDropped records audit events that will never be delivered.
func (m *Metrics) AddEventsDropped(n int) {
	atomic.AddInt64(&m.eventsDropped, int64(n))
	m.promEventsDropped.Add(float64(n))
}

// ObserveRequest records the latency of one routed request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	m.PromRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Static           int64 `json:"static"`
	Allowed          int64 `json:"allowed"`
	Denied           int64 `json:"denied"`
	Errors           int64 `json:"errors"`
	Authorized       int64 `json:"authorized"`
	Pruned           int64 `json:"pruned"`
	InvalidForwarded int64 `json:"invalid_forwarded"`
	WorkerPanics     int64 `json:"worker_panics"`
	EventsSent       int64 `json:"events_sent"`
	EventsDropped    int64 `json:"events_dropped"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Static:           atomic.LoadInt64(&m.static),
		Allowed:          atomic.LoadInt64(&m.allowed),
		Denied:           atomic.LoadInt64(&m.denied),
		Errors:           atomic.LoadInt64(&m.errors),
		Authorized:       atomic.LoadInt64(&m.authorized),
		Pruned:           atomic.LoadInt64(&m.pruned),
		InvalidForwarded: atomic.LoadInt64(&m.invalidForwarded),
		WorkerPanics:     atomic.LoadInt64(&m.workerPanics),
		EventsSent:       atomic.LoadInt64(&m.eventsSent),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
	}
}
