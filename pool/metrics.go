package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors a Pool reports against. Grounded
// on the teacher pack's db-bouncer metrics.Collector, narrowed from a
// per-tenant label set down to the single pool a Client owns.
type Metrics struct {
	idle      prometheus.Gauge
	inUse     prometheus.Gauge
	opening   prometheus.Gauge
	waiting   prometheus.Gauge
	acquire   prometheus.Histogram
	exhausted prometheus.Counter
	retries   *prometheus.CounterVec
}

// NewMetrics builds a Metrics and registers its collectors with reg. Pass a
// fresh *prometheus.Registry per Client to avoid duplicate-registration
// panics across multiple Clients in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gel_pool_connections_idle",
			Help: "Idle connections currently held by the pool.",
		}),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gel_pool_connections_in_use",
			Help: "Connections currently checked out of the pool.",
		}),
		opening: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gel_pool_connections_opening",
			Help: "Connections currently mid-dial.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gel_pool_waiters",
			Help: "Goroutines currently blocked in Acquire.",
		}),
		acquire: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gel_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for Acquire to return a connection.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gel_pool_exhausted_total",
			Help: "Times Acquire had to queue because the pool was at max_size.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gel_pool_query_retries_total",
			Help: "Retried queries by reason (state_mismatch, parameter_type_mismatch).",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.idle, m.inUse, m.opening, m.waiting, m.acquire, m.exhausted, m.retries)
	return m
}

func (m *Metrics) observe(s Stats) {
	if m == nil {
		return
	}
	m.idle.Set(float64(s.Idle))
	m.inUse.Set(float64(s.InUse))
	m.opening.Set(float64(s.Opening))
	m.waiting.Set(float64(s.Waiting))
}

func (m *Metrics) observeAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.acquire.Observe(d.Seconds())
}

func (m *Metrics) incExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// RetryReasons, used as labels on gel_pool_query_retries_total.
const (
	RetryReasonStateMismatch         = "state_mismatch"
	RetryReasonParameterTypeMismatch = "parameter_type_mismatch"
)

func (m *Metrics) incRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// IncRetryFunc returns a callback suitable for conn.Options.OnRetry, so a
// Client can wire this pool's retry counter into connections without
// internal/conn importing this package.
func (m *Metrics) IncRetryFunc() func(reason string) {
	return m.incRetry
}
