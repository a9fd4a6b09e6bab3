//go:build !nometrics

package guard

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps guard specific Prometheus metrics.
type Metrics struct {
	upstreamLatency *prometheus.HistogramVec
	upstreamErrRate *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec
	budgetHit       prometheus.Counter

	requestsMu sync.Mutex
	requests   map[string]*upstreamRequestStats
}

type upstreamRequestStats struct {
	success int
	fail    int
}

// MetricsOption allows customizing the metrics registry.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	registerer prometheus.Registerer
	buckets    []float64
}

// WithRegisterer overrides the default Prometheus registerer.
func WithRegisterer(r prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		cfg.registerer = r
	}
}

// WithLatencyBuckets overrides the default latency histogram buckets (in ms).
func WithLatencyBuckets(buckets []float64) MetricsOption {
	return func(cfg *metricsConfig) {
		cfg.buckets = buckets
	}
}

// NewMetrics constructs Metrics and registers Prometheus collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		registerer: prometheus.DefaultRegisterer,
		buckets:    []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		upstreamLatency: registerHistogramVec(cfg.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pcf_upstream_latency_ms",
			Help:    "Latency in milliseconds of calls to each upstream collaborator.",
			Buckets: cfg.buckets,
		}, []string{"upstream"})),
		upstreamErrRate: registerGaugeVec(cfg.registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pcf_upstream_error_rate",
			Help: "Error rate of calls to each upstream collaborator since start.",
		}, []string{"upstream"})),
		circuitState: registerGaugeVec(cfg.registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pcf_upstream_circuit_state",
			Help: "Circuit breaker state per upstream. 0=closed, 1=half-open, 2=open.",
		}, []string{"upstream"})),
		budgetHit: registerCounter(cfg.registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pcf_evaluation_budget_hit_total",
			Help: "Total number of policy evaluations that exhausted their deadline budget.",
		})),
		requests: make(map[string]*upstreamRequestStats),
	}
	return m
}

// ObserveUpstream records the latency and error status of one call.
func (m *Metrics) ObserveUpstream(upstream string, latency time.Duration, err error) {
	if m == nil {
		return
	}

	ms := float64(latency.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	m.upstreamLatency.WithLabelValues(upstream).Observe(ms)

	m.requestsMu.Lock()
	stats, ok := m.requests[upstream]
	if !ok {
		stats = &upstreamRequestStats{}
		m.requests[upstream] = stats
	}
	if err != nil {
		stats.fail++
	} else {
		stats.success++
	}
	rate := float64(stats.fail) / float64(stats.fail+stats.success)
	m.requestsMu.Unlock()

	m.upstreamErrRate.WithLabelValues(upstream).Set(rate)
}

// IncBudgetHit increments the budget hit counter.
func (m *Metrics) IncBudgetHit() {
	if m == nil {
		return
	}
	m.budgetHit.Inc()
}

// SetCircuitState records the circuit breaker state for an upstream.
func (m *Metrics) SetCircuitState(upstream string, state CircuitState) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(upstream).Set(float64(state))
}

func registerHistogramVec(registerer prometheus.Registerer, collector *prometheus.HistogramVec) *prometheus.HistogramVec {
	if registerer == nil {
		return collector
	}
	if err := registerer.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
			return collector
		}
		panic(err)
	}
	return collector
}

func registerGaugeVec(registerer prometheus.Registerer, collector *prometheus.GaugeVec) *prometheus.GaugeVec {
	if registerer == nil {
		return collector
	}
	if err := registerer.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
			return collector
		}
		panic(err)
	}
	return collector
}

func registerCounter(registerer prometheus.Registerer, collector prometheus.Counter) prometheus.Counter {
	if registerer == nil {
		return collector
	}
	if err := registerer.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
			return collector
		}
		panic(err)
	}
	return collector
}
