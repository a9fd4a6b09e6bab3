//go:build !nometrics

package obs

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

var (
	setupOnce sync.Once
	shutdown  = func(context.Context) error { return nil }
)

var (
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcf_policy_decisions_total",
		Help: "Policy evaluations by outcome.",
	}, []string{"outcome"})
	decisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pcf_policy_decision_duration_ms",
		Help:    "Histogram of policy evaluation latency in ms.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	diameterAnswers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcf_diameter_answers_total",
		Help: "Diameter answers by application, request type and result code.",
	}, []string{"application", "request_type", "result_code"})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcf_diameter_active_sessions",
		Help: "Diameter sessions currently tracked by this instance.",
	})
	quotaEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcf_quota_events_total",
		Help: "Quota transitions by kind.",
	}, []string{"kind"})
	aiOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcf_ai_hook_outcomes_total",
		Help: "AI hook consultations by outcome.",
	}, []string{"outcome"})
	chargeRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcf_charge_records_total",
		Help: "Offline charge records by delivery outcome.",
	}, []string{"outcome"})
)

// ObserveDecision records one policy evaluation.
func ObserveDecision(outcome string, duration time.Duration, traceID string) {
	decisions.WithLabelValues(outcome).Inc()
	ms := float64(duration.Microseconds()) / 1000
	if eo, ok := decisionDuration.(prometheus.ExemplarObserver); ok && traceID != "" {
		eo.ObserveWithExemplar(ms, prometheus.Labels{"trace_id": traceID})
		return
	}
	decisionDuration.Observe(ms)
}

// RecordDiameterAnswer counts one Diameter answer.
func RecordDiameterAnswer(application, requestType, resultCode string) {
	diameterAnswers.WithLabelValues(application, requestType, resultCode).Inc()
}

// AddActiveSessions moves the active session gauge by delta.
func AddActiveSessions(delta float64) {
	activeSessions.Add(delta)
}

// RecordQuotaEvent counts a quota transition.
func RecordQuotaEvent(kind string) {
	quotaEvents.WithLabelValues(kind).Inc()
}

// RecordAIOutcome counts an AI hook consultation.
func RecordAIOutcome(outcome string) {
	aiOutcomes.WithLabelValues(outcome).Inc()
}

// RecordChargeRecord counts a CDR delivery outcome.
func RecordChargeRecord(outcome string) {
	chargeRecords.WithLabelValues(outcome).Inc()
}

// InitTracer sets up the OpenTelemetry tracer provider.
func InitTracer(serviceName string, sampleRatio float64) (func(context.Context) error, error) {
	var initErr error
	setupOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
		shutdown = provider.Shutdown
	})
	return shutdown, initErr
}
