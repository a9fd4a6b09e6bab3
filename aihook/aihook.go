// Package aihook lets optional prediction providers refine a static QoS
// decision. Providers are always consulted under a timeout and their output
// is discarded when it is late, failed, or outside the generation ceiling.
package aihook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/obs"
	"github.com/searchforge/pcf/qos"
)

// ThrottleNonPriority asks the engine to halve bandwidth of best-effort and standard traffic.
const ThrottleNonPriority = "throttle_non_priority"

// Input is what a provider sees.
type Input struct {
	Request contract.PolicyRequest     `json:"request"`
	Profile contract.SubscriberProfile `json:"profile"`
	QoS     contract.QoSParameters     `json:"qos"`
}

// QoSPrediction proposes replacement QoS.
type QoSPrediction struct {
	QoS        contract.QoSParameters `json:"qos"`
	Confidence float64                `json:"confidence"`
}

// CongestionPrediction forecasts cell load.
type CongestionPrediction struct {
	Level  float64 `json:"level"`
	Action string  `json:"action"`
}

// Anomaly flags suspicious usage.
type Anomaly struct {
	Detected bool    `json:"detected"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

// Provider is an optional prediction capability. A nil result with a nil
// error means the provider has no opinion.
type Provider interface {
	PredictQoS(ctx context.Context, in Input) (*QoSPrediction, error)
	PredictCongestion(ctx context.Context, in Input) (*CongestionPrediction, error)
	DetectAnomaly(ctx context.Context, in Input) (*Anomaly, error)
}

// NoOp never has an opinion.
type NoOp struct{}

func (NoOp) PredictQoS(context.Context, Input) (*QoSPrediction, error) { return nil, nil }

func (NoOp) PredictCongestion(context.Context, Input) (*CongestionPrediction, error) {
	return nil, nil
}

func (NoOp) DetectAnomaly(context.Context, Input) (*Anomaly, error) { return nil, nil }

// Outcome is the refined QoS plus what the providers reported.
type Outcome struct {
	QoS        contract.QoSParameters
	Adjusted   bool
	Fallback   bool
	Congestion *CongestionPrediction
	Anomaly    *Anomaly
}

// Registry holds the active provider.
type Registry struct {
	mu        sync.RWMutex
	provider  Provider
	timeout   time.Duration
	logger    *zap.Logger
	publisher events.Publisher
}

// NewRegistry builds a registry. A nil provider means NoOp.
func NewRegistry(p Provider, timeout time.Duration, logger *zap.Logger, publisher events.Publisher) *Registry {
	if p == nil {
		p = NoOp{}
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Registry{provider: p, timeout: timeout, logger: logger, publisher: publisher}
}

// Register swaps the active provider.
func (r *Registry) Register(p Provider) {
	if p == nil {
		p = NoOp{}
	}
	r.mu.Lock()
	r.provider = p
	r.mu.Unlock()
}

func (r *Registry) current() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider
}

// Enabled reports whether a provider other than NoOp is registered.
func (r *Registry) Enabled() bool {
	_, noop := r.current().(NoOp)
	return !noop
}

type answers struct {
	qos        *QoSPrediction
	congestion *CongestionPrediction
	anomaly    *Anomaly
	failed     bool
}

// Adjust consults the provider and returns the refined QoS, or the static
// QoS from in when nothing usable arrives within the registry timeout.
func (r *Registry) Adjust(ctx context.Context, in Input) Outcome {
	out := Outcome{QoS: in.QoS}
	if !r.Enabled() {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	got := r.ask(ctx, r.current(), in)
	if got.failed {
		out.Fallback = true
	}

	if got.anomaly != nil && got.anomaly.Detected {
		out.Anomaly = got.anomaly
		r.logger.Warn("usage anomaly detected",
			zap.String("subscriber_id", in.Request.SubscriberID),
			zap.Float64("score", got.anomaly.Score),
			zap.String("reason", got.anomaly.Reason),
		)
		r.publisher.Publish(events.New(events.AnomalyDetected, in.Request.SubscriberID, got.anomaly))
	}

	q := in.QoS
	if p := got.qos; p != nil {
		if acceptable(p.QoS, in.Request.NetworkGeneration) {
			q.Priority = p.QoS.Priority
			q.MaxDownloadBandwidthKbps = p.QoS.MaxDownloadBandwidthKbps
			q.MaxUploadBandwidthKbps = p.QoS.MaxUploadBandwidthKbps
			q.GuaranteedBitRate = p.QoS.GuaranteedBitRate
			out.Adjusted = true
		} else {
			out.Fallback = true
			r.logger.Debug("qos prediction rejected", zap.String("subscriber_id", in.Request.SubscriberID))
		}
	}
	if c := got.congestion; c != nil {
		out.Congestion = c
		if c.Action == ThrottleNonPriority && q.Priority <= contract.PriorityStandard {
			q.MaxDownloadBandwidthKbps /= 2
			q.MaxUploadBandwidthKbps /= 2
			out.Adjusted = true
		}
	}
	out.QoS = q

	switch {
	case out.Adjusted:
		obs.RecordAIOutcome("adjusted")
	case out.Fallback:
		obs.RecordAIOutcome("fallback")
	default:
		obs.RecordAIOutcome("unchanged")
	}
	return out
}

// ask runs the three capabilities concurrently and keeps whatever answers
// before ctx ends.
func (r *Registry) ask(ctx context.Context, p Provider, in Input) answers {
	type result struct {
		kind int
		val  any
		err  error
	}
	ch := make(chan result, 3)
	go func() {
		v, err := p.PredictQoS(ctx, in)
		ch <- result{kind: 0, val: v, err: err}
	}()
	go func() {
		v, err := p.PredictCongestion(ctx, in)
		ch <- result{kind: 1, val: v, err: err}
	}()
	go func() {
		v, err := p.DetectAnomaly(ctx, in)
		ch <- result{kind: 2, val: v, err: err}
	}()

	var got answers
	for i := 0; i < 3; i++ {
		select {
		case res := <-ch:
			if res.err != nil {
				got.failed = true
				r.logger.Debug("prediction failed", zap.Int("capability", res.kind), zap.Error(res.err))
				continue
			}
			switch v := res.val.(type) {
			case *QoSPrediction:
				got.qos = v
			case *CongestionPrediction:
				got.congestion = v
			case *Anomaly:
				got.anomaly = v
			}
		case <-ctx.Done():
			got.failed = true
			return got
		}
	}
	return got
}

func acceptable(q contract.QoSParameters, gen contract.NetworkGeneration) bool {
	ceiling := qos.Ceiling(gen)
	if q.MaxDownloadBandwidthKbps <= 0 || q.MaxUploadBandwidthKbps <= 0 {
		return false
	}
	if q.MaxDownloadBandwidthKbps > ceiling || q.MaxUploadBandwidthKbps > ceiling {
		return false
	}
	return q.Priority >= contract.PriorityBestEffort && q.Priority <= contract.PriorityRealTime
}
