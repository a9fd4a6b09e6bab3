package upstream

import (
	"context"

	"github.com/searchforge/pcf/aihook"
)

const (
	predictQoSPath        = "/v1/predict/qos"
	predictCongestionPath = "/v1/predict/congestion"
	detectAnomalyPath     = "/v1/predict/anomaly"
)

var _ aihook.Provider = (*Predictor)(nil)

// Predictor is an aihook.Provider backed by a remote model service. An
// empty or 204 answer means the model has no opinion.
type Predictor struct {
	client *Client
}

// NewPredictor wraps a client pointed at the prediction service.
func NewPredictor(client *Client) *Predictor {
	return &Predictor{client: client}
}

func (p *Predictor) PredictQoS(ctx context.Context, in aihook.Input) (*aihook.QoSPrediction, error) {
	return post[aihook.QoSPrediction](ctx, p.client, predictQoSPath, in)
}

func (p *Predictor) PredictCongestion(ctx context.Context, in aihook.Input) (*aihook.CongestionPrediction, error) {
	return post[aihook.CongestionPrediction](ctx, p.client, predictCongestionPath, in)
}

func (p *Predictor) DetectAnomaly(ctx context.Context, in aihook.Input) (*aihook.Anomaly, error) {
	return post[aihook.Anomaly](ctx, p.client, detectAnomalyPath, in)
}

func post[T any](ctx context.Context, c *Client, path string, in aihook.Input) (*T, error) {
	var out *T
	if err := c.PostJSON(ctx, path, in, &out); err != nil {
		return nil, err
	}
	return out, nil
}
