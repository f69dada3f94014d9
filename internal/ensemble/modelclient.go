package ensemble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ensemble-trader/internal/config"
	"ensemble-trader/pkg/types"
)

// ModelClient talks to one model-inference server over HTTP.
type ModelClient struct {
	http     *resty.Client
	endpoint config.ModelEndpoint
}

// NewModelClient creates a client for a single endpoint. Per-call deadlines
// come from the caller's context; the client timeout is a hard upper bound.
func NewModelClient(ep config.ModelEndpoint, timeout time.Duration) *ModelClient {
	return &ModelClient{
		http: resty.New().
			SetBaseURL(fmt.Sprintf("http://%s:%d", ep.Host, ep.Port)).
			SetTimeout(timeout),
		endpoint: ep,
	}
}

// predictRequest is the feature payload posted to a model server.
type predictRequest struct {
	Symbol       string             `json:"symbol"`
	Timestamp    int64              `json:"timestamp"`
	CurrentPrice float64            `json:"current_price"`
	Candles5m    []types.Candle     `json:"candles_5m"`
	Candles1h    []types.Candle     `json:"candles_1h"`
	Indicators   map[string]float64 `json:"indicators"`
}

type predictResponse struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	RawScore   float64 `json:"raw_score"`
	Stop       float64 `json:"stop"`
	TakeProfit float64 `json:"take_profit"`
}

// Predict posts a snapshot and returns the model's vote. The returned
// prediction carries the endpoint identity; latency is filled by the caller.
func (m *ModelClient) Predict(ctx context.Context, snap types.Snapshot) (types.ModelPrediction, error) {
	var out predictResponse
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(predictRequest{
			Symbol:       snap.Symbol,
			Timestamp:    snap.Timestamp.UnixMilli(),
			CurrentPrice: snap.CurrentPrice,
			Candles5m:    snap.Candles5m,
			Candles1h:    snap.Candles1h,
			Indicators:   snap.Indicators,
		}).
		SetResult(&out).
		Post("/predict")
	if err != nil {
		return types.ModelPrediction{}, fmt.Errorf("model %s: %w", m.endpoint.Name, err)
	}
	if resp.IsError() {
		return types.ModelPrediction{}, fmt.Errorf("model %s: http %d", m.endpoint.Name, resp.StatusCode())
	}

	return types.ModelPrediction{
		ModelName:  m.endpoint.Name,
		ModelKey:   m.endpoint.Key(),
		Action:     parseAction(out.Action),
		Confidence: clamp(out.Confidence, 0, 1),
		RawScore:   clamp(out.RawScore, -1, 1),
		StopLoss:   out.Stop,
		TakeProfit: out.TakeProfit,
	}, nil
}

// Health probes the model server's health endpoint.
func (m *ModelClient) Health(ctx context.Context) error {
	resp, err := m.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("model %s: %w", m.endpoint.Name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("model %s: http %d", m.endpoint.Name, resp.StatusCode())
	}
	return nil
}

// Retrain pushes outcome feedback to the model server. Best effort; servers
// without a retrain endpoint simply return an error the caller logs.
func (m *ModelClient) Retrain(ctx context.Context, feedback any) error {
	resp, err := m.http.R().SetContext(ctx).SetBody(feedback).Post("/retrain")
	if err != nil {
		return fmt.Errorf("model %s: %w", m.endpoint.Name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("model %s: http %d", m.endpoint.Name, resp.StatusCode())
	}
	return nil
}

// parseAction normalizes a model's action string. Anything unrecognized is
// treated as hold so one misbehaving model cannot force a trade.
func parseAction(s string) types.Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return types.ActionLong
	case "short", "sell":
		return types.ActionShort
	default:
		return types.ActionHold
	}
}
