// Package ensemble polls model-inference servers in parallel and fuses
// their predictions into a single trading decision.
//
// A decision passes four gates in order: enough models responded, raw-score
// disagreement below the uncertainty threshold, calibrated confidence above
// the confidence threshold, and expected value after costs above the EV
// threshold. Failing any gate yields a hold decision with the gate's reason.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ensemble-trader/internal/clock"
	"ensemble-trader/internal/config"
	"ensemble-trader/pkg/types"
)

// trackedModel bundles one endpoint with its client and performance record.
type trackedModel struct {
	endpoint config.ModelEndpoint
	client   *ModelClient
	perf     *ModelPerformance
}

// Aggregator owns the model fleet, per-model performance tracking, and the
// probability calibrator. Decide is called once per heartbeat; CheckHealth
// and status reads may run concurrently.
type Aggregator struct {
	cfg      config.EnsembleConfig
	stopPct  float64
	takePct  float64
	timeout  time.Duration
	halflife time.Duration

	models []*trackedModel
	byKey  map[string]*trackedModel
	calib  *Calibrator

	clk    clock.Clock
	logger *slog.Logger
}

func New(cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		cfg:      cfg.Ensemble,
		stopPct:  cfg.Trading.StopLossPercent,
		takePct:  cfg.Trading.TakeProfitPercent,
		timeout:  cfg.Timing.ModelTimeout(),
		halflife: time.Duration(cfg.Ensemble.WeightDecayHalflifeSec * float64(time.Second)),
		byKey:    make(map[string]*trackedModel),
		calib:    NewCalibrator(cfg.Ensemble.CalibrationMinSamples, cfg.Ensemble.CalibrationRetrain),
		clk:      clk,
		logger:   logger.With("component", "ensemble"),
	}
	for _, ep := range cfg.Models {
		m := &trackedModel{
			endpoint: ep,
			client:   NewModelClient(ep, a.timeout),
			perf:     NewModelPerformance(ep.Name, ep.Key(), ep.Weight, cfg.Ensemble.PerformanceWindow),
		}
		a.models = append(a.models, m)
		a.byKey[ep.Key()] = m
	}
	return a
}

// Decide fans out the snapshot to all enabled models, fuses the responses,
// and applies the decision gates. The raw predictions are returned alongside
// the decision for event logging.
func (a *Aggregator) Decide(ctx context.Context, snap types.Snapshot) (types.EnsembleDecision, []types.ModelPrediction) {
	preds := a.collect(ctx, snap)
	if len(preds) < a.cfg.MinRespondingModels {
		a.logger.Warn("insufficient models responded",
			"responded", len(preds), "required", a.cfg.MinRespondingModels)
		return a.hold(fmt.Sprintf("insufficient models (%d/%d)", len(preds), a.cfg.MinRespondingModels),
			nil, 0, snap.CurrentPrice), preds
	}

	now := a.clk.Now()
	wp := make([]weighted, len(preds))
	for i, p := range preds {
		wp[i] = weighted{pred: p, weight: a.byKey[p.ModelKey].perf.EffectiveWeight(now, a.halflife)}
	}

	uncertainty := scoreUncertainty(wp)
	if uncertainty > a.cfg.UncertaintyThreshold {
		return a.hold(fmt.Sprintf("model disagreement (stddev=%.3f)", uncertainty),
			voteSummary(wp), uncertainty, snap.CurrentPrice), preds
	}

	f, err := fuse(a.cfg.Method, wp)
	if err != nil {
		a.logger.Error("fusion failed", "error", err)
		return a.hold("fusion error", voteSummary(wp), uncertainty, snap.CurrentPrice), preds
	}

	action, confidence := f.action, f.confidence
	if a.cfg.Method == "bayesian_weighted" {
		p := a.calib.Calibrate(f.aggScore)
		switch {
		case p > 0.5:
			action, confidence = types.ActionLong, p
		case p < 0.5:
			action, confidence = types.ActionShort, 1-p
		default:
			action, confidence = types.ActionHold, 0.5
		}
	}

	if action == types.ActionHold {
		return a.hold("models favor hold", f.votes, uncertainty, snap.CurrentPrice), preds
	}
	if confidence < a.cfg.ConfidenceThreshold {
		return a.hold(fmt.Sprintf("confidence below threshold (%.3f < %.2f)",
			confidence, a.cfg.ConfidenceThreshold), f.votes, uncertainty, snap.CurrentPrice), preds
	}

	ev := a.expectedValue(confidence)
	if ev < a.cfg.ExpectedValueThreshold {
		return a.hold(fmt.Sprintf("expected value below threshold (EV=%.4f)", ev),
			f.votes, uncertainty, snap.CurrentPrice), preds
	}

	stop, take := a.protectivePrices(action, snap.CurrentPrice, preds)
	return types.EnsembleDecision{
		Action:              action,
		Confidence:          confidence,
		ExpectedValue:       ev,
		Uncertainty:         uncertainty,
		AggScore:            f.aggScore,
		StopLoss:            stop,
		TakeProfit:          take,
		ParticipatingModels: f.votes,
		AggregationMethod:   a.cfg.Method,
		Reasoning: fmt.Sprintf("%s signal with %.1f%% confidence (EV=%.3f)",
			action, confidence*100, ev),
		Timestamp: a.clk.Now().UTC(),
	}, preds
}

// collect runs the parallel fan-out with one join point. Results keep the
// configured endpoint order regardless of arrival order.
func (a *Aggregator) collect(ctx context.Context, snap types.Snapshot) []types.ModelPrediction {
	slots := make([]*types.ModelPrediction, len(a.models))
	var wg sync.WaitGroup
	for i, m := range a.models {
		if !m.endpoint.Enabled {
			continue
		}
		wg.Add(1)
		go func(i int, m *trackedModel) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			start := time.Now()
			pred, err := m.client.Predict(cctx, snap)
			latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
			if err != nil {
				m.perf.RecordFailure()
				a.logger.Warn("model request failed", "model", m.endpoint.Name, "error", err)
				return
			}
			m.perf.RecordSuccess(latencyMs, a.clk.Now())
			pred.LatencyMs = latencyMs
			pred.Timestamp = a.clk.Now().UTC()
			slots[i] = &pred
		}(i, m)
	}
	wg.Wait()

	preds := make([]types.ModelPrediction, 0, len(slots))
	for _, p := range slots {
		if p != nil {
			preds = append(preds, *p)
		}
	}
	return preds
}

func (a *Aggregator) hold(reason string, votes []types.ModelVote, uncertainty, price float64) types.EnsembleDecision {
	return types.EnsembleDecision{
		Action:              types.ActionHold,
		Uncertainty:         uncertainty,
		StopLoss:            price,
		TakeProfit:          price,
		ParticipatingModels: votes,
		AggregationMethod:   a.cfg.Method,
		Reasoning:           reason,
		Timestamp:           a.clk.Now().UTC(),
	}
}

// expectedValue estimates the per-trade return after round-trip slippage and
// taker fees, with the protective percentages as win/loss proxies.
func (a *Aggregator) expectedValue(pWin float64) float64 {
	gross := pWin*a.takePct - (1-pWin)*a.stopPct
	costs := 2 * (a.cfg.SlippageBps + a.cfg.TakerFeeBps) / 10000
	return gross - costs
}

// protectivePrices averages model-provided stop/take levels when available,
// otherwise derives them from the configured percentages.
func (a *Aggregator) protectivePrices(action types.Action, price float64, preds []types.ModelPrediction) (stop, take float64) {
	var stopSum, takeSum float64
	var stopN, takeN int
	for _, p := range preds {
		if p.StopLoss > 0 {
			stopSum += p.StopLoss
			stopN++
		}
		if p.TakeProfit > 0 {
			takeSum += p.TakeProfit
			takeN++
		}
	}
	if stopN > 0 {
		stop = stopSum / float64(stopN)
	} else if action == types.ActionLong {
		stop = price * (1 - a.stopPct)
	} else {
		stop = price * (1 + a.stopPct)
	}
	if takeN > 0 {
		take = takeSum / float64(takeN)
	} else if action == types.ActionLong {
		take = price * (1 + a.takePct)
	} else {
		take = price * (1 - a.takePct)
	}
	return stop, take
}

// RecordOutcome feeds one closed trade's result back to a model's ring.
func (a *Aggregator) RecordOutcome(modelKey string, didWin bool) {
	if m, ok := a.byKey[modelKey]; ok {
		m.perf.RecordOutcome(didWin)
	}
}

// RecordDecisionOutcome adds a calibration sample from a closed trade.
func (a *Aggregator) RecordDecisionOutcome(aggScore float64, won bool) {
	a.calib.AddSample(aggScore, won)
}

// CheckHealth probes every enabled model and returns the number healthy.
func (a *Aggregator) CheckHealth(ctx context.Context) int {
	healthy := 0
	for _, m := range a.models {
		if !m.endpoint.Enabled {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		err := m.client.Health(cctx)
		cancel()
		if err != nil {
			m.perf.RecordFailure()
			a.logger.Warn("model unhealthy", "model", m.endpoint.Name, "error", err)
			continue
		}
		healthy++
	}
	return healthy
}

// SendRetrainFeedback pushes outcome feedback to every enabled model.
// Failures are logged; retraining is advisory.
func (a *Aggregator) SendRetrainFeedback(ctx context.Context, feedback any) {
	for _, m := range a.models {
		if !m.endpoint.Enabled {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		err := m.client.Retrain(cctx, feedback)
		cancel()
		if err != nil {
			a.logger.Debug("retrain feedback not accepted", "model", m.endpoint.Name, "error", err)
		}
	}
}

// ModelStatuses snapshots every model for the dashboard, in config order.
func (a *Aggregator) ModelStatuses() []types.ModelStatus {
	now := a.clk.Now()
	out := make([]types.ModelStatus, 0, len(a.models))
	for _, m := range a.models {
		out = append(out, m.perf.Status(now, a.halflife, m.endpoint.Enabled))
	}
	return out
}
