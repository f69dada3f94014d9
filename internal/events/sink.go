// Package events persists the analytic trail of every decision cycle:
// snapshots, model predictions, fused decisions, orders, trades, and
// system events.
package events

import (
	"context"

	"ensemble-trader/pkg/types"
)

// Severity classifies a system event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Sink receives the event stream of the decision loop. Within one heartbeat
// the coordinator calls these in causal order: snapshot, predictions,
// decision, then order and trade writes.
type Sink interface {
	// LogSnapshot stores a market snapshot and returns its row ID for
	// correlating the rest of the cycle.
	LogSnapshot(ctx context.Context, snap types.Snapshot) (int64, error)
	LogPredictions(ctx context.Context, snapshotID int64, preds []types.ModelPrediction) error
	LogDecision(ctx context.Context, snapshotID int64, d types.EnsembleDecision, approved bool, rejectReason string, sizeUSD float64) error
	LogOrder(ctx context.Context, tradeID string, o types.OrderState) error
	// LogTrade upserts a trade by its ID; called on open and again on close.
	LogTrade(ctx context.Context, tr types.Trade) error
	LogSystemEvent(ctx context.Context, sev Severity, event, details string) error
	Close() error
}

// Noop discards all events. Used in tests and when persistence is disabled.
type Noop struct{}

func (Noop) LogSnapshot(context.Context, types.Snapshot) (int64, error) { return 0, nil }
func (Noop) LogPredictions(context.Context, int64, []types.ModelPrediction) error {
	return nil
}
func (Noop) LogDecision(context.Context, int64, types.EnsembleDecision, bool, string, float64) error {
	return nil
}
func (Noop) LogOrder(context.Context, string, types.OrderState) error    { return nil }
func (Noop) LogTrade(context.Context, types.Trade) error                 { return nil }
func (Noop) LogSystemEvent(context.Context, Severity, string, string) error {
	return nil
}
func (Noop) Close() error { return nil }
