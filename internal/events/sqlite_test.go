package events

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"ensemble-trader/pkg/types"
)

func openTestSink(t *testing.T) (*SQLiteSink, string) {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "trades.csv")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := OpenSQLite(filepath.Join(dir, "events.db"), csvPath, logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, csvPath
}

func TestDecisionCycleEventOrder(t *testing.T) {
	t.Parallel()
	s, _ := openTestSink(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	snapID, err := s.LogSnapshot(ctx, types.Snapshot{
		Timestamp:    now,
		Symbol:       "BTCUSDT",
		CurrentPrice: 50000,
		Indicators:   map[string]float64{"rsi": 55},
	})
	if err != nil {
		t.Fatalf("LogSnapshot() error: %v", err)
	}
	if snapID == 0 {
		t.Fatal("snapshot ID is zero")
	}

	preds := []types.ModelPrediction{
		{ModelName: "lstm", ModelKey: "localhost:8001", Action: types.ActionLong, Confidence: 0.9, RawScore: 0.8, Timestamp: now},
		{ModelName: "xgb", ModelKey: "localhost:8002", Action: types.ActionLong, Confidence: 0.85, RawScore: 0.7, Timestamp: now},
	}
	if err := s.LogPredictions(ctx, snapID, preds); err != nil {
		t.Fatalf("LogPredictions() error: %v", err)
	}

	decision := types.EnsembleDecision{
		Action:            types.ActionLong,
		Confidence:        0.875,
		ExpectedValue:     0.04,
		AggregationMethod: "weighted_vote",
		Timestamp:         now,
	}
	if err := s.LogDecision(ctx, snapID, decision, true, "", 1000); err != nil {
		t.Fatalf("LogDecision() error: %v", err)
	}

	var predCount int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM model_predictions WHERE snapshot_id = ?`, snapID,
	).Scan(&predCount); err != nil {
		t.Fatal(err)
	}
	if predCount != 2 {
		t.Errorf("predictions for snapshot = %d, want 2", predCount)
	}

	var approved int
	var action string
	if err := s.db.QueryRow(
		`SELECT approved, action FROM decisions WHERE snapshot_id = ?`, snapID,
	).Scan(&approved, &action); err != nil {
		t.Fatal(err)
	}
	if approved != 1 || action != "long" {
		t.Errorf("decision row = (%d, %s), want (1, long)", approved, action)
	}
}

func TestTradeUpsertAndCSVMirror(t *testing.T) {
	t.Parallel()
	s, csvPath := openTestSink(t)
	ctx := context.Background()

	tr := types.Trade{
		ID:           uuid.NewString(),
		Symbol:       "BTCUSDT",
		Side:         types.BUY,
		Quantity:     0.02,
		EntryOrderID: 1001,
		EntryPrice:   50000,
		EntryTime:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Status:       types.TradeOpen,
	}
	if err := s.LogTrade(ctx, tr); err != nil {
		t.Fatalf("LogTrade(open) error: %v", err)
	}

	// Open trades are not mirrored to CSV.
	if _, err := os.Stat(csvPath); !os.IsNotExist(err) {
		t.Error("CSV written for an open trade")
	}

	tr.ExitOrderID = 1002
	tr.ExitPrice = 51000
	tr.ExitTime = tr.EntryTime.Add(time.Hour)
	tr.PnL = 20
	tr.PnLPercent = 0.02
	tr.Status = types.TradeClosed
	if err := s.LogTrade(ctx, tr); err != nil {
		t.Fatalf("LogTrade(close) error: %v", err)
	}

	var count int
	var status string
	if err := s.db.QueryRow(
		`SELECT COUNT(*), status FROM trades WHERE trade_id = ?`, tr.ID,
	).Scan(&count, &status); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("trade rows = %d, want 1 after upsert", count)
	}
	if status != "CLOSED" {
		t.Errorf("status = %s, want CLOSED", status)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("CSV not written on close: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("CSV rows = %d, want header + 1 trade", len(rows))
	}
	if rows[1][0] != tr.ID || rows[1][8] != "20" {
		t.Errorf("CSV record = %v", rows[1])
	}
}

func TestSystemEvents(t *testing.T) {
	t.Parallel()
	s, _ := openTestSink(t)
	ctx := context.Background()

	if err := s.LogSystemEvent(ctx, SeverityWarning, "circuit_breaker_opened", "5 consecutive losses"); err != nil {
		t.Fatalf("LogSystemEvent() error: %v", err)
	}

	var sev, event string
	if err := s.db.QueryRow(`SELECT severity, event FROM system_events`).Scan(&sev, &event); err != nil {
		t.Fatal(err)
	}
	if sev != "WARNING" || event != "circuit_breaker_opened" {
		t.Errorf("system event = (%s, %s)", sev, event)
	}
}
