package events

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"ensemble-trader/pkg/types"
)

// schemaVersion is bumped when the table layout changes; stored in
// PRAGMA user_version.
const schemaVersion = 2

const eventSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp        REAL NOT NULL,
	symbol           TEXT NOT NULL,
	current_price    REAL NOT NULL,
	bid              REAL,
	ask              REAL,
	volume_24h       REAL,
	price_change_24h REAL,
	indicators       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS model_predictions (
	prediction_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id    INTEGER,
	timestamp      REAL NOT NULL,
	model_name     TEXT NOT NULL,
	model_endpoint TEXT,
	action         TEXT NOT NULL,
	confidence     REAL NOT NULL,
	raw_score      REAL,
	latency_ms     REAL
);
CREATE TABLE IF NOT EXISTS decisions (
	decision_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id      INTEGER,
	timestamp        REAL NOT NULL,
	action           TEXT NOT NULL,
	confidence       REAL NOT NULL,
	expected_value   REAL,
	uncertainty      REAL,
	agg_score        REAL,
	method           TEXT,
	model_count      INTEGER,
	approved         INTEGER NOT NULL,
	rejection_reason TEXT,
	position_size    REAL
);
CREATE TABLE IF NOT EXISTS orders (
	order_id   INTEGER PRIMARY KEY,
	trade_id   TEXT,
	timestamp  REAL NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	type       TEXT NOT NULL,
	quantity   REAL NOT NULL,
	price      REAL,
	filled_qty REAL DEFAULT 0,
	avg_price  REAL DEFAULT 0,
	status     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	trade_id       TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       REAL NOT NULL,
	entry_order_id INTEGER,
	exit_order_id  INTEGER,
	snapshot_id    INTEGER,
	entry_price    REAL NOT NULL,
	exit_price     REAL,
	entry_time     REAL NOT NULL,
	exit_time      REAL,
	pnl            REAL,
	pnl_percent    REAL,
	status         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS system_events (
	event_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp REAL NOT NULL,
	severity  TEXT NOT NULL,
	event     TEXT NOT NULL,
	details   TEXT
);
CREATE INDEX IF NOT EXISTS idx_predictions_snapshot ON model_predictions(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_decisions_snapshot ON decisions(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
`

// SQLiteSink writes the event stream to an embedded sqlite database and
// mirrors closed trades to a CSV file for offline analysis.
type SQLiteSink struct {
	db      *sql.DB
	csvPath string
	logger  *slog.Logger
}

// OpenSQLite creates (or opens) the event database. csvPath may be empty to
// disable the CSV mirror.
func OpenSQLite(dbPath, csvPath string, logger *slog.Logger) (*SQLiteSink, error) {
	for _, p := range []string{dbPath, csvPath} {
		if p == "" {
			continue
		}
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create event dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set schema version: %w", err)
	}

	return &SQLiteSink{
		db:      db,
		csvPath: csvPath,
		logger:  logger.With("component", "events"),
	}, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) LogSnapshot(ctx context.Context, snap types.Snapshot) (int64, error) {
	indicators, err := json.Marshal(snap.Indicators)
	if err != nil {
		return 0, fmt.Errorf("marshal indicators: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(timestamp, symbol, current_price, bid, ask, volume_24h, price_change_24h, indicators)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		unixSeconds(snap.Timestamp), snap.Symbol, snap.CurrentPrice,
		snap.Bid, snap.Ask, snap.Volume24h, snap.PriceChange24h, string(indicators),
	)
	if err != nil {
		return 0, fmt.Errorf("log snapshot: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteSink) LogPredictions(ctx context.Context, snapshotID int64, preds []types.ModelPrediction) error {
	for _, p := range preds {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO model_predictions
			(snapshot_id, timestamp, model_name, model_endpoint, action, confidence, raw_score, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, unixSeconds(p.Timestamp), p.ModelName, p.ModelKey,
			string(p.Action), p.Confidence, p.RawScore, p.LatencyMs,
		)
		if err != nil {
			return fmt.Errorf("log prediction %s: %w", p.ModelName, err)
		}
	}
	return nil
}

func (s *SQLiteSink) LogDecision(ctx context.Context, snapshotID int64, d types.EnsembleDecision, approved bool, rejectReason string, sizeUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
		(snapshot_id, timestamp, action, confidence, expected_value, uncertainty,
		 agg_score, method, model_count, approved, rejection_reason, position_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshotID, unixSeconds(d.Timestamp), string(d.Action), d.Confidence,
		d.ExpectedValue, d.Uncertainty, d.AggScore, d.AggregationMethod,
		len(d.ParticipatingModels), boolInt(approved), rejectReason, sizeUSD,
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *SQLiteSink) LogOrder(ctx context.Context, tradeID string, o types.OrderState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
		(order_id, trade_id, timestamp, symbol, side, type, quantity, price, filled_qty, avg_price, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, tradeID, unixSeconds(o.Timestamp), o.Symbol, string(o.Side),
		string(o.Type), o.Quantity, o.Price, o.FilledQty, o.AvgPrice, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("log order %d: %w", o.OrderID, err)
	}
	return nil
}

func (s *SQLiteSink) LogTrade(ctx context.Context, tr types.Trade) error {
	var exitTime any
	if !tr.ExitTime.IsZero() {
		exitTime = unixSeconds(tr.ExitTime)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
		(trade_id, symbol, side, quantity, entry_order_id, exit_order_id, snapshot_id,
		 entry_price, exit_price, entry_time, exit_time, pnl, pnl_percent, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Symbol, string(tr.Side), tr.Quantity, tr.EntryOrderID,
		tr.ExitOrderID, tr.SnapshotID, tr.EntryPrice, tr.ExitPrice,
		unixSeconds(tr.EntryTime), exitTime, tr.PnL, tr.PnLPercent, string(tr.Status),
	)
	if err != nil {
		return fmt.Errorf("log trade %s: %w", tr.ID, err)
	}

	if tr.Status == types.TradeClosed && s.csvPath != "" {
		if err := s.appendTradeCSV(tr); err != nil {
			// CSV is a convenience mirror; the sqlite row is authoritative.
			s.logger.Warn("csv trade mirror failed", "trade_id", tr.ID, "error", err)
		}
	}
	return nil
}

func (s *SQLiteSink) LogSystemEvent(ctx context.Context, sev Severity, event, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (timestamp, severity, event, details)
		VALUES (?, ?, ?, ?)`,
		unixSeconds(time.Now()), string(sev), event, details,
	)
	if err != nil {
		return fmt.Errorf("log system event: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"trade_id", "symbol", "side", "quantity", "entry_price", "exit_price",
	"entry_time", "exit_time", "pnl", "pnl_percent",
}

func (s *SQLiteSink) appendTradeCSV(tr types.Trade) error {
	_, statErr := os.Stat(s.csvPath)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(s.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	record := []string{
		tr.ID,
		tr.Symbol,
		string(tr.Side),
		formatFloat(tr.Quantity),
		formatFloat(tr.EntryPrice),
		formatFloat(tr.ExitPrice),
		tr.EntryTime.UTC().Format(time.RFC3339),
		tr.ExitTime.UTC().Format(time.RFC3339),
		formatFloat(tr.PnL),
		formatFloat(tr.PnLPercent),
	}
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
