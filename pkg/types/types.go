// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the coordinator: market
// snapshots, model predictions, ensemble decisions, order state, and risk
// metrics. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"
)

// Action is the trading direction a model or the ensemble recommends.
type Action string

const (
	ActionLong  Action = "long"
	ActionShort Action = "short"
	ActionHold  Action = "hold"
)

// Side represents the direction of an exchange order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported futures order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus tracks the exchange-side lifecycle of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status can never transition again.
// Terminal states are never overwritten by a non-terminal update.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp int64   `json:"timestamp"` // open time, ms since epoch
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Snapshot is a complete market picture at one instant: price, candles for
// two timeframes, and the computed indicator map. The indicator map is
// opaque to the core; well-known keys are listed in indicators.go.
type Snapshot struct {
	Timestamp      time.Time          `json:"timestamp"`
	Symbol         string             `json:"symbol"`
	CurrentPrice   float64            `json:"current_price"`
	Bid            float64            `json:"bid"`
	Ask            float64            `json:"ask"`
	Volume24h      float64            `json:"volume_24h"`
	PriceChange24h float64            `json:"price_change_24h"`
	Candles5m      []Candle           `json:"candles_5m"`
	Candles1h      []Candle           `json:"candles_1h"`
	Indicators     map[string]float64 `json:"indicators"`
}

// ModelPrediction is one model server's answer for a snapshot.
type ModelPrediction struct {
	ModelName  string    `json:"model_name"`
	ModelKey   string    `json:"model_key"` // host:port
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"` // [0,1]
	RawScore   float64   `json:"raw_score"`  // [-1,1]
	StopLoss   float64   `json:"stop,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ModelVote summarizes one model's contribution to a decision.
type ModelVote struct {
	Name       string  `json:"name"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
}

// EnsembleDecision is the fused output of all responding models.
type EnsembleDecision struct {
	Action              Action      `json:"action"`
	Confidence          float64     `json:"confidence"`     // calibrated probability [0,1]
	ExpectedValue       float64     `json:"expected_value"` // EV after costs
	Uncertainty         float64     `json:"uncertainty"`    // stddev of raw scores
	AggScore            float64     `json:"agg_score"`      // weighted aggregate raw score [-1,1]
	StopLoss            float64     `json:"stop_loss"`
	TakeProfit          float64     `json:"take_profit"`
	ParticipatingModels []ModelVote `json:"participating_models"`
	AggregationMethod   string      `json:"aggregation_method"`
	Reasoning           string      `json:"reasoning"`
	Timestamp           time.Time   `json:"timestamp"`
}

// OrderState is the persisted record of one exchange order.
// Primary key is OrderID.
type OrderState struct {
	OrderID           int64       `json:"order_id"`
	Symbol            string      `json:"symbol"`
	Side              Side        `json:"side"`
	Type              OrderType   `json:"type"`
	Quantity          float64     `json:"quantity"`
	Price             float64     `json:"price,omitempty"`
	Status            OrderStatus `json:"status"`
	FilledQty         float64     `json:"filled_qty"`
	AvgPrice          float64     `json:"avg_price"`
	Timestamp         time.Time   `json:"timestamp"`
	StopLossOrderID   int64       `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID int64       `json:"take_profit_order_id,omitempty"`
}

// TradeStatus tracks a trade's lifecycle in the event store.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Trade is the lifecycle record of one position, from entry fill to exit.
type Trade struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Quantity     float64     `json:"quantity"`
	EntryOrderID int64       `json:"entry_order_id"`
	ExitOrderID  int64       `json:"exit_order_id,omitempty"`
	SnapshotID   int64       `json:"snapshot_id,omitempty"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    float64     `json:"exit_price,omitempty"`
	EntryTime    time.Time   `json:"entry_time"`
	ExitTime     time.Time   `json:"exit_time,omitempty"`
	PnL          float64     `json:"pnl"`
	PnLPercent   float64     `json:"pnl_percent"`
	Status       TradeStatus `json:"status"`
}

// RiskMetrics is the account state the risk manager validates against.
type RiskMetrics struct {
	TotalEquity       float64 `json:"total_equity"`
	AvailableMargin   float64 `json:"available_margin"`
	TotalExposure     float64 `json:"total_exposure"`
	OpenPositions     int     `json:"open_positions"`
	DailyPnL          float64 `json:"daily_pnl"`
	DailyTrades       int     `json:"daily_trades"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	WinRate           float64 `json:"win_rate"`
}

// SizingMethod selects how position size is computed.
type SizingMethod string

const (
	SizeFixedFraction SizingMethod = "fixed_fraction"
	SizeKelly         SizingMethod = "kelly"
	SizeFixedAmount   SizingMethod = "fixed_amount"
)

// PositionSize is the output of the position sizer.
type PositionSize struct {
	Quantity      float64      `json:"quantity"`
	SizeUSD       float64      `json:"size_usd"`
	Leverage      int          `json:"leverage"`
	Method        SizingMethod `json:"method"`
	RiskPercent   float64      `json:"risk_percent"`
	KellyFraction float64      `json:"kelly_fraction,omitempty"`
}

// AccountBalance is the subset of the futures account the core reads.
type AccountBalance struct {
	TotalEquity     float64 `json:"total_equity"`
	AvailableMargin float64 `json:"available_margin"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
}

// Status is the read-only coordinator view served to the dashboard.
type Status struct {
	Running              bool    `json:"running"`
	OpenTrades           int     `json:"open_trades"`
	CircuitBreakerActive bool    `json:"circuit_breaker_active"`
	DryRun               bool    `json:"dry_run"`
	Testnet              bool    `json:"testnet"`
	Symbol               string  `json:"symbol"`
	HeartbeatInterval    float64 `json:"heartbeat_interval_seconds"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	OpenSubscribers      int     `json:"open_subscribers"`
}

// ModelStatus is the per-model view served to the dashboard.
type ModelStatus struct {
	Name            string    `json:"name"`
	Key             string    `json:"key"`
	Enabled         bool      `json:"enabled"`
	Weight          float64   `json:"weight"`
	WinRate         float64   `json:"win_rate"`
	Sharpe          float64   `json:"sharpe"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	RecordedResults int       `json:"recorded_results"`
}

// Broadcast message types pushed to dashboard subscribers. Every message is
// stamped with a UTC ISO-8601 timestamp by the hub.
const (
	BroadcastStatusUpdate = "status_update"
	BroadcastDecision     = "decision"
	BroadcastTradeOpened  = "trade_opened"
	BroadcastTradeClosed  = "trade_closed"
)

// BroadcastMessage is the envelope pushed to dashboard subscribers.
type BroadcastMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
