// Package coordinator drives the trading loop: every heartbeat it takes a
// market snapshot, asks the model ensemble for a decision, validates it
// against the risk limits, executes approved trades, and logs the full
// trail to the event sink.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ensemble-trader/internal/alerts"
	"ensemble-trader/internal/clock"
	"ensemble-trader/internal/config"
	"ensemble-trader/internal/events"
	"ensemble-trader/internal/exchange"
	"ensemble-trader/internal/metrics"
	"ensemble-trader/internal/risk"
	"ensemble-trader/pkg/types"
)

// MarketData supplies snapshots.
type MarketData interface {
	Initialize(ctx context.Context) error
	Snapshot(ctx context.Context) (types.Snapshot, error)
}

// Exchange is the trading surface the coordinator uses.
type Exchange interface {
	Initialize(ctx context.Context) error
	Close() error
	AccountBalance(ctx context.Context) (types.AccountBalance, error)
	CurrentPrice(ctx context.Context) (float64, error)
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*types.OrderState, error)
	OrderStatus(ctx context.Context, orderID int64) (*types.OrderState, error)
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]types.OrderState, error)
}

// Ensemble fuses model predictions and tracks model performance.
type Ensemble interface {
	Decide(ctx context.Context, snap types.Snapshot) (types.EnsembleDecision, []types.ModelPrediction)
	CheckHealth(ctx context.Context) int
	RecordOutcome(modelKey string, didWin bool)
	RecordDecisionOutcome(aggScore float64, won bool)
	SendRetrainFeedback(ctx context.Context, feedback any)
	ModelStatuses() []types.ModelStatus
}

// Broadcaster pushes live updates to dashboard subscribers.
type Broadcaster interface {
	Broadcast(msgType string, data any)
	SubscriberCount() int
}

// Deps are the coordinator's collaborators. Broadcast, Alerts, and Metrics
// are optional.
type Deps struct {
	Sink      events.Sink
	Market    MarketData
	Exchange  Exchange
	Risk      *risk.Manager
	Ensemble  Ensemble
	Broadcast Broadcaster
	Alerts    *alerts.Telegram
	Metrics   *metrics.Metrics
}

// position is one open trade plus the decision that opened it, kept for
// outcome attribution on close.
type position struct {
	trade    types.Trade
	decision types.EnsembleDecision
}

// Coordinator owns the heartbeat, health-check, and broadcast loops. All
// trading state is mutated only from the heartbeat goroutine.
type Coordinator struct {
	cfg    *config.Config
	deps   Deps
	clk    clock.Clock
	logger *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	done    chan struct{}

	startedAt time.Time

	mu             sync.Mutex
	positions      []*position
	lastEquity     float64
	breakerAlerted bool
}

func New(cfg *config.Config, deps Deps, clk clock.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		clk:    clk,
		done:   make(chan struct{}),
		logger: logger.With("component", "coordinator"),
	}
}

// Done is closed once Stop has completed. It lets main terminate when the
// coordinator shuts itself down, as on the emergency latch.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// SetBroadcaster attaches the dashboard hub. Must be called before Start;
// the dashboard server needs the coordinator as its status source, so the
// two are wired in this order.
func (c *Coordinator) SetBroadcaster(b Broadcaster) {
	c.deps.Broadcast = b
}

// Start initializes collaborators in dependency order and launches the
// loops. Any initialization failure is fatal and returned before a single
// heartbeat runs.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.deps.Market.Initialize(ctx); err != nil {
		return fmt.Errorf("init market data: %w", err)
	}
	if err := c.deps.Exchange.Initialize(ctx); err != nil {
		return fmt.Errorf("init exchange: %w", err)
	}
	bal, err := c.deps.Exchange.AccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("read initial balance: %w", err)
	}
	c.deps.Risk.Initialize(bal.TotalEquity)
	c.mu.Lock()
	c.lastEquity = bal.TotalEquity
	c.mu.Unlock()
	c.deps.Ensemble.CheckHealth(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.startedAt = c.clk.Now()
	c.running.Store(true)

	c.wg.Add(3)
	go c.heartbeatLoop(loopCtx)
	go c.healthLoop(loopCtx)
	go c.statusLoop(loopCtx)

	c.deps.Sink.LogSystemEvent(ctx, events.SeverityInfo, "coordinator_started",
		fmt.Sprintf("symbol=%s dry_run=%t equity=%.2f", c.cfg.Trading.Symbol, c.cfg.DryRun, bal.TotalEquity))
	c.logger.Info("coordinator started",
		"symbol", c.cfg.Trading.Symbol,
		"heartbeat", c.cfg.Timing.HeartbeatInterval(),
		"dry_run", c.cfg.DryRun,
		"equity", bal.TotalEquity,
	)
	return nil
}

// Stop signals the loops, waits for the in-flight cycle, optionally cancels
// open orders, and releases collaborators in reverse order.
func (c *Coordinator) Stop(ctx context.Context) {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.wg.Wait()

	if c.cfg.Safety.ClosePositionsOnShutdown {
		c.cancelOpenOrders(ctx)
	}

	if err := c.deps.Exchange.Close(); err != nil {
		c.logger.Warn("exchange close failed", "error", err)
	}
	c.deps.Sink.LogSystemEvent(ctx, events.SeverityInfo, "coordinator_stopped", "")
	if err := c.deps.Sink.Close(); err != nil {
		c.logger.Warn("event sink close failed", "error", err)
	}
	c.logger.Info("coordinator stopped")
	close(c.done)
}

func (c *Coordinator) cancelOpenOrders(ctx context.Context) {
	orders, err := c.deps.Exchange.OpenOrders(ctx)
	if err != nil {
		c.logger.Warn("listing open orders on shutdown failed", "error", err)
		return
	}
	for _, o := range orders {
		if err := c.deps.Exchange.CancelOrder(ctx, o.OrderID); err != nil {
			c.logger.Warn("cancel on shutdown failed", "order_id", o.OrderID, "error", err)
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.Timing.HeartbeatInterval()

	for {
		if ctx.Err() != nil {
			return
		}
		if c.deps.Risk.EmergencyShutdown() {
			c.logger.Error("emergency shutdown latched, terminating heartbeat")
			c.deps.Sink.LogSystemEvent(ctx, events.SeverityCritical, "emergency_shutdown",
				fmt.Sprintf("daily_pnl=%.2f", c.deps.Risk.Metrics().DailyPnL))
			c.deps.Alerts.Send(ctx, "EMERGENCY SHUTDOWN: daily loss limit crossed, trading halted")
			c.cancel()
			// Full teardown; runs once this goroutine has returned.
			go c.Stop(context.Background())
			return
		}

		if c.deps.Risk.CircuitBreakerActive() {
			c.noteBreakerActive(ctx)
		} else {
			c.clearBreakerNote()
			c.runDecisionCycle(ctx)
		}

		if err := c.clk.Sleep(ctx, interval); err != nil {
			return
		}
	}
}

func (c *Coordinator) noteBreakerActive(ctx context.Context) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.BreakerOpen.Set(1)
	}
	c.mu.Lock()
	alerted := c.breakerAlerted
	c.breakerAlerted = true
	c.mu.Unlock()
	if !alerted {
		c.logger.Warn("circuit breaker active, skipping decision cycles")
		c.deps.Sink.LogSystemEvent(ctx, events.SeverityWarning, "circuit_breaker_active", "")
		c.deps.Alerts.Send(ctx, "Circuit breaker tripped, trading paused for cooldown")
	}
}

func (c *Coordinator) clearBreakerNote() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.BreakerOpen.Set(0)
	}
	c.mu.Lock()
	c.breakerAlerted = false
	c.mu.Unlock()
}

// runDecisionCycle executes one snapshot -> predict -> fuse -> validate ->
// execute -> log pass. Errors are contained to the cycle; only stop(), the
// emergency latch, or cancellation end the heartbeat.
func (c *Coordinator) runDecisionCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		if c.deps.Metrics != nil {
			c.deps.Metrics.HeartbeatSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	c.monitorPositions(ctx)

	snap, err := c.deps.Market.Snapshot(ctx)
	if err != nil {
		c.logger.Error("snapshot failed", "error", err)
		c.deps.Sink.LogSystemEvent(ctx, events.SeverityError, "snapshot_failed", err.Error())
		return
	}

	snapID, err := c.deps.Sink.LogSnapshot(ctx, snap)
	if err != nil {
		c.logger.Error("snapshot not persisted", "error", err)
	}

	decision, preds := c.deps.Ensemble.Decide(ctx, snap)
	if err := c.deps.Sink.LogPredictions(ctx, snapID, preds); err != nil {
		c.logger.Error("predictions not persisted", "error", err)
	}
	c.observeDecision(decision, preds)
	if c.deps.Broadcast != nil {
		c.deps.Broadcast.Broadcast(types.BroadcastDecision, decision)
	}

	if decision.Action == types.ActionHold {
		c.logger.Info("holding", "reason", decision.Reasoning)
		c.logDecision(ctx, snapID, decision, false, decision.Reasoning, 0)
		return
	}

	bal, err := c.deps.Exchange.AccountBalance(ctx)
	if err != nil {
		c.logger.Error("balance check failed", "error", err)
		c.deps.Sink.LogSystemEvent(ctx, events.SeverityError, "balance_failed", err.Error())
		return
	}
	c.mu.Lock()
	c.lastEquity = bal.TotalEquity
	c.mu.Unlock()
	if c.deps.Metrics != nil {
		c.deps.Metrics.Equity.Set(bal.TotalEquity)
	}

	size := c.deps.Risk.PositionSize(bal.TotalEquity, snap.CurrentPrice)
	if size.SizeUSD == 0 {
		c.logger.Info("position size below minimum, skipping")
		c.logDecision(ctx, snapID, decision, false, "position size below minimum", 0)
		return
	}

	verdict := c.deps.Risk.ValidateTrade(size.SizeUSD, c.accountMetrics(bal))
	c.logDecision(ctx, snapID, decision, verdict.Approved, verdict.Reason, size.SizeUSD)
	if !verdict.Approved {
		c.logger.Info("trade rejected", "reason", verdict.Reason)
		return
	}

	c.executeTrade(ctx, snapID, snap, decision, size)
}

func (c *Coordinator) executeTrade(ctx context.Context, snapID int64, snap types.Snapshot, decision types.EnsembleDecision, size types.PositionSize) {
	side := types.BUY
	if decision.Action == types.ActionShort {
		side = types.SELL
	}

	state, err := c.deps.Exchange.PlaceOrder(ctx, exchange.OrderRequest{
		Side:       side,
		Quantity:   size.Quantity,
		Type:       types.OrderTypeMarket,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
	})
	if err != nil {
		c.logger.Error("order placement failed", "error", err)
		c.deps.Sink.LogSystemEvent(ctx, events.SeverityError, "order_failed", err.Error())
		return
	}

	c.deps.Risk.RecordTradeOpened()

	entryPrice := state.AvgPrice
	if entryPrice == 0 {
		entryPrice = snap.CurrentPrice
	}
	trade := types.Trade{
		ID:           uuid.NewString(),
		Symbol:       snap.Symbol,
		Side:         side,
		Quantity:     state.Quantity,
		EntryOrderID: state.OrderID,
		SnapshotID:   snapID,
		EntryPrice:   entryPrice,
		EntryTime:    c.clk.Now().UTC(),
		Status:       types.TradeOpen,
	}

	c.mu.Lock()
	c.positions = append(c.positions, &position{trade: trade, decision: decision})
	open := len(c.positions)
	c.mu.Unlock()

	if err := c.deps.Sink.LogOrder(ctx, trade.ID, *state); err != nil {
		c.logger.Error("order not persisted to events", "error", err)
	}
	if err := c.deps.Sink.LogTrade(ctx, trade); err != nil {
		c.logger.Error("trade not persisted", "error", err)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.TradesOpened.Inc()
		c.deps.Metrics.OpenTrades.Set(float64(open))
	}
	if c.deps.Broadcast != nil {
		c.deps.Broadcast.Broadcast(types.BroadcastTradeOpened, trade)
	}
	c.deps.Alerts.Send(ctx, "Opened %s %s: qty=%.4f entry=%.2f conf=%.1f%%",
		decision.Action, trade.Symbol, trade.Quantity, trade.EntryPrice, decision.Confidence*100)
	c.logger.Info("trade opened",
		"trade_id", trade.ID,
		"side", side,
		"qty", trade.Quantity,
		"entry", trade.EntryPrice,
		"order_id", trade.EntryOrderID,
	)
}

// monitorPositions checks open positions for exits: a filled protective
// order, or (when no protective orders exist, as in dry-run) the price
// crossing the decision's stop or take level.
func (c *Coordinator) monitorPositions(ctx context.Context) {
	c.mu.Lock()
	open := make([]*position, len(c.positions))
	copy(open, c.positions)
	c.mu.Unlock()
	if len(open) == 0 {
		return
	}

	price, err := c.deps.Exchange.CurrentPrice(ctx)
	if err != nil {
		c.logger.Warn("price check failed during position monitoring", "error", err)
		return
	}

	for _, p := range open {
		exitPrice, exitOrderID, closed := c.checkExit(ctx, p, price)
		if closed {
			c.closePosition(ctx, p, exitPrice, exitOrderID)
		}
	}
}

// checkExit reports whether the position has closed, along with the exit
// price and the filled protective order's ID (zero for emulated exits).
func (c *Coordinator) checkExit(ctx context.Context, p *position, price float64) (float64, int64, bool) {
	entry, err := c.deps.Exchange.OrderStatus(ctx, p.trade.EntryOrderID)
	if err != nil {
		c.logger.Warn("entry order status failed", "order_id", p.trade.EntryOrderID, "error", err)
		return 0, 0, false
	}
	if entry != nil {
		for _, childID := range []int64{entry.StopLossOrderID, entry.TakeProfitOrderID} {
			if childID == 0 {
				continue
			}
			child, err := c.deps.Exchange.OrderStatus(ctx, childID)
			if err != nil {
				c.logger.Warn("protective order status failed", "order_id", childID, "error", err)
				continue
			}
			if child != nil && child.Status == types.OrderFilled {
				exit := child.AvgPrice
				if exit == 0 {
					exit = price
				}
				return exit, child.OrderID, true
			}
		}
		if entry.StopLossOrderID != 0 || entry.TakeProfitOrderID != 0 {
			return 0, 0, false
		}
	}

	// No protective orders on the exchange: emulate them from the decision.
	d := p.decision
	if p.trade.Side == types.BUY {
		if (d.StopLoss > 0 && price <= d.StopLoss) || (d.TakeProfit > 0 && price >= d.TakeProfit) {
			return price, 0, true
		}
	} else {
		if (d.StopLoss > 0 && price >= d.StopLoss) || (d.TakeProfit > 0 && price <= d.TakeProfit) {
			return price, 0, true
		}
	}
	return 0, 0, false
}

func (c *Coordinator) closePosition(ctx context.Context, p *position, exitPrice float64, exitOrderID int64) {
	tr := p.trade
	tr.ExitPrice = exitPrice
	tr.ExitOrderID = exitOrderID
	tr.ExitTime = c.clk.Now().UTC()
	tr.Status = types.TradeClosed

	notional := tr.EntryPrice * tr.Quantity
	if tr.Side == types.BUY {
		tr.PnL = (exitPrice - tr.EntryPrice) * tr.Quantity
	} else {
		tr.PnL = (tr.EntryPrice - exitPrice) * tr.Quantity
	}
	if notional > 0 {
		tr.PnLPercent = tr.PnL / notional
	}
	won := tr.PnL > 0

	c.deps.Risk.CloseTrade(tr.PnL, tr.PnLPercent)
	c.deps.Ensemble.RecordDecisionOutcome(p.decision.AggScore, won)
	direction := types.ActionLong
	if tr.Side == types.SELL {
		direction = types.ActionShort
	}
	for _, vote := range p.decision.ParticipatingModels {
		// A model was right when its vote matched how the trade resolved.
		modelWon := (vote.Action == direction) == won
		c.deps.Ensemble.RecordOutcome(c.modelKeyFor(vote.Name), modelWon)
	}
	c.deps.Ensemble.SendRetrainFeedback(ctx, map[string]any{
		"symbol":      tr.Symbol,
		"action":      direction,
		"pnl":         tr.PnL,
		"pnl_percent": tr.PnLPercent,
		"won":         won,
	})

	c.mu.Lock()
	for i, q := range c.positions {
		if q == p {
			c.positions = append(c.positions[:i], c.positions[i+1:]...)
			break
		}
	}
	open := len(c.positions)
	c.mu.Unlock()

	if err := c.deps.Sink.LogTrade(ctx, tr); err != nil {
		c.logger.Error("closed trade not persisted", "error", err)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.TradesClosed.Inc()
		c.deps.Metrics.OpenTrades.Set(float64(open))
		c.deps.Metrics.DailyPnL.Set(c.deps.Risk.Metrics().DailyPnL)
	}
	if c.deps.Broadcast != nil {
		c.deps.Broadcast.Broadcast(types.BroadcastTradeClosed, tr)
	}
	c.deps.Alerts.Send(ctx, "Closed %s %s: pnl=%.2f (%.2f%%)",
		tr.Side, tr.Symbol, tr.PnL, tr.PnLPercent*100)
	c.logger.Info("trade closed",
		"trade_id", tr.ID, "pnl", tr.PnL, "pnl_percent", tr.PnLPercent, "exit", exitPrice)
}

// modelKeyFor resolves a model name back to its endpoint key.
func (c *Coordinator) modelKeyFor(name string) string {
	for _, ep := range c.cfg.Models {
		if ep.Name == name {
			return ep.Key()
		}
	}
	return name
}

func (c *Coordinator) accountMetrics(bal types.AccountBalance) types.RiskMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exposure float64
	for _, p := range c.positions {
		exposure += p.trade.EntryPrice * p.trade.Quantity
	}
	return types.RiskMetrics{
		TotalEquity:     bal.TotalEquity,
		AvailableMargin: bal.AvailableMargin,
		TotalExposure:   exposure,
		OpenPositions:   len(c.positions),
	}
}

func (c *Coordinator) observeDecision(d types.EnsembleDecision, preds []types.ModelPrediction) {
	if c.deps.Metrics == nil {
		return
	}
	c.deps.Metrics.Decisions.WithLabelValues(string(d.Action)).Inc()
	responded := make(map[string]struct{}, len(preds))
	for _, p := range preds {
		responded[p.ModelName] = struct{}{}
		c.deps.Metrics.ModelLatency.WithLabelValues(p.ModelName).Observe(p.LatencyMs / 1000)
	}
	for _, ep := range c.cfg.Models {
		if !ep.Enabled {
			continue
		}
		if _, ok := responded[ep.Name]; !ok {
			c.deps.Metrics.ModelFailures.WithLabelValues(ep.Name).Inc()
		}
	}
}

func (c *Coordinator) logDecision(ctx context.Context, snapID int64, d types.EnsembleDecision, approved bool, reason string, sizeUSD float64) {
	if err := c.deps.Sink.LogDecision(ctx, snapID, d, approved, reason, sizeUSD); err != nil {
		c.logger.Error("decision not persisted", "error", err)
	}
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.Timing.HealthCheckInterval()
	for {
		if err := c.clk.Sleep(ctx, interval); err != nil {
			return
		}
		healthy := c.deps.Ensemble.CheckHealth(ctx)
		if healthy == 0 {
			c.deps.Sink.LogSystemEvent(ctx, events.SeverityWarning, "all_models_unhealthy", "")
		}
		c.logger.Debug("model health check", "healthy", healthy)
	}
}

// statusLoop pushes periodic status updates to dashboard subscribers.
func (c *Coordinator) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.deps.Broadcast == nil {
		return
	}
	interval := c.cfg.Timing.OrderCheckInterval()
	for {
		if err := c.clk.Sleep(ctx, interval); err != nil {
			return
		}
		c.deps.Broadcast.Broadcast(types.BroadcastStatusUpdate, c.Status())
	}
}
