package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ensemble-trader/internal/clock"
	"ensemble-trader/internal/config"
	"ensemble-trader/internal/events"
	"ensemble-trader/internal/exchange"
	"ensemble-trader/internal/risk"
	"ensemble-trader/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		DryRun: true,
		Trading: config.TradingConfig{
			Symbol:               "BTCUSDT",
			Leverage:             5,
			PositionSizeMethod:   "fixed_fraction",
			PositionSizeFraction: 0.1,
			MaxPositionSizeUSD:   5000,
			MinPositionSizeUSD:   10,
			MaxOpenPositions:     1,
			MaxDailyTrades:       10,
			StopLossPercent:      0.02,
			TakeProfitPercent:    0.05,
		},
		Safety: config.SafetyConfig{
			MaxDailyLossPercent:          0.05,
			MaxDailyLossUSD:              5000,
			EmergencyShutdownLossPercent: 0.20,
			MaxTotalExposureUSD:          10000,
			MaxLeverageAllowed:           10,
			CircuitBreakerLosses:         3,
			CircuitBreakerCooldownSec:    3600,
			CircuitBreakerResetOnWin:     true,
		},
		Timing: config.TimingConfig{
			HeartbeatIntervalSec:   60,
			ModelTimeoutSec:        5,
			HealthCheckIntervalSec: 300,
			OrderCheckIntervalSec:  10,
		},
		Models: []config.ModelEndpoint{
			{Name: "lstm", Host: "localhost", Port: 8001, Weight: 1, Enabled: true},
		},
	}
}

func testSnapshot() types.Snapshot {
	return types.Snapshot{
		Timestamp:    time.Now().UTC(),
		Symbol:       "BTCUSDT",
		CurrentPrice: 50000,
		Indicators:   map[string]float64{"rsi_14": 55},
	}
}

type stubMarket struct {
	mu    sync.Mutex
	snap  types.Snapshot
	err   error
	calls int
}

func (s *stubMarket) Initialize(context.Context) error { return nil }

func (s *stubMarket) Snapshot(context.Context) (types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snap, s.err
}

func (s *stubMarket) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubExchange struct {
	mu         sync.Mutex
	balance    types.AccountBalance
	price      float64
	placed     []exchange.OrderRequest
	placeErr   error
	orders     map[int64]*types.OrderState
	nextID     int64
	canceled   []int64
	openOrders []types.OrderState
}

func newStubExchange() *stubExchange {
	return &stubExchange{
		balance: types.AccountBalance{TotalEquity: 10000, AvailableMargin: 10000},
		price:   50000,
		orders:  make(map[int64]*types.OrderState),
	}
}

func (s *stubExchange) Initialize(context.Context) error { return nil }
func (s *stubExchange) Close() error                     { return nil }

func (s *stubExchange) AccountBalance(context.Context) (types.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubExchange) CurrentPrice(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}

func (s *stubExchange) setPrice(p float64) {
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

func (s *stubExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	s.placed = append(s.placed, req)
	s.nextID++
	state := &types.OrderState{
		OrderID:   s.nextID,
		Symbol:    "BTCUSDT",
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Status:    types.OrderFilled,
		FilledQty: req.Quantity,
		AvgPrice:  s.price,
		Timestamp: time.Now().UTC(),
	}
	s.orders[state.OrderID] = state
	return state, nil
}

func (s *stubExchange) OrderStatus(_ context.Context, orderID int64) (*types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[orderID], nil
}

func (s *stubExchange) CancelOrder(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, orderID)
	return nil
}

func (s *stubExchange) OpenOrders(context.Context) ([]types.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openOrders, nil
}

type stubEnsemble struct {
	mu               sync.Mutex
	decision         types.EnsembleDecision
	preds            []types.ModelPrediction
	outcomes         map[string]bool
	decisionOutcomes []bool
	feedback         []any
}

func newStubEnsemble(d types.EnsembleDecision) *stubEnsemble {
	return &stubEnsemble{decision: d, outcomes: make(map[string]bool)}
}

func (s *stubEnsemble) Decide(context.Context, types.Snapshot) (types.EnsembleDecision, []types.ModelPrediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision, s.preds
}

func (s *stubEnsemble) CheckHealth(context.Context) int { return 1 }

func (s *stubEnsemble) RecordOutcome(modelKey string, didWin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[modelKey] = didWin
}

func (s *stubEnsemble) RecordDecisionOutcome(_ float64, won bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisionOutcomes = append(s.decisionOutcomes, won)
}

func (s *stubEnsemble) SendRetrainFeedback(_ context.Context, fb any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, fb)
}

func (s *stubEnsemble) ModelStatuses() []types.ModelStatus {
	return []types.ModelStatus{{Name: "lstm", Key: "localhost:8001", Enabled: true}}
}

type loggedDecision struct {
	decision types.EnsembleDecision
	approved bool
	reason   string
	sizeUSD  float64
}

// recSink records everything; only for tests that drive cycles directly.
type recSink struct {
	mu        sync.Mutex
	snapshots int
	preds     [][]types.ModelPrediction
	decisions []loggedDecision
	orders    []types.OrderState
	trades    []types.Trade
	events    []string
}

func (r *recSink) LogSnapshot(context.Context, types.Snapshot) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots++
	return int64(r.snapshots), nil
}

func (r *recSink) LogPredictions(_ context.Context, _ int64, preds []types.ModelPrediction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds = append(r.preds, preds)
	return nil
}

func (r *recSink) LogDecision(_ context.Context, _ int64, d types.EnsembleDecision, approved bool, reason string, sizeUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, loggedDecision{d, approved, reason, sizeUSD})
	return nil
}

func (r *recSink) LogOrder(_ context.Context, _ string, o types.OrderState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
	return nil
}

func (r *recSink) LogTrade(_ context.Context, tr types.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, tr)
	return nil
}

func (r *recSink) LogSystemEvent(_ context.Context, _ events.Severity, event, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recSink) Close() error { return nil }

// countSink only counts, safe for tests that run the live loops with a fake
// clock (the heartbeat spins without real sleeps).
type countSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountSink() *countSink { return &countSink{counts: make(map[string]int)} }

func (c *countSink) eventCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func (c *countSink) LogSnapshot(context.Context, types.Snapshot) (int64, error) { return 1, nil }
func (c *countSink) LogPredictions(context.Context, int64, []types.ModelPrediction) error {
	return nil
}
func (c *countSink) LogDecision(context.Context, int64, types.EnsembleDecision, bool, string, float64) error {
	return nil
}
func (c *countSink) LogOrder(context.Context, string, types.OrderState) error { return nil }
func (c *countSink) LogTrade(context.Context, types.Trade) error              { return nil }

func (c *countSink) LogSystemEvent(_ context.Context, _ events.Severity, event, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[event]++
	return nil
}

func (c *countSink) Close() error { return nil }

func longDecision() types.EnsembleDecision {
	return types.EnsembleDecision{
		Action:     types.ActionLong,
		Confidence: 0.8,
		StopLoss:   49000,
		TakeProfit: 52500,
		AggScore:   0.6,
		ParticipatingModels: []types.ModelVote{
			{Name: "lstm", Action: types.ActionLong, Confidence: 0.8, Weight: 1},
		},
		AggregationMethod: "weighted_vote",
		Reasoning:         "long signal with 80.0% confidence",
	}
}

func holdDecision() types.EnsembleDecision {
	return types.EnsembleDecision{
		Action:    types.ActionHold,
		Reasoning: "confidence below threshold",
	}
}

type fixture struct {
	c      *Coordinator
	market *stubMarket
	exch   *stubExchange
	ens    *stubEnsemble
	risk   *risk.Manager
	clk    *clock.Fake
}

func newFixture(t *testing.T, cfg *config.Config, sink events.Sink, d types.EnsembleDecision) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	market := &stubMarket{snap: testSnapshot()}
	exch := newStubExchange()
	ens := newStubEnsemble(d)
	rm := risk.NewManager(cfg, clk, logger)

	c := New(cfg, Deps{
		Sink:     sink,
		Market:   market,
		Exchange: exch,
		Risk:     rm,
		Ensemble: ens,
	}, clk, logger)
	return &fixture{c: c, market: market, exch: exch, ens: ens, risk: rm, clk: clk}
}

func TestHoldDecisionSkipsExecution(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, holdDecision())
	f.risk.Initialize(10000)

	f.c.runDecisionCycle(context.Background())

	if len(f.exch.placed) != 0 {
		t.Fatalf("placed %d orders on hold", len(f.exch.placed))
	}
	if sink.snapshots != 1 {
		t.Errorf("snapshots = %d, want 1", sink.snapshots)
	}
	if len(sink.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(sink.decisions))
	}
	d := sink.decisions[0]
	if d.approved || d.reason != "confidence below threshold" || d.sizeUSD != 0 {
		t.Errorf("hold logged as %+v", d)
	}
}

func TestApprovedDecisionOpensTrade(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, longDecision())
	f.risk.Initialize(10000)

	f.c.runDecisionCycle(context.Background())

	if len(f.exch.placed) != 1 {
		t.Fatalf("placed = %d, want 1", len(f.exch.placed))
	}
	req := f.exch.placed[0]
	if req.Side != types.BUY || req.Type != types.OrderTypeMarket {
		t.Errorf("order = %+v", req)
	}
	// equity 10000, fraction 0.1, leverage 5, price 50000
	if req.Quantity != 0.1 {
		t.Errorf("quantity = %v, want 0.1", req.Quantity)
	}
	if req.StopLoss != 49000 || req.TakeProfit != 52500 {
		t.Errorf("protective levels = %v/%v", req.StopLoss, req.TakeProfit)
	}

	if got := f.c.Status().OpenTrades; got != 1 {
		t.Errorf("open trades = %d, want 1", got)
	}
	if got := f.risk.Metrics().DailyTrades; got != 1 {
		t.Errorf("daily trades = %d, want 1", got)
	}

	last := sink.decisions[len(sink.decisions)-1]
	if !last.approved || last.sizeUSD != 1000 {
		t.Errorf("decision logged as %+v", last)
	}
	if len(sink.trades) != 1 || sink.trades[0].Status != types.TradeOpen {
		t.Fatalf("trades = %+v", sink.trades)
	}
	if sink.trades[0].EntryPrice != 50000 {
		t.Errorf("entry price = %v", sink.trades[0].EntryPrice)
	}
	if len(sink.orders) != 1 {
		t.Errorf("orders logged = %d, want 1", len(sink.orders))
	}
}

func TestMaxOpenPositionsRejectsSecondTrade(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, longDecision())
	f.risk.Initialize(10000)

	f.c.runDecisionCycle(context.Background())
	if len(f.exch.placed) != 1 {
		t.Fatalf("first trade not placed")
	}

	f.c.runDecisionCycle(context.Background())
	if len(f.exch.placed) != 1 {
		t.Fatalf("second trade placed despite open position limit")
	}
	last := sink.decisions[len(sink.decisions)-1]
	if last.approved {
		t.Fatal("second decision approved")
	}
	if last.reason == "" {
		t.Error("rejection reason missing")
	}
}

func TestPositionClosesOnTakeProfitCross(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, longDecision())
	f.risk.Initialize(10000)

	f.c.runDecisionCycle(context.Background())
	if f.c.Status().OpenTrades != 1 {
		t.Fatal("no open position")
	}

	f.exch.setPrice(52600)
	f.c.monitorPositions(context.Background())

	if got := f.c.Status().OpenTrades; got != 0 {
		t.Fatalf("open trades = %d after take-profit cross", got)
	}
	closed := sink.trades[len(sink.trades)-1]
	if closed.Status != types.TradeClosed {
		t.Fatalf("trade status = %s", closed.Status)
	}
	// (52600 - 50000) * 0.1
	if closed.PnL < 259.99 || closed.PnL > 260.01 {
		t.Errorf("pnl = %v, want 260", closed.PnL)
	}
	if got := f.risk.Metrics().DailyPnL; got < 259.99 || got > 260.01 {
		t.Errorf("daily pnl = %v, want 260", got)
	}
	if len(f.ens.decisionOutcomes) != 1 || !f.ens.decisionOutcomes[0] {
		t.Errorf("decision outcome = %v, want [true]", f.ens.decisionOutcomes)
	}
	// The lstm model voted long and the long trade won.
	if won, ok := f.ens.outcomes["localhost:8001"]; !ok || !won {
		t.Errorf("model outcome = %v/%v, want recorded win", won, ok)
	}
	if len(f.ens.feedback) != 1 {
		t.Errorf("retrain feedback = %d messages, want 1", len(f.ens.feedback))
	}
}

func TestShortPositionClosesOnStopCross(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, holdDecision())
	f.risk.Initialize(10000)

	f.c.mu.Lock()
	f.c.positions = append(f.c.positions, &position{
		trade: types.Trade{
			ID: "t1", Symbol: "BTCUSDT", Side: types.SELL, Quantity: 0.1,
			EntryOrderID: 99, EntryPrice: 50000, Status: types.TradeOpen,
		},
		decision: types.EnsembleDecision{
			Action:   types.ActionShort,
			StopLoss: 51000, TakeProfit: 48000,
			ParticipatingModels: []types.ModelVote{
				{Name: "lstm", Action: types.ActionShort},
			},
		},
	})
	f.c.mu.Unlock()

	f.exch.setPrice(51200)
	f.c.monitorPositions(context.Background())

	if got := f.c.Status().OpenTrades; got != 0 {
		t.Fatalf("open trades = %d after stop cross", got)
	}
	closed := sink.trades[len(sink.trades)-1]
	// (50000 - 51200) * 0.1
	if closed.PnL > -119.99 || closed.PnL < -120.01 {
		t.Errorf("pnl = %v, want -120", closed.PnL)
	}
	// Model voted short, the short lost, so the model was wrong.
	if won := f.ens.outcomes["localhost:8001"]; won {
		t.Error("losing model recorded as a win")
	}
	if got := f.risk.Metrics().ConsecutiveLosses; got != 1 {
		t.Errorf("consecutive losses = %d, want 1", got)
	}
}

func TestProtectiveFillClosesPosition(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, holdDecision())
	f.risk.Initialize(10000)

	f.exch.orders[1] = &types.OrderState{
		OrderID: 1, Side: types.BUY, Status: types.OrderFilled,
		StopLossOrderID: 2, TakeProfitOrderID: 3,
	}
	f.exch.orders[2] = &types.OrderState{
		OrderID: 2, Side: types.SELL, Status: types.OrderFilled, AvgPrice: 49000,
	}
	f.exch.orders[3] = &types.OrderState{
		OrderID: 3, Side: types.SELL, Status: types.OrderNew,
	}
	f.c.mu.Lock()
	f.c.positions = append(f.c.positions, &position{
		trade: types.Trade{
			ID: "t1", Symbol: "BTCUSDT", Side: types.BUY, Quantity: 0.1,
			EntryOrderID: 1, EntryPrice: 50000, Status: types.TradeOpen,
		},
		decision: longDecision(),
	})
	f.c.mu.Unlock()

	f.c.monitorPositions(context.Background())

	if got := f.c.Status().OpenTrades; got != 0 {
		t.Fatalf("open trades = %d after stop fill", got)
	}
	closed := sink.trades[len(sink.trades)-1]
	if closed.ExitPrice != 49000 {
		t.Errorf("exit price = %v, want stop fill price 49000", closed.ExitPrice)
	}
	if closed.ExitOrderID != 2 {
		t.Errorf("exit order id = %d, want the filled stop order 2", closed.ExitOrderID)
	}
	// (49000 - 50000) * 0.1
	if closed.PnL > -99.99 || closed.PnL < -100.01 {
		t.Errorf("pnl = %v, want -100", closed.PnL)
	}
}

func TestPendingProtectiveOrdersKeepPositionOpen(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, holdDecision())
	f.risk.Initialize(10000)

	f.exch.orders[1] = &types.OrderState{
		OrderID: 1, Side: types.BUY, Status: types.OrderFilled,
		StopLossOrderID: 2, TakeProfitOrderID: 3,
	}
	f.exch.orders[2] = &types.OrderState{OrderID: 2, Status: types.OrderNew}
	f.exch.orders[3] = &types.OrderState{OrderID: 3, Status: types.OrderNew}
	f.c.mu.Lock()
	f.c.positions = append(f.c.positions, &position{
		trade: types.Trade{
			ID: "t1", Side: types.BUY, Quantity: 0.1,
			EntryOrderID: 1, EntryPrice: 50000, Status: types.TradeOpen,
		},
		decision: longDecision(),
	})
	f.c.mu.Unlock()

	// Price has crossed the take level, but live protective orders exist
	// and neither has filled; the exchange owns the exit.
	f.exch.setPrice(53000)
	f.c.monitorPositions(context.Background())

	if got := f.c.Status().OpenTrades; got != 1 {
		t.Fatalf("open trades = %d, want 1", got)
	}
}

func TestEmergencyShutdownStopsHeartbeat(t *testing.T) {
	t.Parallel()
	sink := newCountSink()
	f := newFixture(t, testConfig(), sink, holdDecision())

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 25% daily loss latches the emergency shutdown.
	f.risk.CloseTrade(-2500, -0.25)

	deadline := time.Now().Add(5 * time.Second)
	for sink.eventCount("emergency_shutdown") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.eventCount("emergency_shutdown") == 0 {
		t.Fatal("emergency shutdown event never recorded")
	}

	// The coordinator tears itself down; Done unblocks main so the process
	// can exit instead of waiting on a signal forever.
	select {
	case <-f.c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done never closed after emergency shutdown")
	}
	if sink.eventCount("coordinator_stopped") != 1 {
		t.Errorf("coordinator_stopped events = %d, want 1", sink.eventCount("coordinator_stopped"))
	}
	// A later explicit Stop is a no-op.
	f.c.Stop(context.Background())
	if sink.eventCount("coordinator_stopped") != 1 {
		t.Error("second Stop ran teardown again")
	}
}

func TestCircuitBreakerSkipsCyclesThenResumes(t *testing.T) {
	t.Parallel()
	sink := newCountSink()
	f := newFixture(t, testConfig(), sink, holdDecision())

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.c.Stop(context.Background())

	// Three straight losses trip the breaker.
	for i := 0; i < 3; i++ {
		f.risk.CloseTrade(-10, -0.001)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.eventCount("circuit_breaker_active") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.eventCount("circuit_breaker_active") == 0 {
		t.Fatal("breaker event never recorded")
	}

	// The fake clock advances one heartbeat per loop, so the 3600s cooldown
	// elapses and cycles resume.
	before := f.market.callCount()
	deadline = time.Now().Add(5 * time.Second)
	for f.market.callCount() <= before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.market.callCount() <= before {
		t.Fatal("cycles did not resume after cooldown")
	}
}

func TestStopCancelsOpenOrdersWhenConfigured(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Safety.ClosePositionsOnShutdown = true
	sink := newCountSink()
	f := newFixture(t, cfg, sink, holdDecision())
	f.exch.openOrders = []types.OrderState{{OrderID: 7}, {OrderID: 8}}

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.c.Stop(context.Background())

	f.exch.mu.Lock()
	canceled := append([]int64(nil), f.exch.canceled...)
	f.exch.mu.Unlock()
	if len(canceled) != 2 {
		t.Fatalf("canceled = %v, want orders 7 and 8", canceled)
	}
}

func TestRiskMetricsIncludeOpenExposure(t *testing.T) {
	t.Parallel()
	sink := &recSink{}
	f := newFixture(t, testConfig(), sink, longDecision())
	f.risk.Initialize(10000)

	f.c.runDecisionCycle(context.Background())

	m := f.c.RiskMetrics()
	if m.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", m.OpenPositions)
	}
	// 0.1 qty at 50000 entry
	if m.TotalExposure != 5000 {
		t.Errorf("exposure = %v, want 5000", m.TotalExposure)
	}
}
