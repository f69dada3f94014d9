// Package risk sizes positions and enforces the hard trading limits: daily
// loss caps, exposure caps, trade pacing, the consecutive-loss circuit
// breaker, and the emergency-shutdown latch.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ensemble-trader/internal/clock"
	"ensemble-trader/internal/config"
	"ensemble-trader/pkg/types"
)

// Verdict is the outcome of trade validation. Reason is set on rejection.
type Verdict struct {
	Approved bool
	Reason   string
}

func reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Manager holds all mutable risk state. The heartbeat is the only writer;
// the breaker and emergency flags are atomics so status reads never block.
type Manager struct {
	trading config.TradingConfig
	safety  config.SafetyConfig
	clk     clock.Clock
	logger  *slog.Logger

	emergency   atomic.Bool
	breakerOpen atomic.Bool

	mu                sync.Mutex
	consecutiveLosses int
	dailyPnl          float64
	dailyTradeCount   int
	dailyResetAt      time.Time
	breakerOpenedAt   time.Time
	lastTradeAt       time.Time
	initialEquity     float64

	wins, losses     int
	winSum, lossSum  float64 // absolute return fractions
}

func NewManager(cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		trading: cfg.Trading,
		safety:  cfg.Safety,
		clk:     clk,
		logger:  logger.With("component", "risk"),
	}
}

// Initialize records the session's starting equity for drawdown limits.
func (m *Manager) Initialize(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialEquity = equity
	m.dailyResetAt = m.clk.Now()
	m.logger.Info("risk manager initialized", "initial_equity", equity)
}

// PositionSize computes a size for the next trade from current equity,
// price, and the rolling trade statistics.
func (m *Manager) PositionSize(equity, price float64) types.PositionSize {
	winRate, avgWin, avgLoss, closed := m.Statistics()
	return ComputeSize(SizingInputs{
		Equity:        equity,
		Price:         price,
		Method:        types.SizingMethod(m.trading.PositionSizeMethod),
		Fraction:      m.trading.PositionSizeFraction,
		FixedUSD:      m.trading.PositionSizeUSD,
		KellyFraction: m.trading.KellyFraction,
		WinRate:       winRate,
		AvgWin:        avgWin,
		AvgLoss:       avgLoss,
		ClosedCount:   closed,
		MinUSD:        m.trading.MinPositionSizeUSD,
		MaxUSD:        m.trading.MaxPositionSizeUSD,
		Leverage:      m.trading.Leverage,
		MaxLeverage:   m.safety.MaxLeverageAllowed,
	})
}

// ValidateTrade applies the rejection rules in a fixed order; the first
// matching rule is reported. A 24h daily reset runs first.
func (m *Manager) ValidateTrade(proposedSizeUSD float64, metrics types.RiskMetrics) Verdict {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeDailyResetLocked(now)

	if m.emergency.Load() {
		return reject("emergency shutdown active")
	}
	if m.breakerOpen.Load() {
		remaining := m.breakerCooldown() - now.Sub(m.breakerOpenedAt)
		if remaining > 0 {
			return reject("circuit breaker open (%.0fs remaining)", remaining.Seconds())
		}
		m.closeBreakerLocked("cooldown elapsed")
	}
	if m.dailyTradeCount >= m.trading.MaxDailyTrades {
		return reject("daily trade limit reached (%d)", m.trading.MaxDailyTrades)
	}
	if m.initialEquity > 0 && m.dailyPnl < 0 &&
		-m.dailyPnl/m.initialEquity > m.safety.MaxDailyLossPercent {
		return reject("daily loss limit reached (%.1f%% of equity)", m.safety.MaxDailyLossPercent*100)
	}
	if m.dailyPnl < -m.safety.MaxDailyLossUSD {
		return reject("daily loss limit reached ($%.2f)", m.safety.MaxDailyLossUSD)
	}
	if metrics.OpenPositions >= m.trading.MaxOpenPositions {
		return reject("max open positions reached (%d)", m.trading.MaxOpenPositions)
	}
	if metrics.TotalExposure+proposedSizeUSD > m.safety.MaxTotalExposureUSD {
		return reject("exposure limit reached ($%.2f + $%.2f > $%.2f)",
			metrics.TotalExposure, proposedSizeUSD, m.safety.MaxTotalExposureUSD)
	}
	if !m.lastTradeAt.IsZero() {
		interval := time.Duration(m.trading.MinTradeIntervalSec) * time.Second
		if since := now.Sub(m.lastTradeAt); since < interval {
			return reject("trade interval not elapsed (%.0fs remaining)", (interval - since).Seconds())
		}
	}
	if proposedSizeUSD > metrics.AvailableMargin {
		return reject("insufficient margin ($%.2f > $%.2f)", proposedSizeUSD, metrics.AvailableMargin)
	}
	return Verdict{Approved: true}
}

// RecordTradeOpened counts an executed entry against the daily budget.
func (m *Manager) RecordTradeOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyTradeCount++
	m.lastTradeAt = m.clk.Now()
}

// CloseTrade folds a closed trade into daily PnL, the loss streak, the
// breaker, and the emergency latch. pnlPct is the trade's return fraction.
func (m *Manager) CloseTrade(pnlUSD, pnlPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnl += pnlUSD
	if pnlUSD < 0 {
		m.consecutiveLosses++
		m.losses++
		m.lossSum += math.Abs(pnlPct)
	} else {
		m.wins++
		m.winSum += pnlPct
		if m.safety.CircuitBreakerResetOnWin {
			m.consecutiveLosses = 0
			if m.breakerOpen.Load() {
				m.closeBreakerLocked("winning trade")
			}
		}
	}

	if m.consecutiveLosses >= m.safety.CircuitBreakerLosses && !m.breakerOpen.Load() {
		m.breakerOpen.Store(true)
		m.breakerOpenedAt = m.clk.Now()
		m.logger.Warn("circuit breaker opened",
			"consecutive_losses", m.consecutiveLosses,
			"cooldown_seconds", m.safety.CircuitBreakerCooldownSec)
	}

	if m.initialEquity > 0 && m.dailyPnl < 0 &&
		-m.dailyPnl/m.initialEquity >= m.safety.EmergencyShutdownLossPercent {
		if !m.emergency.Load() {
			m.emergency.Store(true)
			m.logger.Error("emergency shutdown latched",
				"daily_pnl", m.dailyPnl, "initial_equity", m.initialEquity)
		}
	}
}

// CircuitBreakerActive reports the breaker state, closing it when the
// cooldown has elapsed.
func (m *Manager) CircuitBreakerActive() bool {
	if !m.breakerOpen.Load() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerOpen.Load() && m.clk.Now().Sub(m.breakerOpenedAt) >= m.breakerCooldown() {
		m.closeBreakerLocked("cooldown elapsed")
		return false
	}
	return m.breakerOpen.Load()
}

// EmergencyShutdown reports the sticky latch. Only a restart clears it.
func (m *Manager) EmergencyShutdown() bool {
	return m.emergency.Load()
}

// Statistics returns the rolling win rate and average win/loss returns.
func (m *Manager) Statistics() (winRate, avgWin, avgLoss float64, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed = m.wins + m.losses
	if closed == 0 {
		return 0, 0, 0, 0
	}
	winRate = float64(m.wins) / float64(closed)
	if m.wins > 0 {
		avgWin = m.winSum / float64(m.wins)
	}
	if m.losses > 0 {
		avgLoss = m.lossSum / float64(m.losses)
	}
	return winRate, avgWin, avgLoss, closed
}

// Metrics snapshots the manager's own counters for status and event logging.
func (m *Manager) Metrics() types.RiskMetrics {
	winRate, _, _, _ := m.Statistics()
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.RiskMetrics{
		DailyPnL:          m.dailyPnl,
		DailyTrades:       m.dailyTradeCount,
		ConsecutiveLosses: m.consecutiveLosses,
		WinRate:           winRate,
	}
}

func (m *Manager) breakerCooldown() time.Duration {
	return time.Duration(m.safety.CircuitBreakerCooldownSec) * time.Second
}

// closeBreakerLocked transitions OPEN -> CLOSED. The loss streak survives
// a cooldown close so a single further loss can reopen the breaker.
func (m *Manager) closeBreakerLocked(cause string) {
	m.breakerOpen.Store(false)
	m.breakerOpenedAt = time.Time{}
	if cause == "winning trade" {
		m.consecutiveLosses = 0
	}
	m.logger.Info("circuit breaker closed", "cause", cause)
}

// maybeDailyResetLocked zeroes the daily counters every 24h. The loss
// streak and breaker state deliberately survive the reset.
func (m *Manager) maybeDailyResetLocked(now time.Time) {
	if m.dailyResetAt.IsZero() {
		m.dailyResetAt = now
		return
	}
	if now.Sub(m.dailyResetAt) >= 24*time.Hour {
		m.logger.Info("daily risk counters reset",
			"previous_pnl", m.dailyPnl, "previous_trades", m.dailyTradeCount)
		m.dailyPnl = 0
		m.dailyTradeCount = 0
		m.dailyResetAt = now
	}
}
