package coordinator

import (
	"ensemble-trader/pkg/types"
)

// Status reports the coordinator's live state for the dashboard.
func (c *Coordinator) Status() types.Status {
	c.mu.Lock()
	open := len(c.positions)
	c.mu.Unlock()

	var uptime float64
	if c.running.Load() {
		uptime = c.clk.Now().Sub(c.startedAt).Seconds()
	}
	return types.Status{
		Running:              c.running.Load(),
		OpenTrades:           open,
		CircuitBreakerActive: c.deps.Risk.CircuitBreakerActive(),
		DryRun:               c.cfg.DryRun,
		Testnet:              c.cfg.Testnet,
		Symbol:               c.cfg.Trading.Symbol,
		HeartbeatInterval:    c.cfg.Timing.HeartbeatInterval().Seconds(),
		UptimeSeconds:        uptime,
	}
}

// ModelStatuses reports per-model performance for the dashboard.
func (c *Coordinator) ModelStatuses() []types.ModelStatus {
	return c.deps.Ensemble.ModelStatuses()
}

// RiskMetrics reports the risk manager's counters plus the coordinator's
// open-position view.
func (c *Coordinator) RiskMetrics() types.RiskMetrics {
	m := c.deps.Risk.Metrics()
	c.mu.Lock()
	m.OpenPositions = len(c.positions)
	for _, p := range c.positions {
		m.TotalExposure += p.trade.EntryPrice * p.trade.Quantity
	}
	m.TotalEquity = c.lastEquity
	c.mu.Unlock()
	return m
}
