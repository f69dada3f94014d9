package ensemble

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"ensemble-trader/pkg/types"
)

const (
	latencyEWMAAlpha   = 0.2
	minEffectiveWeight = 0.1
	maxEffectiveWeight = 2.0
)

// ModelPerformance tracks one model's rolling quality and responsiveness.
// All methods are safe for concurrent use; the health-check loop updates
// counters while the heartbeat reads effective weights.
type ModelPerformance struct {
	mu sync.Mutex

	name       string
	key        string
	baseWeight float64

	successCount int
	failureCount int
	avgLatencyMs float64
	lastSuccess  time.Time

	// Bounded ring of trade outcomes as +1 / -1 returns.
	outcomes []float64
	next     int
	filled   int
}

// NewModelPerformance creates a tracker with an empty outcome ring of the
// given window size.
func NewModelPerformance(name, key string, baseWeight float64, window int) *ModelPerformance {
	if window <= 0 {
		window = 100
	}
	return &ModelPerformance{
		name:       name,
		key:        key,
		baseWeight: baseWeight,
		outcomes:   make([]float64, window),
	}
}

// RecordSuccess updates the EWMA latency and freshness timestamp.
func (p *ModelPerformance) RecordSuccess(latencyMs float64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successCount++
	p.lastSuccess = now
	if p.avgLatencyMs == 0 {
		p.avgLatencyMs = latencyMs
	} else {
		p.avgLatencyMs = latencyEWMAAlpha*latencyMs + (1-latencyEWMAAlpha)*p.avgLatencyMs
	}
}

// RecordFailure counts a timeout or transport failure.
func (p *ModelPerformance) RecordFailure() {
	p.mu.Lock()
	p.failureCount++
	p.mu.Unlock()
}

// RecordOutcome appends a trade result (+1 win, -1 loss) to the ring.
func (p *ModelPerformance) RecordOutcome(didWin bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := -1.0
	if didWin {
		r = 1.0
	}
	p.outcomes[p.next] = r
	p.next = (p.next + 1) % len(p.outcomes)
	if p.filled < len(p.outcomes) {
		p.filled++
	}
}

// winRate and sharpe over the filled portion of the ring. Callers hold mu.
func (p *ModelPerformance) statsLocked() (winRate, sharpe float64) {
	if p.filled == 0 {
		return 0, 0
	}
	window := p.outcomes[:p.filled]
	wins := 0
	for _, r := range window {
		if r > 0 {
			wins++
		}
	}
	winRate = float64(wins) / float64(p.filled)

	mean := stat.Mean(window, nil)
	std := math.Sqrt(stat.PopVariance(window, nil))
	if std > 0 {
		sharpe = mean / std
	}
	return winRate, sharpe
}

// EffectiveWeight returns the base weight scaled by rolling performance and
// an exponential freshness decay, clamped to [0.1, 2.0]. A model with no
// recorded outcomes keeps its base weight.
func (p *ModelPerformance) EffectiveWeight(now time.Time, halflife time.Duration) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.baseWeight
	if p.filled > 0 {
		winRate, sharpe := p.statsLocked()
		perfMult := 0.6*winRate + 0.4*math.Min(sharpe/2, 1)
		w *= perfMult

		if halflife > 0 && !p.lastSuccess.IsZero() {
			age := now.Sub(p.lastSuccess)
			w *= math.Exp(-age.Seconds() / halflife.Seconds())
		}
	}

	return clamp(w, minEffectiveWeight, maxEffectiveWeight)
}

// Status snapshots the tracker for the dashboard.
func (p *ModelPerformance) Status(now time.Time, halflife time.Duration, enabled bool) types.ModelStatus {
	weight := p.EffectiveWeight(now, halflife)

	p.mu.Lock()
	defer p.mu.Unlock()
	winRate, sharpe := p.statsLocked()
	return types.ModelStatus{
		Name:            p.name,
		Key:             p.key,
		Enabled:         enabled,
		Weight:          weight,
		WinRate:         winRate,
		Sharpe:          sharpe,
		SuccessCount:    p.successCount,
		FailureCount:    p.failureCount,
		AvgLatencyMs:    p.avgLatencyMs,
		LastSuccess:     p.lastSuccess,
		RecordedResults: p.filled,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
