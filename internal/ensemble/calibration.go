package ensemble

import (
	"sort"
	"sync"
)

// Calibrator maps aggregate scores in [-1, 1] to win probabilities in [0, 1].
//
// Until enough (score, outcome) samples accumulate it falls back to the
// linear transform (score+1)/2. Once minSamples are recorded it fits an
// isotonic regression by pool-adjacent-violators and refits every
// retrainEvery additional samples.
type Calibrator struct {
	mu sync.Mutex

	minSamples   int
	retrainEvery int

	scores   []float64
	outcomes []float64
	pending  int

	// Fitted step function: breakpoints ascending, values monotone.
	fitScores []float64
	fitProbs  []float64
}

func NewCalibrator(minSamples, retrainEvery int) *Calibrator {
	if minSamples <= 0 {
		minSamples = 50
	}
	if retrainEvery <= 0 {
		retrainEvery = 25
	}
	return &Calibrator{minSamples: minSamples, retrainEvery: retrainEvery}
}

// AddSample records one decision outcome and refits when due.
func (c *Calibrator) AddSample(score float64, won bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := 0.0
	if won {
		outcome = 1.0
	}
	c.scores = append(c.scores, score)
	c.outcomes = append(c.outcomes, outcome)
	c.pending++

	if len(c.scores) >= c.minSamples && (c.fitScores == nil || c.pending >= c.retrainEvery) {
		c.fitLocked()
		c.pending = 0
	}
}

// Calibrate returns the win probability for an aggregate score, clamped to
// [0, 1].
func (c *Calibrator) Calibrate(score float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fitScores == nil {
		return clamp((score+1)/2, 0, 1)
	}

	// Step lookup: probability of the largest breakpoint <= score.
	i := sort.SearchFloat64s(c.fitScores, score)
	if i == len(c.fitScores) || (c.fitScores[i] != score && i > 0) {
		i--
	}
	if i < 0 {
		i = 0
	}
	return clamp(c.fitProbs[i], 0, 1)
}

// Fitted reports whether an isotonic fit is in use.
func (c *Calibrator) Fitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fitScores != nil
}

// fitLocked runs pool-adjacent-violators over the samples sorted by score.
func (c *Calibrator) fitLocked() {
	n := len(c.scores)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return c.scores[idx[a]] < c.scores[idx[b]] })

	type block struct {
		sum    float64
		count  float64
		score  float64 // leftmost score in the block
	}
	blocks := make([]block, 0, n)
	for _, i := range idx {
		blocks = append(blocks, block{sum: c.outcomes[i], count: 1, score: c.scores[i]})
		// Merge while the monotonicity constraint is violated.
		for len(blocks) >= 2 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sum/prev.count <= last.sum/last.count {
				break
			}
			merged := block{
				sum:   prev.sum + last.sum,
				count: prev.count + last.count,
				score: prev.score,
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	c.fitScores = make([]float64, len(blocks))
	c.fitProbs = make([]float64, len(blocks))
	for i, b := range blocks {
		c.fitScores[i] = b.score
		c.fitProbs[i] = b.sum / b.count
	}
}
