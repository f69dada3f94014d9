package ensemble

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"ensemble-trader/pkg/types"
)

// weighted pairs a prediction with the model's effective weight at fusion time.
type weighted struct {
	pred   types.ModelPrediction
	weight float64
}

// fused is the raw result of one fusion method, before calibration and the
// confidence / expected-value gates.
type fused struct {
	action     types.Action
	confidence float64
	aggScore   float64 // weighted aggregate of raw scores, in [-1, 1]
	votes      []types.ModelVote
}

// actionOrder fixes the iteration order for per-action tallies so that
// argmax ties resolve the same way on every run.
var actionOrder = [3]types.Action{types.ActionLong, types.ActionShort, types.ActionHold}

// fuse combines weighted predictions with the configured method. The caller
// guarantees at least one prediction.
func fuse(method string, preds []weighted) (fused, error) {
	switch method {
	case "weighted_vote":
		return fuseWeightedVote(preds), nil
	case "bayesian_weighted":
		return fuseBayesian(preds), nil
	case "average_confidence":
		return fuseAverageConfidence(preds), nil
	case "majority":
		return fuseMajority(preds), nil
	default:
		return fused{}, fmt.Errorf("unknown fusion method %q", method)
	}
}

// fuseWeightedVote sums confidence·weight per action and picks the argmax.
// Final confidence is the winning sum normalized by total weight.
func fuseWeightedVote(preds []weighted) fused {
	votes := map[types.Action]float64{}
	var totalWeight float64
	for _, p := range preds {
		votes[p.pred.Action] += p.pred.Confidence * p.weight
		totalWeight += p.weight
	}

	winner := argmax(votes)
	confidence := 0.0
	if totalWeight > 0 {
		confidence = votes[winner] / totalWeight
	}
	return fused{
		action:     winner,
		confidence: confidence,
		aggScore:   weightedMeanScore(preds),
		votes:      voteSummary(preds),
	}
}

// fuseBayesian combines raw scores with inverse-variance weighting, treating
// (1 - confidence) as each model's variance. The action is decided later
// from the calibrated probability of the aggregate score.
func fuseBayesian(preds []weighted) fused {
	var scoreSum, weightSum float64
	for _, p := range preds {
		variance := max(1-p.pred.Confidence, 0.01)
		w := p.weight * p.pred.Confidence / variance
		scoreSum += p.pred.RawScore * w
		weightSum += w
	}

	agg := 0.0
	if weightSum > 0 {
		agg = scoreSum / weightSum
	}
	// Action and confidence are derived from the calibrated probability by
	// the aggregator; placeholders here keep the struct uniform.
	return fused{
		action:   types.ActionHold,
		aggScore: agg,
		votes:    voteSummary(preds),
	}
}

// fuseAverageConfidence takes the per-action mean confidence and picks the
// argmax.
func fuseAverageConfidence(preds []weighted) fused {
	sums := map[types.Action]float64{}
	counts := map[types.Action]int{}
	for _, p := range preds {
		sums[p.pred.Action] += p.pred.Confidence
		counts[p.pred.Action]++
	}

	means := map[types.Action]float64{}
	for a, sum := range sums {
		means[a] = sum / float64(counts[a])
	}

	winner := argmax(means)
	return fused{
		action:     winner,
		confidence: means[winner],
		aggScore:   weightedMeanScore(preds),
		votes:      voteSummary(preds),
	}
}

// fuseMajority counts votes per action; confidence is the winner's share.
func fuseMajority(preds []weighted) fused {
	counts := map[types.Action]float64{}
	for _, p := range preds {
		counts[p.pred.Action]++
	}

	winner := argmax(counts)
	return fused{
		action:     winner,
		confidence: counts[winner] / float64(len(preds)),
		aggScore:   weightedMeanScore(preds),
		votes:      voteSummary(preds),
	}
}

// argmax returns the action with the strictly highest tally, resolving ties
// in favor of the earlier entry in actionOrder.
func argmax(tally map[types.Action]float64) types.Action {
	best := actionOrder[0]
	bestV := tally[best]
	for _, a := range actionOrder[1:] {
		if tally[a] > bestV {
			best, bestV = a, tally[a]
		}
	}
	return best
}

func weightedMeanScore(preds []weighted) float64 {
	var sum, weightSum float64
	for _, p := range preds {
		sum += p.pred.RawScore * p.weight
		weightSum += p.weight
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

func voteSummary(preds []weighted) []types.ModelVote {
	votes := make([]types.ModelVote, 0, len(preds))
	for _, p := range preds {
		votes = append(votes, types.ModelVote{
			Name:       p.pred.ModelName,
			Action:     p.pred.Action,
			Confidence: p.pred.Confidence,
			Weight:     p.weight,
		})
	}
	return votes
}

// scoreUncertainty is the population standard deviation of raw scores.
// Zero when only one model responded.
func scoreUncertainty(preds []weighted) float64 {
	if len(preds) < 2 {
		return 0
	}
	scores := make([]float64, len(preds))
	for i, p := range preds {
		scores[i] = p.pred.RawScore
	}
	return stat.PopStdDev(scores, nil)
}
