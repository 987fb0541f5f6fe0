package scoring

import "sort"

// Rank scores every candidate and orders the results by total score,
// highest first. Candidates with equal scores keep their arrival order.
func (e *Engine) Rank(candidates []Candidate, o Order) []Result {
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = e.Score(c, o)
	}
	SortResults(results)
	return results
}

// SortResults stable-sorts results by total score descending
func SortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Total > results[j].Total
	})
}

// SelectBest returns the top-ranked candidate when it clears the minimum
// acceptable score. ok is false when there is no acceptable candidate.
func (e *Engine) SelectBest(candidates []Candidate, o Order) (best Result, ok bool) {
	ranked := e.Rank(candidates, o)
	if len(ranked) == 0 {
		return Result{}, false
	}
	if ranked[0].Total < e.config.Thresholds.MinAcceptableScore {
		return Result{}, false
	}
	return ranked[0], true
}

// CanAutoAccept reports whether a score and price variation both clear the auto-accept gates
func (e *Engine) CanAutoAccept(score int, variationPct float64) bool {
	return canAutoAccept(e.config.Thresholds, score, variationPct)
}

func canAutoAccept(t Thresholds, score int, variationPct float64) bool {
	return score >= t.AutoAcceptScore && variationPct <= t.PriceTolerancePercent
}
