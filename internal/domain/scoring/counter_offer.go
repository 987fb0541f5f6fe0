package scoring

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CounterOffer is a system-generated price proposed back to a carrier
type CounterOffer struct {
	TargetVariationPct int             `json:"target_variation_pct"`
	CounterPrice       decimal.Decimal `json:"counter_price"`
	Message            string          `json:"message"`
	Strategy           string          `json:"strategy"`
}

// CounterOfferStrategy decides the counter price for a bid above tolerance
type CounterOfferStrategy interface {
	// Name returns the unique name of the strategy
	Name() string
	// Description returns a human-readable description
	Description() string
	// Propose returns a counter-offer, or false when the bid is within tolerance
	Propose(proposed, estimate decimal.Decimal, score int, tolerancePct float64) (CounterOffer, bool)
}

// LadderStep is one rung of a counter-offer ladder: candidates scoring at
// least MinScore are countered at TargetPct above the estimate.
type LadderStep struct {
	MinScore  int
	TargetPct int
}

// TieredLadder counters at a target overage chosen by the candidate's score
type TieredLadder struct {
	name  string
	steps []LadderStep
}

// ThreeTierLadderName is the name of the default ladder
const ThreeTierLadderName = "three_tier_ladder"

// EstimateOnlyName is the name of the strategy that always counters at the estimate
const EstimateOnlyName = "estimate_only"

// NewThreeTierLadder returns the default ladder: +10% for scores of 80 and
// above, +5% from 70, the plain estimate below.
func NewThreeTierLadder() *TieredLadder {
	return &TieredLadder{
		name: ThreeTierLadderName,
		steps: []LadderStep{
			{MinScore: 80, TargetPct: 10},
			{MinScore: 70, TargetPct: 5},
			{MinScore: 0, TargetPct: 0},
		},
	}
}

// NewEstimateOnly returns a ladder that always counters at the estimate
func NewEstimateOnly() *TieredLadder {
	return &TieredLadder{
		name:  EstimateOnlyName,
		steps: []LadderStep{{MinScore: 0, TargetPct: 0}},
	}
}

// Name implements CounterOfferStrategy
func (l *TieredLadder) Name() string {
	return l.name
}

// Description implements CounterOfferStrategy
func (l *TieredLadder) Description() string {
	return fmt.Sprintf("counter-offer ladder with %d tier(s)", len(l.steps))
}

// Propose implements CounterOfferStrategy
func (l *TieredLadder) Propose(proposed, estimate decimal.Decimal, score int, tolerancePct float64) (CounterOffer, bool) {
	if !estimate.IsPositive() {
		return CounterOffer{}, false
	}
	if PriceVariationPct(proposed, estimate).InexactFloat64() <= tolerancePct {
		return CounterOffer{}, false
	}

	target := 0
	for _, step := range l.steps {
		if score >= step.MinScore {
			target = step.TargetPct
			break
		}
	}
	price := CounterPrice(estimate, target)

	return CounterOffer{
		TargetVariationPct: target,
		CounterPrice:       price,
		Message: fmt.Sprintf("We propose %s for this mission. This rate is based on our market analysis and your carrier profile.",
			price.StringFixed(0)),
		Strategy: l.name,
	}, true
}

// CounterPrice returns round(estimate * (1 + targetPct/100))
func CounterPrice(estimate decimal.Decimal, targetPct int) decimal.Decimal {
	return estimate.Mul(decimal.NewFromInt(int64(100 + targetPct))).Div(hundred).Round(0)
}
