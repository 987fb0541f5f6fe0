package scoring

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxAlternates is the number of runner-up proposals reported with a decision
const MaxAlternates = 3

// LowConfidence is reported when no candidate clears the minimum acceptable score
const LowConfidence = 20

// ScoredProposal is the decision engine's view of a proposal already scored on arrival
type ScoredProposal struct {
	ProposalID        uuid.UUID       `json:"proposal_id"`
	CarrierID         string          `json:"carrier_id"`
	CarrierName       string          `json:"carrier_name"`
	Score             int             `json:"score"`
	ProposedPrice     decimal.Decimal `json:"proposed_price"`
	EstimatedPrice    decimal.Decimal `json:"estimated_price"`
	PriceVariationPct decimal.Decimal `json:"price_variation_pct"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// IsExpired reports whether the proposal's validity has lapsed at now
func (p ScoredProposal) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Alternate is a runner-up proposal with a short rationale
type Alternate struct {
	ScoredProposal
	Rationale string `json:"rationale"`
}

// Decision is the outcome of a selection run. Applying it is up to the caller.
type Decision struct {
	Candidate      *ScoredProposal `json:"candidate,omitempty"`
	Alternates     []Alternate     `json:"alternates"`
	CanAutoAccept  bool            `json:"can_auto_accept"`
	MeetsMinimum   bool            `json:"meets_minimum"`
	Recommendation string          `json:"recommendation"`
	Confidence     int             `json:"confidence"`
	CounterOffer   *CounterOffer   `json:"counter_offer,omitempty"`
	Considered     int             `json:"considered"`
	Excluded       int             `json:"excluded"`
}

// HasCandidate reports whether any proposal was eligible
func (d Decision) HasCandidate() bool {
	return d.Candidate != nil
}

// DecisionEngine ranks scored proposals and decides between auto-acceptance,
// negotiation and manual review.
type DecisionEngine struct {
	thresholds Thresholds
	counter    CounterOfferStrategy
}

// NewDecisionEngine creates a decision engine. A nil strategy selects the three-tier ladder.
func NewDecisionEngine(t Thresholds, counter CounterOfferStrategy) *DecisionEngine {
	if counter == nil {
		counter = NewThreeTierLadder()
	}
	return &DecisionEngine{thresholds: t, counter: counter}
}

// Thresholds returns the thresholds the engine decides with
func (d *DecisionEngine) Thresholds() Thresholds {
	return d.thresholds
}

// WithThresholds returns a copy of the engine using t
func (d *DecisionEngine) WithThresholds(t Thresholds) *DecisionEngine {
	return &DecisionEngine{thresholds: t, counter: d.counter}
}

// Decide ranks the proposals that have not expired at now and returns the decision.
// With no live proposal the decision has no candidate.
func (d *DecisionEngine) Decide(proposals []ScoredProposal, now time.Time) Decision {
	live := make([]ScoredProposal, 0, len(proposals))
	for _, p := range proposals {
		if !p.IsExpired(now) {
			live = append(live, p)
		}
	}
	decision := Decision{
		Alternates: make([]Alternate, 0),
		Considered: len(live),
		Excluded:   len(proposals) - len(live),
	}
	if len(live) == 0 {
		decision.Recommendation = "No eligible proposal: wait for more responses or widen the broadcast"
		decision.Confidence = 0
		return decision
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Score > live[j].Score
	})

	head := live[0]
	variation := head.PriceVariationPct.InexactFloat64()
	decision.Candidate = &head
	decision.CanAutoAccept = canAutoAccept(d.thresholds, head.Score, variation)
	decision.MeetsMinimum = head.Score >= d.thresholds.MinAcceptableScore

	for _, alt := range live[1:min(len(live), MaxAlternates+1)] {
		decision.Alternates = append(decision.Alternates, Alternate{
			ScoredProposal: alt,
			Rationale:      rationale(alt),
		})
	}

	if offer, ok := d.counter.Propose(head.ProposedPrice, head.EstimatedPrice, head.Score, d.thresholds.PriceTolerancePercent); ok {
		decision.CounterOffer = &offer
	}

	if decision.MeetsMinimum {
		decision.Confidence = head.Score
	} else {
		decision.Confidence = LowConfidence
	}
	decision.Recommendation = d.recommend(decision, variation)
	return decision
}

func (d *DecisionEngine) recommend(decision Decision, variation float64) string {
	head := decision.Candidate
	name := head.CarrierName
	if name == "" {
		name = head.CarrierID
	}
	switch {
	case !decision.MeetsMinimum:
		return fmt.Sprintf("No acceptable candidate: best score %d is below the minimum of %d",
			head.Score, d.thresholds.MinAcceptableScore)
	case decision.CanAutoAccept:
		return fmt.Sprintf("Auto-accept %s: score %d, price %+.1f%% vs estimate", name, head.Score, variation)
	case decision.CounterOffer != nil:
		return fmt.Sprintf("Negotiate with %s: price %+.1f%% exceeds the %.0f%% tolerance, counter at %s",
			name, variation, d.thresholds.PriceTolerancePercent, decision.CounterOffer.CounterPrice.StringFixed(0))
	default:
		return fmt.Sprintf("Manual review of %s: score %d is below the auto-accept threshold of %d",
			name, head.Score, d.thresholds.AutoAcceptScore)
	}
}

func rationale(p ScoredProposal) string {
	return fmt.Sprintf("score %d (%s), price %+.1f%% vs estimate",
		p.Score, TierFor(p.Score), p.PriceVariationPct.InexactFloat64())
}
