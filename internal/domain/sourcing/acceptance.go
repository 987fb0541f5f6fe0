package sourcing

import (
	"fmt"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RejectionReasonOtherSelected is recorded on siblings of an accepted proposal
const RejectionReasonOtherSelected = "another carrier was selected"

// RejectionReasonSessionEnded is recorded on open proposals of an ended session
const RejectionReasonSessionEnded = "sourcing session ended"

// AcceptParams describe a manual or automatic acceptance
type AcceptParams struct {
	// ProposalID selects the winner; CarrierID is used when it is nil
	ProposalID    *uuid.UUID
	CarrierID     string
	FinalPrice    decimal.Decimal
	TrackingLevel TrackingLevel
}

// SelectionOutcome is what applying a decision changed
type SelectionOutcome struct {
	Decision     scoring.Decision
	Accepted     *CarrierProposal
	CounterOffer *CarrierProposal
	Changed      []*CarrierProposal
}

// expireLapsed marks every open proposal whose validity lapsed at now
func expireLapsed(proposals []*CarrierProposal, now time.Time) []*CarrierProposal {
	changed := make([]*CarrierProposal, 0)
	for _, p := range proposals {
		if p.Expire(now) {
			changed = append(changed, p)
		}
	}
	return changed
}

// ApplyDecision runs the decision engine over the session's proposals and
// applies the outcome. Nothing is mutated unless every precondition holds:
// with no live proposal, or a best score under the minimum, it returns an
// INELIGIBLE error. An auto-acceptable candidate is accepted and the session
// assigned; otherwise the session stays in selecting and any counter-offer is
// attached to the candidate. Open proposals whose validity lapsed are marked
// expired and reported in Changed.
func ApplyDecision(s *SourcingSession, proposals []*CarrierProposal, engine *scoring.DecisionEngine, now time.Time) (SelectionOutcome, error) {
	if err := s.CheckCanSelect(); err != nil {
		return SelectionOutcome{}, err
	}
	if err := checkMembership(s, proposals); err != nil {
		return SelectionOutcome{}, err
	}

	open := make([]*CarrierProposal, 0, len(proposals))
	scored := make([]scoring.ScoredProposal, 0, len(proposals))
	for _, p := range proposals {
		if p.Status.IsOpen() {
			open = append(open, p)
			scored = append(scored, p.Scored())
		}
	}
	decision := engine.Decide(scored, now)
	outcome := SelectionOutcome{Decision: decision}

	if !decision.HasCandidate() {
		return outcome, shared.NewIneligibleError("No eligible proposal for session %s", s.ID).
			WithDetail("considered", decision.Considered).
			WithDetail("expired", decision.Excluded)
	}
	if !decision.MeetsMinimum {
		return outcome, shared.NewIneligibleError("Best proposal scores %d, below the minimum of %d",
			decision.Candidate.Score, engine.Thresholds().MinAcceptableScore).
			WithDetail("best_score", decision.Candidate.Score).
			WithDetail("min_acceptable_score", engine.Thresholds().MinAcceptableScore)
	}

	winner := findByID(open, decision.Candidate.ProposalID)
	if winner == nil {
		return outcome, fmt.Errorf("decision candidate %s is not among the session proposals", decision.Candidate.ProposalID)
	}

	outcome.Changed = expireLapsed(proposals, now)
	s.recordSelection(SelectionSummary{
		ProposalID:     winner.ID,
		CarrierID:      winner.CarrierID,
		Score:          winner.Score,
		CanAutoAccept:  decision.CanAutoAccept,
		Confidence:     decision.Confidence,
		Recommendation: decision.Recommendation,
		SelectedAt:     now,
	})

	if decision.CanAutoAccept {
		outcome.Changed = append(outcome.Changed, acceptWinner(s, proposals, winner, winner.ProposedPrice, TrackingBasic, now)...)
		outcome.Accepted = winner
		return outcome, nil
	}

	if decision.CounterOffer != nil {
		if err := winner.AttachCounterOffer(*decision.CounterOffer, now); err != nil {
			return outcome, err
		}
		s.recordCounterOffer(winner)
		outcome.CounterOffer = winner
		outcome.Changed = append(outcome.Changed, winner)
	}
	return outcome, nil
}

// AcceptProposal assigns the session to one proposal chosen by the caller.
// The winner is accepted, every sibling rejected and the session assigned in
// one step; every precondition is checked before anything changes.
func AcceptProposal(s *SourcingSession, proposals []*CarrierProposal, params AcceptParams, now time.Time) (*CarrierProposal, []*CarrierProposal, error) {
	if err := s.CheckCanSelect(); err != nil {
		return nil, nil, err
	}
	if err := checkMembership(s, proposals); err != nil {
		return nil, nil, err
	}

	var winner *CarrierProposal
	switch {
	case params.ProposalID != nil:
		winner = findByID(proposals, *params.ProposalID)
		if winner == nil {
			return nil, nil, shared.NewNotFoundError("proposal", params.ProposalID.String())
		}
	case params.CarrierID != "":
		for _, p := range proposals {
			if p.CarrierID == params.CarrierID {
				winner = p
				break
			}
		}
		if winner == nil {
			return nil, nil, shared.NewNotFoundError("proposal of carrier", params.CarrierID)
		}
	default:
		return nil, nil, shared.NewValidationError("proposal id or carrier id is required")
	}

	if !winner.Status.IsOpen() {
		return nil, nil, shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Proposal %s is %s and cannot be accepted", winner.ID, winner.Status))
	}
	if winner.IsExpired(now) {
		return nil, nil, shared.NewIneligibleError("Proposal %s expired", winner.ID)
	}

	finalPrice := params.FinalPrice
	if finalPrice.IsZero() {
		finalPrice = winner.ProposedPrice
	}
	if !finalPrice.IsPositive() {
		return nil, nil, shared.NewValidationError("final price must be positive")
	}
	level := params.TrackingLevel
	if level == "" {
		level = TrackingBasic
	}
	if !level.IsValid() {
		return nil, nil, shared.NewValidationError("invalid tracking level: %s", level)
	}

	if s.Status == StatusAwaitingResponses {
		s.recordSelection(SelectionSummary{
			ProposalID:     winner.ID,
			CarrierID:      winner.CarrierID,
			Score:          winner.Score,
			Manual:         true,
			Confidence:     winner.Score,
			Recommendation: fmt.Sprintf("Manual assignment to %s", winner.CarrierID),
			SelectedAt:     now,
		})
	}
	changed := expireLapsed(proposals, now)
	changed = append(changed, acceptWinner(s, proposals, winner, finalPrice, level, now)...)
	return winner, changed, nil
}

// CloseOpenProposals rejects every proposal still open when a session ends
func CloseOpenProposals(proposals []*CarrierProposal, now time.Time) []*CarrierProposal {
	changed := make([]*CarrierProposal, 0)
	for _, p := range proposals {
		if p.Status.IsOpen() {
			p.reject(RejectionReasonSessionEnded, now)
			changed = append(changed, p)
		}
	}
	return changed
}

func acceptWinner(s *SourcingSession, proposals []*CarrierProposal, winner *CarrierProposal, finalPrice decimal.Decimal, level TrackingLevel, now time.Time) []*CarrierProposal {
	changed := make([]*CarrierProposal, 0, len(proposals))
	winner.accept(finalPrice, now)
	changed = append(changed, winner)
	for _, p := range proposals {
		if p.ID == winner.ID {
			continue
		}
		if p.Status.IsOpen() {
			p.reject(RejectionReasonOtherSelected, now)
			changed = append(changed, p)
		}
	}
	s.assign(winner, finalPrice, level, now)
	return changed
}

func checkMembership(s *SourcingSession, proposals []*CarrierProposal) error {
	for _, p := range proposals {
		if p.SessionID != s.ID {
			return shared.NewValidationError("proposal %s belongs to another session", p.ID)
		}
		if p.Status == ProposalAccepted {
			return shared.NewConflictError("Session %s already has an accepted proposal", s.ID)
		}
	}
	return nil
}

func findByID(proposals []*CarrierProposal, id uuid.UUID) *CarrierProposal {
	for _, p := range proposals {
		if p.ID == id {
			return p
		}
	}
	return nil
}
