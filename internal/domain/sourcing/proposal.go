package sourcing

import (
	"fmt"
	"strings"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProposalStatus represents the status of a carrier proposal
type ProposalStatus string

const (
	ProposalPending     ProposalStatus = "pending"
	ProposalNegotiating ProposalStatus = "negotiating"
	ProposalAccepted    ProposalStatus = "accepted"
	ProposalRejected    ProposalStatus = "rejected"
	ProposalExpired     ProposalStatus = "expired"
)

// IsValid checks if the status is a valid ProposalStatus
func (s ProposalStatus) IsValid() bool {
	switch s {
	case ProposalPending, ProposalNegotiating, ProposalAccepted, ProposalRejected, ProposalExpired:
		return true
	}
	return false
}

// IsOpen reports whether the proposal can still be selected
func (s ProposalStatus) IsOpen() bool {
	return s == ProposalPending || s == ProposalNegotiating
}

// NegotiationKind classifies a negotiation history entry
type NegotiationKind string

const (
	NegotiationProposal     NegotiationKind = "proposal"
	NegotiationCounterOffer NegotiationKind = "counter_offer"
	NegotiationRevision     NegotiationKind = "revision"
	NegotiationMessage      NegotiationKind = "message"
	NegotiationAccepted     NegotiationKind = "accepted"
	NegotiationRejected     NegotiationKind = "rejected"
)

// Negotiation actors
const (
	ActorCarrier = "carrier"
	ActorSystem  = "system"
	ActorShipper = "shipper"
)

// NegotiationEntry is one append-only record of the negotiation history
type NegotiationEntry struct {
	At      time.Time        `json:"at"`
	Actor   string           `json:"actor"`
	Kind    NegotiationKind  `json:"kind"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Message string           `json:"message,omitempty"`
}

// CarrierProposal is a carrier's priced response to a sourcing session
type CarrierProposal struct {
	shared.BaseAggregateRoot
	SessionID          uuid.UUID
	OrganizationID     string
	CarrierID          string
	CarrierName        string
	ProposedPrice      decimal.Decimal
	OriginalEstimate   decimal.Decimal
	PriceVariationPct  decimal.Decimal
	Score              int
	ScoreBreakdown     scoring.Breakdown
	Tier               scoring.Tier
	Status             ProposalStatus
	PickupDate         time.Time
	DeliveryDate       time.Time
	VehicleType        string
	Comment            string
	ResponseTime       time.Duration
	ExpiresAt          *time.Time
	CounterOffer       *scoring.CounterOffer
	NegotiationHistory []NegotiationEntry
	DecidedAt          *time.Time
	RejectionReason    string
}

// ProposalInput holds the carrier-supplied fields of a proposal
type ProposalInput struct {
	CarrierID     string
	CarrierName   string
	ProposedPrice decimal.Decimal
	PickupDate    time.Time
	DeliveryDate  time.Time
	VehicleType   string
	Comment       string
	ResponseTime  time.Duration
	ExpiresAt     *time.Time
}

// Validate checks the carrier-supplied fields
func (in ProposalInput) Validate() error {
	if strings.TrimSpace(in.CarrierID) == "" {
		return shared.NewValidationError("carrier id is required")
	}
	if !in.ProposedPrice.IsPositive() {
		return shared.NewValidationError("proposed price must be positive")
	}
	if in.PickupDate.IsZero() || in.DeliveryDate.IsZero() {
		return shared.NewValidationError("pickup and delivery dates are required")
	}
	if in.DeliveryDate.Before(in.PickupDate) {
		return shared.NewValidationError("delivery date cannot be before pickup date")
	}
	if in.ResponseTime < 0 {
		return shared.NewValidationError("response time cannot be negative")
	}
	return nil
}

// NewCarrierProposal creates a pending proposal for a session
func NewCarrierProposal(session *SourcingSession, in ProposalInput) (*CarrierProposal, error) {
	if session == nil {
		return nil, shared.NewValidationError("session is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	p := &CarrierProposal{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		SessionID:         session.ID,
		OrganizationID:    session.OrganizationID,
		CarrierID:         strings.TrimSpace(in.CarrierID),
		CarrierName:       in.CarrierName,
		OriginalEstimate:  session.Order.EstimatedPrice,
		Status:            ProposalPending,
		PickupDate:        in.PickupDate,
		DeliveryDate:      in.DeliveryDate,
		VehicleType:       in.VehicleType,
		Comment:           in.Comment,
		ResponseTime:      in.ResponseTime,
		ExpiresAt:         in.ExpiresAt,
	}
	p.setPrice(in.ProposedPrice)
	p.appendHistory(ActorCarrier, NegotiationProposal, &in.ProposedPrice, in.Comment, p.CreatedAt)
	return p, nil
}

// setPrice is the only writer of ProposedPrice and PriceVariationPct
func (p *CarrierProposal) setPrice(price decimal.Decimal) {
	p.ProposedPrice = price
	p.PriceVariationPct = scoring.PriceVariationPct(price, p.OriginalEstimate)
}

func (p *CarrierProposal) appendHistory(actor string, kind NegotiationKind, price *decimal.Decimal, msg string, at time.Time) {
	entry := NegotiationEntry{At: at, Actor: actor, Kind: kind, Message: msg}
	if price != nil {
		pc := *price
		entry.Price = &pc
	}
	p.NegotiationHistory = append(p.NegotiationHistory, entry)
}

// Candidate returns the scoring input for this proposal
func (p *CarrierProposal) Candidate() scoring.Candidate {
	c := scoring.Candidate{
		CarrierID:     p.CarrierID,
		CarrierName:   p.CarrierName,
		ProposedPrice: p.ProposedPrice,
	}
	if p.ResponseTime > 0 {
		rt := p.ResponseTime
		c.ResponseTime = &rt
	}
	return c
}

// ApplyScore stores a scoring result computed for the current price
func (p *CarrierProposal) ApplyScore(res scoring.Result) {
	p.Score = res.Total
	p.ScoreBreakdown = res.Breakdown
	p.Tier = res.Tier
	p.UpdatedAt = time.Now()
}

// IsExpired reports whether the proposal validity has lapsed at now
func (p *CarrierProposal) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// IsSelectable reports whether the proposal may be ranked at now
func (p *CarrierProposal) IsSelectable(now time.Time) bool {
	return p.Status.IsOpen() && !p.IsExpired(now)
}

// AttachCounterOffer records a system counter-offer and opens negotiation
func (p *CarrierProposal) AttachCounterOffer(offer scoring.CounterOffer, now time.Time) error {
	if !p.Status.IsOpen() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Cannot counter a proposal in %s status", p.Status))
	}
	o := offer
	p.CounterOffer = &o
	p.Status = ProposalNegotiating
	p.appendHistory(ActorSystem, NegotiationCounterOffer, &o.CounterPrice, o.Message, now)
	p.UpdatedAt = now
	return nil
}

// Revise changes the proposed price during negotiation
func (p *CarrierProposal) Revise(price decimal.Decimal, actor, message string, now time.Time) error {
	if !p.Status.IsOpen() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Cannot revise a proposal in %s status", p.Status))
	}
	if !price.IsPositive() {
		return shared.NewValidationError("revised price must be positive")
	}
	p.setPrice(price)
	p.appendHistory(actor, NegotiationRevision, &price, message, now)
	p.UpdatedAt = now
	return nil
}

// AddMessage appends a free-form negotiation message to an open proposal
func (p *CarrierProposal) AddMessage(actor, message string, now time.Time) error {
	if !p.Status.IsOpen() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Cannot message on a proposal in %s status", p.Status))
	}
	if strings.TrimSpace(message) == "" {
		return shared.NewValidationError("message cannot be empty")
	}
	p.appendHistory(actor, NegotiationMessage, nil, message, now)
	p.UpdatedAt = now
	return nil
}

// accept marks the proposal as the session winner
func (p *CarrierProposal) accept(finalPrice decimal.Decimal, now time.Time) {
	p.Status = ProposalAccepted
	p.DecidedAt = &now
	p.appendHistory(ActorSystem, NegotiationAccepted, &finalPrice, "", now)
	p.UpdatedAt = now
}

// reject closes the proposal; accepted proposals are never rejected
func (p *CarrierProposal) reject(reason string, now time.Time) {
	if p.Status == ProposalAccepted || p.Status == ProposalRejected {
		return
	}
	p.Status = ProposalRejected
	p.RejectionReason = reason
	p.DecidedAt = &now
	p.appendHistory(ActorSystem, NegotiationRejected, nil, reason, now)
	p.UpdatedAt = now
}

// Disqualify rejects an open proposal whose carrier no longer passes the
// compliance gate
func (p *CarrierProposal) Disqualify(reason string, now time.Time) error {
	if !p.Status.IsOpen() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Cannot disqualify a proposal in %s status", p.Status))
	}
	p.reject(reason, now)
	return nil
}

// Expire marks an open proposal whose validity lapsed
func (p *CarrierProposal) Expire(now time.Time) bool {
	if !p.Status.IsOpen() || !p.IsExpired(now) {
		return false
	}
	p.Status = ProposalExpired
	p.DecidedAt = &now
	p.UpdatedAt = now
	return true
}

// Scored returns the decision engine view of the proposal
func (p *CarrierProposal) Scored() scoring.ScoredProposal {
	return scoring.ScoredProposal{
		ProposalID:        p.ID,
		CarrierID:         p.CarrierID,
		CarrierName:       p.CarrierName,
		Score:             p.Score,
		ProposedPrice:     p.ProposedPrice,
		EstimatedPrice:    p.OriginalEstimate,
		PriceVariationPct: p.PriceVariationPct,
		ExpiresAt:         p.ExpiresAt,
		ReceivedAt:        p.CreatedAt,
	}
}
