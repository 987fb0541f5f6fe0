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

// ShortlistCandidate is a carrier discovered for a session, with the match
// score it arrived with from the matching collaborator.
type ShortlistCandidate struct {
	CarrierID          string                  `json:"carrier_id"`
	CarrierName        string                  `json:"carrier_name"`
	MatchScore         int                     `json:"match_score"`
	DistanceToPickupKm *float64                `json:"distance_to_pickup_km,omitempty"`
	History            *scoring.CarrierHistory `json:"history,omitempty"`
	VigilanceScore     *int                    `json:"vigilance_score,omitempty"`
	Email              string                  `json:"email,omitempty"`
	Phone              string                  `json:"phone,omitempty"`
}

// BroadcastStats are the delivery counters of a broadcast
type BroadcastStats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Responded int `json:"responded"`
}

// BroadcastInfo describes the dispatch of the opportunity to the shortlist
type BroadcastInfo struct {
	ID         uuid.UUID      `json:"id"`
	Channels   []Channel      `json:"channels"`
	Recipients int            `json:"recipients"`
	StartedAt  time.Time      `json:"started_at"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
	Stats      BroadcastStats `json:"stats"`
}

// HasChannel reports whether c is one of the broadcast channels
func (b *BroadcastInfo) HasChannel(c Channel) bool {
	for _, ch := range b.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// SelectionSummary records the outcome of the last selection run
type SelectionSummary struct {
	ProposalID     uuid.UUID `json:"proposal_id"`
	CarrierID      string    `json:"carrier_id"`
	Score          int       `json:"score"`
	CanAutoAccept  bool      `json:"can_auto_accept"`
	Manual         bool      `json:"manual"`
	Confidence     int       `json:"confidence"`
	Recommendation string    `json:"recommendation"`
	SelectedAt     time.Time `json:"selected_at"`
}

// Assignment is the carrier an order was placed with
type Assignment struct {
	ID                uuid.UUID       `json:"id"`
	ProposalID        uuid.UUID       `json:"proposal_id"`
	CarrierID         string          `json:"carrier_id"`
	CarrierName       string          `json:"carrier_name"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	TrackingLevel     TrackingLevel   `json:"tracking_level"`
	TrackingRef       string          `json:"tracking_ref"`
	AssignedAt        time.Time       `json:"assigned_at"`
	VehiclePlate      string          `json:"vehicle_plate,omitempty"`
	DriverName        string          `json:"driver_name,omitempty"`
	PickupConfirmedAt *time.Time      `json:"pickup_confirmed_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
}

// ComplianceRejection is a carrier excluded by the compliance gate
type ComplianceRejection struct {
	CarrierID string
	Stage     string
	Status    string
	Score     int
	Reasons   []string
}

// Route is the origin and destination of the order
type Route struct {
	OriginCity            string `json:"origin_city"`
	OriginPostalCode      string `json:"origin_postal_code,omitempty"`
	DestinationCity       string `json:"destination_city"`
	DestinationPostalCode string `json:"destination_postal_code,omitempty"`
}

// TriggerParams are the inputs of a new sourcing session
type TriggerParams struct {
	OrderID        string
	OrganizationID string
	TriggerType    TriggerType
	Priority       Priority
	Reason         string
	TriggeredBy    string
	Route          Route
	Order          scoring.Order
}

// SourcingSession is one end-to-end attempt to place an order with a carrier.
// At most one session per order may be active at a time; repositories enforce it.
type SourcingSession struct {
	shared.OrgAggregateRoot
	OrderID              string
	Status               SessionStatus
	TriggerType          TriggerType
	Priority             Priority
	TriggerReason        string
	TriggeredBy          string
	Route                Route
	Order                scoring.Order
	Complexity           *scoring.Complexity
	ShortlistID          *uuid.UUID
	Shortlist            []ShortlistCandidate
	Broadcast            *BroadcastInfo
	ResponseCount        int
	ComplianceRejections int
	Selection            *SelectionSummary
	SelectedProposalID   *uuid.UUID
	Assignment           *Assignment
	ClosedReason         string
	ClosedAt             *time.Time
}

// NewSourcingSession creates a pending session for an order
func NewSourcingSession(p TriggerParams) (*SourcingSession, error) {
	orderID := strings.TrimSpace(p.OrderID)
	if orderID == "" {
		return nil, shared.NewValidationError("order id is required")
	}
	if strings.TrimSpace(p.OrganizationID) == "" {
		return nil, shared.NewValidationError("organization id is required")
	}
	if p.TriggerType == "" {
		p.TriggerType = TriggerManual
	}
	if !p.TriggerType.IsValid() {
		return nil, shared.NewValidationError("invalid trigger type: %s", p.TriggerType)
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if !p.Priority.IsValid() {
		return nil, shared.NewValidationError("invalid priority: %s", p.Priority)
	}
	if !p.Order.EstimatedPrice.IsPositive() {
		return nil, shared.NewValidationError("estimated price must be positive")
	}
	if p.Order.DistanceKm < 0 || p.Order.WeightKg < 0 {
		return nil, shared.NewValidationError("distance and weight cannot be negative")
	}
	if !p.Order.PickupAt.IsZero() && !p.Order.DeliveryAt.IsZero() && p.Order.DeliveryAt.Before(p.Order.PickupAt) {
		return nil, shared.NewValidationError("delivery date cannot be before pickup date")
	}

	order := p.Order
	order.OrderID = orderID
	order.Requirements = append([]string(nil), p.Order.Requirements...)

	return &SourcingSession{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(strings.TrimSpace(p.OrganizationID)),
		OrderID:          orderID,
		Status:           StatusPending,
		TriggerType:      p.TriggerType,
		Priority:         p.Priority,
		TriggerReason:    p.Reason,
		TriggeredBy:      p.TriggeredBy,
		Route:            p.Route,
		Order:            order,
		Shortlist:        make([]ShortlistCandidate, 0),
	}, nil
}

// CheckTransition validates a move to target without mutating the session.
// Terminal sessions report a conflict, other invalid sources an invalid state.
func (s *SourcingSession) CheckTransition(target SessionStatus) error {
	if s.Status.IsTerminal() {
		return shared.NewConflictError("Session is already %s", s.Status)
	}
	if !s.Status.CanTransitionTo(target) {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Cannot move session from %s to %s", s.Status, target))
	}
	return nil
}

func (s *SourcingSession) moveTo(target SessionStatus, now time.Time) {
	s.Status = target
	s.UpdatedAt = now
}

// IsActive reports whether the session still holds its order
func (s *SourcingSession) IsActive() bool {
	return s.Status.IsActive()
}

// BeginAnalysis accepts the trigger and records the order complexity
func (s *SourcingSession) BeginAnalysis(c scoring.Complexity, now time.Time) error {
	if err := s.CheckTransition(StatusAnalyzing); err != nil {
		return err
	}
	cc := c
	cc.Factors = append([]string(nil), c.Factors...)
	s.Complexity = &cc
	s.moveTo(StatusAnalyzing, now)
	s.AddDomainEvent(NewSessionTriggeredEvent(s))
	return nil
}

// GenerateShortlist stores the candidates in the order the matcher supplied them
func (s *SourcingSession) GenerateShortlist(candidates []ShortlistCandidate, now time.Time) (uuid.UUID, error) {
	if err := s.CheckTransition(StatusShortlistGenerated); err != nil {
		return uuid.Nil, err
	}
	if len(candidates) == 0 {
		return uuid.Nil, shared.NewIneligibleError("Shortlist has no eligible carrier")
	}
	seen := make(map[string]struct{}, len(candidates))
	list := make([]ShortlistCandidate, 0, len(candidates))
	for i, c := range candidates {
		id := strings.TrimSpace(c.CarrierID)
		if id == "" {
			return uuid.Nil, shared.NewValidationError("candidate %d has no carrier id", i)
		}
		if _, dup := seen[id]; dup {
			return uuid.Nil, shared.NewValidationError("carrier %s appears twice in the shortlist", id)
		}
		if c.MatchScore < 0 || c.MatchScore > 100 {
			return uuid.Nil, shared.NewValidationError("match score of carrier %s must be between 0 and 100", id)
		}
		seen[id] = struct{}{}
		c.CarrierID = id
		list = append(list, c)
	}

	id := uuid.New()
	s.ShortlistID = &id
	s.Shortlist = list
	s.moveTo(StatusShortlistGenerated, now)
	s.AddDomainEvent(NewShortlistGeneratedEvent(s))
	return id, nil
}

// ShortlistEntry returns the shortlist entry of a carrier
func (s *SourcingSession) ShortlistEntry(carrierID string) (ShortlistCandidate, bool) {
	for _, c := range s.Shortlist {
		if c.CarrierID == carrierID {
			return c, true
		}
	}
	return ShortlistCandidate{}, false
}

// StartBroadcast hands the opportunity to the dispatcher and opens the
// session to responses. Delivery results arrive later through RecordDelivery.
func (s *SourcingSession) StartBroadcast(channels []Channel, deadline *time.Time, now time.Time) (uuid.UUID, error) {
	if err := s.CheckTransition(StatusBroadcasting); err != nil {
		return uuid.Nil, err
	}
	if len(channels) == 0 {
		return uuid.Nil, shared.NewValidationError("at least one channel is required")
	}
	unique := make([]Channel, 0, len(channels))
	seen := make(map[Channel]struct{}, len(channels))
	for _, c := range channels {
		if !c.IsValid() {
			return uuid.Nil, shared.NewValidationError("invalid channel: %s", c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	if deadline != nil && !deadline.After(now) {
		return uuid.Nil, shared.NewValidationError("broadcast deadline must be in the future")
	}

	info := &BroadcastInfo{
		ID:         uuid.New(),
		Channels:   unique,
		Recipients: len(s.Shortlist),
		StartedAt:  now,
	}
	if deadline != nil {
		d := *deadline
		info.Deadline = &d
	}
	s.Broadcast = info
	s.moveTo(StatusBroadcasting, now)
	s.moveTo(StatusAwaitingResponses, now)
	s.AddDomainEvent(NewBroadcastedEvent(s))
	return info.ID, nil
}

// RecordDelivery adds dispatcher results to the broadcast counters
func (s *SourcingSession) RecordDelivery(sent, failed int) error {
	if s.Broadcast == nil {
		return shared.NewDomainError(shared.CodeInvalidState, "Session has not been broadcast")
	}
	if sent < 0 || failed < 0 {
		return shared.NewValidationError("delivery counters cannot be negative")
	}
	s.Broadcast.Stats.Sent += sent + failed
	s.Broadcast.Stats.Delivered += sent
	s.Broadcast.Stats.Failed += failed
	s.Touch()
	return nil
}

// CheckAcceptsProposals validates that a carrier may still respond
func (s *SourcingSession) CheckAcceptsProposals() error {
	if s.Status.IsTerminal() {
		return shared.NewConflictError("Session is already %s", s.Status)
	}
	if !s.Status.AcceptsProposals() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Session does not accept proposals in %s status", s.Status))
	}
	return nil
}

// RecordResponse counts a scored proposal received for the session
func (s *SourcingSession) RecordResponse(p *CarrierProposal, now time.Time) error {
	if err := s.CheckAcceptsProposals(); err != nil {
		return err
	}
	if p.SessionID != s.ID {
		return shared.NewValidationError("proposal belongs to another session")
	}
	s.ResponseCount++
	if s.Broadcast != nil {
		s.Broadcast.Stats.Responded++
	}
	s.UpdatedAt = now
	s.AddDomainEvent(NewCarrierRespondedEvent(s, p))
	return nil
}

// RecordComplianceRejection notes a carrier excluded by the compliance gate.
// The session status does not change.
func (s *SourcingSession) RecordComplianceRejection(r ComplianceRejection) {
	s.ComplianceRejections++
	s.Touch()
	s.AddDomainEvent(NewCarrierRejectedVigilanceEvent(s, r))
}

// CheckCanSelect validates that a selection may run on the session
func (s *SourcingSession) CheckCanSelect() error {
	if s.Status.IsTerminal() || s.Assignment != nil {
		return shared.NewConflictError("Session %s already has an outcome (%s)", s.ID, s.Status)
	}
	if s.Status != StatusAwaitingResponses && s.Status != StatusSelecting {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("Cannot run selection in %s status", s.Status))
	}
	return nil
}

// recordSelection stores the selection summary and enters selecting.
// Callers validate with CheckCanSelect first.
func (s *SourcingSession) recordSelection(sel SelectionSummary) {
	s.Selection = &sel
	s.moveTo(StatusSelecting, sel.SelectedAt)
	s.AddDomainEvent(NewBestCarrierSelectedEvent(s))
}

// recordCounterOffer raises the counter-offer event for p
func (s *SourcingSession) recordCounterOffer(p *CarrierProposal) {
	s.AddDomainEvent(NewCounterOfferSentEvent(s, p))
}

// assign records the accepted proposal. Callers validate first.
func (s *SourcingSession) assign(p *CarrierProposal, finalPrice decimal.Decimal, level TrackingLevel, now time.Time) {
	pid := p.ID
	s.SelectedProposalID = &pid
	s.Assignment = &Assignment{
		ID:            uuid.New(),
		ProposalID:    p.ID,
		CarrierID:     p.CarrierID,
		CarrierName:   p.CarrierName,
		FinalPrice:    finalPrice,
		TrackingLevel: level,
		TrackingRef:   NewTrackingRef(),
		AssignedAt:    now,
	}
	s.moveTo(StatusAssigned, now)
	s.AddDomainEvent(NewOrderAssignedEvent(s))
}

// NewTrackingRef generates a tracking reference
func NewTrackingRef() string {
	return "TRK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// ConfirmPickup records the carrier's pickup confirmation and starts tracking
func (s *SourcingSession) ConfirmPickup(vehiclePlate, driverName string, now time.Time) error {
	if err := s.CheckTransition(StatusInTransit); err != nil {
		return err
	}
	s.Assignment.VehiclePlate = strings.TrimSpace(vehiclePlate)
	s.Assignment.DriverName = strings.TrimSpace(driverName)
	s.Assignment.PickupConfirmedAt = &now
	s.moveTo(StatusInTransit, now)
	s.AddDomainEvent(NewTrackingStartEvent(s))
	return nil
}

// MarkDelivered records the terminal delivery status reported by tracking
func (s *SourcingSession) MarkDelivered(now time.Time) error {
	if err := s.CheckTransition(StatusDelivered); err != nil {
		return err
	}
	s.Assignment.DeliveredAt = &now
	s.moveTo(StatusDelivered, now)
	s.AddDomainEvent(NewOrderDeliveredEvent(s))
	return nil
}

// Close ends an assigned session with a reason
func (s *SourcingSession) Close(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return shared.NewValidationError("close reason is required")
	}
	if err := s.CheckTransition(StatusClosed); err != nil {
		return err
	}
	previous := s.Status
	s.ClosedReason = reason
	s.ClosedAt = &now
	s.moveTo(StatusClosed, now)
	s.AddDomainEvent(NewOrderClosedEvent(s, previous))
	return nil
}

// Cancel ends a non-terminal session. Cancelling a terminal session is a conflict.
func (s *SourcingSession) Cancel(reason string, now time.Time) error {
	return s.end(StatusCancelled, reason, now)
}

// Fail ends a non-terminal session that cannot reach an assignment
func (s *SourcingSession) Fail(reason string, now time.Time) error {
	return s.end(StatusFailed, reason, now)
}

func (s *SourcingSession) end(target SessionStatus, reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return shared.NewValidationError("%s reason is required", target)
	}
	if err := s.CheckTransition(target); err != nil {
		return err
	}
	previous := s.Status
	s.ClosedReason = reason
	s.ClosedAt = &now
	s.moveTo(target, now)
	s.AddDomainEvent(NewSessionEndedEvent(s, previous))
	return nil
}

// String returns a short description of the session
func (s *SourcingSession) String() string {
	return fmt.Sprintf("SourcingSession{id=%s order=%s status=%s}", s.ID, s.OrderID, s.Status)
}
