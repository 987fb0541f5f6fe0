package sourcing

import (
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Aggregate type constants
const (
	AggregateTypeSourcingSession = "SourcingSession"
	AggregateTypeCarrierProposal = "CarrierProposal"
)

// Event type constants. These are the wire names seen by notifier subscribers.
const (
	EventTypeTriggerManual            = "affretia.trigger.manual"
	EventTypeTriggerAuto              = "affretia.trigger.auto"
	EventTypeTriggerCapabilityGap     = "affretia.trigger.capability-gap"
	EventTypeShortlistGenerated       = "affretia.shortlist.generated"
	EventTypeBroadcasted              = "affretia.broadcasted.to.market"
	EventTypeCarrierResponded         = "affretia.carrier.responded"
	EventTypeBestCarrierSelected      = "affretia.best-carrier.selected"
	EventTypeCounterOfferSent         = "affretia.carrier.counter-offer"
	EventTypeOrderAssigned            = "affretia.order.assigned"
	EventTypeTrackingStart            = "affretia.tracking.start"
	EventTypeOrderDelivered           = "affretia.order.delivered"
	EventTypeCarrierRejectedVigilance = "affretia.carrier.rejected.vigilance"
	EventTypeOrderClosed              = "affretia.order.closed"
	EventTypeSessionCancelled         = "affretia.session.cancelled"
	EventTypeSessionFailed            = "affretia.session.failed"
)

// AllEventTypes returns every event type a session can emit
func AllEventTypes() []string {
	return []string{
		EventTypeTriggerManual,
		EventTypeTriggerAuto,
		EventTypeTriggerCapabilityGap,
		EventTypeShortlistGenerated,
		EventTypeBroadcasted,
		EventTypeCarrierResponded,
		EventTypeBestCarrierSelected,
		EventTypeCounterOfferSent,
		EventTypeOrderAssigned,
		EventTypeTrackingStart,
		EventTypeOrderDelivered,
		EventTypeCarrierRejectedVigilance,
		EventTypeOrderClosed,
		EventTypeSessionCancelled,
		EventTypeSessionFailed,
	}
}

// TriggerEventType returns the event type raised when a session of trigger type t starts
func TriggerEventType(t TriggerType) string {
	switch t {
	case TriggerAuto:
		return EventTypeTriggerAuto
	case TriggerCapabilityGap:
		return EventTypeTriggerCapabilityGap
	default:
		return EventTypeTriggerManual
	}
}

// SessionEvent carries the identifiers shared by every sourcing event
type SessionEvent struct {
	shared.BaseDomainEvent
	SessionID uuid.UUID `json:"session_id"`
	OrderID   string    `json:"order_id"`
	CarrierID string    `json:"carrier_id,omitempty"`
}

// SessionRef returns the session the event belongs to
func (e *SessionEvent) SessionRef() uuid.UUID {
	return e.SessionID
}

func newSessionEvent(eventType string, s *SourcingSession, carrierID string) SessionEvent {
	return SessionEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, AggregateTypeSourcingSession, s.ID, s.OrganizationID),
		SessionID:       s.ID,
		OrderID:         s.OrderID,
		CarrierID:       carrierID,
	}
}

// SessionTriggeredEvent is raised when a trigger is accepted and analysis starts
type SessionTriggeredEvent struct {
	SessionEvent
	TriggerType TriggerType        `json:"trigger_type"`
	Priority    Priority           `json:"priority"`
	Reason      string             `json:"reason,omitempty"`
	Complexity  scoring.Complexity `json:"complexity"`
}

// NewSessionTriggeredEvent creates a new SessionTriggeredEvent
func NewSessionTriggeredEvent(s *SourcingSession) *SessionTriggeredEvent {
	e := &SessionTriggeredEvent{
		SessionEvent: newSessionEvent(TriggerEventType(s.TriggerType), s, ""),
		TriggerType:  s.TriggerType,
		Priority:     s.Priority,
		Reason:       s.TriggerReason,
	}
	if s.Complexity != nil {
		e.Complexity = *s.Complexity
	}
	return e
}

// ShortlistGeneratedEvent is raised when the candidate shortlist is stored
type ShortlistGeneratedEvent struct {
	SessionEvent
	ShortlistID    uuid.UUID `json:"shortlist_id"`
	CandidateCount int       `json:"candidate_count"`
	TopCarrierID   string    `json:"top_carrier_id,omitempty"`
}

// NewShortlistGeneratedEvent creates a new ShortlistGeneratedEvent
func NewShortlistGeneratedEvent(s *SourcingSession) *ShortlistGeneratedEvent {
	e := &ShortlistGeneratedEvent{
		SessionEvent:   newSessionEvent(EventTypeShortlistGenerated, s, ""),
		CandidateCount: len(s.Shortlist),
	}
	if s.ShortlistID != nil {
		e.ShortlistID = *s.ShortlistID
	}
	if len(s.Shortlist) > 0 {
		e.TopCarrierID = s.Shortlist[0].CarrierID
	}
	return e
}

// BroadcastedEvent is raised when the opportunity is handed to the dispatcher
type BroadcastedEvent struct {
	SessionEvent
	BroadcastID uuid.UUID  `json:"broadcast_id"`
	Channels    []Channel  `json:"channels"`
	Recipients  int        `json:"recipients"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// NewBroadcastedEvent creates a new BroadcastedEvent
func NewBroadcastedEvent(s *SourcingSession) *BroadcastedEvent {
	b := s.Broadcast
	return &BroadcastedEvent{
		SessionEvent: newSessionEvent(EventTypeBroadcasted, s, ""),
		BroadcastID:  b.ID,
		Channels:     append([]Channel(nil), b.Channels...),
		Recipients:   b.Recipients,
		Deadline:     b.Deadline,
	}
}

// CarrierRespondedEvent is raised when a scored proposal is recorded
type CarrierRespondedEvent struct {
	SessionEvent
	ProposalID        uuid.UUID       `json:"proposal_id"`
	ProposedPrice     decimal.Decimal `json:"proposed_price"`
	PriceVariationPct decimal.Decimal `json:"price_variation_pct"`
	Score             int             `json:"score"`
}

// NewCarrierRespondedEvent creates a new CarrierRespondedEvent
func NewCarrierRespondedEvent(s *SourcingSession, p *CarrierProposal) *CarrierRespondedEvent {
	return &CarrierRespondedEvent{
		SessionEvent:      newSessionEvent(EventTypeCarrierResponded, s, p.CarrierID),
		ProposalID:        p.ID,
		ProposedPrice:     p.ProposedPrice,
		PriceVariationPct: p.PriceVariationPct,
		Score:             p.Score,
	}
}

// BestCarrierSelectedEvent is raised when a selection run picks a candidate
type BestCarrierSelectedEvent struct {
	SessionEvent
	ProposalID     uuid.UUID `json:"proposal_id"`
	Score          int       `json:"score"`
	CanAutoAccept  bool      `json:"can_auto_accept"`
	Manual         bool      `json:"manual"`
	Confidence     int       `json:"confidence"`
	Recommendation string    `json:"recommendation"`
}

// NewBestCarrierSelectedEvent creates a new BestCarrierSelectedEvent
func NewBestCarrierSelectedEvent(s *SourcingSession) *BestCarrierSelectedEvent {
	sel := s.Selection
	return &BestCarrierSelectedEvent{
		SessionEvent:   newSessionEvent(EventTypeBestCarrierSelected, s, sel.CarrierID),
		ProposalID:     sel.ProposalID,
		Score:          sel.Score,
		CanAutoAccept:  sel.CanAutoAccept,
		Manual:         sel.Manual,
		Confidence:     sel.Confidence,
		Recommendation: sel.Recommendation,
	}
}

// CounterOfferSentEvent is raised when a counter-offer is attached to the leading proposal
type CounterOfferSentEvent struct {
	SessionEvent
	ProposalID         uuid.UUID       `json:"proposal_id"`
	ProposedPrice      decimal.Decimal `json:"proposed_price"`
	CounterPrice       decimal.Decimal `json:"counter_price"`
	TargetVariationPct int             `json:"target_variation_pct"`
	Strategy           string          `json:"strategy"`
}

// NewCounterOfferSentEvent creates a new CounterOfferSentEvent
func NewCounterOfferSentEvent(s *SourcingSession, p *CarrierProposal) *CounterOfferSentEvent {
	e := &CounterOfferSentEvent{
		SessionEvent:  newSessionEvent(EventTypeCounterOfferSent, s, p.CarrierID),
		ProposalID:    p.ID,
		ProposedPrice: p.ProposedPrice,
	}
	if p.CounterOffer != nil {
		e.CounterPrice = p.CounterOffer.CounterPrice
		e.TargetVariationPct = p.CounterOffer.TargetVariationPct
		e.Strategy = p.CounterOffer.Strategy
	}
	return e
}

// OrderAssignedEvent is raised when a proposal is accepted and the order assigned
type OrderAssignedEvent struct {
	SessionEvent
	AssignmentID  uuid.UUID       `json:"assignment_id"`
	ProposalID    uuid.UUID       `json:"proposal_id"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	TrackingLevel TrackingLevel   `json:"tracking_level"`
	TrackingRef   string          `json:"tracking_ref"`
}

// NewOrderAssignedEvent creates a new OrderAssignedEvent
func NewOrderAssignedEvent(s *SourcingSession) *OrderAssignedEvent {
	a := s.Assignment
	return &OrderAssignedEvent{
		SessionEvent:  newSessionEvent(EventTypeOrderAssigned, s, a.CarrierID),
		AssignmentID:  a.ID,
		ProposalID:    a.ProposalID,
		FinalPrice:    a.FinalPrice,
		TrackingLevel: a.TrackingLevel,
		TrackingRef:   a.TrackingRef,
	}
}

// TrackingStartEvent is raised when the carrier confirms pickup
type TrackingStartEvent struct {
	SessionEvent
	TrackingRef   string        `json:"tracking_ref"`
	TrackingLevel TrackingLevel `json:"tracking_level"`
	VehiclePlate  string        `json:"vehicle_plate,omitempty"`
	DriverName    string        `json:"driver_name,omitempty"`
}

// NewTrackingStartEvent creates a new TrackingStartEvent
func NewTrackingStartEvent(s *SourcingSession) *TrackingStartEvent {
	a := s.Assignment
	return &TrackingStartEvent{
		SessionEvent:  newSessionEvent(EventTypeTrackingStart, s, a.CarrierID),
		TrackingRef:   a.TrackingRef,
		TrackingLevel: a.TrackingLevel,
		VehiclePlate:  a.VehiclePlate,
		DriverName:    a.DriverName,
	}
}

// OrderDeliveredEvent is raised when tracking reports the delivery
type OrderDeliveredEvent struct {
	SessionEvent
	TrackingRef string    `json:"tracking_ref"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// NewOrderDeliveredEvent creates a new OrderDeliveredEvent
func NewOrderDeliveredEvent(s *SourcingSession) *OrderDeliveredEvent {
	a := s.Assignment
	e := &OrderDeliveredEvent{
		SessionEvent: newSessionEvent(EventTypeOrderDelivered, s, a.CarrierID),
		TrackingRef:  a.TrackingRef,
	}
	if a.DeliveredAt != nil {
		e.DeliveredAt = *a.DeliveredAt
	}
	return e
}

// CarrierRejectedVigilanceEvent is raised when the compliance gate excludes a carrier
type CarrierRejectedVigilanceEvent struct {
	SessionEvent
	Stage            string   `json:"stage"`
	ComplianceStatus string   `json:"compliance_status"`
	ComplianceScore  int      `json:"compliance_score"`
	Reasons          []string `json:"reasons"`
}

// Stages at which the compliance gate can exclude a carrier
const (
	RejectionStageShortlist = "shortlist"
	RejectionStageProposal  = "proposal"
)

// NewCarrierRejectedVigilanceEvent creates a new CarrierRejectedVigilanceEvent
func NewCarrierRejectedVigilanceEvent(s *SourcingSession, r ComplianceRejection) *CarrierRejectedVigilanceEvent {
	return &CarrierRejectedVigilanceEvent{
		SessionEvent:     newSessionEvent(EventTypeCarrierRejectedVigilance, s, r.CarrierID),
		Stage:            r.Stage,
		ComplianceStatus: r.Status,
		ComplianceScore:  r.Score,
		Reasons:          append([]string{}, r.Reasons...),
	}
}

// OrderClosedEvent is raised when a session is closed after assignment
type OrderClosedEvent struct {
	SessionEvent
	Reason         string        `json:"reason"`
	PreviousStatus SessionStatus `json:"previous_status"`
}

// NewOrderClosedEvent creates a new OrderClosedEvent
func NewOrderClosedEvent(s *SourcingSession, previous SessionStatus) *OrderClosedEvent {
	carrierID := ""
	if s.Assignment != nil {
		carrierID = s.Assignment.CarrierID
	}
	return &OrderClosedEvent{
		SessionEvent:   newSessionEvent(EventTypeOrderClosed, s, carrierID),
		Reason:         s.ClosedReason,
		PreviousStatus: previous,
	}
}

// SessionEndedEvent is raised when a session is cancelled or fails
type SessionEndedEvent struct {
	SessionEvent
	Reason         string        `json:"reason"`
	PreviousStatus SessionStatus `json:"previous_status"`
}

// NewSessionEndedEvent creates a cancelled or failed event depending on the session status
func NewSessionEndedEvent(s *SourcingSession, previous SessionStatus) *SessionEndedEvent {
	eventType := EventTypeSessionCancelled
	if s.Status == StatusFailed {
		eventType = EventTypeSessionFailed
	}
	return &SessionEndedEvent{
		SessionEvent:   newSessionEvent(eventType, s, ""),
		Reason:         s.ClosedReason,
		PreviousStatus: previous,
	}
}
