package sourcing

import (
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ==================== Requests ====================

// RouteInput is the origin and destination of an order
type RouteInput struct {
	OriginCity            string `json:"origin_city" binding:"max=100"`
	OriginPostalCode      string `json:"origin_postal_code" binding:"max=20"`
	DestinationCity       string `json:"destination_city" binding:"max=100"`
	DestinationPostalCode string `json:"destination_postal_code" binding:"max=20"`
}

// OrderInput carries the characteristics of the order to source
type OrderInput struct {
	EstimatedPrice decimal.Decimal `json:"estimated_price" binding:"required"`
	DistanceKm     float64         `json:"distance_km" binding:"min=0"`
	PickupAt       time.Time       `json:"pickup_at"`
	DeliveryAt     time.Time       `json:"delivery_at"`
	GoodsType      string          `json:"goods_type" binding:"max=100"`
	WeightKg       float64         `json:"weight_kg" binding:"min=0"`
	Requirements   []string        `json:"requirements"`
}

// TriggerSourcingRequest starts a sourcing session for an order
type TriggerSourcingRequest struct {
	OrderID        string     `json:"order_id" binding:"required,min=1,max=100"`
	OrganizationID string     `json:"organization_id" binding:"required,min=1,max=100"`
	TriggerType    string     `json:"trigger_type" binding:"omitempty,oneof=manual auto capability-gap"`
	Priority       string     `json:"priority" binding:"omitempty,oneof=normal high urgent"`
	Reason         string     `json:"reason" binding:"max=500"`
	TriggeredBy    string     `json:"triggered_by" binding:"max=100"`
	Route          RouteInput `json:"route"`
	Order          OrderInput `json:"order" binding:"required"`
}

// CandidateInput is one carrier found by the matching collaborator
type CandidateInput struct {
	CarrierID          string                  `json:"carrier_id" binding:"required,min=1,max=100"`
	CarrierName        string                  `json:"carrier_name" binding:"max=200"`
	MatchScore         int                     `json:"match_score" binding:"min=0,max=100"`
	DistanceToPickupKm *float64                `json:"distance_to_pickup_km" binding:"omitempty,min=0"`
	History            *scoring.CarrierHistory `json:"history"`
	Email              string                  `json:"email" binding:"omitempty,email"`
	Phone              string                  `json:"phone" binding:"max=30"`
}

// GenerateShortlistRequest supplies the matched carriers of a session
type GenerateShortlistRequest struct {
	Candidates []CandidateInput `json:"candidates" binding:"required,min=1,dive"`
}

// BroadcastRequest opens the session to carrier responses
type BroadcastRequest struct {
	Channels []string   `json:"channels" binding:"required,min=1,dive,oneof=email sms push exchange"`
	Deadline *time.Time `json:"deadline"`
}

// SubmitProposalRequest is a carrier's priced response
type SubmitProposalRequest struct {
	CarrierID           string          `json:"carrier_id" binding:"required,min=1,max=100"`
	CarrierName         string          `json:"carrier_name" binding:"max=200"`
	ProposedPrice       decimal.Decimal `json:"proposed_price" binding:"required"`
	PickupDate          time.Time       `json:"pickup_date" binding:"required"`
	DeliveryDate        time.Time       `json:"delivery_date" binding:"required"`
	VehicleType         string          `json:"vehicle_type" binding:"max=50"`
	Comment             string          `json:"comment" binding:"max=1000"`
	ResponseTimeMinutes *float64        `json:"response_time_minutes" binding:"omitempty,min=0"`
	ExpiresAt           *time.Time      `json:"expires_at"`
}

// ThresholdsInput overrides the decision thresholds of one selection run
type ThresholdsInput struct {
	AutoAcceptScore       int     `json:"auto_accept_score" binding:"min=0,max=100"`
	MinAcceptableScore    int     `json:"min_acceptable_score" binding:"min=0,max=100"`
	PriceTolerancePercent float64 `json:"price_tolerance_percent" binding:"min=0,max=100"`
}

// RunSelectionRequest runs the decision engine over a session's proposals
type RunSelectionRequest struct {
	Thresholds *ThresholdsInput `json:"thresholds"`
	// RefreshCompliance re-reads the compliance record of every open
	// proposal's carrier and re-scores it before deciding
	RefreshCompliance bool `json:"refresh_compliance"`
}

// AssignRequest assigns a session to a proposal chosen by an operator
type AssignRequest struct {
	ProposalID    *uuid.UUID       `json:"proposal_id"`
	CarrierID     string           `json:"carrier_id" binding:"max=100"`
	FinalPrice    *decimal.Decimal `json:"final_price"`
	TrackingLevel string           `json:"tracking_level" binding:"omitempty,oneof=basic gps premium"`
}

// ConfirmPickupRequest records that the carrier collected the goods
type ConfirmPickupRequest struct {
	VehiclePlate string `json:"vehicle_plate" binding:"max=20"`
	DriverName   string `json:"driver_name" binding:"max=100"`
}

// ReasonRequest carries the reason of a cancel, close or failure
type ReasonRequest struct {
	Reason string `json:"reason" binding:"required,min=1,max=500"`
}

// ReviseProposalRequest changes a proposal's price during negotiation
type ReviseProposalRequest struct {
	ProposedPrice decimal.Decimal `json:"proposed_price" binding:"required"`
	Actor         string          `json:"actor" binding:"omitempty,oneof=carrier shipper system"`
	Message       string          `json:"message" binding:"max=1000"`
}

// PostMessageRequest adds a free-form message to a proposal's negotiation
type PostMessageRequest struct {
	Actor   string `json:"actor" binding:"required,oneof=carrier shipper"`
	Message string `json:"message" binding:"required,max=1000"`
}

// ListSessionsFilter narrows a session listing
type ListSessionsFilter struct {
	OrganizationID string     `form:"organization_id"`
	Status         string     `form:"status" binding:"omitempty,oneof=pending analyzing shortlist_generated broadcasting awaiting_responses selecting assigned in_transit delivered closed failed cancelled"`
	TriggerType    string     `form:"trigger_type" binding:"omitempty,oneof=manual auto capability-gap"`
	From           *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To             *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Page           int        `form:"page" binding:"min=0"`
	PageSize       int        `form:"page_size" binding:"min=0,max=100"`
}

// Query converts the filter to a repository query
func (f ListSessionsFilter) Query() sourcing.SessionQuery {
	return sourcing.SessionQuery{
		OrganizationID: f.OrganizationID,
		Status:         sourcing.SessionStatus(f.Status),
		TriggerType:    sourcing.TriggerType(f.TriggerType),
		From:           f.From,
		To:             f.To,
	}
}

// StatsFilter narrows statistics
type StatsFilter struct {
	OrganizationID string     `form:"organization_id"`
	From           *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To             *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

// ExchangeFilter narrows the freight exchange listing
type ExchangeFilter struct {
	OriginCity      string   `form:"origin_city"`
	DestinationCity string   `form:"destination_city"`
	MinPrice        *float64 `form:"min_price" binding:"omitempty,min=0"`
	MaxPrice        *float64 `form:"max_price" binding:"omitempty,min=0"`
	MaxWeightKg     *float64 `form:"max_weight_kg" binding:"omitempty,min=0"`
	Offset          int      `form:"offset" binding:"min=0"`
	Limit           int      `form:"limit" binding:"min=0,max=100"`
}

// ==================== Responses ====================

// AssignmentResponse is the public view of an assignment
type AssignmentResponse struct {
	ID                uuid.UUID       `json:"id"`
	ProposalID        uuid.UUID       `json:"proposal_id"`
	CarrierID         string          `json:"carrier_id"`
	CarrierName       string          `json:"carrier_name"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	TrackingLevel     string          `json:"tracking_level"`
	TrackingRef       string          `json:"tracking_ref"`
	AssignedAt        time.Time       `json:"assigned_at"`
	VehiclePlate      string          `json:"vehicle_plate,omitempty"`
	DriverName        string          `json:"driver_name,omitempty"`
	PickupConfirmedAt *time.Time      `json:"pickup_confirmed_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
}

// SessionResponse is the public view of a sourcing session
type SessionResponse struct {
	ID                   uuid.UUID                     `json:"id"`
	OrganizationID       string                        `json:"organization_id"`
	OrderID              string                        `json:"order_id"`
	Status               string                        `json:"status"`
	TriggerType          string                        `json:"trigger_type"`
	Priority             string                        `json:"priority"`
	TriggerReason        string                        `json:"trigger_reason,omitempty"`
	TriggeredBy          string                        `json:"triggered_by,omitempty"`
	Route                sourcing.Route                `json:"route"`
	Order                scoring.Order                 `json:"order"`
	Complexity           *scoring.Complexity           `json:"complexity,omitempty"`
	ShortlistID          *uuid.UUID                    `json:"shortlist_id,omitempty"`
	Shortlist            []sourcing.ShortlistCandidate `json:"shortlist"`
	Broadcast            *sourcing.BroadcastInfo       `json:"broadcast,omitempty"`
	ResponseCount        int                           `json:"response_count"`
	ComplianceRejections int                           `json:"compliance_rejections"`
	Selection            *sourcing.SelectionSummary    `json:"selection,omitempty"`
	SelectedProposalID   *uuid.UUID                    `json:"selected_proposal_id,omitempty"`
	Assignment           *AssignmentResponse           `json:"assignment,omitempty"`
	ClosedReason         string                        `json:"closed_reason,omitempty"`
	ClosedAt             *time.Time                    `json:"closed_at,omitempty"`
	CreatedAt            time.Time                     `json:"created_at"`
	UpdatedAt            time.Time                     `json:"updated_at"`
	Version              int                           `json:"version"`
}

// ToSessionResponse converts a session to its response view
func ToSessionResponse(s *sourcing.SourcingSession) SessionResponse {
	resp := SessionResponse{
		ID:                   s.ID,
		OrganizationID:       s.OrganizationID,
		OrderID:              s.OrderID,
		Status:               string(s.Status),
		TriggerType:          string(s.TriggerType),
		Priority:             string(s.Priority),
		TriggerReason:        s.TriggerReason,
		TriggeredBy:          s.TriggeredBy,
		Route:                s.Route,
		Order:                s.Order,
		Complexity:           s.Complexity,
		ShortlistID:          s.ShortlistID,
		Shortlist:            s.Shortlist,
		Broadcast:            s.Broadcast,
		ResponseCount:        s.ResponseCount,
		ComplianceRejections: s.ComplianceRejections,
		Selection:            s.Selection,
		SelectedProposalID:   s.SelectedProposalID,
		ClosedReason:         s.ClosedReason,
		ClosedAt:             s.ClosedAt,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		Version:              s.Version,
	}
	if resp.Shortlist == nil {
		resp.Shortlist = make([]sourcing.ShortlistCandidate, 0)
	}
	if a := s.Assignment; a != nil {
		resp.Assignment = &AssignmentResponse{
			ID:                a.ID,
			ProposalID:        a.ProposalID,
			CarrierID:         a.CarrierID,
			CarrierName:       a.CarrierName,
			FinalPrice:        a.FinalPrice,
			TrackingLevel:     string(a.TrackingLevel),
			TrackingRef:       a.TrackingRef,
			AssignedAt:        a.AssignedAt,
			VehiclePlate:      a.VehiclePlate,
			DriverName:        a.DriverName,
			PickupConfirmedAt: a.PickupConfirmedAt,
			DeliveredAt:       a.DeliveredAt,
		}
	}
	return resp
}

// ToSessionResponses converts a slice of sessions
func ToSessionResponses(sessions []sourcing.SourcingSession) []SessionResponse {
	out := make([]SessionResponse, len(sessions))
	for i := range sessions {
		out[i] = ToSessionResponse(&sessions[i])
	}
	return out
}

// ProposalResponse is the public view of a carrier proposal
type ProposalResponse struct {
	ID                  uuid.UUID                   `json:"id"`
	SessionID           uuid.UUID                   `json:"session_id"`
	CarrierID           string                      `json:"carrier_id"`
	CarrierName         string                      `json:"carrier_name"`
	ProposedPrice       decimal.Decimal             `json:"proposed_price"`
	OriginalEstimate    decimal.Decimal             `json:"original_estimate"`
	PriceVariationPct   decimal.Decimal             `json:"price_variation_pct"`
	Score               int                         `json:"score"`
	ScoreBreakdown      scoring.Breakdown           `json:"score_breakdown"`
	Tier                string                      `json:"tier"`
	Status              string                      `json:"status"`
	PickupDate          time.Time                   `json:"pickup_date"`
	DeliveryDate        time.Time                   `json:"delivery_date"`
	VehicleType         string                      `json:"vehicle_type,omitempty"`
	Comment             string                      `json:"comment,omitempty"`
	ResponseTimeMinutes float64                     `json:"response_time_minutes"`
	ExpiresAt           *time.Time                  `json:"expires_at,omitempty"`
	CounterOffer        *scoring.CounterOffer       `json:"counter_offer,omitempty"`
	NegotiationHistory  []sourcing.NegotiationEntry `json:"negotiation_history"`
	DecidedAt           *time.Time                  `json:"decided_at,omitempty"`
	RejectionReason     string                      `json:"rejection_reason,omitempty"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

// ToProposalResponse converts a proposal to its response view
func ToProposalResponse(p *sourcing.CarrierProposal) ProposalResponse {
	history := p.NegotiationHistory
	if history == nil {
		history = make([]sourcing.NegotiationEntry, 0)
	}
	return ProposalResponse{
		ID:                  p.ID,
		SessionID:           p.SessionID,
		CarrierID:           p.CarrierID,
		CarrierName:         p.CarrierName,
		ProposedPrice:       p.ProposedPrice,
		OriginalEstimate:    p.OriginalEstimate,
		PriceVariationPct:   p.PriceVariationPct,
		Score:               p.Score,
		ScoreBreakdown:      p.ScoreBreakdown,
		Tier:                string(p.Tier),
		Status:              string(p.Status),
		PickupDate:          p.PickupDate,
		DeliveryDate:        p.DeliveryDate,
		VehicleType:         p.VehicleType,
		Comment:             p.Comment,
		ResponseTimeMinutes: p.ResponseTime.Minutes(),
		ExpiresAt:           p.ExpiresAt,
		CounterOffer:        p.CounterOffer,
		NegotiationHistory:  history,
		DecidedAt:           p.DecidedAt,
		RejectionReason:     p.RejectionReason,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

// ToProposalResponses converts a slice of proposals
func ToProposalResponses(proposals []*sourcing.CarrierProposal) []ProposalResponse {
	out := make([]ProposalResponse, len(proposals))
	for i, p := range proposals {
		out[i] = ToProposalResponse(p)
	}
	return out
}

// RejectedCarrier is a carrier the compliance gate excluded from a shortlist
type RejectedCarrier struct {
	CarrierID        string   `json:"carrier_id"`
	ComplianceStatus string   `json:"compliance_status"`
	ComplianceScore  int      `json:"compliance_score"`
	Reasons          []string `json:"reasons"`
}

// ShortlistResponse is the result of GenerateShortlist
type ShortlistResponse struct {
	SessionID   uuid.UUID                     `json:"session_id"`
	ShortlistID uuid.UUID                     `json:"shortlist_id"`
	Candidates  []sourcing.ShortlistCandidate `json:"candidates"`
	Rejected    []RejectedCarrier             `json:"rejected"`
	Warnings    []string                      `json:"warnings,omitempty"`
}

// BroadcastResponse is the result of Broadcast
type BroadcastResponse struct {
	SessionID   uuid.UUID  `json:"session_id"`
	BroadcastID uuid.UUID  `json:"broadcast_id"`
	Channels    []string   `json:"channels"`
	Recipients  int        `json:"recipients"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// ProposalResult is the result of SubmitProposal and ReviseProposal
type ProposalResult struct {
	Proposal ProposalResponse `json:"proposal"`
	Score    scoring.Result   `json:"score"`
	Warnings []string         `json:"warnings,omitempty"`
}

// SelectionResult is the result of RunSelection
type SelectionResult struct {
	Session      SessionResponse   `json:"session"`
	Decision     scoring.Decision  `json:"decision"`
	Accepted     *ProposalResponse `json:"accepted,omitempty"`
	CounterOffer *ProposalResponse `json:"counter_offer,omitempty"`
	Tracking     *TrackingRecord   `json:"tracking,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// AssignResult is the result of Assign
type AssignResult struct {
	Session  SessionResponse  `json:"session"`
	Proposal ProposalResponse `json:"proposal"`
	Tracking *TrackingRecord  `json:"tracking,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// StatsResponse aggregates sourcing activity
type StatsResponse struct {
	sourcing.SessionStats
	SuccessRate float64 `json:"success_rate"`
}

// EventResponse is the public view of a published domain event
type EventResponse struct {
	ID          uuid.UUID          `json:"id"`
	Type        string             `json:"type"`
	AggregateID uuid.UUID          `json:"aggregate_id"`
	OccurredAt  time.Time          `json:"occurred_at"`
	Payload     shared.DomainEvent `json:"payload"`
}

// ToEventResponses converts published events to their response view
func ToEventResponses(events []shared.DomainEvent) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, e := range events {
		out[i] = EventResponse{
			ID:          e.EventID(),
			Type:        e.EventType(),
			AggregateID: e.AggregateID(),
			OccurredAt:  e.OccurredAt(),
			Payload:     e,
		}
	}
	return out
}
