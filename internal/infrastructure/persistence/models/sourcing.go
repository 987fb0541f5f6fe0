package models

import (
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SourcingSessionModel is the persistence model for the SourcingSession aggregate root.
// ActiveOrderID mirrors OrderID while the session is active and is NULL once it
// ends; its unique index allows at most one active session per order.
type SourcingSessionModel struct {
	OrgAggregateModel
	OrderID              string                 `gorm:"type:varchar(100);not null;index"`
	ActiveOrderID        *string                `gorm:"type:varchar(100);uniqueIndex:idx_sourcing_sessions_active_order"`
	Status               sourcing.SessionStatus `gorm:"type:varchar(30);not null;index"`
	TriggerType          sourcing.TriggerType   `gorm:"type:varchar(30);not null"`
	Priority             sourcing.Priority      `gorm:"type:varchar(20);not null"`
	TriggerReason        string                 `gorm:"type:text"`
	TriggeredBy          string                 `gorm:"type:varchar(100)"`
	OriginCity           string                 `gorm:"type:varchar(100)"`
	DestinationCity      string                 `gorm:"type:varchar(100)"`
	RouteJSON            string                 `gorm:"column:route;type:jsonb"`
	OrderJSON            string                 `gorm:"column:order_details;type:jsonb;not null"`
	ComplexityJSON       *string                `gorm:"column:complexity;type:jsonb"`
	ShortlistID          *uuid.UUID             `gorm:"type:uuid"`
	ShortlistJSON        string                 `gorm:"column:shortlist;type:jsonb;default:'[]'"`
	BroadcastJSON        *string                `gorm:"column:broadcast;type:jsonb"`
	ResponseCount        int                    `gorm:"not null;default:0"`
	ComplianceRejections int                    `gorm:"not null;default:0"`
	SelectionJSON        *string                `gorm:"column:selection;type:jsonb"`
	SelectedProposalID   *uuid.UUID             `gorm:"type:uuid"`
	AssignmentJSON       *string                `gorm:"column:assignment;type:jsonb"`
	AssignedCarrierID    string                 `gorm:"type:varchar(100);index"`
	AssignedCarrierName  string                 `gorm:"type:varchar(200)"`
	FinalPrice           decimal.NullDecimal    `gorm:"type:decimal(18,2)"`
	ClosedReason         string                 `gorm:"type:text"`
	ClosedAt             *time.Time
}

// TableName returns the table name for GORM
func (SourcingSessionModel) TableName() string {
	return "sourcing_sessions"
}

// ToDomain converts the persistence model to a domain SourcingSession
func (m *SourcingSessionModel) ToDomain() *sourcing.SourcingSession {
	s := &sourcing.SourcingSession{
		OrgAggregateRoot:     m.ToOrgAggregateRoot(),
		OrderID:              m.OrderID,
		Status:               m.Status,
		TriggerType:          m.TriggerType,
		Priority:             m.Priority,
		TriggerReason:        m.TriggerReason,
		TriggeredBy:          m.TriggeredBy,
		ShortlistID:          m.ShortlistID,
		Shortlist:            make([]sourcing.ShortlistCandidate, 0),
		ResponseCount:        m.ResponseCount,
		ComplianceRejections: m.ComplianceRejections,
		SelectedProposalID:   m.SelectedProposalID,
		ClosedReason:         m.ClosedReason,
		ClosedAt:             m.ClosedAt,
	}
	decodeJSON(m.RouteJSON, "route", &s.Route)
	decodeJSON(m.OrderJSON, "order_details", &s.Order)
	decodeJSON(m.ShortlistJSON, "shortlist", &s.Shortlist)
	decodeOptionalJSON(m.ComplexityJSON, "complexity", &s.Complexity)
	decodeOptionalJSON(m.BroadcastJSON, "broadcast", &s.Broadcast)
	decodeOptionalJSON(m.SelectionJSON, "selection", &s.Selection)
	decodeOptionalJSON(m.AssignmentJSON, "assignment", &s.Assignment)
	return s
}

// FromDomain populates the persistence model from a domain SourcingSession
func (m *SourcingSessionModel) FromDomain(s *sourcing.SourcingSession) {
	m.FromDomainOrgAggregateRoot(s.OrgAggregateRoot)
	m.OrderID = s.OrderID
	m.ActiveOrderID = nil
	if s.IsActive() {
		orderID := s.OrderID
		m.ActiveOrderID = &orderID
	}
	m.Status = s.Status
	m.TriggerType = s.TriggerType
	m.Priority = s.Priority
	m.TriggerReason = s.TriggerReason
	m.TriggeredBy = s.TriggeredBy
	m.OriginCity = s.Route.OriginCity
	m.DestinationCity = s.Route.DestinationCity
	m.RouteJSON = encodeJSON(s.Route, "{}")
	m.OrderJSON = encodeJSON(s.Order, "{}")
	m.ComplexityJSON = optionalJSON(s.Complexity != nil, s.Complexity)
	m.ShortlistID = s.ShortlistID
	m.ShortlistJSON = "[]"
	if len(s.Shortlist) > 0 {
		m.ShortlistJSON = encodeJSON(s.Shortlist, "[]")
	}
	m.BroadcastJSON = optionalJSON(s.Broadcast != nil, s.Broadcast)
	m.ResponseCount = s.ResponseCount
	m.ComplianceRejections = s.ComplianceRejections
	m.SelectionJSON = optionalJSON(s.Selection != nil, s.Selection)
	m.SelectedProposalID = s.SelectedProposalID
	m.AssignmentJSON = optionalJSON(s.Assignment != nil, s.Assignment)
	m.AssignedCarrierID, m.AssignedCarrierName = "", ""
	m.FinalPrice = decimal.NullDecimal{}
	if a := s.Assignment; a != nil {
		m.AssignedCarrierID = a.CarrierID
		m.AssignedCarrierName = a.CarrierName
		m.FinalPrice = decimal.NewNullDecimal(a.FinalPrice)
	}
	m.ClosedReason = s.ClosedReason
	m.ClosedAt = s.ClosedAt
}

// SourcingSessionModelFromDomain creates a persistence model from a domain SourcingSession
func SourcingSessionModelFromDomain(s *sourcing.SourcingSession) *SourcingSessionModel {
	m := &SourcingSessionModel{}
	m.FromDomain(s)
	return m
}

// UpdateColumns returns the mutable columns written by an optimistic-lock update
func (m *SourcingSessionModel) UpdateColumns() map[string]any {
	return map[string]any{
		"active_order_id":       m.ActiveOrderID,
		"status":                m.Status,
		"priority":              m.Priority,
		"complexity":            m.ComplexityJSON,
		"shortlist_id":          m.ShortlistID,
		"shortlist":             m.ShortlistJSON,
		"broadcast":             m.BroadcastJSON,
		"response_count":        m.ResponseCount,
		"compliance_rejections": m.ComplianceRejections,
		"selection":             m.SelectionJSON,
		"selected_proposal_id":  m.SelectedProposalID,
		"assignment":            m.AssignmentJSON,
		"assigned_carrier_id":   m.AssignedCarrierID,
		"assigned_carrier_name": m.AssignedCarrierName,
		"final_price":           m.FinalPrice,
		"closed_reason":         m.ClosedReason,
		"closed_at":             m.ClosedAt,
		"version":               m.Version,
		"updated_at":            m.UpdatedAt,
	}
}

// CarrierProposalModel is the persistence model for the CarrierProposal aggregate root.
// A carrier responds at most once per session.
type CarrierProposalModel struct {
	AggregateModel
	SessionID         uuid.UUID               `gorm:"type:uuid;not null;uniqueIndex:idx_carrier_proposals_session_carrier,priority:1"`
	OrganizationID    string                  `gorm:"type:varchar(100);not null;index"`
	CarrierID         string                  `gorm:"type:varchar(100);not null;uniqueIndex:idx_carrier_proposals_session_carrier,priority:2"`
	CarrierName       string                  `gorm:"type:varchar(200)"`
	ProposedPrice     decimal.Decimal         `gorm:"type:decimal(18,2);not null"`
	OriginalEstimate  decimal.Decimal         `gorm:"type:decimal(18,2);not null"`
	PriceVariationPct decimal.Decimal         `gorm:"type:decimal(10,2);not null"`
	Score             int                     `gorm:"not null;default:0"`
	BreakdownJSON     string                  `gorm:"column:score_breakdown;type:jsonb"`
	Tier              scoring.Tier            `gorm:"type:varchar(20)"`
	Status            sourcing.ProposalStatus `gorm:"type:varchar(20);not null;index"`
	PickupDate        time.Time               `gorm:"not null"`
	DeliveryDate      time.Time               `gorm:"not null"`
	VehicleType       string                  `gorm:"type:varchar(50)"`
	Comment           string                  `gorm:"type:text"`
	ResponseTimeMs    int64                   `gorm:"not null;default:0"`
	ExpiresAt         *time.Time
	CounterOfferJSON  *string                 `gorm:"column:counter_offer;type:jsonb"`
	NegotiationJSON   string                  `gorm:"column:negotiation_history;type:jsonb;default:'[]'"`
	DecidedAt         *time.Time
	RejectionReason   string                  `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (CarrierProposalModel) TableName() string {
	return "carrier_proposals"
}

// ToDomain converts the persistence model to a domain CarrierProposal
func (m *CarrierProposalModel) ToDomain() *sourcing.CarrierProposal {
	p := &sourcing.CarrierProposal{
		BaseAggregateRoot:  m.ToAggregateRoot(),
		SessionID:          m.SessionID,
		OrganizationID:     m.OrganizationID,
		CarrierID:          m.CarrierID,
		CarrierName:        m.CarrierName,
		ProposedPrice:      m.ProposedPrice,
		OriginalEstimate:   m.OriginalEstimate,
		PriceVariationPct:  m.PriceVariationPct,
		Score:              m.Score,
		Tier:               m.Tier,
		Status:             m.Status,
		PickupDate:         m.PickupDate,
		DeliveryDate:       m.DeliveryDate,
		VehicleType:        m.VehicleType,
		Comment:            m.Comment,
		ResponseTime:       time.Duration(m.ResponseTimeMs) * time.Millisecond,
		ExpiresAt:          m.ExpiresAt,
		NegotiationHistory: make([]sourcing.NegotiationEntry, 0),
		DecidedAt:          m.DecidedAt,
		RejectionReason:    m.RejectionReason,
	}
	decodeJSON(m.BreakdownJSON, "score_breakdown", &p.ScoreBreakdown)
	decodeOptionalJSON(m.CounterOfferJSON, "counter_offer", &p.CounterOffer)
	decodeJSON(m.NegotiationJSON, "negotiation_history", &p.NegotiationHistory)
	return p
}

// FromDomain populates the persistence model from a domain CarrierProposal
func (m *CarrierProposalModel) FromDomain(p *sourcing.CarrierProposal) {
	m.FromDomainAggregateRoot(p.BaseAggregateRoot)
	m.SessionID = p.SessionID
	m.OrganizationID = p.OrganizationID
	m.CarrierID = p.CarrierID
	m.CarrierName = p.CarrierName
	m.ProposedPrice = p.ProposedPrice
	m.OriginalEstimate = p.OriginalEstimate
	m.PriceVariationPct = p.PriceVariationPct
	m.Score = p.Score
	m.BreakdownJSON = encodeJSON(p.ScoreBreakdown, "{}")
	m.Tier = p.Tier
	m.Status = p.Status
	m.PickupDate = p.PickupDate
	m.DeliveryDate = p.DeliveryDate
	m.VehicleType = p.VehicleType
	m.Comment = p.Comment
	m.ResponseTimeMs = p.ResponseTime.Milliseconds()
	m.ExpiresAt = p.ExpiresAt
	m.CounterOfferJSON = optionalJSON(p.CounterOffer != nil, p.CounterOffer)
	m.NegotiationJSON = "[]"
	if len(p.NegotiationHistory) > 0 {
		m.NegotiationJSON = encodeJSON(p.NegotiationHistory, "[]")
	}
	m.DecidedAt = p.DecidedAt
	m.RejectionReason = p.RejectionReason
}

// CarrierProposalModelFromDomain creates a persistence model from a domain CarrierProposal
func CarrierProposalModelFromDomain(p *sourcing.CarrierProposal) *CarrierProposalModel {
	m := &CarrierProposalModel{}
	m.FromDomain(p)
	return m
}

// UpdateColumns returns the mutable columns written by an optimistic-lock update
func (m *CarrierProposalModel) UpdateColumns() map[string]any {
	return map[string]any{
		"carrier_name":        m.CarrierName,
		"proposed_price":      m.ProposedPrice,
		"price_variation_pct": m.PriceVariationPct,
		"score":               m.Score,
		"score_breakdown":     m.BreakdownJSON,
		"tier":                m.Tier,
		"status":              m.Status,
		"pickup_date":         m.PickupDate,
		"delivery_date":       m.DeliveryDate,
		"vehicle_type":        m.VehicleType,
		"comment":             m.Comment,
		"expires_at":          m.ExpiresAt,
		"counter_offer":       m.CounterOfferJSON,
		"negotiation_history": m.NegotiationJSON,
		"decided_at":          m.DecidedAt,
		"rejection_reason":    m.RejectionReason,
		"version":             m.Version,
		"updated_at":          m.UpdatedAt,
	}
}

