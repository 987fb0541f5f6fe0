package sourcing

import (
	"context"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/google/uuid"
)

// ComplianceChecker reads the compliance record of a carrier
type ComplianceChecker interface {
	CheckCompliance(ctx context.Context, carrierID string, forceRefresh bool) (*vigilance.VigilanceRecord, error)
}

// Recipient is a shortlisted carrier an opportunity is sent to
type Recipient struct {
	CarrierID   string `json:"carrier_id"`
	CarrierName string `json:"carrier_name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Opportunity is what a broadcast announces to carriers
type Opportunity struct {
	SessionID      uuid.UUID          `json:"session_id"`
	BroadcastID    uuid.UUID          `json:"broadcast_id"`
	OrderID        string             `json:"order_id"`
	OrganizationID string             `json:"organization_id"`
	Priority       sourcing.Priority  `json:"priority"`
	Channels       []sourcing.Channel `json:"channels"`
	Recipients     []Recipient        `json:"recipients"`
	Route          sourcing.Route     `json:"route"`
	Order          scoring.Order      `json:"order"`
	Deadline       *time.Time         `json:"deadline,omitempty"`
}

// DispatchReport counts the messages a dispatcher handed to its channels
type DispatchReport struct {
	Sent   int
	Failed int
	Errors []string
}

// Dispatcher delivers an opportunity to carriers over email, SMS and push.
// The freight exchange channel is handled by the service itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, opp Opportunity) (DispatchReport, error)
}

// EventHistory gives access to recently published events
type EventHistory interface {
	ForAggregate(aggregateID uuid.UUID, limit int) []shared.DomainEvent
}

// Metrics records sourcing activity
type Metrics interface {
	SessionTriggered(ctx context.Context, trigger string)
	ProposalScored(ctx context.Context, score int)
	ComplianceRejected(ctx context.Context, stage string)
	SelectionCompleted(ctx context.Context, outcome string)
	SessionEnded(ctx context.Context, status string)
	DispatchCompleted(ctx context.Context, sent, failed int)
}

type noopMetrics struct{}

func (noopMetrics) SessionTriggered(context.Context, string) {}
func (noopMetrics) ProposalScored(context.Context, int) {}
func (noopMetrics) ComplianceRejected(context.Context, string) {}
func (noopMetrics) SelectionCompleted(context.Context, string) {}
func (noopMetrics) SessionEnded(context.Context, string) {}
func (noopMetrics) DispatchCompleted(context.Context, int, int) {}
