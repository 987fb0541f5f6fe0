package sourcing

import (
	"context"
	"math"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionQuery narrows session listings and statistics
type SessionQuery struct {
	OrganizationID string
	Status         SessionStatus
	TriggerType    TriggerType
	From           *time.Time
	To             *time.Time
}

// SessionRepository defines the interface for sourcing session persistence
type SessionRepository interface {
	// FindByID finds a session by ID
	FindByID(ctx context.Context, id uuid.UUID) (*SourcingSession, error)

	// FindActiveByOrder finds the active session of an order
	FindActiveByOrder(ctx context.Context, orderID string) (*SourcingSession, error)

	// FindAll lists sessions matching the query, newest first, with the total count
	FindAll(ctx context.Context, query SessionQuery, filter shared.Filter) ([]SourcingSession, int64, error)

	// CreateIfNoActive inserts the session unless the order already has an
	// active one, in which case it returns a CONFLICT error. The check and the
	// insert are a single atomic step.
	CreateIfNoActive(ctx context.Context, session *SourcingSession) error

	// SaveWithLock saves with optimistic locking (version check)
	SaveWithLock(ctx context.Context, session *SourcingSession) error

	// SaveWithProposals saves the session with optimistic locking together with
	// the given proposals (inserted or updated) in one transaction
	SaveWithProposals(ctx context.Context, session *SourcingSession, proposals ...*CarrierProposal) error

	// Stats aggregates sessions matching the query
	Stats(ctx context.Context, query SessionQuery) (*SessionStats, error)
}

// ProposalRepository defines the interface for carrier proposal persistence
type ProposalRepository interface {
	// FindByID finds a proposal by ID
	FindByID(ctx context.Context, id uuid.UUID) (*CarrierProposal, error)

	// FindBySession returns the proposals of a session in arrival order
	FindBySession(ctx context.Context, sessionID uuid.UUID) ([]*CarrierProposal, error)

	// FindBySessionAndCarrier finds the proposal a carrier made for a session
	FindBySessionAndCarrier(ctx context.Context, sessionID uuid.UUID, carrierID string) (*CarrierProposal, error)

	// SaveWithLock saves a single proposal with optimistic locking
	SaveWithLock(ctx context.Context, proposal *CarrierProposal) error

	// CarrierStats aggregates every proposal a carrier made
	CarrierStats(ctx context.Context, carrierID string) (*CarrierStats, error)

	// CountByStatus counts the proposals in status; an empty organization
	// counts across organizations
	CountByStatus(ctx context.Context, organizationID string, status ProposalStatus) (int64, error)
}

// CarrierAssignments counts the sessions assigned to one carrier
type CarrierAssignments struct {
	CarrierID   string `json:"carrier_id"`
	CarrierName string `json:"carrier_name"`
	Assignments int64  `json:"assignments"`
}

// SessionStats aggregates sourcing activity
type SessionStats struct {
	Total             int64                   `json:"total"`
	Active            int64                   `json:"active"`
	Successful        int64                   `json:"successful"`
	Failed            int64                   `json:"failed"`
	Cancelled         int64                   `json:"cancelled"`
	ByStatus          map[SessionStatus]int64 `json:"by_status"`
	ByTrigger         map[TriggerType]int64   `json:"by_trigger"`
	AverageFinalPrice decimal.Decimal         `json:"average_final_price"`
	TopCarriers       []CarrierAssignments    `json:"top_carriers"`
}

// NewSessionStats returns empty statistics
func NewSessionStats() *SessionStats {
	return &SessionStats{
		ByStatus:    make(map[SessionStatus]int64),
		ByTrigger:   make(map[TriggerType]int64),
		TopCarriers: make([]CarrierAssignments, 0),
	}
}

// Derive fills the totals from the per-status counters
func (st *SessionStats) Derive() {
	st.Total, st.Active, st.Successful = 0, 0, 0
	for status, n := range st.ByStatus {
		st.Total += n
		if status.IsActive() {
			st.Active += n
		}
		for _, ok := range SuccessfulStatuses() {
			if status == ok {
				st.Successful += n
			}
		}
	}
	st.Failed = st.ByStatus[StatusFailed]
	st.Cancelled = st.ByStatus[StatusCancelled]
}

// SuccessRate returns the percentage of sessions that reached an assignment
func (st *SessionStats) SuccessRate() float64 {
	if st.Total == 0 {
		return 0
	}
	return float64(st.Successful) * 100 / float64(st.Total)
}

// CarrierStats summarizes the proposals of one carrier
type CarrierStats struct {
	CarrierID              string     `json:"carrier_id"`
	TotalProposals         int64      `json:"total_proposals"`
	AcceptedProposals      int64      `json:"accepted_proposals"`
	AcceptanceRate         int        `json:"acceptance_rate"`
	AverageScore           int        `json:"average_score"`
	AverageResponseMinutes int        `json:"average_response_minutes"`
	LastProposalAt         *time.Time `json:"last_proposal_at,omitempty"`
}

// NewCarrierStats builds carrier statistics from raw aggregates. Rates and
// averages are rounded to whole numbers; a carrier without proposals gets zeros.
func NewCarrierStats(carrierID string, total, accepted int64, avgScore float64, avgResponse time.Duration, last *time.Time) *CarrierStats {
	st := &CarrierStats{
		CarrierID:         carrierID,
		TotalProposals:    total,
		AcceptedProposals: accepted,
		LastProposalAt:    last,
	}
	if total == 0 {
		return st
	}
	st.AcceptanceRate = int(math.Round(float64(accepted) * 100 / float64(total)))
	st.AverageScore = int(math.Round(avgScore))
	st.AverageResponseMinutes = int(math.Round(avgResponse.Minutes()))
	return st
}

// KPIs are the headline dashboard counters of an organization
type KPIs struct {
	TodaySessions    int64 `json:"today_sessions"`
	TodayAssigned    int64 `json:"today_assigned"`
	TodaySuccessRate int   `json:"today_success_rate"`
	ActiveSessions   int64 `json:"active_sessions"`
	PendingProposals int64 `json:"pending_proposals"`
}
