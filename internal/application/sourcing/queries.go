package sourcing

import (
	"context"
	"strings"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/google/uuid"
)

const defaultEventLimit = 50

// GetSession returns a session by ID
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*SessionResponse, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp := ToSessionResponse(session)
	return &resp, nil
}

// GetActiveSession returns the active session of an order
func (s *Service) GetActiveSession(ctx context.Context, orderID string) (*SessionResponse, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, shared.NewValidationError("order id is required")
	}
	session, err := s.sessions.FindActiveByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	resp := ToSessionResponse(session)
	return &resp, nil
}

// ListSessions returns a page of sessions, newest first
func (s *Service) ListSessions(ctx context.Context, filter ListSessionsFilter) (*shared.Paginated[SessionResponse], error) {
	f := shared.DefaultFilter()
	if filter.Page > 0 {
		f.Page = filter.Page
	}
	if filter.PageSize > 0 {
		f.PageSize = filter.PageSize
	}

	sessions, total, err := s.sessions.FindAll(ctx, filter.Query(), f)
	if err != nil {
		return nil, err
	}
	page := shared.NewPaginated(ToSessionResponses(sessions), total, f.Page, f.Limit())
	return &page, nil
}

// ListProposals returns the proposals of a session in arrival order
func (s *Service) ListProposals(ctx context.Context, sessionID uuid.UUID) ([]ProposalResponse, error) {
	if _, err := s.sessions.FindByID(ctx, sessionID); err != nil {
		return nil, err
	}
	proposals, err := s.proposals.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ToProposalResponses(proposals), nil
}

// GetProposal returns one proposal of a session
func (s *Service) GetProposal(ctx context.Context, sessionID, proposalID uuid.UUID) (*ProposalResponse, error) {
	p, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.SessionID != sessionID {
		return nil, shared.NewNotFoundError("proposal", proposalID.String())
	}
	resp := ToProposalResponse(p)
	return &resp, nil
}

// RecentEvents returns the most recent events of a session, oldest first.
// Only events still held by the bounded event log are returned.
func (s *Service) RecentEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]EventResponse, error) {
	if _, err := s.sessions.FindByID(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return make([]EventResponse, 0), nil
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	return ToEventResponses(s.history.ForAggregate(sessionID, limit)), nil
}

// Stats aggregates sourcing activity
func (s *Service) Stats(ctx context.Context, filter StatsFilter) (*StatsResponse, error) {
	stats, err := s.sessions.Stats(ctx, ListSessionsFilter{
		OrganizationID: filter.OrganizationID,
		From:           filter.From,
		To:             filter.To,
	}.Query())
	if err != nil {
		return nil, err
	}
	stats.Derive()
	return &StatsResponse{
		SessionStats: *stats,
		SuccessRate:  stats.SuccessRate(),
	}, nil
}

// CarrierStats summarizes the proposals a carrier made across sessions
func (s *Service) CarrierStats(ctx context.Context, carrierID string) (*sourcing.CarrierStats, error) {
	carrierID = strings.TrimSpace(carrierID)
	if carrierID == "" {
		return nil, shared.NewValidationError("carrier id is required")
	}
	return s.proposals.CarrierStats(ctx, carrierID)
}

// KPIs returns the dashboard counters of an organization. "Today" is the
// current UTC day.
func (s *Service) KPIs(ctx context.Context, organizationID string) (*sourcing.KPIs, error) {
	midnight := s.now().UTC().Truncate(24 * time.Hour)

	today, err := s.sessions.Stats(ctx, sourcing.SessionQuery{OrganizationID: organizationID, From: &midnight})
	if err != nil {
		return nil, err
	}
	today.Derive()
	all, err := s.sessions.Stats(ctx, sourcing.SessionQuery{OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	all.Derive()
	pending, err := s.proposals.CountByStatus(ctx, organizationID, sourcing.ProposalPending)
	if err != nil {
		return nil, err
	}

	return &sourcing.KPIs{
		TodaySessions:    today.Total,
		TodayAssigned:    today.Successful,
		TodaySuccessRate: int(today.SuccessRate() + 0.5),
		ActiveSessions:   all.Active,
		PendingProposals: pending,
	}, nil
}
