package sourcing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/affretia/backend/internal/infrastructure/lock"
	"github.com/affretia/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the orchestrator settings
type Config struct {
	// ExchangeOfferTTL is the retention of a freight exchange offer when the
	// broadcast has no deadline
	ExchangeOfferTTL time.Duration
	// TrackingTTL is the retention of a tracking record
	TrackingTTL time.Duration
	// DispatchTimeout bounds one background dispatch
	DispatchTimeout time.Duration
	// RescoreConcurrency bounds the compliance lookups of a selection refresh
	RescoreConcurrency int
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() Config {
	return Config{
		ExchangeOfferTTL:   48 * time.Hour,
		TrackingTTL:        30 * 24 * time.Hour,
		DispatchTimeout:    30 * time.Second,
		RescoreConcurrency: 4,
	}
}

const deliveryRecordAttempts = 3

// Service orchestrates sourcing sessions from trigger to closure.
//
// Mutations of one session are serialized by a per-session lock; triggers
// for one order by a per-order lock. Both are in-process: across processes
// the repository's version check and active-order constraint apply.
type Service struct {
	sessions   sourcing.SessionRepository
	proposals  sourcing.ProposalRepository
	compliance ComplianceChecker
	kv         shared.KVStore
	engine     *scoring.Engine
	decider    *scoring.DecisionEngine
	counter    scoring.CounterOfferStrategy
	dispatcher Dispatcher
	publisher  shared.EventPublisher
	history    EventHistory
	metrics    Metrics
	logger     *zap.Logger
	config     Config
	now        func() time.Time

	orderLocks   *lock.KeyedMutex
	sessionLocks *lock.KeyedMutex
	wg           sync.WaitGroup
}

// Option configures a Service
type Option func(*Service)

// WithDispatcher sets the collaborator delivering broadcasts to carriers
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithEventPublisher sets the publisher receiving session events
func WithEventPublisher(p shared.EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithEventHistory sets the source of RecentEvents
func WithEventHistory(h EventHistory) Option {
	return func(s *Service) { s.history = h }
}

// WithMetrics sets the business metrics recorder
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCounterOfferStrategy replaces the default three-tier ladder
func WithCounterOfferStrategy(c scoring.CounterOfferStrategy) Option {
	return func(s *Service) { s.counter = c }
}

// WithConfig overrides the default settings
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.config = cfg }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new sourcing Service
func NewService(
	sessions sourcing.SessionRepository,
	proposals sourcing.ProposalRepository,
	compliance ComplianceChecker,
	kv shared.KVStore,
	engine *scoring.Engine,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		sessions:     sessions,
		proposals:    proposals,
		compliance:   compliance,
		kv:           kv,
		engine:       engine,
		publisher:    shared.NoopPublisher{},
		metrics:      noopMetrics{},
		logger:       logger,
		config:       DefaultConfig(),
		now:          time.Now,
		orderLocks:   lock.NewKeyedMutex(),
		sessionLocks: lock.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.decider = scoring.NewDecisionEngine(engine.Config().Thresholds, s.counter)
	if s.config.RescoreConcurrency <= 0 {
		s.config.RescoreConcurrency = 1
	}
	return s
}

// Wait blocks until background dispatches have finished or ctx is done
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerSourcing opens a session for an order. It fails with a CONFLICT
// error when the order already has an active session.
func (s *Service) TriggerSourcing(ctx context.Context, req TriggerSourcingRequest) (*SessionResponse, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "SourcingService", "TriggerSourcing",
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, req.OrderID),
		telemetry.WithAttribute(telemetry.SpanAttrOrganizationID, req.OrganizationID))
	resp, err := s.triggerSourcing(ctx, req)
	if err == nil {
		telemetry.SetAttributes(span, telemetry.SpanAttrSessionID, resp.ID.String())
	}
	telemetry.End(span, err)
	return resp, err
}

func (s *Service) triggerSourcing(ctx context.Context, req TriggerSourcingRequest) (*SessionResponse, error) {
	session, err := sourcing.NewSourcingSession(sourcing.TriggerParams{
		OrderID:        req.OrderID,
		OrganizationID: req.OrganizationID,
		TriggerType:    sourcing.TriggerType(req.TriggerType),
		Priority:       sourcing.Priority(req.Priority),
		Reason:         req.Reason,
		TriggeredBy:    req.TriggeredBy,
		Route: sourcing.Route{
			OriginCity:            req.Route.OriginCity,
			OriginPostalCode:      req.Route.OriginPostalCode,
			DestinationCity:       req.Route.DestinationCity,
			DestinationPostalCode: req.Route.DestinationPostalCode,
		},
		Order: scoring.Order{
			EstimatedPrice: req.Order.EstimatedPrice,
			DistanceKm:     req.Order.DistanceKm,
			PickupAt:       req.Order.PickupAt,
			DeliveryAt:     req.Order.DeliveryAt,
			GoodsType:      req.Order.GoodsType,
			WeightKg:       req.Order.WeightKg,
			Requirements:   req.Order.Requirements,
		},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := session.BeginAnalysis(scoring.AnalyzeOrderComplexity(session.Order, now), now); err != nil {
		return nil, err
	}

	unlock := s.orderLocks.Lock(session.OrderID)
	defer unlock()

	if err := s.sessions.CreateIfNoActive(ctx, session); err != nil {
		return nil, err
	}
	s.metrics.SessionTriggered(ctx, session.TriggerType.String())
	s.publishEvents(ctx, session)

	s.logger.Info("Sourcing session triggered",
		zap.String("session_id", session.ID.String()),
		zap.String("order_id", session.OrderID),
		zap.String("trigger_type", session.TriggerType.String()),
		zap.String("complexity", string(session.Complexity.Level)))

	resp := ToSessionResponse(session)
	return &resp, nil
}

// GenerateShortlist filters the matched carriers through the compliance gate
// and stores the eligible ones. Every excluded carrier is recorded with a
// carrier.rejected.vigilance event. With no eligible carrier the session is
// left unchanged and an INELIGIBLE error is returned.
func (s *Service) GenerateShortlist(ctx context.Context, sessionID uuid.UUID, req GenerateShortlistRequest) (*ShortlistResponse, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := session.CheckTransition(sourcing.StatusShortlistGenerated); err != nil {
		return nil, err
	}

	eligible := make([]sourcing.ShortlistCandidate, 0, len(req.Candidates))
	rejections := make([]sourcing.ComplianceRejection, 0)
	warnings := make([]string, 0)
	for _, c := range req.Candidates {
		carrierID := strings.TrimSpace(c.CarrierID)
		rec, rejection, err := s.screen(ctx, carrierID, false, sourcing.RejectionStageShortlist)
		if err != nil {
			s.logger.Warn("Compliance check unavailable, carrier left out of shortlist",
				zap.String("session_id", sessionID.String()),
				zap.String("carrier_id", carrierID),
				zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("compliance check unavailable for carrier %s", carrierID))
			continue
		}
		if rejection != nil {
			rejections = append(rejections, *rejection)
			continue
		}
		score := rec.ComplianceScore
		eligible = append(eligible, sourcing.ShortlistCandidate{
			CarrierID:          carrierID,
			CarrierName:        c.CarrierName,
			MatchScore:         c.MatchScore,
			DistanceToPickupKm: c.DistanceToPickupKm,
			History:            c.History,
			VigilanceScore:     &score,
			Email:              c.Email,
			Phone:              c.Phone,
		})
	}

	if len(eligible) == 0 {
		return nil, shared.NewIneligibleError("No candidate of session %s passed the compliance gate", sessionID).
			WithDetail("rejected", len(rejections)).
			WithDetail("unchecked", len(warnings))
	}

	now := s.now()
	for _, r := range rejections {
		session.RecordComplianceRejection(r)
	}
	shortlistID, err := session.GenerateShortlist(eligible, now)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SaveWithLock(ctx, session); err != nil {
		return nil, err
	}
	for _, r := range rejections {
		s.metrics.ComplianceRejected(ctx, r.Stage)
	}
	s.publishEvents(ctx, session)

	s.logger.Info("Shortlist generated",
		zap.String("session_id", sessionID.String()),
		zap.Int("eligible", len(eligible)),
		zap.Int("rejected", len(rejections)))

	resp := &ShortlistResponse{
		SessionID:   session.ID,
		ShortlistID: shortlistID,
		Candidates:  session.Shortlist,
		Rejected:    make([]RejectedCarrier, len(rejections)),
		Warnings:    warnings,
	}
	for i, r := range rejections {
		resp.Rejected[i] = RejectedCarrier{
			CarrierID:        r.CarrierID,
			ComplianceStatus: r.Status,
			ComplianceScore:  r.Score,
			Reasons:          r.Reasons,
		}
	}
	return resp, nil
}

// Broadcast opens the session to responses and announces the opportunity.
// Freight exchange publication happens before returning; delivery over the
// other channels runs in the background and its counters are recorded on
// the session when it completes.
func (s *Service) Broadcast(ctx context.Context, sessionID uuid.UUID, req BroadcastRequest) (*BroadcastResponse, error) {
	channels := make([]sourcing.Channel, len(req.Channels))
	for i, c := range req.Channels {
		channels[i] = sourcing.Channel(strings.TrimSpace(c))
	}

	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	broadcastID, err := session.StartBroadcast(channels, req.Deadline, now)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SaveWithLock(ctx, session); err != nil {
		return nil, err
	}
	s.publishEvents(ctx, session)

	warnings := make([]string, 0)
	if session.Broadcast.HasChannel(sourcing.ChannelExchange) {
		if err := s.publishExchangeOffer(ctx, session, now); err != nil {
			s.logger.Warn("Failed to publish freight exchange offer",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
			warnings = append(warnings, "freight exchange publication failed")
		}
	}

	opp := s.opportunity(session)
	switch {
	case len(opp.Channels) == 0:
	case s.dispatcher == nil:
		s.logger.Warn("No dispatcher configured, direct channels skipped",
			zap.String("session_id", sessionID.String()))
		warnings = append(warnings, "no dispatcher configured for direct channels")
	default:
		s.dispatchAsync(ctx, opp)
	}

	s.logger.Info("Opportunity broadcast",
		zap.String("session_id", sessionID.String()),
		zap.String("broadcast_id", broadcastID.String()),
		zap.Int("recipients", session.Broadcast.Recipients))

	resp := &BroadcastResponse{
		SessionID:   session.ID,
		BroadcastID: broadcastID,
		Channels:    make([]string, len(session.Broadcast.Channels)),
		Recipients:  session.Broadcast.Recipients,
		Deadline:    session.Broadcast.Deadline,
		Warnings:    warnings,
	}
	for i, c := range session.Broadcast.Channels {
		resp.Channels[i] = string(c)
	}
	return resp, nil
}

func (s *Service) opportunity(session *sourcing.SourcingSession) Opportunity {
	opp := Opportunity{
		SessionID:      session.ID,
		BroadcastID:    session.Broadcast.ID,
		OrderID:        session.OrderID,
		OrganizationID: session.OrganizationID,
		Priority:       session.Priority,
		Channels:       make([]sourcing.Channel, 0, len(session.Broadcast.Channels)),
		Recipients:     make([]Recipient, len(session.Shortlist)),
		Route:          session.Route,
		Order:          session.Order,
		Deadline:       session.Broadcast.Deadline,
	}
	for _, c := range session.Broadcast.Channels {
		if c != sourcing.ChannelExchange {
			opp.Channels = append(opp.Channels, c)
		}
	}
	for i, c := range session.Shortlist {
		opp.Recipients[i] = Recipient{
			CarrierID:   c.CarrierID,
			CarrierName: c.CarrierName,
			Email:       c.Email,
			Phone:       c.Phone,
		}
	}
	return opp
}

// dispatchAsync hands the opportunity to the dispatcher outside the request.
// Dispatch failures never fail the broadcast; they end up in the counters.
func (s *Service) dispatchAsync(ctx context.Context, opp Opportunity) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DispatchTimeout)
		defer cancel()

		report, err := s.dispatcher.Dispatch(dctx, opp)
		if err != nil {
			s.logger.Warn("Broadcast dispatch failed",
				zap.String("session_id", opp.SessionID.String()),
				zap.String("broadcast_id", opp.BroadcastID.String()),
				zap.Error(err))
			if report.Sent+report.Failed == 0 {
				report.Failed = len(opp.Recipients) * len(opp.Channels)
			}
		}
		for _, e := range report.Errors {
			s.logger.Debug("Dispatch error",
				zap.String("session_id", opp.SessionID.String()),
				zap.String("error", e))
		}
		s.metrics.DispatchCompleted(dctx, report.Sent, report.Failed)
		if err := s.recordDelivery(dctx, opp.SessionID, report); err != nil {
			s.logger.Warn("Failed to record broadcast delivery",
				zap.String("session_id", opp.SessionID.String()),
				zap.Error(err))
		}
	}()
}

func (s *Service) recordDelivery(ctx context.Context, sessionID uuid.UUID, report DispatchReport) error {
	var err error
	for attempt := 0; attempt < deliveryRecordAttempts; attempt++ {
		err = s.tryRecordDelivery(ctx, sessionID, report)
		if !errors.Is(err, shared.ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (s *Service) tryRecordDelivery(ctx context.Context, sessionID uuid.UUID, report DispatchReport) error {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := session.RecordDelivery(report.Sent, report.Failed); err != nil {
		return err
	}
	return s.sessions.SaveWithLock(ctx, session)
}

// SubmitProposal records a carrier's priced response. The carrier passes the
// compliance gate first; a rejected carrier is recorded on the session and a
// COMPLIANCE_REJECTED error returned. A carrier may respond once per session.
func (s *Service) SubmitProposal(ctx context.Context, sessionID uuid.UUID, req SubmitProposalRequest) (*ProposalResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "SourcingService", "SubmitProposal",
		telemetry.WithAttribute(telemetry.SpanAttrSessionID, sessionID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrCarrierID, req.CarrierID))
	res, err := s.submitProposal(ctx, sessionID, req)
	telemetry.End(span, err)
	return res, err
}

func (s *Service) submitProposal(ctx context.Context, sessionID uuid.UUID, req SubmitProposalRequest) (*ProposalResult, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := session.CheckAcceptsProposals(); err != nil {
		return nil, err
	}

	carrierID := strings.TrimSpace(req.CarrierID)
	existing, err := s.proposals.FindBySessionAndCarrier(ctx, sessionID, carrierID)
	switch {
	case err == nil && existing != nil:
		return nil, shared.NewConflictError("Carrier %s already responded to session %s", carrierID, sessionID)
	case err != nil && !errors.Is(err, shared.ErrNotFound):
		return nil, err
	}

	in := sourcing.ProposalInput{
		CarrierID:     carrierID,
		CarrierName:   req.CarrierName,
		ProposedPrice: req.ProposedPrice,
		PickupDate:    req.PickupDate,
		DeliveryDate:  req.DeliveryDate,
		VehicleType:   req.VehicleType,
		Comment:       req.Comment,
		ExpiresAt:     req.ExpiresAt,
	}
	if req.ResponseTimeMinutes != nil {
		in.ResponseTime = time.Duration(*req.ResponseTimeMinutes * float64(time.Minute))
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	warnings := make([]string, 0)
	rec, rejection, err := s.screen(ctx, carrierID, false, sourcing.RejectionStageProposal)
	switch {
	case err != nil:
		s.logger.Warn("Compliance check unavailable, proposal scored without it",
			zap.String("session_id", sessionID.String()),
			zap.String("carrier_id", carrierID),
			zap.Error(err))
		warnings = append(warnings, "compliance check unavailable, vigilance sub-score is neutral")
	case rejection != nil:
		session.RecordComplianceRejection(*rejection)
		if err := s.sessions.SaveWithLock(ctx, session); err != nil {
			return nil, err
		}
		s.metrics.ComplianceRejected(ctx, rejection.Stage)
		s.publishEvents(ctx, session)
		return nil, complianceError(*rejection)
	}

	proposal, err := sourcing.NewCarrierProposal(session, in)
	if err != nil {
		return nil, err
	}
	if proposal.CarrierName == "" {
		if entry, ok := session.ShortlistEntry(carrierID); ok {
			proposal.CarrierName = entry.CarrierName
		}
	}
	result := s.score(session, proposal, rec)

	if err := session.RecordResponse(proposal, s.now()); err != nil {
		return nil, err
	}
	if err := s.sessions.SaveWithProposals(ctx, session, proposal); err != nil {
		return nil, err
	}
	s.metrics.ProposalScored(ctx, result.Total)
	s.publishEvents(ctx, session)

	s.logger.Info("Proposal received",
		zap.String("session_id", sessionID.String()),
		zap.String("proposal_id", proposal.ID.String()),
		zap.String("carrier_id", carrierID),
		zap.String("proposed_price", proposal.ProposedPrice.String()),
		zap.Int("score", result.Total))

	return &ProposalResult{
		Proposal: ToProposalResponse(proposal),
		Score:    result,
		Warnings: warnings,
	}, nil
}

// ReviseProposal changes the price of an open proposal and re-scores it
func (s *Service) ReviseProposal(ctx context.Context, sessionID, proposalID uuid.UUID, req ReviseProposalRequest) (*ProposalResult, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := session.CheckAcceptsProposals(); err != nil {
		return nil, err
	}
	proposal, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.SessionID != sessionID {
		return nil, shared.NewNotFoundError("proposal", proposalID.String())
	}

	actor := req.Actor
	if actor == "" {
		actor = sourcing.ActorCarrier
	}
	if err := proposal.Revise(req.ProposedPrice, actor, req.Message, s.now()); err != nil {
		return nil, err
	}

	warnings := make([]string, 0)
	rec, err := s.compliance.CheckCompliance(ctx, proposal.CarrierID, false)
	if err != nil {
		s.logger.Warn("Compliance check unavailable during revision",
			zap.String("proposal_id", proposalID.String()),
			zap.Error(err))
		warnings = append(warnings, "compliance check unavailable, vigilance sub-score is neutral")
		rec = nil
	}
	result := s.score(session, proposal, rec)

	if err := s.proposals.SaveWithLock(ctx, proposal); err != nil {
		return nil, err
	}
	s.metrics.ProposalScored(ctx, result.Total)

	s.logger.Info("Proposal revised",
		zap.String("session_id", sessionID.String()),
		zap.String("proposal_id", proposalID.String()),
		zap.String("proposed_price", proposal.ProposedPrice.String()),
		zap.Int("score", result.Total))

	return &ProposalResult{
		Proposal: ToProposalResponse(proposal),
		Score:    result,
		Warnings: warnings,
	}, nil
}

// PostMessage appends a negotiation message to an open proposal of a session
// that still takes responses
func (s *Service) PostMessage(ctx context.Context, sessionID, proposalID uuid.UUID, req PostMessageRequest) (*ProposalResponse, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := session.CheckAcceptsProposals(); err != nil {
		return nil, err
	}
	proposal, err := s.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.SessionID != sessionID {
		return nil, shared.NewNotFoundError("proposal", proposalID.String())
	}
	if req.Actor != sourcing.ActorCarrier && req.Actor != sourcing.ActorShipper {
		return nil, shared.NewValidationError("invalid actor: %s", req.Actor)
	}
	if err := proposal.AddMessage(req.Actor, req.Message, s.now()); err != nil {
		return nil, err
	}
	if err := s.proposals.SaveWithLock(ctx, proposal); err != nil {
		return nil, err
	}

	s.logger.Debug("Negotiation message recorded",
		zap.String("session_id", sessionID.String()),
		zap.String("proposal_id", proposalID.String()),
		zap.String("actor", req.Actor))

	resp := ToProposalResponse(proposal)
	return &resp, nil
}

// RunSelection ranks the session's live proposals and applies the decision.
// An auto-acceptable winner is assigned in the same step; otherwise the
// session waits in selecting with a counter-offer attached to the leader.
// With no eligible proposal nothing is persisted and an INELIGIBLE error is
// returned.
func (s *Service) RunSelection(ctx context.Context, sessionID uuid.UUID, req RunSelectionRequest) (*SelectionResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "SourcingService", "RunSelection",
		telemetry.WithAttribute(telemetry.SpanAttrSessionID, sessionID.String()))
	res, err := s.runSelection(ctx, sessionID, req)
	telemetry.End(span, err)
	return res, err
}

func (s *Service) runSelection(ctx context.Context, sessionID uuid.UUID, req RunSelectionRequest) (*SelectionResult, error) {
	decider := s.decider
	if req.Thresholds != nil {
		t := scoring.Thresholds{
			AutoAcceptScore:       req.Thresholds.AutoAcceptScore,
			MinAcceptableScore:    req.Thresholds.MinAcceptableScore,
			PriceTolerancePercent: req.Thresholds.PriceTolerancePercent,
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		decider = decider.WithThresholds(t)
	}

	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := session.CheckCanSelect(); err != nil {
		return nil, err
	}
	proposals, err := s.proposals.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	warnings := make([]string, 0)
	var rescored []*sourcing.CarrierProposal
	if req.RefreshCompliance {
		rescored, warnings = s.rescore(ctx, session, proposals)
	}

	now := s.now()
	outcome, err := sourcing.ApplyDecision(session, proposals, decider, now)
	if err != nil {
		if errors.Is(err, shared.ErrIneligible) {
			s.metrics.SelectionCompleted(ctx, "ineligible")
		}
		return nil, err
	}

	changed := mergeProposals(outcome.Changed, rescored)
	if err := s.sessions.SaveWithProposals(ctx, session, changed...); err != nil {
		return nil, err
	}
	s.publishEvents(ctx, session)

	result := &SelectionResult{
		Decision: outcome.Decision,
		Warnings: warnings,
	}
	switch {
	case outcome.Accepted != nil:
		s.metrics.SelectionCompleted(ctx, "auto_accepted")
		accepted := ToProposalResponse(outcome.Accepted)
		result.Accepted = &accepted
		result.Tracking, result.Warnings = s.afterAssignment(ctx, session, result.Warnings)
	case outcome.CounterOffer != nil:
		s.metrics.SelectionCompleted(ctx, "counter_offer")
		counter := ToProposalResponse(outcome.CounterOffer)
		result.CounterOffer = &counter
	default:
		s.metrics.SelectionCompleted(ctx, "manual_review")
	}
	result.Session = ToSessionResponse(session)

	s.logger.Info("Selection completed",
		zap.String("session_id", sessionID.String()),
		zap.String("candidate", outcome.Decision.Candidate.CarrierID),
		zap.Int("score", outcome.Decision.Candidate.Score),
		zap.Bool("auto_accepted", outcome.Accepted != nil),
		zap.Bool("counter_offer", outcome.CounterOffer != nil))
	return result, nil
}

// rescore refreshes the compliance record of every open proposal's carrier
// and re-scores the proposal. Carriers that no longer pass are disqualified.
// Lookup failures keep the stored score and are reported as warnings.
func (s *Service) rescore(ctx context.Context, session *sourcing.SourcingSession, proposals []*sourcing.CarrierProposal) ([]*sourcing.CarrierProposal, []string) {
	open := make([]*sourcing.CarrierProposal, 0, len(proposals))
	for _, p := range proposals {
		if p.Status.IsOpen() {
			open = append(open, p)
		}
	}
	records, errs := s.fetchCompliance(ctx, open)

	now := s.now()
	changed := make([]*sourcing.CarrierProposal, 0, len(open))
	warnings := make([]string, 0)
	for i, p := range open {
		if errs[i] != nil {
			s.logger.Warn("Compliance refresh failed, keeping stored score",
				zap.String("proposal_id", p.ID.String()),
				zap.String("carrier_id", p.CarrierID),
				zap.Error(errs[i]))
			warnings = append(warnings, fmt.Sprintf("compliance refresh failed for carrier %s", p.CarrierID))
			continue
		}
		rec := records[i]
		if !rec.IsEligible() {
			rejection := rejectionFor(p.CarrierID, sourcing.RejectionStageProposal, rec)
			if err := p.Disqualify(strings.Join(rejection.Reasons, ", "), now); err != nil {
				continue
			}
			session.RecordComplianceRejection(rejection)
			s.metrics.ComplianceRejected(ctx, rejection.Stage)
			changed = append(changed, p)
			continue
		}
		s.score(session, p, rec)
		changed = append(changed, p)
	}
	return changed, warnings
}

// fetchCompliance refreshes the compliance records of the proposals' carriers
// in parallel. Results and errors are indexed like proposals.
func (s *Service) fetchCompliance(ctx context.Context, proposals []*sourcing.CarrierProposal) ([]*vigilance.VigilanceRecord, []error) {
	records := make([]*vigilance.VigilanceRecord, len(proposals))
	errs := make([]error, len(proposals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.RescoreConcurrency)
	for i, p := range proposals {
		g.Go(func() error {
			records[i], errs[i] = s.compliance.CheckCompliance(gctx, p.CarrierID, true)
			return nil
		})
	}
	_ = g.Wait()
	return records, errs
}

// Assign accepts a proposal chosen by an operator. The winner's compliance is
// re-checked first; a carrier that no longer passes is disqualified and a
// COMPLIANCE_REJECTED error returned.
func (s *Service) Assign(ctx context.Context, sessionID uuid.UUID, req AssignRequest) (*AssignResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "SourcingService", "Assign",
		telemetry.WithAttribute(telemetry.SpanAttrSessionID, sessionID.String()))
	res, err := s.assign(ctx, sessionID, req)
	telemetry.End(span, err)
	return res, err
}

func (s *Service) assign(ctx context.Context, sessionID uuid.UUID, req AssignRequest) (*AssignResult, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := session.CheckCanSelect(); err != nil {
		return nil, err
	}
	proposals, err := s.proposals.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	params := sourcing.AcceptParams{
		ProposalID:    req.ProposalID,
		CarrierID:     strings.TrimSpace(req.CarrierID),
		TrackingLevel: sourcing.TrackingLevel(req.TrackingLevel),
	}
	if req.FinalPrice != nil {
		params.FinalPrice = *req.FinalPrice
	}

	warnings := make([]string, 0)
	if target := findTarget(proposals, params); target != nil && target.Status.IsOpen() {
		_, rejection, err := s.screen(ctx, target.CarrierID, false, sourcing.RejectionStageProposal)
		switch {
		case err != nil:
			s.logger.Warn("Compliance re-check unavailable at assignment",
				zap.String("session_id", sessionID.String()),
				zap.String("carrier_id", target.CarrierID),
				zap.Error(err))
			warnings = append(warnings, "compliance re-check unavailable at assignment")
		case rejection != nil:
			now := s.now()
			if err := target.Disqualify(strings.Join(rejection.Reasons, ", "), now); err != nil {
				return nil, err
			}
			session.RecordComplianceRejection(*rejection)
			if err := s.sessions.SaveWithProposals(ctx, session, target); err != nil {
				return nil, err
			}
			s.metrics.ComplianceRejected(ctx, rejection.Stage)
			s.publishEvents(ctx, session)
			return nil, complianceError(*rejection)
		}
	}

	winner, changed, err := sourcing.AcceptProposal(session, proposals, params, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SaveWithProposals(ctx, session, changed...); err != nil {
		return nil, err
	}
	s.metrics.SelectionCompleted(ctx, "manual_assignment")
	s.publishEvents(ctx, session)

	tracking, warnings := s.afterAssignment(ctx, session, warnings)

	s.logger.Info("Order assigned",
		zap.String("session_id", sessionID.String()),
		zap.String("proposal_id", winner.ID.String()),
		zap.String("carrier_id", winner.CarrierID),
		zap.String("final_price", session.Assignment.FinalPrice.String()))

	return &AssignResult{
		Session:  ToSessionResponse(session),
		Proposal: ToProposalResponse(winner),
		Tracking: tracking,
		Warnings: warnings,
	}, nil
}

// afterAssignment stores the tracking record and withdraws the exchange offer.
// Failures are reported as warnings.
func (s *Service) afterAssignment(ctx context.Context, session *sourcing.SourcingSession, warnings []string) (*TrackingRecord, []string) {
	tracking, err := s.putTracking(ctx, session)
	if err != nil {
		s.logger.Warn("Failed to store tracking record",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
		warnings = append(warnings, "tracking record could not be stored")
		tracking = nil
	}
	if session.Broadcast != nil && session.Broadcast.HasChannel(sourcing.ChannelExchange) {
		if err := s.withdrawExchangeOffer(ctx, session.ID); err != nil {
			s.logger.Warn("Failed to withdraw freight exchange offer",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
			warnings = append(warnings, "freight exchange offer could not be withdrawn")
		}
	}
	return tracking, warnings
}

// ConfirmPickup records the carrier's pickup and starts tracking
func (s *Service) ConfirmPickup(ctx context.Context, sessionID uuid.UUID, req ConfirmPickupRequest) (*SessionResponse, error) {
	session, err := s.mutate(ctx, sessionID, func(session *sourcing.SourcingSession, now time.Time) error {
		return session.ConfirmPickup(req.VehiclePlate, req.DriverName, now)
	})
	if err != nil {
		return nil, err
	}
	s.refreshTracking(ctx, session)
	resp := ToSessionResponse(session)
	return &resp, nil
}

// MarkDelivered records the delivery reported by tracking
func (s *Service) MarkDelivered(ctx context.Context, sessionID uuid.UUID) (*SessionResponse, error) {
	session, err := s.mutate(ctx, sessionID, func(session *sourcing.SourcingSession, now time.Time) error {
		return session.MarkDelivered(now)
	})
	if err != nil {
		return nil, err
	}
	s.refreshTracking(ctx, session)
	resp := ToSessionResponse(session)
	return &resp, nil
}

// CloseSession closes an assigned, in-transit or delivered session
func (s *Service) CloseSession(ctx context.Context, sessionID uuid.UUID, reason string) (*SessionResponse, error) {
	session, err := s.mutate(ctx, sessionID, func(session *sourcing.SourcingSession, now time.Time) error {
		return session.Close(reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SessionEnded(ctx, session.Status.String())
	s.refreshTracking(ctx, session)
	resp := ToSessionResponse(session)
	return &resp, nil
}

// CancelSession cancels a non-terminal session and rejects its open proposals.
// Cancelling a terminal session is a CONFLICT.
func (s *Service) CancelSession(ctx context.Context, sessionID uuid.UUID, reason string) (*SessionResponse, error) {
	return s.end(ctx, sessionID, func(session *sourcing.SourcingSession, now time.Time) error {
		return session.Cancel(reason, now)
	})
}

// FailSession ends a session that cannot reach an assignment
func (s *Service) FailSession(ctx context.Context, sessionID uuid.UUID, reason string) (*SessionResponse, error) {
	return s.end(ctx, sessionID, func(session *sourcing.SourcingSession, now time.Time) error {
		return session.Fail(reason, now)
	})
}

func (s *Service) end(ctx context.Context, sessionID uuid.UUID, fn func(*sourcing.SourcingSession, time.Time) error) (*SessionResponse, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	proposals, err := s.proposals.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := fn(session, now); err != nil {
		return nil, err
	}
	changed := sourcing.CloseOpenProposals(proposals, now)
	if err := s.sessions.SaveWithProposals(ctx, session, changed...); err != nil {
		return nil, err
	}
	s.metrics.SessionEnded(ctx, session.Status.String())
	s.publishEvents(ctx, session)

	if session.Broadcast != nil && session.Broadcast.HasChannel(sourcing.ChannelExchange) {
		if err := s.withdrawExchangeOffer(ctx, session.ID); err != nil {
			s.logger.Warn("Failed to withdraw freight exchange offer",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		}
	}

	s.logger.Info("Sourcing session ended",
		zap.String("session_id", sessionID.String()),
		zap.String("status", session.Status.String()),
		zap.String("reason", session.ClosedReason),
		zap.Int("proposals_closed", len(changed)))

	resp := ToSessionResponse(session)
	return &resp, nil
}

// mutate loads a session under its lock, applies fn, saves and publishes
func (s *Service) mutate(ctx context.Context, sessionID uuid.UUID, fn func(*sourcing.SourcingSession, time.Time) error) (*sourcing.SourcingSession, error) {
	unlock := s.sessionLocks.Lock(sessionID.String())
	defer unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(session, s.now()); err != nil {
		return nil, err
	}
	if err := s.sessions.SaveWithLock(ctx, session); err != nil {
		return nil, err
	}
	s.publishEvents(ctx, session)
	return session, nil
}

// screen reads a carrier's compliance record. A carrier without a record, or
// whose record does not pass, comes back as a rejection. Any other lookup
// failure is returned as an error.
func (s *Service) screen(ctx context.Context, carrierID string, force bool, stage string) (*vigilance.VigilanceRecord, *sourcing.ComplianceRejection, error) {
	rec, err := s.compliance.CheckCompliance(ctx, carrierID, force)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return nil, &sourcing.ComplianceRejection{
			CarrierID: carrierID,
			Stage:     stage,
			Status:    string(vigilance.OverallPending),
			Reasons:   []string{"no compliance record"},
		}, nil
	case err != nil:
		return nil, nil, err
	case !rec.IsEligible():
		r := rejectionFor(carrierID, stage, rec)
		return rec, &r, nil
	}
	return rec, nil, nil
}

// score computes the proposal's score from its price, the shortlist entry of
// its carrier and the compliance record when known
func (s *Service) score(session *sourcing.SourcingSession, p *sourcing.CarrierProposal, rec *vigilance.VigilanceRecord) scoring.Result {
	c := p.Candidate()
	if entry, ok := session.ShortlistEntry(p.CarrierID); ok {
		c.DistanceToPickup = entry.DistanceToPickupKm
		c.History = entry.History
		c.VigilanceScore = entry.VigilanceScore
	}
	if rec != nil {
		vs := rec.ComplianceScore
		c.VigilanceScore = &vs
	}
	result := s.engine.Score(c, session.Order)
	p.ApplyScore(result)
	return result
}

func (s *Service) publishEvents(ctx context.Context, session *sourcing.SourcingSession) {
	events := session.GetDomainEvents()
	session.ClearDomainEvents()
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Warn("Failed to publish sourcing events",
			zap.String("session_id", session.ID.String()),
			zap.Int("events", len(events)),
			zap.Error(err))
	}
}

func rejectionFor(carrierID, stage string, rec *vigilance.VigilanceRecord) sourcing.ComplianceRejection {
	reasons := make([]string, len(rec.RejectionReasons))
	for i, r := range rec.RejectionReasons {
		reasons[i] = string(r)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "compliance status "+rec.OverallStatus.String())
	}
	return sourcing.ComplianceRejection{
		CarrierID: carrierID,
		Stage:     stage,
		Status:    rec.OverallStatus.String(),
		Score:     rec.ComplianceScore,
		Reasons:   reasons,
	}
}

func complianceError(r sourcing.ComplianceRejection) error {
	return shared.NewDomainError(shared.CodeComplianceRejected,
		fmt.Sprintf("Carrier %s rejected by compliance checks", r.CarrierID)).
		WithDetail("carrier_id", r.CarrierID).
		WithDetail("compliance_status", r.Status).
		WithDetail("compliance_score", r.Score).
		WithDetail("reasons", r.Reasons)
}

func findTarget(proposals []*sourcing.CarrierProposal, params sourcing.AcceptParams) *sourcing.CarrierProposal {
	for _, p := range proposals {
		if params.ProposalID != nil && p.ID == *params.ProposalID {
			return p
		}
		if params.ProposalID == nil && params.CarrierID != "" && p.CarrierID == params.CarrierID {
			return p
		}
	}
	return nil
}

// mergeProposals returns the union of both lists, each proposal once
func mergeProposals(a, b []*sourcing.CarrierProposal) []*sourcing.CarrierProposal {
	seen := make(map[uuid.UUID]struct{}, len(a)+len(b))
	out := make([]*sourcing.CarrierProposal, 0, len(a)+len(b))
	for _, list := range [][]*sourcing.CarrierProposal{a, b} {
		for _, p := range list {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
