package handler

import (
	"context"
	"strconv"

	appsourcing "github.com/affretia/backend/internal/application/sourcing"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SourcingService is the sourcing application service as seen by the API
type SourcingService interface {
	TriggerSourcing(ctx context.Context, req appsourcing.TriggerSourcingRequest) (*appsourcing.SessionResponse, error)
	GenerateShortlist(ctx context.Context, sessionID uuid.UUID, req appsourcing.GenerateShortlistRequest) (*appsourcing.ShortlistResponse, error)
	Broadcast(ctx context.Context, sessionID uuid.UUID, req appsourcing.BroadcastRequest) (*appsourcing.BroadcastResponse, error)
	SubmitProposal(ctx context.Context, sessionID uuid.UUID, req appsourcing.SubmitProposalRequest) (*appsourcing.ProposalResult, error)
	ReviseProposal(ctx context.Context, sessionID, proposalID uuid.UUID, req appsourcing.ReviseProposalRequest) (*appsourcing.ProposalResult, error)
	PostMessage(ctx context.Context, sessionID, proposalID uuid.UUID, req appsourcing.PostMessageRequest) (*appsourcing.ProposalResponse, error)
	RunSelection(ctx context.Context, sessionID uuid.UUID, req appsourcing.RunSelectionRequest) (*appsourcing.SelectionResult, error)
	Assign(ctx context.Context, sessionID uuid.UUID, req appsourcing.AssignRequest) (*appsourcing.AssignResult, error)
	ConfirmPickup(ctx context.Context, sessionID uuid.UUID, req appsourcing.ConfirmPickupRequest) (*appsourcing.SessionResponse, error)
	MarkDelivered(ctx context.Context, sessionID uuid.UUID) (*appsourcing.SessionResponse, error)
	CloseSession(ctx context.Context, sessionID uuid.UUID, reason string) (*appsourcing.SessionResponse, error)
	CancelSession(ctx context.Context, sessionID uuid.UUID, reason string) (*appsourcing.SessionResponse, error)
	FailSession(ctx context.Context, sessionID uuid.UUID, reason string) (*appsourcing.SessionResponse, error)

	GetSession(ctx context.Context, sessionID uuid.UUID) (*appsourcing.SessionResponse, error)
	GetActiveSession(ctx context.Context, orderID string) (*appsourcing.SessionResponse, error)
	ListSessions(ctx context.Context, filter appsourcing.ListSessionsFilter) (*shared.Paginated[appsourcing.SessionResponse], error)
	ListProposals(ctx context.Context, sessionID uuid.UUID) ([]appsourcing.ProposalResponse, error)
	GetProposal(ctx context.Context, sessionID, proposalID uuid.UUID) (*appsourcing.ProposalResponse, error)
	RecentEvents(ctx context.Context, sessionID uuid.UUID, limit int) ([]appsourcing.EventResponse, error)
	Stats(ctx context.Context, filter appsourcing.StatsFilter) (*appsourcing.StatsResponse, error)
	CarrierStats(ctx context.Context, carrierID string) (*sourcing.CarrierStats, error)
	KPIs(ctx context.Context, organizationID string) (*sourcing.KPIs, error)
	ListExchangeOffers(ctx context.Context, filter appsourcing.ExchangeFilter) (*appsourcing.ExchangeOfferList, error)
	GetExchangeOffer(ctx context.Context, sessionID uuid.UUID) (*appsourcing.ExchangeOffer, error)
	GetTracking(ctx context.Context, ref string) (*appsourcing.TrackingRecord, error)
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// SourcingHandler handles the sourcing session endpoints
type SourcingHandler struct {
	BaseHandler
	service SourcingService
}

// NewSourcingHandler creates a new SourcingHandler
func NewSourcingHandler(service SourcingService) *SourcingHandler {
	return &SourcingHandler{service: service}
}

// Trigger godoc
// @ID           triggerSourcing
// @Summary      Start sourcing an order
// @Description  Opens a sourcing session for an order. Fails with CONFLICT while another session of the order is active.
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        request body appsourcing.TriggerSourcingRequest true "Order to source"
// @Success      201 {object} dto.Response
// @Failure      400 {object} dto.Response
// @Failure      409 {object} dto.Response
// @Router       /sourcing/sessions [post]
func (h *SourcingHandler) Trigger(c *gin.Context) {
	var req appsourcing.TriggerSourcingRequest
	if org := middleware.GetOrganizationID(c); org != "" {
		req.OrganizationID = org
	}
	if !h.bindJSON(c, &req) {
		return
	}

	session, err := h.service.TriggerSourcing(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, session)
}

// GenerateShortlist godoc
// @ID           generateShortlist
// @Summary      Build the compliance-gated shortlist of a session
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        request body appsourcing.GenerateShortlistRequest true "Matched carriers"
// @Success      200 {object} dto.Response
// @Failure      422 {object} dto.Response
// @Router       /sourcing/sessions/{id}/shortlist [post]
func (h *SourcingHandler) GenerateShortlist(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.GenerateShortlistRequest
	if !h.bindJSON(c, &req) {
		return
	}

	result, err := h.service.GenerateShortlist(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, result, result.Warnings)
}

// Broadcast godoc
// @ID           broadcastSession
// @Summary      Broadcast the opportunity to the shortlisted carriers
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        request body appsourcing.BroadcastRequest true "Channels and deadline"
// @Success      200 {object} dto.Response
// @Router       /sourcing/sessions/{id}/broadcast [post]
func (h *SourcingHandler) Broadcast(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.BroadcastRequest
	if !h.bindJSON(c, &req) {
		return
	}

	result, err := h.service.Broadcast(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, result, result.Warnings)
}

// SubmitProposal godoc
// @ID           submitProposal
// @Summary      Record a carrier's priced response
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        request body appsourcing.SubmitProposalRequest true "Proposal"
// @Success      201 {object} dto.Response
// @Failure      409 {object} dto.Response
// @Failure      422 {object} dto.Response
// @Router       /sourcing/sessions/{id}/proposals [post]
func (h *SourcingHandler) SubmitProposal(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.SubmitProposalRequest
	if !h.bindJSON(c, &req) {
		return
	}

	result, err := h.service.SubmitProposal(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, result)
}

// ReviseProposal godoc
// @ID           reviseProposal
// @Summary      Change a proposal's price during negotiation
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        proposal_id path string true "Proposal ID"
// @Param        request body appsourcing.ReviseProposalRequest true "New price"
// @Success      200 {object} dto.Response
// @Router       /sourcing/sessions/{id}/proposals/{proposal_id}/price [put]
func (h *SourcingHandler) ReviseProposal(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	proposalID, ok := h.uuidParam(c, "proposal_id")
	if !ok {
		return
	}
	var req appsourcing.ReviseProposalRequest
	if !h.bindJSON(c, &req) {
		return
	}

	result, err := h.service.ReviseProposal(c.Request.Context(), id, proposalID, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, result, result.Warnings)
}

// PostMessage godoc
// @ID           postNegotiationMessage
// @Summary      Add a message to a proposal's negotiation
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        proposal_id path string true "Proposal ID"
// @Param        request body appsourcing.PostMessageRequest true "Message"
// @Success      201 {object} dto.Response
// @Failure      422 {object} dto.Response
// @Router       /sourcing/sessions/{id}/proposals/{proposal_id}/messages [post]
func (h *SourcingHandler) PostMessage(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	proposalID, ok := h.uuidParam(c, "proposal_id")
	if !ok {
		return
	}
	var req appsourcing.PostMessageRequest
	if !h.bindJSON(c, &req) {
		return
	}

	proposal, err := h.service.PostMessage(c.Request.Context(), id, proposalID, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, proposal)
}

// ListProposals returns every proposal of a session
// @Router /sourcing/sessions/{id}/proposals [get]
func (h *SourcingHandler) ListProposals(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	proposals, err := h.service.ListProposals(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, proposals)
}

// GetProposal returns one proposal of a session
// @Router /sourcing/sessions/{id}/proposals/{proposal_id} [get]
func (h *SourcingHandler) GetProposal(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	proposalID, ok := h.uuidParam(c, "proposal_id")
	if !ok {
		return
	}
	proposal, err := h.service.GetProposal(c.Request.Context(), id, proposalID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, proposal)
}

// RunSelection godoc
// @ID           runSelection
// @Summary      Run the decision engine over the session's proposals
// @Description  Auto-accepts, proposes a counter-offer, or escalates to manual review.
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        request body appsourcing.RunSelectionRequest false "Threshold overrides"
// @Success      200 {object} dto.Response
// @Router       /sourcing/sessions/{id}/selection [post]
func (h *SourcingHandler) RunSelection(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.RunSelectionRequest
	// the body is optional
	if c.Request.ContentLength != 0 && !h.bindJSON(c, &req) {
		return
	}

	result, err := h.service.RunSelection(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, result, result.Warnings)
}

// Assign godoc
// @ID           assignCarrier
// @Summary      Assign the order to a proposal chosen by an operator
// @Tags         sourcing
// @Accept       json
// @Produce      json
// @Param        id path string true "Session ID"
// @Param        request body appsourcing.AssignRequest true "Proposal or carrier to assign"
// @Success      200 {object} dto.Response
// @Failure      422 {object} dto.Response
// @Router       /sourcing/sessions/{id}/assign [post]
func (h *SourcingHandler) Assign(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.AssignRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.ProposalID == nil && req.CarrierID == "" {
		h.BadRequest(c, "proposal_id or carrier_id is required")
		return
	}

	result, err := h.service.Assign(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, result, result.Warnings)
}

// ConfirmPickup records that the carrier collected the goods
// @Router /sourcing/sessions/{id}/pickup [post]
func (h *SourcingHandler) ConfirmPickup(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.ConfirmPickupRequest
	if c.Request.ContentLength != 0 && !h.bindJSON(c, &req) {
		return
	}
	h.respondSession(c)(h.service.ConfirmPickup(c.Request.Context(), id, req))
}

// MarkDelivered records the delivery of an in-transit order
// @Router /sourcing/sessions/{id}/delivered [post]
func (h *SourcingHandler) MarkDelivered(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	h.respondSession(c)(h.service.MarkDelivered(c.Request.Context(), id))
}

// Close closes a session
// @Router /sourcing/sessions/{id}/close [post]
func (h *SourcingHandler) Close(c *gin.Context) {
	h.endSession(c, h.service.CloseSession)
}

// Cancel cancels a session
// @Router /sourcing/sessions/{id}/cancel [post]
func (h *SourcingHandler) Cancel(c *gin.Context) {
	h.endSession(c, h.service.CancelSession)
}

// Fail marks a session as failed
// @Router /sourcing/sessions/{id}/fail [post]
func (h *SourcingHandler) Fail(c *gin.Context) {
	h.endSession(c, h.service.FailSession)
}

func (h *SourcingHandler) endSession(c *gin.Context, end func(context.Context, uuid.UUID, string) (*appsourcing.SessionResponse, error)) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req appsourcing.ReasonRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.respondSession(c)(end(c.Request.Context(), id, req.Reason))
}

func (h *SourcingHandler) respondSession(c *gin.Context) func(*appsourcing.SessionResponse, error) {
	return func(session *appsourcing.SessionResponse, err error) {
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.Success(c, session)
	}
}

// GetSession returns a session by ID
// @Router /sourcing/sessions/{id} [get]
func (h *SourcingHandler) GetSession(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	h.respondSession(c)(h.service.GetSession(c.Request.Context(), id))
}

// GetActiveSession returns the active session of an order
// @Router /sourcing/orders/{order_id}/session [get]
func (h *SourcingHandler) GetActiveSession(c *gin.Context) {
	h.respondSession(c)(h.service.GetActiveSession(c.Request.Context(), c.Param("order_id")))
}

// ListSessions godoc
// @ID           listSessions
// @Summary      List sourcing sessions
// @Tags         sourcing
// @Produce      json
// @Param        status query string false "Session status"
// @Param        trigger_type query string false "Trigger type"
// @Param        page query int false "Page (1-based)"
// @Param        page_size query int false "Page size"
// @Success      200 {object} dto.Response
// @Router       /sourcing/sessions [get]
func (h *SourcingHandler) ListSessions(c *gin.Context) {
	var filter appsourcing.ListSessionsFilter
	if !h.bindQuery(c, &filter) {
		return
	}
	if filter.OrganizationID == "" {
		filter.OrganizationID = middleware.GetOrganizationID(c)
	}

	page, err := h.service.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, page)
}

// Events returns the latest domain events of a session, newest first
// @Router /sourcing/sessions/{id}/events [get]
func (h *SourcingHandler) Events(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			h.BadRequest(c, "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
			return
		}
		limit = n
	}

	events, err := h.service.RecentEvents(c.Request.Context(), id, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, events)
}

// Stats returns aggregate sourcing statistics
// @Router /sourcing/stats [get]
func (h *SourcingHandler) Stats(c *gin.Context) {
	var filter appsourcing.StatsFilter
	if !h.bindQuery(c, &filter) {
		return
	}
	if filter.OrganizationID == "" {
		filter.OrganizationID = middleware.GetOrganizationID(c)
	}

	stats, err := h.service.Stats(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}

// CarrierStats godoc
// @ID           carrierStats
// @Summary      Proposal statistics of one carrier
// @Tags         sourcing
// @Produce      json
// @Param        carrier_id path string true "Carrier ID"
// @Success      200 {object} dto.Response
// @Router       /sourcing/stats/carriers/{carrier_id} [get]
func (h *SourcingHandler) CarrierStats(c *gin.Context) {
	stats, err := h.service.CarrierStats(c.Request.Context(), c.Param("carrier_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}

// KPIs godoc
// @ID           sourcingKPIs
// @Summary      Dashboard counters of the caller's organization
// @Tags         sourcing
// @Produce      json
// @Param        organization_id query string false "Organization (defaults to the X-Organization-ID header)"
// @Success      200 {object} dto.Response
// @Router       /sourcing/stats/kpis [get]
func (h *SourcingHandler) KPIs(c *gin.Context) {
	org := c.Query("organization_id")
	if org == "" {
		org = middleware.GetOrganizationID(c)
	}

	kpis, err := h.service.KPIs(c.Request.Context(), org)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, kpis)
}

// ExchangeOffer godoc
// @ID           getExchangeOffer
// @Summary      One live freight exchange offer
// @Tags         sourcing
// @Produce      json
// @Param        id path string true "Session ID"
// @Success      200 {object} dto.Response
// @Failure      404 {object} dto.Response
// @Router       /sourcing/exchange/offers/{id} [get]
func (h *SourcingHandler) ExchangeOffer(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	offer, err := h.service.GetExchangeOffer(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, offer)
}

// ExchangeOffers lists the live freight exchange offers
// @Router /sourcing/exchange/offers [get]
func (h *SourcingHandler) ExchangeOffers(c *gin.Context) {
	var filter appsourcing.ExchangeFilter
	if !h.bindQuery(c, &filter) {
		return
	}

	list, err := h.service.ListExchangeOffers(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, list.Items, int64(list.Total), list.Offset, list.Limit)
}

// Tracking returns the tracking record of an assigned order
// @Router /sourcing/tracking/{ref} [get]
func (h *SourcingHandler) Tracking(c *gin.Context) {
	rec, err := h.service.GetTracking(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rec)
}
