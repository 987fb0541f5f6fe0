package handler

import (
	"context"
	"strconv"
	"time"

	appvigilance "github.com/affretia/backend/internal/application/vigilance"
	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/gin-gonic/gin"
)

// VigilanceService is the compliance application service as seen by the API
type VigilanceService interface {
	CheckCompliance(ctx context.Context, carrierID string, forceRefresh bool) (*vigilance.VigilanceRecord, error)
	SubmitDocument(ctx context.Context, carrierID string, req appvigilance.SubmitDocumentRequest) (*vigilance.VigilanceRecord, error)
	UpdateIncidents(ctx context.Context, carrierID string, req appvigilance.UpdateIncidentsRequest) (*vigilance.VigilanceRecord, error)
	AcknowledgeAlert(ctx context.Context, carrierID, alertID string) (*vigilance.VigilanceRecord, error)
	PendingAlerts(ctx context.Context) ([]vigilance.Alert, error)
	RunDueChecks(ctx context.Context, limit int) (appvigilance.RecheckResult, error)
}

// EligibilityResponse answers whether a carrier may be assigned an order
type EligibilityResponse struct {
	CarrierID        string   `json:"carrier_id"`
	Eligible         bool     `json:"eligible"`
	OverallStatus    string   `json:"overall_status"`
	ComplianceScore  int      `json:"compliance_score"`
	RejectionReasons []string `json:"rejection_reasons"`
}

const defaultRecheckLimit = 100

// VigilanceHandler handles the carrier compliance endpoints
type VigilanceHandler struct {
	BaseHandler
	service VigilanceService
	now     func() time.Time
}

// NewVigilanceHandler creates a new VigilanceHandler
func NewVigilanceHandler(service VigilanceService) *VigilanceHandler {
	return &VigilanceHandler{service: service, now: time.Now}
}

// GetRecord godoc
// @ID           getVigilanceRecord
// @Summary      Get a carrier's compliance record
// @Description  Re-checks the carrier when its record is due, or always with refresh=true.
// @Tags         vigilance
// @Produce      json
// @Param        carrier_id path string true "Carrier ID"
// @Param        refresh query bool false "Force a re-check"
// @Success      200 {object} dto.Response
// @Failure      404 {object} dto.Response
// @Router       /vigilance/carriers/{carrier_id} [get]
func (h *VigilanceHandler) GetRecord(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("refresh"))
	rec, err := h.service.CheckCompliance(c.Request.Context(), c.Param("carrier_id"), force)
	h.respondRecord(c, rec, err)
}

// Eligibility reports whether a carrier may currently be assigned an order
// @Router /vigilance/carriers/{carrier_id}/eligibility [get]
func (h *VigilanceHandler) Eligibility(c *gin.Context) {
	rec, err := h.service.CheckCompliance(c.Request.Context(), c.Param("carrier_id"), false)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	resp := h.recordResponse(rec)
	h.Success(c, EligibilityResponse{
		CarrierID:        resp.CarrierID,
		Eligible:         resp.Eligible,
		OverallStatus:    resp.OverallStatus,
		ComplianceScore:  resp.ComplianceScore,
		RejectionReasons: resp.RejectionReasons,
	})
}

// SubmitDocument godoc
// @ID           submitVigilanceDocument
// @Summary      Record a verified carrier document
// @Tags         vigilance
// @Accept       json
// @Produce      json
// @Param        carrier_id path string true "Carrier ID"
// @Param        request body appvigilance.SubmitDocumentRequest true "Document"
// @Success      200 {object} dto.Response
// @Router       /vigilance/carriers/{carrier_id}/documents [post]
func (h *VigilanceHandler) SubmitDocument(c *gin.Context) {
	var req appvigilance.SubmitDocumentRequest
	if !h.bindJSON(c, &req) {
		return
	}
	rec, err := h.service.SubmitDocument(c.Request.Context(), c.Param("carrier_id"), req)
	h.respondRecord(c, rec, err)
}

// UpdateIncidents replaces the incident counters of a carrier
// @Router /vigilance/carriers/{carrier_id}/incidents [put]
func (h *VigilanceHandler) UpdateIncidents(c *gin.Context) {
	var req appvigilance.UpdateIncidentsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	rec, err := h.service.UpdateIncidents(c.Request.Context(), c.Param("carrier_id"), req)
	h.respondRecord(c, rec, err)
}

// AcknowledgeAlert marks an alert as seen
// @Router /vigilance/carriers/{carrier_id}/alerts/{alert_id}/ack [post]
func (h *VigilanceHandler) AcknowledgeAlert(c *gin.Context) {
	rec, err := h.service.AcknowledgeAlert(c.Request.Context(), c.Param("carrier_id"), c.Param("alert_id"))
	h.respondRecord(c, rec, err)
}

// PendingAlerts lists every unacknowledged alert, most severe first
// @Router /vigilance/alerts [get]
func (h *VigilanceHandler) PendingAlerts(c *gin.Context) {
	alerts, err := h.service.PendingAlerts(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, alerts)
}

// RunRecheck re-checks up to limit records whose periodic check is due
// @Router /vigilance/recheck [post]
func (h *VigilanceHandler) RunRecheck(c *gin.Context) {
	limit := defaultRecheckLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			h.BadRequest(c, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	result, err := h.service.RunDueChecks(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

func (h *VigilanceHandler) respondRecord(c *gin.Context, rec *vigilance.VigilanceRecord, err error) {
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, h.recordResponse(rec))
}

func (h *VigilanceHandler) recordResponse(rec *vigilance.VigilanceRecord) appvigilance.RecordResponse {
	return appvigilance.ToRecordResponse(rec, h.now())
}
