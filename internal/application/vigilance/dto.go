package vigilance

import (
	"time"

	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ==================== Requests ====================

// SubmitDocumentRequest records a verified document for a carrier
type SubmitDocumentRequest struct {
	CarrierName string           `json:"carrier_name" binding:"max=200"`
	CheckType   string           `json:"check_type" binding:"required,oneof=registration tax_standing insurance license identity bank"`
	DocumentID  string           `json:"document_id" binding:"required,min=1,max=100"`
	ExpiresAt   *time.Time       `json:"expires_at"`
	Coverage    *decimal.Decimal `json:"coverage"` // insurance only
}

// UpdateIncidentsRequest replaces the incident counters of a carrier
type UpdateIncidentsRequest struct {
	Total          int        `json:"total" binding:"min=0"`
	Unresolved     int        `json:"unresolved" binding:"min=0,ltefield=Total"`
	Severe         int        `json:"severe" binding:"min=0"`
	LastIncidentAt *time.Time `json:"last_incident_at"`
}

// ==================== Responses ====================

// RecordResponse is the public view of a vigilance record
type RecordResponse struct {
	ID               uuid.UUID         `json:"id"`
	CarrierID        string            `json:"carrier_id"`
	CarrierName      string            `json:"carrier_name"`
	ComplianceScore  int               `json:"compliance_score"`
	OverallStatus    string            `json:"overall_status"`
	Eligible         bool              `json:"eligible"`
	RejectionReasons []string          `json:"rejection_reasons"`
	Checks           vigilance.Checks  `json:"checks"`
	DaysUntilExpiry  map[string]int    `json:"days_until_expiry,omitempty"`
	Alerts           []vigilance.Alert `json:"alerts"`
	LastCheckedAt    *time.Time        `json:"last_checked_at,omitempty"`
	NextCheckDue     *time.Time        `json:"next_check_due,omitempty"`
	Version          int               `json:"version"`
}

// ToRecordResponse converts a record to its response view at now
func ToRecordResponse(r *vigilance.VigilanceRecord, now time.Time) RecordResponse {
	reasons := make([]string, len(r.RejectionReasons))
	for i, reason := range r.RejectionReasons {
		reasons[i] = string(reason)
	}
	days := make(map[string]int)
	checks := r.Checks
	for _, t := range vigilance.AllCheckTypes() {
		c, ok := checks.Document(t)
		if !ok {
			continue
		}
		if d, ok := c.DaysUntilExpiry(now); ok {
			days[string(t)] = d
		}
	}
	alerts := r.Alerts
	if alerts == nil {
		alerts = make([]vigilance.Alert, 0)
	}
	return RecordResponse{
		ID:               r.ID,
		CarrierID:        r.CarrierID,
		CarrierName:      r.CarrierName,
		ComplianceScore:  r.ComplianceScore,
		OverallStatus:    string(r.OverallStatus),
		Eligible:         r.IsEligible(),
		RejectionReasons: reasons,
		Checks:           r.Checks,
		DaysUntilExpiry:  days,
		Alerts:           alerts,
		LastCheckedAt:    r.LastCheckedAt,
		NextCheckDue:     r.NextCheckDue,
		Version:          r.Version,
	}
}

// RecheckResult summarizes a periodic re-check run
type RecheckResult struct {
	Checked int `json:"checked"`
	Failed  int `json:"failed"`
	Changed int `json:"changed"`
}
