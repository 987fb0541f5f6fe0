package models

import (
	"time"

	"github.com/affretia/backend/internal/domain/vigilance"
)

// VigilanceRecordModel is the persistence model for the VigilanceRecord aggregate root.
// PendingAlerts counts the unacknowledged alerts so alert listings can filter in SQL.
type VigilanceRecordModel struct {
	AggregateModel
	CarrierID            string                  `gorm:"type:varchar(100);not null;uniqueIndex"`
	CarrierName          string                  `gorm:"type:varchar(200)"`
	ChecksJSON           string                  `gorm:"column:checks;type:jsonb;not null"`
	ComplianceScore      int                     `gorm:"not null;default:0"`
	OverallStatus        vigilance.OverallStatus `gorm:"type:varchar(20);not null;index"`
	RejectionReasonsJSON string                  `gorm:"column:rejection_reasons;type:jsonb;default:'[]'"`
	AlertsJSON           string                  `gorm:"column:alerts;type:jsonb;default:'[]'"`
	PendingAlerts        int                     `gorm:"not null;default:0;index"`
	LastCheckedAt        *time.Time
	NextCheckDue         *time.Time `gorm:"index"`
}

// TableName returns the table name for GORM
func (VigilanceRecordModel) TableName() string {
	return "vigilance_records"
}

// ToDomain converts the persistence model to a domain VigilanceRecord
func (m *VigilanceRecordModel) ToDomain() *vigilance.VigilanceRecord {
	r := &vigilance.VigilanceRecord{
		BaseAggregateRoot: m.ToAggregateRoot(),
		CarrierID:         m.CarrierID,
		CarrierName:       m.CarrierName,
		Checks:            vigilance.MissingChecks(),
		ComplianceScore:   m.ComplianceScore,
		OverallStatus:     m.OverallStatus,
		RejectionReasons:  make([]vigilance.RejectionReason, 0),
		Alerts:            make([]vigilance.Alert, 0),
		LastCheckedAt:     m.LastCheckedAt,
		NextCheckDue:      m.NextCheckDue,
	}
	decodeJSON(m.ChecksJSON, "checks", &r.Checks)
	decodeJSON(m.RejectionReasonsJSON, "rejection_reasons", &r.RejectionReasons)
	decodeJSON(m.AlertsJSON, "alerts", &r.Alerts)
	return r
}

// FromDomain populates the persistence model from a domain VigilanceRecord
func (m *VigilanceRecordModel) FromDomain(r *vigilance.VigilanceRecord) {
	m.FromDomainAggregateRoot(r.BaseAggregateRoot)
	m.CarrierID = r.CarrierID
	m.CarrierName = r.CarrierName
	m.ChecksJSON = encodeJSON(r.Checks, "{}")
	m.ComplianceScore = r.ComplianceScore
	m.OverallStatus = r.OverallStatus
	m.RejectionReasonsJSON = "[]"
	if len(r.RejectionReasons) > 0 {
		m.RejectionReasonsJSON = encodeJSON(r.RejectionReasons, "[]")
	}
	m.AlertsJSON = "[]"
	if len(r.Alerts) > 0 {
		m.AlertsJSON = encodeJSON(r.Alerts, "[]")
	}
	m.PendingAlerts = len(r.PendingAlerts())
	m.LastCheckedAt = r.LastCheckedAt
	m.NextCheckDue = r.NextCheckDue
}

// VigilanceRecordModelFromDomain creates a persistence model from a domain VigilanceRecord
func VigilanceRecordModelFromDomain(r *vigilance.VigilanceRecord) *VigilanceRecordModel {
	m := &VigilanceRecordModel{}
	m.FromDomain(r)
	return m
}

// UpdateColumns returns the mutable columns written by an optimistic-lock update
func (m *VigilanceRecordModel) UpdateColumns() map[string]any {
	return map[string]any{
		"carrier_name":      m.CarrierName,
		"checks":            m.ChecksJSON,
		"compliance_score":  m.ComplianceScore,
		"overall_status":    m.OverallStatus,
		"rejection_reasons": m.RejectionReasonsJSON,
		"alerts":            m.AlertsJSON,
		"pending_alerts":    m.PendingAlerts,
		"last_checked_at":   m.LastCheckedAt,
		"next_check_due":    m.NextCheckDue,
		"version":           m.Version,
		"updated_at":        m.UpdatedAt,
	}
}
