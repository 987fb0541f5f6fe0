package vigilance

import "github.com/affretia/backend/internal/domain/shared"

// AggregateTypeVigilanceRecord is the aggregate type name used on events
const AggregateTypeVigilanceRecord = "VigilanceRecord"

// EventTypeVigilanceStatusChanged is raised when a carrier's overall status changes
const EventTypeVigilanceStatusChanged = "affretia.vigilance.status-changed"

// StatusChangedEvent is raised when recomputation moves a carrier to another overall status
type StatusChangedEvent struct {
	shared.BaseDomainEvent
	CarrierID        string   `json:"carrier_id"`
	PreviousStatus   string   `json:"previous_status"`
	Status           string   `json:"status"`
	ComplianceScore  int      `json:"compliance_score"`
	RejectionReasons []string `json:"rejection_reasons,omitempty"`
}

// NewStatusChangedEvent creates a StatusChangedEvent from the record's new state
func NewStatusChangedEvent(r *VigilanceRecord, previous OverallStatus) *StatusChangedEvent {
	reasons := make([]string, len(r.RejectionReasons))
	for i, reason := range r.RejectionReasons {
		reasons[i] = string(reason)
	}
	return &StatusChangedEvent{
		BaseDomainEvent:  shared.NewBaseDomainEvent(EventTypeVigilanceStatusChanged, AggregateTypeVigilanceRecord, r.ID, ""),
		CarrierID:        r.CarrierID,
		PreviousStatus:   string(previous),
		Status:           string(r.OverallStatus),
		ComplianceScore:  r.ComplianceScore,
		RejectionReasons: reasons,
	}
}
