package vigilance

import (
	"fmt"
	"strings"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// RecheckInterval is the delay before a record is due for a periodic re-check
const RecheckInterval = 30 * 24 * time.Hour

// VigilanceRecord is the long-lived compliance record of one carrier.
// Score, status, reasons and alerts are derived fields: they are only ever
// written together by recompute.
type VigilanceRecord struct {
	shared.BaseAggregateRoot
	CarrierID        string
	CarrierName      string
	Checks           Checks
	ComplianceScore  int
	OverallStatus    OverallStatus
	RejectionReasons []RejectionReason
	Alerts           []Alert
	LastCheckedAt    *time.Time
	NextCheckDue     *time.Time
}

// NewVigilanceRecord creates a pending record with every check missing
func NewVigilanceRecord(carrierID, carrierName string) (*VigilanceRecord, error) {
	carrierID = strings.TrimSpace(carrierID)
	if carrierID == "" {
		return nil, shared.NewValidationError("carrier id cannot be empty")
	}
	return &VigilanceRecord{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		CarrierID:         carrierID,
		CarrierName:       carrierName,
		Checks:            MissingChecks(),
		OverallStatus:     OverallPending,
		RejectionReasons:  make([]RejectionReason, 0),
		Alerts:            make([]Alert, 0),
	}, nil
}

// IsEligible reports whether the carrier may currently be assigned an order
func (r *VigilanceRecord) IsEligible() bool {
	return r.OverallStatus.IsEligible()
}

// IsDue reports whether the periodic re-check is due
func (r *VigilanceRecord) IsDue(now time.Time) bool {
	return r.NextCheckDue == nil || !now.Before(*r.NextCheckDue)
}

// IsStale reports whether the stored verdict no longer holds at now: the
// re-check is due, or a document has expired or entered its warning window
// since the last computation.
func (r *VigilanceRecord) IsStale(now time.Time) bool {
	return r.IsDue(now) || r.Checks.Aged(now).statuses() != r.Checks.statuses()
}

// ApplyChecks replaces every check with a fresh verification result
func (r *VigilanceRecord) ApplyChecks(checks Checks, now time.Time) {
	if checks.Insurance.MinRequired.IsZero() {
		checks.Insurance.MinRequired = DefaultMinInsuranceCoverage
	}
	r.Checks = checks
	r.recompute(now)
}

// SubmitDocument records a verified document for a check category
func (r *VigilanceRecord) SubmitDocument(checkType CheckType, documentID string, expiresAt *time.Time, now time.Time) error {
	if !checkType.IsDocument() {
		return shared.NewValidationError("check type %q does not accept documents", checkType)
	}
	if strings.TrimSpace(documentID) == "" {
		return shared.NewValidationError("document id cannot be empty")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return shared.NewValidationError("document already expired at %s", expiresAt.Format(time.RFC3339))
	}

	checks := r.Checks
	c, _ := checks.Document(checkType)
	*c = ValidCheck(documentID, now, expiresAt)
	if checkType == CheckBank {
		checks.Bank.MatchesCompany = true
	}
	r.Checks = checks
	r.recompute(now)
	return nil
}

// SubmitInsuranceDocument records a verified insurance certificate with its declared coverage
func (r *VigilanceRecord) SubmitInsuranceDocument(documentID string, expiresAt *time.Time, coverage decimal.Decimal, now time.Time) error {
	if coverage.IsNegative() {
		return shared.NewValidationError("coverage cannot be negative")
	}
	previous := r.Checks.Insurance.Coverage
	r.Checks.Insurance.Coverage = coverage
	if err := r.SubmitDocument(CheckInsurance, documentID, expiresAt, now); err != nil {
		r.Checks.Insurance.Coverage = previous
		return err
	}
	return nil
}

// UpdateIncidents replaces the incident counters
func (r *VigilanceRecord) UpdateIncidents(total, unresolved, severe int, lastIncidentAt *time.Time, now time.Time) error {
	if total < 0 || unresolved < 0 || severe < 0 {
		return shared.NewValidationError("incident counters cannot be negative")
	}
	if unresolved > total {
		return shared.NewValidationError("unresolved incidents (%d) exceed total (%d)", unresolved, total)
	}
	r.Checks.Incidents = NewIncidentHistory(total, unresolved, severe, lastIncidentAt)
	r.recompute(now)
	return nil
}

// Refresh ages date-driven statuses without new verification input
func (r *VigilanceRecord) Refresh(now time.Time) {
	r.recompute(now)
}

// AcknowledgeAlert marks a pending alert as seen
func (r *VigilanceRecord) AcknowledgeAlert(alertID string, now time.Time) error {
	for i := range r.Alerts {
		if r.Alerts[i].ID != alertID {
			continue
		}
		if r.Alerts[i].AcknowledgedAt != nil {
			return nil
		}
		r.Alerts[i].AcknowledgedAt = &now
		r.UpdatedAt = now
		return nil
	}
	return shared.NewNotFoundError("alert", alertID)
}

// PendingAlerts returns the unacknowledged alerts
func (r *VigilanceRecord) PendingAlerts() []Alert {
	out := make([]Alert, 0, len(r.Alerts))
	for _, a := range r.Alerts {
		if a.IsPending() {
			out = append(out, a)
		}
	}
	return out
}

// recompute derives every computed field from the checks and publishes them
// in one assignment block.
func (r *VigilanceRecord) recompute(now time.Time) {
	checks := r.Checks.Aged(now)
	assessment := Evaluate(checks)
	alerts := mergeAcknowledged(BuildAlerts(r.CarrierID, checks, now), r.Alerts)
	nextDue := now.Add(RecheckInterval)
	if at, ok := checks.NextTransition(now); ok && at.Before(nextDue) {
		nextDue = at
	}
	previous := r.OverallStatus

	r.Checks = checks
	r.ComplianceScore = assessment.Score
	r.OverallStatus = assessment.Status
	r.RejectionReasons = assessment.RejectionReasons
	r.Alerts = alerts
	r.LastCheckedAt = &now
	r.NextCheckDue = &nextDue
	r.UpdatedAt = now

	if previous != assessment.Status {
		r.AddDomainEvent(NewStatusChangedEvent(r, previous))
	}
}

// mergeAcknowledged keeps acknowledgement and creation time of alerts that persist across recomputation
func mergeAcknowledged(fresh, previous []Alert) []Alert {
	prev := make(map[string]Alert, len(previous))
	for _, a := range previous {
		prev[a.ID] = a
	}
	for i, a := range fresh {
		if old, ok := prev[a.ID]; ok {
			fresh[i].CreatedAt = old.CreatedAt
			fresh[i].AcknowledgedAt = old.AcknowledgedAt
		}
	}
	return fresh
}

// Snapshot returns a deep copy safe to hand to concurrent readers
func (r *VigilanceRecord) Snapshot() *VigilanceRecord {
	cp := *r
	cp.RejectionReasons = append([]RejectionReason(nil), r.RejectionReasons...)
	cp.Alerts = append([]Alert(nil), r.Alerts...)
	cp.ClearDomainEvents()
	return &cp
}

// String implements fmt.Stringer for log output
func (r *VigilanceRecord) String() string {
	return fmt.Sprintf("VigilanceRecord{carrier=%s status=%s score=%d}", r.CarrierID, r.OverallStatus, r.ComplianceScore)
}
