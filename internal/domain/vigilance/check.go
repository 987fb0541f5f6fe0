package vigilance

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckType identifies one of the seven verification categories
type CheckType string

const (
	CheckRegistration CheckType = "registration"
	CheckTaxStanding  CheckType = "tax_standing"
	CheckInsurance    CheckType = "insurance"
	CheckLicense      CheckType = "license"
	CheckIdentity     CheckType = "identity"
	CheckBank         CheckType = "bank"
	CheckIncidents    CheckType = "incidents"
)

// AllCheckTypes returns the check categories in evaluation order
func AllCheckTypes() []CheckType {
	return []CheckType{
		CheckRegistration,
		CheckTaxStanding,
		CheckInsurance,
		CheckLicense,
		CheckIdentity,
		CheckBank,
		CheckIncidents,
	}
}

// IsValid checks if the check type is known
func (t CheckType) IsValid() bool {
	switch t {
	case CheckRegistration, CheckTaxStanding, CheckInsurance, CheckLicense, CheckIdentity, CheckBank, CheckIncidents:
		return true
	}
	return false
}

// IsDocument reports whether the check is backed by a submitted document
func (t CheckType) IsDocument() bool {
	return t.IsValid() && t != CheckIncidents
}

// String returns the string representation of CheckType
func (t CheckType) String() string {
	return string(t)
}

// CheckStatus is the verification outcome of a document check
type CheckStatus string

const (
	StatusValid        CheckStatus = "valid"
	StatusExpiringSoon CheckStatus = "expiring_soon"
	StatusExpired      CheckStatus = "expired"
	StatusMissing      CheckStatus = "missing"
	StatusInvalid      CheckStatus = "invalid"
	StatusInsufficient CheckStatus = "insufficient" // insurance only
	StatusSuspended    CheckStatus = "suspended"    // license only
	StatusMismatch     CheckStatus = "mismatch"     // bank details only
)

// IsValid checks if the status is a known CheckStatus
func (s CheckStatus) IsValid() bool {
	switch s {
	case StatusValid, StatusExpiringSoon, StatusExpired, StatusMissing, StatusInvalid,
		StatusInsufficient, StatusSuspended, StatusMismatch:
		return true
	}
	return false
}

// String returns the string representation of CheckStatus
func (s CheckStatus) String() string {
	return string(s)
}

// IncidentStatus summarizes a carrier's incident history
type IncidentStatus string

const (
	IncidentsClean   IncidentStatus = "clean"
	IncidentsWarning IncidentStatus = "warning"
	IncidentsBlocked IncidentStatus = "blocked"
)

// IncidentStatusFor derives the incident status from the unresolved count
func IncidentStatusFor(unresolved int) IncidentStatus {
	switch {
	case unresolved > 2:
		return IncidentsBlocked
	case unresolved > 0:
		return IncidentsWarning
	default:
		return IncidentsClean
	}
}

// ExpiryWarningWindow is how long before expiry a valid document is reported as expiring soon
const ExpiryWarningWindow = 30 * 24 * time.Hour

// DefaultMinInsuranceCoverage is the minimum goods-in-transit coverage required
var DefaultMinInsuranceCoverage = decimal.NewFromInt(100000)

// Check is a single document verification
type Check struct {
	Status     CheckStatus `json:"status"`
	Verified   bool        `json:"verified"`
	DocumentID string      `json:"document_id,omitempty"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	VerifiedAt *time.Time  `json:"verified_at,omitempty"`
}

// MissingCheck returns a check with no document on file
func MissingCheck() Check {
	return Check{Status: StatusMissing}
}

// ValidCheck returns a verified check, optionally expiring at expiresAt
func ValidCheck(documentID string, verifiedAt time.Time, expiresAt *time.Time) Check {
	return Check{
		Status:     StatusValid,
		Verified:   true,
		DocumentID: documentID,
		ExpiresAt:  expiresAt,
		VerifiedAt: &verifiedAt,
	}
}

// DaysUntilExpiry returns the whole days left before the document expires.
// ok is false when the document has no expiry date.
func (c Check) DaysUntilExpiry(now time.Time) (days int, ok bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	return int(c.ExpiresAt.Sub(now).Hours() / 24), true
}

// aged returns the check with its status brought in line with its expiry date.
// Only valid and expiring_soon statuses are date-driven.
func (c Check) aged(now time.Time) Check {
	if c.ExpiresAt == nil {
		return c
	}
	if c.Status != StatusValid && c.Status != StatusExpiringSoon {
		return c
	}
	switch {
	case !now.Before(*c.ExpiresAt):
		c.Status = StatusExpired
		c.Verified = false
	case c.ExpiresAt.Sub(now) <= ExpiryWarningWindow:
		c.Status = StatusExpiringSoon
	default:
		c.Status = StatusValid
	}
	return c
}

// expiryMilestones are the offsets before expiry at which the status or the
// expiry alert of a document changes. Alert days are whole days, so the
// J30/J15/J7 alerts start one day before the matching offset.
var expiryMilestones = []time.Duration{
	31 * 24 * time.Hour,
	ExpiryWarningWindow,
	16 * 24 * time.Hour,
	8 * 24 * time.Hour,
	0,
}

// nextTransition returns the first instant after now at which aging the
// check changes its status or its expiry alert
func (c Check) nextTransition(now time.Time) (time.Time, bool) {
	if c.ExpiresAt == nil || (c.Status != StatusValid && c.Status != StatusExpiringSoon) {
		return time.Time{}, false
	}
	for _, offset := range expiryMilestones {
		if at := c.ExpiresAt.Add(-offset); at.After(now) {
			return at, true
		}
	}
	return time.Time{}, false
}

// InsuranceCheck is the insurance verification with its coverage amounts
type InsuranceCheck struct {
	Check
	Coverage    decimal.Decimal `json:"coverage"`
	MinRequired decimal.Decimal `json:"min_required"`
}

// BankCheck is the bank-details verification
type BankCheck struct {
	Check
	MatchesCompany bool `json:"matches_company"`
}

// IncidentHistory summarizes operational incidents
type IncidentHistory struct {
	Status         IncidentStatus `json:"status"`
	Total          int            `json:"total"`
	Unresolved     int            `json:"unresolved"`
	Severe         int            `json:"severe"`
	LastIncidentAt *time.Time     `json:"last_incident_at,omitempty"`
}

// NewIncidentHistory builds an incident history with its derived status
func NewIncidentHistory(total, unresolved, severe int, lastIncidentAt *time.Time) IncidentHistory {
	return IncidentHistory{
		Status:         IncidentStatusFor(unresolved),
		Total:          total,
		Unresolved:     unresolved,
		Severe:         severe,
		LastIncidentAt: lastIncidentAt,
	}
}

// Checks groups the seven verification categories of a carrier
type Checks struct {
	Registration Check           `json:"registration"`
	TaxStanding  Check           `json:"tax_standing"`
	Insurance    InsuranceCheck  `json:"insurance"`
	License      Check           `json:"license"`
	Identity     Check           `json:"identity"`
	Bank         BankCheck       `json:"bank"`
	Incidents    IncidentHistory `json:"incidents"`
}

// MissingChecks returns the checks of a carrier that has submitted nothing yet
func MissingChecks() Checks {
	return Checks{
		Registration: MissingCheck(),
		TaxStanding:  MissingCheck(),
		Insurance: InsuranceCheck{
			Check:       MissingCheck(),
			Coverage:    decimal.Zero,
			MinRequired: DefaultMinInsuranceCoverage,
		},
		License:   MissingCheck(),
		Identity:  MissingCheck(),
		Bank:      BankCheck{Check: MissingCheck()},
		Incidents: NewIncidentHistory(0, 0, 0, nil),
	}
}

// Document returns the document check for t, or false for the incident history
func (c *Checks) Document(t CheckType) (*Check, bool) {
	switch t {
	case CheckRegistration:
		return &c.Registration, true
	case CheckTaxStanding:
		return &c.TaxStanding, true
	case CheckInsurance:
		return &c.Insurance.Check, true
	case CheckLicense:
		return &c.License, true
	case CheckIdentity:
		return &c.Identity, true
	case CheckBank:
		return &c.Bank.Check, true
	}
	return nil, false
}

func (c Checks) documents() [6]Check {
	return [6]Check{c.Registration, c.TaxStanding, c.Insurance.Check, c.License, c.Identity, c.Bank.Check}
}

// NextTransition returns the earliest instant after now at which a document
// check ages into a new status or alert. ok is false when no document expires.
func (c Checks) NextTransition(now time.Time) (at time.Time, ok bool) {
	for _, doc := range c.documents() {
		t, has := doc.nextTransition(now)
		if has && (!ok || t.Before(at)) {
			at, ok = t, true
		}
	}
	return at, ok
}

// statuses lists the status of every check in a comparable form
func (c Checks) statuses() [7]string {
	var out [7]string
	for i, doc := range c.documents() {
		out[i] = string(doc.Status)
	}
	out[6] = string(c.Incidents.Status)
	return out
}

// Aged returns a copy of the checks with expiry-driven statuses refreshed
func (c Checks) Aged(now time.Time) Checks {
	c.Registration = c.Registration.aged(now)
	c.TaxStanding = c.TaxStanding.aged(now)
	c.Insurance.Check = c.Insurance.Check.aged(now)
	c.License = c.License.aged(now)
	c.Identity = c.Identity.aged(now)
	c.Bank.Check = c.Bank.Check.aged(now)
	// a zero coverage means the amount was not declared
	if c.Insurance.Status == StatusValid && c.Insurance.Coverage.IsPositive() &&
		c.Insurance.Coverage.LessThan(c.Insurance.MinRequired) {
		c.Insurance.Status = StatusInsufficient
	}
	c.Incidents.Status = IncidentStatusFor(c.Incidents.Unresolved)
	return c
}
