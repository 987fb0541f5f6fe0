package vigilance

// OverallStatus is the compliance verdict for a carrier
type OverallStatus string

const (
	OverallPending      OverallStatus = "pending"
	OverallCompliant    OverallStatus = "compliant"
	OverallWarning      OverallStatus = "warning"
	OverallNonCompliant OverallStatus = "non_compliant"
	OverallBlacklisted  OverallStatus = "blacklisted"
)

// IsValid checks if the status is a known OverallStatus
func (s OverallStatus) IsValid() bool {
	switch s {
	case OverallPending, OverallCompliant, OverallWarning, OverallNonCompliant, OverallBlacklisted:
		return true
	}
	return false
}

// String returns the string representation of OverallStatus
func (s OverallStatus) String() string {
	return string(s)
}

// IsEligible reports whether a carrier with this status may be assigned an order
func (s OverallStatus) IsEligible() bool {
	return s == OverallCompliant || s == OverallWarning
}

// RejectionReason is a hard blocker found during evaluation
type RejectionReason string

const (
	ReasonRegistrationMissing   RejectionReason = "kbis_missing"
	ReasonRegistrationExpired   RejectionReason = "kbis_expired"
	ReasonInsuranceMissing      RejectionReason = "insurance_missing"
	ReasonInsuranceExpired      RejectionReason = "insurance_expired"
	ReasonInsuranceInsufficient RejectionReason = "insurance_insufficient"
	ReasonLicenseMissing        RejectionReason = "license_missing"
	ReasonLicenseExpired        RejectionReason = "license_expired"
	ReasonLicenseSuspended      RejectionReason = "license_suspended"
	ReasonIncidentsUnresolved   RejectionReason = "incidents_unresolved"
)

// Check weights, summing to 100
const (
	WeightRegistration = 20
	WeightTaxStanding  = 15
	WeightInsurance    = 25
	WeightLicense      = 20
	WeightIdentity     = 10
	WeightBank         = 5
	WeightIncidents    = 5
)

// CompliantScoreThreshold is the minimum score for a compliant verdict
const CompliantScoreThreshold = 80

// Assessment is the result of evaluating a carrier's checks
type Assessment struct {
	Score            int
	Status           OverallStatus
	RejectionReasons []RejectionReason
}

// Eligible reports whether the assessed carrier may be assigned an order
func (a Assessment) Eligible() bool {
	return a.Status.IsEligible()
}

// ReasonStrings returns the rejection reasons as plain strings
func (a Assessment) ReasonStrings() []string {
	out := make([]string, len(a.RejectionReasons))
	for i, r := range a.RejectionReasons {
		out[i] = string(r)
	}
	return out
}

// Evaluate computes the compliance score, rejection reasons and overall
// status from the seven checks. It has no side effects and its output
// depends only on checks.
func Evaluate(checks Checks) Assessment {
	score := ComplianceScore(checks)
	reasons := RejectionReasons(checks)

	var status OverallStatus
	switch {
	case checks.Incidents.Status == IncidentsBlocked:
		status = OverallBlacklisted
	case len(reasons) > 0:
		status = OverallNonCompliant
	case score >= CompliantScoreThreshold:
		status = OverallCompliant
	default:
		status = OverallWarning
	}

	return Assessment{
		Score:            score,
		Status:           status,
		RejectionReasons: reasons,
	}
}

// ComplianceScore returns round(100 * earned / maxPossible) over the seven checks.
// Points are accumulated in tenths so partial credit stays exact.
func ComplianceScore(checks Checks) int {
	earned := documentPoints(checks.Registration.Status, WeightRegistration) +
		documentPoints(checks.TaxStanding.Status, WeightTaxStanding) +
		insurancePoints(checks.Insurance) +
		documentPoints(checks.License.Status, WeightLicense) +
		documentPoints(checks.Identity.Status, WeightIdentity) +
		bankPoints(checks.Bank) +
		incidentPoints(checks.Incidents)

	const maxPossible = 10 * (WeightRegistration + WeightTaxStanding + WeightInsurance +
		WeightLicense + WeightIdentity + WeightBank + WeightIncidents)

	return (earned*100 + maxPossible/2) / maxPossible
}

// documentPoints returns the tenths of weight earned by a document check
func documentPoints(status CheckStatus, weight int) int {
	switch status {
	case StatusValid:
		return weight * 10
	case StatusExpiringSoon:
		return weight * 7
	}
	return 0
}

func insurancePoints(c InsuranceCheck) int {
	if c.Status == StatusInsufficient {
		return WeightInsurance * 5
	}
	return documentPoints(c.Status, WeightInsurance)
}

func bankPoints(c BankCheck) int {
	if c.Status == StatusValid && !c.MatchesCompany {
		return WeightBank * 7
	}
	return documentPoints(c.Status, WeightBank)
}

func incidentPoints(h IncidentHistory) int {
	switch h.Status {
	case IncidentsClean:
		return WeightIncidents * 10
	case IncidentsWarning:
		return WeightIncidents * 5
	}
	return 0
}

// RejectionReasons rebuilds the hard blockers in their fixed order
func RejectionReasons(checks Checks) []RejectionReason {
	reasons := make([]RejectionReason, 0)
	add := func(cond bool, r RejectionReason) {
		if cond {
			reasons = append(reasons, r)
		}
	}

	add(checks.Registration.Status == StatusMissing, ReasonRegistrationMissing)
	add(checks.Registration.Status == StatusExpired, ReasonRegistrationExpired)
	add(checks.Insurance.Status == StatusMissing, ReasonInsuranceMissing)
	add(checks.Insurance.Status == StatusExpired, ReasonInsuranceExpired)
	add(checks.Insurance.Status == StatusInsufficient, ReasonInsuranceInsufficient)
	add(checks.License.Status == StatusMissing, ReasonLicenseMissing)
	add(checks.License.Status == StatusExpired, ReasonLicenseExpired)
	add(checks.License.Status == StatusSuspended, ReasonLicenseSuspended)
	add(checks.Incidents.Status == IncidentsBlocked, ReasonIncidentsUnresolved)

	return reasons
}
