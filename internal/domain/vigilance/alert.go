package vigilance

import (
	"fmt"
	"sort"
	"time"
)

// AlertType classifies a vigilance alert
type AlertType string

const (
	AlertExpiryJ30       AlertType = "expiry_j30"
	AlertExpiryJ15       AlertType = "expiry_j15"
	AlertExpiryJ7        AlertType = "expiry_j7"
	AlertExpired         AlertType = "expired"
	AlertDocumentInvalid AlertType = "document_invalid"
	AlertIncident        AlertType = "incident"
)

// Severity orders alerts for review
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank returns 0 for the most urgent severity
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	}
	return 2
}

// Alert is a pending compliance notice for a carrier
type Alert struct {
	ID             string     `json:"id"`
	CarrierID      string     `json:"carrier_id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	CheckType      CheckType  `json:"check_type"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// IsPending reports whether the alert still needs acknowledgement
func (a Alert) IsPending() bool {
	return a.AcknowledgedAt == nil
}

// BuildAlerts derives the alerts implied by the current checks
func BuildAlerts(carrierID string, checks Checks, now time.Time) []Alert {
	alerts := make([]Alert, 0)
	for _, t := range AllCheckTypes() {
		if t == CheckIncidents {
			continue
		}
		c, _ := checks.Document(t)
		if a, ok := documentAlert(carrierID, t, *c, now); ok {
			alerts = append(alerts, a)
		}
	}

	if h := checks.Incidents; h.Unresolved > 0 {
		severity := SeverityWarning
		if h.Status == IncidentsBlocked {
			severity = SeverityCritical
		}
		alerts = append(alerts, newAlert(carrierID, AlertIncident, severity, CheckIncidents,
			fmt.Sprintf("%d unresolved incident(s), %d severe", h.Unresolved, h.Severe), now))
	}
	return alerts
}

func documentAlert(carrierID string, t CheckType, c Check, now time.Time) (Alert, bool) {
	switch c.Status {
	case StatusExpired:
		return newAlert(carrierID, AlertExpired, SeverityCritical, t,
			fmt.Sprintf("%s document has expired", t), now), true
	case StatusInvalid, StatusMismatch:
		return newAlert(carrierID, AlertDocumentInvalid, SeverityWarning, t,
			fmt.Sprintf("%s document was rejected (%s)", t, c.Status), now), true
	case StatusValid, StatusExpiringSoon:
	default:
		return Alert{}, false
	}

	days, ok := c.DaysUntilExpiry(now)
	if !ok || days > 30 {
		return Alert{}, false
	}
	var (
		alertType AlertType
		severity  Severity
	)
	switch {
	case days <= 7:
		alertType, severity = AlertExpiryJ7, SeverityCritical
	case days <= 15:
		alertType, severity = AlertExpiryJ15, SeverityWarning
	default:
		alertType, severity = AlertExpiryJ30, SeverityInfo
	}
	return newAlert(carrierID, alertType, severity, t,
		fmt.Sprintf("%s document expires in %d days", t, days), now), true
}

func newAlert(carrierID string, alertType AlertType, severity Severity, check CheckType, msg string, now time.Time) Alert {
	return Alert{
		ID:        fmt.Sprintf("%s:%s:%s", carrierID, check, alertType),
		CarrierID: carrierID,
		Type:      alertType,
		Severity:  severity,
		CheckType: check,
		Message:   msg,
		CreatedAt: now,
	}
}

// SortAlertsBySeverity orders alerts critical first, oldest first within a severity
func SortAlertsBySeverity(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}
