// Package notification delivers sourcing opportunities to carriers.
package notification

import (
	"fmt"
	"strings"
	"time"

	appsourcing "github.com/affretia/backend/internal/application/sourcing"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/google/uuid"
)

// Message is one opportunity notice for one carrier on one channel
type Message struct {
	ID             uuid.UUID         `json:"id"`
	SessionID      uuid.UUID         `json:"session_id"`
	BroadcastID    uuid.UUID         `json:"broadcast_id"`
	OrderID        string            `json:"order_id"`
	OrganizationID string            `json:"organization_id"`
	Channel        sourcing.Channel  `json:"channel"`
	Priority       sourcing.Priority `json:"priority"`
	CarrierID      string            `json:"carrier_id"`
	To             string            `json:"to"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
}

// smsMaxLength is the length of a single SMS segment
const smsMaxLength = 160

// BuildMessages expands an opportunity into per-carrier messages. A carrier
// without the address a channel needs is skipped on that channel and
// reported in the second result.
func BuildMessages(opp appsourcing.Opportunity) ([]Message, []string) {
	var (
		msgs    []Message
		skipped []string
	)
	for _, ch := range opp.Channels {
		for _, r := range opp.Recipients {
			to, ok := address(ch, r)
			if !ok {
				skipped = append(skipped, fmt.Sprintf("carrier %s has no %s address", r.CarrierID, ch))
				continue
			}
			m := Message{
				ID:             uuid.New(),
				SessionID:      opp.SessionID,
				BroadcastID:    opp.BroadcastID,
				OrderID:        opp.OrderID,
				OrganizationID: opp.OrganizationID,
				Channel:        ch,
				Priority:       opp.Priority,
				CarrierID:      r.CarrierID,
				To:             to,
				Deadline:       opp.Deadline,
			}
			switch ch {
			case sourcing.ChannelEmail:
				m.Subject = subject(opp)
				m.Body = emailBody(opp, r)
			case sourcing.ChannelSMS:
				m.Body = truncate(shortBody(opp), smsMaxLength)
			default:
				m.Subject = subject(opp)
				m.Body = shortBody(opp)
			}
			msgs = append(msgs, m)
		}
	}
	return msgs, skipped
}

func address(ch sourcing.Channel, r appsourcing.Recipient) (string, bool) {
	switch ch {
	case sourcing.ChannelEmail:
		return r.Email, r.Email != ""
	case sourcing.ChannelSMS:
		return r.Phone, r.Phone != ""
	case sourcing.ChannelPush:
		// push targets the carrier account
		return r.CarrierID, true
	default:
		return "", false
	}
}

func subject(opp appsourcing.Opportunity) string {
	prefix := ""
	if opp.Priority == sourcing.PriorityUrgent {
		prefix = "[URGENT] "
	}
	return fmt.Sprintf("%sFreight opportunity %s → %s", prefix, opp.Route.OriginCity, opp.Route.DestinationCity)
}

func shortBody(opp appsourcing.Opportunity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s → %s", opp.Route.OriginCity, opp.Route.DestinationCity)
	if !opp.Order.PickupAt.IsZero() {
		fmt.Fprintf(&b, ", pickup %s", opp.Order.PickupAt.Format("02/01 15:04"))
	}
	if opp.Order.WeightKg > 0 {
		fmt.Fprintf(&b, ", %.0f kg", opp.Order.WeightKg)
	}
	fmt.Fprintf(&b, ". Ref %s", opp.OrderID)
	if opp.Deadline != nil {
		fmt.Fprintf(&b, ". Reply before %s", opp.Deadline.Format("02/01 15:04"))
	}
	return b.String()
}

func emailBody(opp appsourcing.Opportunity, r appsourcing.Recipient) string {
	var b strings.Builder
	name := r.CarrierName
	if name == "" {
		name = r.CarrierID
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	b.WriteString("A new transport opportunity matches your profile.\n\n")
	fmt.Fprintf(&b, "Route: %s (%s) → %s (%s)\n",
		opp.Route.OriginCity, opp.Route.OriginPostalCode,
		opp.Route.DestinationCity, opp.Route.DestinationPostalCode)
	if !opp.Order.PickupAt.IsZero() {
		fmt.Fprintf(&b, "Pickup: %s\n", opp.Order.PickupAt.Format(time.RFC1123))
	}
	if !opp.Order.DeliveryAt.IsZero() {
		fmt.Fprintf(&b, "Delivery: %s\n", opp.Order.DeliveryAt.Format(time.RFC1123))
	}
	if opp.Order.GoodsType != "" {
		fmt.Fprintf(&b, "Goods: %s\n", opp.Order.GoodsType)
	}
	if opp.Order.WeightKg > 0 {
		fmt.Fprintf(&b, "Weight: %.0f kg\n", opp.Order.WeightKg)
	}
	if opp.Order.DistanceKm > 0 {
		fmt.Fprintf(&b, "Distance: %.0f km\n", opp.Order.DistanceKm)
	}
	if len(opp.Order.Requirements) > 0 {
		fmt.Fprintf(&b, "Requirements: %s\n", strings.Join(opp.Order.Requirements, ", "))
	}
	if opp.Deadline != nil {
		fmt.Fprintf(&b, "\nPlease submit your price before %s.\n", opp.Deadline.Format(time.RFC1123))
	}
	fmt.Fprintf(&b, "\nReference: %s\n", opp.OrderID)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
