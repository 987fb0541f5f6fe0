package sourcing

// SessionStatus represents the lifecycle stage of a sourcing session
type SessionStatus string

const (
	StatusPending            SessionStatus = "pending"
	StatusAnalyzing          SessionStatus = "analyzing"
	StatusShortlistGenerated SessionStatus = "shortlist_generated"
	StatusBroadcasting       SessionStatus = "broadcasting"
	StatusAwaitingResponses  SessionStatus = "awaiting_responses"
	StatusSelecting          SessionStatus = "selecting"
	StatusAssigned           SessionStatus = "assigned"
	StatusInTransit          SessionStatus = "in_transit"
	StatusDelivered          SessionStatus = "delivered"
	StatusClosed             SessionStatus = "closed"
	StatusFailed             SessionStatus = "failed"
	StatusCancelled          SessionStatus = "cancelled"
)

// AllSessionStatuses returns every status in lifecycle order
func AllSessionStatuses() []SessionStatus {
	return []SessionStatus{
		StatusPending,
		StatusAnalyzing,
		StatusShortlistGenerated,
		StatusBroadcasting,
		StatusAwaitingResponses,
		StatusSelecting,
		StatusAssigned,
		StatusInTransit,
		StatusDelivered,
		StatusClosed,
		StatusFailed,
		StatusCancelled,
	}
}

// TerminalStatuses returns the statuses a session never leaves
func TerminalStatuses() []SessionStatus {
	return []SessionStatus{StatusClosed, StatusFailed, StatusCancelled}
}

// SuccessfulStatuses returns the statuses of sessions that ended with an assignment
func SuccessfulStatuses() []SessionStatus {
	return []SessionStatus{StatusAssigned, StatusInTransit, StatusDelivered, StatusClosed}
}

// IsValid checks if the status is a valid SessionStatus
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusShortlistGenerated, StatusBroadcasting,
		StatusAwaitingResponses, StatusSelecting, StatusAssigned, StatusInTransit,
		StatusDelivered, StatusClosed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// String returns the string representation of SessionStatus
func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible
func (s SessionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the session still holds its order
func (s SessionStatus) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// AcceptsProposals reports whether carriers may still respond
func (s SessionStatus) AcceptsProposals() bool {
	return s == StatusAwaitingResponses || s == StatusSelecting
}

// CanTransitionTo checks if the status can transition to the target status
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	if s.IsTerminal() || !target.IsValid() {
		return false
	}
	if target == StatusFailed || target == StatusCancelled {
		return true
	}
	switch s {
	case StatusPending:
		return target == StatusAnalyzing
	case StatusAnalyzing:
		return target == StatusShortlistGenerated
	case StatusShortlistGenerated:
		return target == StatusBroadcasting
	case StatusBroadcasting:
		return target == StatusAwaitingResponses
	case StatusAwaitingResponses:
		return target == StatusSelecting
	case StatusSelecting:
		return target == StatusAssigned
	case StatusAssigned:
		return target == StatusInTransit || target == StatusClosed
	case StatusInTransit:
		return target == StatusDelivered || target == StatusClosed
	case StatusDelivered:
		return target == StatusClosed
	}
	return false
}

// TriggerType is what started a sourcing session
type TriggerType string

const (
	TriggerManual        TriggerType = "manual"
	TriggerAuto          TriggerType = "auto"
	TriggerCapabilityGap TriggerType = "capability-gap"
)

// IsValid checks if the trigger type is known
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerManual, TriggerAuto, TriggerCapabilityGap:
		return true
	}
	return false
}

// String returns the string representation of TriggerType
func (t TriggerType) String() string {
	return string(t)
}

// Priority is the urgency of a sourcing session
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid checks if the priority is known
func (p Priority) IsValid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Channel is a broadcast medium
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelExchange Channel = "exchange" // public freight exchange
)

// IsValid checks if the channel is known
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelExchange:
		return true
	}
	return false
}

// TrackingLevel is the tracking service bought with an assignment
type TrackingLevel string

const (
	TrackingBasic   TrackingLevel = "basic"
	TrackingGPS     TrackingLevel = "gps"
	TrackingPremium TrackingLevel = "premium"
)

// IsValid checks if the tracking level is known
func (l TrackingLevel) IsValid() bool {
	switch l {
	case TrackingBasic, TrackingGPS, TrackingPremium:
		return true
	}
	return false
}
