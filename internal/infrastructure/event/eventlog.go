package event

import (
	"context"
	"sync"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// DefaultLogCapacity is the number of events an EventLog retains
const DefaultLogCapacity = 1000

// EventLog keeps the most recent events in a fixed-size ring.
// Older events are overwritten once the log is full.
type EventLog struct {
	mu     sync.RWMutex
	ring   []shared.DomainEvent
	next   int
	filled bool
}

// NewEventLog creates an event log holding up to capacity events
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{ring: make([]shared.DomainEvent, capacity)}
}

// Handle implements shared.EventHandler
func (l *EventLog) Handle(_ context.Context, event shared.DomainEvent) error {
	l.Append(event)
	return nil
}

// EventTypes implements shared.EventHandler: the log records every event
func (l *EventLog) EventTypes() []string {
	return nil
}

// Append records events in order
func (l *EventLog) Append(events ...shared.DomainEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		l.ring[l.next] = e
		l.next++
		if l.next == len(l.ring) {
			l.next = 0
			l.filled = true
		}
	}
}

// Len returns the number of retained events
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.filled {
		return len(l.ring)
	}
	return l.next
}

// Recent returns up to limit of the latest events, oldest first
func (l *EventLog) Recent(limit int) []shared.DomainEvent {
	return l.collect(limit, func(shared.DomainEvent) bool { return true })
}

// ForAggregate returns up to limit of the latest events of one aggregate,
// oldest first
func (l *EventLog) ForAggregate(aggregateID uuid.UUID, limit int) []shared.DomainEvent {
	return l.collect(limit, func(e shared.DomainEvent) bool {
		return e.AggregateID() == aggregateID
	})
}

// collect walks the ring from newest to oldest and returns the matches in
// chronological order
func (l *EventLog) collect(limit int, match func(shared.DomainEvent) bool) []shared.DomainEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.filled {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	picked := make([]shared.DomainEvent, 0, limit)
	for i := 1; i <= size && len(picked) < limit; i++ {
		e := l.ring[(l.next-i+len(l.ring))%len(l.ring)]
		if match(e) {
			picked = append(picked, e)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
