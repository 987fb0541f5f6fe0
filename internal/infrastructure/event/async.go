package event

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/affretia/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// AsyncNotifier decouples publishers from event delivery. Publish enqueues
// and returns immediately; workers forward events to the wrapped publisher.
// Events of one aggregate always go to the same worker, so their order is
// kept. When a queue is full the event is dropped and logged.
type AsyncNotifier struct {
	next    shared.EventPublisher
	logger  *zap.Logger
	queues  []chan queuedEvent
	wg      sync.WaitGroup
	start   sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

type queuedEvent struct {
	ctx   context.Context
	event shared.DomainEvent
}

// NewAsyncNotifier creates a notifier with the given number of workers,
// each owning a queue of queueSize events
func NewAsyncNotifier(next shared.EventPublisher, logger *zap.Logger, queueSize, workers int) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	n := &AsyncNotifier{
		next:   next,
		logger: logger,
		queues: make([]chan queuedEvent, workers),
	}
	for i := range n.queues {
		n.queues[i] = make(chan queuedEvent, queueSize)
	}
	return n
}

// Start launches the workers. Calling it more than once has no effect.
func (n *AsyncNotifier) Start(context.Context) error {
	n.start.Do(func() {
		for _, q := range n.queues {
			n.wg.Add(1)
			go n.run(q)
		}
		n.logger.Info("Async event notifier started", zap.Int("workers", len(n.queues)))
	})
	return nil
}

// Publish enqueues events without blocking. It never returns an error:
// events that cannot be queued are counted and logged.
func (n *AsyncNotifier) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, e := range events {
		if n.closed {
			n.drop(e, "notifier stopped")
			continue
		}
		select {
		case n.queues[n.shard(e)] <- queuedEvent{ctx: detached, event: e}:
		default:
			n.drop(e, "queue full")
		}
	}
	return nil
}

// Dropped returns the number of events discarded so far
func (n *AsyncNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Stop closes the queues and waits for queued events to be delivered or
// for ctx to end
func (n *AsyncNotifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for _, q := range n.queues {
			close(q)
		}
	}
	n.mu.Unlock()

	// workers only drain once started
	_ = n.Start(ctx)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.logger.Info("Async event notifier stopped", zap.Int64("dropped", n.Dropped()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *AsyncNotifier) run(q <-chan queuedEvent) {
	defer n.wg.Done()
	for item := range q {
		if err := n.next.Publish(item.ctx, item.event); err != nil {
			n.logger.Error("Async event delivery failed",
				zap.String("event_type", item.event.EventType()),
				zap.String("event_id", item.event.EventID().String()),
				zap.Error(err))
		}
	}
}

func (n *AsyncNotifier) shard(e shared.DomainEvent) int {
	if len(n.queues) == 1 {
		return 0
	}
	id := e.AggregateID()
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return int(h.Sum32() % uint32(len(n.queues)))
}

func (n *AsyncNotifier) drop(e shared.DomainEvent, reason string) {
	n.dropped.Add(1)
	n.logger.Warn("Event dropped",
		zap.String("reason", reason),
		zap.String("event_type", e.EventType()),
		zap.String("event_id", e.EventID().String()),
		zap.String("aggregate_id", e.AggregateID().String()))
}

var _ shared.EventPublisher = (*AsyncNotifier)(nil)
