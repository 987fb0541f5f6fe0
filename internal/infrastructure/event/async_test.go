package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// gatePublisher blocks deliveries until released
type gatePublisher struct {
	mu        sync.Mutex
	delivered []shared.DomainEvent
	gate      chan struct{}
}

func newGatePublisher(open bool) *gatePublisher {
	p := &gatePublisher{gate: make(chan struct{})}
	if open {
		close(p.gate)
	}
	return p
}

func (p *gatePublisher) Publish(_ context.Context, events ...shared.DomainEvent) error {
	<-p.gate
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, events...)
	return nil
}

func (p *gatePublisher) all() []shared.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]shared.DomainEvent(nil), p.delivered...)
}

func TestAsyncNotifier_DeliversInOrderPerAggregate(t *testing.T) {
	next := newGatePublisher(true)
	n := NewAsyncNotifier(next, zap.NewNop(), 64, 4)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	a, b := uuid.New(), uuid.New()
	for _, typ := range []string{"t1", "t2", "t3"} {
		require.NoError(t, n.Publish(ctx, newTestEvent(typ, a), newTestEvent(typ, b)))
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(stopCtx))

	perAggregate := map[uuid.UUID][]string{}
	for _, e := range next.all() {
		perAggregate[e.AggregateID()] = append(perAggregate[e.AggregateID()], e.EventType())
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, perAggregate[a])
	assert.Equal(t, []string{"t1", "t2", "t3"}, perAggregate[b])
	assert.Zero(t, n.Dropped())
}

func TestAsyncNotifier_FullQueueDropsWithoutBlocking(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	next := newGatePublisher(false)
	n := NewAsyncNotifier(next, zap.New(core), 1, 1)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	id := uuid.New()
	// The worker takes the first event and blocks on the gate, the second
	// fills the queue, the third is dropped.
	require.NoError(t, n.Publish(ctx, newTestEvent("first", id)))
	require.Eventually(t, func() bool { return len(n.queues[0]) == 0 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = n.Publish(ctx, newTestEvent("second", id), newTestEvent("third", id))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	assert.Equal(t, int64(1), n.Dropped())
	assert.Equal(t, 1, logs.FilterMessage("Event dropped").Len())

	close(next.gate)
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(stopCtx))
	assert.Equal(t, []string{"first", "second"}, eventTypes(next.all()))
}

func TestAsyncNotifier_PublishAfterStopIsDropped(t *testing.T) {
	next := newGatePublisher(true)
	n := NewAsyncNotifier(next, zap.NewNop(), 4, 1)
	ctx := context.Background()
	require.NoError(t, n.Stop(ctx))

	require.NoError(t, n.Publish(ctx, newTestEvent("late", uuid.New())))
	assert.Equal(t, int64(1), n.Dropped())
	assert.Empty(t, next.all())
	// stopping twice is harmless
	require.NoError(t, n.Stop(ctx))
}

func TestAsyncNotifier_StopDrainsQueuedEventsBeforeStart(t *testing.T) {
	next := newGatePublisher(true)
	n := NewAsyncNotifier(next, zap.NewNop(), 4, 2)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, newTestEvent("queued", uuid.New())))
	require.NoError(t, n.Stop(ctx))

	assert.Len(t, next.all(), 1)
}

func TestAsyncNotifier_DetachesCallerCancellation(t *testing.T) {
	var gotErr error
	recorded := make(chan struct{})
	pub := publisherFunc(func(ctx context.Context, _ ...shared.DomainEvent) error {
		gotErr = ctx.Err()
		close(recorded)
		return nil
	})
	n := NewAsyncNotifier(pub, zap.NewNop(), 4, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Publish(ctx, newTestEvent("e", uuid.New())))
	cancel()
	require.NoError(t, n.Start(context.Background()))

	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.NoError(t, gotErr)
	require.NoError(t, n.Stop(context.Background()))
}

type publisherFunc func(ctx context.Context, events ...shared.DomainEvent) error

func (f publisherFunc) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	return f(ctx, events...)
}
