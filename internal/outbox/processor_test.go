package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/repository"
	"orderflow/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPublisher struct {
	mu    sync.Mutex
	calls []broker.Message
	fn    func(ctx context.Context, msg broker.Message) broker.Result
}

func (p *scriptedPublisher) Publish(ctx context.Context, msg broker.Message) broker.Result {
	p.mu.Lock()
	p.calls = append(p.calls, msg)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return broker.Result{Outcome: broker.Success}
	}
	return fn(ctx, msg)
}

func (p *scriptedPublisher) Close() error { return nil }

func (p *scriptedPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedPublisher) eventIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		ids = append(ids, c.EventID)
	}
	return ids
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newTestProcessor(repo repository.OutboxRepository, pub broker.Publisher, owner string, clock *fakeClock) *Processor {
	cfg := DefaultConfig(owner)
	cfg.PublishTimeout = time.Second
	p := NewProcessor(repo, pub, cfg, nil)
	p.clock = clock.Now
	return p
}

func insertPending(t *testing.T, store *memory.Store, n int) []outbox.OutboxMessage {
	t.Helper()
	msgs := make([]outbox.OutboxMessage, 0, n)
	for i := 0; i < n; i++ {
		msg := outbox.OutboxMessage{
			ID:         uuid.New(),
			EventType:  "order.placed",
			RoutingKey: "order.placed",
			Payload:    `{"n":1}`,
			Status:     outbox.StatusPending,
			CreatedAt:  t0.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, store.Outbox().Create(context.Background(), &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func reload(t *testing.T, store *memory.Store, id uuid.UUID) outbox.OutboxMessage {
	t.Helper()
	msg, err := store.Outbox().GetByID(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func TestDrainPublishesPendingMessage(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 1)
	pub := &scriptedPublisher{}
	clock := &fakeClock{now: t0.Add(time.Second)}
	p := newTestProcessor(store.Outbox(), pub, "a", clock)

	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)

	got := reload(t, store, msgs[0].ID)
	assert.Equal(t, outbox.StatusPublished, got.Status)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, clock.Now(), *got.PublishedAt)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.ClaimedBy)

	require.Equal(t, 1, pub.callCount())
	assert.Equal(t, msgs[0].ID.String(), pub.calls[0].EventID)
	assert.Equal(t, `{"n":1}`, string(pub.calls[0].Body))

	// Published rows are never picked up again.
	summary, err = p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Claimed)
}

func TestDrainRecordsNoRouteWithBackoff(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 1)
	pub := &scriptedPublisher{fn: func(context.Context, broker.Message) broker.Result {
		return broker.Result{Outcome: broker.FailedNoRoute, Err: broker.ErrUnroutable}
	}}
	clock := &fakeClock{now: t0}
	p := newTestProcessor(store.Outbox(), pub, "a", clock)

	_, err := p.DrainOnce(context.Background())
	require.NoError(t, err)

	got := reload(t, store, msgs[0].ID)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, t0.Add(2*time.Second), *got.NextRetryAt)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "failed_no_route")
	assert.Nil(t, got.PublishedAt)

	// Not eligible until the backoff elapses.
	clock.Advance(time.Second)
	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Claimed)

	clock.Advance(time.Second)
	summary, err = p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Claimed)
}

func TestDrainStopsAfterMaxRetries(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 1)
	pub := &scriptedPublisher{fn: func(context.Context, broker.Message) broker.Result {
		return broker.Result{Outcome: broker.FailedBrokerError, Err: errors.New("connection refused")}
	}}
	clock := &fakeClock{now: t0}
	p := newTestProcessor(store.Outbox(), pub, "a", clock)

	expectedDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, delay := range expectedDelays {
		now := clock.Now()
		summary, err := p.DrainOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Failed, "cycle %d", i+1)

		got := reload(t, store, msgs[0].ID)
		assert.Equal(t, i+1, got.RetryCount)
		assert.Equal(t, now.Add(delay), *got.NextRetryAt)
		clock.Advance(delay)
	}

	got := reload(t, store, msgs[0].ID)
	assert.True(t, got.Stuck(5))

	clock.Advance(24 * time.Hour)
	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Claimed)
	assert.Equal(t, 5, pub.callCount())
}

func TestDrainIsolatesPublisherPanics(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 3)
	pub := &scriptedPublisher{fn: func(_ context.Context, m broker.Message) broker.Result {
		if m.EventID == msgs[1].ID.String() {
			panic("serializer exploded")
		}
		return broker.Result{Outcome: broker.Success}
	}}
	p := newTestProcessor(store.Outbox(), pub, "a", &fakeClock{now: t0})

	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, outbox.StatusPublished, reload(t, store, msgs[0].ID).Status)
	failed := reload(t, store, msgs[1].ID)
	assert.Equal(t, outbox.StatusFailed, failed.Status)
	assert.Contains(t, *failed.LastError, "publisher panic")
	assert.Equal(t, outbox.StatusPublished, reload(t, store, msgs[2].ID).Status)
}

func TestDrainContinuesWhenOneResultCannotBeStored(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 3)
	store.InjectFault("outbox.mark_published", errors.New("connection reset"))
	p := newTestProcessor(store.Outbox(), &scriptedPublisher{}, "a", &fakeClock{now: t0})

	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)

	// The first row keeps its lease and is retried once the lease expires.
	first := reload(t, store, msgs[0].ID)
	assert.Equal(t, outbox.StatusPending, first.Status)
	assert.NotNil(t, first.ClaimedBy)
	assert.Equal(t, outbox.StatusPublished, reload(t, store, msgs[1].ID).Status)
	assert.Equal(t, outbox.StatusPublished, reload(t, store, msgs[2].ID).Status)
}

func TestDrainPublishesInCreationOrder(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 10)
	pub := &scriptedPublisher{}
	p := newTestProcessor(store.Outbox(), pub, "a", &fakeClock{now: t0.Add(time.Second)})

	_, err := p.DrainOnce(context.Background())
	require.NoError(t, err)

	want := make([]string, 0, len(msgs))
	for _, m := range msgs {
		want = append(want, m.ID.String())
	}
	assert.Equal(t, want, pub.eventIDs())
}

func TestConcurrentDrainersPublishEachMessageOnce(t *testing.T) {
	store := memory.NewStore()
	insertPending(t, store, 100)

	var mu sync.Mutex
	published := map[string]int{}
	pub := &scriptedPublisher{fn: func(_ context.Context, m broker.Message) broker.Result {
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		published[m.EventID]++
		mu.Unlock()
		return broker.Result{Outcome: broker.Success}
	}}

	clock := &fakeClock{now: t0.Add(time.Second)}
	var wg sync.WaitGroup
	for _, owner := range []string{"a", "b", "c"} {
		p := newTestProcessor(store.Outbox(), pub, owner, clock)
		p.cfg.BatchSize = 10
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				summary, err := p.DrainOnce(context.Background())
				if err != nil || summary.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, published, 100)
	for id, n := range published {
		assert.Equal(t, 1, n, "message %s", id)
	}
}

func TestShutdownFinishesInFlightPublishAndReleasesTheRest(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 3)

	ctx, cancel := context.WithCancel(context.Background())
	var publishCtxErr error
	pub := &scriptedPublisher{fn: func(pctx context.Context, m broker.Message) broker.Result {
		cancel()
		time.Sleep(20 * time.Millisecond)
		publishCtxErr = pctx.Err()
		return broker.Result{Outcome: broker.Success}
	}}
	clock := &fakeClock{now: t0.Add(time.Second)}
	p := newTestProcessor(store.Outbox(), pub, "a", clock)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop did not stop")
	}

	assert.NoError(t, publishCtxErr)
	assert.Equal(t, 1, pub.callCount())
	assert.Equal(t, outbox.StatusPublished, reload(t, store, msgs[0].ID).Status)
	for _, m := range msgs[1:] {
		got := reload(t, store, m.ID)
		assert.Equal(t, outbox.StatusPending, got.Status)
		assert.Nil(t, got.ClaimedBy)
	}
}

func TestRunnerStartStop(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 2)
	pub := &scriptedPublisher{}
	p := newTestProcessor(store.Outbox(), pub, "a", &fakeClock{now: t0.Add(time.Second)})
	p.cfg.Interval = 10 * time.Millisecond

	r := NewRunner(p)
	r.Start(context.Background())
	require.Eventually(t, func() bool {
		return reload(t, store, msgs[1].ID).Status == outbox.StatusPublished
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.Equal(t, 2, pub.callCount())
}

func TestExpiredBatchLeaseDoesNotDoublePublish(t *testing.T) {
	store := memory.NewStore()
	msgs := insertPending(t, store, 3)
	clock := &fakeClock{now: t0.Add(time.Second)}

	var mu sync.Mutex
	published := map[string]int{}
	record := func(id string) {
		mu.Lock()
		published[id]++
		mu.Unlock()
	}

	other := newTestProcessor(store.Outbox(), &scriptedPublisher{fn: func(_ context.Context, m broker.Message) broker.Result {
		record(m.EventID)
		return broker.Result{Outcome: broker.Success}
	}}, "b", clock)

	var otherSummary Summary
	slow := &scriptedPublisher{}
	slow.fn = func(_ context.Context, m broker.Message) broker.Result {
		record(m.EventID)
		// Each publish stays inside the claim TTL, but two of them outlast
		// the lease taken for the whole batch.
		clock.Advance(40 * time.Second)
		if slow.callCount() == 2 {
			var err error
			otherSummary, err = other.DrainOnce(context.Background())
			require.NoError(t, err)
		}
		return broker.Result{Outcome: broker.Success}
	}
	p := newTestProcessor(store.Outbox(), slow, "a", clock)

	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Claimed)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, 1, summary.ClaimLost)
	assert.Equal(t, 1, otherSummary.Claimed)
	assert.Equal(t, 1, otherSummary.Published)

	require.Len(t, published, 3)
	for _, m := range msgs {
		assert.Equal(t, 1, published[m.ID.String()], "message %s", m.ID)
		assert.Equal(t, outbox.StatusPublished, reload(t, store, m.ID).Status)
	}
}

func TestDrainPicksUpFailedRowWithoutRetryTime(t *testing.T) {
	store := memory.NewStore()
	msg := outbox.OutboxMessage{
		ID:         uuid.New(),
		EventType:  "order.placed",
		RoutingKey: "order.placed",
		Payload:    `{"n":1}`,
		Status:     outbox.StatusFailed,
		RetryCount: 2,
		CreatedAt:  t0,
	}
	require.NoError(t, store.Outbox().Create(context.Background(), &msg))
	p := newTestProcessor(store.Outbox(), &scriptedPublisher{}, "a", &fakeClock{now: t0.Add(time.Hour)})

	summary, err := p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, outbox.StatusPublished, reload(t, store, msg.ID).Status)
}
