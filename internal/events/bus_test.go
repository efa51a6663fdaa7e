package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records every event it sees.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func closeBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.Close(ctx)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"service.state.api", "service.state.api", true},
		{"service.state.*", "service.state.api", true},
		{"service.*.api", "service.health.api", true},
		{"service.state.*", "service.state", false},
		{"service.state.*", "service.state.api.extra", false},
		{"service.>", "service.state.api", true},
		{"service.>", "service", false},
		{">", "anything.at.all", true},
		{"claim.split.*", "claim.released", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ValidateTopic("peer.joined"))
	assert.ErrorIs(t, ValidateTopic(""), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopic("peer..joined"), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateTopic("peer.*"), ErrInvalidTopic)

	assert.NoError(t, ValidatePattern("peer.*"))
	assert.NoError(t, ValidatePattern("peer.>"))
	assert.ErrorIs(t, ValidatePattern("peer.>.x"), ErrInvalidTopic)
}

func TestPublish_DeliversInOrder(t *testing.T) {
	b := NewBus(Options{})
	defer closeBus(t, b)

	c := &collector{}
	_, err := b.Subscribe("svc", "orders.created", c.handle)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := b.Publish("api", "orders.created", i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return c.count() == 50 }, 2*time.Second, 5*time.Millisecond)
	got := c.snapshot()
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload)
		if i > 0 {
			assert.Greater(t, ev.Seq, got[i-1].Seq)
		}
		assert.Equal(t, "api", ev.Source)
	}
}

func TestPublish_OnlyMatchingSubscribers(t *testing.T) {
	b := NewBus(Options{})
	defer closeBus(t, b)

	state, all := &collector{}, &collector{}
	_, err := b.Subscribe("a", "service.state.*", state.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("b", "service.>", all.handle)
	require.NoError(t, err)

	_, err = b.Publish("x", "service.state.db", nil)
	require.NoError(t, err)
	_, err = b.Publish("x", "service.terminal.db", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return all.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, state.count())
}

func TestPublish_OverflowDropsNewest(t *testing.T) {
	b := NewBus(Options{QueueSize: 10})
	defer closeBus(t, b)

	release := make(chan struct{})
	var handled atomic.Int32
	_, err := b.Subscribe("slow", "work.item", func(ctx context.Context, ev Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	overflows := &collector{}
	_, err = b.Subscribe("watcher", TopicOverflow, overflows.handle)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		_, err := b.Publish("producer", "work.item", i)
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(5), stats.Dropped)

	require.Eventually(t, func() bool { return overflows.count() == 1 }, time.Second, 5*time.Millisecond)
	o, ok := overflows.snapshot()[0].Payload.(Overflow)
	require.True(t, ok)
	assert.Equal(t, "slow", o.Subscriber)
	assert.Equal(t, "work.item", o.Topic)
	assert.Equal(t, SourceBus, overflows.snapshot()[0].Source)

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 10 }, time.Second, 5*time.Millisecond)

	// Still exactly one overflow notice for the episode.
	assert.Equal(t, 1, overflows.count())
}

func TestPublish_NewOverflowEpisodeAfterRecovery(t *testing.T) {
	b := NewBus(Options{QueueSize: 1})
	defer closeBus(t, b)

	gate := make(chan struct{}, 10)
	_, err := b.Subscribe("slow", "tick", func(ctx context.Context, ev Event) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)
	overflows := &collector{}
	_, err = b.Subscribe("watcher", TopicOverflow, overflows.handle)
	require.NoError(t, err)

	_, _ = b.Publish("p", "tick", 1)
	_, _ = b.Publish("p", "tick", 2) // dropped, episode 1
	_, _ = b.Publish("p", "tick", 3) // dropped, same episode
	require.Eventually(t, func() bool { return overflows.count() == 1 }, time.Second, 5*time.Millisecond)

	gate <- struct{}{}
	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)

	_, _ = b.Publish("p", "tick", 4) // accepted, episode over
	_, _ = b.Publish("p", "tick", 5) // dropped, episode 2
	require.Eventually(t, func() bool { return overflows.count() == 2 }, time.Second, 5*time.Millisecond)
	gate <- struct{}{}
}

func TestHandlerFailure_IsolatedAndReported(t *testing.T) {
	b := NewBus(Options{MaxAttempts: 3, RetryDelay: time.Millisecond})
	defer closeBus(t, b)

	var attempts atomic.Int32
	_, err := b.Subscribe("broken", "jobs.>", func(context.Context, Event) error {
		attempts.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	healthy := &collector{}
	_, err = b.Subscribe("healthy", "jobs.>", healthy.handle)
	require.NoError(t, err)

	health := &collector{}
	_, err = b.Subscribe("supervisor", "service.health.*", health.handle)
	require.NoError(t, err)

	_, err = b.Publish("api", "jobs.run", "payload")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return health.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 1, healthy.count())

	ev := health.snapshot()[0]
	assert.Equal(t, HealthTopic("broken"), ev.Topic)
	failure, ok := ev.Payload.(HandlerFailure)
	require.True(t, ok)
	assert.Equal(t, "jobs.run", failure.Topic)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, "boom", failure.Err)
	assert.Equal(t, uint64(1), b.Stats().Failed)
}

func TestHandlerPanic_RetriedThenSucceeds(t *testing.T) {
	b := NewBus(Options{MaxAttempts: 3, RetryDelay: time.Millisecond})
	defer closeBus(t, b)

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe("flaky", "x", func(context.Context, Event) error {
		if calls.Add(1) == 1 {
			panic("first call")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish("p", "x", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not retried after panic")
	}
	require.Eventually(t, func() bool { return b.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), b.Stats().Failed)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := NewBus(Options{})
	defer closeBus(t, b)

	c := &collector{}
	sub, err := b.Subscribe("svc", "a.b", c.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().ActiveSubscriptions)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	assert.Equal(t, 0, b.Stats().ActiveSubscriptions)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not exit")
	}

	_, err = b.Publish("p", "a.b", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.count())
}

func TestUnsubscribeAll(t *testing.T) {
	b := NewBus(Options{})
	defer closeBus(t, b)

	noop := func(context.Context, Event) error { return nil }
	_, _ = b.Subscribe("svc", "a", noop)
	_, _ = b.Subscribe("svc", "b", noop)
	_, _ = b.Subscribe("other", "a", noop)

	assert.Equal(t, 2, b.UnsubscribeAll("svc"))
	assert.Equal(t, 0, b.UnsubscribeAll("svc"))
	assert.Equal(t, 1, b.Stats().ActiveSubscriptions)
}

func TestClose(t *testing.T) {
	b := NewBus(Options{})
	c := &collector{}
	_, err := b.Subscribe("svc", "a", c.handle)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Publish("p", "a", i)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, 5, c.count())

	_, err = b.Publish("p", "a", nil)
	assert.ErrorIs(t, err, ErrBusClosed)
	_, err = b.Subscribe("svc", "a", c.handle)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.NoError(t, b.Close(ctx))
}

func TestClose_DeadlineWithStuckHandler(t *testing.T) {
	b := NewBus(Options{})
	_, err := b.Subscribe("stuck", "a", func(ctx context.Context, ev Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	_, err = b.Publish("p", "a", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
}
