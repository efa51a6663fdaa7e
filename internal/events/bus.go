package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scalestack/pkg/logging"
)

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("event bus closed")
	// ErrInvalidTopic is returned for malformed topics and patterns.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")
)

const (
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 50 * time.Millisecond
)

// Metrics receives bus counters. Implementations must be safe for
// concurrent use; a nil Metrics disables reporting.
type Metrics interface {
	EventPublished(topic string)
	EventDelivered(subscriber string)
	EventDropped(subscriber string)
	HandlerFailed(subscriber string)
	SubscriptionsChanged(active int)
}

// Options configures a Bus.
type Options struct {
	// QueueSize bounds each subscription's pending plus in-flight events.
	QueueSize int
	// MaxAttempts is the number of delivery attempts per event and subscription.
	MaxAttempts int
	// RetryDelay is the pause between failed attempts.
	RetryDelay time.Duration
	Metrics    Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Stats is a point-in-time copy of the bus counters.
type Stats struct {
	Published           uint64 `json:"published"`
	Delivered           uint64 `json:"delivered"`
	Dropped             uint64 `json:"dropped"`
	Failed              uint64 `json:"failed"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	LastSeq             uint64 `json:"lastSeq"`
}

// Bus is the in-process publish/subscribe hub. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	opts Options

	mu     sync.Mutex
	seq    uint64
	subs   []*Subscription
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	now func() time.Time
}

// NewBus creates a new event bus.
func NewBus(opts Options) *Bus {
	return &Bus{
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

// Publish assigns the next sequence number to a new event and queues it for
// every matching subscription. It never waits for delivery.
func (b *Bus) Publish(source, topic string, payload any) (Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return Event{}, err
	}
	tokens := splitTopic(topic)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrBusClosed
	}
	b.seq++
	ev := Event{
		Topic:   topic,
		Payload: payload,
		Seq:     b.seq,
		Source:  source,
		Time:    b.now(),
	}

	var overflows []Overflow
	for _, sub := range b.subs {
		if !sub.matches(tokens) {
			continue
		}
		accepted, firstDrop := sub.enqueue(ev)
		if accepted {
			continue
		}
		if sub.IsClosed() {
			continue
		}
		b.dropped.Add(1)
		if b.opts.Metrics != nil {
			b.opts.Metrics.EventDropped(sub.Subscriber)
		}
		if firstDrop && topic != TopicOverflow {
			overflows = append(overflows, Overflow{
				SubscriptionID: sub.ID,
				Subscriber:     sub.Subscriber,
				Pattern:        sub.Pattern,
				Topic:          topic,
				Seq:            ev.Seq,
				Dropped:        sub.Dropped(),
			})
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	if b.opts.Metrics != nil {
		b.opts.Metrics.EventPublished(topic)
	}

	for _, o := range overflows {
		logging.Warn("Bus", "Subscriber %s (%s) queue full, dropping events from seq %d", o.Subscriber, o.Pattern, o.Seq)
		if _, err := b.Publish(SourceBus, TopicOverflow, o); err != nil && !errors.Is(err, ErrBusClosed) {
			logging.Error("Bus", err, "Failed to publish overflow notice for %s", o.Subscriber)
		}
	}
	return ev, nil
}

// Subscribe registers handler for every topic matching pattern. subscriber
// identifies the owner (normally a service name) for failure reporting and
// bulk removal.
func (b *Bus) Subscribe(subscriber, pattern string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", pattern)
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	sub := newSubscription(uuid.NewString(), subscriber, pattern, handler, b.opts.QueueSize)
	b.subs = append(b.subs, sub)
	active := len(b.subs)
	b.mu.Unlock()

	go b.deliverLoop(sub)

	if b.opts.Metrics != nil {
		b.opts.Metrics.SubscriptionsChanged(active)
	}
	logging.Debug("Bus", "Subscriber %s subscribed to %s (%s)", subscriber, pattern, sub.ID)
	return sub, nil
}

// Unsubscribe removes sub. Pending events for it are discarded. Calling it
// more than once, or with nil, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	removed := false
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			removed = true
			break
		}
	}
	active := len(b.subs)
	b.mu.Unlock()

	sub.stop()
	if removed && b.opts.Metrics != nil {
		b.opts.Metrics.SubscriptionsChanged(active)
	}
}

// UnsubscribeAll removes every subscription owned by subscriber and returns
// how many were removed.
func (b *Bus) UnsubscribeAll(subscriber string) int {
	b.mu.Lock()
	var removed []*Subscription
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.Subscriber == subscriber {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	active := len(b.subs)
	b.mu.Unlock()

	for _, s := range removed {
		s.stop()
	}
	if len(removed) > 0 && b.opts.Metrics != nil {
		b.opts.Metrics.SubscriptionsChanged(active)
	}
	return len(removed)
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	active := len(b.subs)
	seq := b.seq
	b.mu.Unlock()
	return Stats{
		Published:           b.published.Load(),
		Delivered:           b.delivered.Load(),
		Dropped:             b.dropped.Load(),
		Failed:              b.failed.Load(),
		ActiveSubscriptions: active,
		LastSeq:             seq,
	}
}

// Pending returns the total number of queued plus in-flight events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()
	total := 0
	for _, s := range subs {
		total += s.Pending()
	}
	return total
}

// Drain waits until every queue is empty or ctx ends. Publishing is still
// allowed while draining.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting events, drains queues until ctx ends and then stops
// all delivery goroutines. The returned error is ctx's error when the drain
// did not finish.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	drainErr := b.Drain(ctx)

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	if b.opts.Metrics != nil {
		b.opts.Metrics.SubscriptionsChanged(0)
	}
	if drainErr != nil {
		logging.Warn("Bus", "Closed with %d undelivered events: %v", b.pendingOf(subs), drainErr)
	}
	return drainErr
}

func (b *Bus) pendingOf(subs []*Subscription) int {
	total := 0
	for _, s := range subs {
		total += s.Pending()
	}
	return total
}

func (b *Bus) deliverLoop(sub *Subscription) {
	defer close(sub.done)
	for {
		ev, ok := sub.next()
		if !ok {
			return
		}
		b.deliver(sub, ev)
		sub.finish()
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	var err error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		err = invoke(sub, ev)
		if err == nil {
			b.delivered.Add(1)
			if b.opts.Metrics != nil {
				b.opts.Metrics.EventDelivered(sub.Subscriber)
			}
			return
		}
		if sub.ctx.Err() != nil {
			return
		}
		logging.Debug("Bus", "Handler %s failed on %s (attempt %d/%d): %v", sub.Subscriber, ev, attempt, b.opts.MaxAttempts, err)
		if attempt < b.opts.MaxAttempts {
			select {
			case <-time.After(b.opts.RetryDelay):
			case <-sub.ctx.Done():
				return
			}
		}
	}

	b.failed.Add(1)
	if b.opts.Metrics != nil {
		b.opts.Metrics.HandlerFailed(sub.Subscriber)
	}
	logging.Warn("Bus", "Handler %s gave up on %s after %d attempts: %v", sub.Subscriber, ev, b.opts.MaxAttempts, err)

	// Failures while handling a health report are not reported again.
	if strings.HasPrefix(ev.Topic, healthTopicPrefix) {
		return
	}
	failure := HandlerFailure{
		SubscriptionID: sub.ID,
		Subscriber:     sub.Subscriber,
		Topic:          ev.Topic,
		Seq:            ev.Seq,
		Attempts:       b.opts.MaxAttempts,
		Err:            err.Error(),
	}
	if _, perr := b.Publish(SourceBus, HealthTopic(sub.Subscriber), failure); perr != nil && !errors.Is(perr, ErrBusClosed) {
		logging.Error("Bus", perr, "Failed to report handler failure for %s", sub.Subscriber)
	}
}

func invoke(sub *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return sub.handler(sub.ctx, ev)
}
