package events

import (
	"context"
	"sync"
)

// Handler processes one event. Returning an error (or panicking) counts as a
// failed delivery attempt.
type Handler func(ctx context.Context, ev Event) error

// Subscription is a registered interest of one subscriber in a topic
// pattern. Each subscription owns a bounded FIFO queue drained by its own
// goroutine, so a slow handler only ever delays itself.
type Subscription struct {
	ID         string
	Subscriber string
	Pattern    string

	handler Handler
	tokens  []string
	bound   int

	mu          sync.Mutex
	queue       []Event
	inflight    int
	overflowing bool
	dropped     uint64
	closed      bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscription(id, subscriber, pattern string, handler Handler, bound int) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		ID:         id,
		Subscriber: subscriber,
		Pattern:    pattern,
		handler:    handler,
		tokens:     splitTopic(pattern),
		bound:      bound,
		notify:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (s *Subscription) matches(topic []string) bool {
	return matchTokens(s.tokens, topic)
}

// enqueue appends ev unless the queue (pending plus in-flight) is full.
// firstDrop is true when this drop starts a new overflow episode.
func (s *Subscription) enqueue(ev Event) (accepted bool, firstDrop bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	if len(s.queue)+s.inflight >= s.bound {
		s.dropped++
		firstDrop = !s.overflowing
		s.overflowing = true
		s.mu.Unlock()
		return false, firstDrop
	}
	s.queue = append(s.queue, ev)
	s.overflowing = false
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, false
}

// next blocks until an event is available or the subscription is stopped.
func (s *Subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.inflight++
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return Event{}, false
		}
	}
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// stop discards pending events and cancels the handler context.
func (s *Subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cancel()
}

// Pending returns the number of queued plus in-flight events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + s.inflight
}

// Dropped returns how many events were dropped for this subscription.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// IsClosed returns whether the subscription has been removed.
func (s *Subscription) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
