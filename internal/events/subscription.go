package events

import (
	"context"
	"sync"

	"safeyou-chat/internal/models"
)

// Subscription is one subscriber's view of a stream. Events are delivered in
// sequence order on Events; the channel is closed when the subscription ends
// and Err reports why.
type Subscription struct {
	bus    *Bus
	entity models.Entity
	floor  uint64

	live chan models.ChangeEvent
	out  chan models.ChangeEvent
	done chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(bus *Bus, entity models.Entity, floor uint64, buffer int) *Subscription {
	return &Subscription{
		bus:    bus,
		entity: entity,
		floor:  floor,
		live:   make(chan models.ChangeEvent, buffer),
		out:    make(chan models.ChangeEvent),
		done:   make(chan struct{}),
	}
}

// Entity is the stream this subscription follows.
func (s *Subscription) Entity() models.Entity { return s.entity }

// Events yields the stream.
func (s *Subscription) Events() <-chan models.ChangeEvent { return s.out }

// Done is closed when the subscription has been terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports the termination reason once Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and releases its resources. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.terminate(ErrClosed)
}

// offer enqueues ev without blocking. Called with the stream lock held.
func (s *Subscription) offer(ev models.ChangeEvent) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.live <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) run(ctx context.Context, backlog []models.ChangeEvent) {
	defer close(s.out)

	var last uint64
	deliver := func(ev models.ChangeEvent) bool {
		if ev.Sequence < s.floor || ev.Sequence <= last {
			return true
		}
		select {
		case s.out <- ev:
			last = ev.Sequence
			return true
		case <-s.done:
			return false
		case <-ctx.Done():
			s.bus.remove(s)
			s.terminate(ctx.Err())
			return false
		}
	}

	for _, ev := range backlog {
		if !deliver(ev) {
			return
		}
	}
	for {
		select {
		case ev := <-s.live:
			if !deliver(ev) {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.bus.remove(s)
			s.terminate(ctx.Err())
			return
		}
	}
}
