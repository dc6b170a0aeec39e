// Package events implements the change notification bus: one ordered,
// durable log per entity stream with non-blocking fan-out to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/observability"
)

var (
	// ErrOverflow terminates a subscription whose queue filled up. The
	// subscriber should resubscribe from its last seen sequence + 1.
	ErrOverflow = errors.New("subscription overflowed")

	// ErrClosed is reported by a subscription closed by its owner.
	ErrClosed = errors.New("subscription closed")

	// ErrBusClosed is reported to subscriptions when the bus shuts down.
	ErrBusClosed = errors.New("bus closed")

	// ErrTruncated rejects a replay that starts below the oldest retained
	// event. The subscriber must reload the entity's current state.
	ErrTruncated = errors.New("replay start is no longer retained")

	ErrUnknownEntity = errors.New("unknown entity stream")
)

// Store persists sequenced events.
type Store interface {
	AppendEvent(ctx context.Context, ev models.ChangeEvent) error
	EventsSince(ctx context.Context, entity models.Entity, from uint64) ([]models.ChangeEvent, error)
	LastSequence(ctx context.Context, entity models.Entity) (uint64, error)
}

// Sink receives every event after it is committed and fanned out.
type Sink interface {
	Forward(ctx context.Context, ev models.ChangeEvent) error
}

// Bus fans change events out to subscribers. Publish never blocks on a
// subscriber.
type Bus struct {
	store  Store
	buffer int
	sinks  []Sink

	mu      sync.Mutex
	streams map[models.Entity]*stream
	closed  bool
}

type stream struct {
	mu     sync.Mutex
	loaded bool
	seq    uint64
	subs   map[*Subscription]struct{}
}

// NewBus creates a bus. buffer bounds every subscriber queue.
func NewBus(store Store, buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		store:   store,
		buffer:  buffer,
		sinks:   sinks,
		streams: make(map[models.Entity]*stream),
	}
}

func (b *Bus) stream(entity models.Entity) (*stream, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s, ok := b.streams[entity]
	if !ok {
		s = &stream{subs: make(map[*Subscription]struct{})}
		b.streams[entity] = s
	}
	return s, nil
}

// load reads the stream's last sequence once. Caller holds s.mu.
func (b *Bus) load(ctx context.Context, entity models.Entity, s *stream) error {
	if s.loaded {
		return nil
	}
	last, err := b.store.LastSequence(ctx, entity)
	if err != nil {
		return fmt.Errorf("load %s sequence: %w", entity, err)
	}
	s.seq = last
	s.loaded = true
	return nil
}

// Publish assigns the next sequence of ev's stream, appends it to the log,
// fans it out and forwards it to sinks. It returns the sequenced event.
func (b *Bus) Publish(ctx context.Context, ev models.ChangeEvent) (models.ChangeEvent, error) {
	s, err := b.stream(ev.Entity)
	if err != nil {
		return ev, err
	}

	s.mu.Lock()
	if err := b.load(ctx, ev.Entity, s); err != nil {
		s.mu.Unlock()
		return ev, err
	}
	ev.Sequence = s.seq + 1
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := b.store.AppendEvent(ctx, ev); err != nil {
		s.mu.Unlock()
		return ev, fmt.Errorf("append %s event: %w", ev.Entity, err)
	}
	s.seq = ev.Sequence
	for sub := range s.subs {
		if !sub.offer(ev) {
			delete(s.subs, sub)
			observability.IncBusOverflow(string(ev.Entity))
			observability.AddBusSubscribers(string(ev.Entity), -1)
			logger.Log.Warn("bus subscriber overflowed",
				zap.String("entity", string(ev.Entity)),
				zap.Uint64("sequence", ev.Sequence))
			sub.terminate(ErrOverflow)
		}
	}
	s.mu.Unlock()

	observability.IncBusPublished(string(ev.Entity))
	fctx := context.WithoutCancel(ctx)
	for _, sink := range b.sinks {
		if err := sink.Forward(fctx, ev); err != nil {
			logger.Log.Warn("bus sink forward failed",
				zap.String("entity", string(ev.Entity)),
				zap.Uint64("sequence", ev.Sequence),
				zap.Error(err))
		}
	}
	return ev, nil
}

// Subscribe streams events of entity. With from set, retained events with
// sequence >= *from are replayed first; without it only new events are
// delivered. A from below the oldest retained event fails with ErrTruncated.
// The subscription ends when ctx is cancelled or Close is called.
func (b *Bus) Subscribe(ctx context.Context, entity models.Entity, from *uint64) (*Subscription, error) {
	s, err := b.stream(entity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := b.load(ctx, entity, s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var (
		backlog []models.ChangeEvent
		floor   = s.seq + 1
	)
	if from != nil {
		floor = *from
		if floor == 0 {
			floor = 1
		}
		if floor <= s.seq {
			backlog, err = b.store.EventsSince(ctx, entity, floor)
			if err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("load %s backlog: %w", entity, err)
			}
			if len(backlog) == 0 || backlog[0].Sequence > floor {
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: %s from %d", ErrTruncated, entity, floor)
			}
		}
	}
	sub := newSubscription(b, entity, floor, b.buffer)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	observability.AddBusSubscribers(string(entity), 1)
	go sub.run(ctx, backlog)
	return sub, nil
}

// Sequence reports the last assigned sequence of entity.
func (b *Bus) Sequence(ctx context.Context, entity models.Entity) (uint64, error) {
	s, err := b.stream(entity)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := b.load(ctx, entity, s); err != nil {
		return 0, err
	}
	return s.seq, nil
}

// Subscribers reports the active subscriptions of entity.
func (b *Bus) Subscribers(entity models.Entity) int {
	s, err := b.stream(entity)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	s, ok := b.streams[sub.entity]
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	_, present := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if present {
		observability.AddBusSubscribers(string(sub.entity), -1)
	}
}

// Close terminates every subscription and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := b.streams
	b.mu.Unlock()

	for entity, s := range streams {
		s.mu.Lock()
		for sub := range s.subs {
			delete(s.subs, sub)
			observability.AddBusSubscribers(string(entity), -1)
			sub.terminate(ErrBusClosed)
		}
		s.mu.Unlock()
	}
}
