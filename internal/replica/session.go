package replica

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"safeyou-chat/internal/events"
	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/models"
)

// Stream is one subscription as seen by a session.
type Stream interface {
	Events() <-chan models.ChangeEvent
	Err() error
	Close()
}

// Source opens streams. from nil means live only.
type Source interface {
	Subscribe(ctx context.Context, entity models.Entity, from *uint64) (Stream, error)
}

type busSource struct {
	bus *events.Bus
}

// FromBus adapts an in-process bus.
func FromBus(bus *events.Bus) Source {
	return busSource{bus: bus}
}

func (b busSource) Subscribe(ctx context.Context, entity models.Entity, from *uint64) (Stream, error) {
	sub, err := b.bus.Subscribe(ctx, entity, from)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ResyncFunc loads the current state of a stream.
type ResyncFunc func(ctx context.Context, entity models.Entity) (models.Snapshot, error)

// Session is the single subscriber loop of one client. It follows every
// configured stream, applies events to its view and resubscribes from the
// view's last sequence when a stream overflows. When that sequence is no
// longer retained it reloads the stream through its resync func, or fails
// without one.
type Session struct {
	source   Source
	view     *View
	entities []models.Entity
	onChange func(models.ChangeEvent)
	resync   ResyncFunc
}

type Option func(*Session)

// OnChange registers a callback for events that changed the view.
func OnChange(fn func(models.ChangeEvent)) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithResync sets how a truncated stream is reloaded.
func WithResync(fn ResyncFunc) Option {
	return func(s *Session) { s.resync = fn }
}

func NewSession(source Source, view *View, entities []models.Entity, opts ...Option) *Session {
	s := &Session{source: source, view: view, entities: entities}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) View() *View { return s.view }

// Run blocks until ctx is cancelled or a stream fails with anything other
// than an overflow.
func (s *Session) Run(ctx context.Context) error {
	streams := make([]Stream, len(s.entities))
	defer func() {
		for _, st := range streams {
			if st != nil {
				st.Close()
			}
		}
	}()
	for i, entity := range s.entities {
		st, err := s.subscribe(ctx, entity)
		if err != nil {
			return err
		}
		streams[i] = st
	}

	cases := make([]reflect.SelectCase, len(streams)+1)
	cases[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
	for {
		for i, st := range streams {
			cases[i+1] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(st.Events())}
		}
		chosen, value, ok := reflect.Select(cases)
		if chosen == 0 {
			return nil
		}
		idx := chosen - 1
		if ok {
			s.apply(value.Interface().(models.ChangeEvent))
			continue
		}

		entity := s.entities[idx]
		err := streams[idx].Err()
		streams[idx].Close()
		streams[idx] = nil
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, events.ErrOverflow) {
			return fmt.Errorf("%s stream ended: %w", entity, err)
		}
		logger.Log.Info("replica resubscribing after overflow",
			zap.String("entity", string(entity)),
			zap.Uint64("from", s.view.LastSequence(entity)+1))
		st, err := s.subscribe(ctx, entity)
		if err != nil {
			return err
		}
		streams[idx] = st
	}
}

func (s *Session) subscribe(ctx context.Context, entity models.Entity) (Stream, error) {
	from := s.view.LastSequence(entity) + 1
	st, err := s.source.Subscribe(ctx, entity, &from)
	if errors.Is(err, events.ErrTruncated) && s.resync != nil {
		snap, rerr := s.resync(ctx, entity)
		if rerr != nil {
			return nil, fmt.Errorf("resync %s: %w", entity, rerr)
		}
		if snap.Entity != entity {
			return nil, fmt.Errorf("resync %s: got %q snapshot", entity, snap.Entity)
		}
		if rerr := s.view.Reset(snap); rerr != nil {
			return nil, fmt.Errorf("resync %s: %w", entity, rerr)
		}
		logger.Log.Info("replica reloaded truncated stream",
			zap.String("entity", string(entity)),
			zap.Uint64("missed_from", from),
			zap.Uint64("sequence", snap.Sequence))
		from = snap.Sequence + 1
		st, err = s.source.Subscribe(ctx, entity, &from)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", entity, err)
	}
	return st, nil
}

func (s *Session) apply(ev models.ChangeEvent) {
	changed, err := s.view.Apply(ev)
	if err != nil {
		logger.Log.Warn("replica dropped event",
			zap.String("entity", string(ev.Entity)),
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err))
		return
	}
	if changed && s.onChange != nil {
		s.onChange(ev)
	}
}
