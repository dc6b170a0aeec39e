package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeyou-chat/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	events  map[models.Entity][]models.ChangeEvent
	failing bool
}

func newMemStore() *memStore {
	return &memStore{events: map[models.Entity][]models.ChangeEvent{}}
}

func (m *memStore) AppendEvent(_ context.Context, ev models.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.events[ev.Entity] = append(m.events[ev.Entity], ev)
	return nil
}

func (m *memStore) EventsSince(_ context.Context, entity models.Entity, from uint64) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChangeEvent
	for _, ev := range m.events[entity] {
		if ev.Sequence >= from {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) LastSequence(_ context.Context, entity models.Entity) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[entity]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

// drop removes events of entity below seq, the way retention does.
func (m *memStore) drop(entity models.Entity, below uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.ChangeEvent
	for _, ev := range m.events[entity] {
		if ev.Sequence >= below {
			kept = append(kept, ev)
		}
	}
	m.events[entity] = kept
}

type recordingSink struct {
	mu  sync.Mutex
	got []uint64
}

func (r *recordingSink) Forward(_ context.Context, ev models.ChangeEvent) error {
	r.mu.Lock()
	r.got = append(r.got, ev.Sequence)
	r.mu.Unlock()
	return nil
}

func messageEvent(id string) models.ChangeEvent {
	return models.ChangeEvent{Entity: models.EntityMessage, Op: models.OpUpsert, EntityID: id, Payload: []byte(`{"id":"` + id + `"}`)}
}

func userEvent(id string) models.ChangeEvent {
	return models.ChangeEvent{Entity: models.EntityUser, Op: models.OpUpsert, EntityID: id, Payload: []byte(`{"id":"` + id + `"}`)}
}

func receive(t *testing.T, sub *Subscription) models.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.ChangeEvent{}
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription did not end")
		}
	}
}

func uint64p(v uint64) *uint64 { return &v }

func TestPublishSequencesPerStream(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	bus := NewBus(newMemStore(), 8, sink)

	for i, want := range []uint64{1, 2, 3} {
		ev, err := bus.Publish(ctx, messageEvent("m"))
		require.NoError(t, err)
		assert.Equal(t, want, ev.Sequence, "publish %d", i)
		assert.False(t, ev.OccurredAt.IsZero())
	}
	ev, err := bus.Publish(ctx, userEvent("u"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, []uint64{1, 2, 3, 1}, sink.got)

	_, err = bus.Publish(ctx, models.ChangeEvent{Entity: "room"})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestPublishResumesFromStoredSequence(t *testing.T) {
	store := newMemStore()
	store.events[models.EntityMessage] = []models.ChangeEvent{{Entity: models.EntityMessage, Sequence: 41}}
	bus := NewBus(store, 8)

	ev, err := bus.Publish(context.Background(), messageEvent("m"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ev.Sequence)
}

func TestPublishFailureDoesNotConsumeSequence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := NewBus(store, 8)

	store.failing = true
	_, err := bus.Publish(ctx, messageEvent("m"))
	require.Error(t, err)

	store.failing = false
	ev, err := bus.Publish(ctx, messageEvent("m"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
}

func TestSubscribeLiveOnly(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newMemStore(), 8)
	_, err := bus.Publish(ctx, messageEvent("old"))
	require.NoError(t, err)

	sub, err := bus.Subscribe(ctx, models.EntityMessage, nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.Publish(ctx, messageEvent("new"))
	require.NoError(t, err)
	ev := receive(t, sub)
	assert.Equal(t, "new", ev.EntityID)
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestSubscribeFromSequenceReplaysThenStreams(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newMemStore(), 8)
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, messageEvent("m"))
		require.NoError(t, err)
	}

	sub, err := bus.Subscribe(ctx, models.EntityMessage, uint64p(3))
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.Publish(ctx, messageEvent("m"))
	require.NoError(t, err)

	var got []uint64
	for i := 0; i < 4; i++ {
		got = append(got, receive(t, sub).Sequence)
	}
	assert.Equal(t, []uint64{3, 4, 5, 6}, got)
}

func TestSubscribeBelowRetainedLogIsTruncated(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := NewBus(store, 8)
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, messageEvent("m"))
		require.NoError(t, err)
	}
	store.drop(models.EntityMessage, 5)

	_, err := bus.Subscribe(ctx, models.EntityMessage, uint64p(2))
	require.ErrorIs(t, err, ErrTruncated)
	_, err = bus.Subscribe(ctx, models.EntityMessage, uint64p(0))
	require.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 0, bus.Subscribers(models.EntityMessage))

	sub, err := bus.Subscribe(ctx, models.EntityMessage, uint64p(5))
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, uint64(5), receive(t, sub).Sequence)

	live, err := bus.Subscribe(ctx, models.EntityMessage, nil)
	require.NoError(t, err)
	live.Close()
}

func TestSubscribeFromFutureSequenceSkipsEarlierEvents(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newMemStore(), 8)

	sub, err := bus.Subscribe(ctx, models.EntityMessage, uint64p(3))
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 4; i++ {
		_, err := bus.Publish(ctx, messageEvent("m"))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), receive(t, sub).Sequence)
	assert.Equal(t, uint64(4), receive(t, sub).Sequence)
}

func TestOverflowTerminatesOnlySlowSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newMemStore(), 4)

	slow, err := bus.Subscribe(ctx, models.EntityMessage, nil)
	require.NoError(t, err)
	fast, err := bus.Subscribe(ctx, models.EntityMessage, nil)
	require.NoError(t, err)
	defer fast.Close()

	for i := 1; i <= 20; i++ {
		_, err := bus.Publish(ctx, messageEvent("m"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), receive(t, fast).Sequence)
	}

	waitClosed(t, slow)
	assert.ErrorIs(t, slow.Err(), ErrOverflow)
	assert.Equal(t, 1, bus.Subscribers(models.EntityMessage))
}

func TestResubscribeAfterOverflowCatchesUpWithoutGaps(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newMemStore(), 2)

	sub, err := bus.Subscribe(ctx, models.EntityMessage, nil)
	require.NoError(t, err)

	_, err = bus.Publish(ctx, messageEvent("m"))
	require.NoError(t, err)
	last := receive(t, sub).Sequence

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(ctx, messageEvent("m"))
		require.NoError(t, err)
	}
	waitClosed(t, sub)
	require.ErrorIs(t, sub.Err(), ErrOverflow)

	again, err := bus.Subscribe(ctx, models.EntityMessage, uint64p(last+1))
	require.NoError(t, err)
	defer again.Close()
	for want := last + 1; want <= 11; want++ {
		assert.Equal(t, want, receive(t, again).Sequence)
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newMemStore(), 8)

	sub, err := bus.Subscribe(ctx, models.EntityUser, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers(models.EntityUser))

	sub.Close()
	sub.Close()
	waitClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), ErrClosed)
	assert.Equal(t, 0, bus.Subscribers(models.EntityUser))

	_, err = bus.Publish(ctx, userEvent("u"))
	require.NoError(t, err)
}

func TestContextCancelEndsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus(newMemStore(), 8)

	sub, err := bus.Subscribe(ctx, models.EntityUser, nil)
	require.NoError(t, err)
	cancel()

	waitClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	assert.Equal(t, 0, bus.Subscribers(models.EntityUser))
}

func TestBusCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus(newMemStore(), 8)
	sub, err := bus.Subscribe(context.Background(), models.EntityMessage, nil)
	require.NoError(t, err)

	bus.Close()
	waitClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), ErrBusClosed)

	_, err = bus.Publish(context.Background(), messageEvent("m"))
	assert.ErrorIs(t, err, ErrBusClosed)
}
