// Package replica keeps a subscriber's local copy of users and messages in
// step with the change bus.
package replica

import (
	"fmt"
	"sync"

	"safeyou-chat/internal/models"
)

type entityKey struct {
	entity models.Entity
	id     string
}

// View applies change events idempotently. For every (entity, id) it keeps
// the last applied sequence and ignores anything at or below it, so
// duplicated and replayed deliveries are harmless.
type View struct {
	mu       sync.RWMutex
	users    map[string]models.User
	messages map[string]models.Message
	seen     map[entityKey]uint64
	cursor   map[models.Entity]uint64
}

func NewView() *View {
	return &View{
		users:    make(map[string]models.User),
		messages: make(map[string]models.Message),
		seen:     make(map[entityKey]uint64),
		cursor:   make(map[models.Entity]uint64),
	}
}

// Apply folds ev into the view and reports whether it changed anything.
func (v *View) Apply(ev models.ChangeEvent) (bool, error) {
	key := entityKey{entity: ev.Entity, id: ev.EntityID}

	v.mu.Lock()
	defer v.mu.Unlock()
	if ev.Sequence <= v.seen[key] {
		return false, nil
	}

	switch ev.Entity {
	case models.EntityUser:
		if ev.Op == models.OpDelete {
			delete(v.users, ev.EntityID)
			break
		}
		u, err := ev.User()
		if err != nil {
			return false, fmt.Errorf("decode user %s: %w", ev.EntityID, err)
		}
		v.users[u.ID] = u
	case models.EntityMessage:
		if ev.Op == models.OpDelete {
			delete(v.messages, ev.EntityID)
			break
		}
		m, err := ev.Message()
		if err != nil {
			return false, fmt.Errorf("decode message %s: %w", ev.EntityID, err)
		}
		v.messages[m.ID] = m
	default:
		return false, fmt.Errorf("unknown entity %q", ev.Entity)
	}

	v.seen[key] = ev.Sequence
	if ev.Sequence > v.cursor[ev.Entity] {
		v.cursor[ev.Entity] = ev.Sequence
	}
	return true, nil
}

// Reset replaces everything the view holds for snap's entity with snap and
// moves the entity's cursor to snap.Sequence. Events at or below that
// sequence are then ignored for the snapshot's items.
func (v *View) Reset(snap models.Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch snap.Entity {
	case models.EntityUser:
		v.users = make(map[string]models.User, len(snap.Users))
		for _, u := range snap.Users {
			v.users[u.ID] = u
		}
	case models.EntityMessage:
		v.messages = make(map[string]models.Message, len(snap.Messages))
		for _, m := range snap.Messages {
			v.messages[m.ID] = m
		}
	default:
		return fmt.Errorf("unknown entity %q", snap.Entity)
	}

	for key := range v.seen {
		if key.entity == snap.Entity {
			delete(v.seen, key)
		}
	}
	for _, u := range snap.Users {
		v.seen[entityKey{entity: snap.Entity, id: u.ID}] = snap.Sequence
	}
	for _, m := range snap.Messages {
		v.seen[entityKey{entity: snap.Entity, id: m.ID}] = snap.Sequence
	}
	v.cursor[snap.Entity] = snap.Sequence
	return nil
}

// LastSequence is the highest sequence applied from entity's stream.
func (v *View) LastSequence(entity models.Entity) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cursor[entity]
}

func (v *View) User(id string) (models.User, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.users[id]
	return u, ok
}

func (v *View) Message(id string) (models.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.messages[id]
	return m, ok
}

// Messages returns the messages matching keep in (createdAt, id) order. A nil
// keep returns everything.
func (v *View) Messages(keep func(models.Message) bool) []models.Message {
	v.mu.RLock()
	out := make([]models.Message, 0, len(v.messages))
	for _, m := range v.messages {
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	v.mu.RUnlock()
	models.SortMessages(out)
	return out
}

func (v *View) Users() []models.User {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.User, 0, len(v.users))
	for _, u := range v.users {
		out = append(out, u)
	}
	return out
}
