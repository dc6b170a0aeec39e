package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Entity string

const (
	EntityUser    Entity = "user"
	EntityMessage Entity = "message"
)

// Valid reports whether e names a known stream.
func (e Entity) Valid() bool {
	return e == EntityUser || e == EntityMessage
}

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// ChangeEvent carries a full entity snapshot. Sequence is assigned by the
// bus and increases strictly within one entity stream.
type ChangeEvent struct {
	Entity     Entity          `json:"entity" db:"entity"`
	Op         Op              `json:"op" db:"op"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Sequence   uint64          `json:"sequence" db:"sequence"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	OccurredAt time.Time       `json:"occurred_at" db:"-"`
}

// UserChanged builds a user upsert event.
func UserChanged(u User) (ChangeEvent, error) {
	return newEvent(EntityUser, OpUpsert, u.ID, u)
}

// MessageChanged builds a message upsert event.
func MessageChanged(m Message) (ChangeEvent, error) {
	return newEvent(EntityMessage, OpUpsert, m.ID, m)
}

// MessageDeleted builds a message delete event carrying the last snapshot.
func MessageDeleted(m Message) (ChangeEvent, error) {
	return newEvent(EntityMessage, OpDelete, m.ID, m)
}

func newEvent(entity Entity, op Op, id string, payload any) (ChangeEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("encode %s payload: %w", entity, err)
	}
	return ChangeEvent{
		Entity:     entity,
		Op:         op,
		EntityID:   id,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// User decodes the payload of a user event.
func (e ChangeEvent) User() (User, error) {
	var u User
	if e.Entity != EntityUser {
		return u, fmt.Errorf("event is %s, not user", e.Entity)
	}
	err := json.Unmarshal(e.Payload, &u)
	return u, err
}

// Message decodes the payload of a message event.
func (e ChangeEvent) Message() (Message, error) {
	var m Message
	if e.Entity != EntityMessage {
		return m, fmt.Errorf("event is %s, not message", e.Entity)
	}
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

// Snapshot is the current state of one stream as seen by a viewer. Every
// change up to Sequence is reflected in it.
type Snapshot struct {
	Entity   Entity    `json:"entity"`
	Sequence uint64    `json:"sequence"`
	Users    []User    `json:"users,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}
