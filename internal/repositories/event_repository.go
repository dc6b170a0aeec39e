package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"safeyou-chat/internal/db"
	"safeyou-chat/internal/models"
)

// EventRepository is the durable change log behind the bus.
type EventRepository interface {
	AppendEvent(ctx context.Context, ev models.ChangeEvent) error
	EventsSince(ctx context.Context, entity models.Entity, from uint64) ([]models.ChangeEvent, error)
	LastSequence(ctx context.Context, entity models.Entity) (uint64, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// EventRepo is a sqlx implementation of EventRepository.
type EventRepo struct {
	db *sqlx.DB
}

// NewEventRepo constructs an EventRepo.
func NewEventRepo(db *sqlx.DB) *EventRepo {
	return &EventRepo{db: db}
}

type eventRow struct {
	Entity     string `db:"entity"`
	Sequence   int64  `db:"sequence"`
	Op         string `db:"op"`
	EntityID   string `db:"entity_id"`
	Payload    string `db:"payload"`
	OccurredAt int64  `db:"occurred_at"`
}

func (r eventRow) model() models.ChangeEvent {
	return models.ChangeEvent{
		Entity:     models.Entity(r.Entity),
		Op:         models.Op(r.Op),
		EntityID:   r.EntityID,
		Sequence:   uint64(r.Sequence),
		Payload:    json.RawMessage(r.Payload),
		OccurredAt: db.FromMillis(r.OccurredAt),
	}
}

// AppendEvent stores one sequenced event.
func (r *EventRepo) AppendEvent(ctx context.Context, ev models.ChangeEvent) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO change_events (entity, sequence, op, entity_id, payload, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?)`),
		string(ev.Entity), int64(ev.Sequence), string(ev.Op), ev.EntityID, string(ev.Payload), db.Millis(ev.OccurredAt))
	return err
}

// EventsSince returns retained events of entity with sequence >= from, in order.
func (r *EventRepo) EventsSince(ctx context.Context, entity models.Entity, from uint64) ([]models.ChangeEvent, error) {
	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT entity, sequence, op, entity_id, payload, occurred_at
        FROM change_events WHERE entity=? AND sequence >= ? ORDER BY sequence ASC`), string(entity), int64(from))
	if err != nil {
		return nil, err
	}
	events := make([]models.ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.model())
	}
	return events, nil
}

// LastSequence returns the highest stored sequence of entity, or 0.
func (r *EventRepo) LastSequence(ctx context.Context, entity models.Entity) (uint64, error) {
	var last int64
	err := r.db.GetContext(ctx, &last, r.db.Rebind(`SELECT COALESCE(MAX(sequence), 0) FROM change_events WHERE entity=?`), string(entity))
	return uint64(last), err
}

// PruneEvents drops events older than before, keeping the newest event of
// every stream so numbering resumes correctly after a restart.
func (r *EventRepo) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM change_events
        WHERE occurred_at < ?
        AND sequence < (SELECT MAX(c.sequence) FROM change_events c WHERE c.entity = change_events.entity)`),
		db.Millis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
