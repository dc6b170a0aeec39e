package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/repositories"
)

// SequenceReader reports the last sequence assigned on a stream.
type SequenceReader interface {
	Sequence(ctx context.Context, entity models.Entity) (uint64, error)
}

// Snapshotter loads the current state of a stream for a subscriber whose
// resume point is no longer retained.
type Snapshotter interface {
	Snapshot(ctx context.Context, viewerID string, entity models.Entity) (models.Snapshot, error)
}

type SnapshotService struct {
	users    repositories.UserRepository
	messages repositories.MessageRepository
	seq      SequenceReader
	cfg      config.ChatConfig
	now      func() time.Time
}

func NewSnapshotService(users repositories.UserRepository, messages repositories.MessageRepository, seq SequenceReader, cfg config.ChatConfig) *SnapshotService {
	return &SnapshotService{
		users:    users,
		messages: messages,
		seq:      seq,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Snapshot reads the stream head before the state, so the returned state
// reflects at least every event up to Sequence. Replaying from Sequence+1
// on top of it converges.
func (s *SnapshotService) Snapshot(ctx context.Context, viewerID string, entity models.Entity) (snap models.Snapshot, err error) {
	ctx, cmd := startCommand(ctx, "snapshot.load", s.cfg.CommandTimeout, attribute.String("entity", string(entity)))
	defer cmd.finish(&err)

	if !entity.Valid() {
		return models.Snapshot{}, fmt.Errorf("%w: unknown entity %q", ErrInvalidInput, entity)
	}
	if viewerID == "" {
		return models.Snapshot{}, ErrUnauthorized
	}
	head, err := s.seq.Sequence(ctx, entity)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap = models.Snapshot{Entity: entity, Sequence: head}

	switch entity {
	case models.EntityUser:
		users, err := s.users.ListUsers(ctx)
		if err != nil {
			return models.Snapshot{}, err
		}
		now := s.now().UTC()
		snap.Users = make([]models.User, 0, len(users))
		for _, u := range users {
			snap.Users = append(snap.Users, u.Normalize(now))
		}
	case models.EntityMessage:
		snap.Messages, err = s.messages.ListMessages(ctx, repositories.VisibleFilter(viewerID))
		if err != nil {
			return models.Snapshot{}, err
		}
	}
	return snap, nil
}
