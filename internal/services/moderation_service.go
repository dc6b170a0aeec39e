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

// Auditor records moderation actions.
type Auditor interface {
	Emit(ctx context.Context, action, actorID, text string, attrs map[string]string)
}

type Moderator interface {
	Report(ctx context.Context, reporterID, messageID string) (models.User, error)
	IsSuspended(ctx context.Context, userID string, now time.Time) (bool, error)
}

// ModerationService runs the report -> suspend -> expire state machine.
// Expiry is lazy: nothing is written when a suspension runs out.
type ModerationService struct {
	users    repositories.UserRepository
	messages repositories.MessageRepository
	bus      EventPublisher
	audit    Auditor
	locks    *KeyedLocker
	cfg      config.ChatConfig
	now      func() time.Time
}

func NewModerationService(users repositories.UserRepository, messages repositories.MessageRepository, bus EventPublisher, audit Auditor, locks *KeyedLocker, cfg config.ChatConfig) *ModerationService {
	return &ModerationService{
		users:    users,
		messages: messages,
		bus:      bus,
		audit:    audit,
		locks:    locks,
		cfg:      cfg,
		now:      time.Now,
	}
}

func userKey(id string) string { return "user:" + id }

// Report suspends the author of messageID, or extends an active suspension.
// It returns the reported user.
func (s *ModerationService) Report(ctx context.Context, reporterID, messageID string) (target models.User, err error) {
	ctx, cmd := startCommand(ctx, "moderation.report", s.cfg.CommandTimeout, attribute.String("message_id", messageID))
	defer cmd.finish(&err)

	reporter, err := s.users.GetUser(ctx, reporterID)
	if err != nil {
		return models.User{}, userLookupErr(err, "reporter")
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.User{}, messageLookupErr(err, "message")
	}
	if !msg.VisibleTo(reporterID) {
		return models.User{}, fmt.Errorf("%w: message", ErrNotFound)
	}
	if msg.AuthorID == reporterID {
		return models.User{}, fmt.Errorf("%w: users cannot report themselves", ErrInvalidReport)
	}

	unlock, err := s.locks.Lock(ctx, userKey(msg.AuthorID))
	if err != nil {
		return models.User{}, err
	}
	defer unlock()

	author, err := s.users.GetUser(ctx, msg.AuthorID)
	if err != nil {
		return models.User{}, userLookupErr(err, "author")
	}
	now := s.now().UTC()
	wasActive := author.IsSuspended(now)
	target = author.Report(models.Reporter{UserID: reporter.ID, Username: reporter.Username}, now, s.cfg.SuspensionDuration)
	target.Suspension.Until = target.Suspension.Until.Truncate(time.Millisecond)
	if err := s.users.UpdateSuspension(ctx, target.ID, target.Suspension); err != nil {
		return models.User{}, fmt.Errorf("store suspension: %w", err)
	}

	ev, evErr := models.UserChanged(target)
	emit(ctx, s.bus, ev, evErr)

	action := "moderation.suspend"
	if wasActive {
		action = "moderation.extend"
	}
	s.audit.Emit(ctx, action, reporter.ID,
		fmt.Sprintf("%s reported message %s by %s", reporter.Username, msg.ID, target.Username),
		map[string]string{
			"target_user_id": target.ID,
			"message_id":     msg.ID,
			"until":          target.Suspension.Until.Format(time.RFC3339),
			"reporters":      fmt.Sprint(target.Suspension.ReportedBy.Usernames()),
		})
	return target, nil
}

// IsSuspended reads the stored suspension and evaluates it at now.
func (s *ModerationService) IsSuspended(ctx context.Context, userID string, now time.Time) (bool, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return false, transient(userLookupErr(err, "user"))
	}
	return u.IsSuspended(now), nil
}
