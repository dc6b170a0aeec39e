package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/repositories"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	maxEmojiLength  = 16
)

// MessageStore is the command surface of the message store.
type MessageStore interface {
	Send(ctx context.Context, authorID string, scope models.Scope, body models.Body, replyToID string) (models.Message, error)
	React(ctx context.Context, messageID, userID, emoji, commandID string) (models.Message, error)
	MarkRead(ctx context.Context, messageID, userID string) error
	Delete(ctx context.Context, messageID, requesterID string) error
	Purge(ctx context.Context, messageID string) error
	List(ctx context.Context, viewerID string, q ListQuery) (MessagePage, error)
}

// ListQuery selects the public room (zero Scope) or the private conversation
// between the viewer and Scope.RecipientID.
type ListQuery struct {
	Scope  models.Scope
	Cursor string
	Limit  int
}

type MessagePage struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

// MessageService is the authoritative message store.
type MessageService struct {
	users    repositories.UserRepository
	messages repositories.MessageRepository
	bus      EventPublisher
	ledger   repositories.CommandLedger
	locks    *KeyedLocker
	cfg      config.ChatConfig
	now      func() time.Time
}

func NewMessageService(users repositories.UserRepository, messages repositories.MessageRepository, bus EventPublisher, ledger repositories.CommandLedger, locks *KeyedLocker, cfg config.ChatConfig) *MessageService {
	return &MessageService{
		users:    users,
		messages: messages,
		bus:      bus,
		ledger:   ledger,
		locks:    locks,
		cfg:      cfg,
		now:      time.Now,
	}
}

func messageKey(id string) string { return "message:" + id }

// Send validates and stores a new message, then emits message/upsert.
func (s *MessageService) Send(ctx context.Context, authorID string, scope models.Scope, body models.Body, replyToID string) (msg models.Message, err error) {
	ctx, cmd := startCommand(ctx, "message.send", s.cfg.CommandTimeout, attribute.String("author_id", authorID))
	defer cmd.finish(&err)

	body = body.Normalize()
	if err := body.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if scope.Kind == "" {
		scope = models.Public()
	}

	author, err := s.users.GetUser(ctx, authorID)
	if err != nil {
		return models.Message{}, userLookupErr(err, "author")
	}
	now := s.now().UTC()
	if author.IsSuspended(now) {
		return models.Message{}, &AuthorSuspendedError{Until: author.Suspension.Until}
	}

	switch scope.Kind {
	case models.ScopePublic:
		scope.RecipientID = ""
	case models.ScopePrivate:
		if scope.RecipientID == "" || scope.RecipientID == authorID {
			return models.Message{}, fmt.Errorf("%w: private messages need another recipient", ErrInvalidInput)
		}
		if _, err := s.users.GetUser(ctx, scope.RecipientID); err != nil {
			return models.Message{}, userLookupErr(err, "recipient")
		}
	default:
		return models.Message{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, scope.Kind)
	}

	var preview *models.ReplyPreview
	if replyToID != "" {
		target, err := s.messages.GetMessage(ctx, replyToID)
		if err != nil {
			return models.Message{}, messageLookupErr(err, "reply target")
		}
		if !target.VisibleTo(authorID) {
			return models.Message{}, fmt.Errorf("%w: reply target", ErrNotFound)
		}
		if target.Scope.IsPrivate() && !sameConversation(target, authorID, scope) {
			return models.Message{}, fmt.Errorf("%w: a private message can only be quoted inside its conversation", ErrInvalidInput)
		}
		preview = &models.ReplyPreview{
			ID:             target.ID,
			AuthorUsername: target.AuthorUsername,
			Text:           target.Body.Text,
		}
		if target.Body.Media != nil {
			preview.MediaKind = target.Body.Media.Kind
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, err
	}
	msg = models.Message{
		ID:             id.String(),
		AuthorID:       author.ID,
		AuthorUsername: author.Username,
		Body:           body,
		Scope:          scope,
		CreatedAt:      now.Truncate(time.Millisecond),
		Reactions:      map[string][]string{},
		ReadBy:         []string{author.ID},
		ReplyToID:      replyToID,
		ReplyTo:        preview,
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}

	ev, evErr := models.MessageChanged(msg)
	emit(ctx, s.bus, ev, evErr)
	return msg, nil
}

// sameConversation reports whether a message sent by authorID with scope
// belongs to the private conversation of target.
func sameConversation(target models.Message, authorID string, scope models.Scope) bool {
	if !scope.IsPrivate() {
		return false
	}
	peer := target.Scope.RecipientID
	if peer == authorID {
		peer = target.AuthorID
	}
	return scope.RecipientID == peer
}

// React toggles userID's vote on emoji. A repeated commandID within the dedupe
// window is acknowledged without toggling again.
func (s *MessageService) React(ctx context.Context, messageID, userID, emoji, commandID string) (msg models.Message, err error) {
	ctx, cmd := startCommand(ctx, "message.react", s.cfg.CommandTimeout, attribute.String("message_id", messageID))
	defer cmd.finish(&err)

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return models.Message{}, fmt.Errorf("%w: emoji must be 1-%d characters", ErrInvalidInput, maxEmojiLength)
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return models.Message{}, userLookupErr(err, "user")
	}

	unlock, err := s.locks.Lock(ctx, messageKey(messageID))
	if err != nil {
		return models.Message{}, err
	}
	defer unlock()

	msg, err = s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, messageLookupErr(err, "message")
	}
	if !msg.VisibleTo(userID) {
		return models.Message{}, fmt.Errorf("%w: message", ErrNotFound)
	}

	var claim string
	if commandID != "" {
		claim = "react:" + userID + ":" + commandID
		fresh, err := s.ledger.Claim(ctx, claim, s.cfg.ReactionDedupeWindow)
		if err != nil {
			return models.Message{}, err
		}
		if !fresh {
			return msg, nil
		}
	}

	if _, err := s.messages.ToggleReaction(ctx, messageID, emoji, userID, s.now().UTC()); err != nil {
		if claim != "" {
			_ = s.ledger.Release(context.WithoutCancel(ctx), claim)
		}
		return models.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	msg, err = s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}

	ev, evErr := models.MessageChanged(msg)
	emit(ctx, s.bus, ev, evErr)
	return msg, nil
}

// MarkRead adds userID to the message's readers. A missing or invisible
// message is ignored.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string) (err error) {
	ctx, cmd := startCommand(ctx, "message.mark_read", s.cfg.CommandTimeout, attribute.String("message_id", messageID))
	defer cmd.finish(&err)

	unlock, err := s.locks.Lock(ctx, messageKey(messageID))
	if err != nil {
		return err
	}
	defer unlock()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !msg.VisibleTo(userID) || msg.HasRead(userID) {
		return nil
	}

	added, err := s.messages.AddRead(ctx, messageID, userID, s.now().UTC())
	if err != nil || !added {
		return err
	}
	msg, err = s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	ev, evErr := models.MessageChanged(msg)
	emit(ctx, s.bus, ev, evErr)
	return nil
}

// Delete removes a message on behalf of its author.
func (s *MessageService) Delete(ctx context.Context, messageID, requesterID string) (err error) {
	ctx, cmd := startCommand(ctx, "message.delete", s.cfg.CommandTimeout, attribute.String("message_id", messageID))
	defer cmd.finish(&err)

	return s.remove(ctx, messageID, func(m models.Message) error {
		if m.AuthorID != requesterID {
			return fmt.Errorf("%w: only the author can delete a message", ErrForbidden)
		}
		return nil
	})
}

// Purge removes any message. Callers authorise administrators.
func (s *MessageService) Purge(ctx context.Context, messageID string) (err error) {
	ctx, cmd := startCommand(ctx, "message.purge", s.cfg.CommandTimeout, attribute.String("message_id", messageID))
	defer cmd.finish(&err)

	return s.remove(ctx, messageID, func(models.Message) error { return nil })
}

func (s *MessageService) remove(ctx context.Context, messageID string, allow func(models.Message) error) error {
	unlock, err := s.locks.Lock(ctx, messageKey(messageID))
	if err != nil {
		return err
	}
	defer unlock()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return messageLookupErr(err, "message")
	}
	if err := allow(msg); err != nil {
		return err
	}
	if err := s.messages.DeleteMessage(ctx, messageID); err != nil {
		return messageLookupErr(err, "message")
	}

	ev, evErr := models.MessageDeleted(msg)
	emit(ctx, s.bus, ev, evErr)
	return nil
}

// List returns one conversation in (createdAt, id) order, starting after the
// cursor when one is given.
func (s *MessageService) List(ctx context.Context, viewerID string, q ListQuery) (page MessagePage, err error) {
	ctx, cmd := startCommand(ctx, "message.list", s.cfg.CommandTimeout)
	defer cmd.finish(&err)

	filter := repositories.PublicFilter()
	if q.Scope.IsPrivate() {
		if q.Scope.RecipientID == "" || viewerID == "" {
			return MessagePage{}, fmt.Errorf("%w: private listing needs a peer", ErrInvalidInput)
		}
		filter = repositories.ConversationFilter(viewerID, q.Scope.RecipientID)
	}
	if q.Cursor != "" {
		cursor, err := repositories.DecodeCursor(q.Cursor)
		if err != nil {
			return MessagePage{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		filter.After = &cursor
	}
	filter.Limit = q.Limit
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	msgs, err := s.messages.ListMessages(ctx, filter)
	if err != nil {
		return MessagePage{}, err
	}
	page = MessagePage{Messages: msgs, NextCursor: q.Cursor, HasMore: len(msgs) == filter.Limit}
	if len(msgs) > 0 {
		page.NextCursor = repositories.CursorAfter(msgs[len(msgs)-1]).Encode()
	}
	return page, nil
}

func userLookupErr(err error, what string) error {
	if errors.Is(err, repositories.ErrUserNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

func messageLookupErr(err error, what string) error {
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
