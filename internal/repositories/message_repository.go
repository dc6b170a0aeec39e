package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"safeyou-chat/internal/db"
	"safeyou-chat/internal/models"
)

// MessageFilter selects one conversation. The zero value is the public room.
type MessageFilter struct {
	Scope models.ScopeKind
	// UserA and UserB name the pair of a private conversation, in either order.
	UserA string
	UserB string
	// Viewer, with no Scope, selects everything Viewer may read.
	Viewer string
	After  *Cursor
	Limit  int
}

// PublicFilter selects the public room.
func PublicFilter() MessageFilter {
	return MessageFilter{Scope: models.ScopePublic}
}

// VisibleFilter selects the public room and every private message sent by or
// to viewer.
func VisibleFilter(viewer string) MessageFilter {
	return MessageFilter{Viewer: viewer}
}

// ConversationFilter selects private messages exchanged between a and b.
func ConversationFilter(a, b string) MessageFilter {
	return MessageFilter{Scope: models.ScopePrivate, UserA: a, UserB: b}
}

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, m models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]models.Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji, userID string, at time.Time) (bool, error)
	AddRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	DeleteMessage(ctx context.Context, id string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID             string         `db:"id"`
	AuthorID       string         `db:"author_id"`
	AuthorUsername string         `db:"author_username"`
	Text           string         `db:"body_text"`
	MediaKind      string         `db:"media_kind"`
	MediaURL       string         `db:"media_url"`
	Scope          string         `db:"scope"`
	RecipientID    sql.NullString `db:"recipient_id"`
	ReplyToID      sql.NullString `db:"reply_to_id"`
	CreatedAt      int64          `db:"created_at"`
	EditedAt       sql.NullInt64  `db:"edited_at"`

	ReplyID        sql.NullString `db:"reply_id"`
	ReplyAuthor    sql.NullString `db:"reply_author_username"`
	ReplyText      sql.NullString `db:"reply_text"`
	ReplyMediaKind sql.NullString `db:"reply_media_kind"`
}

func (r messageRow) model() models.Message {
	m := models.Message{
		ID:             r.ID,
		AuthorID:       r.AuthorID,
		AuthorUsername: r.AuthorUsername,
		Body:           models.Body{Text: r.Text},
		Scope:          models.Scope{Kind: models.ScopeKind(r.Scope), RecipientID: r.RecipientID.String},
		CreatedAt:      db.FromMillis(r.CreatedAt),
		Reactions:      map[string][]string{},
		ReadBy:         []string{},
		ReplyToID:      r.ReplyToID.String,
	}
	if r.MediaKind != "" {
		m.Body.Media = &models.Media{Kind: models.MediaKind(r.MediaKind), URL: r.MediaURL}
	}
	if r.EditedAt.Valid {
		t := db.FromMillis(r.EditedAt.Int64)
		m.EditedAt = &t
	}
	if r.ReplyID.Valid {
		m.ReplyTo = &models.ReplyPreview{
			ID:             r.ReplyID.String,
			AuthorUsername: r.ReplyAuthor.String,
			Text:           r.ReplyText.String,
			MediaKind:      models.MediaKind(r.ReplyMediaKind.String),
		}
	}
	return m
}

const selectMessages = `SELECT m.id, m.author_id, m.author_username, m.body_text, m.media_kind, m.media_url,
        m.scope, m.recipient_id, m.reply_to_id, m.created_at, m.edited_at,
        r.id AS reply_id, r.author_username AS reply_author_username,
        r.body_text AS reply_text, r.media_kind AS reply_media_kind
    FROM messages m
    LEFT JOIN messages r ON r.id = m.reply_to_id`

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateMessage stores a message and records the author's read receipt.
func (r *MessageRepo) CreateMessage(ctx context.Context, m models.Message) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var kind, url string
	if m.Body.Media != nil {
		kind, url = string(m.Body.Media.Kind), m.Body.Media.URL
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO messages
        (id, author_id, author_username, body_text, media_kind, media_url, scope, recipient_id, reply_to_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.AuthorID, m.AuthorUsername, m.Body.Text, kind, url,
		string(m.Scope.Kind), nullable(m.Scope.RecipientID), nullable(m.ReplyToID), db.Millis(m.CreatedAt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for _, reader := range m.ReadBy {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)`),
			m.ID, reader, db.Millis(m.CreatedAt)); err != nil {
			return fmt.Errorf("insert read receipt: %w", err)
		}
	}
	return tx.Commit()
}

// GetMessage retrieves a single message with reactions, reads and reply preview.
func (r *MessageRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(selectMessages+` WHERE m.id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{row.model()}
	if err := r.attach(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// ListMessages returns the filtered messages in (created_at, id) order.
func (r *MessageRepo) ListMessages(ctx context.Context, filter MessageFilter) ([]models.Message, error) {
	var (
		where []string
		args  []any
	)
	switch {
	case filter.Scope == models.ScopePrivate:
		where = append(where, `m.scope = 'private' AND ((m.author_id = ? AND m.recipient_id = ?) OR (m.author_id = ? AND m.recipient_id = ?))`)
		args = append(args, filter.UserA, filter.UserB, filter.UserB, filter.UserA)
	case filter.Scope == "" && filter.Viewer != "":
		where = append(where, `(m.scope = 'public' OR m.author_id = ? OR m.recipient_id = ?)`)
		args = append(args, filter.Viewer, filter.Viewer)
	default:
		where = append(where, `m.scope = 'public'`)
	}
	if filter.After != nil {
		where = append(where, `(m.created_at > ? OR (m.created_at = ? AND m.id > ?))`)
		args = append(args, filter.After.CreatedAt, filter.After.CreatedAt, filter.After.ID)
	}
	query := selectMessages + ` WHERE ` + strings.Join(where, ` AND `) + ` ORDER BY m.created_at ASC, m.id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.model())
	}
	if err := r.attach(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attach loads reactions and read receipts for msgs in two queries.
func (r *MessageRepo) attach(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids = append(ids, m.ID)
		index[m.ID] = i
	}

	query, args, err := sqlx.In(`SELECT message_id, emoji, user_id FROM message_reactions
        WHERE message_id IN (?) ORDER BY reacted_at ASC, user_id ASC`, ids)
	if err != nil {
		return err
	}
	var reactions []struct {
		MessageID string `db:"message_id"`
		Emoji     string `db:"emoji"`
		UserID    string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &reactions, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	for _, re := range reactions {
		m := &msgs[index[re.MessageID]]
		m.Reactions[re.Emoji] = append(m.Reactions[re.Emoji], re.UserID)
	}

	query, args, err = sqlx.In(`SELECT message_id, user_id FROM message_reads
        WHERE message_id IN (?) ORDER BY read_at ASC, user_id ASC`, ids)
	if err != nil {
		return err
	}
	var reads []struct {
		MessageID string `db:"message_id"`
		UserID    string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &reads, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load reads: %w", err)
	}
	for _, rd := range reads {
		m := &msgs[index[rd.MessageID]]
		m.ReadBy = append(m.ReadBy, rd.UserID)
	}
	return nil
}

// ToggleReaction flips userID's vote on emoji and reports whether it is now held.
func (r *MessageRepo) ToggleReaction(ctx context.Context, messageID, emoji, userID string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM message_reactions WHERE message_id=? AND emoji=? AND user_id=?`),
		messageID, emoji, userID)
	if err != nil {
		return false, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO message_reactions (message_id, emoji, user_id, reacted_at)
            VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`), messageID, emoji, userID, db.Millis(at)); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return removed == 0, nil
}

// AddRead records a read receipt and reports whether it was new.
func (r *MessageRepo) AddRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO message_reads (message_id, user_id, read_at)
        VALUES (?, ?, ?) ON CONFLICT DO NOTHING`), messageID, userID, db.Millis(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMessage hard-deletes a message; reactions and reads cascade.
func (r *MessageRepo) DeleteMessage(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Not every connection enforces ON DELETE CASCADE.
	for _, q := range []string{
		`DELETE FROM message_reactions WHERE message_id=?`,
		`DELETE FROM message_reads WHERE message_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE id=?`), id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return tx.Commit()
}
