package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"safeyou-chat/internal/db"
	"safeyou-chat/internal/models"
)

// UserRepository abstracts user persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	ListOnlineUsers(ctx context.Context) ([]models.User, error)
	UpdatePresence(ctx context.Context, id string, online bool, seen time.Time) (models.User, error)
	UpdateSuspension(ctx context.Context, id string, s *models.Suspension) error
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

type userRow struct {
	ID             string           `db:"id"`
	Username       string           `db:"username"`
	Credential     string           `db:"credential"`
	IsOnline       bool             `db:"is_online"`
	LastSeen       int64            `db:"last_seen"`
	CreatedAt      int64            `db:"created_at"`
	SuspendedUntil sql.NullInt64    `db:"suspended_until"`
	ReportedBy     models.Reporters `db:"reported_by"`
}

func (r userRow) model() models.User {
	u := models.User{
		ID:         r.ID,
		Username:   r.Username,
		Credential: r.Credential,
		IsOnline:   r.IsOnline,
		LastSeen:   db.FromMillis(r.LastSeen),
		CreatedAt:  db.FromMillis(r.CreatedAt),
	}
	if r.SuspendedUntil.Valid {
		u.Suspension = &models.Suspension{
			Until:      db.FromMillis(r.SuspendedUntil.Int64),
			ReportedBy: r.ReportedBy,
		}
	}
	return u
}

const userColumns = `id, username, credential, is_online, last_seen, created_at, suspended_until, reported_by`

// CreateUser inserts a user; the username key must be unique.
func (r *UserRepo) CreateUser(ctx context.Context, u models.User) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (id, username, username_key, credential, is_online, last_seen, created_at, reported_by)
        VALUES (?, ?, ?, ?, ?, ?, ?, '[]')`),
		u.ID, u.Username, models.UsernameKey(u.Username), u.Credential, u.IsOnline, db.Millis(u.LastSeen), db.Millis(u.CreatedAt))
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	return err
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, id string) (models.User, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return row.model(), nil
}

// GetUserByUsername fetches a user case-insensitively.
func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE username_key=?`), models.UsernameKey(username))
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return row.model(), nil
}

// ListUsers returns all users in registration order.
func (r *UserRepo) ListUsers(ctx context.Context) ([]models.User, error) {
	return r.selectUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
}

// ListOnlineUsers returns users currently flagged online.
func (r *UserRepo) ListOnlineUsers(ctx context.Context) ([]models.User, error) {
	return r.selectUsers(ctx, `SELECT `+userColumns+` FROM users WHERE is_online = TRUE ORDER BY last_seen ASC`)
}

func (r *UserRepo) selectUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.model())
	}
	return users, nil
}

// UpdatePresence sets the online flag and advances last_seen; last_seen
// never moves backwards.
func (r *UserRepo) UpdatePresence(ctx context.Context, id string, online bool, seen time.Time) (models.User, error) {
	ms := db.Millis(seen)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET is_online=?,
        last_seen = CASE WHEN last_seen > ? THEN last_seen ELSE ? END
        WHERE id=?`), online, ms, ms, id)
	if err != nil {
		return models.User{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.User{}, err
	} else if n == 0 {
		return models.User{}, ErrUserNotFound
	}
	return r.GetUser(ctx, id)
}

// UpdateSuspension stores or clears a suspension.
func (r *UserRepo) UpdateSuspension(ctx context.Context, id string, s *models.Suspension) error {
	var (
		until     sql.NullInt64
		reporters models.Reporters
	)
	if s != nil {
		until = sql.NullInt64{Int64: db.Millis(s.Until), Valid: true}
		reporters = s.ReportedBy
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET suspended_until=?, reported_by=? WHERE id=?`), until, reporters, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}
