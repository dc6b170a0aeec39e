package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/logger"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Connect opens the configured database and runs migrations.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Open connects without migrating.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	switch cfg.Driver {
	case "sqlite":
		// One connection keeps :memory: databases alive and serialises writers.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	default:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// Timestamps are stored as unix milliseconds so the schema is identical on
// Postgres and SQLite.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username TEXT NOT NULL,
            username_key TEXT NOT NULL UNIQUE,
            credential TEXT NOT NULL,
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen BIGINT NOT NULL,
            created_at BIGINT NOT NULL,
            suspended_until BIGINT,
            reported_by TEXT NOT NULL DEFAULT '[]'
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            author_id TEXT NOT NULL REFERENCES users(id),
            author_username TEXT NOT NULL,
            body_text TEXT NOT NULL DEFAULT '',
            media_kind TEXT NOT NULL DEFAULT '',
            media_url TEXT NOT NULL DEFAULT '',
            scope TEXT NOT NULL,
            recipient_id TEXT,
            reply_to_id TEXT,
            created_at BIGINT NOT NULL,
            edited_at BIGINT
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_scope_created ON messages(scope, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(author_id, recipient_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            emoji TEXT NOT NULL,
            user_id TEXT NOT NULL,
            reacted_at BIGINT NOT NULL,
            PRIMARY KEY(message_id, emoji, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS message_reads (
            message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            read_at BIGINT NOT NULL,
            PRIMARY KEY(message_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS change_events (
            entity TEXT NOT NULL,
            sequence BIGINT NOT NULL,
            op TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            occurred_at BIGINT NOT NULL,
            PRIMARY KEY(entity, sequence)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_change_events_occurred ON change_events(occurred_at);`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logger.Log.Info("database migrations applied")
	return nil
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
