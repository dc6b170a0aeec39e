package repositories

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"safeyou-chat/internal/db"
	"safeyou-chat/internal/models"
)

var ErrBadCursor = errors.New("malformed cursor")

// Cursor marks a position in the (created_at, id) message order.
type Cursor struct {
	CreatedAt int64  `json:"ts"`
	ID        string `json:"id"`
}

// CursorAfter returns the cursor positioned on m.
func CursorAfter(m models.Message) Cursor {
	return Cursor{CreatedAt: db.Millis(m.CreatedAt), ID: m.ID}
}

// Time returns the cursor's creation time.
func (c Cursor) Time() time.Time {
	return db.FromMillis(c.CreatedAt)
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrBadCursor
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return Cursor{}, ErrBadCursor
	}
	return c, nil
}
