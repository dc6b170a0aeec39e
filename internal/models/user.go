package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

// User is a chat participant. Credential never leaves the service.
type User struct {
	ID         string      `json:"id"`
	Username   string      `json:"username"`
	Credential string      `json:"-"`
	IsOnline   bool        `json:"is_online"`
	LastSeen   time.Time   `json:"last_seen"`
	CreatedAt  time.Time   `json:"created_at"`
	Suspension *Suspension `json:"suspension,omitempty"`
}

// Reporter identifies one user who reported a suspended user.
type Reporter struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Reporters is stored as a JSON column.
type Reporters []Reporter

// Suspension blocks sending until Until. It is inert once Until has passed.
type Suspension struct {
	Until      time.Time `json:"until"`
	ReportedBy Reporters `json:"reported_by"`
}

// ActiveAt reports whether the suspension still applies at now.
func (s *Suspension) ActiveAt(now time.Time) bool {
	return s != nil && now.Before(s.Until)
}

// Has reports whether userID already reported during this suspension.
func (r Reporters) Has(userID string) bool {
	for _, rep := range r {
		if rep.UserID == userID {
			return true
		}
	}
	return false
}

// Usernames lists the reporter usernames in report order.
func (r Reporters) Usernames() []string {
	out := make([]string, 0, len(r))
	for _, rep := range r {
		out = append(out, rep.Username)
	}
	return out
}

// Value implements driver.Valuer.
func (r Reporters) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *Reporters) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("reporters: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, r)
}

// IsSuspended is the pure suspension check used by every command path.
func (u User) IsSuspended(now time.Time) bool {
	return u.Suspension.ActiveAt(now)
}

// Normalize drops an expired suspension. Every read path calls it.
func (u User) Normalize(now time.Time) User {
	if u.Suspension != nil && !u.Suspension.ActiveAt(now) {
		u.Suspension = nil
	}
	return u
}

// Report applies one report at now. An active suspension is extended to
// max(until, now+d) and the reporter is appended once; otherwise a fresh
// suspension starts.
func (u User) Report(reporter Reporter, now time.Time, d time.Duration) User {
	next := now.Add(d)
	if u.Suspension.ActiveAt(now) {
		s := *u.Suspension
		s.ReportedBy = append(Reporters(nil), s.ReportedBy...)
		if next.After(s.Until) {
			s.Until = next
		}
		if !s.ReportedBy.Has(reporter.UserID) {
			s.ReportedBy = append(s.ReportedBy, reporter)
		}
		u.Suspension = &s
		return u
	}
	u.Suspension = &Suspension{Until: next, ReportedBy: Reporters{reporter}}
	return u
}

// UsernameKey is the case-insensitive uniqueness key.
func UsernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername enforces 3-20 letters, digits, '_' or '-'.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return errors.New("username must be 3-20 letters, digits, '_' or '-'")
	}
	return nil
}
