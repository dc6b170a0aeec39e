package models

import (
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTextLength bounds a message's text in characters.
const MaxTextLength = 1000

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a supported media kind.
func (k MediaKind) Valid() bool {
	return k == MediaImage || k == MediaVideo
}

// Media is an attachment stored elsewhere and referenced by URL.
type Media struct {
	Kind MediaKind `json:"kind"`
	URL  string    `json:"url"`
}

// Body is the content of a message; at least one field is set.
type Body struct {
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

var (
	errEmptyBody   = errors.New("message needs text or media")
	errTextTooLong = errors.New("message text exceeds 1000 characters")
	errMediaKind   = errors.New("media kind must be image or video")
	errMediaURL    = errors.New("media url must be an absolute http(s) url")
)

// Normalize trims the text and drops an empty media reference.
func (b Body) Normalize() Body {
	b.Text = strings.TrimSpace(b.Text)
	if b.Media != nil && b.Media.Kind == "" && strings.TrimSpace(b.Media.URL) == "" {
		b.Media = nil
	}
	return b
}

// Validate checks a normalized body.
func (b Body) Validate() error {
	if b.Text == "" && b.Media == nil {
		return errEmptyBody
	}
	if utf8.RuneCountInString(b.Text) > MaxTextLength {
		return errTextTooLong
	}
	if b.Media != nil {
		if !b.Media.Kind.Valid() {
			return errMediaKind
		}
		u, err := url.Parse(b.Media.URL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errMediaURL
		}
	}
	return nil
}

type ScopeKind string

const (
	ScopePublic  ScopeKind = "public"
	ScopePrivate ScopeKind = "private"
)

// Scope is either the public room or a private message to one recipient.
type Scope struct {
	Kind        ScopeKind `json:"kind"`
	RecipientID string    `json:"recipient_id,omitempty"`
}

// Public is the global room scope.
func Public() Scope { return Scope{Kind: ScopePublic} }

// Private addresses a single recipient.
func Private(recipientID string) Scope {
	return Scope{Kind: ScopePrivate, RecipientID: recipientID}
}

func (s Scope) IsPrivate() bool { return s.Kind == ScopePrivate }

// ReplyPreview is the read-time join of a message's reply target.
type ReplyPreview struct {
	ID             string    `json:"id"`
	AuthorUsername string    `json:"author_username"`
	Text           string    `json:"text,omitempty"`
	MediaKind      MediaKind `json:"media_kind,omitempty"`
}

// Message is one chat message with its reactions and read receipts.
type Message struct {
	ID             string              `json:"id"`
	AuthorID       string              `json:"author_id"`
	AuthorUsername string              `json:"author_username"`
	Body           Body                `json:"body"`
	Scope          Scope               `json:"scope"`
	CreatedAt      time.Time           `json:"created_at"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	Reactions      map[string][]string `json:"reactions"`
	ReadBy         []string            `json:"read_by"`
	ReplyToID      string              `json:"reply_to_id,omitempty"`
	ReplyTo        *ReplyPreview       `json:"reply_to,omitempty"`
}

// VisibleTo reports whether userID may read the message.
func (m Message) VisibleTo(userID string) bool {
	if !m.Scope.IsPrivate() {
		return true
	}
	return userID == m.AuthorID || userID == m.Scope.RecipientID
}

// HasReaction reports whether userID holds a vote on emoji.
func (m Message) HasReaction(emoji, userID string) bool {
	for _, id := range m.Reactions[emoji] {
		if id == userID {
			return true
		}
	}
	return false
}

// HasRead reports whether userID is in ReadBy.
func (m Message) HasRead(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Before orders messages by creation time, then id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SortMessages orders msgs in place by creation time, ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
