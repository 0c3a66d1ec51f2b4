// Package models defines channel and message types.
package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxContentLength is the hard cap on message content, in characters.
// Content at exactly this length is accepted.
const MaxContentLength = 10000

// AuthorKind distinguishes who wrote a message.
type AuthorKind string

const (
	AuthorKindUser   AuthorKind = "user"
	AuthorKindAgent  AuthorKind = "agent"
	AuthorKindSystem AuthorKind = "system"
)

// Valid reports whether the kind is one of the known values.
func (k AuthorKind) Valid() bool {
	switch k {
	case AuthorKindUser, AuthorKindAgent, AuthorKindSystem:
		return true
	}
	return false
}

// Channel is a named conversation space. ContextClearedAt marks the boundary
// before which messages are excluded from agent context windows; the messages
// themselves stay persisted.
type Channel struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Topic            string     `json:"topic"`
	Archived         bool       `json:"archived"`
	ContextClearedAt *time.Time `json:"context_cleared_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Message is one persisted entry in a channel. AuthorID is nil for system
// messages. Metadata carries per-message flags such as streaming placeholders,
// mention lists, and truncation markers.
type Message struct {
	ID         uuid.UUID      `json:"id"`
	ChannelID  uuid.UUID      `json:"channel_id"`
	AuthorID   *uuid.UUID     `json:"author_id,omitempty"`
	AuthorKind AuthorKind     `json:"author_kind"`
	AuthorName string         `json:"author_name"`
	Content    string         `json:"content"`
	ReplyToID  *uuid.UUID     `json:"reply_to_id,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
