// Package memory implements the semantic memory store: embedded text
// fragments owned by (agent, channel), retrieved by vector similarity with
// importance and recency weighting.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a memory record.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindDecision     Kind = "decision"
	KindEntity       Kind = "entity"
	KindSummary      Kind = "summary"
	KindToolUse      Kind = "tool_use"
)

// Record is a single retrievable memory fragment.
type Record struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	ChannelID      uuid.UUID      `json:"channel_id"`
	Kind           Kind           `json:"kind"`
	Content        string         `json:"content"`
	Importance     int            `json:"importance"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
}

// Scored pairs a record with its retrieval score.
type Scored struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// RetrieveOptions filters a retrieval query.
type RetrieveOptions struct {
	Limit         int       // top-k, default 5
	Kinds         []Kind    // empty means all kinds
	ChannelID     uuid.UUID // zero value means all channels for the agent
	MinImportance int
	ExcludeRecentN int // skip the newest N records already in the caller's window
}
