package database

import (
	"context"
	"fmt"
)

// Migrate creates the pgvector extension, all tables, and indexes. Every
// statement is idempotent, so Migrate is safe to run on every startup.
// embeddingDim is the configured embedding model's output size; the
// agent_memories.embedding column is typed vector(embeddingDim) so inserts
// with a mismatched dimension fail at the database boundary.
func (db *DB) Migrate(ctx context.Context, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS channels (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			context_cleared_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id UUID PRIMARY KEY,
			handle TEXT NOT NULL,
			kind TEXT NOT NULL,
			persona JSONB NOT NULL DEFAULT '{}',
			config JSONB NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS agents_handle_active_idx
			ON agents (LOWER(handle)) WHERE active`,

		`CREATE TABLE IF NOT EXISTS agent_templates (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			kind TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			persona JSONB NOT NULL DEFAULT '{}',
			config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			channel_id UUID NOT NULL REFERENCES channels(id),
			author_id UUID,
			author_kind TEXT NOT NULL,
			author_name TEXT NOT NULL,
			content TEXT NOT NULL,
			reply_to_id UUID,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_channel_created_idx
			ON messages (channel_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id UUID PRIMARY KEY,
			description TEXT NOT NULL,
			orchestrator_id UUID NOT NULL REFERENCES agents(id),
			channel_id UUID NOT NULL REFERENCES channels(id),
			status TEXT NOT NULL,
			plan JSONB NOT NULL DEFAULT '{}',
			results JSONB NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_tasks (
			id UUID PRIMARY KEY,
			workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			description TEXT NOT NULL,
			agent_id UUID NOT NULL REFERENCES agents(id),
			order_index INT NOT NULL,
			parent_ids UUID[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_tasks_workflow_status_idx
			ON workflow_tasks (workflow_id, status)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_memories (
			id UUID PRIMARY KEY,
			agent_id UUID NOT NULL REFERENCES agents(id),
			channel_id UUID NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			importance INT NOT NULL DEFAULT 5,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			access_count INT NOT NULL DEFAULT 0
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS agent_memories_embedding_idx
			ON agent_memories USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS agent_memories_agent_channel_idx
			ON agent_memories (agent_id, channel_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
