package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/database"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/llm"
)

// TextGenerator condenses text for summarization. Satisfied by *llm.Gateway.
type TextGenerator interface {
	Generate(ctx context.Context, req llm.Request) (string, []llm.ToolCall, error)
}

// Store persists and retrieves memory records with pgvector similarity
// search.
type Store struct {
	db       *database.DB
	embedder Embedder
	gen      TextGenerator
	cfg      config.MemoryConfig
	logger   *logger.Logger
}

// NewStore creates a memory store.
func NewStore(db *database.DB, embedder Embedder, gen TextGenerator, cfg config.MemoryConfig, log *logger.Logger) *Store {
	return &Store{db: db, embedder: embedder, gen: gen, cfg: cfg, logger: log}
}

// serializeEmbedding renders a vector in pgvector text format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Store embeds content and inserts a record. Importance is clamped to
// [1, 10].
func (s *Store) Store(ctx context.Context, agentID, channelID uuid.UUID, content string, kind Kind, importance int, metadata map[string]any) (*Record, error) {
	if content == "" {
		return nil, fmt.Errorf("memory: content is required")
	}
	if importance < 1 {
		importance = 1
	}
	if importance > 10 {
		importance = 10
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             uuid.New(),
		AgentID:        agentID,
		ChannelID:      channelID,
		Kind:           kind,
		Content:        content,
		Importance:     importance,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO agent_memories
			(id, agent_id, channel_id, kind, content, embedding, importance, metadata, created_at, last_accessed_at, access_count)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10, 0)`,
		rec.ID, rec.AgentID, rec.ChannelID, string(rec.Kind), rec.Content,
		serializeEmbedding(embedding), rec.Importance, rec.Metadata, rec.CreatedAt, rec.LastAccessedAt)
	if err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}
	return rec, nil
}

// RetrieveRelevant returns the top-k records for the query, scored by cosine
// similarity plus an importance boost and a mild recency bonus. Retrieval is
// always scoped to one agent; channel scoping follows the options and the
// cross-channel toggle.
func (s *Store) RetrieveRelevant(ctx context.Context, agentID uuid.UUID, query string, opts RetrieveOptions) ([]Scored, error) {
	if opts.Limit <= 0 {
		opts.Limit = 5
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	args := []any{serializeEmbedding(embedding), agentID}
	where := []string{"agent_id = $2", "embedding IS NOT NULL"}

	scopeChannel := opts.ChannelID != uuid.Nil && !s.cfg.CrossChannelRecall
	if scopeChannel {
		args = append(args, opts.ChannelID)
		where = append(where, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if opts.MinImportance > 0 {
		args = append(args, opts.MinImportance)
		where = append(where, fmt.Sprintf("importance >= $%d", len(args)))
	}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		where = append(where, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	if opts.ExcludeRecentN > 0 && opts.ChannelID != uuid.Nil {
		args = append(args, opts.ChannelID, opts.ExcludeRecentN)
		where = append(where, fmt.Sprintf(
			`id NOT IN (
				SELECT id FROM agent_memories
				WHERE agent_id = $2 AND channel_id = $%d
				ORDER BY created_at DESC LIMIT $%d
			)`, len(args)-1, len(args)))
	}

	args = append(args, opts.Limit)
	// Score: cosine similarity + importance/50 + up to 0.1 recency bonus
	// decaying over a week.
	query2 := fmt.Sprintf(
		`SELECT id, agent_id, channel_id, kind, content, importance, metadata,
				created_at, last_accessed_at, access_count,
				(1 - (embedding <=> $1::vector))
					+ (importance::float / 50.0)
					+ (0.1 * EXP(-EXTRACT(EPOCH FROM (NOW() - created_at)) / 604800.0)) AS score
		 FROM agent_memories
		 WHERE %s
		 ORDER BY score DESC, created_at DESC
		 LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := s.db.Query(ctx, query2, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}
	defer rows.Close()

	var results []Scored
	var ids []uuid.UUID
	for rows.Next() {
		var sc Scored
		var kind string
		if err := rows.Scan(
			&sc.Record.ID, &sc.Record.AgentID, &sc.Record.ChannelID, &kind,
			&sc.Record.Content, &sc.Record.Importance, &sc.Record.Metadata,
			&sc.Record.CreatedAt, &sc.Record.LastAccessedAt, &sc.Record.AccessCount,
			&sc.Score,
		); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		sc.Record.Kind = Kind(kind)
		results = append(results, sc)
		ids = append(ids, sc.Record.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: retrieve rows: %w", err)
	}

	// Access bookkeeping feeds summarization selection; best-effort.
	if len(ids) > 0 {
		if _, err := s.db.Exec(ctx,
			`UPDATE agent_memories
			 SET last_accessed_at = NOW(), access_count = access_count + 1
			 WHERE id = ANY($1)`, ids); err != nil {
			s.logger.Warn("Memory access bump failed", zap.Error(err))
		}
	}

	return results, nil
}

// summaryPrompt frames the condensation request sent to the model.
const summaryPrompt = `Condense the following memory fragments into a single concise summary.
Preserve decisions, names, and constraints. Respond with the summary only.

%s`

// CreateSummary condenses the memoryCount most-accessed (oldest first among
// ties) non-summary records into one summary record, then prunes old
// low-importance records. A per-(agent, channel) advisory lock prevents
// duplicate summaries from concurrent runs.
func (s *Store) CreateSummary(ctx context.Context, agentID, channelID uuid.UUID, memoryCount int) (*Record, error) {
	if memoryCount <= 0 {
		memoryCount = 10
	}

	var contents []string
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		lockKey := agentID.String() + ":" + channelID.String()
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return fmt.Errorf("memory: advisory lock: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT content FROM agent_memories
			 WHERE agent_id = $1 AND channel_id = $2 AND kind <> $3
			 ORDER BY access_count DESC, created_at ASC
			 LIMIT $4`,
			agentID, channelID, string(KindSummary), memoryCount)
		if err != nil {
			return fmt.Errorf("memory: select for summary: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return err
			}
			contents = append(contents, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, nil
	}

	text, _, err := s.gen.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(summaryPrompt, strings.Join(contents, "\n---\n")),
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: condense: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("memory: condensation produced empty summary")
	}

	rec, err := s.Store(ctx, agentID, channelID, text, KindSummary, 7, map[string]any{
		"summarized_count": len(contents),
	})
	if err != nil {
		return nil, err
	}

	s.prune(ctx, agentID, channelID)
	return rec, nil
}

// pruneMaxAge is the age past which low-importance records become
// discardable after a summary covers them.
const pruneMaxAge = 7 * 24 * time.Hour

// prune deletes stale low-importance records. Records with importance >= 9
// are never deleted.
func (s *Store) prune(ctx context.Context, agentID, channelID uuid.UUID) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM agent_memories
		 WHERE agent_id = $1 AND channel_id = $2
		   AND importance <= 3
		   AND kind <> $3
		   AND created_at < NOW() - $4::interval`,
		agentID, channelID, string(KindSummary),
		fmt.Sprintf("%d seconds", int(pruneMaxAge.Seconds())))
	if err != nil {
		s.logger.Warn("Memory prune failed", zap.Error(err))
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("Pruned memories",
			zap.String("agent_id", agentID.String()),
			zap.Int64("deleted", n))
	}
}

// entityPrompt asks the model for notable entities as short lines.
const entityPrompt = `Extract the notable entities (people, systems, files, decisions) from the text below.
Respond with one entity per line in the form "name: short description". Respond with nothing if there are none.

%s`

// ExtractEntities scans text for entities and stores each as a kind-entity
// record. Enabled per configuration.
func (s *Store) ExtractEntities(ctx context.Context, agentID, channelID uuid.UUID, text string) error {
	if !s.cfg.EntityExtraction {
		return nil
	}
	out, _, err := s.gen.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(entityPrompt, text),
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		return fmt.Errorf("memory: extract entities: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		if _, err := s.Store(ctx, agentID, channelID, line, KindEntity, 6, nil); err != nil {
			s.logger.Warn("Entity store failed", zap.Error(err))
		}
	}
	return nil
}
