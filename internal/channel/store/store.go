// Package store persists channels and messages in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kandev/crewhub/internal/channel/models"
	"github.com/kandev/crewhub/internal/common/database"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrDuplicateName   = errors.New("channel name already exists")
	ErrMessageNotFound = errors.New("message not found")
)

const uniqueViolation = "23505"

// Store is the Postgres-backed channel repository.
type Store struct {
	db *database.DB
}

// New creates a channel store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateChannel inserts a channel. Names are unique across the instance.
func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO channels (id, name, topic, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.ID, ch.Name, ch.Topic, ch.Archived, ch.CreatedAt, ch.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// GetChannel returns the channel with the given id.
func (s *Store) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, topic, archived, context_cleared_at, created_at, updated_at
		 FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

// GetChannelByName returns the channel with the given name.
func (s *Store) GetChannelByName(ctx context.Context, name string) (*models.Channel, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, topic, archived, context_cleared_at, created_at, updated_at
		 FROM channels WHERE name = $1`, name)
	return scanChannel(row)
}

// ListChannels returns channels ordered by name. Archived channels are
// included only when requested.
func (s *Store) ListChannels(ctx context.Context, includeArchived bool) ([]*models.Channel, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, topic, archived, context_cleared_at, created_at, updated_at
		 FROM channels
		 WHERE $1 OR NOT archived
		 ORDER BY name`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ArchiveChannel marks a channel archived.
func (s *Store) ArchiveChannel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE channels SET archived = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archive channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// SetContextCleared stamps the context boundary. Messages remain persisted;
// context assembly excludes everything at or before the mark.
func (s *Store) SetContextCleared(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE channels SET context_cleared_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set context cleared: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// InsertMessage persists a message with a created_at strictly greater than
// every earlier message in the channel. The channel row is locked for the
// duration of the transaction, so inserts in one channel serialize and the
// per-channel timestamp order matches insert order.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var archived bool
		err := tx.QueryRow(ctx,
			`SELECT archived FROM channels WHERE id = $1 FOR UPDATE`,
			msg.ChannelID).Scan(&archived)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChannelNotFound
		}
		if err != nil {
			return fmt.Errorf("lock channel: %w", err)
		}

		var last *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT MAX(created_at) FROM messages WHERE channel_id = $1`,
			msg.ChannelID).Scan(&last); err != nil {
			return fmt.Errorf("last message time: %w", err)
		}

		now := time.Now().UTC()
		if last != nil && !now.After(*last) {
			now = last.Add(time.Microsecond)
		}
		msg.CreatedAt = now
		msg.UpdatedAt = now
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO messages
				(id, channel_id, author_id, author_kind, author_name, content, reply_to_id, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			msg.ID, msg.ChannelID, msg.AuthorID, string(msg.AuthorKind), msg.AuthorName,
			msg.Content, msg.ReplyToID, msg.Metadata, msg.CreatedAt, msg.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// GetMessage returns the message with the given id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, channel_id, author_id, author_kind, author_name, content, reply_to_id, metadata, created_at, updated_at
		 FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// UpdateMessage replaces content and metadata, used when a streaming
// placeholder is finalized.
func (s *Store) UpdateMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (*models.Message, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	row := s.db.QueryRow(ctx,
		`UPDATE messages SET content = $2, metadata = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, channel_id, author_id, author_kind, author_name, content, reply_to_id, metadata, created_at, updated_at`,
		id, content, metadata)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

// RecentMessages returns the newest messages after the channel's context
// boundary, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT m.id, m.channel_id, m.author_id, m.author_kind, m.author_name, m.content, m.reply_to_id, m.metadata, m.created_at, m.updated_at
		 FROM messages m
		 JOIN channels c ON c.id = m.channel_id
		 WHERE m.channel_id = $1
		   AND (c.context_cleared_at IS NULL OR m.created_at > c.context_cleared_at)
		 ORDER BY m.created_at DESC
		 LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

// History pages backwards through the full message log, ignoring the context
// boundary. Results are oldest first within the page.
func (s *Store) History(ctx context.Context, channelID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, channel_id, author_id, author_kind, author_name, content, reply_to_id, metadata, created_at, updated_at
		 FROM messages
		 WHERE channel_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		 ORDER BY created_at DESC
		 LIMIT $3`, channelID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

// CountMessages returns the number of messages in a channel.
func (s *Store) CountMessages(ctx context.Context, channelID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = $1`, channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func scanChannel(scanner interface{ Scan(dest ...any) error }) (*models.Channel, error) {
	ch := &models.Channel{}
	err := scanner.Scan(&ch.ID, &ch.Name, &ch.Topic, &ch.Archived,
		&ch.ContextClearedAt, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return ch, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	var kind string
	err := scanner.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &kind, &msg.AuthorName,
		&msg.Content, &msg.ReplyToID, &msg.Metadata, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.AuthorKind = models.AuthorKind(kind)
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func reverse(messages []*models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
