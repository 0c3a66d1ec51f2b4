// Package service implements channel and message operations: validation,
// per-channel write serialization, cache discipline, and event publication.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/channel/models"
	"github.com/kandev/crewhub/internal/channel/store"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
)

var (
	ErrEmptyName       = errors.New("channel name is required")
	ErrEmptyContent    = errors.New("message content is required")
	ErrContentTooLong  = fmt.Errorf("message content exceeds %d characters", models.MaxContentLength)
	ErrInvalidAuthor   = errors.New("author kind must be user, agent, or system")
	ErrChannelArchived = errors.New("channel is archived")
)

// Service coordinates channel and message operations. Message inserts within
// one channel serialize on a per-channel mutex so broadcast order always
// matches persistence order.
type Service struct {
	repo     store.Repository
	eventBus bus.EventBus
	cache    *cache.Cache
	logger   *logger.Logger

	mu           sync.Mutex
	channelLocks map[uuid.UUID]*sync.Mutex
}

// PostMessageRequest carries one message to append to a channel.
type PostMessageRequest struct {
	ChannelID  uuid.UUID
	AuthorID   *uuid.UUID
	AuthorKind models.AuthorKind
	AuthorName string
	Content    string
	ReplyToID  *uuid.UUID
	Metadata   map[string]any
}

// NewService creates a channel service.
func NewService(repo store.Repository, eventBus bus.EventBus, c *cache.Cache, log *logger.Logger) *Service {
	return &Service{
		repo:         repo,
		eventBus:     eventBus,
		cache:        c,
		logger:       log.WithFields(zap.String("component", "channel-service")),
		channelLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// CreateChannel creates a channel with a unique name.
func (s *Service) CreateChannel(ctx context.Context, name, topic string) (*models.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	now := time.Now().UTC()
	ch := &models.Channel{
		ID:        uuid.New(),
		Name:      name,
		Topic:     strings.TrimSpace(topic),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}

	s.publish(ctx, events.ChannelCreated, ch.ID, channelPayload(ch))
	return ch, nil
}

// GetChannel returns channel metadata, served from cache when warm.
func (s *Service) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.NamespaceChannelMeta, id.String(),
		func(ctx context.Context) (*models.Channel, error) {
			return s.repo.GetChannel(ctx, id)
		})
}

// GetChannelByName returns the channel with the given name.
func (s *Service) GetChannelByName(ctx context.Context, name string) (*models.Channel, error) {
	return s.repo.GetChannelByName(ctx, strings.TrimSpace(name))
}

// ListChannels returns all channels, optionally including archived ones.
func (s *Service) ListChannels(ctx context.Context, includeArchived bool) ([]*models.Channel, error) {
	return s.repo.ListChannels(ctx, includeArchived)
}

// ArchiveChannel marks a channel archived and evicts its cached metadata.
func (s *Service) ArchiveChannel(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.ArchiveChannel(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(ctx, cache.NamespaceChannelMeta, id.String())
	s.publish(ctx, events.ChannelArchived, id, map[string]any{
		"channel_id": id.String(),
	})
	return nil
}

// ClearContext stamps the context boundary at now. History stays persisted
// and queryable; agent context assembly starts fresh after the mark.
func (s *Service) ClearContext(ctx context.Context, channelID uuid.UUID) (time.Time, error) {
	at := time.Now().UTC()
	if err := s.repo.SetContextCleared(ctx, channelID, at); err != nil {
		return time.Time{}, err
	}
	s.cache.Delete(ctx, cache.NamespaceChannelMeta, channelID.String())
	s.publish(ctx, events.ChannelContextCleared, channelID, map[string]any{
		"channel_id": channelID.String(),
		"cleared_at": at.Format(time.RFC3339Nano),
	})
	return at, nil
}

// PostMessage validates, persists, and broadcasts one message. The insert and
// the publish run under the channel lock, so subscribers observe messages in
// persistence order.
func (s *Service) PostMessage(ctx context.Context, req PostMessageRequest) (*models.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(req.Content) > models.MaxContentLength {
		return nil, ErrContentTooLong
	}
	if !req.AuthorKind.Valid() {
		return nil, ErrInvalidAuthor
	}

	ch, err := s.GetChannel(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.Archived {
		return nil, ErrChannelArchived
	}

	msg := &models.Message{
		ID:         uuid.New(),
		ChannelID:  req.ChannelID,
		AuthorID:   req.AuthorID,
		AuthorKind: req.AuthorKind,
		AuthorName: req.AuthorName,
		Content:    req.Content,
		ReplyToID:  req.ReplyToID,
		Metadata:   req.Metadata,
	}

	lock := s.channelLock(req.ChannelID)
	lock.Lock()
	err = s.repo.InsertMessage(ctx, msg)
	if err == nil {
		s.publish(ctx, events.MessageCreated, msg.ChannelID, MessagePayload(msg))
	}
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	s.cache.Delete(ctx, cache.NamespaceMessageCount, req.ChannelID.String())
	return msg, nil
}

// UpdateMessage replaces a message's content and metadata and broadcasts the
// update. Used to finalize streaming placeholders.
func (s *Service) UpdateMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (*models.Message, error) {
	msg, err := s.repo.UpdateMessage(ctx, id, content, metadata)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.MessageUpdated, msg.ChannelID, MessagePayload(msg))
	return msg, nil
}

// RecentMessages returns the context window for a channel, oldest first,
// excluding everything before the context boundary.
func (s *Service) RecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error) {
	return s.repo.RecentMessages(ctx, channelID, limit)
}

// History pages backwards through the full log, ignoring the context
// boundary.
func (s *Service) History(ctx context.Context, channelID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error) {
	return s.repo.History(ctx, channelID, limit, before)
}

// MessageCount returns the channel's message count, served from cache when
// warm.
func (s *Service) MessageCount(ctx context.Context, channelID uuid.UUID) (int64, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.NamespaceMessageCount, channelID.String(),
		func(ctx context.Context) (int64, error) {
			return s.repo.CountMessages(ctx, channelID)
		})
}

// MessageCounts returns message counts for several channels at once. Cached
// counts are fetched in one round trip; misses load from the store and are
// written back in a single batch.
func (s *Service) MessageCounts(ctx context.Context, channelIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(channelIDs))
	if len(channelIDs) == 0 {
		return counts, nil
	}

	keys := make([]string, len(channelIDs))
	cached := make([]int64, len(channelIDs))
	dests := make([]any, len(channelIDs))
	for i, id := range channelIDs {
		keys[i] = id.String()
		dests[i] = &cached[i]
	}
	found := s.cache.MGet(ctx, cache.NamespaceMessageCount, keys, dests)

	loaded := make(map[string]any)
	for i, id := range channelIDs {
		if found[i] {
			counts[id] = cached[i]
			continue
		}
		n, err := s.repo.CountMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		counts[id] = n
		loaded[keys[i]] = n
	}
	if len(loaded) > 0 {
		s.cache.MSet(ctx, cache.NamespaceMessageCount, loaded)
	}
	return counts, nil
}

// channelLock returns the mutex serializing writes for one channel.
func (s *Service) channelLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.channelLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.channelLocks[id] = lock
	}
	return lock
}

// publish sends an event on the channel-scoped subject. Failures are logged,
// never surfaced to the caller.
func (s *Service) publish(ctx context.Context, base string, channelID uuid.UUID, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	subject := events.BuildChannelSubject(base, channelID.String())
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(base, "channel-service", data)); err != nil {
		s.logger.Error("Failed to publish channel event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func channelPayload(ch *models.Channel) map[string]any {
	return map[string]any{
		"channel_id": ch.ID.String(),
		"name":       ch.Name,
		"topic":      ch.Topic,
		"created_at": ch.CreatedAt.Format(time.RFC3339Nano),
	}
}

// MessagePayload renders a message as an event payload. Shared with the agent
// runtime, which broadcasts placeholder and final messages itself.
func MessagePayload(msg *models.Message) map[string]any {
	data := map[string]any{
		"message_id":  msg.ID.String(),
		"channel_id":  msg.ChannelID.String(),
		"author_kind": string(msg.AuthorKind),
		"author_name": msg.AuthorName,
		"content":     msg.Content,
		"metadata":    msg.Metadata,
		"created_at":  msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  msg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.AuthorID != nil {
		data["author_id"] = msg.AuthorID.String()
	}
	if msg.ReplyToID != nil {
		data["reply_to_id"] = msg.ReplyToID.String()
	}
	return data
}
