package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/channel/models"
	"github.com/kandev/crewhub/internal/channel/store"
	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	busPkg "github.com/kandev/crewhub/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu       sync.Mutex
	channels map[uuid.UUID]*models.Channel
	messages map[uuid.UUID][]*models.Message
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		channels: make(map[uuid.UUID]*models.Channel),
		messages: make(map[uuid.UUID][]*models.Message),
	}
}

func (f *fakeRepo) CreateChannel(ctx context.Context, ch *models.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.channels {
		if existing.Name == ch.Name {
			return store.ErrDuplicateName
		}
	}
	copied := *ch
	f.channels[ch.ID] = &copied
	return nil
}

func (f *fakeRepo) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, store.ErrChannelNotFound
	}
	copied := *ch
	return &copied, nil
}

func (f *fakeRepo) GetChannelByName(ctx context.Context, name string) (*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.Name == name {
			copied := *ch
			return &copied, nil
		}
	}
	return nil, store.ErrChannelNotFound
}

func (f *fakeRepo) ListChannels(ctx context.Context, includeArchived bool) ([]*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Channel
	for _, ch := range f.channels {
		if ch.Archived && !includeArchived {
			continue
		}
		copied := *ch
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) ArchiveChannel(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return store.ErrChannelNotFound
	}
	ch.Archived = true
	return nil
}

func (f *fakeRepo) SetContextCleared(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return store.ErrChannelNotFound
	}
	ch.ContextClearedAt = &at
	return nil
}

func (f *fakeRepo) InsertMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[msg.ChannelID]; !ok {
		return store.ErrChannelNotFound
	}
	now := time.Now().UTC()
	if existing := f.messages[msg.ChannelID]; len(existing) > 0 {
		last := existing[len(existing)-1].CreatedAt
		if !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	copied := *msg
	f.messages[msg.ChannelID] = append(f.messages[msg.ChannelID], &copied)
	return nil
}

func (f *fakeRepo) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == id {
				copied := *m
				return &copied, nil
			}
		}
	}
	return nil, store.ErrMessageNotFound
}

func (f *fakeRepo) UpdateMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == id {
				m.Content = content
				m.Metadata = metadata
				m.UpdatedAt = time.Now().UTC()
				copied := *m
				return &copied, nil
			}
		}
	}
	return nil, store.ErrMessageNotFound
}

func (f *fakeRepo) RecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, store.ErrChannelNotFound
	}
	var out []*models.Message
	for _, m := range f.messages[channelID] {
		if ch.ContextClearedAt != nil && !m.CreatedAt.After(*ch.ContextClearedAt) {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeRepo) History(ctx context.Context, channelID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Message
	for _, m := range f.messages[channelID] {
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeRepo) CountMessages(ctx context.Context, channelID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.messages[channelID])), nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *busPkg.MemoryEventBus) {
	t.Helper()
	log := testLogger(t)
	repo := newFakeRepo()
	eventBus := busPkg.NewMemoryEventBus(log)
	c := cache.New(config.RedisConfig{}, config.CacheConfig{}, log)
	return NewService(repo, eventBus, c, log), repo, eventBus
}

func TestCreateChannelValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateChannel(context.Background(), "  ", "")
	assert.ErrorIs(t, err, ErrEmptyName)

	ch, err := svc.CreateChannel(context.Background(), " general ", " all hands ")
	require.NoError(t, err)
	assert.Equal(t, "general", ch.Name)
	assert.Equal(t, "all hands", ch.Topic)

	_, err = svc.CreateChannel(context.Background(), "general", "")
	assert.ErrorIs(t, err, store.ErrDuplicateName)
}

func TestPostMessageContentCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	ch, err := svc.CreateChannel(context.Background(), "general", "")
	require.NoError(t, err)

	base := PostMessageRequest{
		ChannelID:  ch.ID,
		AuthorKind: models.AuthorKindUser,
		AuthorName: "alice",
	}

	// Exactly at the cap is accepted.
	req := base
	req.Content = strings.Repeat("x", models.MaxContentLength)
	_, err = svc.PostMessage(context.Background(), req)
	require.NoError(t, err)

	// One character over is rejected.
	req.Content = strings.Repeat("x", models.MaxContentLength+1)
	_, err = svc.PostMessage(context.Background(), req)
	assert.ErrorIs(t, err, ErrContentTooLong)

	req.Content = "   "
	_, err = svc.PostMessage(context.Background(), req)
	assert.ErrorIs(t, err, ErrEmptyContent)

	req.Content = "ok"
	req.AuthorKind = "bot"
	_, err = svc.PostMessage(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidAuthor)
}

func TestPostMessagePublishesInOrder(t *testing.T) {
	svc, _, eventBus := newTestService(t)
	ch, err := svc.CreateChannel(context.Background(), "general", "")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	_, err = eventBus.Subscribe(
		events.BuildChannelWildcardSubject(events.MessageCreated),
		func(ctx context.Context, e *busPkg.Event) error {
			data := e.Data.(map[string]any)
			mu.Lock()
			seen = append(seen, data["content"].(string))
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	for _, content := range []string{"first", "second", "third"} {
		_, err := svc.PostMessage(context.Background(), PostMessageRequest{
			ChannelID:  ch.ID,
			AuthorKind: models.AuthorKindUser,
			AuthorName: "alice",
			Content:    content,
		})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestPostMessageRejectsArchivedChannel(t *testing.T) {
	svc, _, _ := newTestService(t)
	ch, err := svc.CreateChannel(context.Background(), "old", "")
	require.NoError(t, err)
	require.NoError(t, svc.ArchiveChannel(context.Background(), ch.ID))

	_, err = svc.PostMessage(context.Background(), PostMessageRequest{
		ChannelID:  ch.ID,
		AuthorKind: models.AuthorKindUser,
		AuthorName: "alice",
		Content:    "hello?",
	})
	assert.ErrorIs(t, err, ErrChannelArchived)
}

func TestClearContextHidesEarlierMessages(t *testing.T) {
	svc, _, _ := newTestService(t)
	ch, err := svc.CreateChannel(context.Background(), "general", "")
	require.NoError(t, err)

	post := func(content string) {
		t.Helper()
		_, err := svc.PostMessage(context.Background(), PostMessageRequest{
			ChannelID:  ch.ID,
			AuthorKind: models.AuthorKindUser,
			AuthorName: "alice",
			Content:    content,
		})
		require.NoError(t, err)
	}

	post("before one")
	post("before two")

	_, err = svc.ClearContext(context.Background(), ch.ID)
	require.NoError(t, err)

	post("after")

	recent, err := svc.RecentMessages(context.Background(), ch.ID, 20)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "after", recent[0].Content)

	// Full history is untouched.
	history, err := svc.History(context.Background(), ch.ID, 20, nil)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestMessageCount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ch, err := svc.CreateChannel(context.Background(), "general", "")
	require.NoError(t, err)

	count, err := svc.MessageCount(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, err = svc.PostMessage(context.Background(), PostMessageRequest{
		ChannelID:  ch.ID,
		AuthorKind: models.AuthorKindUser,
		AuthorName: "alice",
		Content:    "hello",
	})
	require.NoError(t, err)

	count, err = svc.MessageCount(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMessageCountsBatches(t *testing.T) {
	svc, _, _ := newTestService(t)
	general, err := svc.CreateChannel(context.Background(), "general", "")
	require.NoError(t, err)
	dev, err := svc.CreateChannel(context.Background(), "dev", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.PostMessage(context.Background(), PostMessageRequest{
			ChannelID:  general.ID,
			AuthorKind: models.AuthorKindUser,
			AuthorName: "alice",
			Content:    "hello",
		})
		require.NoError(t, err)
	}

	counts, err := svc.MessageCounts(context.Background(), []uuid.UUID{general.ID, dev.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[general.ID])
	assert.Equal(t, int64(0), counts[dev.ID])

	counts, err = svc.MessageCounts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestMessagePayloadFields(t *testing.T) {
	authorID := uuid.New()
	msg := &models.Message{
		ID:         uuid.New(),
		ChannelID:  uuid.New(),
		AuthorID:   &authorID,
		AuthorKind: models.AuthorKindAgent,
		AuthorName: "Backend Agent",
		Content:    "done",
		Metadata:   map[string]any{"streaming": false},
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	data := MessagePayload(msg)
	assert.Equal(t, msg.ID.String(), data["message_id"])
	assert.Equal(t, msg.ChannelID.String(), data["channel_id"])
	assert.Equal(t, authorID.String(), data["author_id"])
	assert.Equal(t, "agent", data["author_kind"])
	assert.Equal(t, "done", data["content"])
	assert.NotContains(t, data, "reply_to_id")
}
