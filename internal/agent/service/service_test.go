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

	"github.com/kandev/crewhub/internal/agent/models"
	"github.com/kandev/crewhub/internal/agent/store"
	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	busPkg "github.com/kandev/crewhub/internal/events/bus"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu        sync.Mutex
	agents    map[uuid.UUID]*models.Agent
	templates map[uuid.UUID]*models.Template
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		agents:    make(map[uuid.UUID]*models.Agent),
		templates: make(map[uuid.UUID]*models.Template),
	}
}

func (f *fakeRepo) CreateAgent(ctx context.Context, a *models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.agents {
		if existing.Active && strings.EqualFold(existing.Handle, a.Handle) {
			return store.ErrDuplicateHandle
		}
	}
	copied := *a
	f.agents[a.ID] = &copied
	return nil
}

func (f *fakeRepo) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeRepo) GetAgentByHandle(ctx context.Context, handle string) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.Active && strings.EqualFold(a.Handle, handle) {
			copied := *a
			return &copied, nil
		}
	}
	return nil, store.ErrAgentNotFound
}

func (f *fakeRepo) ListAgents(ctx context.Context, includeInactive bool) ([]*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Agent
	for _, a := range f.agents {
		if !a.Active && !includeInactive {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) UpdateAgent(ctx context.Context, a *models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.agents[a.ID]
	if !ok {
		return store.ErrAgentNotFound
	}
	existing.Persona = a.Persona
	existing.Config = a.Config
	return nil
}

func (f *fakeRepo) DeactivateAgent(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok || !a.Active {
		return store.ErrAgentNotFound
	}
	a.Active = false
	return nil
}

func (f *fakeRepo) CreateTemplate(ctx context.Context, t *models.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *t
	f.templates[t.ID] = &copied
	return nil
}

func (f *fakeRepo) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[id]
	if !ok {
		return nil, store.ErrTemplateNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeRepo) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Template
	for _, t := range f.templates {
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) UpdateTemplate(ctx context.Context, t *models.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.templates[t.ID]
	if !ok {
		return store.ErrTemplateNotFound
	}
	existing.Domain = t.Domain
	existing.Persona = t.Persona
	existing.Config = t.Config
	return nil
}

func (f *fakeRepo) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[id]; !ok {
		return store.ErrTemplateNotFound
	}
	delete(f.templates, id)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	log := testLogger(t)
	repo := newFakeRepo()
	eventBus := busPkg.NewMemoryEventBus(log)
	c := cache.New(config.RedisConfig{}, config.CacheConfig{}, log)
	return NewService(repo, eventBus, c, log), repo
}

func TestCreateAgentValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "bad handle"})
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "-leading"})
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "ok", Kind: "manager"})
	assert.ErrorIs(t, err, ErrInvalidKind)

	a, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "backend-dev"})
	require.NoError(t, err)
	assert.Equal(t, models.KindCustom, a.Kind)
	assert.True(t, a.Active)

	b, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "qa-bot", Kind: models.KindQA})
	require.NoError(t, err)
	assert.Equal(t, models.KindQA, b.Kind)
}

func TestDuplicateHandleCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "Researcher"})
	require.NoError(t, err)

	_, err = svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "researcher"})
	assert.ErrorIs(t, err, store.ErrDuplicateHandle)
}

func TestHandleFreedAfterDeactivation(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "writer"})
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateAgent(context.Background(), a.ID))

	_, err = svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "writer"})
	assert.NoError(t, err)
}

func TestGetAgentByHandleCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "Backend-Dev"})
	require.NoError(t, err)

	got, err := svc.GetAgentByHandle(context.Background(), "backend-dev")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateFromTemplate(t *testing.T) {
	svc, _ := newTestService(t)

	tpl := &models.Template{
		Name:   "Research Assistant",
		Kind:   models.KindBackend,
		Domain: "research",
		Persona: models.Persona{
			DisplayName:  "Researcher",
			SystemPrompt: "You research things.",
		},
		Config: models.Config{Provider: "anthropic", MemoryEnabled: true},
	}
	require.NoError(t, svc.CreateTemplate(context.Background(), tpl))
	assert.Equal(t, models.TemplateCustom, tpl.Type)

	a, err := svc.CreateFromTemplate(context.Background(), tpl.ID, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "researcher", a.Handle)
	assert.Equal(t, models.KindBackend, a.Kind)
	assert.Equal(t, tpl.Persona.SystemPrompt, a.Persona.SystemPrompt)
	assert.True(t, a.Config.MemoryEnabled)

	// The template itself is untouched by instantiation.
	reloaded, err := svc.ListTemplates(context.Background())
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	assert.Equal(t, tpl.Persona, reloaded[0].Persona)
}

func TestCreateTemplateValidation(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.CreateTemplate(context.Background(), &models.Template{
		Name: "Bad Type", Type: "premium", Kind: models.KindBackend,
	})
	assert.ErrorIs(t, err, ErrInvalidTemplateType)

	err = svc.CreateTemplate(context.Background(), &models.Template{
		Name: "Bad Kind", Type: models.TemplateCustom, Kind: "manager",
	})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestDefaultTemplateIsImmutable(t *testing.T) {
	svc, _ := newTestService(t)

	def := &models.Template{
		Name:    "Backend Developer",
		Type:    models.TemplateDefault,
		Kind:    models.KindBackend,
		Domain:  "backend",
		Persona: models.Persona{DisplayName: "Backend Dev", SystemPrompt: "You write Go."},
	}
	require.NoError(t, svc.CreateTemplate(context.Background(), def))

	changed := *def
	changed.Persona.SystemPrompt = "You write COBOL."
	assert.ErrorIs(t, svc.UpdateTemplate(context.Background(), &changed), ErrDefaultTemplate)
	assert.ErrorIs(t, svc.DeleteTemplate(context.Background(), def.ID), ErrDefaultTemplate)

	// Instantiation still works; only mutation is refused.
	a, err := svc.CreateFromTemplate(context.Background(), def.ID, "backend-dev")
	require.NoError(t, err)
	assert.Equal(t, "You write Go.", a.Persona.SystemPrompt)

	custom := &models.Template{
		Name: "My QA", Type: models.TemplateCustom, Kind: models.KindQA,
		Persona: models.Persona{DisplayName: "QA"},
	}
	require.NoError(t, svc.CreateTemplate(context.Background(), custom))
	custom.Domain = "testing"
	require.NoError(t, svc.UpdateTemplate(context.Background(), custom))
	require.NoError(t, svc.DeleteTemplate(context.Background(), custom.ID))
}

func TestResolveMentions(t *testing.T) {
	svc, _ := newTestService(t)

	backend, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "backend-dev"})
	require.NoError(t, err)
	researcher, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "researcher"})
	require.NoError(t, err)

	agents, err := svc.ResolveMentions(context.Background(),
		"@Backend-Dev please review, then @researcher verify. cc @backend-dev @nobody")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, backend.ID, agents[0].ID)
	assert.Equal(t, researcher.ID, agents[1].ID)

	agents, err = svc.ResolveMentions(context.Background(), "no mentions here")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestStatusTracking(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "backend-dev"})
	require.NoError(t, err)

	assert.Equal(t, ws.AgentStatusOnline, svc.Status(a.ID))

	svc.SetStatus(context.Background(), a, ws.AgentStatusThinking, uuid.New())
	assert.Equal(t, ws.AgentStatusThinking, svc.Status(a.ID))

	svc.SetStatus(context.Background(), a, ws.AgentStatusOnline, uuid.Nil)
	assert.Equal(t, ws.AgentStatusOnline, svc.Status(a.ID))
}

func TestUpdateAgent(t *testing.T) {
	svc, repo := newTestService(t)

	a, err := svc.CreateAgent(context.Background(), CreateAgentRequest{Handle: "backend-dev"})
	require.NoError(t, err)

	a.Persona.SystemPrompt = "You write Go."
	a.Config.Model = "claude-sonnet-4-20250514"
	a.UpdatedAt = time.Now().UTC()
	require.NoError(t, svc.UpdateAgent(context.Background(), a))

	stored, err := repo.GetAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "You write Go.", stored.Persona.SystemPrompt)
}
