// Package service implements agent lifecycle operations, handle resolution,
// and live status tracking.
package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/agent/models"
	"github.com/kandev/crewhub/internal/agent/store"
	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

var (
	ErrInvalidHandle       = errors.New("handle must start with a letter or digit and contain only letters, digits, hyphens, and underscores")
	ErrInvalidKind         = errors.New("kind must be one of: orchestrator, backend, frontend, qa, custom")
	ErrInvalidTemplateType = errors.New("template type must be one of: default, custom, community")
	ErrDefaultTemplate     = errors.New("default templates cannot be modified or deleted")
)

// handlePattern validates agent handles.
var handlePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// mentionPattern finds @handle tokens in message content.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9_-]*)`)

// Service coordinates agent lifecycle and status.
type Service struct {
	repo     store.Repository
	eventBus bus.EventBus
	cache    *cache.Cache
	logger   *logger.Logger

	mu       sync.RWMutex
	statuses map[uuid.UUID]string
}

// CreateAgentRequest carries the fields for a new agent.
type CreateAgentRequest struct {
	Handle  string
	Kind    models.Kind
	Persona models.Persona
	Config  models.Config
}

// NewService creates an agent service.
func NewService(repo store.Repository, eventBus bus.EventBus, c *cache.Cache, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		cache:    c,
		logger:   log.WithFields(zap.String("component", "agent-service")),
		statuses: make(map[uuid.UUID]string),
	}
}

// CreateAgent registers a new agent. Handles are unique among active agents,
// compared case-insensitively.
func (s *Service) CreateAgent(ctx context.Context, req CreateAgentRequest) (*models.Agent, error) {
	if !handlePattern.MatchString(req.Handle) {
		return nil, ErrInvalidHandle
	}
	if req.Kind == "" {
		req.Kind = models.KindCustom
	}
	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}

	now := time.Now().UTC()
	a := &models.Agent{
		ID:        uuid.New(),
		Handle:    req.Handle,
		Kind:      req.Kind,
		Persona:   req.Persona,
		Config:    req.Config,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	s.invalidateLists(ctx)
	s.publish(ctx, events.AgentCreated, map[string]any{
		"agent_id":     a.ID.String(),
		"agent_handle": a.Handle,
		"kind":         string(a.Kind),
	})
	return a, nil
}

// CreateFromTemplate instantiates an agent from a template, copying its
// persona and config. The template itself is never modified.
func (s *Service) CreateFromTemplate(ctx context.Context, templateID uuid.UUID, handle string) (*models.Agent, error) {
	t, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return s.CreateAgent(ctx, CreateAgentRequest{
		Handle:  handle,
		Kind:    t.Kind,
		Persona: t.Persona,
		Config:  t.Config,
	})
}

// GetAgent returns an agent by id, served from cache when warm.
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.NamespaceAgentConfig, id.String(),
		func(ctx context.Context) (*models.Agent, error) {
			return s.repo.GetAgent(ctx, id)
		})
}

// GetAgentByHandle returns the active agent with the given handle,
// case-insensitively.
func (s *Service) GetAgentByHandle(ctx context.Context, handle string) (*models.Agent, error) {
	key := "handle:" + strings.ToLower(handle)
	return cache.GetOrLoad(ctx, s.cache, cache.NamespaceAgentConfig, key,
		func(ctx context.Context) (*models.Agent, error) {
			return s.repo.GetAgentByHandle(ctx, handle)
		})
}

// ListAgents returns agents, served from cache when warm.
func (s *Service) ListAgents(ctx context.Context, includeInactive bool) ([]*models.Agent, error) {
	key := "active"
	if includeInactive {
		key = "all"
	}
	return cache.GetOrLoad(ctx, s.cache, cache.NamespaceAgentList, key,
		func(ctx context.Context) ([]*models.Agent, error) {
			return s.repo.ListAgents(ctx, includeInactive)
		})
}

// UpdateAgent replaces persona and config and evicts stale cache entries.
func (s *Service) UpdateAgent(ctx context.Context, a *models.Agent) error {
	if err := s.repo.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.invalidateAgent(ctx, a)
	s.publish(ctx, events.AgentUpdated, map[string]any{
		"agent_id":     a.ID.String(),
		"agent_handle": a.Handle,
	})
	return nil
}

// DeactivateAgent retires an agent and frees its handle.
func (s *Service) DeactivateAgent(ctx context.Context, id uuid.UUID) error {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeactivateAgent(ctx, id); err != nil {
		return err
	}
	s.invalidateAgent(ctx, a)

	s.mu.Lock()
	delete(s.statuses, id)
	s.mu.Unlock()

	s.publish(ctx, events.AgentDeactivated, map[string]any{
		"agent_id":     a.ID.String(),
		"agent_handle": a.Handle,
	})
	return nil
}

// ListTemplates returns all agent templates.
func (s *Service) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	return s.repo.ListTemplates(ctx)
}

// CreateTemplate registers a template. User-created templates default to the
// custom type.
func (s *Service) CreateTemplate(ctx context.Context, t *models.Template) error {
	if t.Type == "" {
		t.Type = models.TemplateCustom
	}
	if !t.Type.Valid() {
		return ErrInvalidTemplateType
	}
	if !t.Kind.Valid() {
		return ErrInvalidKind
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return s.repo.CreateTemplate(ctx, t)
}

// UpdateTemplate replaces a template's editable fields. Default templates are
// immutable.
func (s *Service) UpdateTemplate(ctx context.Context, t *models.Template) error {
	existing, err := s.repo.GetTemplate(ctx, t.ID)
	if err != nil {
		return err
	}
	if existing.Type == models.TemplateDefault {
		return ErrDefaultTemplate
	}
	return s.repo.UpdateTemplate(ctx, t)
}

// DeleteTemplate removes a template. Default templates cannot be deleted.
func (s *Service) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if t.Type == models.TemplateDefault {
		return ErrDefaultTemplate
	}
	return s.repo.DeleteTemplate(ctx, id)
}

// SetStatus records an agent's live status and broadcasts the transition.
// Status is per-process state, not persisted.
func (s *Service) SetStatus(ctx context.Context, agent *models.Agent, status string, channelID uuid.UUID) {
	s.mu.Lock()
	s.statuses[agent.ID] = status
	s.mu.Unlock()

	data := map[string]any{
		"agent_id":     agent.ID.String(),
		"agent_handle": agent.Handle,
		"status":       status,
	}
	if channelID != uuid.Nil {
		data["channel_id"] = channelID.String()
	}
	s.publish(ctx, events.AgentStatusChanged, data)
}

// Status returns an agent's live status. Agents without a recorded transition
// report online.
func (s *Service) Status(agentID uuid.UUID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.statuses[agentID]; ok {
		return status
	}
	return ws.AgentStatusOnline
}

// ResolveMentions finds @handle tokens in content and resolves them to active
// agents, case-insensitively. Unresolved tokens are ignored; duplicates
// collapse to the first occurrence.
func (s *Service) ResolveMentions(ctx context.Context, content string) ([]*models.Agent, error) {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var agents []*models.Agent
	for _, m := range matches {
		handle := strings.ToLower(m[1])
		if seen[handle] {
			continue
		}
		seen[handle] = true

		a, err := s.GetAgentByHandle(ctx, handle)
		if errors.Is(err, store.ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (s *Service) invalidateAgent(ctx context.Context, a *models.Agent) {
	s.cache.Delete(ctx, cache.NamespaceAgentConfig,
		a.ID.String(), "handle:"+strings.ToLower(a.Handle))
	s.invalidateLists(ctx)
}

func (s *Service) invalidateLists(ctx context.Context) {
	s.cache.Delete(ctx, cache.NamespaceAgentList, "active", "all")
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "agent-service", data)); err != nil {
		s.logger.Error("Failed to publish agent event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
