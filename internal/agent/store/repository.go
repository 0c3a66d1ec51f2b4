package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/kandev/crewhub/internal/agent/models"
)

// Repository is the persistence surface the agent service depends on.
type Repository interface {
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentByHandle(ctx context.Context, handle string) (*models.Agent, error)
	ListAgents(ctx context.Context, includeInactive bool) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, a *models.Agent) error
	DeactivateAgent(ctx context.Context, id uuid.UUID) error

	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	UpdateTemplate(ctx context.Context, t *models.Template) error
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
}

var _ Repository = (*Store)(nil)
