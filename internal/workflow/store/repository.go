package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/kandev/crewhub/internal/workflow/models"
)

// Repository is the persistence surface the orchestrator depends on.
type Repository interface {
	CreateWorkflow(ctx context.Context, w *models.Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	SetPlan(ctx context.Context, id uuid.UUID, plan map[string]any) error
	UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status models.Status, errMsg string) error
	SetResults(ctx context.Context, id uuid.UUID, results map[string]any) error
	ListWorkflows(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Workflow, error)

	CreateTasks(ctx context.Context, tasks []*models.Task) error
	ListTasks(ctx context.Context, workflowID uuid.UUID) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, output, errMsg string) error
}

var _ Repository = (*Store)(nil)
