// Package store persists workflows and their task DAGs in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kandev/crewhub/internal/common/database"
	"github.com/kandev/crewhub/internal/workflow/models"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTaskNotFound     = errors.New("workflow task not found")
)

// Store is the Postgres-backed workflow repository.
type Store struct {
	db *database.DB
}

// New creates a workflow store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateWorkflow inserts a workflow.
func (s *Store) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	if w.Plan == nil {
		w.Plan = map[string]any{}
	}
	if w.Results == nil {
		w.Results = map[string]any{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflows (id, description, orchestrator_id, channel_id, status, plan, results, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.Description, w.OrchestratorID, w.ChannelID, string(w.Status),
		w.Plan, w.Results, w.Error, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the workflow with the given id.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, description, orchestrator_id, channel_id, status, plan, results, error, created_at, started_at, completed_at
		 FROM workflows WHERE id = $1`, id)
	w := &models.Workflow{}
	var status string
	err := row.Scan(&w.ID, &w.Description, &w.OrchestratorID, &w.ChannelID, &status,
		&w.Plan, &w.Results, &w.Error, &w.CreatedAt, &w.StartedAt, &w.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	w.Status = models.Status(status)
	return w, nil
}

// SetPlan stores the parsed plan payload.
func (s *Store) SetPlan(ctx context.Context, id uuid.UUID, plan map[string]any) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET plan = $2 WHERE id = $1`, id, plan)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// UpdateWorkflowStatus transitions a workflow, stamping started_at or
// completed_at as appropriate.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status models.Status, errMsg string) error {
	now := time.Now().UTC()
	var started, completed *time.Time
	if status == models.StatusExecuting {
		started = &now
	}
	if status.Terminal() {
		completed = &now
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows
		 SET status = $2,
		     error = $3,
		     started_at = COALESCE(started_at, $4),
		     completed_at = COALESCE(completed_at, $5)
		 WHERE id = $1`,
		id, string(status), errMsg, started, completed)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// SetResults stores the final results map.
func (s *Store) SetResults(ctx context.Context, id uuid.UUID, results map[string]any) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET results = $2 WHERE id = $1`, id, results)
	if err != nil {
		return fmt.Errorf("set results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// CreateTasks inserts all tasks of a plan in one transaction.
func (s *Store) CreateTasks(ctx context.Context, tasks []*models.Task) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tasks {
			if _, err := tx.Exec(ctx,
				`INSERT INTO workflow_tasks
					(id, workflow_id, description, agent_id, order_index, parent_ids, status, output, error, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				t.ID, t.WorkflowID, t.Description, t.AgentID, t.OrderIndex,
				t.ParentIDs, string(t.Status), t.Output, t.Error, t.CreatedAt); err != nil {
				return fmt.Errorf("insert task %d: %w", t.OrderIndex, err)
			}
		}
		return nil
	})
}

// ListTasks returns a workflow's tasks ordered by order index.
func (s *Store) ListTasks(ctx context.Context, workflowID uuid.UUID) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, description, agent_id, order_index, parent_ids, status, output, error, created_at, started_at, completed_at
		 FROM workflow_tasks WHERE workflow_id = $1 ORDER BY order_index`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t := &models.Task{}
		var status string
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.Description, &t.AgentID, &t.OrderIndex,
			&t.ParentIDs, &status, &t.Output, &t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = models.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask transitions a task, stamping started_at or completed_at.
func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, status models.TaskStatus, output, errMsg string) error {
	now := time.Now().UTC()
	var started, completed *time.Time
	if status == models.TaskInProgress {
		started = &now
	}
	if status.Terminal() {
		completed = &now
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_tasks
		 SET status = $2,
		     output = $3,
		     error = $4,
		     started_at = COALESCE(started_at, $5),
		     completed_at = COALESCE(completed_at, $6)
		 WHERE id = $1`,
		id, string(status), output, errMsg, started, completed)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListWorkflows returns workflows for a channel, newest first.
func (s *Store) ListWorkflows(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Workflow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, description, orchestrator_id, channel_id, status, plan, results, error, created_at, started_at, completed_at
		 FROM workflows WHERE channel_id = $1
		 ORDER BY created_at DESC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w := &models.Workflow{}
		var status string
		if err := rows.Scan(&w.ID, &w.Description, &w.OrchestratorID, &w.ChannelID, &status,
			&w.Plan, &w.Results, &w.Error, &w.CreatedAt, &w.StartedAt, &w.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		w.Status = models.Status(status)
		out = append(out, w)
	}
	return out, rows.Err()
}
