// Package models defines workflow and task types and their state machines.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the workflow lifecycle state.
type Status string

const (
	// StatusPlanning covers creation through plan_ready. Start is only legal
	// from this state.
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the per-task state.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	// TaskReady means every parent completed; the scheduler picks ready
	// tasks up on its next pass.
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	// TaskSkipped marks tasks that never ran: a failed ancestor or a
	// cancellation before dispatch.
	TaskSkipped TaskStatus = "skipped"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// Workflow is one orchestrated multi-agent run. Plan holds the raw
// decomposition text; Results maps task ids to their outputs once the run
// finishes.
type Workflow struct {
	ID             uuid.UUID      `json:"id"`
	Description    string         `json:"description"`
	OrchestratorID uuid.UUID      `json:"orchestrator_id"`
	ChannelID      uuid.UUID      `json:"channel_id"`
	Status         Status         `json:"status"`
	Plan           map[string]any `json:"plan"`
	Results        map[string]any `json:"results"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Task is one unit of a workflow, assigned to a single agent. ParentIDs are
// the tasks that must complete before this one becomes ready.
type Task struct {
	ID          uuid.UUID   `json:"id"`
	WorkflowID  uuid.UUID   `json:"workflow_id"`
	Description string      `json:"description"`
	AgentID     uuid.UUID   `json:"agent_id"`
	OrderIndex  int         `json:"order_index"`
	ParentIDs   []uuid.UUID `json:"parent_ids"`
	Status      TaskStatus  `json:"status"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Progress is a completion snapshot: completed tasks over total.
type Progress struct {
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ComputeProgress derives progress from a task list. Only completed tasks
// count; failed and skipped tasks do not.
func ComputeProgress(tasks []*Task) Progress {
	p := Progress{Total: len(tasks)}
	for _, t := range tasks {
		if t.Status == TaskCompleted {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) * 100 / float64(p.Total)
	}
	return p
}
