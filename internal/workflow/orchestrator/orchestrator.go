// Package orchestrator turns a request into a task DAG and drives it to
// completion: planning via the orchestrator agent's model, edge-triggered
// scheduling with per-agent serialization, failure propagation, and
// cooperative cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/kandev/crewhub/internal/agent/models"
	"github.com/kandev/crewhub/internal/agent/runtime"
	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
	"github.com/kandev/crewhub/internal/llm"
	"github.com/kandev/crewhub/internal/memory"
	"github.com/kandev/crewhub/internal/workflow/models"
	"github.com/kandev/crewhub/internal/workflow/planner"
	"github.com/kandev/crewhub/internal/workflow/store"
)

// ErrInvalidState reports a Start on a workflow that is not in planning.
var ErrInvalidState = errors.New("workflow can only start from the planning state")

// AgentDirectory resolves agents for planning and execution.
type AgentDirectory interface {
	ListAgents(ctx context.Context, includeInactive bool) ([]*agentmodels.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*agentmodels.Agent, error)
}

// TaskRunner executes one agent turn for a task. Satisfied by
// *runtime.Runtime via Process.
type TaskRunner interface {
	Process(ctx context.Context, req runtime.Request) (*runtime.Result, error)
}

// PlanGenerator produces the decomposition text. Satisfied by *llm.Gateway.
type PlanGenerator interface {
	Generate(ctx context.Context, req llm.Request) (string, []llm.ToolCall, error)
}

// MemoryWriter queues decision records when workflows finish.
type MemoryWriter interface {
	Enqueue(agentID, channelID uuid.UUID, content string, kind memory.Kind, importance int, metadata map[string]any) bool
}

// Service is the workflow orchestrator.
type Service struct {
	repo     store.Repository
	agents   AgentDirectory
	runner   TaskRunner
	gen      PlanGenerator
	memory   MemoryWriter
	eventBus bus.EventBus
	cache    *cache.Cache
	logger   *logger.Logger

	mu         sync.Mutex
	cancels    map[uuid.UUID]context.CancelFunc
	agentLocks map[uuid.UUID]*sync.Mutex
	wg         sync.WaitGroup
}

// StatusReport is a point-in-time workflow snapshot.
type StatusReport struct {
	Workflow *models.Workflow `json:"workflow"`
	Tasks    []*models.Task   `json:"tasks"`
	Progress models.Progress  `json:"progress"`
}

// NewService creates an orchestrator. Memory may be nil.
func NewService(repo store.Repository, agents AgentDirectory, runner TaskRunner, gen PlanGenerator, mem MemoryWriter, eventBus bus.EventBus, c *cache.Cache, log *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		agents:     agents,
		runner:     runner,
		gen:        gen,
		memory:     mem,
		eventBus:   eventBus,
		cache:      c,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		cancels:    make(map[uuid.UUID]context.CancelFunc),
		agentLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// planSystemPrompt frames the decomposition request. The runtime-visible
// grammar must stay in sync with the planner package.
const planSystemPrompt = `You are the orchestrator of a team of agents. Break the user's request
into numbered tasks, one per line, in this exact format:

Task N: @handle - Description (depends on Task M, Task K)

Omit the parenthetical when a task has no dependencies. Assign every task to
one of the listed agents and reference only tasks you define. Output task
lines only, no other commentary.`

// Plan creates a workflow, asks the orchestrator agent's model for a
// decomposition, and persists the validated task DAG. The workflow stays in
// planning until Start.
func (s *Service) Plan(ctx context.Context, orch *agentmodels.Agent, channelID uuid.UUID, description string) (*models.Workflow, []*models.Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, nil, errors.New("workflow description is required")
	}

	wf := &models.Workflow{
		ID:             uuid.New(),
		Description:    description,
		OrchestratorID: orch.ID,
		ChannelID:      channelID,
		Status:         models.StatusPlanning,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateWorkflow(ctx, wf); err != nil {
		return nil, nil, err
	}
	s.publishWorkflow(ctx, events.WorkflowCreated, wf, map[string]any{
		"description": description,
	})
	s.publishWorkflow(ctx, events.WorkflowPlanning, wf, nil)

	roster, handles, err := s.workerRoster(ctx)
	if err != nil {
		return nil, nil, s.failPlanning(ctx, wf, err)
	}

	planText, _, err := s.gen.Generate(ctx, llm.Request{
		Provider:    orch.Config.Provider,
		Model:       orch.Config.Model,
		System:      planSystemPrompt + "\n\nAvailable agents:\n" + roster,
		Prompt:      description,
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, nil, s.failPlanning(ctx, wf, fmt.Errorf("plan generation: %w", err))
	}

	parsed, err := planner.Parse(planText, handles)
	if err != nil {
		return nil, nil, s.failPlanning(ctx, wf, err)
	}

	tasks, err := s.materializeTasks(ctx, wf, parsed)
	if err != nil {
		return nil, nil, s.failPlanning(ctx, wf, err)
	}
	if err := s.repo.CreateTasks(ctx, tasks); err != nil {
		return nil, nil, s.failPlanning(ctx, wf, err)
	}

	planPayload := map[string]any{"text": planText, "tasks": planTaskList(parsed)}
	if err := s.repo.SetPlan(ctx, wf.ID, planPayload); err != nil {
		return nil, nil, s.failPlanning(ctx, wf, err)
	}
	wf.Plan = planPayload

	s.publishWorkflow(ctx, events.WorkflowPlanReady, wf, map[string]any{
		"tasks": planTaskList(parsed),
	})
	s.logger.Info("Workflow planned",
		zap.String("workflow_id", wf.ID.String()),
		zap.Int("tasks", len(tasks)))
	return wf, tasks, nil
}

// Start transitions a planned workflow to executing and launches the
// scheduler. Only legal from the planning state.
func (s *Service) Start(ctx context.Context, workflowID uuid.UUID) error {
	wf, err := s.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != models.StatusPlanning {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, wf.Status)
	}
	if len(wf.Plan) == 0 {
		return fmt.Errorf("%w: no plan", ErrInvalidState)
	}

	if err := s.repo.UpdateWorkflowStatus(ctx, wf.ID, models.StatusExecuting, ""); err != nil {
		return err
	}
	wf.Status = models.StatusExecuting
	s.invalidateStatus(ctx, wf.ID)
	s.publishWorkflow(ctx, events.WorkflowStarted, wf, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[wf.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, wf.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.execute(runCtx, wf)
	}()
	return nil
}

// Cancel requests cooperative cancellation. Running tasks finish their
// current chunk and stop; a workflow still in planning is cancelled directly.
// Cancelling a terminal or unknown-state workflow is a no-op.
func (s *Service) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	s.mu.Lock()
	cancel, running := s.cancels[workflowID]
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	wf, err := s.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == models.StatusPlanning {
		if err := s.repo.UpdateWorkflowStatus(ctx, wf.ID, models.StatusCancelled, ""); err != nil {
			return err
		}
		wf.Status = models.StatusCancelled
		s.invalidateStatus(ctx, wf.ID)
		s.publishWorkflow(ctx, events.WorkflowCancelled, wf, nil)
	}
	return nil
}

// Status returns the workflow, its tasks, and computed progress, served from
// cache when warm. Every transition invalidates the entry, so a cached report
// is never behind the store.
func (s *Service) Status(ctx context.Context, workflowID uuid.UUID) (*StatusReport, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.NamespaceWorkflowStatus, workflowID.String(),
		func(ctx context.Context) (*StatusReport, error) {
			wf, err := s.repo.GetWorkflow(ctx, workflowID)
			if err != nil {
				return nil, err
			}
			tasks, err := s.repo.ListTasks(ctx, workflowID)
			if err != nil {
				return nil, err
			}
			return &StatusReport{
				Workflow: wf,
				Tasks:    tasks,
				Progress: models.ComputeProgress(tasks),
			}, nil
		})
}

func (s *Service) invalidateStatus(ctx context.Context, workflowID uuid.UUID) {
	s.cache.Delete(ctx, cache.NamespaceWorkflowStatus, workflowID.String())
}

// ListWorkflows returns recent workflows for a channel.
func (s *Service) ListWorkflows(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Workflow, error) {
	return s.repo.ListWorkflows(ctx, channelID, limit)
}

// Close cancels all running workflows and waits for their schedulers.
func (s *Service) Close() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// outcome is one finished task delivered to the scheduler.
type outcome struct {
	task *models.Task
	res  *runtime.Result
	err  error
}

// execute drives the DAG. Scheduling is edge-triggered: readiness is
// recomputed only when a task finishes. Bookkeeping uses a background
// context so terminal states persist even after cancellation.
func (s *Service) execute(ctx context.Context, wf *models.Workflow) {
	bg := context.Background()
	log := s.logger.WithFields(zap.String("workflow_id", wf.ID.String()))

	tasks, err := s.repo.ListTasks(bg, wf.ID)
	if err != nil {
		log.Error("Failed to load tasks", zap.Error(err))
		s.finish(bg, wf, models.StatusFailed, err.Error())
		return
	}

	byID := make(map[uuid.UUID]*models.Task, len(tasks))
	children := make(map[uuid.UUID][]*models.Task)
	state := make(map[uuid.UUID]models.TaskStatus, len(tasks))
	outputs := make(map[int]string)
	for _, t := range tasks {
		byID[t.ID] = t
		state[t.ID] = models.TaskPending
		for _, pid := range t.ParentIDs {
			children[pid] = append(children[pid], t)
		}
	}

	completions := make(chan outcome)
	running := 0
	var firstFailure string

	ready := func(t *models.Task) bool {
		if state[t.ID] != models.TaskPending {
			return false
		}
		for _, pid := range t.ParentIDs {
			if state[pid] != models.TaskCompleted {
				return false
			}
		}
		return true
	}

	dispatch := func() {
		if ctx.Err() != nil {
			return
		}
		for _, t := range tasks {
			if !ready(t) {
				continue
			}
			state[t.ID] = models.TaskReady
			if err := s.repo.UpdateTask(bg, t.ID, models.TaskReady, "", ""); err != nil {
				log.Error("Failed to mark task ready", zap.Error(err))
			}
			s.publishTask(bg, events.TaskReady, wf, t, nil)
		}
		for _, t := range tasks {
			if state[t.ID] != models.TaskReady {
				continue
			}
			state[t.ID] = models.TaskInProgress
			running++
			if err := s.repo.UpdateTask(bg, t.ID, models.TaskInProgress, "", ""); err != nil {
				log.Error("Failed to mark task in progress", zap.Error(err))
			}
			s.publishTask(bg, events.TaskStarted, wf, t, nil)

			prereqs := s.parentOutputs(t, byID, outputs)
			go s.runTask(ctx, wf, t, prereqs, completions)
		}
	}

	dispatch()
	for running > 0 {
		out := <-completions
		running--
		t := out.task

		switch {
		// Cancelled mid-run: the task was in progress, so it ends failed.
		// Skipped stays reserved for tasks that never started.
		case out.err != nil && errors.Is(out.err, context.Canceled):
			state[t.ID] = models.TaskFailed
			s.recordTask(bg, wf, t, models.TaskFailed, "", "Cancelled", log)
		case out.res != nil && out.res.Cancelled:
			state[t.ID] = models.TaskFailed
			s.recordTask(bg, wf, t, models.TaskFailed, out.res.Content, "Cancelled", log)
		case out.err != nil:
			state[t.ID] = models.TaskFailed
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("task %d: %v", t.OrderIndex, out.err)
			}
			s.recordTask(bg, wf, t, models.TaskFailed, "", out.err.Error(), log)
			s.skipDescendants(bg, wf, t, children, state, log)
		default:
			state[t.ID] = models.TaskCompleted
			outputs[t.OrderIndex] = out.res.Content
			s.recordTask(bg, wf, t, models.TaskCompleted, out.res.Content, "", log)
			s.publishProgress(bg, wf, tasks, state)
		}

		dispatch()
	}

	if ctx.Err() != nil {
		// Whatever never started is skipped so the record is unambiguous.
		for _, t := range tasks {
			if state[t.ID] == models.TaskPending || state[t.ID] == models.TaskReady {
				state[t.ID] = models.TaskSkipped
				s.recordTask(bg, wf, t, models.TaskSkipped, "", "cancelled", log)
			}
		}
		s.finish(bg, wf, models.StatusCancelled, "")
		return
	}
	if firstFailure != "" {
		s.finish(bg, wf, models.StatusFailed, firstFailure)
		return
	}
	s.finishCompleted(bg, wf, tasks, outputs)
}

// runTask executes one task under the agent's serialization lock, so two
// tasks assigned to the same agent never run concurrently.
func (s *Service) runTask(ctx context.Context, wf *models.Workflow, t *models.Task, prereqs string, completions chan<- outcome) {
	lock := s.agentLock(t.AgentID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		completions <- outcome{task: t, err: err}
		return
	}

	agent, err := s.agents.GetAgent(ctx, t.AgentID)
	if err != nil {
		completions <- outcome{task: t, err: err}
		return
	}

	prompt := t.Description
	if prereqs != "" {
		prompt += "\n\nOutputs from prerequisite tasks:\n" + prereqs
	}
	res, err := s.runner.Process(ctx, runtime.Request{
		Agent:     agent,
		ChannelID: wf.ChannelID,
		Prompt:    prompt,
	})
	completions <- outcome{task: t, res: res, err: err}
}

// skipDescendants transitively skips every pending task downstream of a
// failed one.
func (s *Service) skipDescendants(ctx context.Context, wf *models.Workflow, failed *models.Task, children map[uuid.UUID][]*models.Task, state map[uuid.UUID]models.TaskStatus, log *logger.Logger) {
	queue := []*models.Task{failed}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current.ID] {
			if state[child.ID] != models.TaskPending {
				continue
			}
			state[child.ID] = models.TaskSkipped
			reason := fmt.Sprintf("dependency task %d failed", failed.OrderIndex)
			s.recordTask(ctx, wf, child, models.TaskSkipped, "", reason, log)
			queue = append(queue, child)
		}
	}
}

// recordTask persists and broadcasts one task transition.
func (s *Service) recordTask(ctx context.Context, wf *models.Workflow, t *models.Task, status models.TaskStatus, output, errMsg string, log *logger.Logger) {
	if err := s.repo.UpdateTask(ctx, t.ID, status, output, errMsg); err != nil {
		log.Error("Failed to update task",
			zap.Int("task", t.OrderIndex),
			zap.Error(err))
	}
	s.invalidateStatus(ctx, wf.ID)
	var subject string
	switch status {
	case models.TaskCompleted:
		subject = events.TaskCompleted
	case models.TaskFailed:
		subject = events.TaskFailed
	case models.TaskSkipped:
		subject = events.TaskSkipped
	default:
		subject = events.TaskStarted
	}
	extra := map[string]any{}
	if errMsg != "" {
		extra["error"] = errMsg
	}
	s.publishTask(ctx, subject, wf, t, extra)
}

// finish closes out a non-completed workflow.
func (s *Service) finish(ctx context.Context, wf *models.Workflow, status models.Status, errMsg string) {
	if err := s.repo.UpdateWorkflowStatus(ctx, wf.ID, status, errMsg); err != nil {
		s.logger.Error("Failed to finalize workflow", zap.Error(err))
	}
	wf.Status = status
	wf.Error = errMsg
	s.invalidateStatus(ctx, wf.ID)

	data := map[string]any{}
	if errMsg != "" {
		data["error"] = errMsg
	}
	switch status {
	case models.StatusCancelled:
		s.publishWorkflow(ctx, events.WorkflowCancelled, wf, data)
	default:
		s.publishWorkflow(ctx, events.WorkflowFailed, wf, data)
	}
}

// finishCompleted stores results and broadcasts completion with a summary.
func (s *Service) finishCompleted(ctx context.Context, wf *models.Workflow, tasks []*models.Task, outputs map[int]string) {
	results := make(map[string]any, len(outputs))
	for _, t := range tasks {
		if output, ok := outputs[t.OrderIndex]; ok {
			results[t.ID.String()] = output
		}
	}
	if err := s.repo.SetResults(ctx, wf.ID, results); err != nil {
		s.logger.Error("Failed to store results", zap.Error(err))
	}
	if err := s.repo.UpdateWorkflowStatus(ctx, wf.ID, models.StatusCompleted, ""); err != nil {
		s.logger.Error("Failed to finalize workflow", zap.Error(err))
	}
	wf.Status = models.StatusCompleted
	wf.Results = results
	s.invalidateStatus(ctx, wf.ID)

	summary := fmt.Sprintf("%d/%d tasks completed", len(outputs), len(tasks))
	s.publishWorkflow(ctx, events.WorkflowCompleted, wf, map[string]any{
		"results": results,
		"summary": summary,
	})

	if s.memory != nil {
		content := "Workflow completed: " + wf.Description + " (" + summary + ")"
		s.memory.Enqueue(wf.OrchestratorID, wf.ChannelID, content, memory.KindDecision, 8, nil)
	}
}

// workerRoster renders the active worker agents for the plan prompt and
// returns the set of valid handles.
func (s *Service) workerRoster(ctx context.Context) (string, map[string]bool, error) {
	agents, err := s.agents.ListAgents(ctx, false)
	if err != nil {
		return "", nil, err
	}
	handles := make(map[string]bool)
	var sb strings.Builder
	for _, a := range agents {
		if !a.Kind.Worker() {
			continue
		}
		handles[strings.ToLower(a.Handle)] = true
		sb.WriteString("- @" + a.Handle)
		if a.Persona.Role != "" {
			sb.WriteString(": " + a.Persona.Role)
		}
		sb.WriteString("\n")
	}
	if len(handles) == 0 {
		return "", nil, errors.New("no active worker agents available for planning")
	}
	return sb.String(), handles, nil
}

// materializeTasks converts parsed plan entries into stored tasks, resolving
// handles to agent ids and task numbers to parent ids.
func (s *Service) materializeTasks(ctx context.Context, wf *models.Workflow, parsed []*planner.Task) ([]*models.Task, error) {
	agents, err := s.agents.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	byHandle := make(map[string]*agentmodels.Agent, len(agents))
	for _, a := range agents {
		byHandle[strings.ToLower(a.Handle)] = a
	}

	now := time.Now().UTC()
	idByNumber := make(map[int]uuid.UUID, len(parsed))
	for _, p := range parsed {
		idByNumber[p.Number] = uuid.New()
	}

	tasks := make([]*models.Task, 0, len(parsed))
	for _, p := range parsed {
		agent, ok := byHandle[p.Handle]
		if !ok {
			return nil, &planner.UnknownAgentError{Task: p.Number, Handle: p.Handle}
		}
		parents := make([]uuid.UUID, 0, len(p.DependsOn))
		for _, dep := range p.DependsOn {
			parents = append(parents, idByNumber[dep])
		}
		tasks = append(tasks, &models.Task{
			ID:          idByNumber[p.Number],
			WorkflowID:  wf.ID,
			Description: p.Description,
			AgentID:     agent.ID,
			OrderIndex:  p.Number,
			ParentIDs:   parents,
			Status:      models.TaskPending,
			CreatedAt:   now,
		})
	}
	return tasks, nil
}

// failPlanning marks the workflow failed during planning and returns the
// cause.
func (s *Service) failPlanning(ctx context.Context, wf *models.Workflow, cause error) error {
	if err := s.repo.UpdateWorkflowStatus(ctx, wf.ID, models.StatusFailed, cause.Error()); err != nil {
		s.logger.Error("Failed to mark workflow failed", zap.Error(err))
	}
	wf.Status = models.StatusFailed
	wf.Error = cause.Error()
	s.invalidateStatus(ctx, wf.ID)
	s.publishWorkflow(ctx, events.WorkflowFailed, wf, map[string]any{
		"error": cause.Error(),
	})
	return cause
}

// parentOutputs renders completed prerequisite outputs for the task prompt.
func (s *Service) parentOutputs(t *models.Task, byID map[uuid.UUID]*models.Task, outputs map[int]string) string {
	var lines []string
	for _, pid := range t.ParentIDs {
		parent, ok := byID[pid]
		if !ok {
			continue
		}
		if output, ok := outputs[parent.OrderIndex]; ok && output != "" {
			lines = append(lines, fmt.Sprintf("- Task %d: %s", parent.OrderIndex, output))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (s *Service) agentLock(agentID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.agentLocks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		s.agentLocks[agentID] = lock
	}
	return lock
}

// publishProgress broadcasts a progress snapshot from the in-memory state.
func (s *Service) publishProgress(ctx context.Context, wf *models.Workflow, tasks []*models.Task, state map[uuid.UUID]models.TaskStatus) {
	completed := 0
	for _, t := range tasks {
		if state[t.ID] == models.TaskCompleted {
			completed++
		}
	}
	percentage := 0.0
	if len(tasks) > 0 {
		percentage = float64(completed) * 100 / float64(len(tasks))
	}
	s.publishWorkflow(ctx, events.WorkflowProgress, wf, map[string]any{
		"completed":  completed,
		"total":      len(tasks),
		"percentage": percentage,
	})
}

func (s *Service) publishWorkflow(ctx context.Context, base string, wf *models.Workflow, extra map[string]any) {
	if s.eventBus == nil {
		return
	}
	data := map[string]any{
		"workflow_id": wf.ID.String(),
		"channel_id":  wf.ChannelID.String(),
		"status":      string(wf.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	subject := events.BuildWorkflowSubject(base, wf.ID.String())
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(base, "orchestrator", data)); err != nil {
		s.logger.Error("Failed to publish workflow event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (s *Service) publishTask(ctx context.Context, base string, wf *models.Workflow, t *models.Task, extra map[string]any) {
	if s.eventBus == nil {
		return
	}
	data := map[string]any{
		"workflow_id": wf.ID.String(),
		"channel_id":  wf.ChannelID.String(),
		"task_id":     t.ID.String(),
		"agent_id":    t.AgentID.String(),
		"order_index": t.OrderIndex,
		"description": t.Description,
	}
	for k, v := range extra {
		data[k] = v
	}
	subject := events.BuildWorkflowSubject(base, wf.ID.String())
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(base, "orchestrator", data)); err != nil {
		s.logger.Error("Failed to publish task event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// planTaskList renders the parsed plan for the plan payload and plan_ready
// event.
func planTaskList(parsed []*planner.Task) []map[string]any {
	out := make([]map[string]any, 0, len(parsed))
	for _, p := range parsed {
		entry := map[string]any{
			"number":      p.Number,
			"handle":      p.Handle,
			"description": p.Description,
		}
		if len(p.DependsOn) > 0 {
			entry["depends_on"] = p.DependsOn
		}
		out = append(out, entry)
	}
	return out
}
