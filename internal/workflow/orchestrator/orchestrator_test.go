package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/kandev/crewhub/internal/agent/models"
	"github.com/kandev/crewhub/internal/agent/runtime"
	"github.com/kandev/crewhub/internal/cache"
	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
	"github.com/kandev/crewhub/internal/llm"
	"github.com/kandev/crewhub/internal/workflow/models"
)

// fakeWorkflowRepo is an in-memory store.Repository.
type fakeWorkflowRepo struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*models.Workflow
	tasks     map[uuid.UUID]*models.Task
}

func newFakeWorkflowRepo() *fakeWorkflowRepo {
	return &fakeWorkflowRepo{
		workflows: make(map[uuid.UUID]*models.Workflow),
		tasks:     make(map[uuid.UUID]*models.Task),
	}
}

func (r *fakeWorkflowRepo) CreateWorkflow(_ context.Context, w *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.workflows[w.ID] = &cp
	return nil
}

func (r *fakeWorkflowRepo) GetWorkflow(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, errors.New("workflow not found")
	}
	cp := *w
	return &cp, nil
}

func (r *fakeWorkflowRepo) SetPlan(_ context.Context, id uuid.UUID, plan map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[id].Plan = plan
	return nil
}

func (r *fakeWorkflowRepo) UpdateWorkflowStatus(_ context.Context, id uuid.UUID, status models.Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workflows[id]
	w.Status = status
	w.Error = errMsg
	return nil
}

func (r *fakeWorkflowRepo) SetResults(_ context.Context, id uuid.UUID, results map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[id].Results = results
	return nil
}

func (r *fakeWorkflowRepo) ListWorkflows(_ context.Context, channelID uuid.UUID, _ int) ([]*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Workflow
	for _, w := range r.workflows {
		if w.ChannelID == channelID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeWorkflowRepo) CreateTasks(_ context.Context, tasks []*models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		cp := *t
		r.tasks[t.ID] = &cp
	}
	return nil
}

func (r *fakeWorkflowRepo) ListTasks(_ context.Context, workflowID uuid.UUID) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Task
	for _, t := range r.tasks {
		if t.WorkflowID == workflowID {
			cp := *t
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].OrderIndex < out[i].OrderIndex {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (r *fakeWorkflowRepo) UpdateTask(_ context.Context, id uuid.UUID, status models.TaskStatus, output, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return errors.New("task not found")
	}
	t.Status = status
	t.Output = output
	t.Error = errMsg
	return nil
}

func (r *fakeWorkflowRepo) taskByOrder(workflowID uuid.UUID, order int) *models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.WorkflowID == workflowID && t.OrderIndex == order {
			cp := *t
			return &cp
		}
	}
	return nil
}

// fakeDirectory serves a fixed roster.
type fakeDirectory struct {
	agents []*agentmodels.Agent
}

func (d *fakeDirectory) ListAgents(context.Context, bool) ([]*agentmodels.Agent, error) {
	return d.agents, nil
}

func (d *fakeDirectory) GetAgent(_ context.Context, id uuid.UUID) (*agentmodels.Agent, error) {
	for _, a := range d.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, errors.New("agent not found")
}

// fakeRunner runs tasks through a per-call hook and tracks per-agent
// concurrency.
type fakeRunner struct {
	mu         sync.Mutex
	run        func(ctx context.Context, req runtime.Request) (*runtime.Result, error)
	inFlight   map[uuid.UUID]int
	maxByAgent map[uuid.UUID]int
	prompts    []string
}

func newFakeRunner(run func(ctx context.Context, req runtime.Request) (*runtime.Result, error)) *fakeRunner {
	return &fakeRunner{
		run:        run,
		inFlight:   make(map[uuid.UUID]int),
		maxByAgent: make(map[uuid.UUID]int),
	}
}

func (r *fakeRunner) Process(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
	r.mu.Lock()
	r.inFlight[req.Agent.ID]++
	if r.inFlight[req.Agent.ID] > r.maxByAgent[req.Agent.ID] {
		r.maxByAgent[req.Agent.ID] = r.inFlight[req.Agent.ID]
	}
	r.prompts = append(r.prompts, req.Prompt)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight[req.Agent.ID]--
		r.mu.Unlock()
	}()
	return r.run(ctx, req)
}

// fakeGen returns canned plan text.
type fakeGen struct {
	text string
	err  error
}

func (g *fakeGen) Generate(context.Context, llm.Request) (string, []llm.ToolCall, error) {
	return g.text, nil, g.err
}

type orchFixture struct {
	svc       *Service
	repo      *fakeWorkflowRepo
	runner    *fakeRunner
	gen       *fakeGen
	eventBus  *bus.MemoryEventBus
	orch      *agentmodels.Agent
	channelID uuid.UUID
	agents    map[string]*agentmodels.Agent
}

func newOrchFixture(t *testing.T, planText string, run func(ctx context.Context, req runtime.Request) (*runtime.Result, error)) *orchFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	orch := &agentmodels.Agent{
		ID:     uuid.New(),
		Handle: "coordinator",
		Kind:   agentmodels.KindOrchestrator,
		Config: agentmodels.Config{Provider: "anthropic", Model: "claude-sonnet-4-5"},
	}
	agents := map[string]*agentmodels.Agent{
		"researcher": {ID: uuid.New(), Handle: "researcher", Kind: agentmodels.KindBackend},
		"writer":     {ID: uuid.New(), Handle: "writer", Kind: agentmodels.KindFrontend},
		"reviewer":   {ID: uuid.New(), Handle: "reviewer", Kind: agentmodels.KindQA},
	}
	roster := []*agentmodels.Agent{orch}
	for _, a := range agents {
		roster = append(roster, a)
	}

	repo := newFakeWorkflowRepo()
	runner := newFakeRunner(run)
	gen := &fakeGen{text: planText}
	eventBus := bus.NewMemoryEventBus(log)

	svc := NewService(repo, &fakeDirectory{agents: roster}, runner, gen, nil, eventBus,
		cache.New(config.RedisConfig{}, config.CacheConfig{}, log), log)
	t.Cleanup(svc.Close)

	return &orchFixture{
		svc:       svc,
		repo:      repo,
		runner:    runner,
		gen:       gen,
		eventBus:  eventBus,
		orch:      orch,
		channelID: uuid.New(),
		agents:    agents,
	}
}

func (f *orchFixture) collect(t *testing.T, base string) func() []*bus.Event {
	t.Helper()
	var mu sync.Mutex
	var collected []*bus.Event
	_, err := f.eventBus.Subscribe(base+".*", func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		collected = append(collected, e)
		return nil
	})
	require.NoError(t, err)
	return func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*bus.Event(nil), collected...)
	}
}

func waitTerminal(t *testing.T, f *orchFixture, id uuid.UUID) *models.Workflow {
	t.Helper()
	var wf *models.Workflow
	require.Eventually(t, func() bool {
		var err error
		wf, err = f.repo.GetWorkflow(context.Background(), id)
		return err == nil && wf.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return wf
}

func echoRunner(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
	return &runtime.Result{Content: "done: " + req.Agent.Handle}, nil
}

func TestPlanCreatesTaskDAG(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources
Task 2: @writer - Draft the report (depends on Task 1)
Task 3: @reviewer - Review the draft (depends on Task 2)`
	f := newOrchFixture(t, plan, echoRunner)

	wf, tasks, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write a report")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, models.StatusPlanning, wf.Status)

	assert.Equal(t, f.agents["researcher"].ID, tasks[0].AgentID)
	assert.Equal(t, f.agents["writer"].ID, tasks[1].AgentID)
	assert.Empty(t, tasks[0].ParentIDs)
	require.Len(t, tasks[1].ParentIDs, 1)
	assert.Equal(t, tasks[0].ID, tasks[1].ParentIDs[0])

	stored, err := f.repo.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Plan["text"])
}

func TestPlanRejectsInvalidPlanText(t *testing.T) {
	f := newOrchFixture(t, "Task 1: @nobody - Do something", echoRunner)

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Do the thing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
	assert.Equal(t, models.StatusFailed, wf.Status)
}

func TestStartRequiresPlanningState(t *testing.T) {
	f := newOrchFixture(t, "Task 1: @writer - Write", echoRunner)
	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write")
	require.NoError(t, err)

	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	waitTerminal(t, f, wf.ID)

	err = f.svc.Start(context.Background(), wf.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecuteCompletesLinearPlanWithResults(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources
Task 2: @writer - Draft the report (depends on Task 1)`
	f := newOrchFixture(t, plan, echoRunner)
	wfEvents := f.collect(t, events.WorkflowCompleted)

	wf, tasks, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write a report")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))

	final := waitTerminal(t, f, wf.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	// Results are keyed by task id, not plan position.
	assert.Equal(t, "done: researcher", final.Results[tasks[0].ID.String()])
	assert.Equal(t, "done: writer", final.Results[tasks[1].ID.String()])

	require.Eventually(t, func() bool { return len(wfEvents()) == 1 }, time.Second, 10*time.Millisecond)
	data := wfEvents()[0].Data.(map[string]any)
	assert.Equal(t, "2/2 tasks completed", data["summary"])
}

func TestDependentTaskSeesPrerequisiteOutput(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources
Task 2: @writer - Draft the report (depends on Task 1)`
	f := newOrchFixture(t, plan, echoRunner)

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write a report")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	waitTerminal(t, f, wf.ID)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	require.Len(t, f.runner.prompts, 2)
	assert.Contains(t, f.runner.prompts[1], "Outputs from prerequisite tasks:")
	assert.Contains(t, f.runner.prompts[1], "Task 1: done: researcher")
}

func TestIndependentTasksRunButSameAgentSerializes(t *testing.T) {
	plan := `Task 1: @researcher - Part A
Task 2: @researcher - Part B
Task 3: @writer - Part C`
	f := newOrchFixture(t, plan, func(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
		time.Sleep(30 * time.Millisecond)
		return &runtime.Result{Content: "ok"}, nil
	})

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Parallel work")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	final := waitTerminal(t, f, wf.ID)

	assert.Equal(t, models.StatusCompleted, final.Status)
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	assert.Equal(t, 1, f.runner.maxByAgent[f.agents["researcher"].ID])
}

func TestFailureSkipsDescendantsButNotIndependentBranch(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources
Task 2: @writer - Draft the report (depends on Task 1)
Task 3: @reviewer - Review the draft (depends on Task 2)
Task 4: @reviewer - Independent audit`
	f := newOrchFixture(t, plan, func(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
		if req.Agent.Handle == "researcher" {
			return nil, fmt.Errorf("source archive unavailable")
		}
		return &runtime.Result{Content: "done: " + req.Agent.Handle}, nil
	})

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write a report")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	final := waitTerminal(t, f, wf.ID)

	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "task 1")
	assert.Contains(t, final.Error, "source archive unavailable")

	assert.Equal(t, models.TaskFailed, f.repo.taskByOrder(wf.ID, 1).Status)
	assert.Equal(t, models.TaskSkipped, f.repo.taskByOrder(wf.ID, 2).Status)
	assert.Equal(t, models.TaskSkipped, f.repo.taskByOrder(wf.ID, 3).Status)
	assert.Equal(t, models.TaskCompleted, f.repo.taskByOrder(wf.ID, 4).Status)
	assert.Contains(t, f.repo.taskByOrder(wf.ID, 2).Error, "dependency task 1 failed")
}

func TestCancelStopsRunningWorkflow(t *testing.T) {
	plan := `Task 1: @researcher - Long research
Task 2: @writer - Write it up (depends on Task 1)`
	started := make(chan struct{})
	f := newOrchFixture(t, plan, func(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return &runtime.Result{Content: "partial", Cancelled: true}, nil
		case <-time.After(5 * time.Second):
			return &runtime.Result{Content: "full"}, nil
		}
	})

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Research deeply")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))

	<-started
	require.NoError(t, f.svc.Cancel(context.Background(), wf.ID))

	final := waitTerminal(t, f, wf.ID)
	assert.Equal(t, models.StatusCancelled, final.Status)

	// The task caught mid-run fails with the cancellation marker; only the
	// task that never started is skipped.
	task1 := f.repo.taskByOrder(wf.ID, 1)
	assert.Equal(t, models.TaskFailed, task1.Status)
	assert.Equal(t, "Cancelled", task1.Error)
	assert.Equal(t, "partial", task1.Output)

	task2 := f.repo.taskByOrder(wf.ID, 2)
	assert.Equal(t, models.TaskSkipped, task2.Status)
	assert.Equal(t, "cancelled", task2.Error)
}

func TestTasksPassThroughReadyBeforeStarting(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources`
	f := newOrchFixture(t, plan, echoRunner)
	readyEvents := f.collect(t, events.TaskReady)
	startedEvents := f.collect(t, events.TaskStarted)

	wf, tasks, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Research")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	waitTerminal(t, f, wf.ID)

	require.Eventually(t, func() bool {
		return len(readyEvents()) == 1 && len(startedEvents()) == 1
	}, time.Second, 10*time.Millisecond)

	ready := readyEvents()[0]
	startedEv := startedEvents()[0]
	assert.Equal(t, tasks[0].ID.String(), ready.Data.(map[string]any)["task_id"])
	assert.Equal(t, tasks[0].ID.String(), startedEv.Data.(map[string]any)["task_id"])
	assert.False(t, startedEv.Timestamp.Before(ready.Timestamp))
}

func TestCancelDuringPlanningAndWhenTerminalIsIdempotent(t *testing.T) {
	f := newOrchFixture(t, "Task 1: @writer - Write", echoRunner)
	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write")
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(context.Background(), wf.ID))
	stored, err := f.repo.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	// Terminal workflow: cancel is a no-op, not an error.
	require.NoError(t, f.svc.Cancel(context.Background(), wf.ID))
}

func TestStatusReportsProgress(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources
Task 2: @writer - Draft the report (depends on Task 1)`
	f := newOrchFixture(t, plan, echoRunner)

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Write a report")
	require.NoError(t, err)

	report, err := f.svc.Status(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Progress.Total)
	assert.Equal(t, 0, report.Progress.Completed)

	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	waitTerminal(t, f, wf.ID)

	report, err = f.svc.Status(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Progress.Completed)
	assert.InDelta(t, 100.0, report.Progress.Percentage, 0.001)
}

func TestTaskLifecycleEventsPublished(t *testing.T) {
	plan := `Task 1: @researcher - Gather sources`
	f := newOrchFixture(t, plan, echoRunner)
	startedEvents := f.collect(t, events.TaskStarted)
	completedEvents := f.collect(t, events.TaskCompleted)

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Research")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	waitTerminal(t, f, wf.ID)

	require.Eventually(t, func() bool {
		return len(startedEvents()) == 1 && len(completedEvents()) == 1
	}, time.Second, 10*time.Millisecond)

	data := completedEvents()[0].Data.(map[string]any)
	assert.Equal(t, wf.ID.String(), data["workflow_id"])
	assert.Equal(t, 1, data["order_index"])
}

func TestPlanGenerationFailureMarksWorkflowFailed(t *testing.T) {
	f := newOrchFixture(t, "", echoRunner)
	f.gen.err = errors.New("provider unavailable")

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Do work")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "provider unavailable"))
	assert.Equal(t, models.StatusFailed, wf.Status)
}

func TestCloseCancelsRunningWorkflows(t *testing.T) {
	plan := `Task 1: @researcher - Long research`
	var sawCancel atomic.Bool
	started := make(chan struct{})
	f := newOrchFixture(t, plan, func(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return &runtime.Result{Cancelled: true}, nil
	})

	wf, _, err := f.svc.Plan(context.Background(), f.orch, f.channelID, "Research")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background(), wf.ID))
	<-started

	f.svc.Close()
	assert.True(t, sawCancel.Load())
	stored, err := f.repo.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}
