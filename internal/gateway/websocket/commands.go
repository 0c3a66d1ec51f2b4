package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/kandev/crewhub/internal/agent/models"
	"github.com/kandev/crewhub/internal/agent/runtime"
	agentservice "github.com/kandev/crewhub/internal/agent/service"
	agentstore "github.com/kandev/crewhub/internal/agent/store"
	chmodels "github.com/kandev/crewhub/internal/channel/models"
	chservice "github.com/kandev/crewhub/internal/channel/service"
	chstore "github.com/kandev/crewhub/internal/channel/store"
	"github.com/kandev/crewhub/internal/common/logger"
	wfmodels "github.com/kandev/crewhub/internal/workflow/models"
	"github.com/kandev/crewhub/internal/workflow/orchestrator"
	"github.com/kandev/crewhub/internal/workflow/planner"
	wfstore "github.com/kandev/crewhub/internal/workflow/store"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

// errBadPayload marks a frame whose payload failed to parse or validate.
var errBadPayload = errors.New("bad payload")

// ChannelService is the slice of the channel service the gateway commands
// use.
type ChannelService interface {
	PostMessage(ctx context.Context, req chservice.PostMessageRequest) (*chmodels.Message, error)
	ClearContext(ctx context.Context, channelID uuid.UUID) (time.Time, error)
}

// AgentService resolves mentions and rosters for inbound commands.
type AgentService interface {
	ResolveMentions(ctx context.Context, content string) ([]*agentmodels.Agent, error)
	GetAgentByHandle(ctx context.Context, handle string) (*agentmodels.Agent, error)
	ListAgents(ctx context.Context, includeInactive bool) ([]*agentmodels.Agent, error)
}

// AgentRunner drives one streamed agent turn.
type AgentRunner interface {
	ProcessStreaming(ctx context.Context, req runtime.Request) (*runtime.Result, error)
}

// OrchestratorService is the workflow surface exposed over the socket.
type OrchestratorService interface {
	Plan(ctx context.Context, orch *agentmodels.Agent, channelID uuid.UUID, description string) (*wfmodels.Workflow, []*wfmodels.Task, error)
	Start(ctx context.Context, workflowID uuid.UUID) error
	Cancel(ctx context.Context, workflowID uuid.UUID) error
	Status(ctx context.Context, workflowID uuid.UUID) (*orchestrator.StatusReport, error)
}

var (
	_ ChannelService      = (*chservice.Service)(nil)
	_ AgentService        = (*agentservice.Service)(nil)
	_ AgentRunner         = (*runtime.Runtime)(nil)
	_ OrchestratorService = (*orchestrator.Service)(nil)
)

// StatsSource reports one named section of the get_stats payload.
type StatsSource func() any

// Commands holds the inbound command handlers.
type Commands struct {
	channels ChannelService
	agents   AgentService
	runner   AgentRunner
	orch     OrchestratorService
	stats    map[string]StatsSource
	logger   *logger.Logger
}

// NewCommands creates the command set. Stats sources are optional sections
// of the get_stats response, keyed by section name.
func NewCommands(channels ChannelService, agents AgentService, runner AgentRunner, orch OrchestratorService, stats map[string]StatsSource, log *logger.Logger) *Commands {
	return &Commands{
		channels: channels,
		agents:   agents,
		runner:   runner,
		orch:     orch,
		stats:    stats,
		logger:   log.WithFields(zap.String("component", "ws_commands")),
	}
}

// Register wires every inbound event to its handler.
func (c *Commands) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.EventMessageSend, c.handleMessageSend)
	d.RegisterFunc(ws.EventClearContext, c.handleClearContext)
	d.RegisterFunc(ws.EventWorkflowPlan, c.handleWorkflowPlan)
	d.RegisterFunc(ws.EventWorkflowStart, c.handleWorkflowStart)
	d.RegisterFunc(ws.EventWorkflowCancel, c.handleWorkflowCancel)
	d.RegisterFunc(ws.EventGetStats, c.handleGetStats)
}

type messageSendPayload struct {
	ChannelID  string `json:"channel_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
}

// handleMessageSend persists the user message and fans an agent turn out for
// every resolved @mention. Unresolved mentions stay plain text. The turns
// run detached from the connection so a disconnect does not cut agents off
// mid-reply.
func (c *Commands) handleMessageSend(ctx context.Context, frame *ws.Frame) (*ws.Frame, error) {
	var p messageSendPayload
	if err := frame.ParseData(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid channel_id", errBadPayload)
	}
	if p.AuthorName == "" {
		p.AuthorName = "user"
	}
	var replyTo *uuid.UUID
	if p.ReplyToID != "" {
		id, err := uuid.Parse(p.ReplyToID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid reply_to_id", errBadPayload)
		}
		replyTo = &id
	}

	msg, err := c.channels.PostMessage(ctx, chservice.PostMessageRequest{
		ChannelID:  channelID,
		AuthorKind: chmodels.AuthorKindUser,
		AuthorName: p.AuthorName,
		Content:    p.Content,
		ReplyToID:  replyTo,
	})
	if err != nil {
		return nil, err
	}

	mentioned, err := c.agents.ResolveMentions(ctx, p.Content)
	if err != nil {
		c.logger.Error("Mention resolution failed", zap.Error(err))
		mentioned = nil
	}
	handles := make([]string, 0, len(mentioned))
	for _, agent := range mentioned {
		handles = append(handles, agent.Handle)
		go c.runTurn(agent, channelID, p.Content, msg.ID)
	}

	return ws.NewResponse(frame.ID, frame.Event, map[string]any{
		"message_id": msg.ID.String(),
		"channel_id": channelID.String(),
		"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
		"mentions":   handles,
	})
}

// runTurn executes one agent reply on a fresh context.
func (c *Commands) runTurn(agent *agentmodels.Agent, channelID uuid.UUID, prompt string, replyTo uuid.UUID) {
	rid := replyTo
	if _, err := c.runner.ProcessStreaming(context.Background(), runtime.Request{
		Agent:     agent,
		ChannelID: channelID,
		Prompt:    prompt,
		ReplyToID: &rid,
	}); err != nil {
		c.logger.Error("Agent turn failed",
			zap.String("agent_handle", agent.Handle),
			zap.String("channel_id", channelID.String()),
			zap.Error(err))
	}
}

type channelIDPayload struct {
	ChannelID string `json:"channel_id"`
}

func (c *Commands) handleClearContext(ctx context.Context, frame *ws.Frame) (*ws.Frame, error) {
	var p channelIDPayload
	if err := frame.ParseData(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid channel_id", errBadPayload)
	}

	clearedAt, err := c.channels.ClearContext(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return ws.NewResponse(frame.ID, frame.Event, map[string]any{
		"channel_id": channelID.String(),
		"cleared_at": clearedAt.Format(time.RFC3339Nano),
	})
}

type workflowPlanPayload struct {
	ChannelID          string `json:"channel_id"`
	Description        string `json:"description"`
	OrchestratorHandle string `json:"orchestrator_handle,omitempty"`
}

// handleWorkflowPlan runs planning synchronously: the response carries the
// workflow id and validated task list, and the workflow waits in planning
// until workflow_start.
func (c *Commands) handleWorkflowPlan(ctx context.Context, frame *ws.Frame) (*ws.Frame, error) {
	var p workflowPlanPayload
	if err := frame.ParseData(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid channel_id", errBadPayload)
	}
	if p.Description == "" {
		return nil, fmt.Errorf("%w: description is required", errBadPayload)
	}

	orch, err := c.resolveOrchestrator(ctx, p.OrchestratorHandle)
	if err != nil {
		return nil, err
	}

	wf, tasks, err := c.orch.Plan(ctx, orch, channelID, p.Description)
	if err != nil {
		return nil, err
	}

	taskList := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		entry := map[string]any{
			"task_id":     t.ID.String(),
			"order_index": t.OrderIndex,
			"agent_id":    t.AgentID.String(),
			"description": t.Description,
		}
		if len(t.ParentIDs) > 0 {
			parents := make([]string, len(t.ParentIDs))
			for i, pid := range t.ParentIDs {
				parents[i] = pid.String()
			}
			entry["parent_ids"] = parents
		}
		taskList = append(taskList, entry)
	}

	return ws.NewResponse(frame.ID, frame.Event, map[string]any{
		"workflow_id": wf.ID.String(),
		"status":      string(wf.Status),
		"tasks":       taskList,
	})
}

// resolveOrchestrator picks the planning agent: the requested handle when
// given, otherwise the first active orchestrator-kind agent.
func (c *Commands) resolveOrchestrator(ctx context.Context, handle string) (*agentmodels.Agent, error) {
	if handle != "" {
		agent, err := c.agents.GetAgentByHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
		if agent.Kind != agentmodels.KindOrchestrator {
			return nil, fmt.Errorf("%w: @%s is not an orchestrator", errBadPayload, agent.Handle)
		}
		return agent, nil
	}

	agents, err := c.agents.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Kind == agentmodels.KindOrchestrator {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no orchestrator agent available", errBadPayload)
}

type workflowIDPayload struct {
	WorkflowID string `json:"workflow_id"`
}

func (c *Commands) handleWorkflowStart(ctx context.Context, frame *ws.Frame) (*ws.Frame, error) {
	id, err := parseWorkflowID(frame)
	if err != nil {
		return nil, err
	}
	if err := c.orch.Start(ctx, id); err != nil {
		return nil, err
	}
	return ws.NewResponse(frame.ID, frame.Event, map[string]any{
		"workflow_id": id.String(),
		"status":      string(wfmodels.StatusExecuting),
	})
}

func (c *Commands) handleWorkflowCancel(ctx context.Context, frame *ws.Frame) (*ws.Frame, error) {
	id, err := parseWorkflowID(frame)
	if err != nil {
		return nil, err
	}
	if err := c.orch.Cancel(ctx, id); err != nil {
		return nil, err
	}
	report, err := c.orch.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return ws.NewResponse(frame.ID, frame.Event, map[string]any{
		"workflow_id": id.String(),
		"status":      string(report.Workflow.Status),
	})
}

func parseWorkflowID(frame *ws.Frame) (uuid.UUID, error) {
	var p workflowIDPayload
	if err := frame.ParseData(&p); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	id, err := uuid.Parse(p.WorkflowID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid workflow_id", errBadPayload)
	}
	return id, nil
}

func (c *Commands) handleGetStats(_ context.Context, frame *ws.Frame) (*ws.Frame, error) {
	sections := make(map[string]any, len(c.stats))
	for name, source := range c.stats {
		sections[name] = source()
	}
	return ws.NewResponse(frame.ID, frame.Event, sections)
}

// classifyCommandError maps handler failures to wire error codes. Unknown
// errors report a generic internal_error so internals do not leak to
// clients.
func classifyCommandError(err error) (string, string) {
	var unknownAgent *planner.UnknownAgentError
	var unknownDep *planner.UnknownDependencyError
	var duplicate *planner.DuplicateTaskError
	var cyclic *planner.CyclicPlanError

	switch {
	case errors.Is(err, errBadPayload):
		return ws.ErrorCodeBadRequest, err.Error()
	case errors.Is(err, chservice.ErrEmptyContent),
		errors.Is(err, chservice.ErrContentTooLong),
		errors.Is(err, chservice.ErrInvalidAuthor),
		errors.Is(err, chservice.ErrEmptyName):
		return ws.ErrorCodeValidation, err.Error()
	case errors.Is(err, planner.ErrEmptyPlan),
		errors.As(err, &unknownAgent),
		errors.As(err, &unknownDep),
		errors.As(err, &duplicate),
		errors.As(err, &cyclic):
		return ws.ErrorCodeValidation, err.Error()
	case errors.Is(err, chservice.ErrChannelArchived),
		errors.Is(err, orchestrator.ErrInvalidState):
		return ws.ErrorCodeInvalidState, err.Error()
	case errors.Is(err, chstore.ErrChannelNotFound),
		errors.Is(err, chstore.ErrMessageNotFound),
		errors.Is(err, agentstore.ErrAgentNotFound),
		errors.Is(err, wfstore.ErrWorkflowNotFound),
		errors.Is(err, wfstore.ErrTaskNotFound):
		return ws.ErrorCodeNotFound, err.Error()
	default:
		return ws.ErrorCodeInternalError, "Internal error"
	}
}
