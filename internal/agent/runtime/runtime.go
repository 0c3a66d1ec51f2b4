// Package runtime executes one agent turn: prompt assembly from persona,
// memory, and the channel window; streaming model invocation; tool execution;
// and placeholder finalization.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/kandev/crewhub/internal/agent/models"
	chmodels "github.com/kandev/crewhub/internal/channel/models"
	chservice "github.com/kandev/crewhub/internal/channel/service"
	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
	"github.com/kandev/crewhub/internal/llm"
	"github.com/kandev/crewhub/internal/memory"
	"github.com/kandev/crewhub/internal/tools"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

// streamingPlaceholder is the content of the message created before any model
// output arrives.
const streamingPlaceholder = "…"

// Messenger is the channel surface the runtime needs.
type Messenger interface {
	PostMessage(ctx context.Context, req chservice.PostMessageRequest) (*chmodels.Message, error)
	UpdateMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (*chmodels.Message, error)
	RecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]*chmodels.Message, error)
}

// Streamer is the model surface the runtime needs. Satisfied by *llm.Gateway.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request, emit llm.EmitFunc) error
	SupportsNativeTools(provider string) bool
}

// Recall retrieves relevant memories for prompt assembly.
type Recall interface {
	RetrieveRelevant(ctx context.Context, agentID uuid.UUID, query string, opts memory.RetrieveOptions) ([]memory.Scored, error)
}

// MemoryWriter queues asynchronous memory writes.
type MemoryWriter interface {
	Enqueue(agentID, channelID uuid.UUID, content string, kind memory.Kind, importance int, metadata map[string]any) bool
}

// ToolRunner executes one tool call.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
}

// StatusSetter broadcasts agent status transitions.
type StatusSetter interface {
	SetStatus(ctx context.Context, agent *agentmodels.Agent, status string, channelID uuid.UUID)
}

// Deps wires the runtime's collaborators. Recall, Memory, Tools, and Status
// are optional; a nil value disables the corresponding step.
type Deps struct {
	LLM          Streamer
	Channels     Messenger
	Recall       Recall
	Memory       MemoryWriter
	Tools        ToolRunner
	Status       StatusSetter
	EventBus     bus.EventBus
	MemoryConfig config.MemoryConfig
	Logger       *logger.Logger
}

// Runtime runs agent turns.
type Runtime struct {
	llm      Streamer
	channels Messenger
	recall   Recall
	memory   MemoryWriter
	tools    ToolRunner
	status   StatusSetter
	eventBus bus.EventBus
	memCfg   config.MemoryConfig
	logger   *logger.Logger
}

// New creates a runtime.
func New(d Deps) *Runtime {
	return &Runtime{
		llm:      d.LLM,
		channels: d.Channels,
		recall:   d.Recall,
		memory:   d.Memory,
		tools:    d.Tools,
		status:   d.Status,
		eventBus: d.EventBus,
		memCfg:   d.MemoryConfig,
		logger:   d.Logger.WithFields(zap.String("component", "agent-runtime")),
	}
}

// Request is one agent turn: respond to Prompt in the given channel.
type Request struct {
	Agent     *agentmodels.Agent
	ChannelID uuid.UUID
	Prompt    string
	ReplyToID *uuid.UUID
}

// Result is the outcome of a turn. Content is the final persisted text,
// including tool notes. Cancelled marks a turn stopped cooperatively by
// context cancellation; partial output is persisted either way.
type Result struct {
	Message   *chmodels.Message
	Content   string
	ToolNotes []string
	Cancelled bool
}

// ProcessStreaming runs a turn, broadcasting message_stream chunks as model
// output arrives. The reply appears as a placeholder message immediately and
// is finalized in place when the stream ends.
func (r *Runtime) ProcessStreaming(ctx context.Context, req Request) (*Result, error) {
	return r.run(ctx, req, true)
}

// Process runs a turn without chunk broadcasts. The placeholder and final
// update still publish, so channel subscribers see the reply exactly once.
func (r *Runtime) Process(ctx context.Context, req Request) (*Result, error) {
	return r.run(ctx, req, false)
}

func (r *Runtime) run(ctx context.Context, req Request, streamEvents bool) (*Result, error) {
	agent := req.Agent
	log := r.logger.WithFields(
		zap.String("agent_handle", agent.Handle),
		zap.String("channel_id", req.ChannelID.String()))

	if r.status != nil {
		r.status.SetStatus(ctx, agent, ws.AgentStatusThinking, req.ChannelID)
		defer r.status.SetStatus(ctx, agent, ws.AgentStatusOnline, req.ChannelID)
	}

	llmReq, err := r.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	placeholder, err := r.channels.PostMessage(ctx, chservice.PostMessageRequest{
		ChannelID:  req.ChannelID,
		AuthorID:   &agent.ID,
		AuthorKind: chmodels.AuthorKindAgent,
		AuthorName: agent.Name(),
		Content:    streamingPlaceholder,
		ReplyToID:  req.ReplyToID,
		Metadata:   map[string]any{"streaming": true},
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: create placeholder: %w", err)
	}

	var sb strings.Builder
	var nativeCalls []llm.ToolCall
	streamErr := r.llm.Stream(ctx, llmReq, func(c llm.Chunk) error {
		// Cooperative cancellation between chunks.
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Text != "" {
			sb.WriteString(c.Text)
			if streamEvents {
				r.publishChunk(ctx, placeholder, c.Text, false)
			}
		}
		if c.Final {
			nativeCalls = c.ToolCalls
		}
		return nil
	})

	partial := sb.String()

	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			return r.finalizeCancelled(ctx, req, placeholder, partial, streamEvents, log)
		}
		return r.finalizeFailed(ctx, req, placeholder, partial, streamErr, streamEvents, log)
	}

	content := partial
	calls := nativeCalls
	// Text-convention parsing applies only to providers without native tool
	// support; a native provider's literal <tool_call> text is just text.
	if len(calls) == 0 && len(agent.Config.Tools) > 0 && !r.llm.SupportsNativeTools(llmReq.Provider) {
		calls, content = ParseToolCalls(partial)
	}

	notes := r.executeTools(ctx, req, placeholder, calls, streamEvents)
	if len(notes) > 0 {
		if content != "" {
			content += "\n\n"
		}
		content += strings.Join(notes, "\n")
	}

	if streamEvents {
		r.publishChunk(ctx, placeholder, "", true)
	}

	final, err := r.channels.UpdateMessage(ctx, placeholder.ID, content, map[string]any{
		"streaming": false,
		"provider":  llmReq.Provider,
		"model":     llmReq.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: finalize message: %w", err)
	}

	r.writeBack(req, content)
	log.Debug("Agent turn completed",
		zap.Int("content_len", len(content)),
		zap.Int("tool_calls", len(calls)))

	return &Result{Message: final, Content: content, ToolNotes: notes}, nil
}

// buildRequest assembles the model request: persona system prompt, a memory
// block of scored recalls, and the recent channel window ahead of the
// triggering prompt.
func (r *Runtime) buildRequest(ctx context.Context, req Request) (llm.Request, error) {
	agent := req.Agent

	var system strings.Builder
	if agent.Persona.SystemPrompt != "" {
		system.WriteString(agent.Persona.SystemPrompt)
	} else if agent.Kind != agentmodels.KindCustom {
		// Custom agents own their prompt entirely; an empty one stays empty.
		system.WriteString("You are " + agent.Name() + ", a helpful agent in a team chat.")
	}
	if agent.Persona.Role != "" {
		system.WriteString("\nRole: " + agent.Persona.Role)
	}
	if len(agent.Persona.Expertise) > 0 {
		system.WriteString("\nExpertise: " + strings.Join(agent.Persona.Expertise, ", "))
	}

	windowSize := r.memCfg.WindowSize
	if windowSize <= 0 {
		windowSize = 20
	}

	if r.recall != nil && r.memCfg.Enabled && agent.Config.MemoryEnabled {
		scored, err := r.recall.RetrieveRelevant(ctx, agent.ID, req.Prompt, memory.RetrieveOptions{
			Limit:          5,
			ChannelID:      req.ChannelID,
			ExcludeRecentN: windowSize,
		})
		if err != nil {
			// Recall is best-effort; a degraded prompt beats a failed turn.
			r.logger.Warn("Memory recall failed", zap.Error(err))
		} else if len(scored) > 0 {
			system.WriteString("\n\nRelevant memory:")
			for _, m := range scored {
				system.WriteString(fmt.Sprintf("\n- [relevance %.2f] %s", m.Score, m.Record.Content))
			}
		}
	}

	var prompt strings.Builder
	window, err := r.channels.RecentMessages(ctx, req.ChannelID, windowSize)
	if err != nil {
		return llm.Request{}, fmt.Errorf("runtime: load window: %w", err)
	}
	if len(window) > 0 {
		prompt.WriteString("Recent conversation:\n")
		for _, m := range window {
			prompt.WriteString(m.AuthorName + ": " + m.Content + "\n")
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString(req.Prompt)

	llmReq := llm.Request{
		Provider:    agent.Config.Provider,
		Model:       agent.Config.Model,
		System:      system.String(),
		Prompt:      prompt.String(),
		Temperature: agent.Config.Temperature,
		MaxTokens:   agent.Config.MaxTokens,
	}
	if r.tools != nil && len(agent.Config.Tools) > 0 {
		llmReq.Tools = tools.Schemas(agent.Config.Tools)
	}
	return llmReq, nil
}

// executeTools runs calls in declaration order and returns one note per call.
// Notes are broadcast as stream chunks so clients see tool activity live.
func (r *Runtime) executeTools(ctx context.Context, req Request, placeholder *chmodels.Message, calls []llm.ToolCall, streamEvents bool) []string {
	if r.tools == nil || len(calls) == 0 {
		return nil
	}
	if r.status != nil {
		r.status.SetStatus(ctx, req.Agent, ws.AgentStatusBusy, req.ChannelID)
	}

	notes := make([]string, 0, len(calls))
	for _, call := range calls {
		res, err := r.tools.Execute(ctx, call.Name, call.Args)
		note := formatToolNote(call, res, err)
		notes = append(notes, note)
		if streamEvents {
			r.publishChunk(ctx, placeholder, "\n"+note, false)
		}
	}
	return notes
}

// finalizeCancelled persists the partial text with a cancellation marker.
func (r *Runtime) finalizeCancelled(ctx context.Context, req Request, placeholder *chmodels.Message, partial string, streamEvents bool, log *logger.Logger) (*Result, error) {
	// The turn's context is done; finish bookkeeping on a fresh one.
	finCtx := context.WithoutCancel(ctx)
	if streamEvents {
		r.publishChunk(finCtx, placeholder, "", true)
	}
	final, err := r.channels.UpdateMessage(finCtx, placeholder.ID, partial, map[string]any{
		"streaming": false,
		"cancelled": true,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: finalize cancelled message: %w", err)
	}
	log.Info("Agent turn cancelled", zap.Int("partial_len", len(partial)))
	return &Result{Message: final, Content: partial, Cancelled: true}, nil
}

// finalizeFailed persists the partial text with a truncation marker and the
// failure class, then reports the stream error.
func (r *Runtime) finalizeFailed(ctx context.Context, req Request, placeholder *chmodels.Message, partial string, streamErr error, streamEvents bool, log *logger.Logger) (*Result, error) {
	class := classifyLLMError(streamErr)
	if streamEvents {
		r.publishChunk(ctx, placeholder, "", true)
	}
	if _, err := r.channels.UpdateMessage(ctx, placeholder.ID, partial, map[string]any{
		"streaming": false,
		"truncated": true,
		"error":     class,
	}); err != nil {
		log.Error("Failed to finalize after stream error", zap.Error(err))
	}
	log.Error("Agent turn failed",
		zap.String("error_class", class),
		zap.Error(streamErr))
	return nil, &llm.StreamError{Partial: partial, Err: streamErr}
}

// writeBack queues the exchange as a conversation memory.
func (r *Runtime) writeBack(req Request, content string) {
	if r.memory == nil || !r.memCfg.Enabled || !req.Agent.Config.MemoryEnabled {
		return
	}
	if content == "" {
		return
	}
	exchange := "User: " + req.Prompt + "\n" + req.Agent.Name() + ": " + content
	r.memory.Enqueue(req.Agent.ID, req.ChannelID, exchange, memory.KindConversation, 5, nil)
}

// publishChunk broadcasts one message_stream event on the channel-scoped
// subject.
func (r *Runtime) publishChunk(ctx context.Context, placeholder *chmodels.Message, chunk string, final bool) {
	if r.eventBus == nil {
		return
	}
	subject := events.BuildMessageStreamSubject(placeholder.ChannelID.String())
	data := map[string]any{
		"message_id": placeholder.ID.String(),
		"channel_id": placeholder.ChannelID.String(),
		"chunk":      chunk,
		"is_final":   final,
	}
	if err := r.eventBus.Publish(ctx, subject, bus.NewEvent(events.MessageStream, "agent-runtime", data)); err != nil {
		r.logger.Error("Failed to publish stream chunk", zap.Error(err))
	}
}

// classifyLLMError maps a stream failure to its wire error class.
func classifyLLMError(err error) string {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, llm.ErrTimeout):
		return "timeout"
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return "provider_error"
	}
	return "stream_error"
}

// formatToolNote renders the one-line summary appended to the reply for each
// tool call.
func formatToolNote(call llm.ToolCall, res *tools.Result, err error) string {
	path, _ := call.Args["path"].(string)
	if res != nil && res.Path != "" {
		path = res.Path
	}
	if err != nil {
		return fmt.Sprintf("✗ %s failed: %v", call.Name, err)
	}
	switch call.Name {
	case tools.ToolReadFile:
		return "✓ Read file: " + path
	case tools.ToolWriteFile:
		return "✓ Wrote file: " + path
	case tools.ToolListDirectory:
		return "✓ Listed directory: " + path
	case tools.ToolCreateDirectory:
		return "✓ Created directory: " + path
	case tools.ToolDeleteFile:
		return "✓ Deleted file: " + path
	case tools.ToolFileExists:
		if exists, _ := res.Data["exists"].(bool); exists {
			return "✓ Checked file: " + path + " (exists)"
		}
		return "✓ Checked file: " + path + " (missing)"
	default:
		return "✓ " + call.Name + ": " + path
	}
}
