package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/logger"
	"github.com/kandev/crewhub/internal/events"
	"github.com/kandev/crewhub/internal/events/bus"
	"github.com/kandev/crewhub/internal/hub"
	ws "github.com/kandev/crewhub/pkg/websocket"
)

// channelScopedSubjects are bus subjects published with a channel id suffix.
// The bridge subscribes to each with a single-token wildcard and rebroadcasts
// under the mapped client event name.
var channelScopedSubjects = map[string]string{
	events.MessageCreated:        ws.EventMessageNew,
	events.MessageUpdated:        ws.EventMessageUpdate,
	events.MessageStream:         ws.EventMessageStream,
	events.ChannelContextCleared: ws.EventContextCleared,
}

// workflowSubjects are published with a workflow id suffix.
var workflowSubjects = map[string]string{
	events.WorkflowCreated:   ws.EventWorkflowCreated,
	events.WorkflowPlanning:  ws.EventWorkflowPlanning,
	events.WorkflowPlanReady: ws.EventWorkflowPlanReady,
	events.WorkflowStarted:   ws.EventWorkflowStarted,
	events.WorkflowProgress:  ws.EventWorkflowProgress,
	events.WorkflowCompleted: ws.EventWorkflowCompleted,
	events.WorkflowFailed:    ws.EventWorkflowFailed,
	events.WorkflowCancelled: ws.EventWorkflowCancelled,
	events.TaskReady:         ws.EventWorkflowTaskReady,
	events.TaskStarted:       ws.EventWorkflowTaskStarted,
	events.TaskCompleted:     ws.EventWorkflowTaskCompleted,
	events.TaskFailed:        ws.EventWorkflowTaskFailed,
	events.TaskSkipped:       ws.EventWorkflowTaskSkipped,
}

// exactSubjects are published without a scoping suffix.
var exactSubjects = map[string]string{
	events.AgentStatusChanged: ws.EventAgentStatus,
	events.UserTyping:         ws.EventUserTyping,
}

// Bridge forwards server-side bus events into hub broadcasts. It is the only
// consumer-side link between the domain services and connected clients.
type Bridge struct {
	hub    *hub.Hub
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBridge creates an unstarted bridge.
func NewBridge(h *hub.Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    h,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to every bridged subject. Call Stop to unsubscribe.
func (b *Bridge) Start(eventBus bus.EventBus) error {
	subscribe := func(subject, wsEvent string) error {
		sub, err := eventBus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
			b.hub.Broadcast(wsEvent, e.Data)
			return nil
		})
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
		return nil
	}

	for base, wsEvent := range channelScopedSubjects {
		if err := subscribe(events.BuildChannelWildcardSubject(base), wsEvent); err != nil {
			return err
		}
	}
	for base, wsEvent := range workflowSubjects {
		if err := subscribe(events.BuildWorkflowWildcardSubject(base), wsEvent); err != nil {
			return err
		}
	}
	for subject, wsEvent := range exactSubjects {
		if err := subscribe(subject, wsEvent); err != nil {
			return err
		}
	}

	b.logger.Info("Event bridge started", zap.Int("subscriptions", len(b.subs)))
	return nil
}

// Stop drops every subscription.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	b.subs = nil
}
