// Package events provides event subjects and utilities for the CrewHub event system.
package events

// Event types for channels
const (
	ChannelCreated        = "channel.created"
	ChannelUpdated        = "channel.updated"
	ChannelArchived       = "channel.archived"
	ChannelContextCleared = "channel.context_cleared"
)

// Event types for messages
const (
	MessageCreated = "message.created" // New message persisted in a channel
	MessageStream  = "message.stream"  // Incremental content chunk for a streaming reply
	MessageUpdated = "message.updated" // Placeholder replaced with final content
)

// Event types for agents
const (
	AgentCreated       = "agent.created"
	AgentUpdated       = "agent.updated"
	AgentDeactivated   = "agent.deactivated"
	AgentStatusChanged = "agent.status_changed" // thinking/busy/online transitions
)

// Event types for typing indicators
const (
	UserTyping = "user.typing"
)

// Event types for workflows
const (
	WorkflowCreated   = "workflow.created"
	WorkflowPlanning  = "workflow.planning"
	WorkflowPlanReady = "workflow.plan_ready"
	WorkflowStarted   = "workflow.started"
	WorkflowProgress  = "workflow.progress"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"
)

// Event types for workflow tasks
const (
	TaskReady     = "workflow.task.ready"
	TaskStarted   = "workflow.task.started"
	TaskCompleted = "workflow.task.completed"
	TaskFailed    = "workflow.task.failed"
	TaskSkipped   = "workflow.task.skipped"
)

// Event types for agent memories
const (
	MemoryStored     = "memory.stored"
	MemorySummarized = "memory.summarized"
)

// BuildChannelSubject scopes a base subject to a specific channel
func BuildChannelSubject(base, channelID string) string {
	return base + "." + channelID
}

// BuildChannelWildcardSubject creates a wildcard subscription for all channels
func BuildChannelWildcardSubject(base string) string {
	return base + ".*"
}

// BuildMessageStreamSubject creates a stream subject for a specific channel
func BuildMessageStreamSubject(channelID string) string {
	return MessageStream + "." + channelID
}

// BuildMessageStreamWildcardSubject creates a wildcard subscription for all stream events
func BuildMessageStreamWildcardSubject() string {
	return MessageStream + ".*"
}

// BuildWorkflowSubject scopes a workflow lifecycle subject to a workflow
func BuildWorkflowSubject(base, workflowID string) string {
	return base + "." + workflowID
}

// BuildWorkflowWildcardSubject creates a wildcard subscription for a workflow lifecycle subject
func BuildWorkflowWildcardSubject(base string) string {
	return base + ".*"
}

// AllWorkflowSubjects lists every workflow lifecycle base subject. The gateway
// bridge subscribes to each with a channel wildcard.
func AllWorkflowSubjects() []string {
	return []string{
		WorkflowCreated,
		WorkflowPlanning,
		WorkflowPlanReady,
		WorkflowStarted,
		WorkflowProgress,
		WorkflowCompleted,
		WorkflowFailed,
		WorkflowCancelled,
		TaskReady,
		TaskStarted,
		TaskCompleted,
		TaskFailed,
		TaskSkipped,
	}
}
