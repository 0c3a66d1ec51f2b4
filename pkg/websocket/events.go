package websocket

// Inbound events (client -> server).
const (
	EventMessageSend    = "message_send"
	EventClearContext   = "clear_context"
	EventWorkflowPlan   = "workflow_plan"
	EventWorkflowStart  = "workflow_start"
	EventWorkflowCancel = "workflow_cancel"
	EventGetStats       = "get_stats"
)

// Outbound events (server -> client).
const (
	EventConnectionEstablished = "connection_established"
	EventMessageNew            = "message_new"
	EventMessageStream         = "message_stream"
	EventMessageUpdate         = "message_update"
	EventAgentStatus           = "agent_status"
	EventUserTyping            = "user_typing"
	EventContextCleared        = "context_cleared"
	EventError                 = "error"
	EventBatch                 = "batch"
)

// Workflow lifecycle events.
const (
	EventWorkflowCreated       = "workflow:created"
	EventWorkflowPlanning      = "workflow:planning"
	EventWorkflowPlanReady     = "workflow:plan_ready"
	EventWorkflowStarted       = "workflow:started"
	EventWorkflowProgress      = "workflow:progress"
	EventWorkflowTaskReady     = "workflow:task_ready"
	EventWorkflowTaskStarted   = "workflow:task_started"
	EventWorkflowTaskCompleted = "workflow:task_completed"
	EventWorkflowTaskFailed    = "workflow:task_failed"
	EventWorkflowTaskSkipped   = "workflow:task_skipped"
	EventWorkflowCompleted     = "workflow:completed"
	EventWorkflowFailed        = "workflow:failed"
	EventWorkflowCancelled     = "workflow:cancelled"
)

// Agent status values carried by agent_status events.
const (
	AgentStatusOnline   = "online"
	AgentStatusThinking = "thinking"
	AgentStatusBusy     = "busy"
	AgentStatusOffline  = "offline"
)
