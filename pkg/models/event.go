package models

import "time"

// EventType identifies the kind of executor event.
type EventType string

const (
	EventExecuting            EventType = "executing"
	EventPlanCreated          EventType = "plan_created"
	EventStepStarted          EventType = "step_started"
	EventStepCompleted        EventType = "step_completed"
	EventStepFailed           EventType = "step_failed"
	EventStepSkipped          EventType = "step_skipped"
	EventStepFeedback         EventType = "step_feedback"
	EventStepRecoveryPlanned  EventType = "step_recovery_planned"
	EventToolCall             EventType = "tool_call"
	EventToolResult           EventType = "tool_result"
	EventToolError            EventType = "tool_error"
	EventToolBlocked          EventType = "tool_blocked"
	EventToolWarning          EventType = "tool_warning"
	EventParameterInference   EventType = "parameter_inference"
	EventProgressUpdate       EventType = "progress_update"
	EventProgressJournal      EventType = "progress_journal"
	EventLLMRetry             EventType = "llm_retry"
	EventLLMStreaming         EventType = "llm_streaming"
	EventLLMUsage             EventType = "llm_usage"
	EventMaxTokensRecovery    EventType = "max_tokens_recovery"
	EventContextSummarized    EventType = "context_summarized"
	EventConversationSnapshot EventType = "conversation_snapshot"
	EventModeGateBlocked      EventType = "mode_gate_blocked"
	EventLowProgressLoop      EventType = "low_progress_loop_detected"
	EventVariedFailureLoop    EventType = "varied_failure_loop_detected"
	EventStopReasonNudge      EventType = "stop_reason_nudge"
	EventToolRecoveryPrompted EventType = "tool_recovery_prompted"
	EventBudgetSoftLanding    EventType = "budget_soft_landing"
	EventBudgetReset          EventType = "budget_reset_for_continuation"
	EventAwaitingUserInput    EventType = "awaiting_user_input"
	EventTaskPaused           EventType = "task_paused"
	EventTaskCompleted        EventType = "task_completed"
	EventAssistantMessage     EventType = "assistant_message"
	EventWorkspaceSwitched    EventType = "workspace_switched"
	EventWorkspacePermissions EventType = "workspace_permissions_updated"
	EventPlanRevised          EventType = "plan_revised"
	EventPlanRevisionBlocked  EventType = "plan_revision_blocked"
	EventCitationsCollected   EventType = "citations_collected"
	EventArtifactCreated      EventType = "artifact_created"
	EventError                EventType = "error"
)

// Event is the unified event model emitted by the executor. Delivery is
// never fatal; sinks must not block the loop.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Sequence uint64         `json:"seq"`
	TaskID   string         `json:"task_id,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}
