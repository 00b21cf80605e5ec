package models

import "time"

// TaskStatus tracks the lifecycle of a task.
type TaskStatus string

const (
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TerminalStatus qualifies a completed task.
type TerminalStatus string

const (
	TerminalOK             TerminalStatus = "ok"
	TerminalPartialSuccess TerminalStatus = "partial_success"
)

// FailureClass qualifies a failed task.
type FailureClass string

const (
	FailureBudgetExhausted FailureClass = "budget_exhausted"
	FailureToolError       FailureClass = "tool_error"
	FailureContractError   FailureClass = "contract_error"
	FailureUnknown         FailureClass = "unknown"
)

// TaskSource records where a task originated.
type TaskSource string

const (
	SourceUser TaskSource = "user"
	SourceCron TaskSource = "cron"
	SourceSub  TaskSource = "subtask"
)

// ExecutionMode governs which tools the executor may run.
type ExecutionMode string

const (
	ModeExecute ExecutionMode = "execute"
	ModePropose ExecutionMode = "propose"
	ModeAnalyze ExecutionMode = "analyze"
)

// TaskDomain is a coarse classification used for tool policy and loop
// thresholds.
type TaskDomain string

const (
	DomainCode       TaskDomain = "code"
	DomainResearch   TaskDomain = "research"
	DomainGeneral    TaskDomain = "general"
	DomainOperations TaskDomain = "operations"
	DomainAuto       TaskDomain = "auto"
)

// BudgetProfileName selects a budget contract.
type BudgetProfileName string

const (
	ProfileStrict     BudgetProfileName = "strict"
	ProfileBalanced   BudgetProfileName = "balanced"
	ProfileAggressive BudgetProfileName = "aggressive"
	ProfileAuto       BudgetProfileName = "auto"
)

// ConversationMode selects the loop style.
type ConversationMode string

const (
	ConversationTask   ConversationMode = "task"
	ConversationChat   ConversationMode = "chat"
	ConversationThink  ConversationMode = "think"
	ConversationHybrid ConversationMode = "hybrid"
)

// AgentConfig carries the per-task knobs recognized by the executor.
// Zero values fall back to defaults at executor construction.
type AgentConfig struct {
	MaxTurns                int               `json:"max_turns,omitempty"`
	MaxTokens               int               `json:"max_tokens,omitempty"`
	BudgetProfile           BudgetProfileName `json:"budget_profile,omitempty"`
	ConversationMode        ConversationMode  `json:"conversation_mode,omitempty"`
	ExecutionMode           ExecutionMode     `json:"execution_mode,omitempty"`
	TaskDomain              TaskDomain        `json:"task_domain,omitempty"`
	TaskIntent              string            `json:"task_intent,omitempty"`
	DeepWorkMode            bool              `json:"deep_work_mode,omitempty"`
	ProgressJournalEnabled  bool              `json:"progress_journal_enabled,omitempty"`
	AutoReportEnabled       bool              `json:"auto_report_enabled,omitempty"`
	VerificationAgent       bool              `json:"verification_agent,omitempty"`
	AllowUserInput          bool              `json:"allow_user_input,omitempty"`
	PauseForRequiredDecision bool             `json:"pause_for_required_decision,omitempty"`
	AutonomousMode          bool              `json:"autonomous_mode,omitempty"`
	RetainMemory            bool              `json:"retain_memory,omitempty"`
	AllowSharedContextMemory bool             `json:"allow_shared_context_memory,omitempty"`
	ToolRestrictions        []string          `json:"tool_restrictions,omitempty"`
	AllowedTools            []string          `json:"allowed_tools,omitempty"`
	QualityPasses           int               `json:"quality_passes,omitempty"`
	LLMProfile              string            `json:"llm_profile,omitempty"`
	LLMProfileForced        bool              `json:"llm_profile_forced,omitempty"`
	PersonalityID           string            `json:"personality_id,omitempty"`
}

// UsageTotals accumulates token and cost usage for a task.
type UsageTotals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Turns        int     `json:"turns"`
	ToolCalls    int     `json:"tool_calls"`
	WebSearches  int     `json:"web_searches"`
}

// Add accumulates another usage total into this one.
func (u *UsageTotals) Add(other UsageTotals) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
	u.Turns += other.Turns
	u.ToolCalls += other.ToolCalls
	u.WebSearches += other.WebSearches
}

// Task is the unit of work the executor drives to completion. Identity
// fields are immutable; status fields are mutated only by the lifecycle
// supervisor.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Prompt    string     `json:"prompt"`
	Workspace string     `json:"workspace,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Depth     int        `json:"depth,omitempty"`
	Source    TaskSource `json:"source,omitempty"`

	Status          TaskStatus     `json:"status"`
	Attempts        int            `json:"attempts"`
	AgentConfig     AgentConfig    `json:"agent_config"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	TerminalStatus  TerminalStatus `json:"terminal_status,omitempty"`
	FailureClass    FailureClass   `json:"failure_class,omitempty"`
	ResultSummary   string         `json:"result_summary,omitempty"`
	Usage           UsageTotals    `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
