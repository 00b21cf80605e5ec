package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/praxisworks/praxis/pkg/models"
)

// LimitKind identifies which budget was exhausted.
type LimitKind string

const (
	LimitTurns     LimitKind = "turn_limit"
	LimitIteration LimitKind = "iteration_limit"
	LimitTokens    LimitKind = "token_limit"
	LimitCost      LimitKind = "cost_limit"
	LimitToolCalls LimitKind = "tool_limit"
	LimitSearch    LimitKind = "search_limit"
)

// Error codes surfaced to the host so it can offer a Continue action.
const (
	CodeTurnLimitExceeded = "TURN_LIMIT_EXCEEDED"
	ActionHintContinue    = "continue_task"
)

// ExhaustedError reports a crossed budget limit.
type ExhaustedError struct {
	Kind  LimitKind
	Limit int
	Used  int
	Code  string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted: %s (used %d of %d)", e.Kind, e.Used, e.Limit)
}

// IsExhausted reports whether err is a budget exhaustion error and
// returns it if so.
func IsExhausted(err error) (*ExhaustedError, bool) {
	var be *ExhaustedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// turnSoftLandingReserve is how many turns before the turn limit the
// one-shot finalize nudge is injected.
const turnSoftLandingReserve = 2

// Governor tracks usage against a contract. Totals survive a budget
// continuation through offsets: ResetForContinuation moves current usage
// into the cumulative offset so the run-local counters start fresh while
// reporting keeps the full picture.
type Governor struct {
	mu sync.Mutex

	contract  Contract
	maxTokens int
	maxCost   float64

	// Run-local counters (reset on continuation).
	turns       int
	iterations  int
	toolCalls   int
	webSearches int

	// Cumulative offsets preserved across continuations.
	offset models.UsageTotals

	inputTokens  int
	outputTokens int
	costUSD      float64

	duplicatesBlocked      int
	consecutiveSearchSteps int
	recoveryStepsPlanned   int

	softLanded bool

	// contractsEnabled=false bypasses profile caps but keeps token and
	// cost budgets active.
	contractsEnabled bool
}

// Options configures governor construction.
type Options struct {
	Contract         Contract
	MaxTokens        int     // 0 = unlimited
	MaxCostUSD       float64 // 0 = unlimited
	ContractsEnabled bool
}

// NewGovernor creates a governor for one task run.
func NewGovernor(opts Options) *Governor {
	return &Governor{
		contract:         opts.Contract,
		maxTokens:        opts.MaxTokens,
		maxCost:          opts.MaxCostUSD,
		contractsEnabled: opts.ContractsEnabled,
	}
}

// BeforeLLMCall returns an ExhaustedError if any global limit is crossed.
func (g *Governor) BeforeLLMCall() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.contractsEnabled && g.contract.MaxTurns > 0 && g.turns >= g.contract.MaxTurns {
		return &ExhaustedError{Kind: LimitTurns, Limit: g.contract.MaxTurns, Used: g.turns, Code: CodeTurnLimitExceeded}
	}
	if g.maxTokens > 0 && g.inputTokens+g.outputTokens >= g.maxTokens {
		return &ExhaustedError{Kind: LimitTokens, Limit: g.maxTokens, Used: g.inputTokens + g.outputTokens}
	}
	if g.maxCost > 0 && g.costUSD >= g.maxCost {
		return &ExhaustedError{Kind: LimitCost, Limit: int(g.maxCost * 100), Used: int(g.costUSD * 100)}
	}
	return nil
}

// BeforeToolCall returns an ExhaustedError if the tool-call budget (or
// web-search budget for web_search) is crossed.
func (g *Governor) BeforeToolCall(toolName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.contractsEnabled {
		return nil
	}
	if g.contract.MaxToolCalls > 0 && g.toolCalls >= g.contract.MaxToolCalls {
		return &ExhaustedError{Kind: LimitToolCalls, Limit: g.contract.MaxToolCalls, Used: g.toolCalls}
	}
	if toolName == "web_search" && g.contract.MaxWebSearchCalls > 0 && g.webSearches >= g.contract.MaxWebSearchCalls {
		return &ExhaustedError{Kind: LimitSearch, Limit: g.contract.MaxWebSearchCalls, Used: g.webSearches}
	}
	return nil
}

// RecordTurn counts one admitted LLM response and its usage.
func (g *Governor) RecordTurn(usage models.UsageTotals) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turns++
	g.inputTokens += usage.InputTokens
	g.outputTokens += usage.OutputTokens
	g.costUSD += usage.CostUSD
}

// RecordIteration counts one loop iteration.
func (g *Governor) RecordIteration() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.iterations++
}

// RecordToolCall counts one admitted tool execution.
func (g *Governor) RecordToolCall(toolName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toolCalls++
	if toolName == "web_search" {
		g.webSearches++
	}
}

// RecordDuplicateBlocked counts one rejected duplicate tool call.
func (g *Governor) RecordDuplicateBlocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.duplicatesBlocked++
}

// RecordSearchStep tracks consecutive search-dominated steps.
func (g *Governor) RecordSearchStep(isSearch bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if isSearch {
		g.consecutiveSearchSteps++
	} else {
		g.consecutiveSearchSteps = 0
	}
}

// SearchStepsExceeded reports whether consecutive search steps crossed the
// contract cap.
func (g *Governor) SearchStepsExceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.contractsEnabled && g.contract.MaxConsecutiveSearchSteps > 0 &&
		g.consecutiveSearchSteps > g.contract.MaxConsecutiveSearchSteps
}

// TryPlanRecoveryStep consumes one auto-recovery allowance. Returns false
// when the per-task recovery budget is spent.
func (g *Governor) TryPlanRecoveryStep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.contractsEnabled && g.contract.MaxAutoRecoverySteps > 0 &&
		g.recoveryStepsPlanned >= g.contract.MaxAutoRecoverySteps {
		return false
	}
	g.recoveryStepsPlanned++
	return true
}

// RemainingTurns returns the turns left under the contract, or -1 when
// unlimited.
func (g *Governor) RemainingTurns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.contractsEnabled || g.contract.MaxTurns <= 0 {
		return -1
	}
	rem := g.contract.MaxTurns - g.turns
	if rem < 0 {
		rem = 0
	}
	return rem
}

// ShouldSoftLand reports whether the one-shot soft-landing nudge is due
// and marks it consumed. Idempotent: only the first eligible call returns
// true.
func (g *Governor) ShouldSoftLand() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.softLanded || !g.contractsEnabled || g.contract.MaxTurns <= 0 {
		return false
	}
	if g.contract.MaxTurns-g.turns > turnSoftLandingReserve {
		return false
	}
	g.softLanded = true
	return true
}

// ResetForContinuation folds current usage into the cumulative offset and
// clears run-local counters so a Continue after budget exhaustion starts
// with fresh allowances.
func (g *Governor) ResetForContinuation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset.Add(models.UsageTotals{
		InputTokens:  g.inputTokens,
		OutputTokens: g.outputTokens,
		CostUSD:      g.costUSD,
		Turns:        g.turns,
		ToolCalls:    g.toolCalls,
		WebSearches:  g.webSearches,
	})
	g.turns = 0
	g.iterations = 0
	g.toolCalls = 0
	g.webSearches = 0
	g.inputTokens = 0
	g.outputTokens = 0
	g.costUSD = 0
	g.softLanded = false
}

// Usage returns cumulative usage including prior continuations.
func (g *Governor) Usage() models.UsageTotals {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.offset
	u.Add(models.UsageTotals{
		InputTokens:  g.inputTokens,
		OutputTokens: g.outputTokens,
		CostUSD:      g.costUSD,
		Turns:        g.turns,
		ToolCalls:    g.toolCalls,
		WebSearches:  g.webSearches,
	})
	return u
}

// RestoreUsage seeds the cumulative offset from a snapshot.
func (g *Governor) RestoreUsage(u models.UsageTotals) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset = u
}

// DuplicatesBlocked returns the count of rejected duplicate tool calls.
func (g *Governor) DuplicatesBlocked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duplicatesBlocked
}

// Turns returns the run-local admitted turn count.
func (g *Governor) Turns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turns
}
