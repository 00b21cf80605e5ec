// Package recovery detects degenerate model behavior (tool loops, stalled
// progress, repeated failures, truncation streaks) and produces the
// corrective nudges and recovery plans that keep a task productive
// without user intervention.
package recovery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/praxisworks/praxis/pkg/models"
)

// Detection thresholds.
const (
	toolLoopConsecutive    = 3 // same category+signature calls in a row
	lowProgressHits        = 4 // calls on the same base target within the window
	lowProgressWindow      = 10
	variedFailureThreshold = 5 // per-tool failures, never reset by success
	toolUseStreakLimit     = 6 // consecutive tool_use stop reasons
	maxTokensStreakLimit   = 2 // consecutive max_tokens stop reasons
)

// NudgeKind identifies a one-shot corrective injection.
type NudgeKind string

const (
	NudgeLoopBreak     NudgeKind = "loop_break"
	NudgeLowProgress   NudgeKind = "low_progress"
	NudgeVariedFailure NudgeKind = "varied_failure"
	NudgeStopReason    NudgeKind = "stop_reason"
	NudgeToolRecovery  NudgeKind = "tool_recovery"
)

// Nudge is a user-text message the turn loop injects into the
// conversation.
type Nudge struct {
	Kind    NudgeKind
	Message string
}

// EmitFunc delivers an executor event. Delivery must never block.
type EmitFunc func(models.EventType, map[string]any)

// Controller holds the loop and failure detectors for one task run.
// Per-step state (windows, streaks, one-shot flags) is reset via
// ResetForStep; varied-failure counts persist for the whole run.
type Controller struct {
	mu   sync.Mutex
	emit EmitFunc

	// per-step state
	window     []observation
	targetHits []string
	streak     stopStreak
	nudged     map[NudgeKind]bool

	// run-scoped state
	failuresByTool map[string]int
}

type observation struct {
	category  string
	signature string
}

type stopStreak struct {
	reason models.StopReason
	count  int
}

// NewController creates a controller for one task run.
func NewController(emit EmitFunc) *Controller {
	if emit == nil {
		emit = func(models.EventType, map[string]any) {}
	}
	return &Controller{
		emit:           emit,
		nudged:         make(map[NudgeKind]bool),
		failuresByTool: make(map[string]int),
	}
}

// ResetForStep clears per-step detector state at a step or follow-up
// boundary. Varied-failure counts survive.
func (c *Controller) ResetForStep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = nil
	c.targetHits = nil
	c.streak = stopStreak{}
	c.nudged = make(map[NudgeKind]bool)
}

// ObserveToolCall feeds one gatekeeper outcome into the detectors.
func (c *Controller) ObserveToolCall(rec models.ToolCallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, observation{
		category:  ToolCategory(rec.Name, rec.Target),
		signature: rec.Target,
	})
	if len(c.window) > lowProgressWindow {
		c.window = c.window[1:]
	}

	if base := baseTarget(rec.Target); base != "" {
		c.targetHits = append(c.targetHits, base)
		if len(c.targetHits) > lowProgressWindow {
			c.targetHits = c.targetHits[1:]
		}
	}

	if rec.Outcome != models.OutcomeSuccess && rec.Outcome != models.OutcomeDuplicate {
		c.failuresByTool[rec.Name]++
	}
}

// ObserveStopReason tracks consecutive identical stop reasons.
func (c *Controller) ObserveStopReason(reason models.StopReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streak.reason == reason {
		c.streak.count++
	} else {
		c.streak = stopStreak{reason: reason, count: 1}
	}
}

// AfterTurn evaluates all detectors and returns the nudges due after this
// turn. Each nudge kind fires at most once per step.
func (c *Controller) AfterTurn(records []models.ToolCallRecord) []Nudge {
	c.mu.Lock()
	defer c.mu.Unlock()

	var nudges []Nudge
	add := func(kind NudgeKind, message string, event models.EventType, payload map[string]any) {
		if c.nudged[kind] {
			return
		}
		c.nudged[kind] = true
		nudges = append(nudges, Nudge{Kind: kind, Message: message})
		c.emit(event, payload)
	}

	if sig, looping := c.toolLoopLocked(); looping {
		add(NudgeLoopBreak, fmt.Sprintf(
			"You have repeated the same kind of tool call on %q several times in a row without progress. Stop repeating it. Change approach: use a different tool, a different target, or reason from the results you already have.", sig),
			models.EventLowProgressLoop, map[string]any{"kind": "tool_loop", "signature": sig})
	}

	if target, stuck := c.lowProgressLocked(); stuck {
		add(NudgeLowProgress, fmt.Sprintf(
			"Multiple recent tool calls targeted %q without measurable progress. Summarize what you learned from them and move to the next part of the task.", target),
			models.EventLowProgressLoop, map[string]any{"kind": "low_progress", "target": target})
	}

	if tool, failing := c.variedFailureLocked(); failing {
		add(NudgeVariedFailure, fmt.Sprintf(
			"The tool %q has now failed %d times this run. Stop calling it. Produce the deliverable directly as text using the information you already gathered.", tool, c.failuresByTool[tool]),
			models.EventVariedFailureLoop, map[string]any{"tool": tool, "failures": c.failuresByTool[tool]})
	}

	if reason, streaking := c.stopReasonStreakLocked(); streaking {
		add(NudgeStopReason,
			"You have spent several consecutive turns without giving a direct answer. In your next reply, answer the current step in plain text first; only call a tool if the answer genuinely requires it.",
			models.EventStopReasonNudge, map[string]any{"stop_reason": string(reason), "streak": c.streak.count})
	}

	if blockers := blockedReasons(records); len(records) > 0 && len(blockers) == len(records) {
		add(NudgeToolRecovery, toolRecoveryHint(blockers),
			models.EventToolRecoveryPrompted, map[string]any{"blockers": blockers})
	}

	return nudges
}

// toolLoopLocked reports three consecutive calls in the same category on
// the same signature.
func (c *Controller) toolLoopLocked() (string, bool) {
	n := len(c.window)
	if n < toolLoopConsecutive {
		return "", false
	}
	last := c.window[n-1]
	if last.signature == "" {
		return "", false
	}
	for i := n - toolLoopConsecutive; i < n; i++ {
		if c.window[i].category != last.category || c.window[i].signature != last.signature {
			return "", false
		}
	}
	return last.signature, true
}

func (c *Controller) lowProgressLocked() (string, bool) {
	counts := make(map[string]int)
	for _, t := range c.targetHits {
		counts[t]++
		if counts[t] >= lowProgressHits {
			return t, true
		}
	}
	return "", false
}

func (c *Controller) variedFailureLocked() (string, bool) {
	for tool, n := range c.failuresByTool {
		if n >= variedFailureThreshold {
			return tool, true
		}
	}
	return "", false
}

func (c *Controller) stopReasonStreakLocked() (models.StopReason, bool) {
	switch c.streak.reason {
	case models.StopToolUse:
		if c.streak.count >= toolUseStreakLimit {
			return c.streak.reason, true
		}
	case models.StopMaxTokens:
		if c.streak.count >= maxTokensStreakLimit {
			return c.streak.reason, true
		}
	}
	return "", false
}

// AllAttemptsBlocked reports whether every tool attempt in a turn was
// rejected or hard-failed, which is the trigger for the failure decision
// in the turn loop.
func AllAttemptsBlocked(records []models.ToolCallRecord) bool {
	if len(records) == 0 {
		return false
	}
	return len(blockedReasons(records)) == len(records)
}

func blockedReasons(records []models.ToolCallRecord) []string {
	var out []string
	for _, r := range records {
		switch r.Outcome {
		case models.OutcomeBlocked, models.OutcomeDuplicate, models.OutcomeUnavailable, models.OutcomeTimeout:
			out = append(out, fmt.Sprintf("%s: %s", r.Name, r.Outcome))
		default:
		}
	}
	return out
}

func toolRecoveryHint(blockers []string) string {
	var b strings.Builder
	b.WriteString("Every tool call in your last turn was rejected or failed:\n")
	for _, blocker := range blockers {
		b.WriteString("- ")
		b.WriteString(blocker)
		b.WriteString("\n")
	}
	b.WriteString("Switch strategy now. Do not retry the same calls. Either use a different tool that is still available, or complete the step with a text answer based on what you already know.")
	return b.String()
}

// ToolCategory folds tool names into coarse categories so loop detection
// survives the model alternating between equivalent tools. A run_command
// whose command line is a text search counts as search.
func ToolCategory(name, target string) string {
	switch {
	case name == "web_search" || strings.Contains(name, "search"):
		return "search"
	case name == "run_command" && looksLikeSearchCommand(target):
		return "search"
	case name == "read_file" || name == "list_directory":
		return "read"
	case name == "write_file" || name == "edit_file" || name == "delete_file" ||
		name == "move_file" || name == "create_directory":
		return "write"
	case name == "web_fetch" || strings.HasPrefix(name, "browser_"):
		return "browse"
	case name == "run_command" || name == "run_applescript":
		return "execute"
	default:
		return "other"
	}
}

func looksLikeSearchCommand(command string) bool {
	fields := strings.Fields(command)
	for _, f := range fields {
		switch f {
		case "grep", "rg", "ripgrep", "ag", "find":
			return true
		}
	}
	return false
}

// baseTarget strips line-range suffixes and query fragments so repeated
// hits on the same file or URL group together.
func baseTarget(target string) string {
	if target == "" {
		return ""
	}
	if i := strings.IndexByte(target, '#'); i > 0 {
		target = target[:i]
	}
	if i := strings.IndexByte(target, '?'); i > 0 {
		target = target[:i]
	}
	if i := strings.LastIndexByte(target, ':'); i > 0 {
		// trailing :12 or :12-40 line ranges
		suffix := target[i+1:]
		if suffix != "" && strings.Trim(suffix, "0123456789-") == "" {
			target = target[:i]
		}
	}
	return target
}
