package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/budget"
	"github.com/praxisworks/praxis/internal/conversation"
	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/pkg/models"
)

// heartbeatInterval paces progress_update events for long-running tools.
const heartbeatInterval = 12 * time.Second

// ToolOutput is the raw result of a registry execution.
type ToolOutput struct {
	Content string
	IsError bool
}

// Registry is the borrowed tool-registry capability. The gatekeeper never
// mutates registry state directly.
type Registry interface {
	ExecuteTool(ctx context.Context, name string, input json.RawMessage) (ToolOutput, error)
	Schemas() []llm.ToolSchema
	Has(name string) bool
}

// EmitFunc delivers an executor event. Delivery must never block.
type EmitFunc func(models.EventType, map[string]any)

// Policy carries the task-level tool policy the gatekeeper enforces.
type Policy struct {
	ExecutionMode models.ExecutionMode
	TaskDomain    models.TaskDomain
	AllowedTools  []string // empty = all; supports '*' suffix wildcards
	DeniedTools   []string
}

// Request is one assistant-issued tool call entering the pipeline.
type Request struct {
	StepID            string
	ToolUseID         string
	Name              string
	Input             json.RawMessage
	StepDeadline      time.Time
	LastAssistantText string
}

// Outcome is the pipeline verdict: a tool_result block to append and the
// normalized record for dedup, loop detection, and failure tracking.
type Outcome struct {
	Block    models.ContentBlock
	Record   models.ToolCallRecord
	Executed bool
}

// Gatekeeper mediates every tool call.
type Gatekeeper struct {
	registry Registry
	governor *budget.Governor

	policyMu sync.RWMutex
	policy   Policy

	dedup     *Deduplicator
	failures  *FailureTracker
	fileOps   *FileOpTracker
	validator *SchemaValidator
	emit      EmitFunc
	logger    *slog.Logger

	// canvas repair uses a short dedicated LLM call.
	provider llm.Provider
	model    string

	cancelled func() bool
}

// Options configures gatekeeper construction. Trackers may be shared with
// the recovery controller; nil trackers are created fresh.
type Options struct {
	Registry  Registry
	Governor  *budget.Governor
	Policy    Policy
	Emit      EmitFunc
	Logger    *slog.Logger
	Provider  llm.Provider
	Model     string
	Cancelled func() bool
	Failures  *FailureTracker
	FileOps   *FileOpTracker
	Dedup     *Deduplicator
}

// New creates a gatekeeper.
func New(opts Options) *Gatekeeper {
	g := &Gatekeeper{
		registry:  opts.Registry,
		governor:  opts.Governor,
		policy:    opts.Policy,
		dedup:     opts.Dedup,
		failures:  opts.Failures,
		fileOps:   opts.FileOps,
		validator: NewSchemaValidator(),
		emit:      opts.Emit,
		logger:    opts.Logger,
		provider:  opts.Provider,
		model:     opts.Model,
		cancelled: opts.Cancelled,
	}
	if g.dedup == nil {
		g.dedup = NewDeduplicator()
	}
	if g.failures == nil {
		g.failures = NewFailureTracker()
	}
	if g.fileOps == nil {
		g.fileOps = NewFileOpTracker()
	}
	if g.emit == nil {
		g.emit = func(models.EventType, map[string]any) {}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.cancelled == nil {
		g.cancelled = func() bool { return false }
	}
	return g
}

// Failures exposes the cross-step failure tracker.
func (g *Gatekeeper) Failures() *FailureTracker { return g.failures }

// FileOps exposes the file-operation tracker.
func (g *Gatekeeper) FileOps() *FileOpTracker { return g.fileOps }

// SetToolLists replaces the allow and deny lists mid-run. Execution mode
// and task domain are fixed for the task's lifetime.
func (g *Gatekeeper) SetToolLists(allowed, denied []string) {
	g.policyMu.Lock()
	defer g.policyMu.Unlock()
	g.policy.AllowedTools = allowed
	g.policy.DeniedTools = denied
}

// ResetForRetry clears dedup, failure, and file-op state for a full task
// retry.
func (g *Gatekeeper) ResetForRetry() {
	g.dedup.Reset()
	g.failures.Reset()
	g.fileOps.InvalidateAll()
}

// Process runs the full pipeline for one tool call and returns the
// outcome. Rejections synthesize an error tool_result; only admitted
// calls reach the registry.
func (g *Gatekeeper) Process(ctx context.Context, req Request) Outcome {
	// 1. Budget exhaustion.
	if err := g.governor.BeforeToolCall(normalizeToolName(req.Name)); err != nil {
		return g.reject(req, models.OutcomeBlocked,
			"turn budget soft-landing: "+err.Error()+" Finalize with the information you already have.")
	}
	if rem := g.governor.RemainingTurns(); rem == 0 {
		return g.reject(req, models.OutcomeBlocked,
			"turn budget soft-landing: no turns remain. Output your final answer as text.")
	}

	// 2. Tool-name normalization.
	name := normalizeToolName(req.Name)
	req.Name = name

	// 3. Execution-mode / domain policy.
	if reason, denied := g.modeGateDenies(name); denied {
		g.emit(models.EventModeGateBlocked, map[string]any{"tool": name, "reason": reason})
		return g.reject(req, models.OutcomeBlocked, conversation.BlockedMarker+" "+reason)
	}

	// 4. Cross-step failure threshold.
	if g.failures.Blocked(name) {
		return g.reject(req, models.OutcomeBlocked, fmt.Sprintf(
			"%s tool %q is blocked after repeated failures across steps. Do not call it again; produce the deliverable as text instead.",
			conversation.BlockedMarker, name))
	}

	// 5. Per-process circuit breaker.
	if lastErr, disabled := g.failures.Disabled(name); disabled {
		return g.reject(req, models.OutcomeUnavailable, fmt.Sprintf(
			"tool %q is disabled for this process. Last error: %s", name, lastErr))
	}

	// 6. Availability.
	if !g.registry.Has(name) || !g.toolAllowed(name) {
		return g.reject(req, models.OutcomeUnavailable,
			fmt.Sprintf("tool %q is not available. Choose another tool or answer in text.", name))
	}

	// 7. Parameter inference.
	if normalized, changed := InferParameters(name, req.Input); changed {
		g.emit(models.EventParameterInference, map[string]any{"tool": name})
		req.Input = normalized
	}

	// 8. Canvas-push fallback.
	if name == canvasTool {
		if repaired, changed := RepairCanvasInput(ctx, g.provider, g.model, req.Input, req.LastAssistantText); changed {
			g.emit(models.EventToolWarning, map[string]any{"tool": name, "warning": "canvas content synthesized"})
			req.Input = repaired
		}
	}

	// 9. Schema validation.
	if schema := g.schemaFor(name); schema != nil {
		if err := g.validator.Validate(name, schema, req.Input); err != nil {
			return g.reject(req, models.OutcomeFailure, "invalid input: "+err.Error())
		}
	}

	// 10. Deduplication.
	if !g.isIdempotent(name) && g.dedup.Check(name, req.Input) {
		g.governor.RecordDuplicateBlocked()
		return g.reject(req, models.OutcomeDuplicate, conversation.DuplicateMarker+
			" identical call rejected: this exact tool call already ran moments ago. Use the earlier result or change the input.")
	}

	// 11. Cancellation.
	if ctx.Err() != nil || g.cancelled() {
		return g.reject(req, models.OutcomeBlocked, "task cancelled before tool execution")
	}

	// 12. File-operation redundancy.
	if out, done := g.fileOpShortCircuit(req); done {
		return out
	}

	return g.execute(ctx, req)
}

func (g *Gatekeeper) execute(ctx context.Context, req Request) Outcome {
	target := TargetOf(req.Input)
	g.emit(models.EventToolCall, map[string]any{"tool": req.Name, "step_id": req.StepID, "target": target})
	g.governor.RecordToolCall(req.Name)

	var stepRemaining time.Duration
	if !req.StepDeadline.IsZero() {
		stepRemaining = time.Until(req.StepDeadline)
	}
	timeout := ToolTimeout(req.Name, req.Input, stepRemaining)

	stopHeartbeat := g.startHeartbeat(req)
	defer stopHeartbeat()

	output, timedOut := g.executeWithTimeout(ctx, req, timeout)

	outcome := models.OutcomeSuccess
	switch {
	case timedOut:
		outcome = models.OutcomeTimeout
	case output.IsError:
		outcome = models.OutcomeFailure
	}

	record := models.ToolCallRecord{
		Name:      req.Name,
		Signature: ExactSignature(req.Name, req.Input),
		Target:    target,
		Outcome:   outcome,
		At:        time.Now(),
	}

	if output.IsError || timedOut {
		hard := timedOut || isHardError(req.Name, output.Content)
		if hard && outcome == models.OutcomeFailure {
			record.Outcome = models.OutcomeBlocked
		}
		g.failures.RecordFailure(req.Name, hard, output.Content)
		if req.Name == "web_fetch" {
			g.fileOps.RecordWebFetchFailure()
		}
		g.emit(models.EventToolError, map[string]any{"tool": req.Name, "error": output.Content})
	} else {
		g.failures.RecordSuccess(req.Name)
		g.recordFileOp(req, output.Content)
		g.emit(models.EventToolResult, map[string]any{"tool": req.Name, "bytes": len(output.Content)})
	}

	content := sanitizeToolOutput(output.Content)
	return Outcome{
		Block:    models.ToolResultBlock(req.ToolUseID, content, output.IsError || timedOut),
		Record:   record,
		Executed: true,
	}
}

// executeWithTimeout runs the tool under its own deadline. If the timeout
// fires the underlying call receives the context abort; a result arriving
// afterwards is discarded.
func (g *Gatekeeper) executeWithTimeout(ctx context.Context, req Request, timeout time.Duration) (ToolOutput, bool) {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out ToolOutput
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := g.registry.ExecuteTool(toolCtx, req.Name, req.Input)
		select {
		case ch <- result{out, err}:
		default:
			g.logger.Warn("tool finished after timeout, result discarded",
				"tool", req.Name, "tool_use_id", req.ToolUseID)
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return ToolOutput{Content: fmt.Sprintf("tool execution timed out after %v", timeout), IsError: true}, true
		}
		return ToolOutput{Content: "tool execution cancelled", IsError: true}, false
	case r := <-ch:
		if r.err != nil {
			return ToolOutput{Content: r.err.Error(), IsError: true}, false
		}
		return r.out, false
	}
}

func (g *Gatekeeper) startHeartbeat(req Request) func() {
	if !NeedsHeartbeat(req.Name) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				g.emit(models.EventProgressUpdate, map[string]any{
					"tool":       req.Name,
					"step_id":    req.StepID,
					"elapsed_ms": time.Since(started).Milliseconds(),
				})
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func (g *Gatekeeper) fileOpShortCircuit(req Request) (Outcome, bool) {
	target := TargetOf(req.Input)
	switch req.Name {
	case "read_file":
		if content, ok := g.fileOps.CachedRead(target); ok {
			out := g.reject(req, models.OutcomeDuplicate,
				conversation.DuplicateMarker+" redundant read; cached content follows:\n"+clamp(content, 4000))
			out.Block.IsError = false
			return out, true
		}
	case "list_directory":
		if listing, ok := g.fileOps.CachedListing(target); ok {
			out := g.reject(req, models.OutcomeDuplicate,
				conversation.DuplicateMarker+" redundant listing; cached result follows:\n"+clamp(listing, 4000))
			out.Block.IsError = false
			return out, true
		}
	case "write_file":
		var fields struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(req.Input, &fields)
		if g.fileOps.RefusesTinyHTMLWrite(target, len(fields.Content)) {
			return g.reject(req, models.OutcomeBlocked, conversation.BlockedMarker+
				" refusing to write a placeholder HTML file right after a failed web fetch. Retry the fetch or report the failure."), true
		}
	}
	return Outcome{}, false
}

func (g *Gatekeeper) recordFileOp(req Request, content string) {
	target := TargetOf(req.Input)
	switch req.Name {
	case "read_file":
		g.fileOps.RecordRead(target, content)
	case "list_directory":
		g.fileOps.RecordListing(target, content)
	default:
		if mutatingTools[req.Name] && target != "" {
			g.fileOps.Invalidate(target)
		}
	}
}

func (g *Gatekeeper) reject(req Request, outcome models.ToolOutcome, message string) Outcome {
	eventType := models.EventToolBlocked
	if outcome == models.OutcomeDuplicate {
		eventType = models.EventToolError
	}
	g.emit(eventType, map[string]any{"tool": req.Name, "reason": message})
	return Outcome{
		Block: models.ToolResultBlock(req.ToolUseID, message, true),
		Record: models.ToolCallRecord{
			Name:      req.Name,
			Signature: ExactSignature(req.Name, req.Input),
			Target:    TargetOf(req.Input),
			Outcome:   outcome,
			At:        time.Now(),
		},
	}
}

func (g *Gatekeeper) modeGateDenies(name string) (string, bool) {
	switch g.policy.ExecutionMode {
	case models.ModePropose, models.ModeAnalyze:
		if mutatingTools[name] {
			return fmt.Sprintf("tool %q mutates state and the task runs in %s mode", name, g.policy.ExecutionMode), true
		}
	}
	if g.policy.TaskDomain == models.DomainResearch || g.policy.TaskDomain == models.DomainGeneral {
		if technicalTools[name] {
			return fmt.Sprintf("tool %q is not permitted in the %s domain", name, g.policy.TaskDomain), true
		}
	}
	return "", false
}

func (g *Gatekeeper) toolAllowed(name string) bool {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	for _, pattern := range g.policy.DeniedTools {
		if matchToolPattern(pattern, name) {
			return false
		}
	}
	if len(g.policy.AllowedTools) == 0 {
		return true
	}
	for _, pattern := range g.policy.AllowedTools {
		if matchToolPattern(pattern, name) {
			return true
		}
	}
	return false
}

func (g *Gatekeeper) isIdempotent(name string) bool {
	for _, s := range g.registry.Schemas() {
		if s.Name == name {
			return s.Idempotent
		}
	}
	return false
}

func (g *Gatekeeper) schemaFor(name string) json.RawMessage {
	for _, s := range g.registry.Schemas() {
		if s.Name == name {
			return s.InputSchema
		}
	}
	return nil
}

// normalizeToolName strips dotted namespace prefixes the model sometimes
// invents.
func normalizeToolName(name string) string {
	for _, prefix := range []string{"functions.", "tool.", "tools."} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}

// matchToolPattern supports exact names, '*' (all), and 'prefix_*'.
func matchToolPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

var mutatingTools = map[string]bool{
	"write_file":       true,
	"edit_file":        true,
	"delete_file":      true,
	"move_file":        true,
	"create_directory": true,
	"run_command":      true,
	"run_applescript":  true,
	"canvas_push":      true,
}

var technicalTools = map[string]bool{
	"run_command":     true,
	"run_applescript": true,
}

// hardErrorPatterns flag results that should count as hard failures and
// feed the circuit breaker.
var hardErrorPatterns = []string{
	"tool is unavailable",
	"not installed",
	"timed out",
	"command not found",
	"permission denied",
}

func isHardError(name, content string) bool {
	lower := strings.ToLower(content)
	for _, p := range hardErrorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// maxToolResultChars bounds a single tool result fed back to the model.
const maxToolResultChars = 40_000

func sanitizeToolOutput(content string) string {
	content = strings.ToValidUTF8(content, "�")
	if len(content) > maxToolResultChars {
		content = content[:maxToolResultChars] + "\n[output truncated]"
	}
	return content
}
