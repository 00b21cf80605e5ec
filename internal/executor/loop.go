package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/praxisworks/praxis/internal/budget"
	"github.com/praxisworks/praxis/internal/completion"
	"github.com/praxisworks/praxis/internal/conversation"
	"github.com/praxisworks/praxis/internal/gatekeeper"
	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/recovery"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	llmCallAttempts    = 3
	summaryTokenBudget = 2048

	softLandingText = "You are nearly out of turns for this task. Do not open new exploratory work. Consolidate what you have and produce your final answer now."
)

// stepFailedError is a normal step failure: the run marks the step
// failed, plans recovery, and continues with the next step.
type stepFailedError struct {
	reason string
}

func (e *stepFailedError) Error() string { return e.reason }

// run drives pending plan steps to completion and finalizes the task.
func (e *Executor) run(ctx context.Context) error {
	e.setStatus(ctx, models.TaskExecuting)

	// A step left in progress by a pause, interruption, or budget stop is
	// re-dispatched from pending.
	if p := e.planner.Plan(); p != nil {
		if cur := p.CurrentStep(); cur != nil {
			e.planner.ResetStep(cur.ID)
		}
	}

	for {
		if err := e.checkCancelled(); err != nil {
			return e.unwind(ctx, err)
		}
		if err := e.waitWhilePaused(ctx); err != nil {
			return e.unwind(ctx, err)
		}
		if e.wrapUp.Load() {
			return e.finalizeBestEffort(ctx)
		}

		for _, msg := range e.drainFollowUps() {
			e.store.Append(msg)
		}

		step := e.planner.NextPending()
		if step == nil {
			break
		}

		err := e.runStep(ctx, step)
		switch {
		case err == nil:
			e.journalProgress(step, "")
			continue

		case errors.Is(err, errWrapUp):
			return e.finalizeBestEffort(ctx)

		case errors.Is(err, errStepTimeout):
			e.planner.FailStep(step.ID, "step hard deadline exceeded")
			e.emitter.EmitStep(models.EventStepFailed, step.ID, map[string]any{"reason": "timeout"})
			e.journalProgress(step, "step hard deadline exceeded")
			if escalate := e.injectRecovery(ctx, *step, "step hard deadline exceeded"); escalate != nil {
				return escalate
			}
			continue

		default:
			var sf *stepFailedError
			if errors.As(err, &sf) {
				e.planner.FailStep(step.ID, sf.reason)
				e.emitter.EmitStep(models.EventStepFailed, step.ID, map[string]any{"reason": sf.reason})
				e.journalProgress(step, sf.reason)
				if escalate := e.injectRecovery(ctx, *step, sf.reason); escalate != nil {
					return escalate
				}
				continue
			}
			if IsAwaitingUserInput(err) {
				e.setStatus(ctx, models.TaskPaused)
				e.emitter.Emit(models.EventTaskPaused, nil)
				return err
			}
			if be, ok := budget.IsExhausted(err); ok {
				return e.handleBudgetExhausted(ctx, be)
			}
			return e.unwind(ctx, err)
		}
	}

	return e.finalizePlan(ctx)
}

// journalProgress records a progress-journal entry at a step boundary
// when the task opts in: where the plan stands and how the step settled.
func (e *Executor) journalProgress(step *models.PlanStep, note string) {
	if !e.task.AgentConfig.ProgressJournalEnabled {
		return
	}
	payload := map[string]any{
		"description": step.Description,
		"turns":       e.governor.Turns(),
	}
	if note != "" {
		payload["note"] = note
	}
	if p := e.planner.Plan(); p != nil {
		if cur := p.StepByID(step.ID); cur != nil {
			payload["status"] = string(cur.Status)
		}
		payload["completed_steps"] = p.CompletedCount()
		payload["total_steps"] = len(p.Steps)
	}
	e.emitter.EmitStep(models.EventProgressJournal, step.ID, payload)
}

// injectRecovery plans recovery steps for a failed step. A user blocker
// escalates to the user when the task permits input; the returned error
// is the pause sentinel in that case.
func (e *Executor) injectRecovery(ctx context.Context, step models.PlanStep, reason string) error {
	class, inserted := e.planner.InjectRecovery(step, reason, e.task.AgentConfig.DeepWorkMode, e.governor.TryPlanRecoveryStep)
	if class == recovery.FailureUserBlocker &&
		e.task.AgentConfig.AllowUserInput {
		e.paused.Store(true)
		e.setStatus(ctx, models.TaskPaused)
		e.emitter.EmitStep(models.EventAwaitingUserInput, step.ID, map[string]any{
			"reasonCode": "user_blocker",
			"reason":     reason,
		})
		return &AwaitingUserInputError{ReasonCode: "user_blocker"}
	}
	if inserted > 0 {
		e.logger.Info("recovery steps planned", "step_id", step.ID, "class", string(class), "inserted", inserted)
	}
	return nil
}

func (e *Executor) unwind(ctx context.Context, err error) error {
	if reason, ok := Cancelled(err); ok {
		if reason == CancelTimeout {
			// Timeout cancellation finalizes best-effort before unwinding.
			return e.finalizeBestEffort(ctx)
		}
		e.setStatus(ctx, models.TaskCancelled)
		return err
	}
	e.task.FailureClass = models.FailureUnknown
	e.setStatus(ctx, models.TaskFailed)
	e.emitter.Emit(models.EventError, map[string]any{"error": err.Error()})
	return err
}

func (e *Executor) handleBudgetExhausted(ctx context.Context, be *budget.ExhaustedError) error {
	ev := e.currentEvidence()
	if e.cfg.PartialSuccessForCron && e.task.Source == models.SourceCron && strings.TrimSpace(ev.FinalText) != "" {
		e.completeTask(ctx, completion.FinalizeBestEffort(e.contract, e.task, ev))
		return nil
	}

	e.task.FailureClass = models.FailureBudgetExhausted
	e.setStatus(ctx, models.TaskFailed)
	payload := map[string]any{"kind": string(be.Kind), "limit": be.Limit, "used": be.Used}
	if be.Code != "" {
		payload["code"] = be.Code
		payload["action_hint"] = budget.ActionHintContinue
	}
	e.emitter.Emit(models.EventError, payload)
	return be
}

// finalizePlan runs the completion oracle once all steps are settled.
func (e *Executor) finalizePlan(ctx context.Context) error {
	ev := e.currentEvidence()
	res, err := completion.Finalize(e.contract, e.task, ev)
	if err != nil {
		if planCompletedWithWarnings(e.planner.Plan()) {
			e.completeTask(ctx, completion.FinalizeBestEffort(e.contract, e.task, ev))
			return nil
		}
		e.task.FailureClass = models.FailureContractError
		e.setStatus(ctx, models.TaskFailed)
		e.emitter.Emit(models.EventError, map[string]any{"guard": err.Error()})
		return err
	}
	e.completeTask(ctx, res)
	return nil
}

func (e *Executor) finalizeBestEffort(ctx context.Context) error {
	e.completeTask(ctx, completion.FinalizeBestEffort(e.contract, e.task, e.currentEvidence()))
	return nil
}

func (e *Executor) completeTask(ctx context.Context, res completion.Result) {
	e.task.TerminalStatus = res.Status
	e.task.ResultSummary = clampText(res.Text, 4000)
	e.task.Usage = e.governor.Usage()
	e.setStatus(ctx, models.TaskCompleted)
	e.emitter.Emit(models.EventTaskCompleted, map[string]any{
		"terminal_status": string(res.Status),
		"turns":           e.governor.Turns(),
	})

	if e.memory != nil && e.task.AgentConfig.RetainMemory {
		if err := e.memory.StoreSummary(ctx, e.task.ID, res.Text); err != nil {
			e.logger.Warn("memory summary store failed", "error", err)
		}
	}
	e.writeSnapshot(ctx)
}

// planCompletedWithWarnings reports whether a plan with failed steps may
// still finalize: the failed residue is only verification steps, or the
// final step completed anyway.
func planCompletedWithWarnings(p *models.Plan) bool {
	if p == nil {
		return false
	}
	failed := p.FailedSteps()
	if len(failed) == 0 {
		return p.CompletedCount() > 0
	}
	onlyVerification := true
	for _, s := range failed {
		if s.Kind != models.StepVerification {
			onlyVerification = false
			break
		}
	}
	if onlyVerification {
		return true
	}
	if n := len(p.Steps); n > 0 && p.Steps[n-1].Status == models.StepCompleted {
		return true
	}
	return false
}

// runStep drives one plan step through the turn loop.
func (e *Executor) runStep(ctx context.Context, step *models.PlanStep) error {
	if err := e.planner.StartStep(step.ID); err != nil {
		return err
	}
	e.emitter.EmitStep(models.EventStepStarted, step.ID, map[string]any{"description": step.Description})
	e.detector.ResetForStep()
	e.mtRecovery.Reset()

	stepTimeout := e.cfg.StepTimeout
	if e.task.AgentConfig.DeepWorkMode {
		stepTimeout = e.cfg.DeepWorkStepTimeout
	}
	stepCtx, cancelStep := context.WithTimeout(ctx, stepTimeout)
	defer cancelStep()
	stepDeadline, _ := stepCtx.Deadline()

	// Soft deadline: wrap up early enough to leave room for a final
	// answer before the hard deadline fires.
	soft := time.AfterFunc(time.Duration(float64(stepTimeout)*e.cfg.SoftDeadlineFraction), e.WrapUp)
	defer soft.Stop()

	e.store.Append(models.UserText(e.buildStepMessage(step)))

	memoryRecalled := false
	blockedTurns := 0
	sawVerifySignal := false
	stepAssistantText := ""

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		if err := e.checkCancelled(); err != nil {
			return err
		}
		if err := e.waitWhilePaused(stepCtx); err != nil {
			return err
		}
		if e.wrapUp.Load() {
			return errWrapUp
		}
		if stepCtx.Err() != nil {
			return errStepTimeout
		}

		for _, msg := range e.drainFollowUps() {
			e.store.Append(msg)
		}
		stop, err := e.applyFeedback(step, &iter)
		if stop {
			return err
		}

		if e.governor.ShouldSoftLand() {
			e.store.Append(models.UserText(softLandingText))
			e.emitter.Emit(models.EventBudgetSoftLanding, nil)
		}

		e.upsertPinned(stepCtx, &memoryRecalled)
		e.maybeCompact(stepCtx, false)
		e.store.PruneStaleToolErrors()
		e.store.ConsolidateConsecutiveUser()

		if err := e.governor.BeforeLLMCall(); err != nil {
			return err
		}

		resp, err := e.callModel(stepCtx, stepDeadline)
		if err != nil {
			return err
		}
		e.governor.RecordIteration()
		e.store.Append(models.Message{Role: models.RoleAssistant, Blocks: resp.Content})

		text := strings.TrimSpace(resp.Text())
		if text != "" {
			e.lastAssistantText = text
			stepAssistantText = text
			if step.Kind != models.StepVerification {
				e.lastNonVerificationOutput = text
			}
			e.emitter.EmitStep(models.EventAssistantMessage, step.ID, map[string]any{
				"text": clampText(text, 500),
			})
		}
		e.detector.ObserveStopReason(resp.StopReason)

		toolUses := resp.ToolUses()

		if resp.StopReason == models.StopMaxTokens && e.mtRecovery.TryContinue() {
			e.appendContinuation(toolUses)
			e.emitter.EmitStep(models.EventMaxTokensRecovery, step.ID, map[string]any{
				"attempt": e.mtRecovery.Used(),
			})
			iter-- // continuation turns do not consume iterations
			continue
		}

		if len(toolUses) == 0 {
			e.writeSnapshot(ctx)
			done, err := e.handleTextTurn(ctx, step, resp.StopReason, text, &sawVerifySignal)
			if done || err != nil {
				return err
			}
			continue
		}

		records := e.executeTools(stepCtx, step, stepDeadline, toolUses)

		for _, nudge := range e.detector.AfterTurn(records) {
			e.store.Append(models.UserText(nudge.Message))
		}

		if recovery.AllAttemptsBlocked(records) {
			blockedTurns++
			if blockedTurns >= 2 {
				return &stepFailedError{reason: "every tool attempt was blocked or failed for two consecutive turns"}
			}
		} else {
			blockedTurns = 0
		}

		e.writeSnapshot(ctx)
	}

	// Iterations exhausted: settle the step from what was produced.
	if step.Kind == models.StepVerification && !sawVerifySignal {
		return &stepFailedError{reason: "verification step ended without an OK signal or problem list"}
	}
	if stepAssistantText != "" {
		e.planner.CompleteStep(step.ID, stepAssistantText)
		e.emitter.EmitStep(models.EventStepCompleted, step.ID, map[string]any{"note": "iterations exhausted"})
		return nil
	}
	return &stepFailedError{reason: "step produced no output"}
}

// applyFeedback drains retry/skip/stop/drift instructions for the step.
// stop=true means the step is settled and runStep must return err.
func (e *Executor) applyFeedback(step *models.PlanStep, iter *int) (bool, error) {
	for _, fb := range e.takeFeedback(step.ID) {
		switch fb.action {
		case FeedbackSkip:
			e.planner.CompleteStep(step.ID, "skipped by user")
			e.emitter.EmitStep(models.EventStepSkipped, step.ID, nil)
			return true, nil
		case FeedbackStop:
			e.paused.Store(true)
			e.planner.FailStep(step.ID, "stopped by user")
			return true, &AwaitingUserInputError{ReasonCode: "step_stopped"}
		case FeedbackRetry:
			*iter = 0
		case FeedbackDrift:
			if fb.message != "" {
				e.store.Append(models.UserText(fb.message))
			}
		}
	}
	return false, nil
}

// handleTextTurn settles a turn that produced no tool calls. done=true
// means the step is finished (completed, failed, or paused).
func (e *Executor) handleTextTurn(ctx context.Context, step *models.PlanStep, stop models.StopReason, text string, sawVerifySignal *bool) (bool, error) {
	if stop != models.StopEndTurn || text == "" {
		return false, nil
	}

	if step.Kind == models.StepVerification {
		ok, problems := verificationSignal(text)
		e.setVerificationEvidence(ok, problems)
		if ok {
			*sawVerifySignal = true
			e.planner.CompleteStep(step.ID, text)
			e.emitter.EmitStep(models.EventStepCompleted, step.ID, nil)
			return true, nil
		}
		if len(problems) > 0 {
			*sawVerifySignal = true
			return true, &stepFailedError{reason: "verification found problems: " + strings.Join(problems, "; ")}
		}
		e.store.Append(models.UserText(`Respond with exactly "OK" or list the problems found, one per line.`))
		return false, nil
	}

	if q, blocking := isRequiredDecisionQuestion(text); blocking &&
		e.task.AgentConfig.AllowUserInput && e.task.AgentConfig.PauseForRequiredDecision {
		e.paused.Store(true)
		e.setStatus(ctx, models.TaskPaused)
		e.emitter.EmitStep(models.EventAwaitingUserInput, step.ID, map[string]any{
			"reasonCode": "required_decision",
			"question":   q,
		})
		return true, &AwaitingUserInputError{ReasonCode: "required_decision", Question: q}
	}

	e.planner.CompleteStep(step.ID, text)
	e.emitter.EmitStep(models.EventStepCompleted, step.ID, nil)
	return true, nil
}

func (e *Executor) setVerificationEvidence(ok bool, problems []string) {
	e.evidenceMu.Lock()
	defer e.evidenceMu.Unlock()
	e.evidence.VerificationOK = ok
	e.evidence.VerificationProblems = problems
}

// callModel performs one LLM call with adaptive token/timeout caps,
// bounded retries for transient failures, and reactive compaction on
// context overflow.
func (e *Executor) callModel(stepCtx context.Context, stepDeadline time.Time) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt < llmCallAttempts; attempt++ {
		cb := e.pacer.ComputeCallBudget(e.cfg.BaseMaxTokens, time.Until(stepDeadline), attempt, true)

		callCtx, release := e.abortableContext(stepCtx)
		callCtx, cancel := context.WithTimeout(callCtx, cb.Deadline)

		start := time.Now()
		resp, err := e.provider.CreateMessage(callCtx, &llm.Request{
			Model:     e.cfg.Model,
			System:    e.cfg.System,
			Messages:  e.store.Messages(),
			Tools:     e.offeredTools(),
			MaxTokens: cb.MaxTokens,
		})
		cancel()
		release()

		if err == nil {
			e.governor.RecordTurn(models.UsageTotals{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				CostUSD:      resp.Usage.CostUSD,
				Turns:        1,
			})
			e.pacer.Observe(resp.Usage.OutputTokens, time.Since(start))
			e.emitter.Emit(models.EventLLMUsage, map[string]any{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": resp.Usage.OutputTokens,
				"stop_reason":   string(resp.StopReason),
			})
			return resp, nil
		}

		if cerr := e.checkCancelled(); cerr != nil {
			return nil, cerr
		}
		if e.wrapUp.Load() {
			return nil, errWrapUp
		}
		if stepCtx.Err() != nil {
			return nil, errStepTimeout
		}

		lastErr = err
		if looksLikeContextOverflow(err) {
			e.maybeCompact(stepCtx, true)
			continue
		}

		e.emitter.Emit(models.EventLLMRetry, map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		select {
		case <-stepCtx.Done():
			return nil, errStepTimeout
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", llmCallAttempts, lastErr)
}

// offeredTools caps the registry schemas against the current task
// context: the prompt, the active step, and the latest assistant text.
func (e *Executor) offeredTools() []llm.ToolSchema {
	var b strings.Builder
	b.WriteString(e.task.Title)
	b.WriteByte(' ')
	b.WriteString(e.task.Prompt)
	if p := e.planner.Plan(); p != nil {
		if cur := p.CurrentStep(); cur != nil {
			b.WriteByte(' ')
			b.WriteString(cur.Description)
		}
	}
	b.WriteByte(' ')
	b.WriteString(e.lastAssistantText)
	return e.selector.Select(e.registry.Schemas(), b.String())
}

// appendContinuation pairs any truncated tool_use blocks with synthetic
// results and asks the model to continue its cut-off reply.
func (e *Executor) appendContinuation(toolUses []models.ContentBlock) {
	msg := models.UserText(recovery.ContinuationPrompt)
	if len(toolUses) > 0 {
		msg = models.Message{Role: models.RoleUser}
		for _, use := range toolUses {
			msg.Blocks = append(msg.Blocks, models.ToolResultBlock(use.ID,
				"tool call deferred: the reply was truncated before execution", true))
		}
		msg.Blocks = append(msg.Blocks, models.TextBlock(recovery.ContinuationPrompt))
	}
	e.store.Append(msg)
}

// upsertPinned refreshes the pinned context blocks. Memory recall runs
// once per step.
func (e *Executor) upsertPinned(ctx context.Context, memoryRecalled *bool) {
	if e.cfg.UserProfile != "" {
		e.store.UpsertPinnedBlock(conversation.PinnedUserProfile, e.cfg.UserProfile)
	}
	if e.cfg.SharedContext != "" && e.task.AgentConfig.AllowSharedContextMemory {
		e.store.UpsertPinnedBlock(conversation.PinnedSharedContext, e.cfg.SharedContext)
	}
	if e.memory != nil && e.task.AgentConfig.RetainMemory && !*memoryRecalled {
		*memoryRecalled = true
		recall, err := e.memory.RecallContext(ctx, e.task.Prompt)
		if err != nil {
			e.logger.Warn("memory recall failed", "error", err)
			return
		}
		if recall != "" {
			e.store.UpsertPinnedBlock(conversation.PinnedMemoryRecall, recall)
		}
	}
}

// maybeCompact compacts the conversation and pins the handoff summary.
func (e *Executor) maybeCompact(ctx context.Context, reactive bool) {
	window := e.provider.ContextWindow(e.cfg.Model)
	systemTokens := conversation.EstimateTokens(nil, e.cfg.System) +
		conversation.EstimateToolSchemaTokens(len(e.registry.Schemas()))

	if !reactive && !e.store.ShouldCompact(systemTokens, window) {
		return
	}
	res := e.store.CompactWithMeta(systemTokens, window, reactive)
	if !res.Compacted {
		return
	}

	// Summarize returns the handoff text already framed and clamped.
	summary := e.summarizer.Summarize(ctx, res.Removed, summaryTokenBudget)
	e.store.UpsertPinnedBlock(conversation.PinnedCompactionSummary, summary)
	e.emitter.Emit(models.EventContextSummarized, map[string]any{
		"removed":       len(res.Removed),
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
		"proactive":     res.Proactive,
	})
}

// executeTools runs the gatekeeper pipeline for each tool_use in order
// and appends one user message carrying all results, preserving pairing.
func (e *Executor) executeTools(stepCtx context.Context, step *models.PlanStep, stepDeadline time.Time, uses []models.ContentBlock) []models.ToolCallRecord {
	records := make([]models.ToolCallRecord, 0, len(uses))
	result := models.Message{Role: models.RoleUser}
	searchCalls := 0

	for _, use := range uses {
		out := e.keeper.Process(stepCtx, gatekeeper.Request{
			StepID:            step.ID,
			ToolUseID:         use.ID,
			Name:              use.Name,
			Input:             use.Input,
			StepDeadline:      stepDeadline,
			LastAssistantText: e.lastAssistantText,
		})
		result.Blocks = append(result.Blocks, out.Block)
		records = append(records, out.Record)

		e.detector.ObserveToolCall(out.Record)
		e.recordToolEvidence(out.Record)
		e.collectEvidence(out)
		if out.Executed {
			e.selector.RecordUse(out.Record.Name)
		}

		if recovery.ToolCategory(out.Record.Name, out.Record.Target) == "search" {
			searchCalls++
		}
	}

	e.store.Append(result)
	e.governor.RecordSearchStep(len(uses) > 0 && searchCalls == len(uses))
	return records
}

// collectEvidence extracts citation and artifact evidence from executed
// tool calls for the completion oracle.
func (e *Executor) collectEvidence(out gatekeeper.Outcome) {
	if !out.Executed || out.Record.Outcome != models.OutcomeSuccess {
		return
	}
	switch out.Record.Name {
	case "web_fetch":
		src := completion.WebSource{URL: out.Record.Target, PublishedAt: parsePublishDate(out.Block.Content)}
		e.evidenceMu.Lock()
		e.evidence.WebSources = append(e.evidence.WebSources, src)
		e.evidenceMu.Unlock()
		e.emitter.Emit(models.EventCitationsCollected, map[string]any{"url": src.URL})
	case "write_file", "edit_file", "create_directory", "canvas_push":
		e.evidenceMu.Lock()
		e.evidence.ArtifactsCreated = append(e.evidence.ArtifactsCreated, out.Record.Target)
		e.evidenceMu.Unlock()
		e.emitter.Emit(models.EventArtifactCreated, map[string]any{"target": out.Record.Target})
	}
}

// runFollowUp handles one user follow-up on the existing conversation.
func (e *Executor) runFollowUp(ctx context.Context, priorStatus models.TaskStatus) error {
	e.detector.ResetForStep()
	e.mtRecovery.Reset()

	followCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	deadline, _ := followCtx.Deadline()

	toolCalls := 0
	toolUseStreak := 0
	toolsLocked := false
	iterationsExhausted := true

	for iter := 0; iter < e.cfg.FollowUpIterations; iter++ {
		if err := e.checkCancelled(); err != nil {
			return e.unwind(ctx, err)
		}
		if e.wrapUp.Load() {
			return e.finalizeBestEffort(ctx)
		}

		e.store.PruneStaleToolErrors()
		e.store.ConsolidateConsecutiveUser()

		if err := e.governor.BeforeLLMCall(); err != nil {
			if be, ok := budget.IsExhausted(err); ok {
				return e.handleBudgetExhausted(ctx, be)
			}
			return err
		}

		resp, err := e.callFollowUpModel(followCtx, deadline, toolsLocked)
		if err != nil {
			if errors.Is(err, errStepTimeout) || errors.Is(err, errWrapUp) {
				return e.finalizeBestEffort(ctx)
			}
			return e.unwind(ctx, err)
		}
		e.governor.RecordIteration()
		e.store.Append(models.Message{Role: models.RoleAssistant, Blocks: resp.Content})

		text := strings.TrimSpace(resp.Text())
		if text != "" {
			e.lastAssistantText = text
			e.emitter.Emit(models.EventAssistantMessage, map[string]any{"text": clampText(text, 500)})
		}
		e.detector.ObserveStopReason(resp.StopReason)

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			if resp.StopReason == models.StopEndTurn && text != "" {
				iterationsExhausted = false
				break
			}
			continue
		}

		toolUseStreak++
		if toolUseStreak >= e.cfg.FollowUpIterations/2 {
			toolsLocked = true
		}

		followStep := &models.PlanStep{ID: "follow-up", Description: "follow-up"}
		records := e.executeTools(followCtx, followStep, deadline, toolUses)
		toolCalls += len(records)

		for _, nudge := range e.detector.AfterTurn(records) {
			e.store.Append(models.UserText(nudge.Message))
		}
		e.writeSnapshot(ctx)
	}

	// A plan with runnable steps resumes after the follow-up; the caller
	// re-dispatches it. Otherwise the conversation outcome decides the
	// terminal state.
	if e.planHasRunnableStep() {
		return nil
	}
	if toolCalls > 0 || iterationsExhausted || e.lastAssistantText != "" {
		return e.finalizeBestEffort(ctx)
	}
	e.setStatus(ctx, priorStatus)
	return nil
}

// planHasRunnableStep reports whether the plan still has work: a pending
// step, or a step left in progress by a pause.
func (e *Executor) planHasRunnableStep() bool {
	p := e.planner.Plan()
	if p == nil {
		return false
	}
	return p.NextPending() != nil || p.CurrentStep() != nil
}

func (e *Executor) callFollowUpModel(followCtx context.Context, deadline time.Time, toolsLocked bool) (*llm.Response, error) {
	var tools []llm.ToolSchema
	if !toolsLocked {
		tools = e.offeredTools()
	}

	cb := e.pacer.ComputeCallBudget(e.cfg.BaseMaxTokens, time.Until(deadline), 0, !toolsLocked)
	callCtx, release := e.abortableContext(followCtx)
	callCtx, cancel := context.WithTimeout(callCtx, cb.Deadline)
	defer cancel()
	defer release()

	start := time.Now()
	resp, err := e.provider.CreateMessage(callCtx, &llm.Request{
		Model:     e.cfg.Model,
		System:    e.cfg.System,
		Messages:  e.store.Messages(),
		Tools:     tools,
		MaxTokens: cb.MaxTokens,
	})
	if err != nil {
		if cerr := e.checkCancelled(); cerr != nil {
			return nil, cerr
		}
		if e.wrapUp.Load() {
			return nil, errWrapUp
		}
		if followCtx.Err() != nil {
			return nil, errStepTimeout
		}
		return nil, err
	}

	e.governor.RecordTurn(models.UsageTotals{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
		Turns:        1,
	})
	e.pacer.Observe(resp.Usage.OutputTokens, time.Since(start))
	return resp, nil
}
