// Package executor drives one task through its full lifecycle: plan
// creation, the per-step turn loop, follow-up handling, budget
// enforcement, recovery, and finalization.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxisworks/praxis/internal/budget"
	"github.com/praxisworks/praxis/internal/completion"
	"github.com/praxisworks/praxis/internal/conversation"
	"github.com/praxisworks/praxis/internal/gatekeeper"
	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/plan"
	"github.com/praxisworks/praxis/internal/recovery"
	"github.com/praxisworks/praxis/internal/summarizer"
	"github.com/praxisworks/praxis/pkg/models"
)

// StepFeedbackAction is a user instruction targeting the active step.
type StepFeedbackAction string

const (
	FeedbackRetry StepFeedbackAction = "retry"
	FeedbackSkip  StepFeedbackAction = "skip"
	FeedbackStop  StepFeedbackAction = "stop"
	FeedbackDrift StepFeedbackAction = "drift"
)

type stepFeedback struct {
	stepID  string
	action  StepFeedbackAction
	message string
}

// Executor is the lifecycle supervisor for a single task. Entry points
// that mutate state serialize on the lifecycle mutex; Cancel, Pause, and
// WrapUp only set atomic flags and abort the in-flight deadline.
type Executor struct {
	task *models.Task
	cfg  *Config

	provider llm.Provider
	registry gatekeeper.Registry

	store      *conversation.Store
	planner    *plan.Machine
	governor   *budget.Governor
	pacer      *budget.Pacer
	keeper     *gatekeeper.Gatekeeper
	detector   *recovery.Controller
	contract   completion.Contract
	summarizer *summarizer.Summarizer
	selector   *toolSelector
	snapshots  SnapshotStore
	memory     MemoryService
	tasks      TaskStore
	emitter    *Emitter
	logger     *slog.Logger

	// lifecycle mutex: serializes Execute/Resume/SendMessage/Continue.
	lifecycle sync.Mutex

	cancelled    atomic.Bool
	cancelReason atomic.Value // CancelReason
	paused       atomic.Bool
	wrapUp       atomic.Bool

	// abort cancels the current LLM or tool call; a fresh one is created
	// immediately after any abort so later work is not pre-cancelled.
	abortMu sync.Mutex
	abort   context.CancelFunc

	queueMu   sync.Mutex
	followUps []models.Message
	feedback  []stepFeedback

	// evidence gathered for the completion oracle
	evidenceMu sync.Mutex
	evidence   completion.Evidence

	mtRecovery recovery.MaxTokensRecovery

	lastAssistantText         string
	lastNonVerificationOutput string
}

// Options wires an executor to its capabilities.
type Options struct {
	Task     *models.Task
	Provider llm.Provider
	Registry gatekeeper.Registry
	Config   *Config

	Sink      EventSink
	Snapshots SnapshotStore
	Memory    MemoryService
	Tasks     TaskStore
	Logger    *slog.Logger
}

// New builds an executor for one task.
func New(opts Options) *Executor {
	cfg := sanitizeConfig(opts.Config)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("task_id", opts.Task.ID)

	emitter := NewEmitter(opts.Sink, opts.Task.ID)
	emit := func(typ models.EventType, payload map[string]any) {
		emitter.Emit(typ, payload)
	}

	gov := budget.NewGovernor(budget.Options{
		Contract:         budget.ResolveContract(opts.Task.AgentConfig.BudgetProfile, opts.Task.AgentConfig.MaxTurns),
		MaxTokens:        opts.Task.AgentConfig.MaxTokens,
		ContractsEnabled: cfg.ContractsEnabled,
	})

	e := &Executor{
		task:       opts.Task,
		cfg:        cfg,
		provider:   opts.Provider,
		registry:   opts.Registry,
		store:      conversation.New(),
		planner:    plan.NewMachine(opts.Provider, cfg.Model, plan.EmitFunc(emit), logger),
		governor:   gov,
		pacer:      budget.NewPacer(cfg.FallbackTPS),
		detector:   recovery.NewController(recovery.EmitFunc(emit)),
		contract:   completion.DeriveContract(opts.Task),
		summarizer: summarizer.New(opts.Provider, cfg.Model, logger),
		selector:   newToolSelector(opts.Task.ID),
		snapshots:  opts.Snapshots,
		memory:     opts.Memory,
		tasks:      opts.Tasks,
		emitter:    emitter,
		logger:     logger,
	}

	e.keeper = gatekeeper.New(gatekeeper.Options{
		Registry: opts.Registry,
		Governor: gov,
		Policy: gatekeeper.Policy{
			ExecutionMode: opts.Task.AgentConfig.ExecutionMode,
			TaskDomain:    opts.Task.AgentConfig.TaskDomain,
			AllowedTools:  opts.Task.AgentConfig.AllowedTools,
			DeniedTools:   opts.Task.AgentConfig.ToolRestrictions,
		},
		Emit:      gatekeeper.EmitFunc(emit),
		Logger:    logger,
		Provider:  opts.Provider,
		Model:     cfg.Model,
		Cancelled: e.cancelled.Load,
	})

	e.cancelReason.Store(CancelReason(""))
	return e
}

// Task returns the task record. Callers outside the executor treat it as
// read-only.
func (e *Executor) Task() *models.Task { return e.task }

// Execute runs the full plan/execute lifecycle.
func (e *Executor) Execute(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.setStatus(ctx, models.TaskPlanning)
	e.emitter.Emit(models.EventExecuting, map[string]any{"title": e.task.Title})

	if e.planner.Plan() == nil {
		e.planner.CreatePlan(ctx, e.task)
	}
	return e.run(ctx)
}

// Resume continues after an awaiting_user_input pause.
func (e *Executor) Resume(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.planner.Plan() == nil {
		return errors.New("nothing to resume: no plan")
	}
	e.paused.Store(false)
	return e.run(ctx)
}

// ResumeAfterInterruption restores the latest snapshot and continues the
// plan from its pending steps.
func (e *Executor) ResumeAfterInterruption(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if err := e.restoreSnapshot(ctx); err != nil {
		e.logger.Warn("snapshot restore failed, reconstructing degraded context", "error", err)
	}
	if e.planner.Plan() == nil {
		e.planner.CreatePlan(ctx, e.task)
	}
	return e.run(ctx)
}

// ContinueAfterBudgetExhausted resets run-local budget counters while
// keeping cumulative usage totals, then retries the pending steps.
func (e *Executor) ContinueAfterBudgetExhausted(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.governor.ResetForContinuation()
	e.emitter.Emit(models.EventBudgetReset, map[string]any{"usage": e.governor.Usage()})
	if e.planner.Plan() == nil {
		return errors.New("nothing to continue: no plan")
	}
	return e.run(ctx)
}

// SendMessage appends a follow-up user message and runs the follow-up
// loop on the existing conversation.
func (e *Executor) SendMessage(ctx context.Context, text string, images ...models.ContentBlock) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	msg := models.UserText(text)
	msg.Blocks = append(msg.Blocks, images...)
	e.store.Append(msg)
	e.paused.Store(false)

	priorStatus := e.task.Status
	e.setStatus(ctx, models.TaskExecuting)
	err := e.runFollowUp(ctx, priorStatus)

	// Re-dispatch remaining plan steps if the follow-up unblocked a
	// paused plan.
	if err == nil && e.planHasRunnableStep() && !e.cancelled.Load() {
		err = e.run(ctx)
	}
	return err
}

// Cancel marks the task cancelled and aborts the in-flight call. It does
// not take the lifecycle mutex.
func (e *Executor) Cancel(reason CancelReason) {
	e.cancelReason.Store(reason)
	e.cancelled.Store(true)
	e.abortCurrent()
}

// WrapUp is idempotent: the first call aborts the in-flight deadline and
// marks the soft-deadline flag; the loop then finalizes best-effort.
func (e *Executor) WrapUp() {
	if e.wrapUp.CompareAndSwap(false, true) {
		e.abortCurrent()
	}
}

// Pause is cooperative: the loop spins at iteration boundaries until
// Continue clears the flag.
func (e *Executor) Pause() { e.paused.Store(true) }

// Continue clears a cooperative pause.
func (e *Executor) Continue() { e.paused.Store(false) }

// QueueFollowUp appends a user message that the running loop drains
// between turns and between steps.
func (e *Executor) QueueFollowUp(text string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.followUps = append(e.followUps, models.UserText(text))
}

// RevisePlan inserts new steps into the plan after the active step. The
// plan machine enforces the revision-count and size guards and refuses
// steps repeating already-failed work; refused revisions return an error
// and emit plan_revision_blocked. The running loop picks up accepted
// steps at its next dispatch.
func (e *Executor) RevisePlan(newSteps []string, reason string, clearRemaining bool) error {
	if e.planner.Plan() == nil {
		return errors.New("no plan to revise")
	}
	return e.planner.Revise(newSteps, reason, clearRemaining, false)
}

// SwitchWorkspace points the task at a different workspace root. Cached
// file reads and listings from the old root are dropped so stale content
// cannot leak across the switch.
func (e *Executor) SwitchWorkspace(path string) {
	e.task.Workspace = path
	e.keeper.FileOps().InvalidateAll()
	e.emitter.Emit(models.EventWorkspaceSwitched, map[string]any{"workspace": path})
}

// SetWorkspacePermissions replaces the task's tool allow and deny lists
// mid-run. The gatekeeper applies the new lists from the next tool call.
func (e *Executor) SetWorkspacePermissions(allowed, denied []string) {
	e.task.AgentConfig.AllowedTools = allowed
	e.task.AgentConfig.ToolRestrictions = denied
	e.keeper.SetToolLists(allowed, denied)
	e.emitter.Emit(models.EventWorkspacePermissions, map[string]any{
		"allowed": allowed,
		"denied":  denied,
	})
}

// SetStepFeedback delivers a retry/skip/stop/drift instruction to the
// active step.
func (e *Executor) SetStepFeedback(stepID string, action StepFeedbackAction, message string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.feedback = append(e.feedback, stepFeedback{stepID: stepID, action: action, message: message})
	e.emitter.EmitStep(models.EventStepFeedback, stepID, map[string]any{"action": string(action)})
}

// abortCurrent cancels the in-flight LLM or tool call, if any.
func (e *Executor) abortCurrent() {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	if e.abort != nil {
		e.abort()
		e.abort = nil
	}
}

// abortableContext derives a context the supervisor can abort out-of-band.
// Each call replaces the stored abort handle, so a forced abort never
// pre-cancels future work.
func (e *Executor) abortableContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	e.abortMu.Lock()
	e.abort = cancel
	e.abortMu.Unlock()
	return ctx, func() {
		e.abortMu.Lock()
		if e.abort != nil {
			e.abort = nil
		}
		e.abortMu.Unlock()
		cancel()
	}
}

func (e *Executor) setStatus(ctx context.Context, status models.TaskStatus) {
	e.task.Status = status
	if e.tasks != nil {
		if err := e.tasks.UpdateTask(ctx, e.task); err != nil {
			e.logger.Warn("task record update failed", "status", status, "error", err)
		}
	}
}

// checkCancelled is evaluated at every suspension point.
func (e *Executor) checkCancelled() error {
	if !e.cancelled.Load() {
		return nil
	}
	reason, _ := e.cancelReason.Load().(CancelReason)
	if reason == "" {
		reason = CancelUser
	}
	return &CancelledError{Reason: reason}
}

// waitWhilePaused spins cooperatively at iteration boundaries.
func (e *Executor) waitWhilePaused(ctx context.Context) error {
	for e.paused.Load() {
		if err := e.checkCancelled(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (e *Executor) drainFollowUps() []models.Message {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	out := e.followUps
	e.followUps = nil
	return out
}

func (e *Executor) takeFeedback(stepID string) []stepFeedback {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	var matched, rest []stepFeedback
	for _, fb := range e.feedback {
		if fb.stepID == "" || fb.stepID == stepID {
			matched = append(matched, fb)
		} else {
			rest = append(rest, fb)
		}
	}
	e.feedback = rest
	return matched
}

func (e *Executor) recordToolEvidence(rec models.ToolCallRecord) {
	e.evidenceMu.Lock()
	defer e.evidenceMu.Unlock()
	e.evidence.ToolCalls = append(e.evidence.ToolCalls, rec)
}

func (e *Executor) currentEvidence() completion.Evidence {
	e.evidenceMu.Lock()
	defer e.evidenceMu.Unlock()
	ev := e.evidence
	ev.FinalText = e.lastAssistantText
	if e.lastNonVerificationOutput != "" {
		ev.FinalText = e.lastNonVerificationOutput
	}
	return ev
}
