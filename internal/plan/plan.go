// Package plan owns the ordered task plan: creation via the model,
// step lifecycle, guarded revisions, and recovery-step injection.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/recovery"
	"github.com/praxisworks/praxis/pkg/models"
)

const (
	maxRevisions  = 5
	maxTotalSteps = 24
)

// EmitFunc delivers an executor event. Delivery must never block.
type EmitFunc func(models.EventType, map[string]any)

// Machine owns one task's plan. All mutations go through it so the plan
// invariants (single in-progress step, bounded revisions, bounded size)
// hold at every point.
type Machine struct {
	mu       sync.Mutex
	plan     *models.Plan
	provider llm.Provider
	model    string
	emit     EmitFunc
	logger   *slog.Logger
}

// NewMachine creates a plan machine. Provider may be nil for resumption
// paths that only ever call SetPlan.
func NewMachine(provider llm.Provider, model string, emit EmitFunc, logger *slog.Logger) *Machine {
	if emit == nil {
		emit = func(models.EventType, map[string]any) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{provider: provider, model: model, emit: emit, logger: logger}
}

const planPrompt = `Plan the following task as a short ordered list of concrete steps.
Respond with only a JSON object of the form {"description": "...", "steps": ["...", "..."]}.
Keep steps independently executable and verifiable. Use at most %d steps.

Task title: %s
Task prompt: %s`

type planJSON struct {
	Description string            `json:"description"`
	Steps       []json.RawMessage `json:"steps"`
}

// CreatePlan asks the model for a plan. If the response cannot be parsed
// as the expected JSON it falls back to a one-step plan holding the raw
// prompt, which keeps the task executable.
func (m *Machine) CreatePlan(ctx context.Context, task *models.Task) *models.Plan {
	descriptions, description := m.requestPlan(ctx, task)
	if len(descriptions) == 0 {
		m.logger.Warn("plan generation failed, using one-step fallback", "task_id", task.ID)
		descriptions = []string{task.Prompt}
		description = task.Title
	}
	if len(descriptions) > maxTotalSteps {
		descriptions = descriptions[:maxTotalSteps]
	}

	plan := &models.Plan{Description: description}
	for _, d := range descriptions {
		plan.Steps = append(plan.Steps, newStep(d, InferStepKind(d)))
	}

	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()

	m.emit(models.EventPlanCreated, map[string]any{
		"description": plan.Description,
		"steps":       len(plan.Steps),
	})
	return plan.Clone()
}

func (m *Machine) requestPlan(ctx context.Context, task *models.Task) ([]string, string) {
	if m.provider == nil {
		return nil, ""
	}
	resp, err := m.provider.CreateMessage(ctx, &llm.Request{
		Model:     m.model,
		Messages:  []models.Message{models.UserText(fmt.Sprintf(planPrompt, maxTotalSteps, task.Title, task.Prompt))},
		MaxTokens: 2048,
	})
	if err != nil {
		m.logger.Warn("plan request failed", "error", err)
		return nil, ""
	}

	raw := extractJSONObject(resp.Text())
	if raw == "" {
		return nil, ""
	}
	var parsed planJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, ""
	}

	var descriptions []string
	for _, step := range parsed.Steps {
		if d := stepDescription(step); strings.TrimSpace(d) != "" {
			descriptions = append(descriptions, strings.TrimSpace(d))
		}
	}
	return descriptions, parsed.Description
}

// stepDescription accepts both "..." and {"description": "..."} step
// shapes, which models produce interchangeably.
func stepDescription(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Description
	}
	return ""
}

func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// SetPlan installs a restored plan, normalizing any dangling in-progress
// step back to pending so the run can re-dispatch it.
func (m *Machine) SetPlan(plan *models.Plan) {
	clone := plan.Clone()
	for i := range clone.Steps {
		if clone.Steps[i].Status == models.StepInProgress {
			clone.Steps[i].Status = models.StepPending
		}
	}
	m.mu.Lock()
	m.plan = clone
	m.mu.Unlock()
}

// Plan returns a deep copy of the current plan, or nil before creation.
func (m *Machine) Plan() *models.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil {
		return nil
	}
	return m.plan.Clone()
}

// StartStep marks the step in progress. It fails if another step is
// already in progress.
func (m *Machine) StartStep(stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.plan.CurrentStep(); current != nil && current.ID != stepID {
		return fmt.Errorf("step %s is already in progress", current.ID)
	}
	step := m.plan.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("unknown step %s", stepID)
	}
	step.Status = models.StepInProgress
	return nil
}

// CompleteStep marks the step completed and records its output.
func (m *Machine) CompleteStep(stepID, output string) {
	m.setStatus(stepID, models.StepCompleted, "", output)
}

// FailStep marks the step failed with the given reason.
func (m *Machine) FailStep(stepID, reason string) {
	m.setStatus(stepID, models.StepFailed, reason, "")
}

// SkipStep marks the step skipped.
func (m *Machine) SkipStep(stepID string) {
	m.setStatus(stepID, models.StepSkipped, "", "")
}

// ResetStep returns a step to pending for a retry.
func (m *Machine) ResetStep(stepID string) {
	m.setStatus(stepID, models.StepPending, "", "")
}

func (m *Machine) setStatus(stepID string, status models.StepStatus, errMsg, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step := m.plan.StepByID(stepID); step != nil {
		step.Status = status
		step.Error = errMsg
		if output != "" {
			step.Output = output
		}
	}
}

// NextPending returns a copy of the first pending step, or nil.
func (m *Machine) NextPending() *models.PlanStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil {
		return nil
	}
	if step := m.plan.NextPending(); step != nil {
		copied := *step
		return &copied
	}
	return nil
}

// Revise inserts new steps after the current in-progress step (or at the
// end). Guards: bounded revision count, bounded total size, and refusal
// of steps lexically similar to already-failed ones unless the revision
// is tagged as a recovery revision. clearRemaining skips all pending
// steps before inserting.
func (m *Machine) Revise(newSteps []string, reason string, clearRemaining, recoveryRevision bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.plan.Revisions >= maxRevisions {
		return m.revisionBlockedLocked(reason, "revision limit reached")
	}

	pending := 0
	if clearRemaining {
		for i := range m.plan.Steps {
			if m.plan.Steps[i].Status == models.StepPending {
				pending++
			}
		}
	}
	if len(m.plan.Steps)-pending+len(newSteps) > maxTotalSteps {
		return m.revisionBlockedLocked(reason, "plan size limit reached")
	}

	if !recoveryRevision {
		for _, failed := range m.plan.FailedSteps() {
			for _, desc := range newSteps {
				if lexicallySimilar(desc, failed.Description) {
					return m.revisionBlockedLocked(reason,
						fmt.Sprintf("step %q repeats already-failed step %q", desc, failed.Description))
				}
			}
		}
	}

	if clearRemaining {
		for i := range m.plan.Steps {
			if m.plan.Steps[i].Status == models.StepPending {
				m.plan.Steps[i].Status = models.StepSkipped
			}
		}
	}

	inserted := make([]models.PlanStep, 0, len(newSteps))
	for _, desc := range newSteps {
		kind := InferStepKind(desc)
		if recoveryRevision {
			kind = models.StepRecovery
		}
		inserted = append(inserted, newStep(desc, kind))
	}
	m.insertAfterCurrentLocked(inserted)
	m.plan.Revisions++

	m.emit(models.EventPlanRevised, map[string]any{
		"reason":   reason,
		"inserted": len(inserted),
		"revision": m.plan.Revisions,
	})
	return nil
}

func (m *Machine) revisionBlockedLocked(reason, why string) error {
	m.emit(models.EventPlanRevisionBlocked, map[string]any{"reason": reason, "blocked_because": why})
	return fmt.Errorf("plan revision refused: %s", why)
}

// InjectRecovery classifies the failure of a step and inserts the
// canonical recovery steps for that class, deduplicated against recovery
// steps already in the plan. allow gates each insertion against the
// per-task auto-recovery budget. Returns the classified failure and the
// number of steps inserted; user blockers insert nothing.
func (m *Machine) InjectRecovery(step models.PlanStep, failureReason string, deepWork bool, allow func() bool) (recovery.StepFailureClass, int) {
	class := recovery.Classify(failureReason)
	descriptions := recovery.RecoverySteps(class, step.Description, failureReason, deepWork)
	if len(descriptions) == 0 {
		return class, 0
	}
	if allow != nil && !allow() {
		m.logger.Info("auto-recovery budget spent, skipping recovery injection", "step_id", step.ID)
		return class, 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]models.PlanStep, 0, len(descriptions))
	for _, desc := range descriptions {
		if m.hasSimilarRecoveryLocked(desc) {
			continue
		}
		if len(m.plan.Steps)+len(inserted) >= maxTotalSteps {
			break
		}
		inserted = append(inserted, newStep(desc, models.StepRecovery))
	}
	if len(inserted) == 0 {
		return class, 0
	}
	m.insertAfterCurrentLocked(inserted)

	m.emit(models.EventStepRecoveryPlanned, map[string]any{
		"failed_step_id": step.ID,
		"failure_class":  string(class),
		"inserted":       len(inserted),
	})
	return class, len(inserted)
}

func (m *Machine) hasSimilarRecoveryLocked(desc string) bool {
	for i := range m.plan.Steps {
		s := &m.plan.Steps[i]
		if s.Kind == models.StepRecovery && lexicallySimilar(desc, s.Description) {
			return true
		}
	}
	return false
}

func (m *Machine) insertAfterCurrentLocked(steps []models.PlanStep) {
	at := len(m.plan.Steps)
	for i := range m.plan.Steps {
		if m.plan.Steps[i].Status == models.StepInProgress {
			at = i + 1
			break
		}
	}
	m.plan.Steps = append(m.plan.Steps[:at], append(steps, m.plan.Steps[at:]...)...)
}

func newStep(description string, kind models.StepKind) models.PlanStep {
	return models.PlanStep{
		ID:          uuid.NewString(),
		Description: description,
		Kind:        kind,
		Status:      models.StepPending,
	}
}

// lexicallySimilar compares word sets: two descriptions sharing most of
// their significant words count as the same attempt.
func lexicallySimilar(a, b string) bool {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	smaller := len(wa)
	if len(wb) < smaller {
		smaller = len(wb)
	}
	return shared*10 >= smaller*8 // 80% overlap of the smaller set
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:?!\"'()")
		if len(w) >= 4 {
			set[w] = true
		}
	}
	return set
}
