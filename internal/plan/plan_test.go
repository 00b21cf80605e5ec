package plan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/recovery"
	"github.com/praxisworks/praxis/pkg/models"
)

type scriptedProvider struct {
	responses []string
	err       error
	calls     int
}

func (p *scriptedProvider) CreateMessage(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	text := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return &llm.Response{
		Content:    []models.ContentBlock{models.TextBlock(text)},
		StopReason: models.StopEndTurn,
	}, nil
}

func (p *scriptedProvider) Name() string                { return "scripted" }
func (p *scriptedProvider) ContextWindow(string) int    { return 200_000 }

func testTask() *models.Task {
	return &models.Task{ID: "t1", Title: "Ship the report", Prompt: "Research the topic and write report.md"}
}

func TestCreatePlanParsesModelJSON(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`Here is the plan:
{"description": "Report pipeline", "steps": ["Gather sources on the topic", "Draft report.md from the sources", "Verify the report covers all sections"]}`,
	}}
	m := NewMachine(provider, "test-model", nil, nil)

	plan := m.CreatePlan(context.Background(), testTask())
	if plan.Description != "Report pipeline" {
		t.Fatalf("description = %q", plan.Description)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(plan.Steps))
	}
	if plan.Steps[2].Kind != models.StepVerification {
		t.Fatalf("step 3 kind = %s, want verification", plan.Steps[2].Kind)
	}
	for _, s := range plan.Steps {
		if s.ID == "" || s.Status != models.StepPending {
			t.Fatalf("step not initialized: %+v", s)
		}
	}
}

func TestCreatePlanAcceptsObjectSteps(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"description": "d", "steps": [{"description": "First step"}, {"description": "Second step"}]}`,
	}}
	m := NewMachine(provider, "test-model", nil, nil)

	plan := m.CreatePlan(context.Background(), testTask())
	if len(plan.Steps) != 2 || plan.Steps[0].Description != "First step" {
		t.Fatalf("plan = %+v", plan.Steps)
	}
}

func TestCreatePlanFallsBackToOneStep(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("provider down")}
	m := NewMachine(provider, "test-model", nil, nil)

	task := testTask()
	plan := m.CreatePlan(context.Background(), task)
	if len(plan.Steps) != 1 {
		t.Fatalf("fallback plan should have one step, got %d", len(plan.Steps))
	}
	if plan.Steps[0].Description != task.Prompt {
		t.Fatalf("fallback step = %q", plan.Steps[0].Description)
	}

	// Unparseable output falls back the same way.
	m2 := NewMachine(&scriptedProvider{responses: []string{"no json here"}}, "test-model", nil, nil)
	if plan := m2.CreatePlan(context.Background(), task); len(plan.Steps) != 1 {
		t.Fatalf("unparseable output should fall back, got %d steps", len(plan.Steps))
	}
}

func TestStepLifecycle(t *testing.T) {
	m := machineWithSteps(t, "step one", "step two")
	plan := m.Plan()

	if err := m.StartStep(plan.Steps[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := m.StartStep(plan.Steps[1].ID); err == nil {
		t.Fatal("second concurrent in-progress step must be refused")
	}

	m.CompleteStep(plan.Steps[0].ID, "done")
	if err := m.StartStep(plan.Steps[1].ID); err != nil {
		t.Fatal(err)
	}
	m.FailStep(plan.Steps[1].ID, "boom")

	got := m.Plan()
	if got.Steps[0].Status != models.StepCompleted || got.Steps[0].Output != "done" {
		t.Fatalf("step 0 = %+v", got.Steps[0])
	}
	if got.Steps[1].Status != models.StepFailed || got.Steps[1].Error != "boom" {
		t.Fatalf("step 1 = %+v", got.Steps[1])
	}
}

func TestSetPlanNormalizesInProgress(t *testing.T) {
	m := NewMachine(nil, "", nil, nil)
	m.SetPlan(&models.Plan{Steps: []models.PlanStep{
		{ID: "a", Description: "a", Status: models.StepCompleted},
		{ID: "b", Description: "b", Status: models.StepInProgress},
	}})

	plan := m.Plan()
	if plan.Steps[1].Status != models.StepPending {
		t.Fatalf("restored in-progress step should become pending, got %s", plan.Steps[1].Status)
	}
	if next := m.NextPending(); next == nil || next.ID != "b" {
		t.Fatalf("next pending = %+v", next)
	}
}

func TestReviseInsertsAfterCurrentStep(t *testing.T) {
	m := machineWithSteps(t, "first", "last")
	plan := m.Plan()
	if err := m.StartStep(plan.Steps[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := m.Revise([]string{"inserted step"}, "new information", false, false); err != nil {
		t.Fatal(err)
	}

	got := m.Plan()
	if got.Revisions != 1 {
		t.Fatalf("revisions = %d", got.Revisions)
	}
	if got.Steps[1].Description != "inserted step" {
		t.Fatalf("insertion order wrong: %+v", got.Steps)
	}
}

func TestReviseGuards(t *testing.T) {
	m := machineWithSteps(t, "alpha")
	for i := 0; i < maxRevisions; i++ {
		if err := m.Revise([]string{strings.Repeat("unique-word ", i+2) + "step"}, "r", false, false); err != nil {
			t.Fatalf("revision %d: %v", i, err)
		}
	}
	if err := m.Revise([]string{"one more"}, "r", false, false); err == nil {
		t.Fatal("revision past the limit must be refused")
	}
}

func TestReviseRefusesSimilarToFailedSteps(t *testing.T) {
	m := machineWithSteps(t, "download the quarterly sales dataset from the portal")
	plan := m.Plan()
	if err := m.StartStep(plan.Steps[0].ID); err != nil {
		t.Fatal(err)
	}
	m.FailStep(plan.Steps[0].ID, "portal unreachable")

	similar := "download the quarterly sales dataset from the portal again"
	if err := m.Revise([]string{similar}, "retry", false, false); err == nil {
		t.Fatal("revision repeating a failed step must be refused")
	}

	// Tagged as a recovery revision, the same description is accepted and
	// its steps are marked recovery.
	if err := m.Revise([]string{similar}, "recovery", false, true); err != nil {
		t.Fatal(err)
	}
	got := m.Plan()
	last := got.Steps[len(got.Steps)-1]
	if last.Kind != models.StepRecovery {
		t.Fatalf("recovery revision step kind = %s", last.Kind)
	}
}

func TestReviseClearRemaining(t *testing.T) {
	m := machineWithSteps(t, "keep", "drop one", "drop two")
	plan := m.Plan()
	if err := m.StartStep(plan.Steps[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := m.Revise([]string{"replacement direction"}, "pivot", true, false); err != nil {
		t.Fatal(err)
	}

	got := m.Plan()
	skipped := 0
	for _, s := range got.Steps {
		if s.Status == models.StepSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if next := m.NextPending(); next == nil || next.Description != "replacement direction" {
		t.Fatalf("next pending = %+v", next)
	}
}

func TestInjectRecoveryByClass(t *testing.T) {
	m := machineWithSteps(t, "run the data export")
	plan := m.Plan()
	failed := plan.Steps[0]

	class, inserted := m.InjectRecovery(failed, "psql: command not found", false, nil)
	if class != recovery.FailureLocalRuntime {
		t.Fatalf("class = %s", class)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want diagnose+retry", inserted)
	}
	got := m.Plan()
	for _, s := range got.Steps[len(got.Steps)-2:] {
		if s.Kind != models.StepRecovery {
			t.Fatalf("recovery step kind = %s", s.Kind)
		}
	}
}

func TestInjectRecoveryUserBlockerEscalates(t *testing.T) {
	m := machineWithSteps(t, "open the admin dashboard")
	plan := m.Plan()

	class, inserted := m.InjectRecovery(plan.Steps[0], "login required: admin credentials needed", false, nil)
	if class != recovery.FailureUserBlocker {
		t.Fatalf("class = %s", class)
	}
	if inserted != 0 {
		t.Fatal("user blockers must not produce recovery steps")
	}
}

func TestInjectRecoveryRespectsBudgetAndDedup(t *testing.T) {
	m := machineWithSteps(t, "scrape the pricing page")
	plan := m.Plan()
	failed := plan.Steps[0]

	// Budget refused: nothing inserted.
	if _, inserted := m.InjectRecovery(failed, "mysterious fetch failure", false, func() bool { return false }); inserted != 0 {
		t.Fatalf("inserted %d steps past the recovery budget", inserted)
	}

	// First allowed injection inserts; an identical second one dedups.
	if _, inserted := m.InjectRecovery(failed, "mysterious fetch failure", false, func() bool { return true }); inserted == 0 {
		t.Fatal("first injection should insert")
	}
	if _, inserted := m.InjectRecovery(failed, "mysterious fetch failure", false, func() bool { return true }); inserted != 0 {
		t.Fatal("identical recovery steps must deduplicate")
	}
}

func TestInferStepKind(t *testing.T) {
	cases := map[string]models.StepKind{
		"Verify the output matches the schema":       models.StepVerification,
		"Run a verification pass over the results":   models.StepVerification,
		"Verify the fix by editing the config":       models.StepPrimary,
		"Write the summary document":                 models.StepPrimary,
	}
	for desc, want := range cases {
		if got := InferStepKind(desc); got != want {
			t.Errorf("InferStepKind(%q) = %s, want %s", desc, got, want)
		}
	}
}

func machineWithSteps(t *testing.T, descriptions ...string) *Machine {
	t.Helper()
	m := NewMachine(nil, "", nil, nil)
	plan := &models.Plan{Description: "test plan"}
	for i, d := range descriptions {
		plan.Steps = append(plan.Steps, models.PlanStep{
			ID:          string(rune('a' + i)),
			Description: d,
			Kind:        models.StepPrimary,
			Status:      models.StepPending,
		})
	}
	m.SetPlan(plan)
	return m
}
