package budget

import (
	"testing"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

func newTestGovernor(maxTurns int) *Governor {
	return NewGovernor(Options{
		Contract:         ResolveContract(models.ProfileBalanced, maxTurns),
		ContractsEnabled: true,
	})
}

func TestResolveContract(t *testing.T) {
	tests := []struct {
		name     string
		profile  models.BudgetProfileName
		maxTurns int
		wantMax  int
	}{
		{"explicit strict", models.ProfileStrict, 0, 40},
		{"auto small", models.ProfileAuto, 20, 20},
		{"auto large", models.ProfileAuto, 150, 150},
		{"task caps profile", models.ProfileAggressive, 50, 50},
		{"balanced default", models.ProfileBalanced, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ResolveContract(tt.profile, tt.maxTurns)
			if c.MaxTurns != tt.wantMax {
				t.Errorf("MaxTurns = %d, want %d", c.MaxTurns, tt.wantMax)
			}
		})
	}
}

func TestGovernor_TurnLimit(t *testing.T) {
	g := newTestGovernor(3)
	for i := 0; i < 3; i++ {
		if err := g.BeforeLLMCall(); err != nil {
			t.Fatalf("turn %d unexpectedly blocked: %v", i, err)
		}
		g.RecordTurn(models.UsageTotals{InputTokens: 100, OutputTokens: 50})
	}

	err := g.BeforeLLMCall()
	be, ok := IsExhausted(err)
	if !ok {
		t.Fatalf("BeforeLLMCall() = %v, want ExhaustedError", err)
	}
	if be.Kind != LimitTurns || be.Code != CodeTurnLimitExceeded {
		t.Errorf("got kind=%s code=%s", be.Kind, be.Code)
	}
}

func TestGovernor_ContinuationPreservesCumulativeUsage(t *testing.T) {
	g := newTestGovernor(2)
	g.RecordTurn(models.UsageTotals{InputTokens: 100, OutputTokens: 10})
	g.RecordTurn(models.UsageTotals{InputTokens: 200, OutputTokens: 20})
	g.RecordToolCall("read_file")

	g.ResetForContinuation()

	if err := g.BeforeLLMCall(); err != nil {
		t.Fatalf("after continuation BeforeLLMCall() = %v", err)
	}
	u := g.Usage()
	if u.InputTokens != 300 || u.Turns != 2 || u.ToolCalls != 1 {
		t.Errorf("cumulative usage = %+v", u)
	}

	g.RecordTurn(models.UsageTotals{InputTokens: 50})
	if got := g.Usage().Turns; got != 3 {
		t.Errorf("Turns = %d, want 3", got)
	}
}

func TestGovernor_WebSearchBudget(t *testing.T) {
	g := NewGovernor(Options{
		Contract:         Contract{MaxToolCalls: 100, MaxWebSearchCalls: 2},
		ContractsEnabled: true,
	})
	g.RecordToolCall("web_search")
	g.RecordToolCall("web_search")

	if err := g.BeforeToolCall("read_file"); err != nil {
		t.Errorf("read_file blocked: %v", err)
	}
	err := g.BeforeToolCall("web_search")
	if be, ok := IsExhausted(err); !ok || be.Kind != LimitSearch {
		t.Errorf("BeforeToolCall(web_search) = %v, want search limit", err)
	}
}

func TestGovernor_SoftLandingOneShot(t *testing.T) {
	g := newTestGovernor(4)
	g.RecordTurn(models.UsageTotals{})
	if g.ShouldSoftLand() {
		t.Error("soft landing fired with 3 turns remaining")
	}
	g.RecordTurn(models.UsageTotals{})
	if !g.ShouldSoftLand() {
		t.Error("soft landing should fire at reserve boundary")
	}
	if g.ShouldSoftLand() {
		t.Error("soft landing must be one-shot")
	}
}

func TestGovernor_ContractsDisabledKeepsTokenBudget(t *testing.T) {
	g := NewGovernor(Options{
		Contract:         Contract{MaxTurns: 1, MaxToolCalls: 1},
		MaxTokens:        100,
		ContractsEnabled: false,
	})
	g.RecordTurn(models.UsageTotals{InputTokens: 80, OutputTokens: 30})

	// Profile caps bypassed.
	if err := g.BeforeToolCall("anything"); err != nil {
		t.Errorf("tool call blocked with contracts disabled: %v", err)
	}
	// Token budget still active.
	err := g.BeforeLLMCall()
	if be, ok := IsExhausted(err); !ok || be.Kind != LimitTokens {
		t.Errorf("BeforeLLMCall() = %v, want token limit", err)
	}
}

func TestGovernor_RecoveryStepBudget(t *testing.T) {
	g := NewGovernor(Options{
		Contract:         Contract{MaxAutoRecoverySteps: 2},
		ContractsEnabled: true,
	})
	if !g.TryPlanRecoveryStep() || !g.TryPlanRecoveryStep() {
		t.Fatal("first two recovery steps should be allowed")
	}
	if g.TryPlanRecoveryStep() {
		t.Error("third recovery step should be denied")
	}
}

func TestPacer_EWMAAndDecay(t *testing.T) {
	p := NewPacer(40)
	if p.TPS() != 40 {
		t.Errorf("fallback TPS = %v", p.TPS())
	}
	p.Observe(1000, 10*time.Second) // 100 tps
	if got := p.TPS(); got != 100 {
		t.Errorf("first observation TPS = %v, want 100", got)
	}
	p.Observe(500, 10*time.Second) // 50 tps sample -> 0.2*50 + 0.8*100 = 90
	if got := p.TPS(); got < 89 || got > 91 {
		t.Errorf("EWMA TPS = %v, want 90", got)
	}

	first := p.ComputeCallBudget(10000, 4*time.Minute, 0, false)
	retry := p.ComputeCallBudget(10000, 4*time.Minute, 1, false)
	if retry.MaxTokens >= first.MaxTokens {
		t.Errorf("retry tokens %d not decayed from %d", retry.MaxTokens, first.MaxTokens)
	}
	if retry.Deadline >= first.Deadline {
		t.Errorf("retry deadline %v not decayed from %v", retry.Deadline, first.Deadline)
	}
}

func TestPacer_ToolBearingFloor(t *testing.T) {
	p := NewPacer(40)
	b := p.ComputeCallBudget(10000, 4*time.Minute, 5, true)
	if b.MaxTokens < toolCallTokenFloor {
		t.Errorf("tool-bearing MaxTokens = %d, below floor", b.MaxTokens)
	}
	if b.Deadline > maxCallDeadline {
		t.Errorf("Deadline = %v, above cap", b.Deadline)
	}
}
