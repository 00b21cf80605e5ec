package recovery

import (
	"strings"
	"testing"

	"github.com/praxisworks/praxis/pkg/models"
)

func record(name, target string, outcome models.ToolOutcome) models.ToolCallRecord {
	return models.ToolCallRecord{Name: name, Target: target, Outcome: outcome}
}

func kinds(nudges []Nudge) []NudgeKind {
	out := make([]NudgeKind, len(nudges))
	for i, n := range nudges {
		out[i] = n.Kind
	}
	return out
}

func hasKind(nudges []Nudge, kind NudgeKind) bool {
	for _, n := range nudges {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func TestToolLoopTriggersExactlyOneNudge(t *testing.T) {
	c := NewController(nil)

	for i := 0; i < toolLoopConsecutive; i++ {
		c.ObserveToolCall(record("read_file", "/src/main.go", models.OutcomeSuccess))
	}
	first := c.AfterTurn(nil)
	if !hasKind(first, NudgeLoopBreak) {
		t.Fatalf("expected loop-break nudge, got %v", kinds(first))
	}

	// The loop continues; the nudge must not repeat within the step.
	c.ObserveToolCall(record("read_file", "/src/main.go", models.OutcomeSuccess))
	second := c.AfterTurn(nil)
	if hasKind(second, NudgeLoopBreak) {
		t.Fatal("loop-break nudge fired twice in one step")
	}
}

func TestToolLoopFoldsEquivalentSearchTools(t *testing.T) {
	c := NewController(nil)

	// web_search and run_command-wrapping-grep count as the same category.
	c.ObserveToolCall(record("web_search", "ErrNotFound", models.OutcomeSuccess))
	c.ObserveToolCall(record("codebase_search", "ErrNotFound", models.OutcomeSuccess))
	c.ObserveToolCall(record("run_command", "grep -r ErrNotFound", models.OutcomeSuccess))

	// Signatures differ for the command form, so no loop yet.
	if hasKind(c.AfterTurn(nil), NudgeLoopBreak) {
		t.Fatal("differing signatures should not trigger the loop nudge")
	}

	if got := ToolCategory("run_command", "rg pattern src/"); got != "search" {
		t.Fatalf("category = %q, want search", got)
	}
	if got := ToolCategory("run_command", "make build"); got != "execute" {
		t.Fatalf("category = %q, want execute", got)
	}
}

func TestToolLoopResetOnStepBoundary(t *testing.T) {
	c := NewController(nil)
	for i := 0; i < toolLoopConsecutive; i++ {
		c.ObserveToolCall(record("read_file", "/a", models.OutcomeSuccess))
	}
	c.AfterTurn(nil)
	c.ResetForStep()

	for i := 0; i < toolLoopConsecutive; i++ {
		c.ObserveToolCall(record("read_file", "/a", models.OutcomeSuccess))
	}
	if !hasKind(c.AfterTurn(nil), NudgeLoopBreak) {
		t.Fatal("nudge one-shot flag should reset per step")
	}
}

func TestLowProgressDetectorGroupsByBaseTarget(t *testing.T) {
	c := NewController(nil)

	// Different line ranges on the same file are one base target. Vary the
	// category so the stricter consecutive-loop detector stays quiet.
	targets := []string{"/pkg/a.go:10", "/pkg/a.go:55-80", "/pkg/a.go:91", "/pkg/a.go"}
	names := []string{"read_file", "edit_file", "read_file", "edit_file"}
	for i, target := range targets {
		c.ObserveToolCall(record(names[i], target, models.OutcomeSuccess))
	}

	nudges := c.AfterTurn(nil)
	if !hasKind(nudges, NudgeLowProgress) {
		t.Fatalf("expected low-progress nudge, got %v", kinds(nudges))
	}
}

func TestVariedFailureCounterNeverResets(t *testing.T) {
	c := NewController(nil)

	// Failures interleaved with successes still accumulate.
	for i := 0; i < variedFailureThreshold; i++ {
		c.ObserveToolCall(record("web_fetch", "https://a.example/"+strings.Repeat("x", i+1), models.OutcomeFailure))
		c.ObserveToolCall(record("web_fetch", "https://b.example/"+strings.Repeat("y", i+1), models.OutcomeSuccess))
		c.ResetForStep() // survives step boundaries too
	}

	nudges := c.AfterTurn(nil)
	if !hasKind(nudges, NudgeVariedFailure) {
		t.Fatalf("expected varied-failure nudge, got %v", kinds(nudges))
	}
	var msg string
	for _, n := range nudges {
		if n.Kind == NudgeVariedFailure {
			msg = n.Message
		}
	}
	if !strings.Contains(msg, "web_fetch") {
		t.Fatalf("nudge should name the failing tool: %s", msg)
	}
}

func TestDuplicateOutcomesDoNotCountAsFailures(t *testing.T) {
	c := NewController(nil)
	for i := 0; i < variedFailureThreshold+2; i++ {
		c.ObserveToolCall(record("web_search", "same query", models.OutcomeDuplicate))
	}
	if hasKind(c.AfterTurn(nil), NudgeVariedFailure) {
		t.Fatal("duplicate rejections must not feed the varied-failure counter")
	}
}

func TestStopReasonStreaks(t *testing.T) {
	c := NewController(nil)
	for i := 0; i < toolUseStreakLimit; i++ {
		c.ObserveStopReason(models.StopToolUse)
	}
	if !hasKind(c.AfterTurn(nil), NudgeStopReason) {
		t.Fatal("expected stop-reason nudge after a tool_use streak")
	}

	c2 := NewController(nil)
	for i := 0; i < maxTokensStreakLimit; i++ {
		c2.ObserveStopReason(models.StopMaxTokens)
	}
	if !hasKind(c2.AfterTurn(nil), NudgeStopReason) {
		t.Fatal("expected stop-reason nudge after a max_tokens streak")
	}

	// An intervening end_turn breaks the streak.
	c3 := NewController(nil)
	for i := 0; i < toolUseStreakLimit-1; i++ {
		c3.ObserveStopReason(models.StopToolUse)
	}
	c3.ObserveStopReason(models.StopEndTurn)
	c3.ObserveStopReason(models.StopToolUse)
	if hasKind(c3.AfterTurn(nil), NudgeStopReason) {
		t.Fatal("broken streak should not trigger the nudge")
	}
}

func TestToolRecoveryHintWhenAllAttemptsBlocked(t *testing.T) {
	c := NewController(nil)

	records := []models.ToolCallRecord{
		record("web_fetch", "https://a", models.OutcomeBlocked),
		record("web_search", "q", models.OutcomeDuplicate),
		record("run_command", "ls", models.OutcomeUnavailable),
	}
	nudges := c.AfterTurn(records)
	if !hasKind(nudges, NudgeToolRecovery) {
		t.Fatalf("expected tool-recovery hint, got %v", kinds(nudges))
	}

	if !AllAttemptsBlocked(records) {
		t.Fatal("AllAttemptsBlocked should be true")
	}

	mixed := append(records, record("read_file", "/a", models.OutcomeSuccess))
	if AllAttemptsBlocked(mixed) {
		t.Fatal("a successful attempt should clear the failure decision")
	}
	if hasKind(NewController(nil).AfterTurn(mixed), NudgeToolRecovery) {
		t.Fatal("mixed outcomes should not trigger the recovery hint")
	}

	if AllAttemptsBlocked(nil) {
		t.Fatal("a turn with no tool calls is not a blocked turn")
	}
}

func TestMaxTokensRecoveryBudget(t *testing.T) {
	var r MaxTokensRecovery
	for i := 0; i < maxMaxTokensRecoveries; i++ {
		if !r.TryContinue() {
			t.Fatalf("continuation %d should be allowed", i)
		}
	}
	if r.TryContinue() {
		t.Fatal("continuation past the budget must be refused")
	}
	r.Reset()
	if !r.TryContinue() {
		t.Fatal("reset should restore the allowance")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		reason string
		want   StepFailureClass
	}{
		{"the page says: login required to view this dashboard", FailureUserBlocker},
		{"upstream returned 429 too many requests", FailureProviderQuota},
		{"bash: jq: command not found", FailureLocalRuntime},
		{"open /tmp/x: no such file or directory", FailureLocalRuntime},
		{"fetch failed: TLS handshake mysteriously aborted", FailureExternalUnknown},
		// user blockers win even when quota cues are also present
		{"rate limit hit; sign in to raise your quota", FailureUserBlocker},
	}
	for _, tc := range cases {
		if got := Classify(tc.reason); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestRecoverySteps(t *testing.T) {
	if steps := RecoverySteps(FailureUserBlocker, "deploy the site", "needs credentials", false); steps != nil {
		t.Fatalf("user blocker must produce no recovery steps, got %v", steps)
	}

	local := RecoverySteps(FailureLocalRuntime, "run the migration", "psql: command not found", false)
	if len(local) != 2 {
		t.Fatalf("local runtime recovery should diagnose then retry, got %d steps", len(local))
	}
	if !strings.Contains(local[0], "Diagnose") {
		t.Fatalf("first step = %q", local[0])
	}

	deep := RecoverySteps(FailureExternalUnknown, "scrape the pricing page", "unparseable page", true)
	if len(deep) != 2 || !strings.Contains(deep[0], "web_search") {
		t.Fatalf("deep-work recovery should lead with research, got %v", deep)
	}

	normal := RecoverySteps(FailureExternalUnknown, "scrape the pricing page", "unparseable page", false)
	if len(normal) != 1 || !strings.Contains(normal[0], "alternate toolchain") {
		t.Fatalf("normal-mode recovery should prefer an alternate toolchain, got %v", normal)
	}
}

func TestBaseTarget(t *testing.T) {
	cases := map[string]string{
		"/pkg/a.go:10-40":            "/pkg/a.go",
		"/pkg/a.go":                  "/pkg/a.go",
		"https://x.example/p?q=1":    "https://x.example/p",
		"https://x.example/p#frag":   "https://x.example/p",
		"C:no-line-range-here-words": "C:no-line-range-here-words",
		"":                           "",
	}
	for in, want := range cases {
		if got := baseTarget(in); got != want {
			t.Errorf("baseTarget(%q) = %q, want %q", in, got, want)
		}
	}
}
