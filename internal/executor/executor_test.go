package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/praxisworks/praxis/internal/conversation"
	"github.com/praxisworks/praxis/internal/gatekeeper"
	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/pkg/models"
)

// scriptedProvider returns canned responses in order. Calls past the end
// of the script fail, which surfaces as a provider outage to the loop.
type scriptedProvider struct {
	mu     sync.Mutex
	script []func() (*llm.Response, error)
	calls  int
}

func (p *scriptedProvider) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.script) {
		p.calls++
		return nil, errors.New("scripted provider: no response left")
	}
	fn := p.script[p.calls]
	p.calls++
	return fn()
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ContextWindow(model string) int { return 200000 }

func respond(resp *llm.Response) func() (*llm.Response, error) {
	return func() (*llm.Response, error) { return resp, nil }
}

func planResponse(steps ...string) *llm.Response {
	quoted := make([]string, len(steps))
	for i, s := range steps {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	text := fmt.Sprintf(`{"description": "test plan", "steps": [%s]}`, strings.Join(quoted, ","))
	return textResponse(text, models.StopEndTurn)
}

func textResponse(text string, stop models.StopReason) *llm.Response {
	return &llm.Response{
		Content:    []models.ContentBlock{models.TextBlock(text)},
		StopReason: stop,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(id, name, input string) *llm.Response {
	return &llm.Response{
		Content:    []models.ContentBlock{models.ToolUseBlock(id, name, json.RawMessage(input))},
		StopReason: models.StopToolUse,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

type fakeRegistry struct {
	mu      sync.Mutex
	outputs map[string]gatekeeper.ToolOutput
	calls   []string
}

func (r *fakeRegistry) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (gatekeeper.ToolOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	if out, ok := r.outputs[name]; ok {
		return out, nil
	}
	return gatekeeper.ToolOutput{Content: "done"}, nil
}

func (r *fakeRegistry) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{Name: "read_file"},
		{Name: "write_file"},
		{Name: "web_search", Idempotent: true},
	}
}

func (r *fakeRegistry) Has(name string) bool {
	for _, s := range r.Schemas() {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (r *fakeRegistry) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Emit(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count(typ models.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*ConversationSnapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[string]*ConversationSnapshot)}
}

func (s *memSnapshots) Write(ctx context.Context, snap *ConversationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.TaskID] = snap
	return nil
}

func (s *memSnapshots) Load(ctx context.Context, taskID string) (*ConversationSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[taskID], nil
}

func (s *memSnapshots) PruneOld(ctx context.Context, taskID string) error { return nil }

func testTask() *models.Task {
	return &models.Task{
		ID:     "task-1",
		Title:  "Summarize project notes",
		Prompt: "Summarize the project notes and list the main risks",
		Source: models.SourceUser,
		AgentConfig: models.AgentConfig{
			ExecutionMode: models.ModeExecute,
			TaskDomain:    models.DomainCode,
			BudgetProfile: models.ProfileBalanced,
		},
	}
}

func newTestExecutor(t *testing.T, task *models.Task, script []func() (*llm.Response, error)) (*Executor, *recordingSink, *fakeRegistry) {
	t.Helper()
	sink := &recordingSink{}
	registry := &fakeRegistry{outputs: map[string]gatekeeper.ToolOutput{}}
	ex := New(Options{
		Task:     task,
		Provider: &scriptedProvider{script: script},
		Registry: registry,
		Sink:     sink,
	})
	return ex, sink, registry
}

func TestExecuteCompletesPlan(t *testing.T) {
	task := testTask()
	ex, sink, _ := newTestExecutor(t, task, []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		respond(textResponse("The project notes list three main risks: scope creep, data loss, and vendor lock-in.", models.StopEndTurn)),
	})

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.TerminalStatus != models.TerminalOK {
		t.Fatalf("terminal status = %s, want ok", task.TerminalStatus)
	}
	if !strings.Contains(task.ResultSummary, "three main risks") {
		t.Fatalf("result summary = %q", task.ResultSummary)
	}
	if task.Usage.Turns != 1 {
		t.Fatalf("turns = %d, want 1", task.Usage.Turns)
	}
	for _, typ := range []models.EventType{
		models.EventPlanCreated, models.EventStepStarted,
		models.EventStepCompleted, models.EventTaskCompleted,
	} {
		if sink.count(typ) == 0 {
			t.Errorf("missing event %s", typ)
		}
	}
}

func TestExecutePairsToolResults(t *testing.T) {
	task := testTask()
	ex, _, registry := newTestExecutor(t, task, []func() (*llm.Response, error){
		respond(planResponse("Read notes.txt and summarize it")),
		respond(toolResponse("tu-1", "read_file", `{"path": "notes.txt"}`)),
		respond(textResponse("The project notes list one main risk: scope creep.", models.StopEndTurn)),
	})
	registry.outputs["read_file"] = gatekeeper.ToolOutput{Content: "risk: scope creep"}

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if registry.callCount() != 1 {
		t.Fatalf("registry calls = %d, want 1", registry.callCount())
	}

	// The tool_result must land in a user message paired to the tool_use.
	var paired bool
	for _, msg := range ex.store.Messages() {
		if msg.Role != models.RoleUser {
			continue
		}
		for _, res := range msg.ToolResults() {
			if res.ToolUseID == "tu-1" && !res.IsError {
				paired = true
			}
		}
	}
	if !paired {
		t.Fatal("no tool_result paired with tu-1")
	}

	ev := ex.currentEvidence()
	if len(ev.ToolCalls) != 1 || ev.ToolCalls[0].Outcome != models.OutcomeSuccess {
		t.Fatalf("evidence tool calls = %+v", ev.ToolCalls)
	}
}

func TestLoopBreakNudgeInjectedOnce(t *testing.T) {
	task := testTask()
	ex, sink, _ := newTestExecutor(t, task, []func() (*llm.Response, error){
		respond(planResponse("Research the project risk baseline")),
		respond(toolResponse("tu-s1", "web_search", `{"query": "project risk baseline"}`)),
		respond(toolResponse("tu-s2", "web_search", `{"query": "project risk baseline"}`)),
		respond(toolResponse("tu-s3", "web_search", `{"query": "project risk baseline"}`)),
		respond(textResponse("The project risk baseline is documented in the notes.", models.StopEndTurn)),
	})

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	nudges := 0
	for _, msg := range ex.store.Messages() {
		if msg.Role == models.RoleUser && strings.Contains(msg.PlainText(), "Change approach") {
			nudges++
		}
	}
	if nudges != 1 {
		t.Fatalf("loop-break nudges in conversation = %d, want 1", nudges)
	}
	if got := sink.count(models.EventLowProgressLoop); got != 1 {
		t.Fatalf("low_progress_loop events = %d, want 1", got)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
}

func TestRequiredDecisionPausesAndResumes(t *testing.T) {
	task := testTask()
	task.AgentConfig.AllowUserInput = true
	task.AgentConfig.PauseForRequiredDecision = true

	ex, sink, _ := newTestExecutor(t, task, []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		respond(textResponse("Should I include the archived notes or only the current ones?", models.StopEndTurn)),
		respond(textResponse("Understood, I will use only the current notes.", models.StopEndTurn)),
		respond(textResponse("The current project notes list two main risks: scope creep and data loss.", models.StopEndTurn)),
	})

	err := ex.Execute(context.Background())
	if !IsAwaitingUserInput(err) {
		t.Fatalf("Execute err = %v, want awaiting user input", err)
	}
	if task.Status != models.TaskPaused {
		t.Fatalf("status = %s, want paused", task.Status)
	}
	if sink.count(models.EventAwaitingUserInput) == 0 {
		t.Fatal("missing awaiting_user_input event")
	}

	if err := ex.SendMessage(context.Background(), "Only the current ones."); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status after resume = %s, want completed", task.Status)
	}
	if !strings.Contains(task.ResultSummary, "scope creep") {
		t.Fatalf("result summary = %q", task.ResultSummary)
	}
}

func TestWrapUpFinalizesBestEffort(t *testing.T) {
	task := testTask()
	var ex *Executor
	script := []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		func() (*llm.Response, error) {
			ex.WrapUp()
			return textResponse("Partial findings: the notes mention scope creep.", models.StopToolUse), nil
		},
	}
	ex, _, _ = newTestExecutor(t, task, script)

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.TerminalStatus == "" {
		t.Fatal("terminal status not set")
	}
	if task.ResultSummary == "" {
		t.Fatal("result summary not set")
	}
}

func TestCancelSkipsFinalization(t *testing.T) {
	task := testTask()
	var ex *Executor
	script := []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		func() (*llm.Response, error) {
			ex.Cancel(CancelUser)
			return textResponse("still working", models.StopToolUse), nil
		},
	}
	ex, _, _ = newTestExecutor(t, task, script)

	err := ex.Execute(context.Background())
	reason, ok := Cancelled(err)
	if !ok || reason != CancelUser {
		t.Fatalf("err = %v, want user cancellation", err)
	}
	if task.Status != models.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if task.TerminalStatus != "" {
		t.Fatalf("terminal status = %s, want unset", task.TerminalStatus)
	}
}

func TestBudgetExhaustionThenContinuation(t *testing.T) {
	task := testTask()
	task.AgentConfig.MaxTokens = 100

	first := textResponse("Gathered part of the summary so far.", models.StopToolUse)
	first.Usage = llm.Usage{InputTokens: 90, OutputTokens: 30}
	final := textResponse("The project notes list one main risk: scope creep.", models.StopEndTurn)
	final.Usage = llm.Usage{InputTokens: 40, OutputTokens: 10}

	ex, sink, _ := newTestExecutor(t, task, []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		respond(first),
		respond(final),
	})

	err := ex.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute succeeded, want budget exhaustion")
	}
	if task.Status != models.TaskFailed || task.FailureClass != models.FailureBudgetExhausted {
		t.Fatalf("status = %s / %s", task.Status, task.FailureClass)
	}

	if err := ex.ContinueAfterBudgetExhausted(context.Background()); err != nil {
		t.Fatalf("ContinueAfterBudgetExhausted: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status after continuation = %s, want completed", task.Status)
	}
	// Cumulative totals span both runs.
	if task.Usage.Turns != 2 {
		t.Fatalf("cumulative turns = %d, want 2", task.Usage.Turns)
	}
	if task.Usage.InputTokens != 130 {
		t.Fatalf("cumulative input tokens = %d, want 130", task.Usage.InputTokens)
	}
	if sink.count(models.EventBudgetReset) != 1 {
		t.Fatal("missing budget reset event")
	}
}

func TestResumeAfterInterruptionRestoresSnapshot(t *testing.T) {
	snaps := newMemSnapshots()
	task := testTask()

	registry := &fakeRegistry{outputs: map[string]gatekeeper.ToolOutput{
		"read_file": {Content: "risk: scope creep"},
	}}
	ex1 := New(Options{
		Task:     task,
		Provider: &scriptedProvider{script: []func() (*llm.Response, error){
			respond(planResponse("Read notes.txt and summarize it")),
			respond(toolResponse("tu-1", "read_file", `{"path": "notes.txt"}`)),
			// Script exhausted: subsequent calls fail like a provider outage.
		}},
		Registry:  registry,
		Snapshots: snaps,
	})
	if err := ex1.Execute(context.Background()); err == nil {
		t.Fatal("first run succeeded, want provider failure")
	}
	if snaps.snaps[task.ID] == nil {
		t.Fatal("no snapshot written before the outage")
	}

	ex2 := New(Options{
		Task: task,
		Provider: &scriptedProvider{script: []func() (*llm.Response, error){
			respond(textResponse("The project notes list one main risk: scope creep.", models.StopEndTurn)),
		}},
		Registry:  &fakeRegistry{outputs: map[string]gatekeeper.ToolOutput{}},
		Snapshots: snaps,
	})
	if err := ex2.ResumeAfterInterruption(context.Background()); err != nil {
		t.Fatalf("ResumeAfterInterruption: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}

	// The restored conversation still carries the first run's tool result.
	var restored bool
	for _, msg := range ex2.store.Messages() {
		for _, res := range msg.ToolResults() {
			if res.ToolUseID == "tu-1" {
				restored = true
			}
		}
	}
	if !restored {
		t.Fatal("restored conversation lost the first run's tool result")
	}
	if task.Usage.Turns != 2 {
		t.Fatalf("cumulative turns = %d, want 2", task.Usage.Turns)
	}
}

// toolCountingProvider records the tool set offered on every call.
type toolCountingProvider struct {
	scriptedProvider
	toolMu    sync.Mutex
	toolNames [][]string
}

func (p *toolCountingProvider) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	names := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	p.toolMu.Lock()
	p.toolNames = append(p.toolNames, names)
	p.toolMu.Unlock()
	return p.scriptedProvider.CreateMessage(ctx, req)
}

type largeRegistry struct {
	fakeRegistry
	schemas []llm.ToolSchema
}

func (r *largeRegistry) Schemas() []llm.ToolSchema { return r.schemas }

func (r *largeRegistry) Has(name string) bool {
	for _, s := range r.schemas {
		if s.Name == name {
			return true
		}
	}
	return false
}

func TestLargeRegistryOfferedSetIsCapped(t *testing.T) {
	task := testTask()
	schemas := manySchemas(150, 3)
	schemas[0] = llm.ToolSchema{Name: "web_search", Idempotent: true, Builtin: true}
	relevant := &schemas[100]
	relevant.Keywords = []string{"risks"}

	provider := &toolCountingProvider{scriptedProvider: scriptedProvider{script: []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		respond(textResponse("The project notes list three main risks: scope creep, data loss, and vendor lock-in.", models.StopEndTurn)),
	}}}
	ex := New(Options{
		Task:     task,
		Provider: provider,
		Registry: &largeRegistry{schemas: schemas},
		Sink:     &recordingSink{},
	})

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	provider.toolMu.Lock()
	defer provider.toolMu.Unlock()
	var stepCall []string
	for _, names := range provider.toolNames {
		if len(names) > baseMaxToolsOffered {
			t.Fatalf("a call offered %d tools, cap is %d", len(names), baseMaxToolsOffered)
		}
		if len(names) > 0 {
			stepCall = names
		}
	}
	if len(stepCall) != baseMaxToolsOffered {
		t.Fatalf("step call offered %d tools, want %d", len(stepCall), baseMaxToolsOffered)
	}
	offered := make(map[string]bool, len(stepCall))
	for _, name := range stepCall {
		offered[name] = true
	}
	if !offered["web_search"] {
		t.Fatal("builtin web_search missing from the capped set")
	}
	if !offered[relevant.Name] {
		t.Fatalf("prompt-relevant tool %s missing from the capped set", relevant.Name)
	}
}

func TestRevisePlanInsertsStepsMidRun(t *testing.T) {
	task := testTask()
	var ex *Executor
	script := []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		func() (*llm.Response, error) {
			if err := ex.RevisePlan([]string{"List the main risks as text"}, "risk list requested", false); err != nil {
				return nil, err
			}
			return textResponse("The notes cover the planned milestones and open questions.", models.StopEndTurn), nil
		},
		respond(textResponse("The main project risks are scope creep and data loss.", models.StopEndTurn)),
	}
	ex, sink, _ := newTestExecutor(t, task, script)

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if sink.count(models.EventPlanRevised) != 1 {
		t.Fatalf("plan_revised events = %d, want 1", sink.count(models.EventPlanRevised))
	}
	p := ex.planner.Plan()
	if len(p.Steps) != 2 {
		t.Fatalf("plan steps = %d, want 2", len(p.Steps))
	}
	if p.CompletedCount() != 2 {
		t.Fatalf("completed steps = %d, want 2", p.CompletedCount())
	}
}

func TestRevisePlanWithoutPlanFails(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testTask(), nil)
	if err := ex.RevisePlan([]string{"anything"}, "too early", false); err == nil {
		t.Fatal("RevisePlan succeeded before a plan exists")
	}
}

func TestSwitchWorkspaceDropsFileCaches(t *testing.T) {
	ex, sink, _ := newTestExecutor(t, testTask(), nil)
	ex.keeper.FileOps().RecordRead("notes.txt", "cached content")

	ex.SwitchWorkspace("/srv/other")

	if ex.task.Workspace != "/srv/other" {
		t.Fatalf("workspace = %q, want /srv/other", ex.task.Workspace)
	}
	if _, ok := ex.keeper.FileOps().CachedRead("notes.txt"); ok {
		t.Fatal("file cache survived the workspace switch")
	}
	if sink.count(models.EventWorkspaceSwitched) != 1 {
		t.Fatalf("workspace_switched events = %d, want 1", sink.count(models.EventWorkspaceSwitched))
	}
}

func TestSetWorkspacePermissionsAppliesToNextCall(t *testing.T) {
	ex, sink, _ := newTestExecutor(t, testTask(), nil)

	ex.SetWorkspacePermissions(nil, []string{"write_file"})

	out := ex.keeper.Process(context.Background(), gatekeeper.Request{
		ToolUseID: "tu-1",
		Name:      "write_file",
		Input:     json.RawMessage(`{"path": "a.txt", "content": "x"}`),
	})
	if out.Executed || out.Record.Outcome != models.OutcomeUnavailable {
		t.Fatalf("write_file outcome = %s, want unavailable", out.Record.Outcome)
	}
	if sink.count(models.EventWorkspacePermissions) != 1 {
		t.Fatalf("workspace_permissions events = %d, want 1", sink.count(models.EventWorkspacePermissions))
	}
}

func TestProgressJournalEmittedAtStepBoundaries(t *testing.T) {
	task := testTask()
	task.AgentConfig.ProgressJournalEnabled = true
	ex, sink, _ := newTestExecutor(t, task, []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes", "List the main risks as text")),
		respond(textResponse("The notes cover the planned milestones.", models.StopEndTurn)),
		respond(textResponse("The main risks are scope creep and data loss.", models.StopEndTurn)),
	})

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := sink.count(models.EventProgressJournal); got != 2 {
		t.Fatalf("progress_journal events = %d, want 2", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		if ev.Type != models.EventProgressJournal {
			continue
		}
		if ev.Payload["status"] != "completed" {
			t.Fatalf("journal status = %v, want completed", ev.Payload["status"])
		}
		if ev.Payload["total_steps"] != 2 {
			t.Fatalf("journal total_steps = %v, want 2", ev.Payload["total_steps"])
		}
	}
}

func TestProgressJournalOffByDefault(t *testing.T) {
	ex, sink, _ := newTestExecutor(t, testTask(), []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes")),
		respond(textResponse("The notes list one main risk: scope creep.", models.StopEndTurn)),
	})
	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := sink.count(models.EventProgressJournal); got != 0 {
		t.Fatalf("progress_journal events = %d, want 0", got)
	}
}

// smallWindowProvider shrinks the context window so compaction triggers
// on a short conversation.
type smallWindowProvider struct {
	scriptedProvider
}

func (p *smallWindowProvider) ContextWindow(model string) int { return 1000 }

func TestCompactionSummaryFramedOnce(t *testing.T) {
	provider := &smallWindowProvider{scriptedProvider{script: []func() (*llm.Response, error){
		respond(textResponse("## Primary Request\nSummarize the notes.\n\n## Current State\nHalfway done.", models.StopEndTurn)),
	}}}
	ex := New(Options{
		Task:     testTask(),
		Provider: provider,
		Registry: &fakeRegistry{outputs: map[string]gatekeeper.ToolOutput{}},
		Sink:     &recordingSink{},
	})

	filler := strings.Repeat("note line with supporting detail. ", 30)
	for i := 0; i < 12; i++ {
		ex.store.Append(models.UserText(fmt.Sprintf("%d %s", i, filler)))
		ex.store.Append(models.AssistantText(fmt.Sprintf("ack %d %s", i, filler)))
	}

	ex.maybeCompact(context.Background(), true)

	var pinned string
	for _, msg := range ex.store.Messages() {
		if msg.Pinned == string(conversation.PinnedCompactionSummary) {
			pinned = msg.PlainText()
		}
	}
	if pinned == "" {
		t.Fatal("no pinned compaction summary after reactive compaction")
	}
	if got := strings.Count(pinned, "handoff summary from a previous agent"); got != 1 {
		t.Fatalf("handoff preamble appears %d times, want exactly 1", got)
	}
	if !strings.Contains(pinned, "Halfway done.") {
		t.Fatalf("pinned summary lost the model's text: %q", pinned)
	}
}

func TestIterationExhaustionDoesNotReusePriorStepText(t *testing.T) {
	task := testTask()
	ex := New(Options{
		Task: task,
		Provider: &scriptedProvider{script: []func() (*llm.Response, error){
			respond(planResponse("Summarize the project notes", "Write the summary to summary.txt")),
			respond(textResponse("The notes mention scope creep.", models.StopEndTurn)),
			respond(toolResponse("tu-1", "write_file", `{"path": "a.txt", "content": "draft"}`)),
			respond(toolResponse("tu-2", "write_file", `{"path": "b.txt", "content": "draft"}`)),
			respond(textResponse("Wrote the summary through the fallback toolchain.", models.StopEndTurn)),
		}},
		Registry: &fakeRegistry{outputs: map[string]gatekeeper.ToolOutput{}},
		Sink:     &recordingSink{},
		Config:   &Config{MaxIterations: 2},
	})

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	p := ex.planner.Plan()
	if p == nil || len(p.Steps) < 2 {
		t.Fatal("plan missing expected steps")
	}
	second := p.Steps[1]
	if second.Status != models.StepFailed {
		t.Fatalf("second step status = %s, want failed; output = %q", second.Status, second.Output)
	}
	if second.Error != "step produced no output" {
		t.Fatalf("second step error = %q", second.Error)
	}
}

func TestStepFeedbackSkip(t *testing.T) {
	task := testTask()
	var ex *Executor
	script := []func() (*llm.Response, error){
		respond(planResponse("Summarize the project notes", "List the main risks as text")),
		func() (*llm.Response, error) {
			// Feedback arrives while the first step is mid-flight; the loop
			// applies it at the next iteration boundary.
			ex.SetStepFeedback("", FeedbackSkip, "")
			return textResponse("working on the summary", models.StopToolUse), nil
		},
		respond(textResponse("The main project risks are scope creep and data loss.", models.StopEndTurn)),
	}
	ex, sink, _ := newTestExecutor(t, task, script)

	if err := ex.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sink.count(models.EventStepSkipped) != 1 {
		t.Fatalf("step_skipped events = %d, want 1", sink.count(models.EventStepSkipped))
	}
	if task.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
}
