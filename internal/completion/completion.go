// Package completion derives per-task completion contracts and guards
// task finalization: a task may only finalize as successful when the
// evidence gathered during the run satisfies its contract.
package completion

import (
	"fmt"
	"strings"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

// Contract is the set of evidence requirements derived from the task
// title and prompt.
type Contract struct {
	RequiresDirectAnswer         bool
	RequiresDecisionSignal       bool
	RequiresArtifactEvidence     bool
	RequiresExecutionEvidence    bool
	RequiresVerificationEvidence bool
}

// WebSource is a fetched page used as citation evidence.
type WebSource struct {
	URL         string
	PublishedAt time.Time
}

// Evidence is what the turn loop observed during the run.
type Evidence struct {
	FinalText            string
	ToolCalls            []models.ToolCallRecord
	WebSources           []WebSource
	VerificationOK       bool
	VerificationProblems []string
	ArtifactsCreated     []string
}

// Result is the finalized outcome.
type Result struct {
	Text   string
	Status models.TerminalStatus
}

// GuardError reports which contract checks failed. The loop either
// continues working to satisfy them or fails the task.
type GuardError struct {
	Reasons []string
}

func (e *GuardError) Error() string {
	return "completion guard: " + strings.Join(e.Reasons, "; ")
}

var decisionVerbs = []string{"choose", "decide", "pick", "select", "recommend", "which"}
var executionVerbs = []string{"run", "deploy", "install", "build", "execute", "migrate", "restart", "apply"}
var artifactCues = []string{"write a document", "write a report", "create a file", "create a document", "draft a", "save it to"}
var artifactExtensions = []string{".md", ".csv", ".html", ".pdf", ".docx", ".txt", ".json", ".xlsx"}
var highRiskClaimCues = []string{"released", "release date", "funding round", "raised $", "acquired", "announced", "valuation"}

var executionTools = map[string]bool{
	"run_command":     true,
	"run_applescript": true,
}

var mutationTools = map[string]bool{
	"write_file":       true,
	"edit_file":        true,
	"delete_file":      true,
	"move_file":        true,
	"create_directory": true,
	"canvas_push":      true,
}

// DeriveContract builds the completion contract from task heuristics.
func DeriveContract(task *models.Task) Contract {
	text := strings.ToLower(task.Title + " " + task.Prompt)

	c := Contract{}

	c.RequiresDecisionSignal = containsAny(text, decisionVerbs) &&
		(strings.Contains(text, " or ") || strings.Contains(text, "between") || strings.Contains(text, "option"))

	c.RequiresDirectAnswer = c.RequiresDecisionSignal ||
		strings.Contains(text, "?") ||
		strings.Contains(text, "recommend") ||
		strings.Contains(text, "should we") ||
		strings.Contains(text, "what is")

	c.RequiresArtifactEvidence = containsAny(text, artifactCues) || mentionsArtifactExtension(text)

	if task.AgentConfig.ExecutionMode == models.ModeExecute &&
		(task.AgentConfig.TaskDomain == models.DomainCode || task.AgentConfig.TaskDomain == models.DomainOperations) {
		c.RequiresExecutionEvidence = containsAny(text, executionVerbs)
	}

	c.RequiresVerificationEvidence = strings.Contains(text, "verify") ||
		strings.Contains(text, "verification") || strings.Contains(text, "double-check")

	return c
}

// Finalize checks the contract against the gathered evidence and returns
// the finalized result, or a GuardError naming every unmet requirement.
func Finalize(contract Contract, task *models.Task, ev Evidence) (Result, error) {
	var reasons []string

	text := strings.TrimSpace(ev.FinalText)
	if text == "" {
		reasons = append(reasons, "no substantive final answer text")
	}

	if contract.RequiresDirectAnswer && text != "" && !addressesPrompt(text, task.Prompt) {
		reasons = append(reasons, "final text does not address the prompt")
	}

	if contract.RequiresExecutionEvidence && !hasSuccessfulCall(ev.ToolCalls, executionTools) {
		reasons = append(reasons, "no successful execution tool call")
	}

	if contract.RequiresArtifactEvidence && len(ev.ArtifactsCreated) == 0 && !hasSuccessfulCall(ev.ToolCalls, mutationTools) {
		reasons = append(reasons, "no artifact was created")
	}

	if contract.RequiresVerificationEvidence && !ev.VerificationOK && len(ev.VerificationProblems) == 0 {
		reasons = append(reasons, "verification produced neither an OK signal nor a problem list")
	}

	if makesHighRiskClaims(text) && task.AgentConfig.TaskDomain == models.DomainResearch {
		if !hasDatedSource(ev.WebSources) {
			reasons = append(reasons, "high-risk factual claims lack a dated web source")
		}
	}

	if len(reasons) > 0 {
		return Result{}, &GuardError{Reasons: reasons}
	}
	return Result{Text: text, Status: models.TerminalOK}, nil
}

// FinalizeBestEffort bypasses the guards: wrap-up, timeout recovery, and
// partial-success paths take whatever answer exists. The status records
// whether the guards would have passed.
func FinalizeBestEffort(contract Contract, task *models.Task, ev Evidence) Result {
	if res, err := Finalize(contract, task, ev); err == nil {
		return res
	}
	text := strings.TrimSpace(ev.FinalText)
	if text == "" {
		text = fmt.Sprintf("The task %q was wrapped up before a complete answer was produced.", task.Title)
	}
	return Result{Text: text, Status: models.TerminalPartialSuccess}
}

// addressesPrompt is a shallow overlap check: the answer must share some
// of the prompt's significant words.
func addressesPrompt(answer, prompt string) bool {
	answerLower := strings.ToLower(answer)
	matched, significant := 0, 0
	for _, word := range strings.Fields(strings.ToLower(prompt)) {
		word = strings.Trim(word, ".,;:?!\"'()")
		if len(word) < 5 {
			continue
		}
		significant++
		if strings.Contains(answerLower, word) {
			matched++
		}
	}
	if significant == 0 {
		return true
	}
	return matched*5 >= significant // at least 20% overlap
}

func makesHighRiskClaims(text string) bool {
	return containsAny(strings.ToLower(text), highRiskClaimCues)
}

func hasDatedSource(sources []WebSource) bool {
	for _, s := range sources {
		if !s.PublishedAt.IsZero() {
			return true
		}
	}
	return false
}

func hasSuccessfulCall(records []models.ToolCallRecord, set map[string]bool) bool {
	for _, r := range records {
		if set[r.Name] && r.Outcome == models.OutcomeSuccess {
			return true
		}
	}
	return false
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

func mentionsArtifactExtension(text string) bool {
	for _, ext := range artifactExtensions {
		if strings.Contains(text, ext) {
			return true
		}
	}
	return false
}
