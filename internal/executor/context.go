package executor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

// buildStepMessage assembles the step-local user message: the step
// description, task context, completed-step index, cross-step tool
// warnings, and for verification steps the response contract.
func (e *Executor) buildStepMessage(step *models.PlanStep) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current step: %s\n", step.Description)
	fmt.Fprintf(&b, "Task: %s\n", e.task.Title)
	if e.task.SuccessCriteria != "" {
		fmt.Fprintf(&b, "Success criteria: %s\n", e.task.SuccessCriteria)
	}

	if p := e.planner.Plan(); p != nil {
		var completed []string
		for _, s := range p.Steps {
			if s.Status == models.StepCompleted {
				completed = append(completed, s.Description)
			}
		}
		if len(completed) > 0 {
			b.WriteString("Completed so far:\n")
			for _, c := range completed {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
	}

	if warnings := e.keeper.Failures().Warnings(); len(warnings) > 0 {
		b.WriteString("Tool reliability warnings:\n")
		for _, w := range warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	if e.lastNonVerificationOutput != "" {
		fmt.Fprintf(&b, "Most recent output:\n%s\n", clampText(e.lastNonVerificationOutput, 2000))
	}

	if step.Kind == models.StepVerification {
		b.WriteString("\nThis is a verification step. Respond with exactly \"OK\" if everything checks out, otherwise list each problem you found, one per line.")
	}
	return b.String()
}

// verificationSignal parses a verification step's final text. ok is true
// for an explicit all-clear; otherwise the non-empty lines are the
// problem list.
func verificationSignal(text string) (ok bool, problems []string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, nil
	}
	upper := strings.ToUpper(trimmed)
	if upper == "OK" || strings.HasPrefix(upper, "OK.") || strings.HasPrefix(upper, "OK —") ||
		strings.HasPrefix(upper, "OK -") || strings.HasPrefix(upper, "LGTM") {
		return true, nil
	}
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. ")); line != "" {
			problems = append(problems, line)
		}
	}
	return false, problems
}

var decisionQuestionRe = regexp.MustCompile(`(?i)(which|should i|do you want|would you prefer|do you prefer|please confirm|A or B)[^.?!]*\?`)

// isRequiredDecisionQuestion detects a blocking question the model needs
// the user to answer before it can proceed.
func isRequiredDecisionQuestion(text string) (string, bool) {
	if !strings.Contains(text, "?") {
		return "", false
	}
	if m := decisionQuestionRe.FindString(text); m != "" {
		return strings.TrimSpace(m), true
	}
	return "", false
}

var publishDateRes = []*regexp.Regexp{
	regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`),
	regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),\s+(20\d{2})\b`),
}

// parsePublishDate extracts a publish date from fetched page content for
// citation evidence. Zero time when none is found.
func parsePublishDate(content string) time.Time {
	if m := publishDateRes[0].FindString(content); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t
		}
	}
	if m := publishDateRes[1].FindString(content); m != "" {
		if t, err := time.Parse("January 2, 2006", m); err == nil {
			return t
		}
	}
	return time.Time{}
}

// looksLikeContextOverflow classifies provider errors that mean the
// request exceeded the model context window, which triggers reactive
// compaction instead of a retry.
func looksLikeContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "too many tokens") ||
		strings.Contains(msg, "prompt is too long")
}

func clampText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
