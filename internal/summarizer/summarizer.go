// Package summarizer produces structured handoff summaries for messages
// dropped by context compaction.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/pkg/models"
)

// Per-role clamps for the transcript fed to the summary model. User
// messages are clamped less aggressively than assistant output; tool
// traffic gets the shortest budget.
const (
	userClampChars      = 1600
	assistantClampChars = 900
	toolClampChars      = 300

	summaryMaxTokens = 1024
)

// sections fixed by the handoff format. The summary model is instructed to
// fill every section; readers downstream rely on the headings.
var sections = []string{
	"Primary Request",
	"User Messages",
	"Work Completed",
	"Errors and Fixes",
	"Key Technical Details",
	"Decisions",
	"Pending Work",
	"Current State",
	"Recommended Next Step",
}

// Summarizer turns dropped conversation slices into handoff summaries.
type Summarizer struct {
	provider llm.Provider
	model    string
	logger   *slog.Logger
}

// New creates a summarizer backed by the given provider and model.
func New(provider llm.Provider, model string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{provider: provider, model: model, logger: logger}
}

// Summarize produces a structured summary of the dropped messages within
// tokenBudget. On LLM failure it falls back to a deterministic truncated
// transcript so compaction can always proceed.
func (s *Summarizer) Summarize(ctx context.Context, dropped []models.Message, tokenBudget int) string {
	if len(dropped) == 0 {
		return ""
	}
	if tokenBudget <= 0 {
		tokenBudget = summaryMaxTokens
	}

	transcript := FormatTranscript(dropped)
	summary, err := s.callModel(ctx, transcript, tokenBudget)
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			s.logger.Warn("summary model failed, using truncated transcript", "error", err)
		}
		summary = fallbackSummary(transcript, tokenBudget)
	}
	return Frame(ClampToTokens(summary, tokenBudget))
}

func (s *Summarizer) callModel(ctx context.Context, transcript string, tokenBudget int) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("no summary provider configured")
	}
	prompt := strings.Builder{}
	prompt.WriteString("Summarize the following agent conversation transcript for a handoff. ")
	prompt.WriteString("Use exactly these sections, each as a markdown heading:\n")
	for _, sec := range sections {
		fmt.Fprintf(&prompt, "- %s\n", sec)
	}
	prompt.WriteString("\nTranscript:\n")
	prompt.WriteString(transcript)

	resp, err := s.provider.CreateMessage(ctx, &llm.Request{
		Model:     s.model,
		Messages:  []models.Message{models.UserText(prompt.String())},
		MaxTokens: tokenBudget,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// FormatTranscript renders messages as a role-aware clamped transcript.
func FormatTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			if m.HasToolResult() {
				for _, r := range m.ToolResults() {
					status := "ok"
					if r.IsError {
						status = "error"
					}
					fmt.Fprintf(&b, "[tool_result %s %s] %s\n", r.ToolUseID, status, clamp(r.Content, toolClampChars))
				}
			}
			if text := m.PlainText(); text != "" {
				fmt.Fprintf(&b, "[user] %s\n", clamp(text, userClampChars))
			}
		case models.RoleAssistant:
			if text := m.PlainText(); text != "" {
				fmt.Fprintf(&b, "[assistant] %s\n", clamp(text, assistantClampChars))
			}
			for _, u := range m.ToolUses() {
				fmt.Fprintf(&b, "[tool_use %s %s] %s\n", u.ID, u.Name, clamp(string(u.Input), toolClampChars))
			}
		}
	}
	return b.String()
}

// Frame wraps the summary as a handoff from a previous agent so the model
// treats it as authoritative context rather than user input.
func Frame(summary string) string {
	return "This is a handoff summary from a previous agent that worked on this task before its context was compacted. Treat it as authoritative:\n\n" + summary
}

// ClampToTokens truncates text to approximately tokenBudget tokens.
func ClampToTokens(text string, tokenBudget int) string {
	maxChars := tokenBudget * 4
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "\n[truncated]"
}

func fallbackSummary(transcript string, tokenBudget int) string {
	var b strings.Builder
	b.WriteString("## Primary Request\nSee transcript excerpt below.\n\n## Transcript Excerpt\n")
	b.WriteString(transcript)
	return ClampToTokens(b.String(), tokenBudget)
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
