package gatekeeper

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/pkg/models"
)

// canvasTool is the visual push tool whose missing content gets repaired
// rather than rejected.
const canvasTool = "canvas_push"

var htmlDocRe = regexp.MustCompile(`(?is)<!DOCTYPE html>.*?</html>|<html[\s>].*?</html>`)

const canvasPlaceholder = `<!DOCTYPE html>
<html><head><title>Canvas</title></head>
<body><p>No content was provided for this canvas update.</p></body></html>`

// RepairCanvasInput fills a canvas_push call that lacks content. It first
// tries to extract a full HTML document from the most recent assistant
// text; failing that it asks the model for one with a short dedicated
// call; finally it falls back to a static placeholder.
func RepairCanvasInput(ctx context.Context, provider llm.Provider, model string, input json.RawMessage, lastAssistantText string) (json.RawMessage, bool) {
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil {
		obj = map[string]any{}
	}
	if content, ok := obj["content"].(string); ok && strings.TrimSpace(content) != "" {
		return input, false
	}

	content := ""
	if doc := htmlDocRe.FindString(lastAssistantText); doc != "" {
		content = doc
	} else if provider != nil {
		content = generateCanvasHTML(ctx, provider, model, lastAssistantText)
	}
	if strings.TrimSpace(content) == "" {
		content = canvasPlaceholder
	}

	obj["content"] = content
	out, err := json.Marshal(obj)
	if err != nil {
		return input, false
	}
	return out, true
}

func generateCanvasHTML(ctx context.Context, provider llm.Provider, model, seed string) string {
	prompt := "Produce a complete standalone HTML document rendering the following content. Reply with only the HTML.\n\n" + clamp(seed, 2000)
	resp, err := provider.CreateMessage(ctx, &llm.Request{
		Model:     model,
		Messages:  []models.Message{models.UserText(prompt)},
		MaxTokens: 2048,
	})
	if err != nil {
		return ""
	}
	return htmlDocRe.FindString(resp.Text())
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
