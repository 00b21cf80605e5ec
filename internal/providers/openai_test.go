package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/pkg/models"
)

func TestConvertOpenAIMessagesPairsToolResults(t *testing.T) {
	messages := []models.Message{
		models.UserText("read the config file"),
		{
			Role: models.RoleAssistant,
			Blocks: []models.ContentBlock{
				models.TextBlock("reading it now"),
				models.ToolUseBlock("tu-1", "read_file", json.RawMessage(`{"path":"config.yaml"}`)),
			},
		},
		{
			Role: models.RoleUser,
			Blocks: []models.ContentBlock{
				models.ToolResultBlock("tu-1", "retries: 3", false),
				models.TextBlock("now summarize it"),
			},
		},
	}

	out := convertOpenAIMessages("be terse", messages)
	if len(out) != 5 {
		t.Fatalf("len = %d, want 5 (system, user, assistant, tool, user)", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be terse" {
		t.Errorf("system message = %+v", out[0])
	}
	if out[2].Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("out[2].Role = %s", out[2].Role)
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].ID != "tu-1" ||
		out[2].ToolCalls[0].Function.Name != "read_file" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	// The tool result must come before the trailing user text so it
	// directly follows the assistant message that issued the call.
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "tu-1" {
		t.Errorf("out[3] = %+v, want tool result for tu-1", out[3])
	}
	if out[4].Role != openai.ChatMessageRoleUser || out[4].Content != "now summarize it" {
		t.Errorf("out[4] = %+v, want trailing user text", out[4])
	}
}

func TestConvertOpenAIToolsBadSchemaDegrades(t *testing.T) {
	tools := convertOpenAITools([]llm.ToolSchema{
		{Name: "good", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "bad", InputSchema: json.RawMessage(`{not json`)},
	})

	if len(tools) != 2 {
		t.Fatalf("len = %d", len(tools))
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("bad tool parameters type %T", tools[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("bad tool degraded schema = %v", params)
	}
}
