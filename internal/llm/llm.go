// Package llm defines the provider capability consumed by the task
// executor. Implementations live in internal/providers; the core never
// depends on a vendor SDK directly.
package llm

import (
	"context"
	"encoding/json"

	"github.com/praxisworks/praxis/pkg/models"
)

// Provider is the narrow LLM capability the executor consumes.
//
// Implementations must be safe for concurrent use and must honor context
// cancellation promptly: the executor aborts in-flight calls on cancel,
// wrap-up, and deadline expiry.
type Provider interface {
	// CreateMessage sends the conversation and returns the complete
	// assistant response. Streaming progress is reported through
	// req.OnProgress when set.
	CreateMessage(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name for logging and events.
	Name() string

	// ContextWindow returns the context window in tokens for the model,
	// or a conservative default when the model is unknown.
	ContextWindow(model string) int
}

// Request contains all parameters for one LLM call.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolSchema
	MaxTokens int

	// OnProgress, when set, receives streaming progress updates. It must
	// not block.
	OnProgress func(StreamProgress)
}

// StreamProgress reports incremental output during a call.
type StreamProgress struct {
	TextDelta    string
	OutputTokens int
}

// Response is the complete result of one LLM call.
type Response struct {
	Content    []models.ContentBlock
	StopReason models.StopReason
	Usage      Usage
}

// Usage reports token consumption and cost for a call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Text returns the concatenated text content of the response.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Kind == models.BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *Response) ToolUses() []models.ContentBlock {
	var uses []models.ContentBlock
	for _, b := range r.Content {
		if b.Kind == models.BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Idempotent tools are exempt from duplicate-call rejection.
	Idempotent bool

	// Builtin tools are always offered regardless of tool-count caps.
	Builtin bool

	// Keywords feed context-relevance ranking when the offered tool set
	// must be capped.
	Keywords []string
}
