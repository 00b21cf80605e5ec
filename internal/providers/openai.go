package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/retry"
	"github.com/praxisworks/praxis/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

var openaiWindows = map[string]int{
	"gpt-4.1":       1047576,
	"gpt-4o":        128000,
	"gpt-4-turbo":   128000,
	"o3":            200000,
	"o4":            200000,
	"gpt-3.5-turbo": 16385,
}

const openaiDefaultWindow = 128000

// OpenAI streams chat completions through the OpenAI API. It serves as
// the failover target when the primary provider rejects on quota or
// auth, so it accepts the same conversation shape as the Anthropic
// adapter, including paired tool_use and tool_result blocks.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	retryCfg     retry.Config
	logger       *slog.Logger
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	// Retry controls backoff for transient failures. Zero value gets
	// retry.DefaultConfig.
	Retry retry.Config

	// Logger receives retry and failure diagnostics. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// NewOpenAI builds an OpenAI adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retryCfg:     cfg.Retry,
		logger:       cfg.Logger,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) ContextWindow(model string) int {
	for prefix, window := range openaiWindows {
		if strings.HasPrefix(model, prefix) {
			return window
		}
	}
	return openaiDefaultWindow
}

// CreateMessage sends the conversation and accumulates the streamed
// response. The model name passes through unchanged, so a failover
// chain must configure a DefaultModel and send requests with an empty
// model when the primary's model name is vendor-specific.
func (p *OpenAI) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" || !p.knownModel(model) {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.System, req.Messages),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	resp, result := retry.DoWithValue(ctx, p.retryCfg, func() (*llm.Response, error) {
		r, streamErr := p.streamOnce(ctx, chatReq, req.OnProgress)
		if streamErr == nil {
			return r, nil
		}
		wrapped := p.wrapError(streamErr, model)
		if !ReasonOf(wrapped).IsRetryable() {
			return nil, retry.Permanent(wrapped)
		}
		return nil, wrapped
	})
	if result.Err != nil {
		if result.Attempts > 1 {
			p.logger.Warn("openai call failed after retries",
				"attempts", result.Attempts, "model", model, "error", result.Err)
		}
		var perm *retry.PermanentError
		if errors.As(result.Err, &perm) {
			return nil, perm.Err
		}
		return nil, result.Err
	}
	return resp, nil
}

func (p *OpenAI) knownModel(model string) bool {
	for prefix := range openaiWindows {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

type openaiToolAccum struct {
	id   string
	name string
	args strings.Builder
}

func (p *OpenAI) streamOnce(ctx context.Context, chatReq openai.ChatCompletionRequest, onProgress func(llm.StreamProgress)) (*llm.Response, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	resp := &llm.Response{StopReason: models.StopEndTurn}
	var textBuf strings.Builder
	toolCalls := make(map[int]*openaiToolAccum)
	maxIndex := -1

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, recvErr
		}

		if chunk.Usage != nil {
			resp.Usage.InputTokens = chunk.Usage.PromptTokens
			resp.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			textBuf.WriteString(choice.Delta.Content)
			if onProgress != nil {
				onProgress(llm.StreamProgress{TextDelta: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			accum, ok := toolCalls[index]
			if !ok {
				accum = &openaiToolAccum{}
				toolCalls[index] = accum
				if index > maxIndex {
					maxIndex = index
				}
			}
			if tc.ID != "" {
				accum.id = tc.ID
			}
			if tc.Function.Name != "" {
				accum.name = tc.Function.Name
			}
			accum.args.WriteString(tc.Function.Arguments)
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			resp.StopReason = models.StopToolUse
		case openai.FinishReasonLength:
			resp.StopReason = models.StopMaxTokens
		}
	}

	if textBuf.Len() > 0 {
		resp.Content = append(resp.Content, models.TextBlock(textBuf.String()))
	}
	for i := 0; i <= maxIndex; i++ {
		accum, ok := toolCalls[i]
		if !ok {
			continue
		}
		args := accum.args.String()
		if args == "" {
			args = "{}"
		}
		resp.Content = append(resp.Content, models.ToolUseBlock(accum.id, accum.name, []byte(args)))
	}
	if len(resp.Content) == 0 {
		return nil, errors.New("openai: stream ended with no content")
	}
	return resp, nil
}

// convertOpenAIMessages flattens block messages into the chat format.
// Tool results become role "tool" messages and must directly follow the
// assistant message that issued the calls, so they are emitted before
// any remaining user content from the same message.
func convertOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := range messages {
		msg := &messages[i]
		if msg.Role == models.RoleAssistant {
			result = append(result, convertOpenAIAssistant(msg))
			continue
		}

		if msg.IsPlainText() {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text,
			})
			continue
		}

		var parts []openai.ChatMessagePart
		for _, block := range msg.Blocks {
			switch block.Kind {
			case models.BlockToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content,
					ToolCallID: block.ToolUseID,
				})
			case models.BlockText:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: block.Text,
				})
			case models.BlockImage:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s",
							block.MimeType, base64.StdEncoding.EncodeToString(block.Data)),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
		if len(parts) == 1 && parts[0].Type == openai.ChatMessagePartTypeText {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: parts[0].Text,
			})
		} else if len(parts) > 0 {
			result = append(result, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			})
		}
	}
	return result
}

func convertOpenAIAssistant(msg *models.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	if msg.IsPlainText() {
		out.Content = msg.Text
		return out
	}
	var text []string
	for _, block := range msg.Blocks {
		switch block.Kind {
		case models.BlockText:
			text = append(text, block.Text)
		case models.BlockToolUse:
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	out.Content = strings.Join(text, "\n")
	return out
}

func convertOpenAITools(tools []llm.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		// A bad schema degrades to an untyped object so one broken tool
		// does not take down function calling for the rest.
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
		if apiErr.Message != "" {
			pe = pe.WithMessage(apiErr.Message)
		}
		return pe
	}
	return NewProviderError("openai", model, err)
}
