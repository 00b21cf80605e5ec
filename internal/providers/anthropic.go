package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/internal/retry"
	"github.com/praxisworks/praxis/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// anthropicWindows maps model prefixes to context window sizes. Unknown
// models fall back to the smallest current window.
var anthropicWindows = map[string]int{
	"claude-opus":   200000,
	"claude-sonnet": 200000,
	"claude-haiku":  200000,
	"claude-3":      200000,
}

const anthropicDefaultWindow = 200000

// Anthropic streams completions from the Anthropic Messages API and
// accumulates them into complete responses.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	retryCfg     retry.Config
	logger       *slog.Logger
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and test servers.
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

// NewAnthropic builds an Anthropic adapter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		retryCfg:     cfg.Retry,
		logger:       cfg.Logger,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) ContextWindow(model string) int {
	for prefix, window := range anthropicWindows {
		if strings.HasPrefix(model, prefix) {
			return window
		}
	}
	return anthropicDefaultWindow
}

// CreateMessage sends the conversation and accumulates the streamed
// response. Transient failures are retried with backoff; permanent ones
// surface immediately as *ProviderError.
func (p *Anthropic) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	resp, result := retry.DoWithValue(ctx, p.retryCfg, func() (*llm.Response, error) {
		r, streamErr := p.streamOnce(ctx, params, req.OnProgress)
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
			p.logger.Warn("anthropic call failed after retries",
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

func (p *Anthropic) buildParams(model string, req *llm.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// streamOnce runs one streaming request and folds the event stream into
// a complete response. The stream is not resumable, so retries restart
// the request from scratch.
func (p *Anthropic) streamOnce(ctx context.Context, params anthropic.MessageNewParams, onProgress func(llm.StreamProgress)) (*llm.Response, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &llm.Response{StopReason: models.StopEndTurn}
	var (
		textBuf      strings.Builder
		toolInput    strings.Builder
		currentTool  *models.ContentBlock
		outputTokens int
	)

	flushText := func() {
		if textBuf.Len() > 0 {
			resp.Content = append(resp.Content, models.TextBlock(textBuf.String()))
			textBuf.Reset()
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				flushText()
				use := block.AsToolUse()
				currentTool = &models.ContentBlock{
					Kind: models.BlockToolUse,
					ID:   use.ID,
					Name: use.Name,
				}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					if onProgress != nil {
						onProgress(llm.StreamProgress{TextDelta: delta.Text, OutputTokens: outputTokens})
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				resp.Content = append(resp.Content, *currentTool)
				currentTool = nil
			} else {
				flushText()
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			if reason := string(delta.Delta.StopReason); reason != "" {
				resp.StopReason = mapAnthropicStopReason(reason)
			}

		case "message_stop":
			flushText()
			resp.Usage.OutputTokens = outputTokens
			if onProgress != nil {
				onProgress(llm.StreamProgress{OutputTokens: outputTokens})
			}
			return resp, nil
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	// Stream ended without message_stop. Return what accumulated so a
	// truncated but usable response is not discarded.
	flushText()
	if currentTool != nil {
		input := toolInput.String()
		if input == "" {
			input = "{}"
		}
		currentTool.Input = json.RawMessage(input)
		resp.Content = append(resp.Content, *currentTool)
	}
	resp.Usage.OutputTokens = outputTokens
	if len(resp.Content) == 0 {
		return nil, errors.New("anthropic: stream ended with no content")
	}
	return resp, nil
}

func mapAnthropicStopReason(reason string) models.StopReason {
	switch reason {
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopMaxTokens
	default:
		return models.StopEndTurn
	}
}

// convertAnthropicMessages maps conversation messages into the Messages
// API shape. Plain-text messages become single text blocks; block
// messages map block for block.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for i := range messages {
		msg := &messages[i]
		var content []anthropic.ContentBlockParamUnion

		if msg.IsPlainText() {
			content = append(content, anthropic.NewTextBlock(msg.Text))
		} else {
			for _, block := range msg.Blocks {
				switch block.Kind {
				case models.BlockText:
					content = append(content, anthropic.NewTextBlock(block.Text))
				case models.BlockImage:
					content = append(content, anthropic.NewImageBlockBase64(
						block.MimeType, base64.StdEncoding.EncodeToString(block.Data)))
				case models.BlockToolUse:
					var input map[string]any
					if err := json.Unmarshal(block.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool_use input for %s: %w", block.Name, err)
					}
					content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
				case models.BlockToolResult:
					content = append(content, anthropic.NewToolResultBlock(
						block.ToolUseID, block.Content, block.IsError))
				}
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// wrapError converts SDK and transport errors into *ProviderError. SDK
// API errors carry a status code and a structured payload; everything
// else is classified from text.
func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		if apiErr.RequestID != "" {
			pe = pe.WithRequestID(apiErr.RequestID)
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
				if payload.Error.Message != "" {
					pe = pe.WithMessage(payload.Error.Message)
				}
			}
		}
		return pe
	}
	return NewProviderError("anthropic", model, err)
}
