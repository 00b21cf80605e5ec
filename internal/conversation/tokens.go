package conversation

import "github.com/praxisworks/praxis/pkg/models"

// Token estimation heuristic: roughly four characters per token for text,
// plus fixed overheads for structure and image blocks. Deliberately
// conservative; exact counts come back from the provider in usage.
const (
	charsPerToken        = 4
	messageOverheadTok   = 4
	blockOverheadTok     = 3
	imageBaseTokens      = 1200
	imageBytesPerToken   = 96
	toolSchemaTokenGuess = 150
)

// EstimateMessageTokens estimates tokens for a single message.
func EstimateMessageTokens(m models.Message) int {
	tokens := messageOverheadTok
	if len(m.Blocks) == 0 {
		return tokens + len(m.Text)/charsPerToken
	}
	for _, b := range m.Blocks {
		tokens += blockOverheadTok
		switch b.Kind {
		case models.BlockText:
			tokens += len(b.Text) / charsPerToken
		case models.BlockImage:
			size := b.SizeBytes
			if size == 0 {
				size = len(b.Data)
			}
			tokens += imageBaseTokens + size/imageBytesPerToken
		case models.BlockToolUse:
			tokens += (len(b.Name) + len(b.Input)) / charsPerToken
		case models.BlockToolResult:
			tokens += len(b.Content) / charsPerToken
		}
	}
	return tokens
}

// EstimateTokens estimates tokens for a message slice plus system prompt.
func EstimateTokens(msgs []models.Message, system string) int {
	tokens := len(system) / charsPerToken
	for _, m := range msgs {
		tokens += EstimateMessageTokens(m)
	}
	return tokens
}

// EstimateToolSchemaTokens estimates the token cost of offering n tools.
func EstimateToolSchemaTokens(n int) int {
	return n * toolSchemaTokenGuess
}
