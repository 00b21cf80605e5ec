// Package models provides domain types for the Praxis task executor.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role indicates the message author type. Providers enforce strict
// user/assistant alternation; there is no separate tool role, so tool
// results travel in user messages as ToolResult blocks.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind discriminates the content block variants.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is a tagged union of the content variants a message can
// carry. Exactly the fields matching Kind are populated.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// Text content (BlockText).
	Text string `json:"text,omitempty"`

	// Image content (BlockImage).
	MimeType  string `json:"mime_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
	SizeBytes int    `json:"size_bytes,omitempty"`

	// Tool use (BlockToolUse).
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result (BlockToolResult).
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ImageBlock builds an image content block.
func ImageBlock(mimeType string, data []byte) ContentBlock {
	return ContentBlock{Kind: BlockImage, MimeType: mimeType, Data: data, SizeBytes: len(data)}
}

// ImagePlaceholderBlock replaces a compacted image with a text stand-in
// preserving MIME type and approximate size.
func ImagePlaceholderBlock(mimeType string, sizeBytes int) ContentBlock {
	return TextBlock(fmt.Sprintf("[image omitted: %s, ~%d bytes]", mimeType, sizeBytes))
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one entry in a task conversation. Content is either plain
// Text or an ordered list of Blocks; when Blocks is non-empty Text is
// ignored.
type Message struct {
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// Pinned marks the message as a pinned block anchored at the given
	// tag. Pinned messages are updated in place rather than appended.
	Pinned string `json:"pinned,omitempty"`
}

// UserText builds a plain-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantText builds a plain-text assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// IsPlainText reports whether the message carries only text content.
func (m Message) IsPlainText() bool {
	if len(m.Blocks) == 0 {
		return true
	}
	for _, b := range m.Blocks {
		if b.Kind != BlockText {
			return false
		}
	}
	return true
}

// PlainText returns the textual content of the message, joining text
// blocks with newlines.
func (m Message) PlainText() string {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	var parts []string
	for _, b := range m.Blocks {
		if b.Kind == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks of the message in order.
func (m Message) ToolResults() []ContentBlock {
	var results []ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			results = append(results, b)
		}
	}
	return results
}

// HasToolUse reports whether the message contains any tool_use block.
func (m Message) HasToolUse() bool {
	return len(m.ToolUses()) > 0
}

// HasToolResult reports whether the message contains any tool_result block.
func (m Message) HasToolResult() bool {
	return len(m.ToolResults()) > 0
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Blocks != nil {
		out.Blocks = make([]ContentBlock, len(m.Blocks))
		copy(out.Blocks, m.Blocks)
		for i := range out.Blocks {
			if m.Blocks[i].Data != nil {
				out.Blocks[i].Data = append([]byte(nil), m.Blocks[i].Data...)
			}
			if m.Blocks[i].Input != nil {
				out.Blocks[i].Input = append(json.RawMessage(nil), m.Blocks[i].Input...)
			}
		}
	}
	return out
}

// StopReason is the provider-reported reason a completion ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)
