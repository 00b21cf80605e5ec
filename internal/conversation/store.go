// Package conversation maintains a valid, compact, provider-ready message
// history for a single task. The store owns the pairing invariant: every
// assistant tool_use block is answered by a tool_result in the next user
// message, and no mutation may break that.
package conversation

import (
	"fmt"
	"sync"

	"github.com/praxisworks/praxis/pkg/models"
)

// imageRetentionWindow is how many of the most recent image-bearing
// messages keep their raw image payloads. Older images are replaced by
// text placeholders.
const imageRetentionWindow = 8

// Store holds the message history for one task.
type Store struct {
	mu       sync.Mutex
	messages []models.Message
}

// New creates an empty conversation store.
func New() *Store {
	return &Store{}
}

// Append adds a message after runtime sanitization.
func (s *Store) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg.Clone())
	s.sanitizeImagesLocked()
}

// Messages returns a copy of the current history.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
	}
	return out
}

// SetMessages replaces the history, used for snapshot restoration.
// The restored history is validated; an invalid transcript is repaired by
// synthesizing missing tool results.
func (s *Store) SetMessages(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]models.Message, len(msgs))
	for i := range msgs {
		s.messages[i] = msgs[i].Clone()
	}
	s.repairPairingLocked()
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastAssistantText returns the most recent substantive assistant text.
func (s *Store) LastAssistantText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role != models.RoleAssistant {
			continue
		}
		if text := m.PlainText(); text != "" {
			return text
		}
	}
	return ""
}

// Validate checks the pairing invariants over the full history.
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return validatePairing(s.messages)
}

// validatePairing enforces the tool-use/tool-result contract: every
// tool_use in an assistant message is answered exactly once in the next
// user message, and no tool_result is an orphan.
func validatePairing(msgs []models.Message) error {
	pending := map[string]bool{}
	for i, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			if len(pending) > 0 {
				return fmt.Errorf("message %d: assistant message while %d tool_use ids unanswered", i, len(pending))
			}
			for _, use := range m.ToolUses() {
				if pending[use.ID] {
					return fmt.Errorf("message %d: duplicate tool_use id %q", i, use.ID)
				}
				pending[use.ID] = true
			}
		case models.RoleUser:
			for _, res := range m.ToolResults() {
				if !pending[res.ToolUseID] {
					return fmt.Errorf("message %d: orphan tool_result for id %q", i, res.ToolUseID)
				}
				delete(pending, res.ToolUseID)
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("history ends with %d unanswered tool_use ids", len(pending))
	}
	return nil
}

// repairPairingLocked synthesizes error tool_results for any tool_use left
// hanging, so a restored or aborted transcript always satisfies pairing.
func (s *Store) repairPairingLocked() {
	pending := map[string]bool{}
	order := []string{}
	flush := func(insertAt int) int {
		if len(pending) == 0 {
			return insertAt
		}
		blocks := make([]models.ContentBlock, 0, len(pending))
		for _, id := range order {
			if pending[id] {
				blocks = append(blocks, models.ToolResultBlock(id, "tool call aborted before completion", true))
			}
		}
		repaired := models.Message{Role: models.RoleUser, Blocks: blocks}
		s.messages = append(s.messages[:insertAt], append([]models.Message{repaired}, s.messages[insertAt:]...)...)
		pending = map[string]bool{}
		order = nil
		return insertAt + 1
	}

	for i := 0; i < len(s.messages); i++ {
		m := s.messages[i]
		switch m.Role {
		case models.RoleAssistant:
			if len(pending) > 0 {
				i = flush(i)
			}
			for _, use := range m.ToolUses() {
				pending[use.ID] = true
				order = append(order, use.ID)
			}
		case models.RoleUser:
			for _, res := range m.ToolResults() {
				delete(pending, res.ToolUseID)
			}
		}
	}
	flush(len(s.messages))
}
