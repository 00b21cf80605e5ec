package conversation

import (
	"strings"

	"github.com/praxisworks/praxis/pkg/models"
)

// Markers recognized by PruneStaleToolErrors. Synthetic tool errors
// produced by the gatekeeper embed these so older copies can be rewritten
// to placeholders before each LLM call.
const (
	DuplicateMarker = "[duplicate]"
	BlockedMarker   = "[blocked]"

	prunedPlaceholder = "[stale tool error pruned]"
)

// sanitizeImagesLocked replaces image payloads outside the most recent
// imageRetentionWindow image-bearing messages with text placeholders.
func (s *Store) sanitizeImagesLocked() {
	seen := 0
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		hasImage := false
		for _, b := range m.Blocks {
			if b.Kind == models.BlockImage {
				hasImage = true
				break
			}
		}
		if !hasImage {
			continue
		}
		seen++
		if seen <= imageRetentionWindow {
			continue
		}
		for j := range m.Blocks {
			if m.Blocks[j].Kind == models.BlockImage {
				m.Blocks[j] = models.ImagePlaceholderBlock(m.Blocks[j].MimeType, m.Blocks[j].SizeBytes)
			}
		}
	}
}

// ConsolidateConsecutiveUser merges adjacent text-only user messages.
// Messages carrying tool_result blocks or pinned tags are never merged.
// The operation is idempotent.
func (s *Store) ConsolidateConsecutiveUser() {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.messages[:0]
	for _, m := range s.messages {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if canMergeUserText(*prev, m) {
				prev.Text = strings.TrimRight(prev.PlainText(), "\n") + "\n\n" + m.PlainText()
				prev.Blocks = nil
				continue
			}
		}
		out = append(out, m)
	}
	s.messages = out
}

func canMergeUserText(a, b models.Message) bool {
	if a.Role != models.RoleUser || b.Role != models.RoleUser {
		return false
	}
	if a.Pinned != "" || b.Pinned != "" {
		return false
	}
	return a.IsPlainText() && b.IsPlainText()
}

// PruneStaleToolErrors rewrites older duplicate/blocked tool_error payloads
// to a minimal placeholder, preserving pairing. The most recent user
// message is never touched. Idempotent.
func (s *Store) PruneStaleToolErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastUser := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}

	for i := range s.messages {
		if i == lastUser {
			continue
		}
		m := &s.messages[i]
		for j := range m.Blocks {
			b := &m.Blocks[j]
			if b.Kind != models.BlockToolResult || !b.IsError {
				continue
			}
			if b.Content == prunedPlaceholder {
				continue
			}
			if strings.Contains(b.Content, DuplicateMarker) || strings.Contains(b.Content, BlockedMarker) {
				b.Content = prunedPlaceholder
			}
		}
	}
}
