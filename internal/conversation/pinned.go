package conversation

import "github.com/praxisworks/praxis/pkg/models"

// PinnedTag identifies a pinned block anchor.
type PinnedTag string

const (
	PinnedUserProfile       PinnedTag = "user_profile"
	PinnedSharedContext     PinnedTag = "shared_context"
	PinnedCompactionSummary PinnedTag = "compaction_summary"
	PinnedMemoryRecall      PinnedTag = "memory_recall"
)

// pinnedOrder fixes the relative insertion order of pinned blocks.
var pinnedOrder = map[PinnedTag]int{
	PinnedUserProfile:       0,
	PinnedSharedContext:     1,
	PinnedCompactionSummary: 2,
	PinnedMemoryRecall:      3,
}

// UpsertPinnedBlock inserts or updates the pinned user-text block for tag.
// Idempotent by tag: repeated upserts with identical content leave the
// history unchanged. New blocks are inserted after pinned blocks of lower
// order, at the first index that does not split a tool-use/tool-result
// pair.
func (s *Store) UpsertPinnedBlock(tag PinnedTag, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].Pinned == string(tag) {
			if s.messages[i].Text != content {
				s.messages[i].Text = content
				s.messages[i].Blocks = nil
			}
			return
		}
	}

	idx := s.pinnedInsertIndexLocked(tag)
	msg := models.Message{Role: models.RoleUser, Text: content, Pinned: string(tag)}
	s.messages = append(s.messages[:idx], append([]models.Message{msg}, s.messages[idx:]...)...)
}

// RemovePinnedBlock deletes the pinned block for tag if present.
func (s *Store) RemovePinnedBlock(tag PinnedTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].Pinned == string(tag) {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// PinnedContent returns the content of the pinned block for tag, if any.
func (s *Store) PinnedContent(tag PinnedTag) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].Pinned == string(tag) {
			return s.messages[i].PlainText(), true
		}
	}
	return "", false
}

func (s *Store) pinnedInsertIndexLocked(tag PinnedTag) int {
	order := pinnedOrder[tag]

	// Anchor after the last pinned block of lower or equal order.
	idx := 0
	for i := range s.messages {
		if s.messages[i].Pinned == "" {
			continue
		}
		if pinnedOrder[PinnedTag(s.messages[i].Pinned)] <= order {
			idx = i + 1
		}
	}

	// Advance past any position that would split a tool-use/tool-result
	// pair: inserting directly after an assistant message with tool_use
	// would separate it from its results.
	for idx > 0 && idx <= len(s.messages) {
		prev := s.messages[idx-1]
		if prev.Role == models.RoleAssistant && prev.HasToolUse() {
			idx++
			continue
		}
		break
	}
	if idx > len(s.messages) {
		idx = len(s.messages)
	}
	return idx
}
