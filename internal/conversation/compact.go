package conversation

import "github.com/praxisworks/praxis/pkg/models"

// Compaction thresholds. Proactive compaction fires at 80% utilization of
// the available context and targets 60%; reactive compaction is the last
// resort before an LLM call would overflow the window.
const (
	ProactiveThreshold = 0.80
	TargetUtilization  = 0.60

	// minRecentKeep messages at the tail are never dropped; the most
	// recent user message in particular must survive unmodified.
	minRecentKeep = 4
)

// CompactResult describes one compaction pass.
type CompactResult struct {
	// Removed holds the dropped messages in original order, for the
	// compaction summarizer.
	Removed []models.Message

	TokensBefore int
	TokensAfter  int
	Proactive    bool
	Compacted    bool
}

// ShouldCompact reports whether proactive compaction is due given the
// system prompt token count and the context window.
func (s *Store) ShouldCompact(systemTokens, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	used := systemTokens + EstimateTokens(s.Messages(), "")
	return float64(used) >= ProactiveThreshold*float64(contextWindow)
}

// CompactWithMeta drops a contiguous range of older messages so that
// utilization falls to the target, preserving the pairing invariant,
// pinned blocks, and the most recent messages. It returns the dropped
// slice so the caller can produce a handoff summary.
//
// When reactive is true, compaction runs regardless of the proactive
// threshold.
func (s *Store) CompactWithMeta(systemTokens, contextWindow int, reactive bool) CompactResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := systemTokens + EstimateTokens(s.messages, "")
	res := CompactResult{TokensBefore: before, TokensAfter: before, Proactive: !reactive}
	if contextWindow <= 0 {
		return res
	}
	util := float64(before) / float64(contextWindow)
	if !reactive && util < ProactiveThreshold {
		return res
	}

	target := int(TargetUtilization * float64(contextWindow))
	excess := before - target
	if excess <= 0 {
		return res
	}

	start, end := s.dropRangeLocked(excess)
	if end <= start {
		return res
	}

	res.Removed = make([]models.Message, end-start)
	copy(res.Removed, s.messages[start:end])
	s.messages = append(s.messages[:start], s.messages[end:]...)
	res.TokensAfter = systemTokens + EstimateTokens(s.messages, "")
	res.Compacted = true
	return res
}

// dropRangeLocked selects [start, end) covering at least wantTokens of
// droppable history. Pinned messages bound the range; tool-use messages
// are always dropped together with their result message; the tail window
// is untouchable.
func (s *Store) dropRangeLocked(wantTokens int) (int, int) {
	limit := len(s.messages) - minRecentKeep
	if limit < 0 {
		limit = 0
	}

	// Skip the pinned prefix.
	start := 0
	for start < limit && s.messages[start].Pinned != "" {
		start++
	}

	end := start
	dropped := 0
	for end < limit {
		m := s.messages[end]
		if m.Pinned != "" {
			break
		}
		dropped += EstimateMessageTokens(m)
		end++
		// Never cut between a tool_use message and its results.
		if m.Role == models.RoleAssistant && m.HasToolUse() {
			if end < len(s.messages) && s.messages[end].Role == models.RoleUser && s.messages[end].HasToolResult() {
				dropped += EstimateMessageTokens(s.messages[end])
				end++
			}
			continue
		}
		if dropped >= wantTokens {
			break
		}
	}

	if end > limit {
		end = limit
	}
	// The range must not end on an unanswered tool_use.
	for end > start {
		last := s.messages[end-1]
		if last.Role == models.RoleAssistant && last.HasToolUse() {
			end--
			continue
		}
		break
	}
	if end < start {
		end = start
	}
	return start, end
}
