package executor

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/praxisworks/praxis/internal/llm"
)

const (
	baseMaxToolsOffered = 80
	softMaxToolsOffered = 120
	toolUsageBoost      = 20
)

// toolSelector caps the tool set offered on each model call. Builtin
// tools are always kept; the rest are ranked by keyword overlap with the
// current task context plus a recent-usage boost, with a per-task hash
// breaking ties so the subset is stable for a task but varies across
// tasks. When nothing in the context favors any tool, the cap expands
// toward the soft limit and tie groups rotate across calls so no tool
// stays permanently hidden.
type toolSelector struct {
	seed uint64

	mu    sync.Mutex
	usage map[string]int
	epoch int
}

func newToolSelector(taskID string) *toolSelector {
	h := fnv.New64a()
	h.Write([]byte(taskID))
	return &toolSelector{seed: h.Sum64(), usage: make(map[string]int)}
}

// RecordUse bumps the recent-usage count for an executed tool.
func (s *toolSelector) RecordUse(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[name]++
}

// Select returns the schemas to offer for one call. Sets at or under the
// base cap pass through untouched.
func (s *toolSelector) Select(schemas []llm.ToolSchema, contextText string) []llm.ToolSchema {
	if len(schemas) <= baseMaxToolsOffered {
		return schemas
	}

	s.mu.Lock()
	epoch := s.epoch
	s.epoch++
	usage := make(map[string]int, len(s.usage))
	for name, n := range s.usage {
		usage[name] = n
	}
	s.mu.Unlock()

	words := contextWordSet(contextText)

	var offered, ranked []llm.ToolSchema
	scores := make(map[string]int, len(schemas))
	for _, t := range schemas {
		if t.Builtin {
			offered = append(offered, t)
			continue
		}
		score := usage[t.Name] * toolUsageBoost
		for _, kw := range t.Keywords {
			if words[strings.ToLower(kw)] {
				score++
			}
		}
		scores[t.Name] = score
		ranked = append(ranked, t)
	}

	lowSignal := true
	for _, t := range ranked {
		if scores[t.Name] > 0 {
			lowSignal = false
			break
		}
	}
	limit := baseMaxToolsOffered
	if lowSignal {
		limit = softMaxToolsOffered
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].Name], scores[ranked[j].Name]
		if si != sj {
			return si > sj
		}
		return s.tieHash(ranked[i].Name) < s.tieHash(ranked[j].Name)
	})
	if lowSignal {
		rotateTieGroups(ranked, scores, epoch)
	}

	slots := limit - len(offered)
	if slots < 0 {
		slots = 0
	}
	if slots > len(ranked) {
		slots = len(ranked)
	}
	return append(offered, ranked[:slots]...)
}

func (s *toolSelector) tieHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64() ^ s.seed
}

// rotateTieGroups shifts each run of equal-score schemas left by the
// epoch so a capped tie group cycles its members across calls.
func rotateTieGroups(ranked []llm.ToolSchema, scores map[string]int, epoch int) {
	for lo := 0; lo < len(ranked); {
		hi := lo + 1
		for hi < len(ranked) && scores[ranked[hi].Name] == scores[ranked[lo].Name] {
			hi++
		}
		if n := hi - lo; n > 1 {
			shift := epoch % n
			group := append([]llm.ToolSchema(nil), ranked[lo:hi]...)
			for i := range group {
				ranked[lo+i] = group[(i+shift)%n]
			}
		}
		lo = hi
	}
}

// contextWordSet folds free text into a lowercase word set for keyword
// matching.
func contextWordSet(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,;:!?()[]{}\"'`")] = true
	}
	return words
}
