package gatekeeper

import (
	"encoding/json"
	"strings"
	"time"
)

// Per-tool timeout floors and defaults. The effective timeout is bounded
// above by the remaining step budget minus a safety margin so the step
// deadline always wins.
const (
	defaultToolTimeout  = 60 * time.Second
	browserToolFloor    = 90 * time.Second
	imageToolMin        = 120 * time.Second
	imageToolMax        = 180 * time.Second
	stepDeadlineMargin  = 5 * time.Second
	childAgentScale     = 1.2
	runCommandMax       = 10 * time.Minute
)

var browserTools = map[string]bool{
	"browser_navigate": true,
	"browser_click":    true,
	"browser_snapshot": true,
	"web_fetch":        true,
}

var imageTools = map[string]bool{
	"generate_image": true,
	"analyze_image":  true,
	"vision_query":   true,
}

// ToolTimeout computes the timeout for one tool call, honoring tool-level
// floors and input-level overrides, bounded by the remaining step budget.
func ToolTimeout(name string, input json.RawMessage, stepRemaining time.Duration) time.Duration {
	timeout := defaultToolTimeout

	switch {
	case browserTools[name]:
		if timeout < browserToolFloor {
			timeout = browserToolFloor
		}
	case imageTools[name]:
		timeout = imageToolMin
		if timeout > imageToolMax {
			timeout = imageToolMax
		}
	case name == "run_command" || name == "run_applescript":
		if override := timeoutFromInput(input); override > 0 {
			timeout = override
			if timeout > runCommandMax {
				timeout = runCommandMax
			}
		}
	case strings.HasPrefix(name, "agent_") || name == "spawn_subtask":
		if override := timeoutFromInput(input); override > 0 {
			timeout = time.Duration(float64(override) * childAgentScale)
		}
	}

	if stepRemaining > 0 {
		limit := stepRemaining - stepDeadlineMargin
		if limit < time.Second {
			limit = time.Second
		}
		if timeout > limit {
			timeout = limit
		}
	}
	return timeout
}

func timeoutFromInput(input json.RawMessage) time.Duration {
	var fields struct {
		TimeoutMs  int `json:"timeout_ms"`
		TimeoutSec int `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return 0
	}
	if fields.TimeoutMs > 0 {
		return time.Duration(fields.TimeoutMs) * time.Millisecond
	}
	if fields.TimeoutSec > 0 {
		return time.Duration(fields.TimeoutSec) * time.Second
	}
	return 0
}

// longRunningTools get heartbeat progress events while executing.
var longRunningTools = map[string]bool{
	"run_command":     true,
	"web_fetch":       true,
	"web_search":      true,
	"generate_image":  true,
	"spawn_subtask":   true,
	"browser_navigate": true,
}

// NeedsHeartbeat reports whether the tool warrants progress heartbeats.
func NeedsHeartbeat(name string) bool {
	return longRunningTools[name] || strings.HasPrefix(name, "agent_")
}
