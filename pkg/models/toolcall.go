package models

import "time"

// ToolOutcome records how a tool call ended.
type ToolOutcome string

const (
	OutcomeSuccess     ToolOutcome = "success"
	OutcomeFailure     ToolOutcome = "failure"
	OutcomeDuplicate   ToolOutcome = "duplicate"
	OutcomeBlocked     ToolOutcome = "blocked"
	OutcomeUnavailable ToolOutcome = "unavailable"
	OutcomeTimeout     ToolOutcome = "timeout"
)

// ToolCallRecord is the normalized record of one tool invocation used by
// the deduplicator, loop detector, and failure tracker.
type ToolCallRecord struct {
	Name      string      `json:"name"`
	Signature string      `json:"signature"`
	Target    string      `json:"target,omitempty"`
	Outcome   ToolOutcome `json:"outcome"`
	At        time.Time   `json:"at"`
}

// IsHardFailure reports whether the outcome blocks further attempts.
func (r ToolCallRecord) IsHardFailure() bool {
	switch r.Outcome {
	case OutcomeBlocked, OutcomeUnavailable, OutcomeTimeout:
		return true
	default:
		return false
	}
}
