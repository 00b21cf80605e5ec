package executor

import (
	"errors"
	"fmt"
)

// CancelReason distinguishes why a run was cancelled. Only timeout
// cancellation triggers best-effort finalization before unwinding.
type CancelReason string

const (
	CancelUser     CancelReason = "user"
	CancelTimeout  CancelReason = "timeout"
	CancelShutdown CancelReason = "shutdown"
)

// CancelledError unwinds the turn loop after a cancellation flag is
// observed at a suspension point.
type CancelledError struct {
	Reason CancelReason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task cancelled (%s)", e.Reason)
}

// Cancelled extracts the cancellation reason from an error chain.
func Cancelled(err error) (CancelReason, bool) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

// AwaitingUserInputError is the non-error sentinel thrown when the model
// asks a blocking question the user must answer. The task pauses; the
// caller resumes it with SendMessage or Resume.
type AwaitingUserInputError struct {
	ReasonCode string
	Question   string
}

func (e *AwaitingUserInputError) Error() string {
	return "awaiting user input: " + e.ReasonCode
}

// IsAwaitingUserInput reports whether err is the pause sentinel.
func IsAwaitingUserInput(err error) bool {
	var a *AwaitingUserInputError
	return errors.As(err, &a)
}

// errStepTimeout marks a hard step deadline expiry; the step fails but
// the task continues.
var errStepTimeout = errors.New("step hard deadline exceeded")

// errWrapUp marks the soft-deadline / wrap-up path: the loop stops
// working and finalizes best-effort.
var errWrapUp = errors.New("wrap-up requested")
