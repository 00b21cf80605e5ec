package recovery

import "strings"

// StepFailureClass categorizes why a plan step failed, which determines
// the shape of the recovery steps injected for it.
type StepFailureClass string

const (
	// FailureUserBlocker needs something only the user can provide
	// (credentials, approval, a decision). No automatic recovery.
	FailureUserBlocker StepFailureClass = "user_blocker"

	// FailureProviderQuota is an upstream capacity or billing limit.
	FailureProviderQuota StepFailureClass = "provider_quota"

	// FailureLocalRuntime is a problem in the local environment: missing
	// binaries, bad paths, malformed inputs.
	FailureLocalRuntime StepFailureClass = "local_runtime"

	// FailureExternalUnknown is everything else: flaky services,
	// unparseable pages, unexplained tool errors.
	FailureExternalUnknown StepFailureClass = "external_unknown"
)

var userBlockerCues = []string{
	"login required", "log in to", "sign in", "credentials", "password",
	"2fa", "two-factor", "awaiting approval", "needs your approval",
	"requires authorization", "access request",
}

var providerQuotaCues = []string{
	"429", "rate limit", "quota", "insufficient credits", "billing",
	"overloaded", "capacity", "too many requests",
}

var localRuntimeCues = []string{
	"command not found", "no such file", "not installed", "permission denied",
	"syntax error", "invalid path", "is a directory", "executable file not found",
	"cannot find module", "missing required field",
}

// Classify maps a step-failure reason to its class by scanning the
// failure text for known cues. User blockers win over everything else
// since they are the only class with no automatic recovery.
func Classify(failureReason string) StepFailureClass {
	lower := strings.ToLower(failureReason)
	for _, cue := range userBlockerCues {
		if strings.Contains(lower, cue) {
			return FailureUserBlocker
		}
	}
	for _, cue := range providerQuotaCues {
		if strings.Contains(lower, cue) {
			return FailureProviderQuota
		}
	}
	for _, cue := range localRuntimeCues {
		if strings.Contains(lower, cue) {
			return FailureLocalRuntime
		}
	}
	return FailureExternalUnknown
}
