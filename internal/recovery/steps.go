package recovery

import "fmt"

// RecoverySteps produces the canonical recovery step descriptions for a
// classified step failure. A user blocker returns nil: the only recovery
// is escalating to the user. Deep-work mode steers external failures
// toward research instead of local workarounds.
func RecoverySteps(class StepFailureClass, failedStepDescription, failureReason string, deepWork bool) []string {
	switch class {
	case FailureUserBlocker:
		return nil

	case FailureProviderQuota:
		return []string{
			fmt.Sprintf("Retry the objective of %q through an alternate provider or tool path that does not hit the exhausted quota (%s).",
				failedStepDescription, failureReason),
		}

	case FailureLocalRuntime:
		return []string{
			fmt.Sprintf("Diagnose the runtime error that failed %q: inspect the exact inputs and environment that produced %q.",
				failedStepDescription, failureReason),
			fmt.Sprintf("Retry %q with corrected inputs based on the diagnosis.", failedStepDescription),
		}

	default: // FailureExternalUnknown
		if deepWork {
			return []string{
				fmt.Sprintf("Research the failure behind %q with web_search and record findings in the scratchpad.", failedStepDescription),
				fmt.Sprintf("Apply the most promising workaround from the research to complete the objective of %q.", failedStepDescription),
			}
		}
		return []string{
			fmt.Sprintf("Complete the objective of %q with an alternate toolchain or a minimal in-repo change, avoiding the approach that failed with %q.",
				failedStepDescription, failureReason),
		}
	}
}
