package plan

import (
	"strings"

	"github.com/praxisworks/praxis/pkg/models"
)

var verificationCues = []string{"verify", "verification", "double-check", "confirm that", "check that"}

var mutationVerbs = []string{"write", "create", "edit", "delete", "deploy", "install", "build", "fix", "implement", "update"}

// InferStepKind classifies a step description. Verification cues make a
// step a verification step unless the description also mutates state, in
// which case it stays primary.
func InferStepKind(description string) models.StepKind {
	lower := strings.ToLower(description)
	for _, cue := range verificationCues {
		if strings.HasPrefix(lower, cue) || strings.Contains(lower, "verification") {
			for _, verb := range mutationVerbs {
				if strings.Contains(lower, verb) {
					return models.StepPrimary
				}
			}
			return models.StepVerification
		}
	}
	return models.StepPrimary
}
