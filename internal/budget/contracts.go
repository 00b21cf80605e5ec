// Package budget enforces turn, tool, search, token, and cost budgets for
// a task run, and computes adaptive per-call token and timeout caps.
package budget

import "github.com/praxisworks/praxis/pkg/models"

// Contract caps the discretionary resources of one task run.
type Contract struct {
	MaxTurns                  int
	MaxToolCalls              int
	MaxWebSearchCalls         int
	MaxConsecutiveSearchSteps int
	MaxAutoRecoverySteps      int
}

// Named profiles. Auto resolves from the task's requested max turns.
var profiles = map[models.BudgetProfileName]Contract{
	models.ProfileStrict: {
		MaxTurns:                  40,
		MaxToolCalls:              60,
		MaxWebSearchCalls:         10,
		MaxConsecutiveSearchSteps: 2,
		MaxAutoRecoverySteps:      1,
	},
	models.ProfileBalanced: {
		MaxTurns:                  100,
		MaxToolCalls:              160,
		MaxWebSearchCalls:         25,
		MaxConsecutiveSearchSteps: 3,
		MaxAutoRecoverySteps:      2,
	},
	models.ProfileAggressive: {
		MaxTurns:                  200,
		MaxToolCalls:              400,
		MaxWebSearchCalls:         60,
		MaxConsecutiveSearchSteps: 5,
		MaxAutoRecoverySteps:      4,
	},
}

// ResolveContract selects the contract for a task. An explicit profile
// wins; auto picks by requested max turns. The task's own MaxTurns caps
// the contract's turn allowance in every case.
func ResolveContract(profile models.BudgetProfileName, maxTurns int) Contract {
	c, ok := profiles[profile]
	if !ok {
		switch {
		case maxTurns > 0 && maxTurns <= 40:
			c = profiles[models.ProfileStrict]
		case maxTurns > 120:
			c = profiles[models.ProfileAggressive]
		default:
			c = profiles[models.ProfileBalanced]
		}
	}
	if maxTurns > 0 && maxTurns < c.MaxTurns {
		c.MaxTurns = maxTurns
	}
	return c
}
