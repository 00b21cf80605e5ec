package executor

import "time"

// Config tunes the turn loop. Zero values take defaults via
// sanitizeConfig.
type Config struct {
	// Model is the provider model identifier used for turns.
	Model string

	// System is the system prompt for every turn.
	System string

	// MaxIterations limits LLM/tool cycles per plan step.
	// Default: 16
	MaxIterations int

	// FollowUpIterations limits cycles per follow-up message.
	// Default: 20
	FollowUpIterations int

	// StepTimeout is the hard per-step deadline.
	// Default: 5m
	StepTimeout time.Duration

	// DeepWorkStepTimeout replaces StepTimeout in deep-work mode.
	// Default: 30m
	DeepWorkStepTimeout time.Duration

	// SoftDeadlineFraction of the step timeout triggers wrap-up of the
	// in-flight call before the hard deadline fires.
	// Default: 0.9
	SoftDeadlineFraction float64

	// BaseMaxTokens is the pre-decay per-call output cap.
	// Default: 8192
	BaseMaxTokens int

	// FallbackTPS seeds output-throughput pacing before observations.
	// Default: 40
	FallbackTPS float64

	// ContractsEnabled applies profile turn/tool caps. Token and cost
	// budgets stay active regardless.
	// Default: true
	ContractsEnabled bool

	// PartialSuccessForCron finalizes budget-exhausted cron tasks as
	// partial successes when a candidate answer exists.
	PartialSuccessForCron bool

	// UserProfile and SharedContext, when set, are pinned into the
	// conversation at the start of every step.
	UserProfile   string
	SharedContext string
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:        16,
		FollowUpIterations:   20,
		StepTimeout:          5 * time.Minute,
		DeepWorkStepTimeout:  30 * time.Minute,
		SoftDeadlineFraction: 0.9,
		BaseMaxTokens:        8192,
		FallbackTPS:          40,
		ContractsEnabled:     true,
	}
}

func sanitizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	out := *cfg
	defaults := DefaultConfig()
	if out.MaxIterations <= 0 {
		out.MaxIterations = defaults.MaxIterations
	}
	if out.FollowUpIterations <= 0 {
		out.FollowUpIterations = defaults.FollowUpIterations
	}
	if out.StepTimeout <= 0 {
		out.StepTimeout = defaults.StepTimeout
	}
	if out.DeepWorkStepTimeout <= 0 {
		out.DeepWorkStepTimeout = defaults.DeepWorkStepTimeout
	}
	if out.SoftDeadlineFraction <= 0 || out.SoftDeadlineFraction >= 1 {
		out.SoftDeadlineFraction = defaults.SoftDeadlineFraction
	}
	if out.BaseMaxTokens <= 0 {
		out.BaseMaxTokens = defaults.BaseMaxTokens
	}
	if out.FallbackTPS <= 0 {
		out.FallbackTPS = defaults.FallbackTPS
	}
	return &out
}
