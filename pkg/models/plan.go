package models

// StepKind classifies a plan step.
type StepKind string

const (
	StepPrimary      StepKind = "primary"
	StepVerification StepKind = "verification"
	StepRecovery     StepKind = "recovery"
)

// StepStatus tracks a plan step lifecycle.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStep is one entry in a task plan.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Kind        StepKind   `json:"kind"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	Output      string     `json:"output,omitempty"`
}

// Plan is an ordered sequence of steps with a description.
type Plan struct {
	Description string     `json:"description"`
	Steps       []PlanStep `json:"steps"`
	Revisions   int        `json:"revisions"`
}

// CurrentStep returns the in-progress step, or nil if none.
func (p *Plan) CurrentStep() *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].Status == StepInProgress {
			return &p.Steps[i]
		}
	}
	return nil
}

// NextPending returns the first pending step, or nil if none.
func (p *Plan) NextPending() *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// CompletedCount returns the number of completed steps.
func (p *Plan) CompletedCount() int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Status == StepCompleted {
			n++
		}
	}
	return n
}

// FailedSteps returns the failed steps in order.
func (p *Plan) FailedSteps() []PlanStep {
	var failed []PlanStep
	for i := range p.Steps {
		if p.Steps[i].Status == StepFailed {
			failed = append(failed, p.Steps[i])
		}
	}
	return failed
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{Description: p.Description, Revisions: p.Revisions}
	out.Steps = make([]PlanStep, len(p.Steps))
	copy(out.Steps, p.Steps)
	return out
}
