// Package planning parses synthesized modification plans into per-file steps.
package planning

import "fmt"

// StepStatus tracks a step through patch generation.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// PlanStep is one task scoped to a single file.
type PlanStep struct {
	Order  int        `json:"order"`
	File   string     `json:"file"`
	Task   string     `json:"task"`
	Done   bool       `json:"done,omitempty"`
	Status StepStatus `json:"status"`
}

// Plan is the parsed form of a plan text.
type Plan struct {
	Raw   string     `json:"raw"`
	Steps []PlanStep `json:"steps"`
}

// Describe renders a step as the task handed to patch generation.
func (s PlanStep) Describe() string {
	return fmt.Sprintf("IN %s: %s", s.File, s.Task)
}
