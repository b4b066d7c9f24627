// Package workflow drives a modification request from context retrieval to
// persisted, reindexed changes, pausing at human review gates.
package workflow

import (
	"errors"
	"fmt"

	"github.com/joss/fraude/internal/synth"
)

var (
	// ErrInvalidTransition is returned when an event does not apply to a state.
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrUnknownInteraction is returned for an interaction ID the manager
	// does not know.
	ErrUnknownInteraction = errors.New("unknown interaction")

	// ErrNotAwaiting is returned when resolving a gate the interaction is not
	// waiting on.
	ErrNotAwaiting = errors.New("interaction is not awaiting this decision")

	// ErrBusy is returned when the ledger is flushed while an interaction
	// is still running.
	ErrBusy = errors.New("interactions are still running")
)

// State is a workflow stage.
type State string

const (
	StateRetrievingContext       State = "retrieving_context"
	StateAnalyzingPlan           State = "analyzing_plan"
	StatePlanReview              State = "plan_review"
	StateGeneratingPatch         State = "generating_patch"
	StateComputingPendingChanges State = "computing_pending_changes"
	StateAwaitingConfirmation    State = "awaiting_confirmation"
	StatePersisting              State = "persisting"
	StateReindexing              State = "reindexing"
	StateDone                    State = "done"
	StateCancelled               State = "cancelled"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// EventKind names what happened in a stage.
type EventKind string

const (
	EventContextReady    EventKind = "context_ready"
	EventPlanReady       EventKind = "plan_ready"
	EventPlanProceed     EventKind = "plan_proceed"
	EventPlanModify      EventKind = "plan_modify"
	EventPlanCancel      EventKind = "plan_cancel"
	EventPatchReady      EventKind = "patch_ready"
	EventChangesComputed EventKind = "changes_computed"
	EventConfirmed       EventKind = "confirmed"
	EventRejected        EventKind = "rejected"
	EventPersisted       EventKind = "persisted"
	EventReindexed       EventKind = "reindexed"
	EventCancel          EventKind = "cancel"
	EventFailed          EventKind = "failed"
)

// Event drives a transition. Mode is read on EventContextReady.
type Event struct {
	Kind EventKind
	Mode synth.Mode
}

// Transition computes the state following s on e. It has no side effects.
// Cancellation and failure end any non-terminal state in StateCancelled.
func Transition(s State, e Event) (State, error) {
	if s.Terminal() {
		return s, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	if e.Kind == EventCancel || e.Kind == EventFailed {
		return StateCancelled, nil
	}

	switch s {
	case StateRetrievingContext:
		if e.Kind == EventContextReady {
			if e.Mode == synth.ModePlanning {
				return StateAnalyzingPlan, nil
			}
			return StateGeneratingPatch, nil
		}
	case StateAnalyzingPlan:
		if e.Kind == EventPlanReady {
			return StatePlanReview, nil
		}
	case StatePlanReview:
		switch e.Kind {
		case EventPlanProceed:
			return StateGeneratingPatch, nil
		case EventPlanModify:
			return StateAnalyzingPlan, nil
		case EventPlanCancel:
			return StateCancelled, nil
		}
	case StateGeneratingPatch:
		if e.Kind == EventPatchReady {
			return StateComputingPendingChanges, nil
		}
	case StateComputingPendingChanges:
		if e.Kind == EventChangesComputed {
			return StateAwaitingConfirmation, nil
		}
	case StateAwaitingConfirmation:
		switch e.Kind {
		case EventConfirmed:
			return StatePersisting, nil
		case EventRejected:
			return StateCancelled, nil
		}
	case StatePersisting:
		if e.Kind == EventPersisted {
			return StateReindexing, nil
		}
	case StateReindexing:
		if e.Kind == EventReindexed {
			return StateDone, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e.Kind, s)
}

// InteractionStatus is the coarse status shown at the UI boundary.
type InteractionStatus string

const (
	StatusIdle                 InteractionStatus = "idle"
	StatusRunning              InteractionStatus = "running"
	StatusAwaitingConfirmation InteractionStatus = "awaiting_confirmation"
	StatusAwaitingComment      InteractionStatus = "awaiting_comment"
	StatusInterrupted          InteractionStatus = "interrupted"
	StatusDone                 InteractionStatus = "done"
)

// StatusFor maps a workflow state onto the UI status.
func StatusFor(s State) InteractionStatus {
	switch s {
	case "":
		return StatusIdle
	case StatePlanReview:
		return StatusAwaitingComment
	case StateAwaitingConfirmation:
		return StatusAwaitingConfirmation
	case StateCancelled:
		return StatusInterrupted
	case StateDone:
		return StatusDone
	}
	return StatusRunning
}

// PlanOutcome is the reviewer's decision on a plan.
type PlanOutcome string

const (
	PlanProceed PlanOutcome = "proceed"
	PlanModify  PlanOutcome = "modify"
	PlanCancel  PlanOutcome = "cancel"
)

// ParsePlanOutcome validates an outcome name.
func ParsePlanOutcome(s string) (PlanOutcome, error) {
	switch o := PlanOutcome(s); o {
	case PlanProceed, PlanModify, PlanCancel:
		return o, nil
	}
	return "", fmt.Errorf("unknown plan outcome %q", s)
}

// Confirmation is the tri-state answer at the confirmation gate.
type Confirmation string

const (
	ConfirmationPending  Confirmation = "pending"
	ConfirmationAccepted Confirmation = "accepted"
	ConfirmationRejected Confirmation = "rejected"
)
