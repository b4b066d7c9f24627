package workflow

import (
	"time"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/graph"
	"github.com/joss/fraude/internal/planning"
	"github.com/joss/fraude/internal/retrieval"
	"github.com/joss/fraude/internal/staging"
	"github.com/joss/fraude/internal/synth"
)

// TransitionRecord is one entry of an interaction's state history.
type TransitionRecord struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event EventKind `json:"event"`
	At    time.Time `json:"at"`
}

// WorkflowState is the record threaded through one modification request.
type WorkflowState struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	RepoRoot   string     `json:"repo_root"`
	Collection string     `json:"collection"`
	Mode       synth.Mode `json:"mode"`
	State      State      `json:"state"`

	Snippets     []retrieval.Chunk      `json:"snippets,omitempty"`
	Structure    []graph.StructuralNode `json:"structure,omitempty"`
	Dependencies string                 `json:"dependencies,omitempty"`
	CodeContext  map[string]string      `json:"code_context,omitempty"`

	Plan     string              `json:"plan,omitempty"`
	Feedback []string            `json:"feedback,omitempty"`
	Steps    []planning.PlanStep `json:"steps,omitempty"`

	PatchText      string                   `json:"patch_text,omitempty"`
	PendingChanges []*staging.PendingChange `json:"pending_changes,omitempty"`
	UserConfirmed  Confirmation             `json:"user_confirmed"`
	ChangedFiles   []string                 `json:"changed_files,omitempty"`

	Warnings []string           `json:"warnings,omitempty"`
	Usage    completion.Usage   `json:"usage"`
	Error    string             `json:"error,omitempty"`
	History  []TransitionRecord `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status returns the UI status of the state.
func (w *WorkflowState) Status() InteractionStatus {
	return StatusFor(w.State)
}

// clone copies every slice and map so the copy can be read without locks.
func (w *WorkflowState) clone() *WorkflowState {
	c := *w
	c.Snippets = append([]retrieval.Chunk(nil), w.Snippets...)
	c.Structure = append([]graph.StructuralNode(nil), w.Structure...)
	if w.CodeContext != nil {
		c.CodeContext = make(map[string]string, len(w.CodeContext))
		for k, v := range w.CodeContext {
			c.CodeContext[k] = v
		}
	}
	c.Feedback = append([]string(nil), w.Feedback...)
	c.Steps = append([]planning.PlanStep(nil), w.Steps...)
	c.PendingChanges = make([]*staging.PendingChange, len(w.PendingChanges))
	for i, p := range w.PendingChanges {
		cp := *p
		c.PendingChanges[i] = &cp
	}
	c.ChangedFiles = append([]string(nil), w.ChangedFiles...)
	c.Warnings = append([]string(nil), w.Warnings...)
	c.History = append([]TransitionRecord(nil), w.History...)
	return &c
}
