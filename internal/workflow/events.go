package workflow

import "time"

// UpdateKind classifies a published update.
type UpdateKind string

const (
	UpdateTransition UpdateKind = "transition"
	UpdateProgress   UpdateKind = "progress"
	UpdatePlan       UpdateKind = "plan"
	UpdateChanges    UpdateKind = "changes"
	UpdateWarning    UpdateKind = "warning"
)

// Update is published to subscribers of an interaction.
type Update struct {
	Interaction string     `json:"interaction"`
	Kind        UpdateKind `json:"kind"`
	From        State      `json:"from,omitempty"`
	To          State      `json:"to,omitempty"`
	Purpose     string     `json:"purpose,omitempty"`
	Text        string     `json:"text,omitempty"`
	At          time.Time  `json:"at"`
}

const subscriberBuffer = 64
