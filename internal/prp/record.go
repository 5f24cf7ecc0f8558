// Package prp owns the PRP (task) record: its state machine, stable-id
// scheme, and the persisted status artifact. All records live in the
// coordination store; the pipeline engine and the commit gate are the only
// other writers, and both go through the Manager.
package prp

import "time"

type Status string

const (
	StatusNew         Status = "new"
	StatusAssigned    Status = "assigned"
	StatusInProgress  Status = "in_progress"
	StatusValidation  Status = "validation"
	StatusIntegration Status = "integration"
	StatusComplete    Status = "complete"
	StatusDeprecated  Status = "deprecated"
)

// allowedTransitions defines every legal status edge. The deprecated
// side-branch is reachable from any non-terminal state; the complete gate
// further narrows which states may complete per pipeline depth.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusNew: {
		StatusAssigned:   {},
		StatusDeprecated: {},
	},
	StatusAssigned: {
		StatusInProgress: {},
		StatusDeprecated: {},
	},
	StatusInProgress: {
		StatusValidation: {},
		StatusComplete:   {},
		StatusDeprecated: {},
	},
	StatusValidation: {
		StatusIntegration: {},
		StatusComplete:    {},
		StatusDeprecated:  {},
	},
	StatusIntegration: {
		StatusComplete:   {},
		StatusDeprecated: {},
	},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Terminal reports whether a status is terminal. Terminal records are
// retained for audit and never deleted.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusDeprecated
}

// Record is one PRP tracked through the pipeline.
type Record struct {
	ID       string `json:"id"`        // legacy/display id, e.g. "PRP-1059"
	StableID int64  `json:"stable_id"` // immutable, assigned exactly once
	Status   Status `json:"status"`
	Priority int    `json:"priority"`
	Owner    string `json:"owner,omitempty"` // agent id; empty = unassigned

	Retries int `json:"retries"`

	Dependencies []string `json:"dependencies,omitempty"`

	Deprecated   bool   `json:"deprecated,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	DevStartedAt         *time.Time `json:"dev_started_at,omitempty"`
	ValidationStartedAt  *time.Time `json:"validation_started_at,omitempty"`
	IntegrationStartedAt *time.Time `json:"integration_started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}
