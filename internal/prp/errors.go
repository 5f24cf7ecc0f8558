package prp

import (
	"fmt"
	"strings"
)

// NotFoundError reports an unknown task or agent id.
type NotFoundError struct {
	Kind string // "task" or "agent"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidTransitionError reports a status change outside the state machine.
// The message always states both the current and the requested state.
type InvalidTransitionError struct {
	ID        string
	Current   Status
	Requested Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition from %q to %q", e.ID, e.Current, e.Requested)
}

// ValidationGateFailure blocks the complete transition. Failures enumerates
// every gate check that did not pass.
type ValidationGateFailure struct {
	ID       string
	Commit   string
	Failures []string
}

func (e *ValidationGateFailure) Error() string {
	return fmt.Sprintf("task %s: complete gate refused for commit %s: %s",
		e.ID, e.Commit, strings.Join(e.Failures, "; "))
}
