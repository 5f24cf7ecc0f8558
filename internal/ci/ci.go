// Package ci queries the continuous-integration collaborator for the
// evidence the complete gate needs: per-check results for a commit, the
// commit's age, and whether it is reachable from the mainline branch.
// The CI system itself is an opaque pass/fail oracle.
package ci

import (
	"context"
	"errors"
	"time"
)

// ErrCannotVerify is returned when the collaborator cannot be consulted at
// all (no connectivity, no credentials). Callers must treat it as a failed
// verification, never as a pass.
var ErrCannotVerify = errors.New("ci: cannot verify commit")

// CheckResult is the outcome of one named required check.
type CheckResult struct {
	Name   string
	Passed bool
}

// Verification is the full evidence set for one commit.
type Verification struct {
	Commit      string
	Checks      []CheckResult
	OnMainline  bool
	CommittedAt time.Time
}

// FailedChecks returns the names of required checks that did not pass.
func (v Verification) FailedChecks() []string {
	var out []string
	for _, c := range v.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// AllPassed reports whether every required check passed.
func (v Verification) AllPassed() bool {
	for _, c := range v.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Verifier is the CI collaborator port.
type Verifier interface {
	// Verify gathers check results, mainline membership, and commit time
	// for the given commit hash. Returns ErrCannotVerify (possibly wrapped)
	// when the collaborator is unreachable or unauthenticated.
	Verify(ctx context.Context, commit string) (Verification, error)
}
