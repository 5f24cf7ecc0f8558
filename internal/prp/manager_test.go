package prp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mirqtio/prpflow/internal/ci"
	"github.com/mirqtio/prpflow/internal/coordstore"
)

type fakeVerifier struct {
	verification ci.Verification
	err          error
}

func (f fakeVerifier) Verify(_ context.Context, commit string) (ci.Verification, error) {
	if f.err != nil {
		return ci.Verification{}, f.err
	}
	v := f.verification
	v.Commit = commit
	return v, nil
}

func passingVerification(checks ...string) ci.Verification {
	v := ci.Verification{OnMainline: true, CommittedAt: time.Now().Add(-time.Hour)}
	for _, name := range checks {
		v.Checks = append(v.Checks, ci.CheckResult{Name: name, Passed: true})
	}
	return v
}

func newTestManager(t *testing.T, gate GateConfig) *Manager {
	t.Helper()
	return NewManager(coordstore.NewMemory(), gate, testLogger())
}

// advance walks a task from new to the given status through legal edges.
func advance(t *testing.T, m *Manager, id string, to Status) {
	t.Helper()
	path := []Status{StatusAssigned, StatusInProgress, StatusValidation, StatusIntegration, StatusComplete}
	ctx := context.Background()
	if to == StatusAssigned {
		if err := m.Assign(ctx, id, "agent-1"); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		return
	}
	if err := m.Assign(ctx, id, "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for _, step := range path[1:] {
		if err := m.Transition(ctx, id, step); err != nil {
			t.Fatalf("Transition to %s: %v", step, err)
		}
		if step == to {
			return
		}
	}
}

func TestCreateAssignsMonotonicStableIDs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})

	first, err := m.Create(ctx, "PRP-1", 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := m.Create(ctx, "PRP-2", 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.StableID <= 0 || second.StableID != first.StableID+1 {
		t.Fatalf("stable ids not monotone: %d then %d", first.StableID, second.StableID)
	}
	if first.Status != StatusNew {
		t.Fatalf("new record status = %s, want new", first.Status)
	}

	if _, err := m.Create(ctx, "PRP-1", 1, nil); err == nil {
		t.Fatal("duplicate Create succeeded")
	}
}

func TestGetUnknownTask(t *testing.T) {
	m := newTestManager(t, GateConfig{})
	_, err := m.Get(context.Background(), "PRP-404")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Get unknown = %v, want NotFoundError", err)
	}
}

func TestTransitionRejectsSkippedEdges(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-1", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// new -> in_progress skips assigned.
	err := m.Transition(ctx, "PRP-1", StatusInProgress)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("skipping edge = %v, want InvalidTransitionError", err)
	}
	if !strings.Contains(err.Error(), "new") || !strings.Contains(err.Error(), "in_progress") {
		t.Fatalf("error must state current and requested state, got %q", err.Error())
	}
}

func TestTransitionStampsStageTimestamps(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-1", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-1", StatusValidation)

	rec, err := m.Get(ctx, "PRP-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.AssignedAt == nil || rec.DevStartedAt == nil || rec.ValidationStartedAt == nil {
		t.Fatalf("missing stage timestamps: %+v", rec)
	}
	if rec.IntegrationStartedAt != nil || rec.CompletedAt != nil {
		t.Fatalf("future stage timestamps stamped early: %+v", rec)
	}
}

func TestAssignRequiresUnownedTaskAndOwner(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-1", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Assign(ctx, "PRP-1", ""); err == nil {
		t.Fatal("Assign with empty owner succeeded")
	}
	if err := m.Assign(ctx, "PRP-1", "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.Assign(ctx, "PRP-1", "agent-2"); err == nil {
		t.Fatal("Assign of owned task succeeded")
	}
}

func TestDeprecateFromAnyNonTerminalState(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})

	for _, state := range []Status{StatusNew, StatusAssigned, StatusInProgress, StatusValidation, StatusIntegration} {
		id := "PRP-" + string(state)
		if _, err := m.Create(ctx, id, 1, nil); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if state != StatusNew {
			advance(t, m, id, state)
		}
		if err := m.Deprecate(ctx, id, "PRP-X"); err != nil {
			t.Fatalf("Deprecate from %s: %v", state, err)
		}
		rec, _ := m.Get(ctx, id)
		if rec.Status != StatusDeprecated || !rec.Deprecated || rec.SupersededBy != "PRP-X" {
			t.Fatalf("deprecated record = %+v", rec)
		}
		// Terminal now: no further edges.
		if err := m.Transition(ctx, id, StatusComplete); err == nil {
			t.Fatal("transition out of deprecated succeeded")
		}
	}
}

func TestCompleteRejectsWrongStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{CompleteFrom: []Status{StatusInProgress}})
	if _, err := m.Create(ctx, "PRP-7", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-7", StatusValidation)

	err := m.Complete(ctx, "PRP-7", "abc123", fakeVerifier{verification: passingVerification("tests")})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Complete from validation = %v, want InvalidTransitionError", err)
	}
}

func TestCompleteHappyPath(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-7", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-7", StatusInProgress)

	verifier := fakeVerifier{verification: passingVerification("tests", "lint")}
	if err := m.Complete(ctx, "PRP-7", "abc123", verifier); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec, _ := m.Get(ctx, "PRP-7")
	if rec.Status != StatusComplete || rec.CompletedAt == nil {
		t.Fatalf("record after Complete = %+v", rec)
	}
}

func TestCompleteGateEnumeratesFailures(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-7", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-7", StatusInProgress)

	v := ci.Verification{
		Checks: []ci.CheckResult{
			{Name: "tests", Passed: false},
			{Name: "lint", Passed: true},
		},
		OnMainline:  false,
		CommittedAt: time.Now().Add(-48 * time.Hour),
	}
	err := m.VerifyComplete(ctx, "PRP-7", "abc123", fakeVerifier{verification: v})
	var gateFail *ValidationGateFailure
	if !errors.As(err, &gateFail) {
		t.Fatalf("VerifyComplete = %v, want ValidationGateFailure", err)
	}
	if len(gateFail.Failures) != 3 {
		t.Fatalf("Failures = %v, want failing check + mainline + freshness", gateFail.Failures)
	}
	if !strings.Contains(err.Error(), `"tests"`) {
		t.Fatalf("failure must name the failing check, got %q", err.Error())
	}
	// The record must be untouched.
	rec, _ := m.Get(ctx, "PRP-7")
	if rec.Status != StatusInProgress {
		t.Fatalf("status after refused gate = %s", rec.Status)
	}
}

func TestCompleteRequiresCommitHash(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-7", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-7", StatusInProgress)

	err := m.VerifyComplete(ctx, "PRP-7", "", fakeVerifier{verification: passingVerification()})
	var gateFail *ValidationGateFailure
	if !errors.As(err, &gateFail) {
		t.Fatalf("VerifyComplete without hash = %v, want ValidationGateFailure", err)
	}
}

func TestCompleteFailsClosedWhenCIUnreachable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-7", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-7", StatusInProgress)

	err := m.VerifyComplete(ctx, "PRP-7", "abc123", fakeVerifier{err: ci.ErrCannotVerify})
	var gateFail *ValidationGateFailure
	if !errors.As(err, &gateFail) {
		t.Fatalf("unreachable CI = %v, want ValidationGateFailure (fail closed)", err)
	}
}

func TestCompleteFromValidationWhenConfigured(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{CompleteFrom: []Status{StatusInProgress, StatusValidation}})
	if _, err := m.Create(ctx, "PRP-9", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	advance(t, m, "PRP-9", StatusValidation)

	if err := m.Complete(ctx, "PRP-9", "abc123", fakeVerifier{verification: passingVerification("tests")}); err != nil {
		t.Fatalf("Complete from validation with deeper gate config: %v", err)
	}
}

func TestIncrRetries(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, GateConfig{})
	if _, err := m.Create(ctx, "PRP-1", 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for want := 1; want <= 3; want++ {
		got, err := m.IncrRetries(ctx, "PRP-1")
		if err != nil || got != want {
			t.Fatalf("IncrRetries = (%d, %v), want %d", got, err, want)
		}
	}
}
