package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mirqtio/prpflow/internal/ci"
	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/prp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func allGreen() fakeVerifier {
	return fakeVerifier{verification: ci.Verification{
		Checks:      []ci.CheckResult{{Name: "tests", Passed: true}},
		OnMainline:  true,
		CommittedAt: time.Now().Add(-time.Hour),
	}}
}

func seedTask(t *testing.T, tasks *prp.Manager, id string, status prp.Status) {
	t.Helper()
	ctx := context.Background()
	if _, err := tasks.Create(ctx, id, 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status == prp.StatusNew {
		return
	}
	if err := tasks.Assign(ctx, id, "agent-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for _, step := range []prp.Status{prp.StatusInProgress, prp.StatusValidation, prp.StatusIntegration} {
		if status == prp.StatusAssigned {
			return
		}
		if err := tasks.Transition(ctx, id, step); err != nil {
			t.Fatalf("Transition to %s: %v", step, err)
		}
		if step == status {
			return
		}
	}
}

func newTestGate(t *testing.T, verifier ci.Verifier, cfg Config) (*Gate, *prp.Manager) {
	t.Helper()
	tasks := prp.NewManager(coordstore.NewMemory(), prp.GateConfig{}, testLogger())
	return New(tasks, verifier, cfg, testLogger()), tasks
}

func TestCompletionCommitRejectedOutsideInProgress(t *testing.T) {
	g, tasks := newTestGate(t, allGreen(), Config{})
	seedTask(t, tasks, "TASK-7", prp.StatusValidation)

	err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): complete",
		Hash:    "abc123",
	})
	var invalid *prp.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("completion from validation = %v, want InvalidTransitionError", err)
	}
}

func TestCompletionCommitAllowedWithPassingChecks(t *testing.T) {
	g, tasks := newTestGate(t, allGreen(), Config{})
	seedTask(t, tasks, "TASK-7", prp.StatusInProgress)

	if err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): complete",
		Hash:    "abc123",
	}); err != nil {
		t.Fatalf("completion with green CI rejected: %v", err)
	}
}

func TestCompletionCommitRejectedNamingFailedCheck(t *testing.T) {
	verifier := fakeVerifier{verification: ci.Verification{
		Checks: []ci.CheckResult{
			{Name: "tests", Passed: false},
			{Name: "lint", Passed: true},
		},
		OnMainline:  true,
		CommittedAt: time.Now().Add(-time.Hour),
	}}
	g, tasks := newTestGate(t, verifier, Config{})
	seedTask(t, tasks, "TASK-7", prp.StatusInProgress)

	err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): complete",
		Hash:    "abc123",
	})
	var gateFail *prp.ValidationGateFailure
	if !errors.As(err, &gateFail) {
		t.Fatalf("failing check = %v, want ValidationGateFailure", err)
	}
	if !strings.Contains(err.Error(), `"tests"`) {
		t.Fatalf("rejection must name the failing check: %q", err.Error())
	}
}

func TestArtifactEditRequiresSentinel(t *testing.T) {
	g, _ := newTestGate(t, allGreen(), Config{})

	err := g.Check(context.Background(), CommitRequest{
		Message: "tweak statuses by hand",
		Files:   []string{"docs/readme.md", prp.ArtifactFile},
	})
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("hand edit of artifact = %v, want RejectionError", err)
	}

	if err := g.Check(context.Background(), CommitRequest{
		Message: "[status-sync] update task statuses",
		Files:   []string{prp.ArtifactFile},
	}); err != nil {
		t.Fatalf("system-tagged artifact update rejected: %v", err)
	}
}

func TestCommitWithoutTaskIDAllowed(t *testing.T) {
	g, _ := newTestGate(t, allGreen(), Config{})
	if err := g.Check(context.Background(), CommitRequest{
		Message: "chore: bump dependencies",
	}); err != nil {
		t.Fatalf("uncorrelated commit rejected: %v", err)
	}
}

func TestCommitReferencingUnknownTaskRejected(t *testing.T) {
	g, _ := newTestGate(t, allGreen(), Config{})
	err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-404): adjust parser",
	})
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("unknown task reference = %v, want RejectionError", err)
	}
}

func TestNonCompletionCommitStatesCurrentAndRequired(t *testing.T) {
	g, tasks := newTestGate(t, allGreen(), Config{})
	seedTask(t, tasks, "TASK-7", prp.StatusAssigned)

	err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): adjust parser",
	})
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("out-of-state commit = %v, want RejectionError", err)
	}
	if !strings.Contains(rejection.Reason, "assigned") || !strings.Contains(rejection.Reason, "in_progress") {
		t.Fatalf("rejection must state current and required state: %q", rejection.Reason)
	}
}

func TestNonCompletionCommitAllowedInFlight(t *testing.T) {
	g, tasks := newTestGate(t, allGreen(), Config{})
	seedTask(t, tasks, "TASK-7", prp.StatusInProgress)
	if err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): adjust parser",
	}); err != nil {
		t.Fatalf("in-flight commit rejected: %v", err)
	}
}

func TestFailOpenAllowsOnInternalError(t *testing.T) {
	broken := fakeVerifier{err: errors.New("connection reset mid-handshake")}
	g, tasks := newTestGate(t, broken, Config{Mode: FailOpen})
	seedTask(t, tasks, "TASK-7", prp.StatusInProgress)

	if err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): complete",
		Hash:    "abc123",
	}); err != nil {
		t.Fatalf("fail-open gate blocked on internal error: %v", err)
	}
}

func TestFailClosedBlocksOnInternalError(t *testing.T) {
	broken := fakeVerifier{err: errors.New("connection reset mid-handshake")}
	g, tasks := newTestGate(t, broken, Config{Mode: FailClosed})
	seedTask(t, tasks, "TASK-7", prp.StatusInProgress)

	if err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): complete",
		Hash:    "abc123",
	}); err == nil {
		t.Fatal("fail-closed gate allowed on internal error")
	}
}

func TestUnreachableCIisRejectionNotInternalError(t *testing.T) {
	// Missing CI credentials must fail the completion deterministically in
	// both fail modes; fail-open applies only to gate tooling errors.
	unreachable := fakeVerifier{err: ci.ErrCannotVerify}
	g, tasks := newTestGate(t, unreachable, Config{Mode: FailOpen})
	seedTask(t, tasks, "TASK-7", prp.StatusInProgress)

	err := g.Check(context.Background(), CommitRequest{
		Message: "fix(TASK-7): complete",
		Hash:    "abc123",
	})
	var gateFail *prp.ValidationGateFailure
	if !errors.As(err, &gateFail) {
		t.Fatalf("unverifiable CI under fail-open = %v, want ValidationGateFailure", err)
	}
}

func TestExtractTaskIDPrefersTaggedForm(t *testing.T) {
	cases := []struct {
		message string
		want    string
		found   bool
	}{
		{"feat(PRP-12): also mentions PRP-99", "PRP-12", true},
		{"fix(TASK-7): complete", "TASK-7", true},
		{"touch PRP-1059 edge case", "PRP-1059", true},
		{"chore: no task here", "", false},
		{"lowercase prp-3 does not count", "", false},
	}
	for _, tc := range cases {
		got, found := ExtractTaskID(tc.message)
		if got != tc.want || found != tc.found {
			t.Errorf("ExtractTaskID(%q) = (%q, %v), want (%q, %v)",
				tc.message, got, found, tc.want, tc.found)
		}
	}
}
