// Package gate enforces the task state machine at the commit boundary. It
// inspects a proposed commit (message plus touched files), correlates it to
// a PRP when the message carries a task identifier, and refuses commits
// that would contradict the task's recorded state.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mirqtio/prpflow/internal/ci"
	"github.com/mirqtio/prpflow/internal/prp"
)

// FailMode decides what an internal gate error does to the commit.
type FailMode string

const (
	// FailOpen lets the commit through on internal errors so a tooling bug
	// never blocks all contributors. The error is still logged loudly.
	FailOpen FailMode = "open"
	// FailClosed blocks the commit on internal errors.
	FailClosed FailMode = "closed"
)

// RejectionError is returned when the gate deliberately refuses a commit.
// It is distinct from internal errors, which are subject to the fail mode.
type RejectionError struct {
	Reason string
	Cause  error // InvalidTransitionError, ValidationGateFailure, or nil
}

func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("commit rejected: %s: %v", e.Reason, e.Cause)
	}
	return "commit rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error { return e.Cause }

// CommitRequest describes a proposed commit.
type CommitRequest struct {
	Message string
	Files   []string
	Hash    string
}

// Config tunes the gate.
type Config struct {
	// SentinelMarker identifies system-generated status updates, the only
	// commits allowed to touch the status artifact. Defaults to
	// "[status-sync]".
	SentinelMarker string
	// ArtifactPath is the persisted task artifact guarded by the sentinel
	// rule. Defaults to prp.ArtifactFile.
	ArtifactPath string
	// InFlightStates are the statuses a referenced task must be in for a
	// non-completion commit to pass. Defaults to in_progress only.
	InFlightStates []prp.Status
	// Mode is the internal-error behavior. Defaults to FailOpen.
	Mode FailMode
}

func (c Config) withDefaults() Config {
	if c.SentinelMarker == "" {
		c.SentinelMarker = "[status-sync]"
	}
	if c.ArtifactPath == "" {
		c.ArtifactPath = prp.ArtifactFile
	}
	if len(c.InFlightStates) == 0 {
		c.InFlightStates = []prp.Status{prp.StatusInProgress}
	}
	if c.Mode == "" {
		c.Mode = FailOpen
	}
	return c
}

// Ordered identifier patterns: explicit tagged conventional-commit forms
// first, bare identifiers last, so "fix(PRP-7): ..." never half-matches.
var (
	taggedIDPattern = regexp.MustCompile(`^\w+\(([A-Z][A-Z0-9]*-\d+)\)\s*:`)
	bareIDPattern   = regexp.MustCompile(`\b([A-Z][A-Z0-9]*-\d+)\b`)
	completePattern = regexp.MustCompile(`(?i)\bcomplet(?:e[sd]?|ing|ion)\b`)
)

// Gate validates proposed commits against task state.
type Gate struct {
	tasks    *prp.Manager
	verifier ci.Verifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a commit gate.
func New(tasks *prp.Manager, verifier ci.Verifier, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{tasks: tasks, verifier: verifier, cfg: cfg.withDefaults(), logger: logger}
}

// Check validates a proposed commit. nil means the commit may proceed; a
// *RejectionError carries the refusal reason. Internal errors are resolved
// per the configured fail mode: open logs loudly and allows, closed blocks.
func (g *Gate) Check(ctx context.Context, req CommitRequest) error {
	err := g.check(ctx, req)
	if err == nil {
		return nil
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		g.logger.Warn("commit rejected", "hash", req.Hash, "reason", rejection.Reason)
		return err
	}

	if g.cfg.Mode == FailClosed {
		g.logger.Error("gate internal error, commit blocked (fail-closed)", "hash", req.Hash, "error", err)
		return fmt.Errorf("commit gate unavailable: %w", err)
	}
	g.logger.Error("GATE INTERNAL ERROR, ALLOWING COMMIT (fail-open)", "hash", req.Hash, "error", err)
	return nil
}

func (g *Gate) check(ctx context.Context, req CommitRequest) error {
	if g.touchesArtifact(req.Files) && !strings.Contains(req.Message, g.cfg.SentinelMarker) {
		return &RejectionError{Reason: fmt.Sprintf(
			"commit modifies %s without the %s marker; the status artifact is system-managed",
			g.cfg.ArtifactPath, g.cfg.SentinelMarker)}
	}

	taskID, found := ExtractTaskID(req.Message)
	if !found {
		return nil // no task correlation required
	}

	rec, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		var notFound *prp.NotFoundError
		if errors.As(err, &notFound) {
			return &RejectionError{
				Reason: fmt.Sprintf("commit references unknown task %s", taskID),
				Cause:  err,
			}
		}
		return err
	}

	if completePattern.MatchString(req.Message) {
		if err := g.tasks.VerifyComplete(ctx, taskID, req.Hash, g.verifier); err != nil {
			var invalid *prp.InvalidTransitionError
			var gateFail *prp.ValidationGateFailure
			if errors.As(err, &invalid) || errors.As(err, &gateFail) {
				return &RejectionError{
					Reason: fmt.Sprintf("task %s may not complete", taskID),
					Cause:  err,
				}
			}
			return err
		}
		return nil
	}

	if !g.inFlight(rec.Status) {
		required := make([]string, len(g.cfg.InFlightStates))
		for i, s := range g.cfg.InFlightStates {
			required[i] = string(s)
		}
		return &RejectionError{
			Reason: fmt.Sprintf("task %s is %s, commits require %s",
				taskID, rec.Status, strings.Join(required, " or ")),
			Cause: &prp.InvalidTransitionError{ID: taskID, Current: rec.Status, Requested: prp.StatusInProgress},
		}
	}
	return nil
}

func (g *Gate) touchesArtifact(files []string) bool {
	for _, f := range files {
		if f == g.cfg.ArtifactPath || strings.HasSuffix(f, "/"+g.cfg.ArtifactPath) {
			return true
		}
	}
	return false
}

func (g *Gate) inFlight(status prp.Status) bool {
	for _, s := range g.cfg.InFlightStates {
		if status == s {
			return true
		}
	}
	return false
}

// ExtractTaskID pulls a task identifier out of a commit message, trying
// tagged forms before bare identifiers.
func ExtractTaskID(message string) (string, bool) {
	if m := taggedIDPattern.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	if m := bareIDPattern.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	return "", false
}
