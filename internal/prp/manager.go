package prp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirqtio/prpflow/internal/ci"
	"github.com/mirqtio/prpflow/internal/coordstore"
)

const (
	recordsKey  = "prp:records"
	countersKey = "prp:counters"
)

// GateConfig tunes the complete transition gate.
type GateConfig struct {
	// CompleteFrom lists the statuses allowed to transition to complete.
	// Depends on pipeline depth; defaults to in_progress only.
	CompleteFrom []Status
	// Freshness is the maximum commit age. Defaults to 24h.
	Freshness time.Duration
}

func (g GateConfig) withDefaults() GateConfig {
	if len(g.CompleteFrom) == 0 {
		g.CompleteFrom = []Status{StatusInProgress}
	}
	if g.Freshness <= 0 {
		g.Freshness = 24 * time.Hour
	}
	return g
}

// Manager is the task state manager. It is the only legitimate writer of
// PRP records and of the persisted status artifact.
type Manager struct {
	store  coordstore.Store
	gate   GateConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager on top of the coordination store.
func NewManager(store coordstore.Store, gate GateConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		gate:   gate.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Create mints a new record with the next stable id. The stable id is
// assigned here exactly once and never mutated afterwards.
func (m *Manager) Create(ctx context.Context, id string, priority int, deps []string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("prp id must be non-empty")
	}
	if _, err := m.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("prp %q already exists", id)
	}

	stableID, err := m.store.HIncr(ctx, countersKey, "stable_id")
	if err != nil {
		return nil, fmt.Errorf("mint stable id: %w", err)
	}

	rec := &Record{
		ID:           id,
		StableID:     stableID,
		Status:       StatusNew,
		Priority:     priority,
		Dependencies: deps,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	m.logger.Info("prp created", "prp_id", id, "stable_id", stableID)
	return rec, nil
}

// Get loads a record by legacy id.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	raw, ok, err := m.store.HGet(ctx, recordsKey, id)
	if err != nil {
		return nil, fmt.Errorf("load prp %s: %w", id, err)
	}
	if !ok {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode prp %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every record, in no particular order.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	fields, err := m.store.HGetAll(ctx, recordsKey)
	if err != nil {
		return nil, fmt.Errorf("list prps: %w", err)
	}
	out := make([]Record, 0, len(fields))
	for id, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode prp %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode prp %s: %w", rec.ID, err)
	}
	if err := m.store.HSet(ctx, recordsKey, rec.ID, string(raw)); err != nil {
		return fmt.Errorf("save prp %s: %w", rec.ID, err)
	}
	return nil
}

// Assign moves an unassigned task to assigned with the named owner.
func (m *Manager) Assign(ctx context.Context, id, owner string) error {
	if owner == "" {
		return fmt.Errorf("assign %s: owner must be non-empty", id)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Owner != "" {
		return fmt.Errorf("assign %s: already owned by %q", id, rec.Owner)
	}
	if !CanTransition(rec.Status, StatusAssigned) {
		return &InvalidTransitionError{ID: id, Current: rec.Status, Requested: StatusAssigned}
	}
	now := m.now().UTC()
	rec.Status = StatusAssigned
	rec.Owner = owner
	rec.AssignedAt = &now
	if err := m.save(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("prp assigned", "prp_id", id, "owner", owner)
	return nil
}

// Transition applies a plain status edge (no gate checks). The per-stage
// timestamp for the target status is stamped on success.
func (m *Manager) Transition(ctx context.Context, id string, to Status) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(rec.Status, to) {
		return &InvalidTransitionError{ID: id, Current: rec.Status, Requested: to}
	}
	from := rec.Status
	now := m.now().UTC()
	rec.Status = to
	switch to {
	case StatusAssigned:
		rec.AssignedAt = &now
	case StatusInProgress:
		rec.DevStartedAt = &now
	case StatusValidation:
		rec.ValidationStartedAt = &now
	case StatusIntegration:
		rec.IntegrationStartedAt = &now
	case StatusComplete:
		rec.CompletedAt = &now
	}
	if err := m.save(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("prp status changed", "prp_id", id, "from", from, "to", to)
	return nil
}

// Deprecate moves a non-terminal task to the deprecated side-branch,
// recording what superseded it.
func (m *Manager) Deprecate(ctx context.Context, id, supersededBy string) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(rec.Status, StatusDeprecated) {
		return &InvalidTransitionError{ID: id, Current: rec.Status, Requested: StatusDeprecated}
	}
	from := rec.Status
	rec.Status = StatusDeprecated
	rec.Deprecated = true
	rec.SupersededBy = supersededBy
	if err := m.save(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("prp deprecated", "prp_id", id, "from", from, "superseded_by", supersededBy)
	return nil
}

// IncrRetries bumps the retry counter and returns the new count.
func (m *Manager) IncrRetries(ctx context.Context, id string) (int, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	rec.Retries++
	if err := m.save(ctx, rec); err != nil {
		return 0, err
	}
	return rec.Retries, nil
}

// VerifyComplete runs the four complete-gate checks for a commit without
// mutating anything. It returns InvalidTransitionError when the current
// status may not complete, and ValidationGateFailure enumerating every
// failed check otherwise.
func (m *Manager) VerifyComplete(ctx context.Context, id, commit string, verifier ci.Verifier) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	allowed := false
	for _, from := range m.gate.CompleteFrom {
		if rec.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidTransitionError{ID: id, Current: rec.Status, Requested: StatusComplete}
	}

	var failures []string
	if commit == "" {
		failures = append(failures, "no commit hash supplied")
		return &ValidationGateFailure{ID: id, Commit: commit, Failures: failures}
	}

	verification, err := verifier.Verify(ctx, commit)
	if err != nil {
		if errors.Is(err, ci.ErrCannotVerify) {
			// Fail closed: unverifiable is a failure, never a pass.
			failures = append(failures, fmt.Sprintf("ci verification unavailable: %v", err))
			return &ValidationGateFailure{ID: id, Commit: commit, Failures: failures}
		}
		return fmt.Errorf("verify commit %s: %w", commit, err)
	}
	for _, name := range verification.FailedChecks() {
		failures = append(failures, fmt.Sprintf("required check %q failed", name))
	}
	if !verification.OnMainline {
		failures = append(failures, "commit not found on mainline branch")
	}
	if age := m.now().Sub(verification.CommittedAt); age > m.gate.Freshness {
		failures = append(failures, fmt.Sprintf("commit is %s old, exceeds freshness window %s",
			age.Truncate(time.Minute), m.gate.Freshness))
	}
	if len(failures) > 0 {
		return &ValidationGateFailure{ID: id, Commit: commit, Failures: failures}
	}
	return nil
}

// Complete runs the full gate and, when every check passes, transitions the
// task to complete.
func (m *Manager) Complete(ctx context.Context, id, commit string, verifier ci.Verifier) error {
	if err := m.VerifyComplete(ctx, id, commit, verifier); err != nil {
		return err
	}
	if err := m.Transition(ctx, id, StatusComplete); err != nil {
		return err
	}
	m.logger.Info("prp completed", "prp_id", id, "commit", commit)
	return nil
}
