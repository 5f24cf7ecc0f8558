// Package liveness tracks worker agent heartbeats and classifies agent
// health from heartbeat age. The monitor only ever reads agent records and
// never touches queue state.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/prp"
)

const agentsKey = "agents"

// Health classifies an agent by the age of its last heartbeat.
type Health string

const (
	HealthActive  Health = "active"
	HealthIdle    Health = "idle"
	HealthStale   Health = "stale"
	HealthUnknown Health = "unknown"
)

// Thresholds are the heartbeat age cutoffs for health classification.
// They are configuration, tuned per deployment.
type Thresholds struct {
	Active time.Duration // heartbeat younger than this: active
	Idle   time.Duration // younger than this (but not active): idle
}

// DefaultThresholds returns the standard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Active: 60 * time.Second, Idle: 300 * time.Second}
}

// Classify returns the health of an agent whose last heartbeat was at
// lastActivity, as of now. A zero lastActivity means no heartbeat was ever
// recorded.
func (t Thresholds) Classify(lastActivity, now time.Time) Health {
	if lastActivity.IsZero() {
		return HealthUnknown
	}
	age := now.Sub(lastActivity)
	switch {
	case age < t.Active:
		return HealthActive
	case age < t.Idle:
		return HealthIdle
	default:
		return HealthStale
	}
}

// Record is the stored state for one agent.
type Record struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"` // active/busy/idle/error/unknown, self-reported
	CurrentTask  string    `json:"current_task,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Registry reads and writes agent records in the coordination store.
type Registry struct {
	store  coordstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an agent registry backed by the given store.
func NewRegistry(store coordstore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Heartbeat records a liveness signal from an agent, advancing its
// last_activity timestamp and updating its self-reported status.
func (r *Registry) Heartbeat(ctx context.Context, agentID, status, currentTask string) error {
	if agentID == "" {
		return fmt.Errorf("heartbeat requires an agent id")
	}
	rec := Record{
		ID:           agentID,
		Status:       status,
		CurrentTask:  currentTask,
		LastActivity: r.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode agent record: %w", err)
	}
	if err := r.store.HSet(ctx, agentsKey, agentID, string(data)); err != nil {
		return fmt.Errorf("write heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// Get returns one agent record.
func (r *Registry) Get(ctx context.Context, agentID string) (Record, error) {
	raw, ok, err := r.store.HGet(ctx, agentsKey, agentID)
	if err != nil {
		return Record{}, fmt.Errorf("read agent %s: %w", agentID, err)
	}
	if !ok {
		return Record{}, &prp.NotFoundError{Kind: "agent", ID: agentID}
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode agent %s: %w", agentID, err)
	}
	return rec, nil
}

// List returns all agent records, ordered by id.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	fields, err := r.store.HGetAll(ctx, agentsKey)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]Record, 0, len(fields))
	for id, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Warn("skipping malformed agent record", "agent_id", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
