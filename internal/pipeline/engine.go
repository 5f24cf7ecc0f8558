// Package pipeline implements the multi-stage work queue: named per-stage
// queues with inflight shadow queues, claim/complete/recover semantics, a
// retry budget with a dead-letter list, and the handoff ledger that makes
// the two-step stage transition effectively exactly-once.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mirqtio/prpflow/internal/audit"
	"github.com/mirqtio/prpflow/internal/bus"
	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/otel"
	"github.com/mirqtio/prpflow/internal/prp"
)

// ErrTimeout is returned by Claim when no task became available within the
// caller-supplied timeout.
var ErrTimeout = coordstore.ErrTimeout

const (
	membersSet     = "queue:members"
	deadLetterList = "queue:dead_letter"
	handoffsKey    = "queue:handoffs"
)

// DefaultStages is the standard pipeline ordering.
var DefaultStages = []string{"new", "development", "validation", "integration"}

// FailureOutcome describes where a failed task ended up.
type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

// Config holds the dependencies for the pipeline engine.
type Config struct {
	Store      coordstore.Store
	Tasks      *prp.Manager
	Stages     []string      // ordered; defaults to DefaultStages
	MaxRetries int           // retry budget per stage failure; defaults to 3
	Bus        *bus.Bus      // may be nil
	Metrics    *otel.Metrics // may be nil
	Logger     *slog.Logger
}

// Engine owns the stage queues. All state lives in the coordination store;
// Engine instances in different processes coordinate only through it.
type Engine struct {
	store      coordstore.Store
	tasks      *prp.Manager
	stages     []string
	maxRetries int
	bus        *bus.Bus
	metrics    *otel.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a pipeline engine.
func New(cfg Config) *Engine {
	stages := cfg.Stages
	if len(stages) == 0 {
		stages = DefaultStages
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      cfg.Store,
		tasks:      cfg.Tasks,
		stages:     stages,
		maxRetries: maxRetries,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Stages returns the ordered stage names.
func (e *Engine) Stages() []string {
	return slices.Clone(e.stages)
}

// NextStage returns the stage after the given one. ok is false for the
// final stage.
func (e *Engine) NextStage(stage string) (string, bool) {
	idx := slices.Index(e.stages, stage)
	if idx < 0 || idx == len(e.stages)-1 {
		return "", false
	}
	return e.stages[idx+1], true
}

func (e *Engine) validStage(stage string) error {
	if !slices.Contains(e.stages, stage) {
		return fmt.Errorf("unknown stage %q", stage)
	}
	return nil
}

func queueKey(stage string) string    { return "queue:" + stage }
func inflightKey(stage string) string { return "queue:" + stage + ":inflight" }
func claimsKey(stage string) string   { return "claims:" + stage }

// Enqueue pushes a task to the tail of the named stage queue, minting a
// task record first if none exists, so bare ids ingested from the CLI
// always carry a record the retry counter and the gate can act on. A task
// already present anywhere in the pipeline (any queue, any inflight, or
// the dead-letter list) is not enqueued again; that case returns
// (false, nil), a no-op signal rather than an error.
func (e *Engine) Enqueue(ctx context.Context, taskID, stage string) (bool, error) {
	if err := e.validStage(stage); err != nil {
		return false, err
	}
	if err := e.ensureRecord(ctx, taskID); err != nil {
		return false, err
	}
	present, err := e.store.SIsMember(ctx, membersSet, taskID)
	if err != nil {
		return false, fmt.Errorf("enqueue membership check: %w", err)
	}
	if present {
		return false, nil
	}
	if err := e.store.SAdd(ctx, membersSet, taskID); err != nil {
		return false, fmt.Errorf("enqueue membership add: %w", err)
	}
	if err := e.store.PushTail(ctx, queueKey(stage), taskID); err != nil {
		return false, fmt.Errorf("enqueue push: %w", err)
	}

	audit.Record(taskID, "", stage, "enqueue")
	if e.bus != nil {
		e.bus.Publish(bus.TopicPipelineEnqueued, bus.StageTransitionEvent{TaskID: taskID, ToStage: stage})
	}
	if e.metrics != nil {
		e.metrics.TasksEnqueued.Add(ctx, 1)
	}
	e.logger.Info("task enqueued", "task_id", taskID, "stage", stage)
	return true, nil
}

// ensureRecord creates the task record for ids ingested without one.
func (e *Engine) ensureRecord(ctx context.Context, taskID string) error {
	_, err := e.tasks.Get(ctx, taskID)
	if err == nil {
		return nil
	}
	var notFound *prp.NotFoundError
	if !errors.As(err, &notFound) {
		return fmt.Errorf("look up task record: %w", err)
	}
	if _, err := e.tasks.Create(ctx, taskID, 0, nil); err != nil {
		return fmt.Errorf("create task record on ingest: %w", err)
	}
	return nil
}

// EnqueueAll enqueues a batch of tasks, skipping those already present.
// Returns the number actually enqueued.
func (e *Engine) EnqueueAll(ctx context.Context, taskIDs []string, stage string) (int, error) {
	var added int
	for _, id := range taskIDs {
		ok, err := e.Enqueue(ctx, id, stage)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Claim atomically moves one task id from the stage queue to the stage's
// inflight queue, blocking up to timeout. The pop and the push are a single
// store operation, so a worker crash between observing the head and
// starting work can neither lose nor duplicate the task. Returns ErrTimeout
// when nothing became available.
func (e *Engine) Claim(ctx context.Context, stage string, timeout time.Duration) (string, error) {
	if err := e.validStage(stage); err != nil {
		return "", err
	}
	start := e.now()
	taskID, err := e.store.PopPush(ctx, queueKey(stage), inflightKey(stage), timeout)
	if err != nil {
		if errors.Is(err, coordstore.ErrTimeout) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("claim from %s: %w", stage, err)
	}
	if err := e.store.HSet(ctx, claimsKey(stage), taskID, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("record claim time: %w", err)
	}

	audit.Record(taskID, stage, stage, "claim")
	if e.bus != nil {
		e.bus.Publish(bus.TopicPipelineClaimed, bus.StageTransitionEvent{TaskID: taskID, FromStage: stage, ToStage: stage})
	}
	if e.metrics != nil {
		e.metrics.TasksClaimed.Add(ctx, 1)
		e.metrics.ClaimWaitDuration.Record(ctx, e.now().Sub(start).Seconds())
	}
	return taskID, nil
}

// handoff is the ledger entry written before the two-step stage advance.
type handoff struct {
	NextStage string `json:"next_stage"` // empty for terminal completion
	At        string `json:"at"`
}

func handoffField(taskID, stage string) string {
	return taskID + "|" + stage
}

// Complete removes the task from the stage's inflight queue and pushes it
// to the head of the next stage's queue. The two store operations are not
// assumed atomic as a pair: a ledger entry written first makes the
// transition replayable by RecoverHandoffs, and the push is idempotent
// against an entry that already arrived. Completing past the final stage
// retires the task from the pipeline.
func (e *Engine) Complete(ctx context.Context, taskID, stage string) error {
	if err := e.validStage(stage); err != nil {
		return err
	}
	next, _ := e.NextStage(stage)

	entry, err := json.Marshal(handoff{NextStage: next, At: e.now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	if err := e.store.HSet(ctx, handoffsKey, handoffField(taskID, stage), string(entry)); err != nil {
		return fmt.Errorf("write handoff ledger: %w", err)
	}

	removed, err := e.store.Remove(ctx, inflightKey(stage), taskID)
	if err != nil {
		return fmt.Errorf("remove inflight: %w", err)
	}
	if !removed {
		// The claim was likely recovered by the sweeper while this worker
		// finished. Downstream tolerates at-least-once, so proceed
		// idempotently instead of failing the worker.
		e.logger.Warn("completing task absent from inflight", "task_id", taskID, "stage", stage)
	}
	if err := e.store.HDel(ctx, claimsKey(stage), taskID); err != nil {
		return fmt.Errorf("clear claim time: %w", err)
	}

	if err := e.applyHandoff(ctx, taskID, stage, next); err != nil {
		return err
	}
	if err := e.store.HDel(ctx, handoffsKey, handoffField(taskID, stage)); err != nil {
		return fmt.Errorf("clear handoff ledger: %w", err)
	}

	audit.Record(taskID, stage, next, "complete")
	if e.bus != nil {
		e.bus.Publish(bus.TopicPipelineCompleted, bus.StageTransitionEvent{TaskID: taskID, FromStage: stage, ToStage: next})
	}
	if e.metrics != nil {
		e.metrics.TasksCompleted.Add(ctx, 1)
	}
	e.logger.Info("task stage complete", "task_id", taskID, "from", stage, "to", next)
	return nil
}

// applyHandoff performs the second half of a stage advance: the push into
// the next queue, or retirement after the final stage. Idempotent.
func (e *Engine) applyHandoff(ctx context.Context, taskID, stage, next string) error {
	if next == "" {
		if err := e.store.SRem(ctx, membersSet, taskID); err != nil {
			return fmt.Errorf("retire task: %w", err)
		}
		return nil
	}
	entries, err := e.store.Range(ctx, queueKey(next))
	if err != nil {
		return fmt.Errorf("check next queue: %w", err)
	}
	if slices.Contains(entries, taskID) {
		return nil
	}
	if err := e.store.PushHead(ctx, queueKey(next), taskID); err != nil {
		return fmt.Errorf("push to next stage: %w", err)
	}
	return nil
}

// RecoverHandoffs replays ledger entries whose second step never ran
// (crash between removing from inflight and pushing to the next queue).
// Run once at startup before any service begins.
func (e *Engine) RecoverHandoffs(ctx context.Context) (int, error) {
	entries, err := e.store.HGetAll(ctx, handoffsKey)
	if err != nil {
		return 0, fmt.Errorf("read handoff ledger: %w", err)
	}
	var replayed int
	for field, raw := range entries {
		taskID, stage, ok := strings.Cut(field, "|")
		if !ok {
			e.logger.Warn("malformed handoff ledger field", "field", field)
			_ = e.store.HDel(ctx, handoffsKey, field)
			continue
		}
		var h handoff
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			e.logger.Warn("malformed handoff ledger entry", "field", field, "error", err)
			_ = e.store.HDel(ctx, handoffsKey, field)
			continue
		}
		// The inflight entry may still exist if the crash hit before the
		// first step; clear it so the task is not recovered twice.
		if _, err := e.store.Remove(ctx, inflightKey(stage), taskID); err != nil {
			return replayed, fmt.Errorf("clear inflight during replay: %w", err)
		}
		if err := e.store.HDel(ctx, claimsKey(stage), taskID); err != nil {
			return replayed, fmt.Errorf("clear claim during replay: %w", err)
		}
		if err := e.applyHandoff(ctx, taskID, stage, h.NextStage); err != nil {
			return replayed, err
		}
		if err := e.store.HDel(ctx, handoffsKey, field); err != nil {
			return replayed, fmt.Errorf("clear replayed ledger entry: %w", err)
		}
		audit.Record(taskID, stage, h.NextStage, "complete")
		e.logger.Warn("replayed interrupted handoff", "task_id", taskID, "from", stage, "to", h.NextStage)
		replayed++
	}
	return replayed, nil
}

// Fail records a failure for a claimed task. While retries remain the task
// goes back to the tail of the same stage queue; once the budget is spent
// it moves to the dead-letter list and is flagged for operator attention.
func (e *Engine) Fail(ctx context.Context, taskID, stage, reason string) (FailureOutcome, error) {
	if err := e.validStage(stage); err != nil {
		return "", err
	}

	// Count the retry before touching the queues. If this errors the task is
	// still inflight, where the stuck-claim sweep can recover it; removing
	// first would strand the task outside every queue on the error path.
	retries, err := e.tasks.IncrRetries(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("count retries: %w", err)
	}

	if _, err := e.store.Remove(ctx, inflightKey(stage), taskID); err != nil {
		return "", fmt.Errorf("remove inflight on fail: %w", err)
	}
	if err := e.store.HDel(ctx, claimsKey(stage), taskID); err != nil {
		return "", fmt.Errorf("clear claim on fail: %w", err)
	}

	if retries > e.maxRetries {
		if err := e.store.PushTail(ctx, deadLetterList, taskID); err != nil {
			return "", fmt.Errorf("push dead letter: %w", err)
		}
		audit.Record(taskID, stage, "dead_letter", "dead_letter")
		if e.bus != nil {
			e.bus.Publish(bus.TopicPipelineDeadLetter, bus.DeadLetterEvent{TaskID: taskID, Stage: stage, Reason: reason})
		}
		if e.metrics != nil {
			e.metrics.TasksDeadLettered.Add(ctx, 1)
		}
		e.logger.Error("task dead-lettered", "task_id", taskID, "stage", stage, "retries", retries, "reason", reason)
		return FailureOutcomeDeadLetter, nil
	}

	if err := e.store.PushTail(ctx, queueKey(stage), taskID); err != nil {
		return "", fmt.Errorf("requeue on fail: %w", err)
	}
	audit.Record(taskID, stage, stage, "fail")
	if e.bus != nil {
		e.bus.Publish(bus.TopicPipelineFailed, bus.StageTransitionEvent{TaskID: taskID, FromStage: stage, ToStage: stage})
	}
	if e.metrics != nil {
		e.metrics.TasksRetried.Add(ctx, 1)
	}
	e.logger.Warn("task failed, requeued", "task_id", taskID, "stage", stage, "retries", retries, "reason", reason)
	return FailureOutcomeRetried, nil
}

// RecoverStuck scans the stage's inflight queue and moves every entry whose
// claim age exceeds maxAge back to the head of the stage queue. Head
// reinsertion partially preserves original priority at the cost of
// reordering against freshly enqueued work; the bias is to unstick fast.
func (e *Engine) RecoverStuck(ctx context.Context, stage string, maxAge time.Duration) (int, error) {
	if err := e.validStage(stage); err != nil {
		return 0, err
	}
	entries, err := e.store.Range(ctx, inflightKey(stage))
	if err != nil {
		return 0, fmt.Errorf("scan inflight: %w", err)
	}

	now := e.now()
	type stuckClaim struct {
		taskID string
		age    time.Duration
	}
	var stuck []stuckClaim
	for _, taskID := range entries {
		raw, ok, err := e.store.HGet(ctx, claimsKey(stage), taskID)
		if err != nil {
			return 0, fmt.Errorf("read claim time: %w", err)
		}
		age := maxAge + time.Second // missing claim record counts as stuck
		if ok {
			claimedAt, parseErr := time.Parse(time.RFC3339Nano, raw)
			if parseErr == nil {
				age = now.Sub(claimedAt)
			}
		}
		if age > maxAge {
			stuck = append(stuck, stuckClaim{taskID: taskID, age: age})
		}
	}

	// Reinsert back-to-front: each push lands at the head, so walking the
	// stuck entries in reverse keeps their relative order in the queue.
	var recovered int
	for i := len(stuck) - 1; i >= 0; i-- {
		taskID, age := stuck[i].taskID, stuck[i].age

		removed, err := e.store.Remove(ctx, inflightKey(stage), taskID)
		if err != nil {
			return recovered, fmt.Errorf("remove stuck inflight: %w", err)
		}
		if !removed {
			continue
		}
		if err := e.store.PushHead(ctx, queueKey(stage), taskID); err != nil {
			return recovered, fmt.Errorf("requeue stuck task: %w", err)
		}
		if err := e.store.HDel(ctx, claimsKey(stage), taskID); err != nil {
			return recovered, fmt.Errorf("clear stuck claim: %w", err)
		}

		audit.Record(taskID, stage, stage, "recover")
		if e.bus != nil {
			e.bus.Publish(bus.TopicPipelineRecovered, bus.RecoveryEvent{
				TaskID:   taskID,
				Stage:    stage,
				ClaimAge: age.Truncate(time.Second).String(),
			})
		}
		if e.metrics != nil {
			e.metrics.TasksRecovered.Add(ctx, 1)
		}
		e.logger.Warn("stale inflight claim recovered", "task_id", taskID, "stage", stage, "claim_age", age)
		recovered++
	}
	return recovered, nil
}

// StageDepth reports queue and inflight sizes for one stage.
type StageDepth struct {
	Queued   int `json:"queued"`
	Inflight int `json:"inflight"`
}

// Depths returns per-stage queue sizes plus the dead-letter count.
func (e *Engine) Depths(ctx context.Context) (map[string]StageDepth, int, error) {
	out := make(map[string]StageDepth, len(e.stages))
	for _, stage := range e.stages {
		queued, err := e.store.Len(ctx, queueKey(stage))
		if err != nil {
			return nil, 0, fmt.Errorf("depth of %s: %w", stage, err)
		}
		inflight, err := e.store.Len(ctx, inflightKey(stage))
		if err != nil {
			return nil, 0, fmt.Errorf("inflight depth of %s: %w", stage, err)
		}
		out[stage] = StageDepth{Queued: queued, Inflight: inflight}
	}
	dead, err := e.store.Len(ctx, deadLetterList)
	if err != nil {
		return nil, 0, fmt.Errorf("dead-letter depth: %w", err)
	}
	return out, dead, nil
}

// DeadLettered returns the task ids currently on the dead-letter list.
func (e *Engine) DeadLettered(ctx context.Context) ([]string, error) {
	return e.store.Range(ctx, deadLetterList)
}
