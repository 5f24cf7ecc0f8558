package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mirqtio/prpflow/internal/ci"
	"github.com/mirqtio/prpflow/internal/config"
	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/gate"
	"github.com/mirqtio/prpflow/internal/liveness"
	"github.com/mirqtio/prpflow/internal/notify"
	"github.com/mirqtio/prpflow/internal/pipeline"
	"github.com/mirqtio/prpflow/internal/prp"
)

// commandEnv is the shared wiring every subcommand needs: config, a quiet
// logger, and the coordination store.
type commandEnv struct {
	cfg    config.Config
	logger *slog.Logger
	store  coordstore.Store
	tasks  *prp.Manager
}

func newCommandEnv() (*commandEnv, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = coordstore.DefaultDBPath()
	}
	store, err := coordstore.OpenSQLite(storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	tasks := prp.NewManager(store, prp.GateConfig{
		CompleteFrom: completeFromStatuses(cfg.CI.CompleteFrom),
		Freshness:    time.Duration(cfg.CI.FreshnessHours) * time.Hour,
	}, logger)

	cleanup := func() { _ = store.Close() }
	return &commandEnv{cfg: cfg, logger: logger, store: store, tasks: tasks}, cleanup, nil
}

func newVerifier(cfg config.Config) *ci.ChecksClient {
	return ci.NewChecksClient(ci.ClientConfig{
		BaseURL:        cfg.CI.BaseURL,
		Token:          cfg.CIToken(),
		Mainline:       cfg.CI.Mainline,
		RequiredChecks: cfg.CI.RequiredChecks,
	})
}

// runCheckCommit is the commit-hook entry point: exit 0 allows the commit,
// exit 1 rejects it with the reason on stderr.
func runCheckCommit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("check-commit", flag.ExitOnError)
	message := fs.String("message", "", "proposed commit message")
	hash := fs.String("hash", "", "commit hash")
	files := fs.String("files", "", "comma-separated list of touched files")
	_ = fs.Parse(args)

	if *message == "" {
		fmt.Fprintln(os.Stderr, "check-commit: -message is required")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "check-commit:", err)
		return 1
	}
	defer cleanup()

	g := gate.New(env.tasks, newVerifier(env.cfg), gate.Config{
		SentinelMarker: env.cfg.Gate.SentinelMarker,
		ArtifactPath:   env.cfg.Gate.ArtifactPath,
		InFlightStates: completeFromStatuses(env.cfg.CI.CompleteFrom),
		Mode:           gate.FailMode(env.cfg.Gate.FailMode),
	}, env.logger)

	req := gate.CommitRequest{Message: *message, Hash: *hash}
	if *files != "" {
		req.Files = strings.Split(*files, ",")
	}
	if err := g.Check(ctx, req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runEnqueue(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: prpflow enqueue <stage> <task-id>...")
		return 2
	}
	stage, taskIDs := rest[0], rest[1:]

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		return 1
	}
	defer cleanup()

	engine := pipeline.New(pipeline.Config{
		Store:      env.store,
		Tasks:      env.tasks,
		Stages:     env.cfg.Pipeline.Stages,
		MaxRetries: env.cfg.Pipeline.MaxRetries,
		Logger:     env.logger,
	})
	added, err := engine.EnqueueAll(ctx, taskIDs, stage)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		return 1
	}
	if added > 1 {
		// One operator notification for the whole batch; the bridge already
		// announces single enqueues.
		publisher := notify.NewPublisher(env.store)
		if err := publisher.Publish(ctx, notify.New(notify.TypeBulkEnqueue, map[string]any{
			"stage": stage,
			"count": added,
		})); err != nil {
			env.logger.Warn("bulk enqueue notification failed", "error", err)
		}
	}
	fmt.Printf("enqueued %d of %d into %s\n", added, len(taskIDs), stage)
	return 0
}

func runHeartbeat(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("heartbeat", flag.ExitOnError)
	status := fs.String("status", "active", "self-reported agent status")
	task := fs.String("task", "", "task currently being worked")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: prpflow heartbeat [-status s] [-task t] <agent-id>")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "heartbeat:", err)
		return 1
	}
	defer cleanup()

	registry := liveness.NewRegistry(env.store, env.logger)
	if err := registry.Heartbeat(ctx, fs.Arg(0), *status, *task); err != nil {
		fmt.Fprintln(os.Stderr, "heartbeat:", err)
		return 1
	}
	return 0
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	defer cleanup()

	engine := pipeline.New(pipeline.Config{
		Store:      env.store,
		Tasks:      env.tasks,
		Stages:     env.cfg.Pipeline.Stages,
		MaxRetries: env.cfg.Pipeline.MaxRetries,
		Logger:     env.logger,
	})
	depths, deadLetter, err := engine.Depths(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	for _, stage := range engine.Stages() {
		d := depths[stage]
		fmt.Printf("%-14s queued=%-4d inflight=%d\n", stage, d.Queued, d.Inflight)
	}
	fmt.Printf("%-14s %d\n", "dead_letter", deadLetter)

	registry := liveness.NewRegistry(env.store, env.logger)
	agents, err := registry.List(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	if len(agents) > 0 {
		thresholds := liveness.Thresholds{
			Active: time.Duration(env.cfg.Liveness.ActiveSeconds) * time.Second,
			Idle:   time.Duration(env.cfg.Liveness.IdleSeconds) * time.Second,
		}
		now := time.Now()
		sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
		fmt.Println()
		for _, agent := range agents {
			fmt.Printf("%-14s %-8s last_activity=%s task=%s\n",
				agent.ID,
				thresholds.Classify(agent.LastActivity, now),
				agent.LastActivity.Format(time.RFC3339),
				orNone(agent.CurrentTask),
			)
		}
	}
	return 0
}

// runCreate mints task records without queueing them, for work that is
// registered ahead of ingestion.
func runCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	priority := fs.Int("priority", 0, "task priority")
	deps := fs.String("deps", "", "comma-separated dependency task ids")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: prpflow create [-priority n] [-deps a,b] <task-id>...")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "create:", err)
		return 1
	}
	defer cleanup()

	var depList []string
	if *deps != "" {
		depList = strings.Split(*deps, ",")
	}
	for _, id := range fs.Args() {
		rec, err := env.tasks.Create(ctx, id, *priority, depList)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create:", err)
			return 1
		}
		fmt.Printf("created %s (stable id %d)\n", rec.ID, rec.StableID)
	}
	return 0
}

func runAssign(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: prpflow assign <task-id> <agent-id>")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "assign:", err)
		return 1
	}
	defer cleanup()

	if err := env.tasks.Assign(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
		fmt.Fprintln(os.Stderr, "assign:", err)
		return 1
	}
	return 0
}

func runTransition(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("transition", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: prpflow transition <task-id> <status>")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "transition:", err)
		return 1
	}
	defer cleanup()

	if err := env.tasks.Transition(ctx, fs.Arg(0), prp.Status(fs.Arg(1))); err != nil {
		fmt.Fprintln(os.Stderr, "transition:", err)
		return 1
	}
	return 0
}

// runComplete runs the full complete gate against CI for one task.
func runComplete(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	commit := fs.String("commit", "", "commit hash carrying the completed work")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: prpflow complete -commit <hash> <task-id>")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "complete:", err)
		return 1
	}
	defer cleanup()

	if err := env.tasks.Complete(ctx, fs.Arg(0), *commit, newVerifier(env.cfg)); err != nil {
		fmt.Fprintln(os.Stderr, "complete:", err)
		return 1
	}
	fmt.Printf("%s complete\n", fs.Arg(0))
	return 0
}

func runDeprecate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deprecate", flag.ExitOnError)
	supersededBy := fs.String("superseded-by", "", "task id that replaces this one")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: prpflow deprecate [-superseded-by id] <task-id>")
		return 2
	}

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "deprecate:", err)
		return 1
	}
	defer cleanup()

	if err := env.tasks.Deprecate(ctx, fs.Arg(0), *supersededBy); err != nil {
		fmt.Fprintln(os.Stderr, "deprecate:", err)
		return 1
	}
	return 0
}

// runMigrateIDs assigns stable ids to the named legacy ids, or to every
// known record when none are named.
func runMigrateIDs(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("migrate-ids", flag.ExitOnError)
	_ = fs.Parse(args)

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate-ids:", err)
		return 1
	}
	defer cleanup()

	legacyIDs := fs.Args()
	if len(legacyIDs) == 0 {
		records, err := env.tasks.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "migrate-ids:", err)
			return 1
		}
		for _, rec := range records {
			legacyIDs = append(legacyIDs, rec.ID)
		}
	}
	mapped, err := env.tasks.MigrateStableIDs(ctx, legacyIDs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate-ids:", err)
		return 1
	}
	for _, m := range mapped {
		fmt.Printf("%s -> %d\n", m.LegacyID, m.StableID)
	}
	fmt.Printf("migrated %d of %d\n", len(mapped), len(legacyIDs))
	return 0
}

// runSyncArtifact rewrites the persisted status artifact from the store.
// Committing the result requires the gate's sentinel marker in the message.
func runSyncArtifact(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync-artifact", flag.ExitOnError)
	path := fs.String("path", "", "artifact path (default: the gate's configured artifact)")
	_ = fs.Parse(args)

	env, cleanup, err := newCommandEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync-artifact:", err)
		return 1
	}
	defer cleanup()

	target := *path
	if target == "" {
		target = env.cfg.Gate.ArtifactPath
	}
	if target == "" {
		target = prp.ArtifactFile
	}
	if err := env.tasks.WriteArtifact(ctx, target); err != nil {
		fmt.Fprintln(os.Stderr, "sync-artifact:", err)
		return 1
	}
	fmt.Printf("wrote %s\n", target)
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
