package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirqtio/prpflow/internal/audit"
	"github.com/mirqtio/prpflow/internal/bus"
	"github.com/mirqtio/prpflow/internal/config"
	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/liveness"
	"github.com/mirqtio/prpflow/internal/notify"
	otelPkg "github.com/mirqtio/prpflow/internal/otel"
	"github.com/mirqtio/prpflow/internal/pipeline"
	"github.com/mirqtio/prpflow/internal/prp"
	"github.com/mirqtio/prpflow/internal/schedule"
	"github.com/mirqtio/prpflow/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the coordinator (sweeper, liveness, notifications)

SUBCOMMANDS:
  %s check-commit             Validate a proposed commit against task state
                              Flags: -message, -hash, -files (comma-separated)
  %s enqueue <stage> <id>...  Enqueue one or more tasks into a stage
                              (records are created for unknown ids)
  %s create <id>...           Mint task records without queueing
                              Flags: -priority, -deps
  %s assign <id> <agent-id>   Assign a task to an agent
  %s transition <id> <status> Move a task through its state machine
  %s complete <id>            Run the complete gate against CI
                              Flags: -commit (required)
  %s deprecate <id>           Retire a task
                              Flags: -superseded-by
  %s migrate-ids [<id>...]    Assign stable ids (all records when no args)
  %s sync-artifact            Rewrite the persisted status artifact
                              Flags: -path
  %s heartbeat <agent-id>     Record an agent liveness signal
                              Flags: -status, -task
  %s status                   Print queue depths and agent health

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PRPFLOW_HOME            Data directory (default: ~/.prpflow)
  PRPFLOW_CI_TOKEN        CI API token for the complete gate
  TELEGRAM_TOKEN          Telegram operator console token
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout for operator notifications")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("prpflow", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subcommands run one operation against the shared store and exit; the
	// bare invocation runs the coordinator daemon.
	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage()
			return
		case "check-commit":
			os.Exit(runCheckCommit(ctx, args[1:]))
		case "enqueue":
			os.Exit(runEnqueue(ctx, args[1:]))
		case "create":
			os.Exit(runCreate(ctx, args[1:]))
		case "assign":
			os.Exit(runAssign(ctx, args[1:]))
		case "transition":
			os.Exit(runTransition(ctx, args[1:]))
		case "complete":
			os.Exit(runComplete(ctx, args[1:]))
		case "deprecate":
			os.Exit(runDeprecate(ctx, args[1:]))
		case "migrate-ids":
			os.Exit(runMigrateIDs(ctx, args[1:]))
		case "sync-artifact":
			os.Exit(runSyncArtifact(ctx, args[1:]))
		case "heartbeat":
			os.Exit(runHeartbeat(ctx, args[1:]))
		case "status":
			os.Exit(runStatus(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = coordstore.DefaultDBPath()
	}
	store, err := coordstore.OpenSQLite(storePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetStore(store)
	logger.Info("startup phase", "phase", "store_opened", "path", storePath)

	eventBus := bus.New()

	tasks := prp.NewManager(store, prp.GateConfig{
		CompleteFrom: completeFromStatuses(cfg.CI.CompleteFrom),
		Freshness:    time.Duration(cfg.CI.FreshnessHours) * time.Hour,
	}, logger)

	engine := pipeline.New(pipeline.Config{
		Store:      store,
		Tasks:      tasks,
		Stages:     cfg.Pipeline.Stages,
		MaxRetries: cfg.Pipeline.MaxRetries,
		Bus:        eventBus,
		Metrics:    metrics,
		Logger:     logger,
	})

	// Crash recovery before any service starts: replay interrupted stage
	// handoffs, then requeue claims that went stale while we were down.
	replayed, err := engine.RecoverHandoffs(ctx)
	if err != nil {
		fatalStartup(logger, "E_HANDOFF_RECOVERY", err)
	}
	stuckAge := time.Duration(cfg.Pipeline.StuckAgeSeconds) * time.Second
	var recovered int
	for _, stage := range engine.Stages() {
		n, err := engine.RecoverStuck(ctx, stage, stuckAge)
		if err != nil {
			fatalStartup(logger, "E_STARTUP_SWEEP", err)
		}
		recovered += n
	}
	logger.Info("startup recovery done", "handoffs_replayed", replayed, "claims_recovered", recovered)

	sweeper := pipeline.NewSweeper(pipeline.SweeperConfig{
		Engine:   engine,
		Logger:   logger,
		Interval: time.Duration(cfg.Pipeline.SweepIntervalSeconds) * time.Second,
		MaxAge:   stuckAge,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	registry := liveness.NewRegistry(store, logger)
	monitor := liveness.NewMonitor(liveness.MonitorConfig{
		Registry: registry,
		Thresholds: liveness.Thresholds{
			Active: time.Duration(cfg.Liveness.ActiveSeconds) * time.Second,
			Idle:   time.Duration(cfg.Liveness.IdleSeconds) * time.Second,
		},
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		Interval: time.Duration(cfg.Liveness.PollIntervalSeconds) * time.Second,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	publisher := notify.NewPublisher(store)
	bridge := notify.NewBridge(eventBus, publisher, logger)
	bridge.Start(ctx)
	defer bridge.Stop()

	console, err := buildConsole(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_CONSOLE_INIT", err)
	}
	delivery := notify.NewService(notify.ServiceConfig{
		Store:     store,
		Console:   console,
		Logger:    logger,
		Metrics:   metrics,
		Interval:  time.Duration(cfg.Notify.DrainIntervalSeconds) * time.Second,
		Keepalive: time.Duration(cfg.Notify.KeepaliveMinutes) * time.Minute,
		DedupCap:  cfg.Notify.DedupCap,
	})
	delivery.Start(ctx)
	defer delivery.Stop()

	reporter := schedule.NewReporter(schedule.ReporterConfig{
		Engine:    engine,
		Publisher: publisher,
		CronExpr:  cfg.ProgressCron,
		Logger:    logger,
	})
	reporter.Start(ctx)
	defer reporter.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg, monitor, logger)
	}

	if err := publisher.Publish(ctx, notify.New(notify.TypeSystem, map[string]any{
		"message": "coordinator started (" + Version + ")",
	})); err != nil {
		logger.Error("startup notification failed", "error", err)
	}

	logger.Info("coordinator running", "stages", cfg.Pipeline.Stages)
	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	// Deferred Stop calls run in reverse start order; give delivery one
	// final synchronous pass so queued notifications are not stranded.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delivery.Drain(drainCtx)
}

// watchConfig reloads on config.yaml changes. Liveness thresholds apply
// live; structural settings (stages, store path) still need a restart.
func watchConfig(ctx context.Context, watcher *config.Watcher, current config.Config, monitor *liveness.Monitor, logger *slog.Logger) {
	fingerprint := current.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous", "error", err)
				continue
			}
			monitor.SetThresholds(liveness.Thresholds{
				Active: time.Duration(next.Liveness.ActiveSeconds) * time.Second,
				Idle:   time.Duration(next.Liveness.IdleSeconds) * time.Second,
			})
			if next.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = next.Fingerprint()
			logger.Warn("config changed on disk, restart to apply structural settings",
				"fingerprint", fingerprint)
		}
	}
}

func buildConsole(cfg config.Config, logger *slog.Logger) (notify.Console, error) {
	tg := cfg.Notify.Telegram
	if tg.Enabled && tg.Token != "" {
		return notify.NewTelegramConsole(tg.Token, tg.ChatID, logger)
	}
	return notify.NewStdoutConsole(), nil
}

func completeFromStatuses(names []string) []prp.Status {
	out := make([]prp.Status, 0, len(names))
	for _, name := range names {
		out = append(out, prp.Status(name))
	}
	return out
}

// fatalStartup reports a startup failure and exits non-zero. The logger may
// be nil when the failure precedes logger initialization.
func fatalStartup(logger *slog.Logger, code string, err error) {
	audit.Record("", "", "", "startup_failure:"+code)
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "prpflow: startup failed [%s]: %v\n", code, err)
	os.Exit(1)
}
