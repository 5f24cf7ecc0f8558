// Package schedule emits the periodic queue-depth progress report on a
// cron schedule.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mirqtio/prpflow/internal/notify"
	"github.com/mirqtio/prpflow/internal/pipeline"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ReporterConfig holds the dependencies for the progress reporter.
type ReporterConfig struct {
	Engine    *pipeline.Engine
	Publisher *notify.Publisher
	CronExpr  string // 5-field cron expression; empty disables the reporter
	Logger    *slog.Logger
}

// Reporter publishes a progress_report notification with per-stage queue
// depths every time its cron expression fires.
type Reporter struct {
	engine    *pipeline.Engine
	publisher *notify.Publisher
	cronExpr  string
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter creates a Reporter with the given config.
func NewReporter(cfg ReporterConfig) *Reporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		engine:    cfg.Engine,
		publisher: cfg.Publisher,
		cronExpr:  cfg.CronExpr,
		logger:    logger,
		now:       time.Now,
	}
}

// Start begins the report loop. A bad or empty cron expression disables
// the reporter rather than failing startup.
func (r *Reporter) Start(ctx context.Context) {
	if r.cronExpr == "" {
		r.logger.Info("progress reporter disabled")
		return
	}
	if _, err := cronParser.Parse(r.cronExpr); err != nil {
		r.logger.Error("invalid progress cron expression, reporter disabled",
			"cron_expr", r.cronExpr, "error", err)
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("progress reporter started", "cron_expr", r.cronExpr)
}

// Stop cancels the report loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		next, err := NextRunTime(r.cronExpr, r.now())
		if err != nil {
			r.logger.Error("progress reporter: compute next run", "error", err)
			return
		}
		timer := time.NewTimer(next.Sub(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.report(ctx)
		}
	}
}

// report publishes one progress_report notification.
func (r *Reporter) report(ctx context.Context) {
	depths, deadLetter, err := r.engine.Depths(ctx)
	if err != nil {
		r.logger.Error("progress reporter: read queue depths", "error", err)
		return
	}
	stages := make(map[string]any, len(depths))
	for stage, d := range depths {
		stages[stage] = d.Queued + d.Inflight
	}
	n := notify.New(notify.TypeProgressReport, map[string]any{
		"stages":      stages,
		"dead_letter": deadLetter,
	})
	if err := r.publisher.Publish(ctx, n); err != nil {
		r.logger.Error("progress reporter: publish", "error", err)
		return
	}
	r.logger.Info("progress report published", "dead_letter", deadLetter)
}
