package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig holds the dependencies for the recovery sweeper.
type SweeperConfig struct {
	Engine   *Engine
	Logger   *slog.Logger
	Interval time.Duration // sweep interval; defaults to 30 seconds if zero
	MaxAge   time.Duration // claim age threshold; defaults to 5 minutes if zero
}

// Sweeper periodically scans every stage's inflight queue and requeues
// entries whose claims have gone stale (worker crashed or hung).
type Sweeper struct {
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a new Sweeper with the given config.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   cfg.Engine,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Start begins the sweep loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("recovery sweeper started", "interval", s.interval, "max_age", s.maxAge)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("recovery sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one recovery pass across all stages.
func (s *Sweeper) tick(ctx context.Context) {
	for _, stage := range s.engine.Stages() {
		recovered, err := s.engine.RecoverStuck(ctx, stage, s.maxAge)
		if err != nil {
			s.logger.Error("sweep failed", "stage", stage, "error", err)
			continue
		}
		if recovered > 0 {
			s.logger.Warn("sweep recovered stuck tasks", "stage", stage, "count", recovered)
		}
	}
}
