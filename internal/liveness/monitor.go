package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mirqtio/prpflow/internal/bus"
	"github.com/mirqtio/prpflow/internal/otel"
)

// MonitorConfig holds the dependencies for the liveness monitor.
type MonitorConfig struct {
	Registry   *Registry
	Thresholds Thresholds
	Logger     *slog.Logger
	Bus        *bus.Bus      // may be nil
	Metrics    *otel.Metrics // may be nil
	Interval   time.Duration // poll interval; defaults to 30 seconds if zero
}

// Monitor polls agent records and emits exactly one agent_down event when
// an agent transitions into stale. The suppression clears only once the
// agent's last_activity advances, so a persistently stale agent does not
// flood the operator on every poll.
type Monitor struct {
	registry *Registry
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	interval time.Duration
	now      func() time.Time

	thresholdsMu sync.RWMutex
	thresholds   Thresholds

	// reported maps agent id to the last_activity value at the time the
	// agent_down event fired. Local to this process: resetting it on
	// restart costs at most one repeat event per stale agent.
	reported map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a liveness monitor with the given config.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	thresholds := cfg.Thresholds
	if thresholds.Active <= 0 || thresholds.Idle <= 0 {
		thresholds = DefaultThresholds()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:   cfg.Registry,
		thresholds: thresholds,
		logger:     logger,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		interval:   interval,
		now:        time.Now,
		reported:   make(map[string]time.Time),
	}
}

// SetThresholds replaces the classification thresholds while the poll loop
// runs, so a config reload takes effect without a restart. Invalid values
// are ignored.
func (m *Monitor) SetThresholds(t Thresholds) {
	if t.Active <= 0 || t.Idle <= 0 || t.Active >= t.Idle {
		m.logger.Warn("ignoring invalid liveness thresholds", "active", t.Active, "idle", t.Idle)
		return
	}
	m.thresholdsMu.Lock()
	m.thresholds = t
	m.thresholdsMu.Unlock()
	m.logger.Info("liveness thresholds updated", "active", t.Active, "idle", t.Idle)
}

// Start begins the poll loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("liveness monitor started", "interval", m.interval)
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("liveness monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick classifies every agent and fires agent_down for fresh stale
// transitions.
func (m *Monitor) tick(ctx context.Context) {
	agents, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error("liveness poll failed", "error", err)
		return
	}
	now := m.now()
	m.thresholdsMu.RLock()
	thresholds := m.thresholds
	m.thresholdsMu.RUnlock()

	for _, agent := range agents {
		health := thresholds.Classify(agent.LastActivity, now)
		if health != HealthStale {
			if _, wasStale := m.reported[agent.ID]; wasStale {
				delete(m.reported, agent.ID)
				if m.metrics != nil {
					m.metrics.AgentsStale.Add(ctx, -1)
				}
				if m.bus != nil {
					m.bus.Publish(bus.TopicAgentRecovered, bus.AgentDownEvent{
						AgentID:      agent.ID,
						LastActivity: agent.LastActivity.Format(time.RFC3339),
						CurrentTask:  agent.CurrentTask,
					})
				}
				m.logger.Info("agent recovered", "agent_id", agent.ID)
			}
			continue
		}

		reportedAt, wasStale := m.reported[agent.ID]
		if wasStale && !agent.LastActivity.After(reportedAt) {
			continue // still stale, already reported
		}
		m.reported[agent.ID] = agent.LastActivity
		if m.metrics != nil {
			m.metrics.AgentsStale.Add(ctx, 1)
		}
		if m.bus != nil {
			m.bus.Publish(bus.TopicAgentDown, bus.AgentDownEvent{
				AgentID:      agent.ID,
				LastActivity: agent.LastActivity.Format(time.RFC3339),
				CurrentTask:  agent.CurrentTask,
			})
		}
		m.logger.Warn("agent went stale",
			"agent_id", agent.ID,
			"last_activity", agent.LastActivity,
			"current_task", agent.CurrentTask,
		)
	}
}
