package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all coordinator metric instruments.
type Metrics struct {
	TasksEnqueued          metric.Int64Counter
	TasksClaimed           metric.Int64Counter
	TasksCompleted         metric.Int64Counter
	TasksRetried           metric.Int64Counter
	TasksDeadLettered      metric.Int64Counter
	TasksRecovered         metric.Int64Counter
	ClaimWaitDuration      metric.Float64Histogram
	NotificationsDelivered metric.Int64Counter
	NotificationsDeduped   metric.Int64Counter
	AgentsStale            metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("prpflow.tasks.enqueued",
		metric.WithDescription("Tasks pushed into a stage queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("prpflow.tasks.claimed",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("prpflow.tasks.completed",
		metric.WithDescription("Tasks handed to the next stage"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("prpflow.tasks.retried",
		metric.WithDescription("Tasks requeued after a failure"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("prpflow.tasks.dead_lettered",
		metric.WithDescription("Tasks moved to the dead-letter list"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRecovered, err = meter.Int64Counter("prpflow.tasks.recovered",
		metric.WithDescription("Stuck inflight claims requeued by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimWaitDuration, err = meter.Float64Histogram("prpflow.claim.wait",
		metric.WithDescription("Time workers spent blocked in claim"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsDelivered, err = meter.Int64Counter("prpflow.notifications.delivered",
		metric.WithDescription("Notifications delivered to the operator console"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsDeduped, err = meter.Int64Counter("prpflow.notifications.deduped",
		metric.WithDescription("Notifications suppressed by the dedup set"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsStale, err = meter.Int64UpDownCounter("prpflow.agents.stale",
		metric.WithDescription("Agents currently classified as stale"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
