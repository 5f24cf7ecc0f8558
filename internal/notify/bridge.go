package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mirqtio/prpflow/internal/bus"
)

// Bridge turns coordination bus events into operator notifications. Events
// the operator does not need (claims, routine completions) stay on the bus
// only.
type Bridge struct {
	bus       *bus.Bus
	publisher *Publisher
	logger    *slog.Logger

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge between the event bus and the notification
// pending list.
func NewBridge(b *bus.Bus, publisher *Publisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: b, publisher: publisher, logger: logger}
}

// Start subscribes to the bus and forwards operator-relevant events until
// the context is cancelled.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	br.sub = br.bus.Subscribe("")
	br.wg.Add(1)
	go br.loop(ctx)
	br.logger.Info("notification bridge started")
}

// Stop unsubscribes and waits for the forward loop to exit.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
	br.bus.Unsubscribe(br.sub)
	br.wg.Wait()
	br.logger.Info("notification bridge stopped")
}

func (br *Bridge) loop(ctx context.Context) {
	defer br.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-br.sub.Ch():
			if !ok {
				return
			}
			br.forward(ctx, event)
		}
	}
}

func (br *Bridge) forward(ctx context.Context, event bus.Event) {
	var n Notification
	switch payload := event.Payload.(type) {
	case bus.AgentDownEvent:
		if event.Topic != bus.TopicAgentDown {
			return
		}
		n = New(TypeAgentDown, map[string]any{
			"agent_id":      payload.AgentID,
			"last_activity": payload.LastActivity,
			"current_task":  payload.CurrentTask,
		})
	case bus.DeadLetterEvent:
		n = New(TypeSystem, map[string]any{
			"message": "task " + payload.TaskID + " dead-lettered from " + payload.Stage + ": " + payload.Reason,
		})
	case bus.StageTransitionEvent:
		if event.Topic != bus.TopicPipelineEnqueued {
			return
		}
		n = New(TypeNewTask, map[string]any{
			"task_id": payload.TaskID,
			"stage":   payload.ToStage,
		})
	default:
		return
	}

	if err := br.publisher.Publish(ctx, n); err != nil {
		br.logger.Error("forward event to notifications", "topic", event.Topic, "error", err)
	}
}
