package schedule

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/notify"
	"github.com/mirqtio/prpflow/internal/pipeline"
	"github.com/mirqtio/prpflow/internal/prp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 30, 10, 17, 0, 0, time.UTC)

	next, err := NextRunTime("0 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	next, err = NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want = time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunTimeRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"not cron", "0 * * *", "61 * * * *"} {
		if _, err := NextRunTime(expr, time.Now()); err == nil {
			t.Fatalf("NextRunTime accepted %q", expr)
		}
	}
}

func TestStartDisablesOnBadExpression(t *testing.T) {
	r := NewReporter(ReporterConfig{CronExpr: "bogus", Logger: testLogger()})
	r.Start(context.Background())
	r.Stop() // no loop running, must not hang

	r = NewReporter(ReporterConfig{CronExpr: "", Logger: testLogger()})
	r.Start(context.Background())
	r.Stop()
}

func TestReportPublishesQueueDepths(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemory()
	tasks := prp.NewManager(store, prp.GateConfig{}, testLogger())
	eng := pipeline.New(pipeline.Config{
		Store:  store,
		Tasks:  tasks,
		Stages: []string{"new", "dev"},
		Logger: testLogger(),
	})
	for _, id := range []string{"PRP-1", "PRP-2"} {
		if _, err := tasks.Create(ctx, id, 1, nil); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
		if _, err := eng.Enqueue(ctx, id, "new"); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	r := NewReporter(ReporterConfig{
		Engine:    eng,
		Publisher: notify.NewPublisher(store),
		CronExpr:  "0 * * * *",
		Logger:    testLogger(),
	})
	r.report(ctx)

	pending, err := store.Range(ctx, "notifications:pending")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending notifications = %d, want 1", len(pending))
	}
	var n notify.Notification
	if err := json.Unmarshal([]byte(pending[0]), &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.Type != notify.TypeProgressReport {
		t.Fatalf("type = %q", n.Type)
	}
	stages, ok := n.Payload["stages"].(map[string]any)
	if !ok {
		t.Fatalf("stages payload = %#v", n.Payload["stages"])
	}
	if depth, _ := stages["new"].(float64); depth != 2 {
		t.Fatalf("new depth = %v, want 2", stages["new"])
	}
}
