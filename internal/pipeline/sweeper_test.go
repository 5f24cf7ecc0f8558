package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestSweeperRecoversStuckClaims(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, []string{"new", "dev"}, 3)
	createTask(t, e, "T1")

	current := time.Now()
	e.now = func() time.Time { return current }

	_, _ = e.Enqueue(ctx, "T1", "new")
	if _, err := e.Claim(ctx, "new", 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	current = current.Add(time.Hour)

	s := NewSweeper(SweeperConfig{
		Engine:   e,
		Logger:   testLogger(),
		Interval: 10 * time.Millisecond,
		MaxAge:   time.Minute,
	})
	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		q := listMust(t, store, "queue:new")
		if len(q) == 1 && q[0] == "T1" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper never recovered the stuck claim, queue = %v", q)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSweeperStopIsIdempotentWithoutStart(t *testing.T) {
	e, _ := newTestEngine(t, []string{"new"}, 3)
	s := NewSweeper(SweeperConfig{Engine: e, Logger: testLogger()})
	s.Stop() // must not panic or hang
}
