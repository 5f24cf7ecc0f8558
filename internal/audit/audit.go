// Package audit keeps the append-only stage-transition log used for
// post-hoc recovery analysis. Entries are written to a JSONL file and,
// when a store is configured, mirrored into a transitions list there.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mirqtio/prpflow/internal/coordstore"
)

const transitionsList = "transitions:log"

type entry struct {
	Timestamp string `json:"timestamp"`
	TaskID    string `json:"task_id"`
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	Event     string `json:"event"` // enqueue, claim, complete, fail, dead_letter, recover
}

var (
	mu    sync.Mutex
	file  *os.File
	store coordstore.Store
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "transitions.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore configures the coordination store mirror for transition entries.
func SetStore(s coordstore.Store) {
	mu.Lock()
	defer mu.Unlock()
	store = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one stage transition. Best-effort on both sinks; the log
// is for audit, never for correctness.
func Record(taskID, fromStage, toStage, event string) {
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:    taskID,
		FromStage: fromStage,
		ToStage:   toStage,
		Event:     event,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_, _ = file.Write(append(b, '\n'))
	}
	if store != nil {
		_ = store.PushTail(context.Background(), transitionsList, string(b))
	}
}
