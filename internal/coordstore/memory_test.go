package coordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryPopPushMovesHead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, v := range []string{"a", "b", "c"} {
		if err := m.PushTail(ctx, "src", v); err != nil {
			t.Fatalf("PushTail: %v", err)
		}
	}

	got, err := m.PopPush(ctx, "src", "dst", 0)
	if err != nil {
		t.Fatalf("PopPush: %v", err)
	}
	if got != "a" {
		t.Fatalf("PopPush = %q, want head %q", got, "a")
	}

	src, _ := m.Range(ctx, "src")
	dst, _ := m.Range(ctx, "dst")
	if len(src) != 2 || src[0] != "b" {
		t.Fatalf("src after PopPush = %v", src)
	}
	if len(dst) != 1 || dst[0] != "a" {
		t.Fatalf("dst after PopPush = %v", dst)
	}
}

func TestMemoryPopPushTimeout(t *testing.T) {
	m := NewMemory()
	start := time.Now()
	_, err := m.PopPush(context.Background(), "empty", "dst", 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("PopPush on empty list = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("PopPush returned before the timeout elapsed")
	}
}

func TestMemoryPopPushUnblocksOnPush(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	done := make(chan string, 1)
	go func() {
		v, err := m.PopPush(ctx, "src", "dst", 2*time.Second)
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.PushTail(ctx, "src", "late"); err != nil {
		t.Fatalf("PushTail: %v", err)
	}

	select {
	case got := <-done:
		if got != "late" {
			t.Fatalf("blocked PopPush = %q, want %q", got, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("PopPush did not unblock after push")
	}
}

func TestMemoryPopPushContextCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := m.PopPush(ctx, "empty", "dst", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("PopPush after cancel = %v, want context.Canceled", err)
	}
}

// Each value pushed once must be popped exactly once across concurrent
// consumers; no loss, no duplication.
func TestMemoryPopPushConcurrentExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const total = 200
	for i := 0; i < total; i++ {
		if err := m.PushTail(ctx, "src", fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("PushTail: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := m.PopPush(ctx, "src", "dst", 0)
				if errors.Is(err, ErrTimeout) {
					return
				}
				if err != nil {
					t.Errorf("PopPush: %v", err)
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("popped %d distinct values, want %d", len(seen), total)
	}
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("value %s popped %d times", v, n)
		}
	}
	if n, _ := m.Len(ctx, "dst"); n != total {
		t.Fatalf("dst length = %d, want %d", n, total)
	}
}

func TestMemoryRemoveByValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, v := range []string{"a", "b", "c"} {
		_ = m.PushTail(ctx, "l", v)
	}

	removed, err := m.Remove(ctx, "l", "b")
	if err != nil || !removed {
		t.Fatalf("Remove(b) = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = m.Remove(ctx, "l", "zzz")
	if err != nil || removed {
		t.Fatalf("Remove(zzz) = (%v, %v), want (false, nil)", removed, err)
	}
	got, _ := m.Range(ctx, "l")
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("list after Remove = %v", got)
	}
}

func TestMemoryHashOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.HSet(ctx, "h", "f", "1"); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	v, ok, err := m.HGet(ctx, "h", "f")
	if err != nil || !ok || v != "1" {
		t.Fatalf("HGet = (%q, %v, %v)", v, ok, err)
	}

	written, err := m.HSetNX(ctx, "h", "f", "2")
	if err != nil || written {
		t.Fatalf("HSetNX on existing field = (%v, %v), want (false, nil)", written, err)
	}
	v, _, _ = m.HGet(ctx, "h", "f")
	if v != "1" {
		t.Fatalf("HSetNX overwrote existing value: %q", v)
	}

	n, err := m.HIncr(ctx, "h", "counter")
	if err != nil || n != 1 {
		t.Fatalf("HIncr first = (%d, %v)", n, err)
	}
	n, _ = m.HIncr(ctx, "h", "counter")
	if n != 2 {
		t.Fatalf("HIncr second = %d, want 2", n)
	}

	if err := m.HDel(ctx, "h", "f"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if _, ok, _ := m.HGet(ctx, "h", "f"); ok {
		t.Fatal("field still present after HDel")
	}
}

func TestMemorySetOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.SAdd(ctx, "s", "x"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if ok, _ := m.SIsMember(ctx, "s", "x"); !ok {
		t.Fatal("x not a member after SAdd")
	}
	if ok, _ := m.SIsMember(ctx, "s", "y"); ok {
		t.Fatal("y reported as member")
	}
	if err := m.SRem(ctx, "s", "x"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	if ok, _ := m.SIsMember(ctx, "s", "x"); ok {
		t.Fatal("x still a member after SRem")
	}
}

func TestMemoryExpire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	current := time.Now()
	m.now = func() time.Time { return current }

	_ = m.PushTail(ctx, "l", "a")
	if err := m.Expire(ctx, "l", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if n, _ := m.Len(ctx, "l"); n != 1 {
		t.Fatalf("list expired early, len = %d", n)
	}

	current = current.Add(2 * time.Minute)
	if n, _ := m.Len(ctx, "l"); n != 0 {
		t.Fatalf("list survived its TTL, len = %d", n)
	}
}
