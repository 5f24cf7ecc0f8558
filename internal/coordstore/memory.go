package coordstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store used for tests and single-process
// deployments. Every operation holds one mutex, which makes each call
// atomic with respect to concurrent goroutines the same way the sqlite
// implementation is atomic across processes.
type Memory struct {
	mu      sync.Mutex
	lists   map[string][]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	now     func() time.Time
	pollGap time.Duration
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
		pollGap: 5 * time.Millisecond,
	}
}

// dropExpiredLocked removes any key whose TTL elapsed. Caller holds mu.
func (m *Memory) dropExpiredLocked() {
	now := m.now()
	for key, at := range m.expiry {
		if now.Before(at) {
			continue
		}
		delete(m.lists, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.expiry, key)
	}
}

func (m *Memory) PushTail(_ context.Context, list, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	m.lists[list] = append(m.lists[list], value)
	return nil
}

func (m *Memory) PushHead(_ context.Context, list, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	m.lists[list] = append([]string{value}, m.lists[list]...)
	return nil
}

// tryPopPush performs one atomic pop-from-src, push-to-dst attempt.
func (m *Memory) tryPopPush(src, dst string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	entries := m.lists[src]
	if len(entries) == 0 {
		return "", false
	}
	head := entries[0]
	m.lists[src] = entries[1:]
	m.lists[dst] = append(m.lists[dst], head)
	return head, true
}

func (m *Memory) PopPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	if v, ok := m.tryPopPush(src, dst); ok {
		return v, nil
	}
	if timeout <= 0 {
		return "", ErrTimeout
	}

	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(m.pollGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			if v, ok := m.tryPopPush(src, dst); ok {
				return v, nil
			}
			if !m.now().Before(deadline) {
				return "", ErrTimeout
			}
		}
	}
}

func (m *Memory) Remove(_ context.Context, list, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	entries := m.lists[list]
	idx := slices.Index(entries, value)
	if idx < 0 {
		return false, nil
	}
	m.lists[list] = slices.Delete(entries, idx, idx+1)
	return true, nil
}

func (m *Memory) Range(_ context.Context, list string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	return slices.Clone(m.lists[list]), nil
}

func (m *Memory) Len(_ context.Context, list string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	return len(m.lists[list]), nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes[key], field)
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HIncr(_ context.Context, key, field string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	var n int64
	if cur, ok := h[field]; ok {
		parsed, err := parseInt64(cur)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	h[field] = formatInt64(n)
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpiredLocked()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Close() error { return nil }
