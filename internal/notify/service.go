package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirqtio/prpflow/internal/coordstore"
	"github.com/mirqtio/prpflow/internal/otel"
)

const pendingList = "notifications:pending"

// Publisher queues notifications for the delivery loop. Any process with
// store access can publish; only the Service consumes.
type Publisher struct {
	store coordstore.Store
}

// NewPublisher creates a publisher on the given store.
func NewPublisher(store coordstore.Store) *Publisher {
	return &Publisher{store: store}
}

// Publish appends a notification to the pending list.
func (p *Publisher) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.store.PushTail(ctx, pendingList, string(data)); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}

// ServiceConfig holds the dependencies for the delivery service.
type ServiceConfig struct {
	Store     coordstore.Store
	Console   Console
	Logger    *slog.Logger
	Metrics   *otel.Metrics // may be nil
	Interval  time.Duration // drain poll interval; defaults to 5 seconds
	Keepalive time.Duration // keep-alive period; defaults to 10 minutes
	DedupCap  int           // delivered-set size bound; defaults to 1000
}

// Service drains the pending-notifications list to the operator console.
// A bounded delivered-set suppresses duplicate ids; the set lives only in
// this process and may be reset on restart, since it affects duplicate
// suppression, never delivery correctness.
type Service struct {
	store     coordstore.Store
	console   Console
	logger    *slog.Logger
	metrics   *otel.Metrics
	interval  time.Duration
	keepalive time.Duration
	dedupCap  int
	now       func() time.Time

	seen      map[string]struct{}
	seenOrder []string // FIFO eviction once dedupCap is exceeded

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a delivery service with the given config.
func NewService(cfg ServiceConfig) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 10 * time.Minute
	}
	dedupCap := cfg.DedupCap
	if dedupCap <= 0 {
		dedupCap = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		console:   cfg.Console,
		logger:    logger,
		metrics:   cfg.Metrics,
		interval:  interval,
		keepalive: keepalive,
		dedupCap:  dedupCap,
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
}

// Start begins the delivery loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("notification service started", "interval", s.interval, "keepalive", s.keepalive)
}

// Stop cancels the delivery loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	drain := time.NewTicker(s.interval)
	defer drain.Stop()
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			s.Drain(ctx)
		case <-keepalive.C:
			s.sendKeepalive()
		}
	}
}

// Drain performs one full pass over the pending list: dedup, format,
// deliver, then clear the entries that were processed. Exported so tests
// and startup can run a pass synchronously.
func (s *Service) Drain(ctx context.Context) {
	entries, err := s.store.Range(ctx, pendingList)
	if err != nil {
		s.logger.Error("read pending notifications", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var deduped int
	var written []string // ids to mark delivered once the submit lands
	passSeen := make(map[string]struct{})
	for _, raw := range entries {
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			// Still surface it; a malformed entry must not vanish silently.
			s.logger.Warn("malformed notification entry", "error", err)
			if werr := s.console.WriteLine(fmt.Sprintf("[unparseable notification] %s", raw)); werr != nil {
				s.logger.Error("console write failed", "error", werr)
				return
			}
			continue
		}
		if s.alreadyDelivered(n.ID) {
			deduped++
			continue
		}
		if _, dup := passSeen[n.ID]; dup {
			deduped++
			continue
		}
		if err := s.console.WriteLine(Format(n)); err != nil {
			s.logger.Error("console write failed", "error", err)
			return // leave the list intact, retry next pass
		}
		passSeen[n.ID] = struct{}{}
		written = append(written, n.ID)
	}

	if err := s.console.Submit(); err != nil {
		// Nothing was marked delivered: the next pass retries the whole
		// batch instead of deduping away a message that never landed.
		s.logger.Error("console submit failed", "error", err)
		return
	}
	for _, id := range written {
		s.markDelivered(id)
	}
	delivered := len(written)

	// Clear the source list only after the full pass landed.
	for _, raw := range entries {
		if _, err := s.store.Remove(ctx, pendingList, raw); err != nil {
			s.logger.Error("clear pending notification", "error", err)
			return
		}
	}

	if s.metrics != nil {
		s.metrics.NotificationsDelivered.Add(ctx, int64(delivered))
		s.metrics.NotificationsDeduped.Add(ctx, int64(deduped))
	}
	s.logger.Info("notifications delivered", "count", delivered, "deduped", deduped)
}

func (s *Service) alreadyDelivered(id string) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *Service) markDelivered(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	for len(s.seenOrder) > s.dedupCap {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
}

// sendKeepalive emits a heartbeat line regardless of notification volume,
// proving the delivery path itself is alive.
func (s *Service) sendKeepalive() {
	line := fmt.Sprintf("[keepalive] delivery path alive at %s", s.now().UTC().Format(time.RFC3339))
	if err := s.console.WriteLine(line); err != nil {
		s.logger.Error("keepalive write failed", "error", err)
		return
	}
	if err := s.console.Submit(); err != nil {
		s.logger.Error("keepalive submit failed", "error", err)
	}
}
