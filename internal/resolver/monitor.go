package resolver

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

const defaultMonitorInterval = 10 * time.Second

// monitorEntry is one escrow awaiting secret revelation.
type monitorEntry struct {
	bridgeID string
	hashlock string
	deadline time.Time
	index    int
}

// monitorHeap orders entries by deadline so expiry is a peek, not a sweep.
type monitorHeap []*monitorEntry

func (h monitorHeap) Len() int            { return len(h) }
func (h monitorHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h monitorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *monitorHeap) Push(x any) {
	e := x.(*monitorEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *monitorHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// scheduler runs every secret-revelation monitor on one goroutine. An entry
// lives until its secret shows up in the registry or its deadline passes;
// expiry leaves the bridge non-terminal for the cancellation path.
type scheduler struct {
	interval time.Duration
	lookup   func(hashlock string) (string, bool)
	onSecret func(ctx context.Context, bridgeID, secret string)
	log      *logging.Logger

	mu   sync.Mutex
	heap monitorHeap
	byID map[string]*monitorEntry
}

func newScheduler(interval time.Duration, lookup func(string) (string, bool), onSecret func(context.Context, string, string), log *logging.Logger) *scheduler {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &scheduler{
		interval: interval,
		lookup:   lookup,
		onSecret: onSecret,
		log:      log,
		byID:     make(map[string]*monitorEntry),
	}
}

// watch registers a monitor. Re-watching a bridge updates its deadline.
func (s *scheduler) watch(bridgeID, hashlock string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byID[bridgeID]; ok {
		e.deadline = deadline
		heap.Fix(&s.heap, e.index)
		return
	}
	e := &monitorEntry{bridgeID: bridgeID, hashlock: hashlock, deadline: deadline}
	heap.Push(&s.heap, e)
	s.byID[bridgeID] = e
	s.log.Debug("watching for secret", "bridge_id", bridgeID, "deadline", deadline)
}

// drop removes a monitor, if present.
func (s *scheduler) drop(bridgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[bridgeID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byID, bridgeID)
	}
}

func (s *scheduler) watching(bridgeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[bridgeID]
	return ok
}

// run ticks until ctx is cancelled.
func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick expires overdue monitors and polls the registry for the rest.
func (s *scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	for s.heap.Len() > 0 && s.heap[0].deadline.Before(now) {
		e := heap.Pop(&s.heap).(*monitorEntry)
		delete(s.byID, e.bridgeID)
		s.log.Warn("secret monitor expired, leaving bridge for cancellation",
			"bridge_id", e.bridgeID)
	}

	var found []*monitorEntry
	var secrets []string
	for _, e := range s.byID {
		if secret, ok := s.lookup(e.hashlock); ok {
			found = append(found, e)
			secrets = append(secrets, secret)
		}
	}
	for _, e := range found {
		heap.Remove(&s.heap, e.index)
		delete(s.byID, e.bridgeID)
	}
	s.mu.Unlock()

	for i, e := range found {
		s.onSecret(ctx, e.bridgeID, secrets[i])
	}
}
