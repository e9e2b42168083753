package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

type schedulerRecorder struct {
	mu      sync.Mutex
	secrets map[string]string
	settled map[string]string
}

func newSchedulerRecorder() *schedulerRecorder {
	return &schedulerRecorder{
		secrets: make(map[string]string),
		settled: make(map[string]string),
	}
}

func (r *schedulerRecorder) lookup(hashlock string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.secrets[hashlock]
	return s, ok
}

func (r *schedulerRecorder) onSecret(ctx context.Context, bridgeID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled[bridgeID] = secret
}

func TestSchedulerFiresWhenSecretAppears(t *testing.T) {
	rec := newSchedulerRecorder()
	s := newScheduler(time.Hour, rec.lookup, rec.onSecret, logging.Default())

	s.watch("bridge-1", "aa11", time.Now().Add(time.Hour))
	s.watch("bridge-2", "bb22", time.Now().Add(time.Hour))

	s.tick(context.Background(), time.Now())
	if len(rec.settled) != 0 {
		t.Fatalf("nothing should fire before a reveal: %v", rec.settled)
	}

	rec.mu.Lock()
	rec.secrets["aa11"] = "s1"
	rec.mu.Unlock()

	s.tick(context.Background(), time.Now())
	if rec.settled["bridge-1"] != "s1" {
		t.Errorf("settled = %v", rec.settled)
	}
	if s.watching("bridge-1") {
		t.Error("fired monitor must be removed")
	}
	if !s.watching("bridge-2") {
		t.Error("unrelated monitor must survive")
	}
}

func TestSchedulerExpiresOverdueMonitors(t *testing.T) {
	rec := newSchedulerRecorder()
	s := newScheduler(time.Hour, rec.lookup, rec.onSecret, logging.Default())

	s.watch("bridge-1", "aa11", time.Now().Add(-time.Minute))
	s.tick(context.Background(), time.Now())

	if s.watching("bridge-1") {
		t.Error("overdue monitor must be dropped")
	}
	if len(rec.settled) != 0 {
		t.Errorf("expiry must not settle anything: %v", rec.settled)
	}
}

func TestSchedulerRewatchUpdatesDeadline(t *testing.T) {
	rec := newSchedulerRecorder()
	s := newScheduler(time.Hour, rec.lookup, rec.onSecret, logging.Default())

	s.watch("bridge-1", "aa11", time.Now().Add(-time.Minute))
	s.watch("bridge-1", "aa11", time.Now().Add(time.Hour))

	s.tick(context.Background(), time.Now())
	if !s.watching("bridge-1") {
		t.Error("extended deadline must keep the monitor alive")
	}
}

func TestSchedulerDrop(t *testing.T) {
	rec := newSchedulerRecorder()
	s := newScheduler(time.Hour, rec.lookup, rec.onSecret, logging.Default())

	s.watch("bridge-1", "aa11", time.Now().Add(time.Hour))
	s.drop("bridge-1")
	s.drop("bridge-1") // repeat is fine

	if s.watching("bridge-1") {
		t.Error("dropped monitor must be gone")
	}
}
