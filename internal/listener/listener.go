// Package listener watches escrow contracts and normalizes their activity
// into bridge.ChainEvent values. Every listener pairs a live or polled feed
// with persistent dedupe state, so restarts and overlapping feeds never
// deliver the same event twice.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/internal/storage"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

// Listener errors
var (
	ErrNotInitialized = errors.New("listener not initialized")
	ErrNoContract     = errors.New("no contract deployed at configured address")
)

// A Listener watches one chain's escrow contract.
type Listener interface {
	Chain() bridge.Chain

	// Initialize verifies the contract is reachable. It must fail fast when
	// the configured contract does not exist.
	Initialize(ctx context.Context) error

	// StartListening begins emitting events. Initialize must have succeeded.
	StartListening(ctx context.Context) error

	// StopListening halts the feed and closes the event channel. Safe to
	// call more than once.
	StopListening()

	// Events is the normalized event feed.
	Events() <-chan *bridge.ChainEvent
}

// emitter is the shared delivery half of every listener: a bounded channel
// guarded by a persistent dedupe set.
type emitter struct {
	chain bridge.Chain
	store *storage.Storage
	log   *logging.Logger

	events chan *bridge.ChainEvent

	mu   sync.Mutex
	seen map[string]struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

func newEmitter(chain bridge.Chain, store *storage.Storage, cfg config.ListenerConfig, log *logging.Logger) *emitter {
	return &emitter{
		chain:  chain,
		store:  store,
		log:    log,
		events: make(chan *bridge.ChainEvent, cfg.ChannelBuffer),
		seen:   make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
}

// warm loads the persisted dedupe set so a restart does not replay history.
func (e *emitter) warm() error {
	seen, err := e.store.LoadProcessedEvents(string(e.chain))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.seen = seen
	e.mu.Unlock()
	return nil
}

// emit forwards an event unless it was already delivered. The dedupe mark
// is persisted before the send, so a crash between the two drops the event
// rather than double-delivering it; the reconciliation poll picks up the
// escrow state regardless.
func (e *emitter) emit(ev *bridge.ChainEvent) {
	key := ev.DedupeKey()

	e.mu.Lock()
	if _, dup := e.seen[key]; dup {
		e.mu.Unlock()
		return
	}
	e.seen[key] = struct{}{}
	e.mu.Unlock()

	if err := e.store.MarkEventProcessed(string(e.chain), key); err != nil {
		e.log.Error("failed to persist event mark", "key", key, "error", err)
	}

	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}

	select {
	case e.events <- ev:
	case <-e.stop:
	default:
		e.log.Warn("event channel full, dropping event",
			"chain", e.chain, "key", key, "kind", ev.Kind)
	}
}

func (e *emitter) Events() <-chan *bridge.ChainEvent {
	return e.events
}

func (e *emitter) stopAndClose() {
	e.stopOnce.Do(func() {
		close(e.stop)
		close(e.events)
	})
}

func (e *emitter) stopped() <-chan struct{} {
	return e.stop
}
