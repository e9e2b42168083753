// Package bridge - the shared bridge store.
//
// The store is the single enforced owner of bridge state. Concurrent handlers
// for different legs of the same swap race to finalize it; the atomic
// get-or-create and compare-and-swap transition below are what make that race
// safe instead of relying on scattered map access.
package bridge

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Persister receives write-through copies of every mutation for the audit
// trail. A nil persister disables persistence; in-memory state stays
// authoritative either way.
type Persister interface {
	SaveBridge(b *Bridge) error
}

// Store holds every bridge for the life of the process. Bridges are never
// deleted; terminal bridges are retained for status queries.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*Bridge
	byHashlock map[string]string // normalized hashlock + type -> id

	persist Persister
	now     func() time.Time
}

// NewStore creates an empty store. persist may be nil.
func NewStore(persist Persister) *Store {
	return &Store{
		byID:       make(map[string]*Bridge),
		byHashlock: make(map[string]string),
		persist:    persist,
		now:        time.Now,
	}
}

func hashlockKey(t Type, hashlock string) string {
	return string(t) + "|" + NormalizeHashlock(hashlock)
}

// Restore loads persisted bridges into an empty store at boot. Later records
// win on hashlock collisions, matching the persister's write order.
func (s *Store) Restore(bridges []*Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bridges {
		c := b.Clone()
		s.byID[c.ID] = c
		s.byHashlock[hashlockKey(c.Type, c.Hashlock)] = c.ID
	}
}

// GetOrCreate atomically returns the bridge for (type, hashlock), creating a
// pending one via init when absent. Exactly one caller observes created=true
// for a given pair, regardless of event arrival order across chains.
func (s *Store) GetOrCreate(t Type, hashlock string, init func(b *Bridge)) (*Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashlockKey(t, hashlock)
	if id, ok := s.byHashlock[key]; ok {
		return s.byID[id].Clone(), false
	}

	createdAt := s.now().UTC()
	b := &Bridge{
		ID:        NewID(t, NormalizeHashlock(hashlock)),
		Type:      t,
		Status:    StatusPending,
		Hashlock:  NormalizeHashlock(hashlock),
		CreatedAt: createdAt,
	}
	if init != nil {
		init(b)
	}
	// init must not undo identity or lifecycle fields.
	b.Status = StatusPending
	b.Hashlock = NormalizeHashlock(hashlock)

	s.byID[b.ID] = b
	s.byHashlock[key] = b.ID
	s.save(b)
	return b.Clone(), true
}

// Get returns a copy of the bridge with the given id.
func (s *Store) Get(id string) (*Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, ErrBridgeNotFound
	}
	return b.Clone(), nil
}

// ByHashlock returns a copy of the bridge matching the hashlock in any
// direction, or ErrBridgeNotFound.
func (s *Store) ByHashlock(hashlock string) (*Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	norm := NormalizeHashlock(hashlock)
	for _, t := range AllTypes {
		if id, ok := s.byHashlock[string(t)+"|"+norm]; ok {
			return s.byID[id].Clone(), nil
		}
	}
	return nil, ErrBridgeNotFound
}

// ByEscrow returns a copy of the bridge holding the given escrow reference
// on a chain. Claim feeds whose events carry no hashlock correlate through
// this.
func (s *Store) ByEscrow(c Chain, escrowID string) (*Bridge, error) {
	if escrowID == "" {
		return nil, ErrBridgeNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.byID {
		if b.Type.Source() == c && b.SourceEscrowID == escrowID {
			return b.Clone(), nil
		}
		if b.Type.Destination() == c && b.DestEscrowID == escrowID {
			return b.Clone(), nil
		}
	}
	return nil, ErrBridgeNotFound
}

// All returns copies of every bridge, oldest first.
func (s *Store) All() []*Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Bridge, 0, len(s.byID))
	for _, b := range s.byID {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Active returns copies of bridges still awaiting resolution
// (pending, processing or active).
func (s *Store) Active() []*Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Bridge
	for _, b := range s.byID {
		if !b.Status.IsTerminal() {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Update applies mutate to a non-terminal bridge under the store lock. Status
// changes through Update are rejected; use Transition.
func (s *Store) Update(id string, mutate func(b *Bridge) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok {
		return ErrBridgeNotFound
	}
	if b.Status.IsTerminal() {
		return ErrBridgeTerminal
	}
	prev := b.Status
	if err := mutate(b); err != nil {
		return err
	}
	if b.Status != prev {
		b.Status = prev
		return fmt.Errorf("status must change via Transition, not Update")
	}
	s.save(b)
	return nil
}

// Transition moves a bridge to a new status, applying mutate under the same
// critical section. The move must be monotonic; a repeated transition into the
// bridge's current terminal status is a no-op, so the second of two racing
// finalizers silently loses.
func (s *Store) Transition(id string, to Status, mutate func(b *Bridge) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok {
		return ErrBridgeNotFound
	}
	if b.Status == to {
		return nil
	}
	if b.Status.IsTerminal() {
		return ErrBridgeTerminal
	}
	if !b.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardStatus, b.Status, to)
	}

	if mutate != nil {
		if err := mutate(b); err != nil {
			return err
		}
	}
	b.Status = to
	if to == StatusCompleted {
		t := s.now().UTC()
		b.CompletedAt = &t
	}
	if to != StatusFailed {
		b.Error = ""
	}
	s.save(b)
	return nil
}

// save writes through to the persister. Persistence failures are not allowed
// to break the in-memory state machine.
func (s *Store) save(b *Bridge) {
	if s.persist == nil {
		return
	}
	_ = s.persist.SaveBridge(b.Clone())
}
