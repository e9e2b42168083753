package storage

import (
	"testing"
	"time"
)

func TestEventDedupe(t *testing.T) {
	store := newTestStorage(t)

	key := "0xabc#3"
	seen, err := store.IsEventProcessed("ethereum", key)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("unseen event reported as processed")
	}

	if err := store.MarkEventProcessed("ethereum", key); err != nil {
		t.Fatalf("MarkEventProcessed() error = %v", err)
	}
	// Marking again is idempotent.
	if err := store.MarkEventProcessed("ethereum", key); err != nil {
		t.Fatalf("repeat MarkEventProcessed() error = %v", err)
	}

	seen, err = store.IsEventProcessed("ethereum", key)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("marked event not reported as processed")
	}

	// Keys are scoped per chain.
	seen, err = store.IsEventProcessed("near", key)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("key leaked across chains")
	}
}

func TestLoadProcessedEvents(t *testing.T) {
	store := newTestStorage(t)

	for _, key := range []string{"0xa#0", "0xa#1", "0xb#0"} {
		if err := store.MarkEventProcessed("aptos", key); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkEventProcessed("near", "0xc#0"); err != nil {
		t.Fatal(err)
	}

	keys, err := store.LoadProcessedEvents("aptos")
	if err != nil {
		t.Fatalf("LoadProcessedEvents() error = %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("got %d keys, want 3", len(keys))
	}
	if _, ok := keys["0xa#1"]; !ok {
		t.Error("missing expected key 0xa#1")
	}
}

func TestPruneProcessedEvents(t *testing.T) {
	store := newTestStorage(t)

	if err := store.MarkEventProcessed("ethereum", "old#0"); err != nil {
		t.Fatal(err)
	}

	n, err := store.PruneProcessedEvents(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneProcessedEvents() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	seen, err := store.IsEventProcessed("ethereum", "old#0")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("pruned event still reported as processed")
	}
}

func TestScanCursor(t *testing.T) {
	store := newTestStorage(t)

	block, err := store.GetScanCursor("ethereum")
	if err != nil {
		t.Fatal(err)
	}
	if block != 0 {
		t.Errorf("fresh cursor = %d, want 0", block)
	}

	if err := store.SetScanCursor("ethereum", 120); err != nil {
		t.Fatal(err)
	}
	if err := store.SetScanCursor("ethereum", 140); err != nil {
		t.Fatal(err)
	}

	block, err = store.GetScanCursor("ethereum")
	if err != nil {
		t.Fatal(err)
	}
	if block != 140 {
		t.Errorf("cursor = %d, want 140", block)
	}
}
