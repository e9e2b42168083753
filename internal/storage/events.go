// Package storage - listener dedupe and scan cursor persistence.
package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// MarkEventProcessed records an event dedupe key. Marking twice is a no-op.
func (s *Storage) MarkEventProcessed(chain, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_events (chain, event_key, processed_at)
		VALUES (?, ?, ?)
	`, chain, key, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// IsEventProcessed reports whether an event key was already recorded.
func (s *Storage) IsEventProcessed(chain, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM processed_events WHERE chain = ? AND event_key = ?
	`, chain, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return true, nil
}

// LoadProcessedEvents returns all recorded dedupe keys for a chain. Used to
// warm the listener's in-memory set on startup.
func (s *Storage) LoadProcessedEvents(chain string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT event_key FROM processed_events WHERE chain = ?`, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to load processed events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan event key: %w", err)
		}
		out[key] = struct{}{}
	}
	return out, rows.Err()
}

// PruneProcessedEvents deletes dedupe entries older than the cutoff.
func (s *Storage) PruneProcessedEvents(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM processed_events WHERE processed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// GetScanCursor returns the last reconciled block for a chain, 0 if none.
func (s *Storage) GetScanCursor(chain string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var block uint64
	err := s.db.QueryRow(`SELECT last_block FROM scan_state WHERE chain = ?`, chain).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get scan cursor: %w", err)
	}
	return block, nil
}

// SetScanCursor records the last reconciled block for a chain.
func (s *Storage) SetScanCursor(chain string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO scan_state (chain, last_block, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chain) DO UPDATE SET last_block = excluded.last_block, updated_at = excluded.updated_at
	`, chain, block, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set scan cursor: %w", err)
	}
	return nil
}
