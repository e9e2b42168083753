// Package storage - revealed secret persistence.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Secret errors
var (
	ErrSecretNotFound      = errors.New("secret not found")
	ErrSecretAlreadyExists = errors.New("secret already exists for this hashlock")
)

// Secret is a revealed HTLC preimage keyed by its hashlock.
type Secret struct {
	Hashlock   string // normalized hex, no 0x
	Secret     string
	Source     string // which chain or caller revealed it
	RevealedAt time.Time
}

// SaveSecret records a revealed preimage. The first write for a hashlock
// wins; a second write returns ErrSecretAlreadyExists regardless of value.
func (s *Storage) SaveSecret(secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO secrets (hashlock, secret, source, revealed_at)
		VALUES (?, ?, ?, ?)
	`, secret.Hashlock, secret.Secret, secret.Source, secret.RevealedAt.UnixMilli())

	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSecretAlreadyExists
		}
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// GetSecret retrieves a revealed preimage by hashlock.
func (s *Storage) GetSecret(hashlock string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var secret Secret
	var revealedAt int64

	err := s.db.QueryRow(`
		SELECT hashlock, secret, source, revealed_at
		FROM secrets WHERE hashlock = ?
	`, hashlock).Scan(&secret.Hashlock, &secret.Secret, &secret.Source, &revealedAt)

	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	secret.RevealedAt = time.UnixMilli(revealedAt)
	return &secret, nil
}

// ListSecrets returns all revealed preimages.
func (s *Storage) ListSecrets() ([]*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT hashlock, secret, source, revealed_at FROM secrets`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var out []*Secret
	for rows.Next() {
		var secret Secret
		var revealedAt int64
		if err := rows.Scan(&secret.Hashlock, &secret.Secret, &secret.Source, &revealedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secret.RevealedAt = time.UnixMilli(revealedAt)
		out = append(out, &secret)
	}
	return out, rows.Err()
}
