// Package storage - bridge record persistence.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
)

// Bridge errors
var (
	ErrBridgeNotFound = errors.New("bridge not found")
)

// SaveBridge inserts or replaces a bridge record. The in-memory store is the
// source of truth at runtime; rows here exist for recovery after restart.
func (s *Storage) SaveBridge(b *bridge.Bridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var destAmount *string
	if b.DestAmount != nil {
		v := b.DestAmount.String()
		destAmount = &v
	}

	var secret, destRecipient, srcEscrow, dstEscrow, srcTx, dstTx, errMsg *string
	for _, f := range []struct {
		val string
		dst **string
	}{
		{b.Secret, &secret},
		{b.DestRecipient, &destRecipient},
		{b.SourceEscrowID, &srcEscrow},
		{b.DestEscrowID, &dstEscrow},
		{b.SourceTxHash, &srcTx},
		{b.DestTxHash, &dstTx},
		{b.Error, &errMsg},
	} {
		if f.val != "" {
			v := f.val
			*f.dst = &v
		}
	}

	var completedAt *int64
	if b.CompletedAt != nil {
		ts := b.CompletedAt.UnixMilli()
		completedAt = &ts
	}

	var timelock int64
	if !b.Timelock.IsZero() {
		timelock = b.Timelock.UnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO bridges (
			id, type, status, hashlock, secret,
			amount, dest_amount, source_sender, dest_recipient,
			source_escrow_id, dest_escrow_id, source_tx_hash, dest_tx_hash,
			timelock, created_at, completed_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, string(b.Type), string(b.Status), b.Hashlock, secret,
		b.Amount.String(), destAmount, b.SourceSender, destRecipient,
		srcEscrow, dstEscrow, srcTx, dstTx,
		timelock, b.CreatedAt.UnixMilli(), completedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to save bridge: %w", err)
	}
	return nil
}

// GetBridge retrieves a bridge record by ID.
func (s *Storage) GetBridge(id string) (*bridge.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectBridge+` WHERE id = ?`, id)
	b, err := scanBridge(row)
	if err == sql.ErrNoRows {
		return nil, ErrBridgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge: %w", err)
	}
	return b, nil
}

// ListBridges returns all bridge records, oldest first.
func (s *Storage) ListBridges() ([]*bridge.Bridge, error) {
	return s.listBridges(selectBridge + ` ORDER BY created_at ASC`)
}

// ListActiveBridges returns bridges that were mid-flight at last shutdown.
func (s *Storage) ListActiveBridges() ([]*bridge.Bridge, error) {
	return s.listBridges(selectBridge+` WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		string(bridge.StatusPending), string(bridge.StatusProcessing), string(bridge.StatusActive))
}

func (s *Storage) listBridges(query string, args ...any) ([]*bridge.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridges: %w", err)
	}
	defer rows.Close()

	var out []*bridge.Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const selectBridge = `
	SELECT id, type, status, hashlock, secret,
		   amount, dest_amount, source_sender, dest_recipient,
		   source_escrow_id, dest_escrow_id, source_tx_hash, dest_tx_hash,
		   timelock, created_at, completed_at, error
	FROM bridges`

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBridge(row scanner) (*bridge.Bridge, error) {
	var b bridge.Bridge
	var typ, status, amount string
	var secret, destAmount, destRecipient, srcEscrow, dstEscrow, srcTx, dstTx, errMsg sql.NullString
	var timelock, createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&b.ID, &typ, &status, &b.Hashlock, &secret,
		&amount, &destAmount, &b.SourceSender, &destRecipient,
		&srcEscrow, &dstEscrow, &srcTx, &dstTx,
		&timelock, &createdAt, &completedAt, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	b.Type = bridge.Type(typ)
	b.Status = bridge.Status(status)
	b.Secret = secret.String
	b.DestRecipient = destRecipient.String
	b.SourceEscrowID = srcEscrow.String
	b.DestEscrowID = dstEscrow.String
	b.SourceTxHash = srcTx.String
	b.DestTxHash = dstTx.String
	b.Error = errMsg.String

	b.Amount, _ = new(big.Int).SetString(amount, 10)
	if b.Amount == nil {
		return nil, fmt.Errorf("invalid amount %q for bridge %s", amount, b.ID)
	}
	if destAmount.Valid {
		b.DestAmount, _ = new(big.Int).SetString(destAmount.String, 10)
	}

	if timelock != 0 {
		b.Timelock = time.UnixMilli(timelock)
	}
	b.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		b.CompletedAt = &t
	}

	return &b, nil
}
