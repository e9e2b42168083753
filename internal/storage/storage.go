// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the resolver daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosslock.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Bridges table (one row per cross-chain swap)
	-- Amounts are stored as decimal strings in base units; they exceed
	-- SQLite's 64-bit integer range for 24-decimal chains.
	CREATE TABLE IF NOT EXISTS bridges (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',

		-- Hashlock identity (normalized lowercase hex, no 0x)
		hashlock TEXT NOT NULL,
		secret TEXT,

		-- Source and destination legs
		amount TEXT NOT NULL,
		dest_amount TEXT,
		source_sender TEXT NOT NULL,
		dest_recipient TEXT,
		source_escrow_id TEXT,
		dest_escrow_id TEXT,
		source_tx_hash TEXT,
		dest_tx_hash TEXT,

		-- Timing (unix milliseconds)
		timelock INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,

		-- Failure tracking
		error TEXT,

		UNIQUE(type, hashlock)
	);

	CREATE INDEX IF NOT EXISTS idx_bridges_status ON bridges(status);
	CREATE INDEX IF NOT EXISTS idx_bridges_hashlock ON bridges(hashlock);
	CREATE INDEX IF NOT EXISTS idx_bridges_created ON bridges(created_at);

	-- Secrets table (revealed preimages, write-once per hashlock)
	CREATE TABLE IF NOT EXISTS secrets (
		hashlock TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		source TEXT NOT NULL,
		revealed_at INTEGER NOT NULL
	);

	-- Processed events table (listener dedupe, survives restart)
	CREATE TABLE IF NOT EXISTS processed_events (
		chain TEXT NOT NULL,
		event_key TEXT NOT NULL,
		processed_at INTEGER NOT NULL,
		PRIMARY KEY (chain, event_key)
	);

	CREATE INDEX IF NOT EXISTS idx_processed_events_chain ON processed_events(chain);

	-- Scan state (reconciliation poll cursor per chain)
	CREATE TABLE IF NOT EXISTS scan_state (
		chain TEXT PRIMARY KEY,
		last_block INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isUniqueConstraintError reports whether err is a SQLite UNIQUE violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
