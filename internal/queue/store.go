package queue

import (
	"context"
	"database/sql"
	"fmt"

	"specscan/internal/config"
	"specscan/internal/sqlitex"
)

// Store manages the tile ledger backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the ledger database configured by cfg.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(ctx, cfg.LedgerPath())
}

// OpenPath opens the ledger at an explicit path.
func OpenPath(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitex.Open(ctx, path, ledgerSchema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path is the database file location.
func (s *Store) Path() string { return s.path }
