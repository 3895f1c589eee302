// Package sqlstore is the C1 component: schema creation and a typed
// query helper shared by every repository in the town core. Each town
// owns exactly one *Store, backed by a single SQLite file opened
// through the pure-Go ncruces/go-sqlite3 driver (no cgo, matching the
// rest of the pack's embedded-SQL convention).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps a single town's SQLite database. All writes funnel
// through writeMu so the town behaves as a single-writer unit even
// though database/sql itself would happily interleave writers.
type Store struct {
	db *sql.DB

	// writeMu serializes mutating operations within this process.
	// Reads may proceed concurrently; see spec.md §5.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and
// runs schema initialization inside the write lock, so no other
// operation on this Store can observe a partially-created schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer; avoids SQLITE_BUSY under concurrent goroutines

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store, used by repository tests.
func OpenMemory() (*Store, error) {
	return Open("file::memory:?cache=shared")
}

func (s *Store) init(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exec runs a mutating statement under the write lock.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.ExecContext(ctx, query, args...)
}

// Query runs a read query. Reads are not serialized against each
// other, only against writes via SetMaxOpenConns(1) + the driver's
// own locking; see spec.md §5 "reads may be concurrent".
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read query expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a single write-locked transaction. Used by
// repository operations that must appear atomic (e.g. UpdateBeadStatus,
// HookBead) since no SQL write may be in flight across an external
// await (spec.md §5).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
