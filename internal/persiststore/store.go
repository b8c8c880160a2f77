// Package persiststore is the sqlite-backed persisted cache entry store
//, and a reference external.Tenant
// built on top of it for tests and the demo frontend.
//
// What: a durable (branch, in_data, out_data) table, one row per persisted
// compiled query.
// How: modernc.org/sqlite, a direct teacher dependency (own
// internal/storage backends store their pages through the same pure-Go
// sqlite driver) via database/sql, rather than hand-rolling a file format.
// Why: persistence is explicitly a Non-goal at the format level — any
// durable store suffices, and reusing sqlite driver
// keeps this reference implementation in the same idiom as the rest of the
// stack instead of introducing a second storage technology.
package persiststore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edgedb/dbview/internal/external"
	_ "modernc.org/sqlite"
)

// Store is a sqlite-backed table of persisted cache entries.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and ensures
// the cache_entries table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persiststore: open: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS cache_entries (
		branch TEXT NOT NULL,
		in_data BLOB NOT NULL,
		out_data BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persiststore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// PersistEntries appends entries for branchName in a single transaction,
// the round trip the persistence worker's batched flush relies on.
func (s *Store) PersistEntries(ctx context.Context, branchName string, entries []external.PersistedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persiststore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cache_entries (branch, in_data, out_data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("persiststore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, branchName, e.InData, e.OutData); err != nil {
			return fmt.Errorf("persiststore: insert: %w", err)
		}
	}
	return tx.Commit()
}

// HydrateEntries loads every persisted entry for branchName.
func (s *Store) HydrateEntries(ctx context.Context, branchName string) ([]external.PersistedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT in_data, out_data FROM cache_entries WHERE branch = ?`, branchName)
	if err != nil {
		return nil, fmt.Errorf("persiststore: query: %w", err)
	}
	defer rows.Close()

	var entries []external.PersistedEntry
	for rows.Next() {
		var e external.PersistedEntry
		if err := rows.Scan(&e.InData, &e.OutData); err != nil {
			return nil, fmt.Errorf("persiststore: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteBranch removes every persisted entry for branchName, called when a
// branch is dropped.
func (s *Store) DeleteBranch(ctx context.Context, branchName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE branch = ?`, branchName)
	if err != nil {
		return fmt.Errorf("persiststore: delete: %w", err)
	}
	return nil
}
