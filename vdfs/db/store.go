// Package db implements the persistent entry store on libsql. Hierarchy is
// kept twice: parent pointers on each entry plus a closure table so subtree
// queries (cascade delete, aggregation, depth ordering) are single statements
// instead of recursive walks.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/config"
)

// Store owns the library database connection.
type Store struct {
	db *sql.DB
}

// defaultMaxOpenConns sizes the pool for indexing, content identification
// and watcher reconciliation running at once.
const defaultMaxOpenConns = 32

// StoreOption tunes the connection before the schema is initialized.
type StoreOption func(*sql.DB)

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) StoreOption {
	return func(db *sql.DB) {
		if n > 0 {
			db.SetMaxOpenConns(n)
		}
	}
}

// NewStore opens (or creates) the library database at the given DSN, e.g.
// "file:/path/library.db" or "file::memory:?cache=shared".
func NewStore(dsn string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	for _, opt := range opts {
		opt(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", dsn, err)
	}

	store := &Store{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("library database ready", "dsn", dsn)
	return store, nil
}

// NewStoreFromConfig opens the library database described by the loaded
// configuration, applying its connection limits.
func NewStoreFromConfig(cfg config.DatabaseConfig) (*Store, error) {
	return NewStore(cfg.DSN, WithMaxOpenConns(cfg.MaxOpenConns))
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// init creates the schema. All statements are idempotent.
func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			location_id TEXT NOT NULL,
			parent_id INTEGER REFERENCES entries(id),
			name TEXT NOT NULL,
			extension TEXT NOT NULL DEFAULT '',
			kind INTEGER NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			inode INTEGER,
			mtime INTEGER NOT NULL DEFAULT 0,
			ctime INTEGER NOT NULL DEFAULT 0,
			content_identity_id INTEGER REFERENCES content_identities(id),
			aggregate_size INTEGER NOT NULL DEFAULT 0,
			file_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(location_id, parent_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_location ON entries(location_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_inode ON entries(location_id, inode)`,
		`CREATE TABLE IF NOT EXISTS entry_closure (
			ancestor_id INTEGER NOT NULL,
			descendant_id INTEGER NOT NULL,
			depth INTEGER NOT NULL,
			PRIMARY KEY (ancestor_id, descendant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closure_descendant ON entry_closure(descendant_id)`,
		`CREATE TABLE IF NOT EXISTS content_identities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			cas_id TEXT NOT NULL UNIQUE,
			size INTEGER NOT NULL DEFAULT 0,
			first_seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS volumes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mount_point TEXT NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE,
			backend TEXT NOT NULL,
			total_bytes INTEGER NOT NULL DEFAULT 0,
			online INTEGER NOT NULL DEFAULT 1,
			last_seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_checkpoints (
			job_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
// Indexer/watcher races on the same path surface as these and are benign.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SaveCheckpoint implements the job checkpoint store.
func (s *Store) SaveCheckpoint(jobID uuid.UUID, state []byte) error {
	_, err := s.db.Exec(`INSERT INTO job_checkpoints (job_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		jobID.String(), state, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// LoadCheckpoint returns the last persisted state for a job, or nil when
// none exists.
func (s *Store) LoadCheckpoint(jobID uuid.UUID) ([]byte, error) {
	var state []byte
	err := s.db.QueryRow(`SELECT state FROM job_checkpoints WHERE job_id = ?`,
		jobID.String()).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
	}
	return state, nil
}

// DeleteCheckpoint removes a job's checkpoint after successful completion.
func (s *Store) DeleteCheckpoint(jobID uuid.UUID) error {
	if _, err := s.db.Exec(`DELETE FROM job_checkpoints WHERE job_id = ?`, jobID.String()); err != nil {
		return fmt.Errorf("failed to delete checkpoint for job %s: %w", jobID, err)
	}
	return nil
}
