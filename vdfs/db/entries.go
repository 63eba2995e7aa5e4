package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a persisted entry.
type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
	EntrySymlink
)

// Entry is one row in the entries table. ID is storage-local; UUID is the
// stable identity used by events and sync, immutable once assigned.
type Entry struct {
	ID                int64
	UUID              uuid.UUID
	LocationID        uuid.UUID
	ParentID          *int64
	Name              string
	Extension         string
	Kind              EntryKind
	Size              int64
	Inode             *uint64
	ModifiedAt        time.Time
	CreatedAt         time.Time
	ContentIdentityID *int64
	AggregateSize     int64
	FileCount         int64
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == EntryDirectory }

const entryColumns = `id, uuid, location_id, parent_id, name, extension, kind,
	size, inode, mtime, ctime, content_identity_id, aggregate_size, file_count`

// entryColumnsE is entryColumns qualified for queries that join entries more
// than once.
const entryColumnsE = `e.id, e.uuid, e.location_id, e.parent_id, e.name, e.extension, e.kind,
	e.size, e.inode, e.mtime, e.ctime, e.content_identity_id, e.aggregate_size, e.file_count`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e        Entry
		uuidStr  string
		locStr   string
		parentID sql.NullInt64
		inode    sql.NullInt64
		mtime    int64
		ctime    int64
		cid      sql.NullInt64
	)
	err := row.Scan(&e.ID, &uuidStr, &locStr, &parentID, &e.Name, &e.Extension,
		&e.Kind, &e.Size, &inode, &mtime, &ctime, &cid, &e.AggregateSize, &e.FileCount)
	if err != nil {
		return nil, err
	}
	if e.UUID, err = uuid.Parse(uuidStr); err != nil {
		return nil, fmt.Errorf("invalid entry uuid %q: %w", uuidStr, err)
	}
	if e.LocationID, err = uuid.Parse(locStr); err != nil {
		return nil, fmt.Errorf("invalid location uuid %q: %w", locStr, err)
	}
	if parentID.Valid {
		e.ParentID = &parentID.Int64
	}
	if inode.Valid {
		v := uint64(inode.Int64)
		e.Inode = &v
	}
	if mtime != 0 {
		e.ModifiedAt = time.Unix(mtime, 0)
	}
	if ctime != 0 {
		e.CreatedAt = time.Unix(ctime, 0)
	}
	if cid.Valid {
		e.ContentIdentityID = &cid.Int64
	}
	return &e, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// CreateEntry inserts an entry and its closure rows, assigning ID (and UUID
// when unset). The parent must already exist: children are never committed
// before their parent.
func (s *Store) CreateEntry(e *Entry) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inode sql.NullInt64
	if e.Inode != nil {
		inode = sql.NullInt64{Int64: int64(*e.Inode), Valid: true}
	}
	var parentID sql.NullInt64
	if e.ParentID != nil {
		parentID = sql.NullInt64{Int64: *e.ParentID, Valid: true}
	}
	var cid sql.NullInt64
	if e.ContentIdentityID != nil {
		cid = sql.NullInt64{Int64: *e.ContentIdentityID, Valid: true}
	}

	result, err := tx.Exec(`INSERT INTO entries
		(uuid, location_id, parent_id, name, extension, kind, size, inode, mtime, ctime, content_identity_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID.String(), e.LocationID.String(), parentID, e.Name, e.Extension,
		e.Kind, e.Size, inode, unixOrZero(e.ModifiedAt), unixOrZero(e.CreatedAt), cid)
	if err != nil {
		return fmt.Errorf("failed to insert entry %s: %w", e.Name, err)
	}
	if e.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get entry id: %w", err)
	}

	// Self row, plus one row per ancestor inherited from the parent.
	if _, err := tx.Exec(`INSERT INTO entry_closure (ancestor_id, descendant_id, depth)
		VALUES (?, ?, 0)`, e.ID, e.ID); err != nil {
		return fmt.Errorf("failed to insert closure self row: %w", err)
	}
	if e.ParentID != nil {
		if _, err := tx.Exec(`INSERT INTO entry_closure (ancestor_id, descendant_id, depth)
			SELECT ancestor_id, ?, depth + 1 FROM entry_closure WHERE descendant_id = ?`,
			e.ID, *e.ParentID); err != nil {
			return fmt.Errorf("failed to insert closure ancestor rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entry insert: %w", err)
	}
	return nil
}

// UpdateEntry refreshes an entry's metadata in place. Identity fields (id,
// uuid, location) never change here.
func (s *Store) UpdateEntry(e *Entry) error {
	var inode sql.NullInt64
	if e.Inode != nil {
		inode = sql.NullInt64{Int64: int64(*e.Inode), Valid: true}
	}
	var cid sql.NullInt64
	if e.ContentIdentityID != nil {
		cid = sql.NullInt64{Int64: *e.ContentIdentityID, Valid: true}
	}
	_, err := s.db.Exec(`UPDATE entries SET size = ?, inode = ?, mtime = ?, ctime = ?,
		extension = ?, content_identity_id = ? WHERE id = ?`,
		e.Size, inode, unixOrZero(e.ModifiedAt), unixOrZero(e.CreatedAt),
		e.Extension, cid, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", e.ID, err)
	}
	return nil
}

// MoveEntry re-parents and/or renames an entry, preserving its id, uuid and
// content identity. The closure table is rewritten so every node in the
// moved subtree is re-linked under the new parent's ancestor chain.
func (s *Store) MoveEntry(id int64, newParentID int64, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE entries SET parent_id = ?, name = ? WHERE id = ?`,
		newParentID, newName, id); err != nil {
		return fmt.Errorf("failed to re-parent entry %d: %w", id, err)
	}

	// Unlink the subtree from its old ancestors (rows pairing an ancestor
	// outside the subtree with a descendant inside it).
	if _, err := tx.Exec(`DELETE FROM entry_closure
		WHERE descendant_id IN (SELECT descendant_id FROM entry_closure WHERE ancestor_id = ?)
		AND ancestor_id NOT IN (SELECT descendant_id FROM entry_closure WHERE ancestor_id = ?)`,
		id, id); err != nil {
		return fmt.Errorf("failed to unlink closure rows for entry %d: %w", id, err)
	}

	// Cross-join the new parent's ancestor chain with the subtree.
	if _, err := tx.Exec(`INSERT INTO entry_closure (ancestor_id, descendant_id, depth)
		SELECT a.ancestor_id, d.descendant_id, a.depth + d.depth + 1
		FROM entry_closure a, entry_closure d
		WHERE a.descendant_id = ? AND d.ancestor_id = ?`,
		newParentID, id); err != nil {
		return fmt.Errorf("failed to relink closure rows for entry %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entry move: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry and, via the closure table, every descendant
// in one pass. Returns the number of entries deleted.
func (s *Store) DeleteEntry(id int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM entries WHERE id IN
		(SELECT descendant_id FROM entry_closure WHERE ancestor_id = ?)`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade delete entry %d: %w", id, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted entries: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM entry_closure WHERE descendant_id IN
		(SELECT descendant_id FROM entry_closure WHERE ancestor_id = ?)`, id); err != nil {
		return 0, fmt.Errorf("failed to delete closure rows for entry %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entry delete: %w", err)
	}
	return deleted, nil
}

// GetEntry fetches one entry by id.
func (s *Store) GetEntry(id int64) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %d: %w", id, err)
	}
	return e, nil
}

// GetEntryByUUID fetches one entry by its stable identity.
func (s *Store) GetEntryByUUID(id uuid.UUID) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE uuid = ?`, id.String())
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", id, err)
	}
	return e, nil
}

// FindChildByName fetches the named child of a directory.
func (s *Store) FindChildByName(parentID int64, name string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries
		WHERE parent_id = ? AND name = ?`, parentID, name)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find child %s of %d: %w", name, parentID, err)
	}
	return e, nil
}

// FindByInode fetches an entry by inode within a location. Inodes are only
// comparable within one volume, so lookups are always location-scoped.
func (s *Store) FindByInode(locationID uuid.UUID, inode uint64) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries
		WHERE location_id = ? AND inode = ?`, locationID.String(), int64(inode))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry by inode %d: %w", inode, err)
	}
	return e, nil
}

// GetLocationRoot returns the root entry of a location (the one without a
// parent).
func (s *Store) GetLocationRoot(locationID uuid.UUID) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries
		WHERE location_id = ? AND parent_id IS NULL`, locationID.String())
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root of location %s: %w", locationID, err)
	}
	return e, nil
}

// FindByRelPath resolves a relative path (from the location root) segment by
// segment. An empty path returns the root itself.
func (s *Store) FindByRelPath(locationID uuid.UUID, relPath string) (*Entry, error) {
	current, err := s.GetLocationRoot(locationID)
	if err != nil || current == nil {
		return current, err
	}
	relPath = filepath.ToSlash(filepath.Clean(relPath))
	if relPath == "." || relPath == "" {
		return current, nil
	}
	for _, seg := range strings.Split(relPath, "/") {
		current, err = s.FindChildByName(current.ID, seg)
		if err != nil || current == nil {
			return current, err
		}
	}
	return current, nil
}

// ListChildren returns the direct children of a directory.
func (s *Store) ListChildren(parentID int64) ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM entries
		WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %d: %w", parentID, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan child row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListLocationEntries returns every entry of a location, depth-ordered so
// parents always precede children.
func (s *Store) ListLocationEntries(locationID uuid.UUID) ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumnsE+` FROM entries e
		JOIN entry_closure c ON c.descendant_id = e.id
		JOIN entries root ON root.id = c.ancestor_id
		WHERE root.location_id = ? AND root.parent_id IS NULL
		ORDER BY c.depth, e.name`, locationID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list entries of location %s: %w", locationID, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DescendantCount returns the number of entries beneath an entry, excluding
// itself.
func (s *Store) DescendantCount(id int64) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entry_closure
		WHERE ancestor_id = ? AND depth > 0`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count descendants of %d: %w", id, err)
	}
	return count, nil
}

// AggregateDirectorySizes rolls file sizes and counts up to every directory
// of a location through the closure table, leaf to root in one statement.
func (s *Store) AggregateDirectorySizes(locationID uuid.UUID) error {
	_, err := s.db.Exec(`UPDATE entries SET
		aggregate_size = COALESCE((
			SELECT SUM(f.size) FROM entry_closure c
			JOIN entries f ON f.id = c.descendant_id
			WHERE c.ancestor_id = entries.id AND c.depth > 0 AND f.kind = ?
		), 0),
		file_count = COALESCE((
			SELECT COUNT(*) FROM entry_closure c
			JOIN entries f ON f.id = c.descendant_id
			WHERE c.ancestor_id = entries.id AND c.depth > 0 AND f.kind = ?
		), 0)
		WHERE location_id = ? AND kind = ?`,
		EntryFile, EntryFile, locationID.String(), EntryDirectory)
	if err != nil {
		return fmt.Errorf("failed to aggregate directory sizes: %w", err)
	}
	return nil
}
