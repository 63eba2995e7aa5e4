package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentIdentity groups entries with identical content under one CAS ID.
type ContentIdentity struct {
	ID          int64
	UUID        uuid.UUID
	CasID       string
	Size        int64
	FirstSeenAt time.Time
}

// GetOrCreateContentIdentity finds the identity for a CAS ID, creating it on
// first sight. Concurrent creators racing on the same CAS ID are resolved by
// the unique constraint: the loser re-reads the winner's row.
func (s *Store) GetOrCreateContentIdentity(casID string, size int64) (*ContentIdentity, error) {
	existing, err := s.GetContentIdentityByCasID(casID)
	if err != nil || existing != nil {
		return existing, err
	}

	ci := &ContentIdentity{
		UUID:        uuid.New(),
		CasID:       casID,
		Size:        size,
		FirstSeenAt: time.Now(),
	}
	result, err := s.db.Exec(`INSERT INTO content_identities (uuid, cas_id, size, first_seen_at)
		VALUES (?, ?, ?, ?)`,
		ci.UUID.String(), ci.CasID, ci.Size, ci.FirstSeenAt.Unix())
	if err != nil {
		if IsUniqueViolation(err) {
			return s.GetContentIdentityByCasID(casID)
		}
		return nil, fmt.Errorf("failed to create content identity for %s: %w", casID, err)
	}
	if ci.ID, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to get content identity id: %w", err)
	}
	return ci, nil
}

// GetContentIdentity fetches an identity by row id, nil when absent.
func (s *Store) GetContentIdentity(id int64) (*ContentIdentity, error) {
	var (
		ci        ContentIdentity
		uuidStr   string
		firstSeen int64
	)
	err := s.db.QueryRow(`SELECT id, uuid, cas_id, size, first_seen_at
		FROM content_identities WHERE id = ?`, id).
		Scan(&ci.ID, &uuidStr, &ci.CasID, &ci.Size, &firstSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content identity %d: %w", id, err)
	}
	if ci.UUID, err = uuid.Parse(uuidStr); err != nil {
		return nil, fmt.Errorf("invalid content identity uuid %q: %w", uuidStr, err)
	}
	ci.FirstSeenAt = time.Unix(firstSeen, 0)
	return &ci, nil
}

// GetContentIdentityByCasID fetches an identity by CAS ID, nil when absent.
func (s *Store) GetContentIdentityByCasID(casID string) (*ContentIdentity, error) {
	var (
		ci        ContentIdentity
		uuidStr   string
		firstSeen int64
	)
	err := s.db.QueryRow(`SELECT id, uuid, cas_id, size, first_seen_at
		FROM content_identities WHERE cas_id = ?`, casID).
		Scan(&ci.ID, &uuidStr, &ci.CasID, &ci.Size, &firstSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content identity %s: %w", casID, err)
	}
	if ci.UUID, err = uuid.Parse(uuidStr); err != nil {
		return nil, fmt.Errorf("invalid content identity uuid %q: %w", uuidStr, err)
	}
	ci.FirstSeenAt = time.Unix(firstSeen, 0)
	return &ci, nil
}

// EntriesWithContentIdentity returns how many entries reference an identity.
// Identities are only garbage when this reaches zero.
func (s *Store) EntriesWithContentIdentity(id int64) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE content_identity_id = ?`, id).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries for content identity %d: %w", id, err)
	}
	return count, nil
}

// PruneOrphanedContentIdentities deletes identities no entry references.
func (s *Store) PruneOrphanedContentIdentities() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM content_identities WHERE id NOT IN
		(SELECT DISTINCT content_identity_id FROM entries WHERE content_identity_id IS NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune content identities: %w", err)
	}
	return result.RowsAffected()
}
