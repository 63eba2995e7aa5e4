package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// UpsertVolume inserts or refreshes a volume record, keyed by fingerprint so
// the same device keeps one row across remounts.
func (s *Store) UpsertVolume(v *volume.Volume) error {
	existing, err := s.GetVolumeByFingerprint(v.Fingerprint)
	if err != nil {
		return err
	}
	if existing != nil {
		// Keep the original id: callers may hold references to it.
		v.ID = existing.ID
		_, err = s.db.Exec(`UPDATE volumes SET name = ?, mount_point = ?, backend = ?,
			total_bytes = ?, online = ?, last_seen_at = ? WHERE fingerprint = ?`,
			v.Name, v.MountPoint, string(v.Backend), int64(v.TotalBytes),
			boolToInt(v.Online), v.LastSeenAt.Unix(), v.Fingerprint)
		if err != nil {
			return fmt.Errorf("failed to update volume %s: %w", v.Fingerprint, err)
		}
		return nil
	}

	_, err = s.db.Exec(`INSERT INTO volumes (id, name, mount_point, fingerprint, backend, total_bytes, online, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.Name, v.MountPoint, v.Fingerprint, string(v.Backend),
		int64(v.TotalBytes), boolToInt(v.Online), v.LastSeenAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert volume %s: %w", v.Fingerprint, err)
	}
	return nil
}

// GetVolumeByFingerprint fetches a volume row, nil when unknown.
func (s *Store) GetVolumeByFingerprint(fingerprint string) (*volume.Volume, error) {
	row := s.db.QueryRow(`SELECT id, name, mount_point, fingerprint, backend, total_bytes, online, last_seen_at
		FROM volumes WHERE fingerprint = ?`, fingerprint)
	return scanVolume(row)
}

// ListVolumes returns all tracked volumes.
func (s *Store) ListVolumes() ([]*volume.Volume, error) {
	rows, err := s.db.Query(`SELECT id, name, mount_point, fingerprint, backend, total_bytes, online, last_seen_at
		FROM volumes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	defer rows.Close()

	var out []*volume.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetVolumeOnline flips a volume's online flag.
func (s *Store) SetVolumeOnline(fingerprint string, online bool) error {
	_, err := s.db.Exec(`UPDATE volumes SET online = ?, last_seen_at = ? WHERE fingerprint = ?`,
		boolToInt(online), time.Now().Unix(), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to set volume %s online=%v: %w", fingerprint, online, err)
	}
	return nil
}

func scanVolume(row interface{ Scan(...any) error }) (*volume.Volume, error) {
	var (
		v        volume.Volume
		idStr    string
		backend  string
		total    int64
		online   int
		lastSeen int64
	)
	err := row.Scan(&idStr, &v.Name, &v.MountPoint, &v.Fingerprint, &backend, &total, &online, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan volume row: %w", err)
	}
	if v.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid volume uuid %q: %w", idStr, err)
	}
	v.Backend = volume.BackendType(backend)
	v.TotalBytes = uint64(total)
	v.Online = online != 0
	v.LastSeenAt = time.Unix(lastSeen, 0)
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
