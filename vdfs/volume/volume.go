package volume

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Volume is a physical or virtual storage device tracked independently of
// any specific indexed location. Entries reference their volume so inode
// comparisons (which are only meaningful within one volume) stay scoped.
type Volume struct {
	ID          uuid.UUID
	Name        string
	MountPoint  string
	Fingerprint string
	Backend     BackendType
	TotalBytes  uint64
	Online      bool
	LastSeenAt  time.Time
}

// Fingerprint derives a stable identifier for a mounted volume from its
// immutable attributes, so the same device is recognized across remounts
// and mount-point changes do not spawn duplicate volume rows.
func Fingerprint(name string, backend BackendType, totalBytes uint64) string {
	h := xxhash.New()
	h.WriteString(name)
	h.WriteString("\x00")
	h.WriteString(string(backend))
	h.WriteString("\x00")
	h.WriteString(strconv.FormatUint(totalBytes, 10))
	return fmt.Sprintf("%016x", h.Sum64())
}

// NewVolume constructs a volume record for a freshly detected mount.
func NewVolume(name, mountPoint string, backend BackendType, totalBytes uint64) Volume {
	return Volume{
		ID:          uuid.New(),
		Name:        name,
		MountPoint:  mountPoint,
		Fingerprint: Fingerprint(name, backend, totalBytes),
		Backend:     backend,
		TotalBytes:  totalBytes,
		Online:      true,
		LastSeenAt:  time.Now(),
	}
}

// SameDevice reports whether two volume records refer to the same underlying
// device, regardless of where it is currently mounted.
func (v Volume) SameDevice(other Volume) bool {
	return v.Fingerprint == other.Fingerprint
}

// CheckOnline probes the volume root through its backend and updates the
// online flag. An offline volume makes existence checks fail safe: callers
// must not interpret unreachable paths as deletions.
func (v *Volume) CheckOnline(ctx context.Context, backend Backend) bool {
	ok, err := backend.Exists(ctx, v.MountPoint)
	v.Online = err == nil && ok
	if v.Online {
		v.LastSeenAt = time.Now()
	}
	return v.Online
}

// SafeExists checks path existence only when the volume is online. The
// second return reports whether the answer is trustworthy; false means the
// caller must skip deletion decisions for this path.
func (v *Volume) SafeExists(ctx context.Context, backend Backend, path string) (exists, conclusive bool) {
	if !v.Online {
		return false, false
	}
	ok, err := backend.Exists(ctx, path)
	if err != nil {
		return false, false
	}
	return ok, true
}
