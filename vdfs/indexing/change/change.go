// Package change classifies filesystem differences (new, modified, moved,
// deleted) and applies them through a storage-agnostic handler, so the same
// detection logic drives both the persistent library database and the
// ephemeral browse-session arena.
package change

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// ChangeType classifies one detected difference.
type ChangeType int

const (
	Created ChangeType = iota
	Modified
	Moved
	Deleted
)

func (t ChangeType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Moved:
		return "moved"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// EntryRef is a storage-agnostic reference to an indexed entry. ID is the
// storage-local identifier (database rowid or arena index); UUID is the
// stable identity that survives moves and renames.
type EntryRef struct {
	ID         int64
	UUID       uuid.UUID
	Path       string
	Name       string
	Kind       volume.EntryKind
	Size       int64
	ModifiedAt time.Time
	Inode      uint64
}

// Change is one detected difference between stored state and the live
// filesystem.
type Change struct {
	Type ChangeType
	// Path is the current path (for Deleted, the stored path).
	Path string
	// OldPath is set for Moved changes.
	OldPath string
	// Meta carries fresh filesystem metadata for Created/Modified/Moved.
	Meta volume.RawMetadata
	// Entry references the stored entry for Modified/Moved/Deleted.
	Entry *EntryRef
}

// Event is published to subscribers (UI invalidation, cache layers) after a
// change is applied.
type Event struct {
	Type    ChangeType
	Entry   EntryRef
	OldPath string
}

// EventSink receives applied-change events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Handler applies detected changes to one storage backend. The persistent
// implementation writes the library database; the ephemeral one mutates a
// session arena. Parent entries must exist before Create is called: batch
// ordering is the caller's responsibility, keeping parent-first commits
// explicit instead of hiding recursion inside the handler.
type Handler interface {
	FindByPath(ctx context.Context, path string) (*EntryRef, error)
	// FindByInode returns nil silently when the backend has no inode
	// support.
	FindByInode(ctx context.Context, inode uint64) (*EntryRef, error)
	Create(ctx context.Context, path string, meta volume.RawMetadata) (*EntryRef, error)
	// Update refreshes metadata in place without touching id or UUID.
	Update(ctx context.Context, entry *EntryRef, meta volume.RawMetadata) error
	// Move re-paths an entry, preserving id, UUID and content identity.
	Move(ctx context.Context, entry *EntryRef, newPath string) error
	// Delete removes an entry; directories cascade to all descendants.
	Delete(ctx context.Context, entry *EntryRef) error
	// RunProcessors triggers post-create/modify processors. No-op for
	// ephemeral storage.
	RunProcessors(ctx context.Context, entry *EntryRef, isNew bool) error
	EmitChangeEvent(entry *EntryRef, changeType ChangeType)
	// HandleNewDirectory reacts to a directory appearing: the persistent
	// handler dispatches a nested indexing job, the ephemeral one indexes
	// the subtree inline to a bounded depth.
	HandleNewDirectory(ctx context.Context, path string) error
}
