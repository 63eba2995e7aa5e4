package change

import (
	"path/filepath"
	"time"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// mtimeTolerance absorbs filesystems that store modification times at
// second granularity.
const mtimeTolerance = time.Second

// Snapshot is the stored view of a directory's entries, indexed for the
// detector's lookups.
type Snapshot struct {
	byPath  map[string]*EntryRef
	byInode map[uint64]*EntryRef
}

// NewSnapshot indexes stored entries by path and, where available, inode.
// Inode zero means "no inode" and is never indexed.
func NewSnapshot(entries []EntryRef) *Snapshot {
	snap := &Snapshot{
		byPath:  make(map[string]*EntryRef, len(entries)),
		byInode: make(map[uint64]*EntryRef, len(entries)),
	}
	for i := range entries {
		e := &entries[i]
		snap.byPath[filepath.Clean(e.Path)] = e
		if e.Inode != 0 {
			snap.byInode[e.Inode] = e
		}
	}
	return snap
}

// Lookup returns the stored entry at path.
func (s *Snapshot) Lookup(path string) (*EntryRef, bool) {
	e, ok := s.byPath[filepath.Clean(path)]
	return e, ok
}

// LookupInode returns the stored entry with the given inode.
func (s *Snapshot) LookupInode(inode uint64) (*EntryRef, bool) {
	if inode == 0 {
		return nil, false
	}
	e, ok := s.byInode[inode]
	return e, ok
}

// Listed is one fresh filesystem listing entry handed to the detector.
type Listed struct {
	Path string
	Meta volume.RawMetadata
}

// Detect diffs a stored snapshot against a fresh listing and classifies
// every path as Created, Modified, Moved or Deleted. Unchanged paths produce
// no change.
//
// Inode-based move pairing takes priority over a Delete+Create pair: a file
// renamed within its volume keeps its entry (and content identity) instead
// of being destroyed and recreated. Backends without inodes, and moves
// across volumes, degrade to Delete+Create. Filesystems that aggressively
// reuse inode numbers can mispair an unrelated new file with a deleted
// entry's inode; this is a documented limitation, not silently corrected.
func Detect(snap *Snapshot, fresh []Listed) []Change {
	var changes []Change
	seen := make(map[string]bool, len(fresh))
	for _, item := range fresh {
		seen[filepath.Clean(item.Path)] = true
	}
	movedFrom := make(map[string]bool)

	for _, item := range fresh {
		path := filepath.Clean(item.Path)

		stored, ok := snap.Lookup(path)
		if !ok {
			// New path. Check whether it is a known inode that left
			// its old path: that is a move, not a creation.
			if byInode, found := snap.LookupInode(item.Meta.Inode); found {
				oldGone := !seen[filepath.Clean(byInode.Path)]
				if oldGone && !movedFrom[filepath.Clean(byInode.Path)] {
					movedFrom[filepath.Clean(byInode.Path)] = true
					changes = append(changes, Change{
						Type:    Moved,
						Path:    path,
						OldPath: byInode.Path,
						Meta:    item.Meta,
						Entry:   byInode,
					})
					continue
				}
			}
			changes = append(changes, Change{Type: Created, Path: path, Meta: item.Meta})
			continue
		}

		if metadataDiffers(stored, item.Meta) {
			changes = append(changes, Change{
				Type:  Modified,
				Path:  path,
				Meta:  item.Meta,
				Entry: stored,
			})
		}
	}

	// Any stored path not re-listed and not claimed by a move pairing is
	// gone.
	for path, stored := range snap.byPath {
		if !seen[path] && !movedFrom[path] {
			changes = append(changes, Change{Type: Deleted, Path: path, Entry: stored})
		}
	}
	return changes
}

func metadataDiffers(stored *EntryRef, meta volume.RawMetadata) bool {
	if stored.Kind == volume.KindDirectory {
		// Directory contents are diffed entry-by-entry; size/mtime of
		// the directory node itself is not a content signal.
		return false
	}
	if stored.Size != meta.Size {
		return true
	}
	diff := stored.ModifiedAt.Sub(meta.ModifiedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff > mtimeTolerance
}
