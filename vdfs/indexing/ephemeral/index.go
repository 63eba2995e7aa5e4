package ephemeral

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Index is the per-session ephemeral index facade: an arena of nodes plus
// the lookup structures (path map, name registry, extension bitmaps) and the
// UUID assignments that survive re-listings. Safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	arena      *NodeArena
	names      *NameCache
	registry   *NameRegistry
	extensions *ExtensionIndex

	pathIndex map[string]EntryId

	// UUIDs are keyed by path, not arena id, so clearing and re-listing a
	// directory hands the same identity back to unchanged paths. When a
	// browsed path is promoted to a managed location these UUIDs carry
	// over into the database.
	uuids      map[string]uuid.UUID
	pathByUUID map[uuid.UUID]string

	createdAt  time.Time
	lastAccess time.Time
}

// NewIndex creates an empty session index.
func NewIndex() *Index {
	now := time.Now()
	return &Index{
		arena:      NewNodeArena(),
		names:      NewNameCache(),
		registry:   NewNameRegistry(),
		extensions: NewExtensionIndex(),
		pathIndex:  make(map[string]EntryId),
		uuids:      make(map[string]uuid.UUID),
		pathByUUID: make(map[uuid.UUID]string),
		createdAt:  now,
		lastAccess: now,
	}
}

// splitPath breaks a cleaned path into its root component and segments.
func splitPath(path string) (root string, segments []string) {
	path = filepath.Clean(path)
	vol := filepath.VolumeName(path)
	rest := path[len(vol):]
	if strings.HasPrefix(rest, string(filepath.Separator)) {
		root = vol + string(filepath.Separator)
		rest = rest[1:]
	} else {
		root = vol
	}
	if rest == "" || rest == "." {
		return root, nil
	}
	return root, strings.Split(rest, string(filepath.Separator))
}

// EnsureDirectory creates (or finds) the directory node for path, creating
// every missing ancestor along the way, and returns its id.
func (ix *Index) EnsureDirectory(path string) (EntryId, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.lastAccess = time.Now()
	return ix.ensureDirectoryLocked(path)
}

func (ix *Index) ensureDirectoryLocked(path string) (EntryId, error) {
	clean := filepath.Clean(path)
	if id, ok := ix.pathIndex[clean]; ok {
		node := ix.arena.Get(id)
		if node == nil || !node.IsDirectory() {
			return NoneEntryId, fmt.Errorf("path %s exists but is not a directory", clean)
		}
		return id, nil
	}

	root, segments := splitPath(clean)
	current, ok := ix.pathIndex[root]
	if !ok {
		current = ix.insertNodeLocked(root, NoneEntryId,
			NewPackedMeta(StateAccessible, KindDirectory, 0))
		ix.pathIndex[root] = current
	}

	prefix := root
	for _, seg := range segments {
		prefix = filepath.Join(prefix, seg)
		if id, found := ix.pathIndex[prefix]; found {
			current = id
			continue
		}
		child := ix.insertNodeLocked(seg, current,
			NewPackedMeta(StateAccessible, KindDirectory, 0))
		ix.pathIndex[prefix] = child
		ix.arena.Get(current).AddChild(child)
		current = child
	}
	return current, nil
}

func (ix *Index) insertNodeLocked(name string, parent EntryId, meta PackedMeta) EntryId {
	interned := ix.names.Intern(name)
	id := ix.arena.Insert(FileNode{Name: interned, Parent: parent, Meta: meta})
	ix.registry.Add(interned, id)
	if meta.Kind() == KindFile {
		ix.extensions.Add(filepath.Ext(interned), id)
	}
	return id
}

// AddEntry inserts or updates the entry at path. Existing entries keep their
// arena id and UUID; only metadata is refreshed.
func (ix *Index) AddEntry(path string, meta PackedMeta) (EntryId, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.lastAccess = time.Now()

	clean := filepath.Clean(path)
	if id, ok := ix.pathIndex[clean]; ok {
		node := ix.arena.Get(id)
		node.Meta = meta
		return id, nil
	}

	parentID, err := ix.ensureDirectoryLocked(filepath.Dir(clean))
	if err != nil {
		return NoneEntryId, err
	}

	id := ix.insertNodeLocked(filepath.Base(clean), parentID, meta)
	ix.pathIndex[clean] = id
	ix.arena.Get(parentID).AddChild(id)
	return id, nil
}

// Lookup returns the arena id for path.
func (ix *Index) Lookup(path string) (EntryId, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.pathIndex[filepath.Clean(path)]
	return id, ok
}

// Node returns a copy of the node at id.
func (ix *Index) Node(id EntryId) (FileNode, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	node := ix.arena.Get(id)
	if node == nil {
		return FileNode{}, false
	}
	return *node, true
}

// Meta returns the packed metadata for path.
func (ix *Index) Meta(path string) (PackedMeta, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.pathIndex[filepath.Clean(path)]
	if !ok {
		return PackedMeta{}, false
	}
	return ix.arena.Get(id).Meta, true
}

// HasEntry reports whether path is indexed.
func (ix *Index) HasEntry(path string) bool {
	_, ok := ix.Lookup(path)
	return ok
}

// ListDirectory returns the full paths of a directory's children, or false
// when the directory is not indexed.
func (ix *Index) ListDirectory(path string) ([]string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	clean := filepath.Clean(path)
	id, ok := ix.pathIndex[clean]
	if !ok {
		return nil, false
	}
	node := ix.arena.Get(id)
	if node == nil || !node.IsDirectory() {
		return nil, false
	}

	children := make([]string, 0, len(node.Children))
	for _, childID := range node.Children {
		child := ix.arena.Get(childID)
		if child == nil || child.Meta.State() == StateDeleted {
			continue
		}
		children = append(children, filepath.Join(clean, child.Name))
	}
	return children, true
}

// ReconstructPath rebuilds the full path of an arena node by walking parent
// links to the root.
func (ix *Index) ReconstructPath(id EntryId) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	node := ix.arena.Get(id)
	if node == nil {
		return "", false
	}
	segments := []string{node.Name}
	for !node.Parent.IsNone() {
		node = ix.arena.Get(node.Parent)
		if node == nil {
			return "", false
		}
		segments = append(segments, node.Name)
	}
	path := segments[len(segments)-1]
	for i := len(segments) - 2; i >= 0; i-- {
		path = filepath.Join(path, segments[i])
	}
	return path, true
}

// GetOrAssignUUID returns the stable UUID for path, minting one on first
// request.
func (ix *Index) GetOrAssignUUID(path string) uuid.UUID {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	clean := filepath.Clean(path)
	if existing, ok := ix.uuids[clean]; ok {
		return existing
	}
	id := uuid.New()
	ix.uuids[clean] = id
	ix.pathByUUID[id] = clean
	return id
}

// UUIDFor returns the UUID previously assigned to path, if any.
func (ix *Index) UUIDFor(path string) (uuid.UUID, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.uuids[filepath.Clean(path)]
	return id, ok
}

// PathByUUID resolves a UUID back to its path.
func (ix *Index) PathByUUID(id uuid.UUID) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	path, ok := ix.pathByUUID[id]
	return path, ok
}

// ExportUUIDs snapshots every path-to-UUID assignment. Used when a browsed
// directory is promoted to a managed location, so persisted entries keep the
// identities handed out during the session.
func (ix *Index) ExportUUIDs() map[string]uuid.UUID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]uuid.UUID, len(ix.uuids))
	for path, id := range ix.uuids {
		out[path] = id
	}
	return out
}

// MoveUUID re-keys a path's UUID after a rename so identity follows the
// entry, not the old path string.
func (ix *Index) MoveUUID(oldPath, newPath string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	oldClean, newClean := filepath.Clean(oldPath), filepath.Clean(newPath)
	id, ok := ix.uuids[oldClean]
	if !ok {
		return
	}
	delete(ix.uuids, oldClean)
	ix.uuids[newClean] = id
	ix.pathByUUID[id] = newClean
}

// RemoveEntry unlinks the entry at path. Directory subtrees are removed
// recursively. Returns the number of entries removed.
func (ix *Index) RemoveEntry(path string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.lastAccess = time.Now()

	clean := filepath.Clean(path)
	id, ok := ix.pathIndex[clean]
	if !ok {
		return 0
	}
	node := ix.arena.Get(id)
	if parent := ix.arena.Get(node.Parent); parent != nil {
		parent.RemoveChild(id)
	}
	return ix.removeSubtreeLocked(clean, id, true)
}

func (ix *Index) removeSubtreeLocked(path string, id EntryId, dropUUIDs bool) int {
	node := ix.arena.Get(id)
	removed := 1

	for _, childID := range node.Children {
		child := ix.arena.Get(childID)
		if child == nil || child.Meta.State() == StateDeleted {
			continue
		}
		removed += ix.removeSubtreeLocked(filepath.Join(path, child.Name), childID, dropUUIDs)
	}
	node.Children = nil

	node.Meta = node.Meta.WithState(StateDeleted)
	ix.registry.Remove(node.Name, id)
	if node.Meta.Kind() == KindFile {
		ix.extensions.Remove(filepath.Ext(node.Name), id)
	}
	delete(ix.pathIndex, path)

	if dropUUIDs {
		if u, ok := ix.uuids[path]; ok {
			delete(ix.uuids, path)
			delete(ix.pathByUUID, u)
		}
	}
	return removed
}

// ClearDirectoryChildren removes a directory's children ahead of a fresh
// listing. Subdirectories that have children of their own were browsed this
// session and are kept, so re-listing a parent does not wipe deeper state.
// Returns the number of entries removed.
func (ix *Index) ClearDirectoryChildren(path string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.lastAccess = time.Now()

	clean := filepath.Clean(path)
	id, ok := ix.pathIndex[clean]
	if !ok {
		return 0
	}
	node := ix.arena.Get(id)
	if node == nil || !node.IsDirectory() {
		return 0
	}

	removed := 0
	kept := node.Children[:0]
	for _, childID := range node.Children {
		child := ix.arena.Get(childID)
		if child == nil || child.Meta.State() == StateDeleted {
			continue
		}
		if child.IsDirectory() && len(child.Children) > 0 {
			kept = append(kept, childID)
			continue
		}
		// UUIDs are path-keyed and kept: re-listing hands unchanged
		// paths the same identity back.
		removed += ix.removeSubtreeLocked(filepath.Join(clean, child.Name), childID, false)
	}
	node.Children = kept
	return removed
}

// FindByName returns the paths of entries with the exact name.
func (ix *Index) FindByName(name string) []string {
	ix.mu.RLock()
	ids := ix.registry.FindExact(name)
	ix.mu.RUnlock()
	return ix.pathsFor(ids)
}

// FindByPrefix returns the paths of entries whose name starts with prefix.
func (ix *Index) FindByPrefix(prefix string) []string {
	ix.mu.RLock()
	ids := ix.registry.FindPrefix(prefix)
	ix.mu.RUnlock()
	return ix.pathsFor(ids)
}

// FindByExtension returns the paths of files with the given extension.
func (ix *Index) FindByExtension(ext string) []string {
	ix.mu.RLock()
	ids := ix.extensions.Find(ext)
	ix.mu.RUnlock()
	return ix.pathsFor(ids)
}

func (ix *Index) pathsFor(ids []EntryId) []string {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		if path, ok := ix.ReconstructPath(id); ok {
			paths = append(paths, path)
		}
	}
	return paths
}

// Stats summarizes the session index.
type Stats struct {
	Entries       int
	Directories   int
	Files         int
	DistinctNames int
	Extensions    int
	MemoryBytes   int
	Age           time.Duration
	IdleTime      time.Duration
}

// GetStats returns current counters.
func (ix *Index) GetStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	stats := Stats{
		Entries:       len(ix.pathIndex),
		DistinctNames: ix.names.Len(),
		Extensions:    len(ix.extensions.byExt),
		MemoryBytes:   ix.arena.MemoryUsage() + ix.names.MemoryUsage(),
		Age:           time.Since(ix.createdAt),
		IdleTime:      time.Since(ix.lastAccess),
	}
	ix.arena.Walk(func(_ EntryId, node *FileNode) bool {
		if node.IsDirectory() {
			stats.Directories++
		} else {
			stats.Files++
		}
		return true
	})
	return stats
}

// Len returns the number of indexed paths.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.pathIndex)
}
