// Package ephemeral provides the in-memory index used when browsing paths
// that are not managed locations (removable drives, network shares). Entries
// live in an append-only node arena with compact ids and bit-packed metadata
// so large directory trees stay cheap to hold for the lifetime of a browse
// session.
package ephemeral

import (
	"math"
	"time"
)

// EntryId identifies a node in the arena. 32 bits halves per-reference
// memory versus 64-bit ids while still addressing 4 billion nodes.
type EntryId uint32

// NoneEntryId is the sentinel for "no entry". Using a sentinel instead of a
// pointer or separate boolean keeps optional references at 4 bytes.
const NoneEntryId EntryId = math.MaxUint32

// IsNone reports whether the id is the sentinel.
func (id EntryId) IsNone() bool { return id == NoneEntryId }

// NodeState records whether a node was reachable the last time it was
// visited.
type NodeState uint8

const (
	StateUnknown NodeState = iota
	StateAccessible
	StateInaccessible
	// StateDeleted marks a node removed from its parent. Arena slots are
	// never reclaimed mid-session, so deletion is a state change.
	StateDeleted
)

// FileKind classifies a node.
type FileKind uint8

const (
	KindUnknown FileKind = iota
	KindFile
	KindDirectory
	KindSymlink
)

// PackedMeta packs state, kind and size into one 64-bit word plus two
// 32-bit second-resolution timestamps: 16 bytes per node.
//
// Word layout: bits 62-63 state, bits 60-61 kind, bits 0-59 size
// (caps at ~1 exabyte).
type PackedMeta struct {
	stateKindSize uint64
	mtime         uint32
	ctime         uint32
}

const (
	sizeMask   = uint64(1)<<60 - 1
	kindShift  = 60
	stateShift = 62
)

// NewPackedMeta packs state, kind and size. Oversized values clamp to the
// 60-bit maximum.
func NewPackedMeta(state NodeState, kind FileKind, size uint64) PackedMeta {
	if size > sizeMask {
		size = sizeMask
	}
	return PackedMeta{
		stateKindSize: size | uint64(kind)<<kindShift | uint64(state)<<stateShift,
	}
}

// WithTimes sets the modified/created timestamps, truncated to seconds.
// Zero times encode as absent.
func (m PackedMeta) WithTimes(mtime, ctime time.Time) PackedMeta {
	if !mtime.IsZero() {
		m.mtime = clampSecs(mtime)
	}
	if !ctime.IsZero() {
		m.ctime = clampSecs(ctime)
	}
	return m
}

func clampSecs(t time.Time) uint32 {
	secs := t.Unix()
	if secs < 0 {
		return 0
	}
	if secs > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(secs)
}

func (m PackedMeta) Size() uint64 { return m.stateKindSize & sizeMask }

func (m PackedMeta) Kind() FileKind {
	return FileKind(m.stateKindSize >> kindShift & 0b11)
}

func (m PackedMeta) State() NodeState {
	return NodeState(m.stateKindSize >> stateShift & 0b11)
}

// WithState returns a copy with the state bits replaced.
func (m PackedMeta) WithState(state NodeState) PackedMeta {
	m.stateKindSize = m.stateKindSize&^(uint64(0b11)<<stateShift) | uint64(state)<<stateShift
	return m
}

// ModTime returns the modified time, or the zero time when absent.
func (m PackedMeta) ModTime() time.Time {
	if m.mtime == 0 {
		return time.Time{}
	}
	return time.Unix(int64(m.mtime), 0)
}

// CreateTime returns the created time, or the zero time when absent.
func (m PackedMeta) CreateTime() time.Time {
	if m.ctime == 0 {
		return time.Time{}
	}
	return time.Unix(int64(m.ctime), 0)
}

// FileNode is one entry in the arena. Name points into the NameCache's
// interned strings; Parent is NoneEntryId for roots.
type FileNode struct {
	Name     string
	Parent   EntryId
	Children []EntryId
	Meta     PackedMeta
}

// IsDirectory reports whether the node is a directory.
func (n *FileNode) IsDirectory() bool { return n.Meta.Kind() == KindDirectory }

// AddChild appends a child id, ignoring duplicates.
func (n *FileNode) AddChild(child EntryId) {
	for _, existing := range n.Children {
		if existing == child {
			return
		}
	}
	n.Children = append(n.Children, child)
}

// RemoveChild drops a child id if present.
func (n *FileNode) RemoveChild(child EntryId) {
	for i, existing := range n.Children {
		if existing == child {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}
