package ephemeral

import (
	"strings"

	"github.com/RoaringBitmap/roaring"
	radix "github.com/armon/go-radix"
)

// NameRegistry maps filenames to the entries carrying them, with prefix
// search over a radix tree. Lookups are case-insensitive.
type NameRegistry struct {
	tree *radix.Tree
}

func NewNameRegistry() *NameRegistry {
	return &NameRegistry{tree: radix.New()}
}

func (r *NameRegistry) Add(name string, id EntryId) {
	key := strings.ToLower(name)
	var ids []EntryId
	if existing, ok := r.tree.Get(key); ok {
		ids = existing.([]EntryId)
	}
	for _, e := range ids {
		if e == id {
			return
		}
	}
	r.tree.Insert(key, append(ids, id))
}

func (r *NameRegistry) Remove(name string, id EntryId) {
	key := strings.ToLower(name)
	existing, ok := r.tree.Get(key)
	if !ok {
		return
	}
	ids := existing.([]EntryId)
	for i, e := range ids {
		if e == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		r.tree.Delete(key)
		return
	}
	r.tree.Insert(key, ids)
}

// FindExact returns entries whose name equals name.
func (r *NameRegistry) FindExact(name string) []EntryId {
	existing, ok := r.tree.Get(strings.ToLower(name))
	if !ok {
		return nil
	}
	ids := existing.([]EntryId)
	return append([]EntryId(nil), ids...)
}

// FindPrefix returns entries whose name starts with prefix.
func (r *NameRegistry) FindPrefix(prefix string) []EntryId {
	var out []EntryId
	r.tree.WalkPrefix(strings.ToLower(prefix), func(_ string, v interface{}) bool {
		out = append(out, v.([]EntryId)...)
		return false
	})
	return out
}

// Len returns the number of distinct registered names.
func (r *NameRegistry) Len() int { return r.tree.Len() }

// ExtensionIndex tracks which entries carry each file extension using
// roaring bitmaps, so "all PDFs in this session" is one bitmap read.
type ExtensionIndex struct {
	byExt map[string]*roaring.Bitmap
}

func NewExtensionIndex() *ExtensionIndex {
	return &ExtensionIndex{byExt: make(map[string]*roaring.Bitmap)}
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func (x *ExtensionIndex) Add(ext string, id EntryId) {
	ext = normalizeExt(ext)
	if ext == "" {
		return
	}
	bm, ok := x.byExt[ext]
	if !ok {
		bm = roaring.New()
		x.byExt[ext] = bm
	}
	bm.Add(uint32(id))
}

func (x *ExtensionIndex) Remove(ext string, id EntryId) {
	ext = normalizeExt(ext)
	if bm, ok := x.byExt[ext]; ok {
		bm.Remove(uint32(id))
		if bm.IsEmpty() {
			delete(x.byExt, ext)
		}
	}
}

// Find returns the entries with the given extension.
func (x *ExtensionIndex) Find(ext string) []EntryId {
	bm, ok := x.byExt[normalizeExt(ext)]
	if !ok {
		return nil
	}
	out := make([]EntryId, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, EntryId(it.Next()))
	}
	return out
}

// Count returns how many entries carry the extension.
func (x *ExtensionIndex) Count(ext string) uint64 {
	if bm, ok := x.byExt[normalizeExt(ext)]; ok {
		return bm.GetCardinality()
	}
	return 0
}

// Extensions lists all indexed extensions.
func (x *ExtensionIndex) Extensions() []string {
	out := make([]string, 0, len(x.byExt))
	for ext := range x.byExt {
		out = append(out, ext)
	}
	return out
}
