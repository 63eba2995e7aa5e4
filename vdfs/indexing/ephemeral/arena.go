package ephemeral

// NameCache interns filenames so repeated names ("index.js", ".gitignore")
// are stored once per session regardless of how many nodes carry them.
type NameCache struct {
	interned map[string]string
	bytes    int
}

func NewNameCache() *NameCache {
	return &NameCache{interned: make(map[string]string)}
}

// Intern returns the canonical copy of name, storing it on first sight.
func (c *NameCache) Intern(name string) string {
	if canonical, ok := c.interned[name]; ok {
		return canonical
	}
	c.interned[name] = name
	c.bytes += len(name)
	return name
}

// Len returns the number of distinct interned names.
func (c *NameCache) Len() int { return len(c.interned) }

// MemoryUsage approximates interned string bytes.
func (c *NameCache) MemoryUsage() int { return c.bytes }

// NodeArena is append-only storage for FileNodes. Ids are indices into the
// backing slice, so they stay stable for the whole session; nodes are never
// reclaimed, deletion is a state mark plus unlinking from the parent.
type NodeArena struct {
	nodes []FileNode
}

func NewNodeArena() *NodeArena {
	return &NodeArena{}
}

// Insert appends a node and returns its id.
func (a *NodeArena) Insert(node FileNode) EntryId {
	id := EntryId(len(a.nodes))
	if id == NoneEntryId {
		panic("node arena exhausted")
	}
	a.nodes = append(a.nodes, node)
	return id
}

// Get returns the node for id, or nil for the sentinel or out-of-range ids.
func (a *NodeArena) Get(id EntryId) *FileNode {
	if id.IsNone() || int(id) >= len(a.nodes) {
		return nil
	}
	return &a.nodes[id]
}

// Len returns the number of allocated nodes, including deleted ones.
func (a *NodeArena) Len() int { return len(a.nodes) }

// Walk visits every live node in insertion order.
func (a *NodeArena) Walk(fn func(id EntryId, node *FileNode) bool) {
	for i := range a.nodes {
		if a.nodes[i].Meta.State() == StateDeleted {
			continue
		}
		if !fn(EntryId(i), &a.nodes[i]) {
			return
		}
	}
}

// MemoryUsage approximates arena bytes: node headers plus child slices.
// Interned name bytes are accounted by the NameCache.
func (a *NodeArena) MemoryUsage() int {
	const nodeHeader = 64
	total := len(a.nodes) * nodeHeader
	for i := range a.nodes {
		total += cap(a.nodes[i].Children) * 4
	}
	return total
}
