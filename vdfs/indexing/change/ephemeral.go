package change

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/ephemeral"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// EphemeralHandler applies changes to a browse-session arena index. No job
// system backs ephemeral state, so new directories are indexed inline to a
// bounded depth instead of dispatched.
type EphemeralHandler struct {
	index      *ephemeral.Index
	backend    volume.Backend
	events     EventSink
	depthLimit int
}

// NewEphemeralHandler wires a handler to a session index. depthLimit bounds
// the inline indexing done for newly appeared directories.
func NewEphemeralHandler(index *ephemeral.Index, backend volume.Backend, events EventSink, depthLimit int) *EphemeralHandler {
	if depthLimit <= 0 {
		depthLimit = 2
	}
	return &EphemeralHandler{
		index:      index,
		backend:    backend,
		events:     events,
		depthLimit: depthLimit,
	}
}

func packMeta(meta volume.RawMetadata) ephemeral.PackedMeta {
	kind := ephemeral.KindFile
	switch meta.Kind {
	case volume.KindDirectory:
		kind = ephemeral.KindDirectory
	case volume.KindSymlink:
		kind = ephemeral.KindSymlink
	}
	return ephemeral.NewPackedMeta(ephemeral.StateAccessible, kind, uint64(meta.Size)).
		WithTimes(meta.ModifiedAt, meta.CreatedAt)
}

func (h *EphemeralHandler) refFor(path string, id ephemeral.EntryId) *EntryRef {
	node, ok := h.index.Node(id)
	if !ok {
		return nil
	}
	ref := &EntryRef{
		ID:         int64(id),
		UUID:       h.index.GetOrAssignUUID(path),
		Path:       filepath.Clean(path),
		Name:       node.Name,
		Size:       int64(node.Meta.Size()),
		ModifiedAt: node.Meta.ModTime(),
	}
	switch node.Meta.Kind() {
	case ephemeral.KindDirectory:
		ref.Kind = volume.KindDirectory
	case ephemeral.KindSymlink:
		ref.Kind = volume.KindSymlink
	default:
		ref.Kind = volume.KindFile
	}
	return ref
}

// FindByPath implements Handler.
func (h *EphemeralHandler) FindByPath(_ context.Context, path string) (*EntryRef, error) {
	id, ok := h.index.Lookup(path)
	if !ok {
		return nil, nil
	}
	return h.refFor(path, id), nil
}

// FindByInode implements Handler. The arena stores no inodes; moves over
// ephemeral state degrade to delete+create, which is acceptable because no
// durable identity or sidecars hang off arena entries.
func (h *EphemeralHandler) FindByInode(_ context.Context, _ uint64) (*EntryRef, error) {
	return nil, nil
}

// Create implements Handler. Unlike the persistent handler the arena can
// materialize missing parent directories cheaply, so it does.
func (h *EphemeralHandler) Create(_ context.Context, path string, meta volume.RawMetadata) (*EntryRef, error) {
	id, err := h.index.AddEntry(path, packMeta(meta))
	if err != nil {
		return nil, fmt.Errorf("failed to add ephemeral entry %s: %w", path, err)
	}
	return h.refFor(path, id), nil
}

// Update implements Handler.
func (h *EphemeralHandler) Update(_ context.Context, ref *EntryRef, meta volume.RawMetadata) error {
	id, ok := h.index.Lookup(ref.Path)
	if !ok {
		return fmt.Errorf("ephemeral entry %s not found", ref.Path)
	}
	if _, err := h.index.AddEntry(ref.Path, packMeta(meta)); err != nil {
		return err
	}
	ref.ID = int64(id)
	ref.Size = meta.Size
	ref.ModifiedAt = meta.ModifiedAt
	return nil
}

// Move implements Handler: remove old path, re-add at the new one, carrying
// the UUID across so identity follows the entry.
func (h *EphemeralHandler) Move(_ context.Context, ref *EntryRef, newPath string) error {
	meta, ok := h.index.Meta(ref.Path)
	if !ok {
		return fmt.Errorf("ephemeral entry %s not found", ref.Path)
	}
	h.index.MoveUUID(ref.Path, newPath)
	h.index.RemoveEntry(ref.Path)
	id, err := h.index.AddEntry(newPath, meta)
	if err != nil {
		return err
	}
	ref.ID = int64(id)
	ref.Path = filepath.Clean(newPath)
	ref.Name = filepath.Base(newPath)
	return nil
}

// Delete implements Handler.
func (h *EphemeralHandler) Delete(_ context.Context, ref *EntryRef) error {
	h.index.RemoveEntry(ref.Path)
	return nil
}

// RunProcessors implements Handler; ephemeral entries have no derived work.
func (h *EphemeralHandler) RunProcessors(_ context.Context, _ *EntryRef, _ bool) error {
	return nil
}

// EmitChangeEvent implements Handler.
func (h *EphemeralHandler) EmitChangeEvent(ref *EntryRef, changeType ChangeType) {
	if h.events == nil {
		return
	}
	h.events.Publish(Event{Type: changeType, Entry: *ref})
}

// HandleNewDirectory implements Handler with a synchronous bounded-depth
// index of the new subtree.
func (h *EphemeralHandler) HandleNewDirectory(ctx context.Context, path string) error {
	return h.indexShallow(ctx, path, 0)
}

func (h *EphemeralHandler) indexShallow(ctx context.Context, dir string, depth int) error {
	if depth >= h.depthLimit {
		return nil
	}
	if _, err := h.index.EnsureDirectory(dir); err != nil {
		return err
	}
	entries, err := h.backend.ReadDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, meta := range entries {
		childPath := filepath.Join(dir, meta.Name)
		if _, err := h.index.AddEntry(childPath, packMeta(meta)); err != nil {
			return err
		}
		if meta.Kind == volume.KindDirectory {
			if err := h.indexShallow(ctx, childPath, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
