package change

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/db"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// Processor runs derived work (thumbnails, content hashing) after an entry
// is created or modified. Failures are non-critical.
type Processor interface {
	Name() string
	Process(ctx context.Context, entry *EntryRef) error
}

// PersistentHandler applies changes to the library database for one managed
// location.
type PersistentHandler struct {
	store      *db.Store
	resolver   *db.PathResolver
	locationID uuid.UUID
	rootPath   string
	events     EventSink
	processors []Processor
	logger     *slog.Logger

	// DispatchIndex, when set, is invoked for newly appeared directories
	// so a nested indexing job picks up the subtree. Kept as a callback:
	// job scheduling lives above this package.
	DispatchIndex func(path string)

	// UUIDHints maps absolute paths to identities captured in an ephemeral
	// browse session. When a hinted path is created its UUID carries over,
	// so promoting a browsed directory to a managed location keeps identity.
	UUIDHints map[string]uuid.UUID
}

// NewPersistentHandler builds a handler scoped to one location root.
func NewPersistentHandler(store *db.Store, locationID uuid.UUID, rootPath string, events EventSink, logger *slog.Logger) *PersistentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentHandler{
		store:      store,
		resolver:   db.NewPathResolver(store),
		locationID: locationID,
		rootPath:   filepath.Clean(rootPath),
		events:     events,
		logger:     logger.With("location", locationID.String()),
	}
}

// AddProcessor registers a post-create/modify processor.
func (h *PersistentHandler) AddProcessor(p Processor) {
	h.processors = append(h.processors, p)
}

// relPath converts an absolute path to location-relative form.
func (h *PersistentHandler) relPath(path string) (string, error) {
	rel, err := filepath.Rel(h.rootPath, filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("path %s is outside location root %s: %w", path, h.rootPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes location root %s", path, h.rootPath)
	}
	return rel, nil
}

func (h *PersistentHandler) refFromEntry(e *db.Entry) (*EntryRef, error) {
	rel, err := h.resolver.GetFullPath(e.ID)
	if err != nil {
		return nil, err
	}
	abs := h.rootPath
	if rel != "." {
		abs = filepath.Join(h.rootPath, rel)
	}
	ref := &EntryRef{
		ID:         e.ID,
		UUID:       e.UUID,
		Path:       abs,
		Name:       e.Name,
		Size:       e.Size,
		ModifiedAt: e.ModifiedAt,
	}
	switch e.Kind {
	case db.EntryDirectory:
		ref.Kind = volume.KindDirectory
	case db.EntrySymlink:
		ref.Kind = volume.KindSymlink
	default:
		ref.Kind = volume.KindFile
	}
	if e.Inode != nil {
		ref.Inode = *e.Inode
	}
	return ref, nil
}

// FindByPath implements Handler.
func (h *PersistentHandler) FindByPath(_ context.Context, path string) (*EntryRef, error) {
	rel, err := h.relPath(path)
	if err != nil {
		return nil, err
	}
	entry, err := h.store.FindByRelPath(h.locationID, rel)
	if err != nil || entry == nil {
		return nil, err
	}
	return h.refFromEntry(entry)
}

// FindByInode implements Handler.
func (h *PersistentHandler) FindByInode(_ context.Context, inode uint64) (*EntryRef, error) {
	if inode == 0 {
		return nil, nil
	}
	entry, err := h.store.FindByInode(h.locationID, inode)
	if err != nil || entry == nil {
		return nil, err
	}
	return h.refFromEntry(entry)
}

// Create implements Handler. The parent entry must already exist.
func (h *PersistentHandler) Create(_ context.Context, path string, meta volume.RawMetadata) (*EntryRef, error) {
	rel, err := h.relPath(path)
	if err != nil {
		return nil, err
	}

	parent, err := h.store.FindByRelPath(h.locationID, filepath.Dir(rel))
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent of %s does not exist", path)
	}

	entry := &db.Entry{
		LocationID: h.locationID,
		ParentID:   &parent.ID,
		Name:       meta.Name,
		Extension:  extensionOf(meta),
		Kind:       dbKind(meta.Kind),
		Size:       meta.Size,
		ModifiedAt: meta.ModifiedAt,
		CreatedAt:  meta.CreatedAt,
	}
	if meta.Inode != 0 {
		inode := meta.Inode
		entry.Inode = &inode
	}
	if hint, ok := h.UUIDHints[filepath.Clean(path)]; ok {
		entry.UUID = hint
	}

	if err := h.store.CreateEntry(entry); err != nil {
		if db.IsUniqueViolation(err) {
			// Indexer and watcher raced on the same path; the row that
			// won is the one we wanted.
			existing, findErr := h.store.FindByRelPath(h.locationID, rel)
			if findErr == nil && existing != nil {
				return h.refFromEntry(existing)
			}
		}
		return nil, err
	}
	return h.refFromEntry(entry)
}

// Update implements Handler.
func (h *PersistentHandler) Update(_ context.Context, ref *EntryRef, meta volume.RawMetadata) error {
	entry, err := h.store.GetEntry(ref.ID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("entry %d not found", ref.ID)
	}
	entry.Size = meta.Size
	entry.ModifiedAt = meta.ModifiedAt
	entry.CreatedAt = meta.CreatedAt
	entry.Extension = extensionOf(meta)
	if meta.Inode != 0 {
		inode := meta.Inode
		entry.Inode = &inode
	}
	if err := h.store.UpdateEntry(entry); err != nil {
		return err
	}
	ref.Size = meta.Size
	ref.ModifiedAt = meta.ModifiedAt
	return nil
}

// Move implements Handler. Identity (id, uuid, content identity) is
// preserved; only parent and name change.
func (h *PersistentHandler) Move(_ context.Context, ref *EntryRef, newPath string) error {
	newRel, err := h.relPath(newPath)
	if err != nil {
		return err
	}
	newParent, err := h.store.FindByRelPath(h.locationID, filepath.Dir(newRel))
	if err != nil {
		return err
	}
	if newParent == nil {
		return fmt.Errorf("destination parent of %s does not exist", newPath)
	}
	if err := h.store.MoveEntry(ref.ID, newParent.ID, filepath.Base(newRel)); err != nil {
		return err
	}
	ref.Path = filepath.Clean(newPath)
	ref.Name = filepath.Base(newRel)
	return nil
}

// Delete implements Handler; directories cascade through the closure table.
func (h *PersistentHandler) Delete(_ context.Context, ref *EntryRef) error {
	deleted, err := h.store.DeleteEntry(ref.ID)
	if err != nil {
		return err
	}
	h.logger.Debug("deleted entry", "path", ref.Path, "cascaded", deleted)
	return nil
}

// RunProcessors implements Handler. Processor failures are logged, never
// propagated: a missing thumbnail must not fail indexing.
func (h *PersistentHandler) RunProcessors(ctx context.Context, ref *EntryRef, isNew bool) error {
	for _, p := range h.processors {
		if err := p.Process(ctx, ref); err != nil {
			h.logger.Warn("processor failed",
				"processor", p.Name(), "path", ref.Path, "new", isNew, "error", err)
		}
	}
	return nil
}

// EmitChangeEvent implements Handler.
func (h *PersistentHandler) EmitChangeEvent(ref *EntryRef, changeType ChangeType) {
	if h.events == nil {
		return
	}
	h.events.Publish(Event{Type: changeType, Entry: *ref})
}

// HandleNewDirectory implements Handler by dispatching a nested indexing
// job for the subtree.
func (h *PersistentHandler) HandleNewDirectory(_ context.Context, path string) error {
	if h.DispatchIndex != nil {
		h.DispatchIndex(path)
	}
	return nil
}

func dbKind(kind volume.EntryKind) db.EntryKind {
	switch kind {
	case volume.KindDirectory:
		return db.EntryDirectory
	case volume.KindSymlink:
		return db.EntrySymlink
	default:
		return db.EntryFile
	}
}

func extensionOf(meta volume.RawMetadata) string {
	if meta.Kind == volume.KindDirectory {
		return ""
	}
	ext := filepath.Ext(meta.Name)
	if ext == "" {
		return ""
	}
	return ext[1:]
}
