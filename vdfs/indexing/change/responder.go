package change

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/rules"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// FsEventKind is a raw watcher event class.
type FsEventKind int

const (
	FsCreate FsEventKind = iota
	FsWrite
	FsRemove
	FsRename
)

// FsEvent is one raw filesystem notification. Rename events carry both
// paths when the watcher could pair them; unpaired renames arrive as
// Remove+Create and are re-paired by inode in the detector.
type FsEvent struct {
	Kind    FsEventKind
	Path    string
	OldPath string
}

// Responder turns raw watcher event batches into applied changes through a
// Handler. Within a batch events are applied in a fixed class order —
// removes, renames, creates, modifies — so a rapid delete-then-recreate of
// the same path nets out correctly regardless of arrival interleaving.
// Events for a given path keep arrival order within their class.
type Responder struct {
	handler Handler
	backend volume.Backend
	ruler   *rules.Ruler
	logger  *slog.Logger
}

// NewResponder wires a responder. The ruler may be nil when no filtering is
// wanted (ephemeral browsing applies rules at listing time instead).
func NewResponder(handler Handler, backend volume.Backend, ruler *rules.Ruler, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{handler: handler, backend: backend, ruler: ruler, logger: logger}
}

// ApplyBatch applies one debounced batch of events. Per-event failures are
// logged and skipped; one bad path must not stall the watcher stream.
func (r *Responder) ApplyBatch(ctx context.Context, events []FsEvent) {
	for _, kind := range []FsEventKind{FsRemove, FsRename, FsCreate, FsWrite} {
		for _, ev := range dedupe(events, kind) {
			if err := r.apply(ctx, ev); err != nil {
				r.logger.Warn("failed to apply filesystem event",
					"kind", ev.Kind, "path", ev.Path, "error", err)
			}
		}
	}
}

// dedupe keeps the last event per path within one class.
func dedupe(events []FsEvent, kind FsEventKind) []FsEvent {
	lastIdx := make(map[string]int)
	for i, ev := range events {
		if ev.Kind == kind {
			lastIdx[filepath.Clean(ev.Path)] = i
		}
	}
	out := make([]FsEvent, 0, len(lastIdx))
	for i, ev := range events {
		if ev.Kind == kind && lastIdx[filepath.Clean(ev.Path)] == i {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Responder) apply(ctx context.Context, ev FsEvent) error {
	switch ev.Kind {
	case FsRemove:
		return r.applyRemove(ctx, ev.Path)
	case FsRename:
		return r.applyRename(ctx, ev.OldPath, ev.Path)
	case FsCreate:
		return r.applyCreate(ctx, ev.Path)
	case FsWrite:
		return r.applyWrite(ctx, ev.Path)
	}
	return fmt.Errorf("unknown event kind %d", ev.Kind)
}

func (r *Responder) applyRemove(ctx context.Context, path string) error {
	entry, err := r.handler.FindByPath(ctx, path)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	// The path may have been recreated before this batch ran; trust the
	// filesystem over the event.
	if exists, err := r.backend.Exists(ctx, path); err == nil && exists {
		return r.applyWrite(ctx, path)
	}
	if err := r.handler.Delete(ctx, entry); err != nil {
		return err
	}
	r.handler.EmitChangeEvent(entry, Deleted)
	return nil
}

func (r *Responder) applyRename(ctx context.Context, oldPath, newPath string) error {
	entry, err := r.handler.FindByPath(ctx, oldPath)
	if err != nil {
		return err
	}
	if entry == nil {
		// Old path was never indexed; treat the destination as new.
		return r.applyCreate(ctx, newPath)
	}
	if r.excluded(ctx, newPath) {
		// Renamed into an excluded name: drop the entry.
		if err := r.handler.Delete(ctx, entry); err != nil {
			return err
		}
		r.handler.EmitChangeEvent(entry, Deleted)
		return nil
	}
	oldAt := entry.Path
	if err := r.handler.Move(ctx, entry, newPath); err != nil {
		return err
	}
	r.handler.EmitChangeEvent(entry, Moved)
	r.logger.Debug("applied rename", "from", oldAt, "to", newPath)
	return nil
}

func (r *Responder) applyCreate(ctx context.Context, path string) error {
	meta, err := r.backend.Metadata(ctx, path)
	if err != nil {
		// Created then removed before we looked; nothing to index.
		return nil
	}
	if r.excludedMeta(path, meta) {
		return nil
	}

	// Inode pairing: a create whose inode matches an indexed entry whose
	// path is gone is a move, not a new file.
	if meta.Inode != 0 {
		existing, err := r.handler.FindByInode(ctx, meta.Inode)
		if err != nil {
			return err
		}
		if existing != nil && filepath.Clean(existing.Path) != filepath.Clean(path) {
			if stillThere, err := r.backend.Exists(ctx, existing.Path); err == nil && !stillThere {
				if err := r.handler.Move(ctx, existing, path); err != nil {
					return err
				}
				r.handler.EmitChangeEvent(existing, Moved)
				return nil
			}
		}
	}

	entry, err := r.handler.FindByPath(ctx, path)
	if err != nil {
		return err
	}
	if entry != nil {
		return r.handler.Update(ctx, entry, meta)
	}

	created, err := r.handler.Create(ctx, path, meta)
	if err != nil {
		return err
	}
	r.handler.EmitChangeEvent(created, Created)
	if err := r.handler.RunProcessors(ctx, created, true); err != nil {
		return err
	}
	if meta.Kind == volume.KindDirectory {
		return r.handler.HandleNewDirectory(ctx, path)
	}
	return nil
}

func (r *Responder) applyWrite(ctx context.Context, path string) error {
	meta, err := r.backend.Metadata(ctx, path)
	if err != nil {
		return nil
	}
	if r.excludedMeta(path, meta) {
		return nil
	}

	entry, err := r.handler.FindByPath(ctx, path)
	if err != nil {
		return err
	}
	if entry == nil {
		// First sighting via a write event.
		return r.applyCreate(ctx, path)
	}
	if err := r.handler.Update(ctx, entry, meta); err != nil {
		return err
	}
	r.handler.EmitChangeEvent(entry, Modified)
	return r.handler.RunProcessors(ctx, entry, false)
}

func (r *Responder) excluded(ctx context.Context, path string) bool {
	if r.ruler == nil {
		return false
	}
	meta, err := r.backend.Metadata(ctx, path)
	if err != nil {
		return false
	}
	return r.excludedMeta(path, meta)
}

func (r *Responder) excludedMeta(path string, meta volume.RawMetadata) bool {
	if r.ruler == nil {
		return false
	}
	return r.ruler.Decide(path, meta) != rules.Include
}
