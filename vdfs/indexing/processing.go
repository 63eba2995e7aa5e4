package indexing

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/change"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/jobs"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// runProcessing commits pending entries through the change handler in
// parent-first order, then sweeps stored entries that no longer exist on
// disk. Batches respect cfg.BatchSize; interrupts are honoured between
// batches.
func (j *IndexerJob) runProcessing(ctx context.Context, job jobs.Context) error {
	sortPending(j.state.PendingEntries)

	// Discovery is complete by now, so SeenPaths is the full live listing;
	// move pairing checks it to tell a rename from a hardlink.
	seen := make(map[string]struct{}, len(j.state.SeenPaths))
	for _, p := range j.state.SeenPaths {
		seen[p] = struct{}{}
	}

	batchSize := j.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	total := len(j.state.PendingEntries)

	for len(j.state.PendingEntries) > 0 {
		if err := job.CheckInterrupt(); err != nil {
			return err
		}

		batch := j.state.PendingEntries
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}

		for _, item := range batch {
			if err := j.commitEntry(ctx, item, seen); err != nil {
				job.AddNonCriticalError(fmt.Sprintf("failed to index %s: %v", item.Path, err))
				j.state.AddError(item.Path, err.Error())
			}
		}
		j.state.PendingEntries = j.state.PendingEntries[len(batch):]

		j.progress(job, total-len(j.state.PendingEntries), total, "committing entries")
		if err := j.checkpointIfDue(job, len(batch)); err != nil {
			return err
		}
	}

	if j.store != nil {
		if err := j.sweepDeleted(ctx, job); err != nil {
			return err
		}
		j.state.Phase = PhaseAggregate
	} else {
		// Ephemeral sessions have no stored history to reconcile.
		j.state.Phase = PhaseFinalize
	}
	return j.checkpoint(job)
}

// sortPending orders entries shallowest-first with directories before files
// at the same depth, so a parent always commits before its children.
func sortPending(entries []DirEntry) {
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].Depth != entries[b].Depth {
			return entries[a].Depth < entries[b].Depth
		}
		aDir := entries[a].Meta.Kind == volume.KindDirectory
		bDir := entries[b].Meta.Kind == volume.KindDirectory
		if aDir != bDir {
			return aDir
		}
		return entries[a].Path < entries[b].Path
	})
}

// commitEntry creates, moves or updates one entry via the change handler.
func (j *IndexerJob) commitEntry(ctx context.Context, item DirEntry, seen map[string]struct{}) error {
	// Never write outside the location boundary, whatever discovery queued.
	if item.Path != j.rootPath && j.relPath(item.Path) == "" {
		return fmt.Errorf("path %s escapes the location root", item.Path)
	}

	existing, err := j.handler.FindByPath(ctx, item.Path)
	if err != nil {
		return err
	}

	isDir := item.Meta.Kind == volume.KindDirectory
	switch {
	case existing == nil:
		// An inode already stored under a path that vanished from the live
		// listing is a rename, not a new file. Pairing it as a move keeps
		// id, UUID and content identity; it also takes priority over the
		// delete+create reading, so the sweep never sees the old path.
		if moved, err := j.pairMove(ctx, item, seen); err != nil {
			return err
		} else if moved != nil {
			j.state.Stats.Moved++
			j.handler.EmitChangeEvent(moved, change.Moved)
			if needsUpdate(moved, item.Meta) {
				if err := j.handler.Update(ctx, moved, item.Meta); err != nil {
					return err
				}
				j.state.Stats.Updated++
			}
			if !isDir {
				j.enqueueContent(moved, true)
			}
			return nil
		}

		ref, err := j.handler.Create(ctx, item.Path, item.Meta)
		if err != nil {
			return err
		}
		if isDir {
			j.state.Stats.DirsIndexed++
		} else {
			j.state.Stats.FilesIndexed++
			j.state.Stats.BytesIndexed += item.Meta.Size
			j.enqueueContent(ref, false)
		}
		j.handler.EmitChangeEvent(ref, change.Created)

	case needsUpdate(existing, item.Meta):
		if err := j.handler.Update(ctx, existing, item.Meta); err != nil {
			return err
		}
		j.state.Stats.Updated++
		if !isDir {
			j.state.Stats.BytesIndexed += item.Meta.Size
			j.enqueueContent(existing, false)
		}
		j.handler.EmitChangeEvent(existing, change.Modified)

	default:
		if !isDir {
			// Unchanged files may still be missing an identity from an
			// earlier shallow run.
			j.enqueueContent(existing, true)
		}
	}
	return nil
}

// pairMove resolves a path with no stored match against the inode index. A
// stored entry carrying the same inode whose recorded path is gone from the
// live listing was renamed between scans; re-pathing it preserves identity.
// An entry still live at its recorded path is a hardlink, not a move.
func (j *IndexerJob) pairMove(ctx context.Context, item DirEntry, seen map[string]struct{}) (*change.EntryRef, error) {
	if item.Meta.Inode == 0 {
		return nil, nil
	}
	prior, err := j.handler.FindByInode(ctx, item.Meta.Inode)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.Path == item.Path {
		return nil, nil
	}
	if _, live := seen[prior.Path]; live {
		return nil, nil
	}
	if err := j.handler.Move(ctx, prior, item.Path); err != nil {
		return nil, err
	}
	return prior, nil
}

// needsUpdate mirrors the change detector's modification test: size changes
// always count; mtime drift counts beyond a one-second tolerance; directory
// mtime drift alone is not a modification.
func needsUpdate(ref *change.EntryRef, meta volume.RawMetadata) bool {
	if ref.Kind == volume.KindDirectory {
		return false
	}
	if ref.Size != meta.Size {
		return true
	}
	drift := meta.ModifiedAt.Sub(ref.ModifiedAt)
	if drift < 0 {
		drift = -drift
	}
	return drift > time.Second
}

// enqueueContent queues a file for content identification. When checkExisting
// is set the database is consulted first so already-identified files are not
// re-hashed.
func (j *IndexerJob) enqueueContent(ref *change.EntryRef, checkExisting bool) {
	if j.store == nil || (j.input.Mode != ModeContent && j.input.Mode != ModeDeep) {
		return
	}
	if checkExisting {
		entry, err := j.store.GetEntry(ref.ID)
		if err != nil || entry == nil || entry.ContentIdentityID != nil {
			return
		}
	}
	j.state.ContentQueue = append(j.state.ContentQueue, ref.ID)
}

// sweepDeleted removes stored entries whose paths were not seen this run.
// The location root and anything under a pruned (unchanged) subtree are
// exempt. Deleting a directory cascades, so descendants of a removed
// directory resolve to nothing and are skipped naturally.
func (j *IndexerJob) sweepDeleted(ctx context.Context, job jobs.Context) error {
	seen := make(map[string]struct{}, len(j.state.SeenPaths))
	for _, p := range j.state.SeenPaths {
		seen[p] = struct{}{}
	}

	entries, err := j.store.ListLocationEntries(j.input.LibraryID)
	if err != nil {
		return fmt.Errorf("failed to list stored entries for sweep: %w", err)
	}

	for _, entry := range entries {
		if entry.ParentID == nil {
			continue
		}
		rel, err := j.resolver.GetFullPath(entry.ID)
		if err != nil {
			continue
		}
		abs := filepath.Join(j.rootPath, rel)
		if _, ok := seen[abs]; ok {
			continue
		}
		if j.underPrunedDir(abs) {
			continue
		}
		// ScopeCurrent never visits subdirectory contents; only sweep what
		// the walk could actually have seen.
		if j.input.Scope == ScopeCurrent && filepath.Dir(abs) != j.rootPath {
			continue
		}

		ref, err := j.handler.FindByPath(ctx, abs)
		if err != nil || ref == nil {
			// Already cascaded away with an ancestor.
			continue
		}
		if err := j.handler.Delete(ctx, ref); err != nil {
			job.AddNonCriticalError(fmt.Sprintf("failed to delete stale entry %s: %v", abs, err))
			j.state.AddError(abs, err.Error())
			continue
		}
		j.state.Stats.Deleted++
		j.handler.EmitChangeEvent(ref, change.Deleted)
	}
	return nil
}

// underPrunedDir reports whether path lies beneath a subtree skipped as
// unchanged this run.
func (j *IndexerJob) underPrunedDir(path string) bool {
	for _, pruned := range j.state.PrunedDirs {
		if path == pruned || strings.HasPrefix(path, pruned+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
