package indexing

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/rules"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/jobs"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// dirMtimeTolerance mirrors the change detector: directory mtimes within a
// second of the stored value count as unchanged.
const dirMtimeTolerance = time.Second

// listResult is one directory listing produced by a discovery worker.
type listResult struct {
	dir      DirEntry
	children []volume.RawMetadata
	err      error
}

// runDiscovery drains the PendingDirs frontier, applying rules and queueing
// accepted entries for processing. Directory listings within a chunk run in
// parallel; interrupts are honoured between chunks only, so each listing
// completes or is never started.
func (j *IndexerJob) runDiscovery(ctx context.Context, job jobs.Context) error {
	if j.discoveryFresh() {
		meta, err := j.backend.Metadata(ctx, j.rootPath)
		if err != nil {
			return fmt.Errorf("failed to stat location root: %w", err)
		}
		j.state.PendingDirs = append(j.state.PendingDirs, DirEntry{Path: j.rootPath, Depth: 0, Meta: meta})
		j.state.SeenPaths = append(j.state.SeenPaths, j.rootPath)
		if j.rootCreated {
			// The root entry itself counts as one indexed directory, but
			// only on the run that created it; an unchanged rescan
			// reports zero.
			j.state.Stats.DirsIndexed++
		}
	}

	concurrency := j.cfg.DiscoveryConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	for len(j.state.PendingDirs) > 0 {
		if err := job.CheckInterrupt(); err != nil {
			return err
		}

		chunk := j.state.PendingDirs
		if len(chunk) > concurrency*4 {
			chunk = chunk[:concurrency*4]
		}
		j.state.PendingDirs = j.state.PendingDirs[len(chunk):]

		p := pool.NewWithResults[listResult]().WithMaxGoroutines(concurrency)
		for _, dir := range chunk {
			dir := dir
			p.Go(func() listResult {
				children, err := j.backend.ReadDir(ctx, dir.Path)
				return listResult{dir: dir, children: children, err: err}
			})
		}

		discovered := 0
		for _, res := range p.Wait() {
			if res.err != nil {
				job.AddNonCriticalError(fmt.Sprintf("failed to list %s: %v", res.dir.Path, res.err))
				j.state.AddError(res.dir.Path, res.err.Error())
				continue
			}
			discovered += j.admitChildren(res.dir, res.children)
		}

		j.progress(job, int(j.state.Stats.Total()), 0,
			fmt.Sprintf("discovered %d entries", len(j.state.PendingEntries)))
		if err := j.checkpointIfDue(job, discovered); err != nil {
			return err
		}
	}

	// Queue exhausted; checkpoint the phase boundary.
	j.state.Phase = PhaseProcessing
	return j.checkpoint(job)
}

// discoveryFresh reports whether this is the first discovery pass rather
// than a resume with a drained frontier.
func (j *IndexerJob) discoveryFresh() bool {
	return len(j.state.PendingDirs) == 0 &&
		len(j.state.PendingEntries) == 0 &&
		len(j.state.SeenPaths) == 0
}

// admitChildren runs each listed child through the rules and queues the
// survivors. Returns the number of admitted entries.
func (j *IndexerJob) admitChildren(parent DirEntry, children []volume.RawMetadata) int {
	admitted := 0
	for _, child := range children {
		path := filepath.Join(parent.Path, child.Name)
		isDir := child.Kind == volume.KindDirectory

		switch j.ruler.Decide(path, child) {
		case rules.Exclude, rules.ExcludeDescendants:
			// ExcludeDescendants already implies no enqueue: the subtree
			// is never pushed onto the frontier.
			j.state.Stats.Skipped++
			continue
		}

		j.state.SeenPaths = append(j.state.SeenPaths, path)

		if isDir {
			if j.canPruneUnchanged(path, child) {
				j.state.PrunedDirs = append(j.state.PrunedDirs, path)
				continue
			}
			if j.input.Scope == ScopeRecursive {
				j.state.PendingDirs = append(j.state.PendingDirs, DirEntry{
					Path:  path,
					Depth: parent.Depth + 1,
					Meta:  child,
				})
			}
		}

		j.state.PendingEntries = append(j.state.PendingEntries, DirEntry{
			Path:  path,
			Depth: parent.Depth + 1,
			Meta:  child,
		})
		admitted++
	}
	return admitted
}

// canPruneUnchanged reports whether a stored directory's recorded mtime
// matches the filesystem, meaning no direct children were added or removed
// and the whole subtree can be skipped. Only meaningful with a database to
// compare against and a recursive walk to save.
func (j *IndexerJob) canPruneUnchanged(path string, meta volume.RawMetadata) bool {
	if j.store == nil || j.input.Scope != ScopeRecursive {
		return false
	}
	rel := j.relPath(path)
	if rel == "" {
		return false
	}
	stored, err := j.store.FindByRelPath(j.input.LibraryID, rel)
	if err != nil || stored == nil {
		return false
	}
	if stored.ModifiedAt.IsZero() {
		return false
	}
	drift := meta.ModifiedAt.Sub(stored.ModifiedAt)
	if drift < 0 {
		drift = -drift
	}
	return drift <= dirMtimeTolerance
}

// relPath returns path relative to the location root, or "" when outside it.
func (j *IndexerJob) relPath(path string) string {
	rel, err := filepath.Rel(j.rootPath, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return ""
	}
	return rel
}
