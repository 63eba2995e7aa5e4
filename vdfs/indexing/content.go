package indexing

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/contentid"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/jobs"
)

// casResult is one file's content-identification outcome.
type casResult struct {
	entryID int64
	casID   string
	size    int64
	err     error
}

// runContentIdentification drains the ContentQueue in chunks, hashing files
// in parallel and linking the resulting content identities. Hash failures
// are per-item: logged, counted, and skipped. Interrupts and checkpoints
// land between chunks only.
func (j *IndexerJob) runContentIdentification(_ context.Context, job jobs.Context) error {
	if j.store == nil {
		j.state.Phase = PhaseFinalize
		return j.checkpoint(job)
	}

	chunkSize := j.cfg.ContentChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	concurrency := j.cfg.DiscoveryConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	total := len(j.state.ContentQueue)

	for len(j.state.ContentQueue) > 0 {
		if err := job.CheckInterrupt(); err != nil {
			return err
		}

		chunk := j.state.ContentQueue
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}

		p := pool.NewWithResults[casResult]().WithMaxGoroutines(concurrency)
		for _, entryID := range chunk {
			entryID := entryID
			p.Go(func() casResult { return j.hashEntry(entryID) })
		}

		for _, res := range p.Wait() {
			if res.err != nil {
				path, _ := j.resolver.GetAbsolutePath(j.rootPath, res.entryID)
				job.AddNonCriticalError(fmt.Sprintf("content identification failed for %s: %v", path, res.err))
				j.state.AddError(path, res.err.Error())
				continue
			}
			if err := j.linkIdentity(res); err != nil {
				job.AddNonCriticalError(fmt.Sprintf("failed to link content identity for entry %d: %v", res.entryID, err))
				continue
			}
			j.state.Stats.ContentIDsMade++
			j.contentIdentified = append(j.contentIdentified, res.entryID)
		}
		j.state.ContentQueue = j.state.ContentQueue[len(chunk):]

		j.progress(job, total-len(j.state.ContentQueue), total, "identifying content")
		if err := j.checkpointIfDue(job, len(chunk)); err != nil {
			return err
		}
	}

	// Queue exhausted; checkpoint the phase boundary.
	j.state.Phase = PhaseFinalize
	return j.checkpoint(job)
}

// hashEntry resolves an entry's absolute path and computes its CAS id.
func (j *IndexerJob) hashEntry(entryID int64) casResult {
	path, err := j.resolver.GetAbsolutePath(j.rootPath, entryID)
	if err != nil {
		return casResult{entryID: entryID, err: fmt.Errorf("failed to resolve path: %w", err)}
	}
	casID, err := contentid.GenerateCasID(path)
	if err != nil {
		return casResult{entryID: entryID, err: err}
	}
	entry, err := j.store.GetEntry(entryID)
	if err != nil || entry == nil {
		return casResult{entryID: entryID, err: fmt.Errorf("entry vanished during hashing")}
	}
	return casResult{entryID: entryID, casID: casID, size: entry.Size}
}

// linkIdentity attaches the (deduplicated) content identity to the entry.
func (j *IndexerJob) linkIdentity(res casResult) error {
	identity, err := j.store.GetOrCreateContentIdentity(res.casID, res.size)
	if err != nil {
		return err
	}
	entry, err := j.store.GetEntry(res.entryID)
	if err != nil || entry == nil {
		return fmt.Errorf("entry %d vanished before linking", res.entryID)
	}
	entry.ContentIdentityID = &identity.ID
	return j.store.UpdateEntry(entry)
}
