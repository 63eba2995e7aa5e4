package indexing

import (
	"context"
	"fmt"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/jobs"
)

// runAggregation rolls file sizes and counts up into directory entries with
// a single statement over the closure table. Cheap enough to re-run whole on
// resume, so it carries no intra-phase checkpoint state.
func (j *IndexerJob) runAggregation(_ context.Context, job jobs.Context) error {
	if j.store != nil {
		if err := j.store.AggregateDirectorySizes(j.input.LibraryID); err != nil {
			return fmt.Errorf("failed to aggregate directory sizes: %w", err)
		}
	}
	j.state.Phase = PhaseContent
	return j.checkpoint(job)
}
