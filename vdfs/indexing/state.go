// Package indexing implements the multi-phase indexer job: discovery walks
// the tree applying rules, processing commits entries parent-first with
// change detection, aggregation rolls directory sizes up, and content
// identification assigns CAS identities. Jobs are resumable from serialized
// checkpoints and cooperate with pause/cancel between chunks.
package indexing

import (
	"time"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// Phase is the indexer state machine position.
type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseProcessing Phase = "processing"
	PhaseAggregate  Phase = "aggregation"
	PhaseContent    Phase = "content_identification"
	PhaseFinalize   Phase = "finalizing"
	PhaseComplete   Phase = "complete"
)

// DirEntry is one discovered filesystem entry queued for processing.
type DirEntry struct {
	Path  string             `json:"path"`
	Depth int                `json:"depth"`
	Meta  volume.RawMetadata `json:"meta"`
}

// IndexError is a non-critical per-item failure. These accumulate for final
// reporting and never abort the job.
type IndexError struct {
	Path    string    `json:"path"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// IndexerStats are the running counters surfaced in progress updates and
// the final job output.
type IndexerStats struct {
	FilesIndexed   int64 `json:"filesIndexed"`
	DirsIndexed    int64 `json:"dirsIndexed"`
	Skipped        int64 `json:"skipped"`
	Updated        int64 `json:"updated"`
	Moved          int64 `json:"moved"`
	Deleted        int64 `json:"deleted"`
	BytesIndexed   int64 `json:"bytesIndexed"`
	ContentIDsMade int64 `json:"contentIdsMade"`
}

// Total returns the number of committed entries.
func (s IndexerStats) Total() int64 {
	return s.FilesIndexed + s.DirsIndexed
}

// IndexerState is the serializable job state. Everything a resume needs is
// here: phase, queues, seen paths and counters; checkpoints marshal this
// struct verbatim.
type IndexerState struct {
	Phase Phase        `json:"phase"`
	Stats IndexerStats `json:"stats"`

	// PendingDirs is the discovery frontier.
	PendingDirs []DirEntry `json:"pendingDirs,omitempty"`
	// PendingEntries are discovered but uncommitted entries.
	PendingEntries []DirEntry `json:"pendingEntries,omitempty"`
	// ContentQueue holds entry ids awaiting CAS generation.
	ContentQueue []int64 `json:"contentQueue,omitempty"`
	// SeenPaths are the paths confirmed live this run; the deleted-entry
	// sweep removes stored entries not present here.
	SeenPaths []string `json:"seenPaths,omitempty"`
	// PrunedDirs are subtree roots skipped as unchanged; stored entries
	// beneath them are exempt from the deleted sweep.
	PrunedDirs []string `json:"prunedDirs,omitempty"`

	Errors    []IndexError `json:"errors,omitempty"`
	StartedAt time.Time    `json:"startedAt"`

	// Processed counts items since the last checkpoint.
	Processed int `json:"processed"`
}

// NewIndexerState returns the initial state for a fresh job.
func NewIndexerState() *IndexerState {
	return &IndexerState{
		Phase:     PhaseDiscovery,
		StartedAt: time.Now(),
	}
}

// AddError records a non-critical failure.
func (s *IndexerState) AddError(path, message string) {
	s.Errors = append(s.Errors, IndexError{Path: path, Message: message, At: time.Now()})
}

// Rate returns processed items per second since the job started.
func (s *IndexerState) Rate() float64 {
	elapsed := time.Since(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Stats.Total()) / elapsed
}

// ETA estimates time remaining given a known total of remaining items.
func (s *IndexerState) ETA(remaining int) time.Duration {
	rate := s.Rate()
	if rate <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/rate) * time.Second
}
