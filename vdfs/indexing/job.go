package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/config"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/db"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/change"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/ephemeral"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/rules"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/jobs"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/volume"
)

// JobName identifies the indexer job type in the registry.
const JobName = "indexer"

// IndexerJob walks one location (or ephemeral path) through the phase
// machine Discovery → Processing → Aggregation → ContentIdentification →
// Finalizing → Complete. It implements jobs.Handler.
type IndexerJob struct {
	input    IndexInput
	cfg      config.IndexerConfig
	rootPath string

	backend volume.Backend
	ruler   *rules.Ruler
	handler change.Handler

	// store and resolver are nil in ephemeral mode; aggregation, content
	// identification and the deleted sweep are database concerns.
	store    *db.Store
	resolver *db.PathResolver

	state  *IndexerState
	logger *slog.Logger

	// rootCreated records whether this job brought the location root entry
	// into existence, so rescans of an unchanged tree report zero indexed
	// directories.
	rootCreated bool

	// contentIdentified collects entry ids that received a content
	// identity this run, for Deep-mode thumbnail dispatch.
	contentIdentified []int64

	// ephemeralIx backs the session arena in ephemeral mode.
	ephemeralIx *ephemeral.Index

	// DispatchThumbnails, when set, receives the content-identified entry
	// ids of a Deep run at finalization. Media processing is external;
	// the job only emits the request.
	DispatchThumbnails func(entryIDs []int64)
}

// NewIndexerJob builds a fresh indexer job. For database persistence the
// location root entry is created on first run.
func NewIndexerJob(input IndexInput, cfg config.IndexerConfig, store *db.Store, backend volume.Backend, events change.EventSink, logger *slog.Logger) (*IndexerJob, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid index input: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	rootPath := filepath.Clean(input.Paths[0])

	toggles := rules.DefaultToggles()
	toggles.NoHidden = !input.IncludeHidden
	job := &IndexerJob{
		input:    input,
		cfg:      cfg,
		rootPath: rootPath,
		backend:  backend,
		ruler:    rules.NewRuler(rootPath, toggles),
		state:    NewIndexerState(),
		logger:   logger.With("job", JobName, "root", rootPath),
	}

	switch input.Persistence {
	case PersistDatabase:
		if store == nil {
			return nil, fmt.Errorf("database persistence requires a store")
		}
		job.store = store
		job.resolver = db.NewPathResolver(store)
		if err := job.ensureLocationRoot(); err != nil {
			return nil, err
		}
		job.handler = change.NewPersistentHandler(store, input.LibraryID, rootPath, events, logger)
	case PersistEphemeral:
		// The session arena starts empty, so the root is always new.
		job.rootCreated = true
		job.ephemeralIx = ephemeral.NewIndex()
		job.handler = change.NewEphemeralHandler(job.ephemeralIx, backend, events, cfg.EphemeralDepthLimit)
	}
	return job, nil
}

// resumeEnvelope is the checkpoint wire format: the original input plus the
// serializable state, so a resumed job continues from the recorded phase and
// queues instead of restarting.
type resumeEnvelope struct {
	Input IndexInput    `json:"input"`
	State *IndexerState `json:"state"`
}

// ResumeIndexerJob rebuilds a job from a checkpoint produced by Run.
func ResumeIndexerJob(checkpoint []byte, cfg config.IndexerConfig, store *db.Store, backend volume.Backend, events change.EventSink, logger *slog.Logger) (*IndexerJob, error) {
	var env resumeEnvelope
	if err := json.Unmarshal(checkpoint, &env); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	job, err := NewIndexerJob(env.Input, cfg, store, backend, events, logger)
	if err != nil {
		return nil, err
	}
	if env.State != nil {
		job.state = env.State
	}
	return job, nil
}

// Descriptor returns the registry descriptor for the indexer job type.
// The host registers this explicitly at startup.
func Descriptor(cfg config.IndexerConfig, store *db.Store, backend volume.Backend, events change.EventSink, logger *slog.Logger) jobs.Descriptor {
	return jobs.Descriptor{
		Name:      JobName,
		Resumable: true,
		New: func(checkpoint []byte) (jobs.Handler, error) {
			if len(checkpoint) == 0 {
				return nil, fmt.Errorf("indexer job requires input or checkpoint")
			}
			return ResumeIndexerJob(checkpoint, cfg, store, backend, events, logger)
		},
	}
}

// Name implements jobs.Handler.
func (j *IndexerJob) Name() string { return JobName }

// State exposes the job state for tests and status queries.
func (j *IndexerJob) State() *IndexerState { return j.state }

// EphemeralIndex returns the session arena, nil for database persistence.
func (j *IndexerJob) EphemeralIndex() *ephemeral.Index { return j.ephemeralIx }

// SeedUUIDs carries identities from a prior ephemeral session into this job,
// so promoting a browsed directory to a managed location preserves the UUIDs
// the session already handed out. No-op for ephemeral persistence.
func (j *IndexerJob) SeedUUIDs(hints map[string]uuid.UUID) {
	if h, ok := j.handler.(*change.PersistentHandler); ok {
		h.UUIDHints = hints
	}
}

// ensureLocationRoot creates the location's root entry on first index.
func (j *IndexerJob) ensureLocationRoot() error {
	root, err := j.store.GetLocationRoot(j.input.LibraryID)
	if err != nil {
		return err
	}
	if root != nil {
		return nil
	}
	entry := &db.Entry{
		LocationID: j.input.LibraryID,
		Name:       filepath.Base(j.rootPath),
		Kind:       db.EntryDirectory,
	}
	if err := j.store.CreateEntry(entry); err != nil {
		return fmt.Errorf("failed to create location root: %w", err)
	}
	j.rootCreated = true
	return nil
}

// Run implements jobs.Handler: the phase loop. Interrupts surface as
// jobs.ErrPaused/ErrCancelled from the phase functions and propagate here;
// the executor maps them to the paused/cancelled states.
func (j *IndexerJob) Run(ctx context.Context, job jobs.Context) error {
	// The root must be reachable at all; anything less is phase-fatal.
	ok, err := j.backend.Exists(ctx, j.rootPath)
	if err != nil {
		return fmt.Errorf("location root %s is unreachable: %w", j.rootPath, err)
	}
	if !ok {
		return fmt.Errorf("location root %s does not exist", j.rootPath)
	}

	for {
		var err error
		switch j.state.Phase {
		case PhaseDiscovery:
			err = j.runDiscovery(ctx, job)
		case PhaseProcessing:
			err = j.runProcessing(ctx, job)
		case PhaseAggregate:
			err = j.runAggregation(ctx, job)
		case PhaseContent:
			err = j.runContentIdentification(ctx, job)
		case PhaseFinalize:
			err = j.finalize(ctx, job)
		case PhaseComplete:
			job.Log(fmt.Sprintf("index of %s complete: %d files, %d dirs, %d errors",
				j.rootPath, j.state.Stats.FilesIndexed, j.state.Stats.DirsIndexed, len(j.state.Errors)))
			return nil
		default:
			return fmt.Errorf("unknown phase %q", j.state.Phase)
		}
		if err != nil {
			if jobs.IsInterrupted(err) {
				// Preserve resume state before surfacing the signal.
				if cpErr := j.checkpoint(job); cpErr != nil {
					j.logger.Warn("failed to checkpoint on interrupt", "error", cpErr)
				}
			}
			return err
		}
	}
}

// checkpoint persists the full resume envelope.
func (j *IndexerJob) checkpoint(job jobs.Context) error {
	j.state.Processed = 0
	return job.CheckpointWithState(resumeEnvelope{Input: j.input, State: j.state})
}

// checkpointIfDue checkpoints when the item counter crosses the interval.
func (j *IndexerJob) checkpointIfDue(job jobs.Context, items int) error {
	j.state.Processed += items
	interval := j.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 1000
	}
	if j.state.Processed >= interval {
		return j.checkpoint(job)
	}
	return nil
}

func (j *IndexerJob) progress(job jobs.Context, completed, total int, message string) {
	job.Progress(jobs.ProgressUpdate{
		Phase:     string(j.state.Phase),
		Completed: completed,
		Total:     total,
		Message:   message,
		Rate:      j.state.Rate(),
		ETA:       j.state.ETA(total - completed),
	})
}

// finalize marks completion and triggers dependent async work.
func (j *IndexerJob) finalize(_ context.Context, job jobs.Context) error {
	if j.input.Mode == ModeDeep && j.DispatchThumbnails != nil && len(j.contentIdentified) > 0 {
		j.DispatchThumbnails(append([]int64(nil), j.contentIdentified...))
	}
	j.state.Phase = PhaseComplete
	return j.checkpoint(job)
}

// LocationID returns the library/location scope of this job.
func (j *IndexerJob) LocationID() uuid.UUID { return j.input.LibraryID }
