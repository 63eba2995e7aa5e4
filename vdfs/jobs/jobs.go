// Package jobs provides the execution contract consumed by long-running
// indexing jobs: progress emission, cooperative pause/cancel via polled
// interrupt checks, durable checkpoints and non-critical error accumulation.
//
// The full scheduler (queueing, retry policy, persistence of job rows) is an
// external collaborator; this package implements only the per-job contract
// plus a minimal cooperative executor for hosting jobs in-process.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPaused is returned from CheckInterrupt when a pause was requested.
// It is not a failure: checkpointed progress is preserved for resume.
var ErrPaused = errors.New("job paused")

// ErrCancelled is returned from CheckInterrupt when a cancel was requested.
var ErrCancelled = errors.New("job cancelled")

// IsInterrupted reports whether err is a pause or cancel signal rather than
// a real failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled)
}

// ProgressUpdate is a non-blocking progress emission from a running job.
type ProgressUpdate struct {
	Phase     string        `json:"phase"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Message   string        `json:"message"`
	Rate      float64       `json:"rate"`
	ETA       time.Duration `json:"eta"`
}

// Context is the per-job contract the executor provides to a running job.
type Context interface {
	// Progress emits a progress update without blocking the job.
	Progress(update ProgressUpdate)
	// CheckInterrupt is the cooperative pause/cancel point. Jobs poll it
	// between chunks; mid-chunk work always runs to completion.
	CheckInterrupt() error
	// CheckpointWithState durably persists serializable job state so a
	// resume restarts from the last checkpoint instead of from zero.
	CheckpointWithState(state any) error
	// AddNonCriticalError accumulates a warning without failing the job.
	AddNonCriticalError(message string)
	// Log writes to the job's structured logging sink.
	Log(message string)
}

// Handler is implemented by job types hosted on the executor.
type Handler interface {
	Name() string
	Run(ctx context.Context, job Context) error
}

// CheckpointStore persists checkpointed job state under a job id.
type CheckpointStore interface {
	SaveCheckpoint(jobID uuid.UUID, state []byte) error
	LoadCheckpoint(jobID uuid.UUID) ([]byte, error)
}

// Descriptor registers a job type with the host process.
type Descriptor struct {
	Name      string
	Resumable bool
	// New constructs a fresh handler, optionally from checkpointed state.
	New func(checkpoint []byte) (Handler, error)
}

// Registry maps job-type names to descriptors. Job types are registered by
// an explicit initialization call from the host process at startup, not via
// static-initializer side effects.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register adds job-type descriptors. Duplicate names are an error so a
// misconfigured host fails loudly at startup.
func (r *Registry) Register(descriptors ...Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descriptors {
		if d.Name == "" || d.New == nil {
			return fmt.Errorf("invalid job descriptor: name and constructor are required")
		}
		if _, exists := r.types[d.Name]; exists {
			return fmt.Errorf("job type %q already registered", d.Name)
		}
		r.types[d.Name] = d
	}
	return nil
}

// Lookup returns the descriptor for a job-type name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	return d, ok
}

// Status is the lifecycle state of an executed job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Report is a point-in-time snapshot of a job for status queries. ErrorCount
// counts non-critical errors; a caller can render "indexed N files, M errors"
// without the job having failed outright.
type Report struct {
	ID         uuid.UUID
	Name       string
	Status     Status
	Progress   ProgressUpdate
	ErrorCount int
	Errors     []string
	FatalError string
}

type interruptKind int

const (
	interruptNone interruptKind = iota
	interruptPause
	interruptCancel
)

// Execution hosts one running job and implements Context for it.
type Execution struct {
	id      uuid.UUID
	handler Handler
	store   CheckpointStore
	logger  *slog.Logger

	mu        sync.Mutex
	status    Status
	interrupt interruptKind
	progress  ProgressUpdate
	warnings  []string
	fatal     error
	done      chan struct{}
}

// NewExecution prepares a job run. The checkpoint store may be nil for
// jobs that never checkpoint (e.g. ephemeral browsing).
func NewExecution(handler Handler, store CheckpointStore, logger *slog.Logger) *Execution {
	if logger == nil {
		logger = slog.Default()
	}
	return &Execution{
		id:      uuid.New(),
		handler: handler,
		store:   store,
		logger:  logger.With("job", handler.Name()),
		status:  StatusRunning,
		done:    make(chan struct{}),
	}
}

func (e *Execution) ID() uuid.UUID { return e.id }

// Start runs the handler on a new goroutine and returns immediately.
func (e *Execution) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		err := e.handler.Run(ctx, e)

		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case err == nil:
			e.status = StatusCompleted
		case errors.Is(err, ErrPaused):
			e.status = StatusPaused
		case errors.Is(err, ErrCancelled):
			e.status = StatusCancelled
		default:
			e.status = StatusFailed
			e.fatal = err
			e.logger.Error("job failed", "error", err)
		}
	}()
}

// Wait blocks until the job reaches a terminal or paused state.
func (e *Execution) Wait() {
	<-e.done
}

// Pause requests a cooperative pause at the next interrupt check.
func (e *Execution) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning {
		e.interrupt = interruptPause
	}
}

// Cancel requests a cooperative cancellation at the next interrupt check.
func (e *Execution) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusRunning || e.status == StatusPaused {
		e.interrupt = interruptCancel
	}
}

// Resume clears a pause request so a re-dispatched job keeps running.
// The caller reconstructs the handler from its last checkpoint.
func (e *Execution) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusPaused {
		e.status = StatusRunning
		e.interrupt = interruptNone
	}
}

// Report returns a snapshot for status queries.
func (e *Execution) Report() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := Report{
		ID:         e.id,
		Name:       e.handler.Name(),
		Status:     e.status,
		Progress:   e.progress,
		ErrorCount: len(e.warnings),
		Errors:     append([]string(nil), e.warnings...),
	}
	if e.fatal != nil {
		r.FatalError = e.fatal.Error()
	}
	return r
}

// Progress implements Context.
func (e *Execution) Progress(update ProgressUpdate) {
	e.mu.Lock()
	e.progress = update
	e.mu.Unlock()
}

// CheckInterrupt implements Context.
func (e *Execution) CheckInterrupt() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.interrupt {
	case interruptPause:
		return ErrPaused
	case interruptCancel:
		return ErrCancelled
	}
	return nil
}

// CheckpointWithState implements Context. State must be JSON-serializable.
func (e *Execution) CheckpointWithState(state any) error {
	if e.store == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint state: %w", err)
	}
	if err := e.store.SaveCheckpoint(e.id, raw); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// AddNonCriticalError implements Context.
func (e *Execution) AddNonCriticalError(message string) {
	e.mu.Lock()
	e.warnings = append(e.warnings, message)
	e.mu.Unlock()
	e.logger.Warn("non-critical job error", "message", message)
}

// Log implements Context.
func (e *Execution) Log(message string) {
	e.logger.Info(message)
}
