// Package watcher bridges fsnotify to the change responder: raw filesystem
// notifications are collected per debounce window, rename pairs are stitched
// back together, and the resulting batch is applied in one pass. New
// directories join the watch set automatically.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spacedriveapp/spacedrive-sub016/vdfs/config"
	"github.com/spacedriveapp/spacedrive-sub016/vdfs/indexing/change"
)

// Watcher observes one or more location roots and feeds debounced event
// batches into a change.Responder.
type Watcher struct {
	fs        *fsnotify.Watcher
	responder *change.Responder
	cfg       config.WatcherConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []fsnotify.Event
	timer   *time.Timer
	watched map[string]bool
}

// New creates a watcher feeding the given responder. Call Start to begin
// observing paths.
func New(responder *change.Responder, cfg config.WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebounceMillis <= 0 {
		cfg.DebounceMillis = 250
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fs:        fs,
		responder: responder,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		watched:   make(map[string]bool),
	}, nil
}

// Start begins watching the given roots and their subdirectories.
func (w *Watcher) Start(roots ...string) error {
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			return err
		}
	}
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("filesystem watcher started", "roots", len(roots))
	return nil
}

// Close stops watching, flushes any pending batch, and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) > 0 {
		w.apply(pending)
	}
	return err
}

// addRecursive watches a directory and every subdirectory beneath it.
// Unreadable subdirectories are skipped, not fatal.
func (w *Watcher) addRecursive(root string) error {
	if err := w.fs.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	w.mu.Lock()
	w.watched[root] = true
	w.mu.Unlock()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && path != root {
			if addErr := w.fs.Add(path); addErr != nil {
				w.logger.Warn("failed to watch subdirectory", "path", path, "error", addErr)
				return nil
			}
			w.mu.Lock()
			w.watched[path] = true
			w.mu.Unlock()
		}
		return nil
	})
}

// watchLoop accumulates raw events and arms the debounce timer.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	debounce := time.Duration(w.cfg.DebounceMillis) * time.Millisecond

	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.mu.Lock()
			if len(w.pending) >= w.cfg.QueueCapacity {
				w.logger.Warn("event queue full, dropping event", "path", ev.Name)
				w.mu.Unlock()
				continue
			}
			w.pending = append(w.pending, ev)
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounce, w.flush)
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// flush drains the pending window and applies it as one batch.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	w.apply(pending)
}

func (w *Watcher) apply(raw []fsnotify.Event) {
	batch := translate(raw)
	w.responder.ApplyBatch(w.ctx, batch)

	// Directories created during the window need watching from now on.
	for _, ev := range batch {
		if ev.Kind != change.FsCreate && ev.Kind != change.FsRename {
			continue
		}
		info, err := os.Stat(ev.Path)
		if err != nil || !info.IsDir() {
			continue
		}
		w.mu.Lock()
		known := w.watched[ev.Path]
		w.mu.Unlock()
		if !known {
			if err := w.addRecursive(ev.Path); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Path, "error", err)
			}
		}
	}
}

// translate converts one window of raw notifications into responder events.
// A Rename on an old path followed by a Create on a new path within the same
// window is stitched into a single rename event; an unpaired Rename means
// the entry left the watched tree and reads as a removal.
func translate(raw []fsnotify.Event) []change.FsEvent {
	out := make([]change.FsEvent, 0, len(raw))
	pendingRename := ""

	for _, ev := range raw {
		switch {
		case ev.Has(fsnotify.Rename):
			if pendingRename != "" {
				out = append(out, change.FsEvent{Kind: change.FsRemove, Path: pendingRename})
			}
			pendingRename = ev.Name

		case ev.Has(fsnotify.Create):
			if pendingRename != "" {
				out = append(out, change.FsEvent{
					Kind:    change.FsRename,
					Path:    ev.Name,
					OldPath: pendingRename,
				})
				pendingRename = ""
				continue
			}
			out = append(out, change.FsEvent{Kind: change.FsCreate, Path: ev.Name})

		case ev.Has(fsnotify.Write):
			out = append(out, change.FsEvent{Kind: change.FsWrite, Path: ev.Name})

		case ev.Has(fsnotify.Remove):
			out = append(out, change.FsEvent{Kind: change.FsRemove, Path: ev.Name})
		}
	}

	if pendingRename != "" {
		out = append(out, change.FsEvent{Kind: change.FsRemove, Path: pendingRename})
	}
	return out
}
