// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statefile mirrors a JSON file on disk into a session's shared
// state, for script-driven workflows where an external process writes viewer
// state instead of calling the library.
//
// # Description
//
// The watcher observes the file's parent directory (editors replace files by
// rename, which would orphan a watch on the file itself), debounces bursts of
// events, and reloads on any event touching the file. A reload parses the
// file and commits it under a fresh server generation; writes that do not
// change the state are absorbed by the container's no-op stability. A
// malformed file logs and keeps the last good state.
package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	msync "github.com/AleutianAI/mirrorscope/services/viewer/sync"
)

// DefaultDebounceWindow is how long to wait for more events before reloading.
const DefaultDebounceWindow = 100 * time.Millisecond

// Target is the state container the file mirrors into. Satisfied by any
// sync.TrackableState instantiation.
type Target interface {
	SetState(newRaw any, opts ...msync.SetOption) (string, error)
}

// Options configures a Mirror.
type Options struct {
	// DebounceWindow defaults to DefaultDebounceWindow.
	DebounceWindow time.Duration

	// Metrics records reload outcomes. nil disables recording.
	Metrics *observability.SyncMetrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Mirror watches one JSON file and pushes its content into a state container.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine; reloads happen on the
// watcher's own goroutine.
type Mirror struct {
	path     string
	target   Target
	debounce time.Duration
	metrics  *observability.SyncMetrics
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// New creates a mirror for path. The file does not have to exist yet; it is
// picked up on creation.
func New(path string, target Target, opts *Options) (*Mirror, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state file path: %w", err)
	}

	debounce := DefaultDebounceWindow
	var metrics *observability.SyncMetrics
	logger := slog.Default()
	if opts != nil {
		if opts.DebounceWindow > 0 {
			debounce = opts.DebounceWindow
		}
		metrics = opts.Metrics
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}

	return &Mirror{
		path:     abs,
		target:   target,
		debounce: debounce,
		metrics:  metrics,
		logger:   logger.With("state_file", abs),
		done:     make(chan struct{}),
	}, nil
}

// Start loads the file once and begins watching for changes.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return nil // Already watching
	}
	m.watching = true
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create state file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch state file directory: %w", err)
	}
	m.watcher = watcher

	if _, err := os.Stat(m.path); err == nil {
		m.reload()
	}

	go m.run(ctx)
	return nil
}

// Stop stops the mirror. Idempotent.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.watcher != nil {
			m.watcher.Close()
		}
		m.mu.Lock()
		m.watching = false
		m.mu.Unlock()
	})
}

// run drains watcher events, debouncing reloads.
func (m *Mirror) run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
			} else {
				timer.Reset(m.debounce)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("state file watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			m.reload()
		}
	}
}

// reload reads, parses, and commits the file's content.
func (m *Mirror) reload() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.recordReload(false)
		m.logger.Warn("state file unreadable, keeping last good state", "error", err)
		return
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		m.recordReload(false)
		m.logger.Warn("state file is not valid JSON, keeping last good state", "error", err)
		return
	}

	generation, err := m.target.SetState(raw)
	if err != nil {
		m.recordReload(false)
		m.logger.Warn("state file commit failed", "error", err)
		return
	}
	m.recordReload(true)
	m.logger.Info("state file applied", "generation", generation)
}

func (m *Mirror) recordReload(ok bool) {
	if m.metrics != nil {
		m.metrics.RecordStateFileReload(ok)
	}
}
