// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package discovery picks up modules copied into the modules directory
// while the host is running.
//
// The watcher observes the modules directory and each module directory
// inside it. Events are collapsed per module directory, and once a
// directory has been quiet for the debounce window its module.json is read
// and the module registered. Every successful registration triggers a load
// run.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/metrics"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/registry"
)

// DefaultDebounce is used when Config.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// Sink receives discovered modules.
type Sink interface {
	AddModule(ctx context.Context, dir string) (*module.Descriptor, error)
	LoadAll(ctx context.Context) error
}

// Config configures a Watcher.
type Config struct {
	// Dir is the modules directory.
	Dir string
	// Debounce is the quiet period required before a directory is read.
	Debounce time.Duration
	// Ignore lists doublestar patterns for paths to skip. Nil uses
	// DefaultIgnorePatterns.
	Ignore []string
	// RateLimit caps registrations per minute. Zero disables the limit.
	RateLimit int
}

// Watcher registers modules that appear in the modules directory.
type Watcher struct {
	dir      string
	sink     Sink
	ignore   *Ignore
	limiter  *rate.Limiter
	debounce *debouncer
	fsw      *fsnotify.Watcher
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher for cfg.Dir. Call Start to begin watching.
func New(cfg Config, sink Sink, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("discovery: modules directory is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	patterns := cfg.Ignore
	if patterns == nil {
		patterns = DefaultIgnorePatterns()
	}
	ignore, err := NewIgnore(patterns)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	w := &Watcher{
		dir:    dir,
		sink:   sink,
		ignore: ignore,
		logger: log.WithComponent(logger, "discovery").With(slog.String("path", dir)),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/60.0), 1)
	}
	w.debounce = newDebouncer(cfg.Debounce, w.register)
	return w, nil
}

// Start begins watching. It returns once the watches are in place.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("failed to read %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() && !w.ignore.Match(e.Name()) {
			if err := fsw.Add(filepath.Join(w.dir, e.Name())); err != nil {
				w.logger.Warn("unable to watch module directory", slog.String("dir", e.Name()), log.Error(err))
			}
		}
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watching modules directory")
	return nil
}

// Stop ends watching and drops pending events.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	w.debounce.stop()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", log.Error(err))
		}
	}
}

// moduleDir maps path to the module directory it belongs to, which is the
// first path element below the modules directory.
func (w *Watcher) moduleDir(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(w.dir, first), true
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	dir, ok := w.moduleDir(ev.Name)
	if !ok {
		return
	}
	if rel, _ := filepath.Rel(w.dir, ev.Name); w.ignore.Match(rel) {
		metrics.RecordDiscovery("ignored")
		log.Trace(w.logger, "ignoring path", slog.String("file", ev.Name))
		return
	}

	if ev.Name == dir && ev.Has(fsnotify.Create) {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := w.fsw.Add(dir); err != nil {
				w.logger.Warn("unable to watch module directory", slog.String("dir", dir), log.Error(err))
			}
		}
	}
	w.debounce.add(dir)
}

// register reads the module in dir and hands it to the sink.
func (w *Watcher) register(dir string) {
	if w.ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(filepath.Join(dir, module.ManifestFile)); err != nil {
		log.Trace(w.logger, "no manifest yet", slog.String("dir", dir))
		return
	}
	if w.limiter != nil && !w.limiter.Allow() {
		metrics.RecordDiscovery("rate_limited")
		w.logger.Warn("discovery rate limit reached, module skipped", slog.String("dir", dir))
		return
	}

	d, err := w.sink.AddModule(w.ctx, dir)
	switch {
	case errors.Is(err, registry.ErrDuplicateName):
		return
	case err != nil:
		metrics.RecordDiscovery("invalid")
		w.logger.Warn("error picking up module", slog.String("dir", dir), log.Error(err))
		return
	}
	metrics.RecordDiscovery("added")
	w.logger.Info("discovered module", slog.String(log.ModuleKey, d.Name), slog.String("version", d.Version))

	if err := w.sink.LoadAll(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("load after discovery failed", log.Error(err))
	}
}
