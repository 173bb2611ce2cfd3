// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry declares the categories the arbiter operates on.
//
// # Description
//
// A category is an independent unit of work: its own evaluation engine
// endpoint, its own tracker, its own cache shard. The set is declared
// in a YAML document (an external file when configured, otherwise the
// embedded default), validated on load, and optionally hot-reloaded via
// fsnotify so the next pass picks up edits without a restart.
//
// # Thread Safety
//
// Registry is safe for concurrent use; reads take a read lock and
// reloads swap the category map under a write lock.
package registry

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize caps external registry files at 1MB. A category
// registry is a short document; anything larger is a mistake.
const MaxYAMLFileSize = 1 * 1024 * 1024

// debounceWindow is how long to wait for further file events before
// reloading, so editor save sequences trigger a single reload.
const debounceWindow = 500 * time.Millisecond

//go:embed categories.yaml
var defaultCategoriesYAML []byte

var (
	registryReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_registry_reloads_total",
		Help: "Registry load attempts by status (ok, error).",
	}, []string{"status"})

	registryCategories = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_registry_categories",
		Help: "Number of enabled categories currently registered.",
	})
)

// Category declares one unit of work.
type Category struct {
	// Name identifies the category everywhere: cache shards, storage
	// keys, metrics labels. It must not contain the composite-key
	// separator "---".
	Name string `yaml:"name" validate:"required,max=64,excludes=---"`

	// EngineURL is the evaluation engine endpoint for this category.
	EngineURL string `yaml:"engine_url" validate:"required,url"`

	// Description is operator documentation; not interpreted.
	Description string `yaml:"description,omitempty"`

	// Enabled gates the category in and out of passes without deleting
	// its declaration.
	Enabled bool `yaml:"enabled"`

	// MaxReferences caps the reference pool handed to the engine.
	// Zero means no cap.
	MaxReferences int `yaml:"max_references,omitempty" validate:"min=0"`
}

// document is the YAML shape of a registry file.
type document struct {
	Categories []Category `yaml:"categories" validate:"dive"`
}

// Registry is the loaded category set.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Category
	loadedAt time.Time

	path     string
	validate *validator.Validate
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// New loads the registry and returns it ready for lookups.
//
// # Inputs
//
//   - path: external YAML file. Empty means embedded default only; a
//     missing external file falls back to the embedded default with a
//     warning rather than failing startup.
//   - logger: component logger. Must not be nil.
//
// # Outputs
//
//   - *Registry: the loaded registry.
//   - error: non-nil when the chosen document does not parse or
//     validate.
func New(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		path:     path,
		validate: validator.New(),
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load (re)reads the registry document and swaps the category set.
// Invalid documents leave the previous set in place.
func (r *Registry) Load() error {
	data, source, err := r.read()
	if err != nil {
		registryReloads.WithLabelValues("error").Inc()
		return err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		registryReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("parsing category registry: %w", err)
	}
	if err := r.validate.Struct(doc); err != nil {
		registryReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("validating category registry: %w", err)
	}

	byName := make(map[string]Category, len(doc.Categories))
	enabled := 0
	for _, c := range doc.Categories {
		if _, dup := byName[c.Name]; dup {
			registryReloads.WithLabelValues("error").Inc()
			return fmt.Errorf("validating category registry: duplicate category %q", c.Name)
		}
		byName[c.Name] = c
		if c.Enabled {
			enabled++
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.loadedAt = time.Now()
	r.mu.Unlock()

	registryReloads.WithLabelValues("ok").Inc()
	registryCategories.Set(float64(enabled))
	r.logger.Info("category registry loaded",
		"source", source,
		"categories", len(byName),
		"enabled", enabled)
	return nil
}

// read picks the external file when present, otherwise the embedded
// default.
func (r *Registry) read() ([]byte, string, error) {
	if r.path == "" {
		return defaultCategoriesYAML, "embedded", nil
	}

	info, err := os.Stat(r.path)
	if err != nil {
		r.logger.Warn("external category registry not available, using embedded default",
			"path", r.path, "error", err)
		return defaultCategoriesYAML, "embedded", nil
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, "", fmt.Errorf("category registry too large: %d bytes (max %d)",
			info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, "", fmt.Errorf("reading category registry: %w", err)
	}
	return data, "external", nil
}

// Active returns the enabled categories sorted by name, the order the
// pass processes them in.
func (r *Registry) Active() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.byName))
	for _, c := range r.byName {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a category by name, enabled or not.
func (r *Registry) Get(name string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// LoadedAt reports when the current set was loaded.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// Watch reloads the registry when its external file changes. Events are
// debounced; a reload failure keeps the previous category set. No-op
// when the registry runs on the embedded default.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which a
	// file-level watch loses track of.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching registry dir: %w", err)
	}
	r.watcher = watcher

	go r.watchLoop(ctx)
	return nil
}

// Close stops the watcher, if one is running.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *Registry) watchLoop(ctx context.Context) {
	base := filepath.Base(r.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("registry watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := r.Load(); err != nil {
				r.logger.Error("registry reload failed, keeping previous set", "error", err)
			}
		}
	}
}
