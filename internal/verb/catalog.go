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

package verb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tombee/runbook/internal/jq"
	"github.com/tombee/runbook/pkg/errors"
)

// catalogFile is the YAML document format of one catalog file.
type catalogFile struct {
	Verbs []Verb `yaml:"verbs"`
}

// Catalog holds the verb definitions loaded from a directory of YAML
// files. Reload swaps the whole set atomically; a file with a validation
// error rejects the entire reload, keeping the previous set live.
type Catalog struct {
	dir     string
	pattern string
	jq      *jq.Executor
	logger  *slog.Logger

	mu      sync.RWMutex
	verbs   map[string]Verb
	version int64

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// CatalogConfig configures a verb catalog.
type CatalogConfig struct {
	// Dir is the root directory of catalog files.
	Dir string

	// Pattern is the doublestar glob matched against paths relative to
	// Dir. Defaults to "**/*.{yaml,yml}".
	Pattern string

	// JQ validates result queries at load time. If nil, a default
	// executor is used.
	JQ *jq.Executor

	// Logger is the structured logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewCatalog creates a catalog and performs the initial load.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Dir == "" {
		return nil, &errors.ConfigError{Key: "catalog.dir", Reason: "must not be empty"}
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "**/*.{yaml,yml}"
	}
	if cfg.JQ == nil {
		cfg.JQ = jq.NewExecutor(0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{
		dir:     cfg.Dir,
		pattern: cfg.Pattern,
		jq:      cfg.JQ,
		logger:  logger.With(slog.String("component", "catalog"), slog.String("dir", cfg.Dir)),
		verbs:   make(map[string]Verb),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the current definition of a verb.
func (c *Catalog) Lookup(name string) (Verb, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.verbs[name]
	if !ok {
		return Verb{}, &errors.NotFoundError{Resource: "verb", ID: name}
	}
	return v, nil
}

// Names returns the sorted-insertion set of loaded verb names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.verbs))
	for name := range c.verbs {
		names = append(names, name)
	}
	return names
}

// Version returns the reload counter, bumped on every successful reload.
func (c *Catalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Reload re-reads all catalog files. On any error the previous verb set
// is kept.
func (c *Catalog) Reload() error {
	matches, err := doublestar.Glob(os.DirFS(c.dir), c.pattern)
	if err != nil {
		return &errors.ConfigError{Key: "catalog.pattern", Reason: "bad glob pattern", Cause: err}
	}

	loaded := make(map[string]Verb)
	for _, rel := range matches {
		path := filepath.Join(c.dir, rel)
		if err := c.loadFile(path, loaded); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.verbs = loaded
	c.version++
	version := c.version
	c.mu.Unlock()

	c.logger.Info("catalog loaded",
		slog.Int("verbs", len(loaded)),
		slog.Int64("version", version))
	return nil
}

func (c *Catalog) loadFile(path string, into map[string]Verb) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &errors.ConfigError{Key: path, Reason: "failed to read catalog file", Cause: err}
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return &errors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
	}

	for _, v := range f.Verbs {
		if err := v.Validate(); err != nil {
			return &errors.ConfigError{Key: path, Reason: "invalid verb definition", Cause: err}
		}
		if err := c.jq.Validate(v.ResultQuery); err != nil {
			return &errors.ConfigError{
				Key:    path,
				Reason: fmt.Sprintf("verb %q has invalid result_query", v.Name),
				Cause:  err,
			}
		}
		if _, dup := into[v.Name]; dup {
			return &errors.ConfigError{
				Key:    path,
				Reason: fmt.Sprintf("duplicate verb %q", v.Name),
			}
		}
		into[v.Name] = v
	}
	return nil
}

// Watch starts watching the catalog directory and reloads on changes.
// Events are debounced so a burst of writes triggers one reload. A failed
// reload logs and keeps the previous verb set.
func (c *Catalog) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the root and every subdirectory; fsnotify is not recursive.
	err = filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	c.watcher = fsw
	go c.watchLoop(ctx)
	c.logger.Info("catalog watcher started")
	return nil
}

// Stop stops the watcher, if started.
func (c *Catalog) Stop() error {
	if c.watcher == nil {
		return nil
	}
	close(c.stopCh)
	<-c.doneCh
	return c.watcher.Close()
}

func (c *Catalog) watchLoop(ctx context.Context) {
	defer close(c.doneCh)

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := c.watcher.Add(event.Name); err != nil {
						c.logger.Warn("failed to watch new directory",
							slog.String("path", event.Name), slog.Any("error", err))
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("catalog watcher error", slog.Any("error", err))
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := c.Reload(); err != nil {
				c.logger.Error("catalog reload failed, keeping previous set",
					slog.Any("error", err))
			}
		}
	}
}
