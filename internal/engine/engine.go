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

// Package engine is the runbook orchestrator. It owns the advance loop
// that walks a runbook's dependency graph, the resume path that turns
// external notifications into step completions, cancellation, and the
// timeout scanner.
//
// All work on one runbook is serialized behind a per-runbook lock, so
// concurrent advances, resumes, and cancellations never interleave their
// read-modify-write cycles.
package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/runbook/internal/expression"
	"github.com/tombee/runbook/internal/jq"
	"github.com/tombee/runbook/internal/lock"
	"github.com/tombee/runbook/internal/process"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/internal/verb"
)

// VerbSource resolves verb names to their current catalog definition.
type VerbSource interface {
	Lookup(name string) (verb.Verb, error)
}

// Config assembles an Engine.
type Config struct {
	// Backend is the storage backend.
	Backend store.Backend

	// Locks serializes per-runbook work. If nil, an in-process keyed
	// mutex is used.
	Locks lock.Locker

	// Catalog resolves verb definitions.
	Catalog VerbSource

	// Registry resolves frozen sync handlers.
	Registry *verb.Registry

	// Dispatcher runs the durable push protocol. Required when the
	// catalog contains durable verbs.
	Dispatcher *verb.Dispatcher

	// Processes cancels external instances on runbook cancellation.
	Processes process.Engine

	// WorkerID identifies this engine instance in lease records.
	WorkerID string

	// MaxParallel bounds concurrently executing steps per advance wave.
	// Defaults to 8.
	MaxParallel int

	// SyncTimeout bounds one sync handler attempt. Defaults to 60s.
	SyncTimeout time.Duration

	// RetryAttempts is the number of retries after the first sync
	// attempt. Defaults to 2.
	RetryAttempts int

	// RetryBackoff is the base delay between sync retries. Defaults
	// to 250ms.
	RetryBackoff time.Duration

	// Metrics receives engine counters. If nil, metrics are dropped.
	Metrics *Metrics

	// Logger is the structured logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Engine orchestrates runbooks.
type Engine struct {
	backend    store.Backend
	locks      lock.Locker
	catalog    VerbSource
	registry   *verb.Registry
	dispatcher *verb.Dispatcher
	processes  process.Engine
	guards     *expression.Evaluator
	results    *jq.Executor
	metrics    *Metrics
	logger     *slog.Logger

	workerID    string
	maxParallel int
	syncTimeout time.Duration
	retry       retryPolicy

	now   func() time.Time
	newID func() string
}

// New creates an engine.
func New(cfg Config) *Engine {
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 8
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 60 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts < 0 {
		attempts = 0
	} else if attempts == 0 {
		attempts = 2
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	return &Engine{
		backend:     cfg.Backend,
		locks:       locks,
		catalog:     cfg.Catalog,
		registry:    cfg.Registry,
		dispatcher:  cfg.Dispatcher,
		processes:   cfg.Processes,
		guards:      expression.New(),
		results:     jq.NewExecutor(0, 0),
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "engine")),
		workerID:    workerID,
		maxParallel: maxParallel,
		syncTimeout: syncTimeout,
		retry:       retryPolicy{attempts: attempts, backoff: backoff},
		now:         time.Now,
		newID:       uuid.NewString,
	}
}
