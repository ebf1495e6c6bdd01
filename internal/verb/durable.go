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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/process"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/pkg/errors"
)

// DefaultDurableTimeout bounds a durable wait when neither the step nor
// the verb declares one.
const DefaultDurableTimeout = 72 * time.Hour

// Dispatcher implements the durable push protocol: persist the invocation
// record first, then spawn the external process. The record, not the
// spawn, is authoritative — a crash or engine outage between the two
// leaves an active record that Redispatch can retry with the same
// idempotency token.
type Dispatcher struct {
	invocations    store.InvocationStore
	engine         process.Engine
	limiter        *rate.Limiter
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// DispatcherConfig configures a durable dispatcher.
type DispatcherConfig struct {
	Invocations store.InvocationStore
	Engine      process.Engine

	// RatePerSecond throttles StartProcess calls toward the engine.
	// Zero disables throttling.
	RatePerSecond float64

	// Burst is the limiter burst size. Defaults to 1 when rate limited.
	Burst int

	// DefaultTimeout bounds durable waits with no explicit timeout.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// NewDispatcher creates a durable dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultDurableTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		invocations:    cfg.Invocations,
		engine:         cfg.Engine,
		limiter:        limiter,
		defaultTimeout: timeout,
		logger:         logger.With(slog.String("component", "dispatcher")),
		now:            time.Now,
	}
}

// Dispatch parks a durable step: it persists an active invocation record
// keyed by the step's deterministic correlation key, then starts the
// external process. A dispatch failure after the record is persisted is
// returned alongside the record — the caller still parks the step, and
// the scanner or an operator retries via Redispatch.
//
// Calling Dispatch again for the same step (crash recovery) finds the
// existing active record and re-sends the start request with the same
// idempotency token, so at most one external instance ever runs.
func (d *Dispatcher) Dispatch(ctx context.Context, step *runbook.Step, v Verb) (*runbook.Invocation, error) {
	key := runbook.CorrelationKey(step.RunbookID, step.ID)

	existing, err := d.invocations.GetActiveByCorrelationKey(ctx, key)
	if err == nil {
		d.logger.Info("active invocation exists, redispatching",
			slog.String(log.CorrelationKeyKey, key))
		return existing, d.Redispatch(ctx, existing)
	}
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = v.Timeout
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	now := d.now()
	inv := &runbook.Invocation{
		ID:             uuid.NewString(),
		RunbookID:      step.RunbookID,
		StepID:         step.ID,
		CorrelationKey: key,
		ProcessRef:     step.Handler,
		Snapshot:       runbook.NewSnapshot(step),
		TimeoutAt:      now.Add(timeout),
		EscalationRef:  step.EscalationRef,
		Status:         runbook.InvocationActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := d.invocations.CreateInvocation(ctx, inv); err != nil {
		// A concurrent dispatcher won the race; adopt its record.
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			return d.invocations.GetActiveByCorrelationKey(ctx, key)
		}
		return nil, err
	}

	return inv, d.Redispatch(ctx, inv)
}

// Redispatch sends (or re-sends) the start request for an active
// invocation record. The correlation key doubles as the idempotency
// token, so repeated sends collapse engine-side. The engine-assigned
// instance ID is stored best-effort.
func (d *Dispatcher) Redispatch(ctx context.Context, inv *runbook.Invocation) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	var params map[string]any
	if inv.Snapshot != nil {
		params = inv.Snapshot.Params
	}

	instanceID, err := d.engine.StartProcess(ctx, process.StartRequest{
		ProcessRef:       inv.ProcessRef,
		CorrelationKey:   inv.CorrelationKey,
		IdempotencyToken: inv.CorrelationKey,
		Params:           params,
	})
	if err != nil {
		// Non-fatal: the record stays active and is retried later.
		d.logger.Warn("process dispatch failed, invocation remains active",
			slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
			slog.String("process_ref", inv.ProcessRef),
			log.Error(err))
		return nil
	}

	if inv.ExternalRef != instanceID {
		inv.ExternalRef = instanceID
		inv.UpdatedAt = d.now()
		if err := d.invocations.UpdateInvocation(ctx, inv); err != nil {
			// Best-effort: the external ref is advisory, correlation
			// happens by key.
			d.logger.Warn("failed to record external ref",
				slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
				log.Error(err))
		}
	}

	d.logger.Info("process dispatched",
		slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
		slog.String("process_ref", inv.ProcessRef),
		slog.String("instance_id", instanceID))
	return nil
}
