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

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/tracing"
	"github.com/tombee/runbook/internal/verb"
	"github.com/tombee/runbook/pkg/errors"
)

// Advance drives a runbook as far as it can go: it repeatedly computes
// the ready set from the edge table, executes ready steps, and stops when
// nothing is runnable (everything terminal, parked, or blocked). Safe to
// call at any time from any trigger — advancing a terminal runbook is a
// no-op, and steps that already ran are shielded by their leases.
func (e *Engine) Advance(ctx context.Context, runbookID string) (err error) {
	ctx, span := tracing.StartRunbookSpan(ctx, "runbook.advance", runbookID)
	defer func() { tracing.EndSpan(span, err) }()

	release, err := e.locks.Acquire(ctx, runbookID)
	if err != nil {
		return err
	}
	defer release()

	return e.advanceLocked(ctx, runbookID)
}

func (e *Engine) advanceLocked(ctx context.Context, runbookID string) error {
	rb, err := e.backend.GetRunbook(ctx, runbookID)
	if err != nil {
		return err
	}
	if rb.Status.IsTerminal() {
		return nil
	}

	logger := log.WithRunbookContext(e.logger, rb.ID)

	// Each ready step gets one execution attempt per advance call, so a
	// step whose lease is held elsewhere cannot spin the loop.
	attempted := make(map[string]bool)

	for {
		steps, err := e.backend.ListSteps(ctx, rb.ID)
		if err != nil {
			return err
		}

		// Under fail_fast a failed step stops scheduling immediately.
		if rb.Policy == runbook.FailFast && anyFailed(steps) {
			break
		}

		edges, err := e.backend.ListEdges(ctx, rb.ID)
		if err != nil {
			return err
		}

		progressed, err := e.promotePending(ctx, rb, steps, edges)
		if err != nil {
			return err
		}

		var runnable []*runbook.Step
		for _, s := range steps {
			if s.Status == runbook.StepStatusReady && !attempted[s.ID] {
				runnable = append(runnable, s)
			}
		}
		if len(runnable) == 0 {
			if !progressed {
				break
			}
			continue
		}
		for _, s := range runnable {
			attempted[s.ID] = true
		}

		if err := e.runWave(ctx, rb, runnable, completedResults(steps)); err != nil {
			return err
		}
	}

	if err := e.recomputeStatus(ctx, rb); err != nil {
		return err
	}
	logger.Debug("advance pass finished", slog.String("status", string(rb.Status)))
	return nil
}

// promotePending marks pending steps ready when every producer edge is
// satisfied, and — under best_effort — skips steps whose producers failed.
// Returns whether any step changed status.
func (e *Engine) promotePending(ctx context.Context, rb *runbook.Runbook, steps []*runbook.Step, edges []*runbook.Edge) (bool, error) {
	producers := make(map[string][]string)
	for _, edge := range edges {
		producers[edge.ToStep] = append(producers[edge.ToStep], edge.FromStep)
	}
	byID := make(map[string]*runbook.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	progressed := false
	for _, s := range steps {
		if s.Status != runbook.StepStatusPending {
			continue
		}

		satisfied := true
		broken := false
		for _, pid := range producers[s.ID] {
			p, ok := byID[pid]
			if !ok {
				satisfied = false
				break
			}
			switch p.Status {
			case runbook.StepStatusCompleted, runbook.StepStatusSkipped:
				// Satisfied. A skipped producer releases its consumers;
				// guards decide whether they still make sense.
			case runbook.StepStatusFailed, runbook.StepStatusCancelled:
				broken = true
			default:
				satisfied = false
			}
		}

		switch {
		case broken && rb.Policy == runbook.BestEffort:
			if err := e.transitionStep(ctx, s, runbook.StepStatusSkipped, "dependency failed"); err != nil {
				return progressed, err
			}
			e.metrics.StepsSkipped.Inc()
			progressed = true
		case broken:
			// fail_fast: leave pending, the runbook is about to fail.
		case satisfied:
			if err := e.transitionStep(ctx, s, runbook.StepStatusReady, ""); err != nil {
				return progressed, err
			}
			progressed = true
		}
	}
	return progressed, nil
}

// runWave executes ready steps concurrently, bounded by maxParallel.
func (e *Engine) runWave(ctx context.Context, rb *runbook.Runbook, runnable []*runbook.Step, results map[string]any) error {
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	errCh := make(chan error, len(runnable))

	for _, step := range runnable {
		wg.Add(1)
		sem <- struct{}{}
		go func(step *runbook.Step) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.executeStep(ctx, rb, step, results); err != nil {
				errCh <- err
			}
		}(step)
	}
	wg.Wait()
	close(errCh)

	return <-errCh
}

// executeStep takes one ready step through guard, lease, and handler.
// Handler failures land on the step; only storage errors propagate.
func (e *Engine) executeStep(ctx context.Context, rb *runbook.Runbook, step *runbook.Step, results map[string]any) (err error) {
	ctx, span := tracing.StartStepSpan(ctx, "step.execute", rb.ID, step.ID, step.Verb)
	defer func() { tracing.EndSpan(span, err) }()

	logger := log.WithStepContext(e.logger, rb.ID, step.ID)
	started := e.now()

	var guardErr error
	if step.When != "" {
		ok, gerr := e.guards.Evaluate(step.When, map[string]any{
			"params": step.Params,
			"steps":  results,
		})
		switch {
		case gerr != nil:
			// A broken guard fails the step, which requires taking it
			// through the lease below.
			logger.Warn("guard evaluation failed", log.Error(gerr))
			guardErr = gerr
		case !ok:
			logger.Info("guard false, skipping step", slog.String(log.VerbKey, step.Verb))
			if err := e.transitionStep(ctx, step, runbook.StepStatusSkipped, ""); err != nil {
				return err
			}
			e.metrics.StepsSkipped.Inc()
			return nil
		}
	}

	acquired, err := e.backend.TryAcquire(ctx, step.ID, e.workerID)
	if err != nil {
		return err
	}
	if !acquired {
		// Another attempt ran (or is running) this step. At-most-once
		// means we walk away.
		logger.Debug("lease not acquired, skipping execution")
		return nil
	}

	if err := e.transitionStep(ctx, step, runbook.StepStatusRunning, ""); err != nil {
		return err
	}

	if guardErr != nil {
		if lerr := e.backend.FailLease(ctx, step.ID); lerr != nil {
			return lerr
		}
		return e.failStep(ctx, step, guardErr)
	}

	switch step.Kind {
	case runbook.KindSync:
		err = e.runSync(ctx, rb, step, results)
	case runbook.KindDurable:
		err = e.runDurable(ctx, step)
	default:
		ferr := &errors.ConfigError{Key: string(step.Kind), Reason: "unknown execution kind"}
		if lerr := e.backend.FailLease(ctx, step.ID); lerr != nil {
			return lerr
		}
		err = e.failStep(ctx, step, ferr)
	}

	e.metrics.StepDuration.WithLabelValues(string(step.Kind)).
		Observe(time.Since(started).Seconds())
	return err
}

// runSync executes an in-process handler with bounded retries.
func (e *Engine) runSync(ctx context.Context, rb *runbook.Runbook, step *runbook.Step, results map[string]any) error {
	exec, err := e.registry.Resolve(step.Handler)
	if err != nil {
		// The frozen handler vanished from the registry. Fatal, not
		// retryable.
		if lerr := e.backend.FailLease(ctx, step.ID); lerr != nil {
			return lerr
		}
		return e.failStep(ctx, step, err)
	}

	req := verb.Request{
		RunbookID: rb.ID,
		StepID:    step.ID,
		Verb:      step.Verb,
		Params:    step.Params,
		Steps:     results,
	}

	var out map[string]any
	err = e.retry.run(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.syncTimeout)
		defer cancel()

		res, err := exec.Execute(attemptCtx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		if lerr := e.backend.FailLease(ctx, step.ID); lerr != nil {
			return lerr
		}
		return e.failStep(ctx, step, err)
	}

	if err := e.backend.CompleteLease(ctx, step.ID); err != nil {
		return err
	}
	step.Result = out
	if err := e.transitionStep(ctx, step, runbook.StepStatusCompleted, ""); err != nil {
		return err
	}
	e.metrics.StepsCompleted.WithLabelValues(string(runbook.KindSync)).Inc()
	return nil
}

// runDurable parks the step behind a persisted invocation record.
func (e *Engine) runDurable(ctx context.Context, step *runbook.Step) error {
	// The catalog entry supplies defaults only; kind, handler, timeout,
	// and escalation were frozen at step creation.
	def, err := e.catalog.Lookup(step.Verb)
	if err != nil {
		def = verb.Verb{}
	}

	inv, err := e.dispatcher.Dispatch(ctx, step, def)
	if err != nil {
		if lerr := e.backend.FailLease(ctx, step.ID); lerr != nil {
			return lerr
		}
		return e.failStep(ctx, step, err)
	}
	e.metrics.Dispatches.Inc()

	if err := e.backend.CompleteLease(ctx, step.ID); err != nil {
		return err
	}
	step.InvocationID = inv.ID
	return e.transitionStep(ctx, step, runbook.StepStatusParked, "")
}

// failStep records terminal failure on the step. The returned error is
// nil: a handler failure is step state, not an advance failure.
func (e *Engine) failStep(ctx context.Context, step *runbook.Step, cause error) error {
	step.Error = cause.Error()
	if err := e.transitionStep(ctx, step, runbook.StepStatusFailed, ""); err != nil {
		return err
	}
	e.metrics.StepsFailed.Inc()
	return nil
}

// transitionStep validates and persists a step status change.
func (e *Engine) transitionStep(ctx context.Context, step *runbook.Step, to runbook.StepStatus, reason string) error {
	if err := runbook.ValidateStepTransition(step.Status, to); err != nil {
		return err
	}
	step.Status = to
	if reason != "" && step.Error == "" {
		step.Error = reason
	}
	step.UpdatedAt = e.now()
	return e.backend.UpdateStep(ctx, step)
}

// recomputeStatus derives the runbook's status from its steps.
func (e *Engine) recomputeStatus(ctx context.Context, rb *runbook.Runbook) error {
	if rb.Status.IsTerminal() {
		return nil
	}

	steps, err := e.backend.ListSteps(ctx, rb.ID)
	if err != nil {
		return err
	}
	// An empty runbook stays active: structure arrives append-only.
	if len(steps) == 0 {
		return nil
	}

	failed := anyFailed(steps)
	allTerminal := true
	for _, s := range steps {
		if !s.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}

	var next runbook.Status
	switch {
	case failed && rb.Policy == runbook.FailFast:
		next = runbook.StatusFailed
	case allTerminal && failed:
		next = runbook.StatusFailed
	case allTerminal:
		next = runbook.StatusCompleted
	default:
		return nil
	}

	if err := runbook.ValidateTransition(rb.Status, next); err != nil {
		return err
	}
	rb.Status = next
	rb.UpdatedAt = e.now()
	if err := e.backend.UpdateRunbook(ctx, rb); err != nil {
		return err
	}

	e.logger.Info("runbook reached terminal status",
		slog.String(log.RunbookIDKey, rb.ID),
		slog.String("status", string(next)))
	return nil
}

func anyFailed(steps []*runbook.Step) bool {
	for _, s := range steps {
		if s.Status == runbook.StepStatusFailed {
			return true
		}
	}
	return false
}

// completedResults maps completed step IDs to their results for guard
// evaluation and sync handler input.
func completedResults(steps []*runbook.Step) map[string]any {
	out := make(map[string]any)
	for _, s := range steps {
		if s.Status == runbook.StepStatusCompleted {
			out[s.ID] = s.Result
		}
	}
	return out
}
