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

	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/runbook"
)

// Cancel terminates a runbook: every non-terminal step and active
// invocation is marked cancelled, and cancellation of external process
// instances is requested best-effort. Cancelling a terminal runbook is a
// no-op. Late notifications for cancelled invocations are absorbed by the
// resume path.
func (e *Engine) Cancel(ctx context.Context, runbookID string) error {
	release, err := e.locks.Acquire(ctx, runbookID)
	if err != nil {
		return err
	}
	defer release()

	rb, err := e.backend.GetRunbook(ctx, runbookID)
	if err != nil {
		return err
	}
	if rb.Status.IsTerminal() {
		return nil
	}

	logger := log.WithRunbookContext(e.logger, rb.ID)

	steps, err := e.backend.ListSteps(ctx, rb.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status.IsTerminal() {
			continue
		}
		if err := e.transitionStep(ctx, step, runbook.StepStatusCancelled, "runbook cancelled"); err != nil {
			return err
		}
	}

	invs, err := e.backend.ListActiveByRunbook(ctx, rb.ID)
	if err != nil {
		return err
	}
	for _, inv := range invs {
		if err := runbook.ValidateInvocationTransition(inv.Status, runbook.InvocationCancelled); err != nil {
			return err
		}
		inv.Status = runbook.InvocationCancelled
		inv.UpdatedAt = e.now()
		if err := e.backend.UpdateInvocation(ctx, inv); err != nil {
			return err
		}

		// Best-effort: the external instance may already be gone, and a
		// missing external ref means the dispatch never landed.
		if inv.ExternalRef != "" && e.processes != nil {
			if err := e.processes.Cancel(ctx, inv.ExternalRef); err != nil {
				logger.Warn("external cancel failed",
					slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
					slog.String("instance_id", inv.ExternalRef),
					log.Error(err))
			}
		}
	}

	if err := runbook.ValidateTransition(rb.Status, runbook.StatusCancelled); err != nil {
		return err
	}
	rb.Status = runbook.StatusCancelled
	rb.UpdatedAt = e.now()
	if err := e.backend.UpdateRunbook(ctx, rb); err != nil {
		return err
	}

	logger.Info("runbook cancelled",
		slog.Int("steps", len(steps)),
		slog.Int("invocations", len(invs)))
	return nil
}
