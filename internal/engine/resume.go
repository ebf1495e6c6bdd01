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
	"github.com/tombee/runbook/pkg/errors"
)

// Notify lands an external completion signal. The notification is written
// to the inbox first, where duplicate payloads collapse (first delivery
// wins), then matched against the active invocation for its correlation
// key. Every delivery drives the match, not just the first: the channel
// is at-least-once, and a redelivery may be the one that gets to finish.
// Signals with no active invocation (late, unknown, or already resolved)
// are absorbed silently.
//
// On a match the parked step completes with the (optionally jq-mapped)
// payload and the runbook advances.
func (e *Engine) Notify(ctx context.Context, key string, payload map[string]any) error {
	if key == "" {
		return &errors.ValidationError{Field: "correlation_key", Message: "must not be empty"}
	}

	inserted, err := e.backend.InsertNotification(ctx, &runbook.Notification{
		CorrelationKey: key,
		Payload:        payload,
		ReceivedAt:     e.now(),
	})
	if err != nil {
		return err
	}
	if inserted {
		e.metrics.Notifications.Inc()
	} else {
		e.metrics.DuplicateNotes.Inc()
		e.logger.Debug("duplicate notification, payload dropped",
			slog.String(log.CorrelationKeyKey, key))
	}

	// Duplicates still drive resolution. A crash between the insert and
	// the resume leaves an active invocation with an unprocessed inbox
	// row; the redelivered signal is the only chance to finish the job.
	// processNotification is idempotent: it re-checks the invocation
	// under the lock and resumes from the stored payload.
	runbookID, err := e.processNotification(ctx, key)
	if err != nil {
		return err
	}
	if runbookID == "" {
		return nil
	}
	return e.Advance(ctx, runbookID)
}

// processNotification resolves the inbox row against its invocation under
// the runbook lock. Returns the runbook to advance, or "" when the signal
// was absorbed.
func (e *Engine) processNotification(ctx context.Context, key string) (string, error) {
	inv, err := e.backend.GetActiveByCorrelationKey(ctx, key)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			// Unknown or already-resolved key. Keep the inbox row as an
			// audit trail but never act on it.
			e.logger.Info("notification has no active invocation, absorbing",
				slog.String(log.CorrelationKeyKey, key))
			return "", e.backend.MarkProcessed(ctx, key)
		}
		return "", err
	}

	release, err := e.locks.Acquire(ctx, inv.RunbookID)
	if err != nil {
		return "", err
	}
	defer release()

	// Re-check under the lock: the scanner or a cancellation may have
	// resolved the invocation while we waited.
	inv, err = e.backend.GetInvocation(ctx, inv.ID)
	if err != nil {
		return "", err
	}
	if inv.Status != runbook.InvocationActive {
		return "", e.backend.MarkProcessed(ctx, key)
	}

	// First delivery wins: resume from the stored payload, not the
	// caller's argument.
	stored, err := e.backend.GetNotification(ctx, key)
	if err != nil {
		return "", err
	}

	result := e.mapResult(ctx, inv, stored.Payload)

	if err := runbook.ValidateInvocationTransition(inv.Status, runbook.InvocationCompleted); err != nil {
		return "", err
	}
	inv.Status = runbook.InvocationCompleted
	inv.UpdatedAt = e.now()
	if err := e.backend.UpdateInvocation(ctx, inv); err != nil {
		return "", err
	}

	step, err := e.backend.GetStep(ctx, inv.StepID)
	if err != nil {
		return "", err
	}
	step.Result = result
	if err := e.transitionStep(ctx, step, runbook.StepStatusCompleted, ""); err != nil {
		return "", err
	}
	e.metrics.StepsCompleted.WithLabelValues(string(runbook.KindDurable)).Inc()

	if err := e.backend.MarkProcessed(ctx, key); err != nil {
		return "", err
	}

	e.logger.Info("durable step resumed",
		slog.String(log.RunbookIDKey, inv.RunbookID),
		slog.String(log.StepIDKey, inv.StepID),
		slog.String(log.CorrelationKeyKey, key))
	return inv.RunbookID, nil
}

// mapResult applies the verb's result_query to the notification payload.
// A missing verb or failing query falls back to the raw payload — resume
// must not wedge on a catalog edit made while the step was parked.
func (e *Engine) mapResult(ctx context.Context, inv *runbook.Invocation, payload map[string]any) map[string]any {
	verbName := ""
	if inv.Snapshot != nil {
		verbName = inv.Snapshot.Verb
	}
	if verbName == "" {
		return payload
	}

	def, err := e.catalog.Lookup(verbName)
	if err != nil || def.ResultQuery == "" {
		return payload
	}

	mapped, err := e.results.Execute(ctx, def.ResultQuery, anyMap(payload))
	if err != nil {
		e.logger.Warn("result query failed, storing raw payload",
			slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
			slog.String(log.VerbKey, verbName),
			log.Error(err))
		return payload
	}

	switch v := mapped.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	default:
		return map[string]any{"result": v}
	}
}

// anyMap widens a payload map for jq, which expects plain any values.
func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
