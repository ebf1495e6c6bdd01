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
	"time"

	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/runbook"
)

// Scanner periodically expires durable invocations whose deadline passed
// without a notification. Expiry and notification race safely: whichever
// resolves the invocation first wins, the loser sees a non-active record
// and backs off.
type Scanner struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScanner creates a timeout scanner. Interval defaults to 30s.
func NewScanner(engine *Engine, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		engine:   engine,
		interval: interval,
		logger:   engine.logger.With(slog.String("component", "scanner")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Scanner) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Scanner) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", log.Error(err))
			}
		}
	}
}

// Sweep expires every active invocation whose deadline is due, then
// re-advances the affected runbooks.
func (s *Scanner) Sweep(ctx context.Context) error {
	expired, err := s.engine.backend.ListActiveExpired(ctx, s.engine.now())
	if err != nil {
		return err
	}

	touched := make(map[string]bool)
	for _, inv := range expired {
		if err := s.engine.expireInvocation(ctx, inv.ID); err != nil {
			s.logger.Error("failed to expire invocation",
				slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
				log.Error(err))
			continue
		}
		touched[inv.RunbookID] = true
	}

	for runbookID := range touched {
		if err := s.engine.Advance(ctx, runbookID); err != nil {
			s.logger.Error("advance after expiry failed",
				slog.String(log.RunbookIDKey, runbookID),
				log.Error(err))
		}
	}
	return nil
}

// expireInvocation times out one invocation under the runbook lock. A
// step with an escalation handler routes there and the runbook escalates;
// otherwise the step fails and the failure policy decides what follows.
func (e *Engine) expireInvocation(ctx context.Context, invocationID string) error {
	inv, err := e.backend.GetInvocation(ctx, invocationID)
	if err != nil {
		return err
	}

	release, err := e.locks.Acquire(ctx, inv.RunbookID)
	if err != nil {
		return err
	}
	defer release()

	// Re-check under the lock: a notification may have won the race.
	inv, err = e.backend.GetInvocation(ctx, invocationID)
	if err != nil {
		return err
	}
	if inv.Status != runbook.InvocationActive {
		return nil
	}

	if err := runbook.ValidateInvocationTransition(inv.Status, runbook.InvocationTimedOut); err != nil {
		return err
	}
	inv.Status = runbook.InvocationTimedOut
	inv.UpdatedAt = e.now()
	if err := e.backend.UpdateInvocation(ctx, inv); err != nil {
		return err
	}
	e.metrics.Timeouts.Inc()

	step, err := e.backend.GetStep(ctx, inv.StepID)
	if err != nil {
		return err
	}
	if step.Status != runbook.StepStatusParked {
		return nil
	}

	step.Error = "durable wait timed out"
	if err := e.transitionStep(ctx, step, runbook.StepStatusFailed, ""); err != nil {
		return err
	}
	e.metrics.StepsFailed.Inc()

	logger := log.WithStepContext(e.logger, inv.RunbookID, inv.StepID)

	if inv.EscalationRef == "" {
		logger.Warn("durable wait timed out",
			slog.String(log.CorrelationKeyKey, inv.CorrelationKey))
		return nil
	}

	// Escalation route: hand the case to the named handler and mark the
	// runbook escalated for operator attention.
	rb, err := e.backend.GetRunbook(ctx, inv.RunbookID)
	if err != nil {
		return err
	}
	if !rb.Status.IsTerminal() {
		if err := runbook.ValidateTransition(rb.Status, runbook.StatusEscalated); err != nil {
			return err
		}
		rb.Status = runbook.StatusEscalated
		rb.UpdatedAt = e.now()
		if err := e.backend.UpdateRunbook(ctx, rb); err != nil {
			return err
		}
	}
	e.metrics.Escalations.Inc()

	logger.Warn("durable wait timed out, escalating",
		slog.String(log.CorrelationKeyKey, inv.CorrelationKey),
		slog.String("escalation_ref", inv.EscalationRef))
	return nil
}
