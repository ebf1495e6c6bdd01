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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/verb"
)

// expire rewinds the active invocation's deadline so the next sweep
// picks it up.
func (f *fixture) expire(t *testing.T, runbookID, stepID string) {
	t.Helper()
	ctx := context.Background()
	key := runbook.CorrelationKey(runbookID, stepID)
	inv, err := f.backend.GetActiveByCorrelationKey(ctx, key)
	require.NoError(t, err)
	inv.TimeoutAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.backend.UpdateInvocation(ctx, inv))
}

func TestSweep_TimesOutExpiredInvocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, runbook.FailFast)
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	f.expire(t, rb.ID, step.ID)

	scanner := NewScanner(f.engine, time.Minute)
	require.NoError(t, scanner.Sweep(ctx))

	got := f.getStep(t, step.ID)
	assert.Equal(t, runbook.StepStatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")

	inv, err := f.backend.GetInvocation(ctx, got.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, runbook.InvocationTimedOut, inv.Status)
	assert.Equal(t, runbook.StatusFailed, f.getRunbook(t, rb.ID).Status)
}

func TestSweep_EscalationRoutesRunbook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process", func(v *verb.Verb) {
		v.EscalationRef = "ops.escalate"
	})
	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	f.expire(t, rb.ID, step.ID)

	scanner := NewScanner(f.engine, time.Minute)
	require.NoError(t, scanner.Sweep(ctx))

	assert.Equal(t, runbook.StepStatusFailed, f.getStep(t, step.ID).Status)
	assert.Equal(t, runbook.StatusEscalated, f.getRunbook(t, rb.ID).Status)
}

func TestSweep_LateNotificationAfterTimeoutIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	f.expire(t, rb.ID, step.ID)

	scanner := NewScanner(f.engine, time.Minute)
	require.NoError(t, scanner.Sweep(ctx))

	// The signal arrives after expiry: too late, state must not move.
	key := runbook.CorrelationKey(rb.ID, step.ID)
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"decision": "approved"}))

	got := f.getStep(t, step.ID)
	assert.Equal(t, runbook.StepStatusFailed, got.Status)
	assert.Empty(t, got.Result)
}

func TestSweep_NothingExpiredIsQuiet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	scanner := NewScanner(f.engine, time.Minute)
	require.NoError(t, scanner.Sweep(ctx))

	assert.Equal(t, runbook.StepStatusParked, f.getStep(t, step.ID).Status,
		"an unexpired invocation is untouched")
}

func TestScanner_StartStop(t *testing.T) {
	f := newFixture(t)

	scanner := NewScanner(f.engine, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	scanner.Stop()
}
