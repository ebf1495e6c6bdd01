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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/verb"
)

func TestCancel_ParkedRunbook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, "")
	durable := f.appendStep(t, rb.ID, "review", nil)
	pending := f.appendStep(t, rb.ID, "review", nil, durable.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	require.NoError(t, f.engine.Cancel(ctx, rb.ID))

	assert.Equal(t, runbook.StatusCancelled, f.getRunbook(t, rb.ID).Status)
	assert.Equal(t, runbook.StepStatusCancelled, f.getStep(t, durable.ID).Status)
	assert.Equal(t, runbook.StepStatusCancelled, f.getStep(t, pending.ID).Status)

	// The invocation is cancelled and the external instance was asked to
	// stop.
	inv, err := f.backend.GetInvocation(ctx, f.getStep(t, durable.ID).InvocationID)
	require.NoError(t, err)
	assert.Equal(t, runbook.InvocationCancelled, inv.Status)
	assert.True(t, f.proc.Cancelled(inv.ExternalRef))
}

func TestCancel_CompletedStepsKeepResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "done", func(context.Context, verb.Request) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	f.addDurableVerb("review", "review.process")

	rb := f.newRunbook(t, "")
	sync := f.appendStep(t, rb.ID, "done", nil)
	durable := f.appendStep(t, rb.ID, "review", nil, sync.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	require.NoError(t, f.engine.Cancel(ctx, rb.ID))

	got := f.getStep(t, sync.ID)
	assert.Equal(t, runbook.StepStatusCompleted, got.Status,
		"terminal steps are untouched by cancellation")
	assert.Equal(t, map[string]any{"ok": true}, got.Result)
	assert.Equal(t, runbook.StepStatusCancelled, f.getStep(t, durable.ID).Status)
}

func TestCancel_TerminalRunbookIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "done", func(context.Context, verb.Request) (map[string]any, error) {
		return nil, nil
	})
	rb := f.newRunbook(t, "")
	f.appendStep(t, rb.ID, "done", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	require.NoError(t, f.engine.Cancel(ctx, rb.ID))
	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status,
		"cancelling a completed runbook changes nothing")
}

func TestCancel_LateNotificationIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	require.NoError(t, f.engine.Cancel(ctx, rb.ID))

	key := runbook.CorrelationKey(rb.ID, step.ID)
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"decision": "approved"}))

	assert.Equal(t, runbook.StepStatusCancelled, f.getStep(t, step.ID).Status)
	assert.Equal(t, runbook.StatusCancelled, f.getRunbook(t, rb.ID).Status)
}
