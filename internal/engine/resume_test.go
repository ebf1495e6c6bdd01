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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/verb"
	"github.com/tombee/runbook/pkg/errors"
)

func TestDurableStep_ParksAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("kyc.request-documents", "kyc.document-review")
	var followupRan atomic.Bool
	f.addSyncVerb(t, "kyc.finalize", func(_ context.Context, req verb.Request) (map[string]any, error) {
		followupRan.Store(true)
		return nil, nil
	})

	rb := f.newRunbook(t, "")
	durable := f.appendStep(t, rb.ID, "kyc.request-documents", map[string]any{"client_id": "c-1"})
	followup := f.appendStep(t, rb.ID, "kyc.finalize", nil, durable.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	parked := f.getStep(t, durable.ID)
	assert.Equal(t, runbook.StepStatusParked, parked.Status)
	assert.NotEmpty(t, parked.InvocationID)
	assert.Equal(t, runbook.StatusActive, f.getRunbook(t, rb.ID).Status,
		"parked step keeps the runbook active")
	assert.False(t, followupRan.Load())

	starts := f.proc.Starts()
	require.Len(t, starts, 1)
	key := runbook.CorrelationKey(rb.ID, durable.ID)
	assert.Equal(t, key, starts[0].CorrelationKey)

	// External completion arrives.
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"decision": "approved"}))

	resumed := f.getStep(t, durable.ID)
	assert.Equal(t, runbook.StepStatusCompleted, resumed.Status)
	assert.Equal(t, map[string]any{"decision": "approved"}, resumed.Result)
	assert.True(t, followupRan.Load(), "resume advances the dependents")
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, followup.ID).Status)
	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status)
}

func TestNotify_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	key := runbook.CorrelationKey(rb.ID, step.ID)
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"decision": "approved"}))
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"decision": "rejected"}))

	got := f.getStep(t, step.ID)
	assert.Equal(t, runbook.StepStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"decision": "approved"}, got.Result,
		"first delivery wins, later payloads are dropped")
}

func TestNotify_RedeliveryAfterPartialDeliveryResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	// A prior delivery landed in the inbox but the process died before
	// the resume ran: active invocation, unprocessed row.
	key := runbook.CorrelationKey(rb.ID, step.ID)
	inserted, err := f.backend.InsertNotification(ctx, &runbook.Notification{
		CorrelationKey: key,
		Payload:        map[string]any{"decision": "approved"},
		ReceivedAt:     time.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	assert.Equal(t, runbook.StepStatusParked, f.getStep(t, step.ID).Status)

	// The at-least-once channel redelivers the signal.
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"decision": "rejected"}))

	got := f.getStep(t, step.ID)
	assert.Equal(t, runbook.StepStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"decision": "approved"}, got.Result,
		"resume replays the stored payload, not the redelivered one")

	n, err := f.backend.GetNotification(ctx, key)
	require.NoError(t, err)
	assert.True(t, n.Processed)
}

func TestNotify_UnknownKeyIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Notify(ctx, "rb:nope:step:nope", map[string]any{"x": 1}))

	n, err := f.backend.GetNotification(ctx, "rb:nope:step:nope")
	require.NoError(t, err)
	assert.True(t, n.Processed, "absorbed signals are marked processed")
}

func TestNotify_EmptyKeyRejected(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Notify(context.Background(), "", nil)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNotify_AppliesResultQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process", func(v *verb.Verb) {
		v.ResultQuery = ".review"
	})

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	key := runbook.CorrelationKey(rb.ID, step.ID)
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{
		"review":   map[string]any{"decision": "approved"},
		"metadata": map[string]any{"queue_time_ms": 12000},
	}))

	got := f.getStep(t, step.ID)
	assert.Equal(t, map[string]any{"decision": "approved"}, got.Result,
		"result_query reshapes the payload before storage")
}

func TestNotify_ScalarQueryResultIsWrapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process", func(v *verb.Verb) {
		v.ResultQuery = ".review.decision"
	})

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	key := runbook.CorrelationKey(rb.ID, step.ID)
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{
		"review": map[string]any{"decision": "approved"},
	}))

	assert.Equal(t, map[string]any{"result": "approved"}, f.getStep(t, step.ID).Result)
}

func TestNotify_DispatchFailureStillResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addDurableVerb("review", "review.process")
	f.proc.StartErr = errors.New("engine outage")

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "review", nil)
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	// The spawn failed but the record is authoritative: step is parked.
	assert.Equal(t, runbook.StepStatusParked, f.getStep(t, step.ID).Status)

	key := runbook.CorrelationKey(rb.ID, step.ID)
	inv, err := f.backend.GetActiveByCorrelationKey(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, inv.ExternalRef)

	// Operator redispatch once the engine is back.
	f.proc.StartErr = nil
	require.NoError(t, f.engine.Redispatch(ctx, rb.ID, step.ID))
	inv, err = f.backend.GetActiveByCorrelationKey(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ExternalRef)

	// And the notification completes it as usual.
	require.NoError(t, f.engine.Notify(ctx, key, map[string]any{"ok": true}))
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, step.ID).Status)
}
