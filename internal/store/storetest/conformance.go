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

// Package storetest provides a conformance suite that every store backend
// must pass. Backend test packages call Run with a fresh-backend factory.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/pkg/errors"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

// Run executes the conformance suite against the backend under test.
func Run(t *testing.T, factory Factory) {
	t.Run("RunbookCRUD", func(t *testing.T) { testRunbookCRUD(t, factory(t)) })
	t.Run("StepCRUD", func(t *testing.T) { testStepCRUD(t, factory(t)) })
	t.Run("Edges", func(t *testing.T) { testEdges(t, factory(t)) })
	t.Run("LeaseLifecycle", func(t *testing.T) { testLeaseLifecycle(t, factory(t)) })
	t.Run("LeaseRetryAfterFailure", func(t *testing.T) { testLeaseRetry(t, factory(t)) })
	t.Run("InvocationActiveUniqueness", func(t *testing.T) { testInvocationUniqueness(t, factory(t)) })
	t.Run("InvocationExpiry", func(t *testing.T) { testInvocationExpiry(t, factory(t)) })
	t.Run("InboxIdempotency", func(t *testing.T) { testInboxIdempotency(t, factory(t)) })
	t.Run("MutationLog", func(t *testing.T) { testMutationLog(t, factory(t)) })
}

func newRunbook() *runbook.Runbook {
	return &runbook.Runbook{
		ID:      uuid.NewString(),
		CaseRef: "case-" + uuid.NewString()[:8],
		Status:  runbook.StatusActive,
		Policy:  runbook.FailFast,
	}
}

func newStep(runbookID string) *runbook.Step {
	return &runbook.Step{
		ID:        uuid.NewString(),
		RunbookID: runbookID,
		Verb:      "kyc.screen-client",
		Params:    map[string]any{"client_id": "c-1"},
		Kind:      runbook.KindSync,
		Handler:   "crud.generic",
		Status:    runbook.StepStatusPending,
	}
}

func testRunbookCRUD(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	rb := newRunbook()
	require.NoError(t, b.CreateRunbook(ctx, rb))
	assert.False(t, rb.CreatedAt.IsZero())

	got, err := b.GetRunbook(ctx, rb.ID)
	require.NoError(t, err)
	assert.Equal(t, rb.CaseRef, got.CaseRef)
	assert.Equal(t, runbook.StatusActive, got.Status)
	assert.Equal(t, runbook.FailFast, got.Policy)

	got.Status = runbook.StatusCompleted
	got.Version++
	require.NoError(t, b.UpdateRunbook(ctx, got))

	reloaded, err := b.GetRunbook(ctx, rb.ID)
	require.NoError(t, err)
	assert.Equal(t, runbook.StatusCompleted, reloaded.Status)
	assert.Equal(t, int64(1), reloaded.Version)

	_, err = b.GetRunbook(ctx, "missing")
	var notFound *errors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func testStepCRUD(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	rb := newRunbook()
	require.NoError(t, b.CreateRunbook(ctx, rb))

	step := newStep(rb.ID)
	step.Timeout = 48*time.Hour + 500*time.Millisecond
	require.NoError(t, b.CreateStep(ctx, step))

	got, err := b.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, "kyc.screen-client", got.Verb)
	assert.Equal(t, runbook.KindSync, got.Kind)
	assert.Equal(t, "crud.generic", got.Handler)
	assert.Equal(t, "c-1", got.Params["client_id"])
	assert.Equal(t, 48*time.Hour+500*time.Millisecond, got.Timeout,
		"timeouts round-trip with sub-second precision")

	got.Status = runbook.StepStatusCompleted
	got.Result = map[string]any{"score": 0.97}
	require.NoError(t, b.UpdateStep(ctx, got))

	reloaded, err := b.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, runbook.StepStatusCompleted, reloaded.Status)
	assert.InDelta(t, 0.97, reloaded.Result["score"], 0.0001)

	other := newStep(rb.ID)
	require.NoError(t, b.CreateStep(ctx, other))

	steps, err := b.ListSteps(ctx, rb.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, step.ID, steps[0].ID, "steps must list in creation order")
}

func testEdges(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	rb := newRunbook()
	require.NoError(t, b.CreateRunbook(ctx, rb))
	a := newStep(rb.ID)
	c := newStep(rb.ID)
	require.NoError(t, b.CreateStep(ctx, a))
	require.NoError(t, b.CreateStep(ctx, c))

	edge := &runbook.Edge{
		ID:        uuid.NewString(),
		RunbookID: rb.ID,
		FromStep:  a.ID,
		ToStep:    c.ID,
		Kind:      runbook.EdgeData,
	}
	require.NoError(t, b.CreateEdge(ctx, edge))

	edges, err := b.ListEdges(ctx, rb.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, a.ID, edges[0].FromStep)
	assert.Equal(t, c.ID, edges[0].ToStep)
	assert.Equal(t, runbook.EdgeData, edges[0].Kind)
}

func testLeaseLifecycle(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	stepID := uuid.NewString()

	acquired, err := b.TryAcquire(ctx, stepID, "worker-1")
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second acquire while running is a no-op.
	acquired, err = b.TryAcquire(ctx, stepID, "worker-2")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, b.CompleteLease(ctx, stepID))

	// A completed lease is never re-acquired.
	acquired, err = b.TryAcquire(ctx, stepID, "worker-3")
	require.NoError(t, err)
	assert.False(t, acquired)

	lease, err := b.GetLease(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, runbook.LeaseCompleted, lease.Status)
	assert.Equal(t, 1, lease.Attempts)
}

func testLeaseRetry(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	stepID := uuid.NewString()

	acquired, err := b.TryAcquire(ctx, stepID, "worker-1")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, b.FailLease(ctx, stepID))

	// A failed lease may be re-acquired, bumping the attempt count.
	acquired, err = b.TryAcquire(ctx, stepID, "worker-2")
	require.NoError(t, err)
	assert.True(t, acquired)

	lease, err := b.GetLease(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, runbook.LeaseRunning, lease.Status)
	assert.Equal(t, "worker-2", lease.HolderID)
	assert.Equal(t, 2, lease.Attempts)
}

func testInvocationUniqueness(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	key := runbook.CorrelationKey("rb-1", "step-1")
	first := &runbook.Invocation{
		ID:             uuid.NewString(),
		RunbookID:      "rb-1",
		StepID:         "step-1",
		CorrelationKey: key,
		ProcessRef:     "kyc.document-review",
		TimeoutAt:      time.Now().Add(time.Hour),
		Status:         runbook.InvocationActive,
	}
	require.NoError(t, b.CreateInvocation(ctx, first))

	dup := &runbook.Invocation{
		ID:             uuid.NewString(),
		RunbookID:      "rb-1",
		StepID:         "step-1",
		CorrelationKey: key,
		ProcessRef:     "kyc.document-review",
		TimeoutAt:      time.Now().Add(time.Hour),
		Status:         runbook.InvocationActive,
	}
	err := b.CreateInvocation(ctx, dup)
	var conflict *errors.ConflictError
	assert.ErrorAs(t, err, &conflict, "second active record for the same key must conflict")

	got, err := b.GetActiveByCorrelationKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// Resolving the first record frees the key for a new active record.
	got.Status = runbook.InvocationCompleted
	require.NoError(t, b.UpdateInvocation(ctx, got))

	_, err = b.GetActiveByCorrelationKey(ctx, key)
	var notFound *errors.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	require.NoError(t, b.CreateInvocation(ctx, dup))
}

func testInvocationExpiry(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	now := time.Now()

	overdue := &runbook.Invocation{
		ID:             uuid.NewString(),
		RunbookID:      "rb-1",
		StepID:         "step-1",
		CorrelationKey: runbook.CorrelationKey("rb-1", "step-1"),
		ProcessRef:     "p",
		TimeoutAt:      now.Add(-time.Minute),
		Status:         runbook.InvocationActive,
	}
	fresh := &runbook.Invocation{
		ID:             uuid.NewString(),
		RunbookID:      "rb-1",
		StepID:         "step-2",
		CorrelationKey: runbook.CorrelationKey("rb-1", "step-2"),
		ProcessRef:     "p",
		TimeoutAt:      now.Add(time.Hour),
		Status:         runbook.InvocationActive,
	}
	require.NoError(t, b.CreateInvocation(ctx, overdue))
	require.NoError(t, b.CreateInvocation(ctx, fresh))

	expired, err := b.ListActiveExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)

	active, err := b.ListActiveByRunbook(ctx, "rb-1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func testInboxIdempotency(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	key := runbook.CorrelationKey("rb-9", "step-9")
	inserted, err := b.InsertNotification(ctx, &runbook.Notification{
		CorrelationKey: key,
		Payload:        map[string]any{"ok": true},
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same key again: dropped, original payload untouched.
	inserted, err = b.InsertNotification(ctx, &runbook.Notification{
		CorrelationKey: key,
		Payload:        map[string]any{"ok": false},
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := b.GetNotification(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, true, n.Payload["ok"])
	assert.False(t, n.Processed)

	require.NoError(t, b.MarkProcessed(ctx, key))
	n, err = b.GetNotification(ctx, key)
	require.NoError(t, err)
	assert.True(t, n.Processed)
}

func testMutationLog(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	rbID := uuid.NewString()
	first := &runbook.Mutation{
		ID:        uuid.NewString(),
		RunbookID: rbID,
		Kind:      runbook.MutationAppendStep,
		Detail:    map[string]any{"step_id": "s-1", "verb": "kyc.screen-client"},
		CreatedBy: "agent-7",
	}
	second := &runbook.Mutation{
		ID:        uuid.NewString(),
		RunbookID: rbID,
		Kind:      runbook.MutationAppendEdge,
		Detail:    map[string]any{"from": "s-1", "to": "s-2"},
	}
	require.NoError(t, b.AppendMutation(ctx, first))
	require.NoError(t, b.AppendMutation(ctx, second))

	mutations, err := b.ListMutations(ctx, rbID)
	require.NoError(t, err)
	require.Len(t, mutations, 2)
	assert.Equal(t, runbook.MutationAppendStep, mutations[0].Kind)
	assert.Equal(t, runbook.MutationAppendEdge, mutations[1].Kind)
	assert.Equal(t, "agent-7", mutations[0].CreatedBy)
}
