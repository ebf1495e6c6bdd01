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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/verb"
	"github.com/tombee/runbook/pkg/errors"
)

func TestAdvance_LinearSyncChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "client.load", func(_ context.Context, req verb.Request) (map[string]any, error) {
		return map[string]any{"client_id": req.Params["client_id"], "risk_tier": "high"}, nil
	})
	f.addSyncVerb(t, "sanctions.screen", func(_ context.Context, req verb.Request) (map[string]any, error) {
		return map[string]any{"hits": 0}, nil
	})

	rb := f.newRunbook(t, "")
	load := f.appendStep(t, rb.ID, "client.load", map[string]any{"client_id": "c-1"})
	screen := f.appendStep(t, rb.ID, "sanctions.screen", nil, load.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, load.ID).Status)
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, screen.ID).Status)
	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status)
	assert.Equal(t, map[string]any{"hits": 0}, f.getStep(t, screen.ID).Result)
}

func TestAdvance_SyncHandlerSeesUpstreamResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "produce", func(context.Context, verb.Request) (map[string]any, error) {
		return map[string]any{"value": 42}, nil
	})

	var seen map[string]any
	var producerID string
	f.addSyncVerb(t, "consume", func(_ context.Context, req verb.Request) (map[string]any, error) {
		seen, _ = req.Steps[producerID].(map[string]any)
		return nil, nil
	})

	rb := f.newRunbook(t, "")
	producer := f.appendStep(t, rb.ID, "produce", nil)
	producerID = producer.ID
	f.appendStep(t, rb.ID, "consume", nil, producer.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	assert.Equal(t, map[string]any{"value": 42}, seen)
}

func TestAdvance_DiamondTopologyRunsFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) verb.Func {
		return func(context.Context, verb.Request) (map[string]any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	f.addSyncVerb(t, "root", record("root"))
	f.addSyncVerb(t, "left", record("left"))
	f.addSyncVerb(t, "right", record("right"))
	f.addSyncVerb(t, "join", record("join"))

	rb := f.newRunbook(t, "")
	root := f.appendStep(t, rb.ID, "root", nil)
	left := f.appendStep(t, rb.ID, "left", nil, root.ID)
	right := f.appendStep(t, rb.ID, "right", nil, root.ID)
	join := f.appendStep(t, rb.ID, "join", nil, left.ID, right.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status)
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, join.ID).Status)
	require.Len(t, order, 4)
	assert.Equal(t, "root", order[0])
	assert.Equal(t, "join", order[3])
}

func TestAdvance_TerminalRunbookIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var runs atomic.Int32
	f.addSyncVerb(t, "count", func(context.Context, verb.Request) (map[string]any, error) {
		runs.Add(1)
		return nil, nil
	})

	rb := f.newRunbook(t, "")
	f.appendStep(t, rb.ID, "count", nil)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	require.NoError(t, f.engine.Advance(ctx, rb.ID))
	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, int32(1), runs.Load(), "completed step never re-executes")
	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status)
}

func TestAdvance_FailFastStopsScheduling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "boom", func(context.Context, verb.Request) (map[string]any, error) {
		return nil, &errors.ValidationError{Field: "input", Message: "bad input"}
	})
	var downstreamRan atomic.Bool
	f.addSyncVerb(t, "downstream", func(context.Context, verb.Request) (map[string]any, error) {
		downstreamRan.Store(true)
		return nil, nil
	})

	rb := f.newRunbook(t, runbook.FailFast)
	boom := f.appendStep(t, rb.ID, "boom", nil)
	down := f.appendStep(t, rb.ID, "downstream", nil, boom.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, runbook.StepStatusFailed, f.getStep(t, boom.ID).Status)
	assert.Equal(t, runbook.StepStatusPending, f.getStep(t, down.ID).Status,
		"fail_fast leaves unreached steps pending")
	assert.False(t, downstreamRan.Load())
	assert.Equal(t, runbook.StatusFailed, f.getRunbook(t, rb.ID).Status)
}

func TestAdvance_BestEffortSkipsDependentsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "boom", func(context.Context, verb.Request) (map[string]any, error) {
		return nil, errors.New("screening provider down")
	})
	f.addSyncVerb(t, "dependent", func(context.Context, verb.Request) (map[string]any, error) {
		return nil, nil
	})
	var independentRan atomic.Bool
	f.addSyncVerb(t, "independent", func(context.Context, verb.Request) (map[string]any, error) {
		independentRan.Store(true)
		return nil, nil
	})

	rb := f.newRunbook(t, runbook.BestEffort)
	boom := f.appendStep(t, rb.ID, "boom", nil)
	dep := f.appendStep(t, rb.ID, "dependent", nil, boom.ID)
	ind := f.appendStep(t, rb.ID, "independent", nil)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, runbook.StepStatusFailed, f.getStep(t, boom.ID).Status)
	assert.Equal(t, runbook.StepStatusSkipped, f.getStep(t, dep.ID).Status,
		"dependents of a failed producer are skipped")
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, ind.ID).Status)
	assert.True(t, independentRan.Load())
	assert.Equal(t, runbook.StatusFailed, f.getRunbook(t, rb.ID).Status,
		"a best_effort runbook with failures still ends failed")
}

func TestAdvance_GuardFalseSkipsWithoutLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addSyncVerb(t, "screen", func(context.Context, verb.Request) (map[string]any, error) {
		return map[string]any{"hits": 0}, nil
	})
	var reviewRan atomic.Bool
	f.addSyncVerb(t, "review", func(context.Context, verb.Request) (map[string]any, error) {
		reviewRan.Store(true)
		return nil, nil
	})
	f.addSyncVerb(t, "close", func(context.Context, verb.Request) (map[string]any, error) {
		return nil, nil
	})

	rb := f.newRunbook(t, "")
	screen := f.appendStep(t, rb.ID, "screen", nil)

	review, err := f.engine.AppendStep(ctx, AppendStepRequest{
		RunbookID: rb.ID,
		Verb:      "review",
		When:      `steps["` + screen.ID + `"].hits > 0`,
		DependsOn: []string{screen.ID},
	})
	require.NoError(t, err)
	f.appendStep(t, rb.ID, "close", nil, review.ID)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, runbook.StepStatusSkipped, f.getStep(t, review.ID).Status)
	assert.False(t, reviewRan.Load())

	_, err = f.backend.GetLease(ctx, review.ID)
	var notFound *errors.NotFoundError
	assert.ErrorAs(t, err, &notFound, "guard-skipped step never takes a lease")

	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status,
		"skipped producer releases its consumers")
}

func TestAdvance_SyncRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var attempts atomic.Int32
	f.addSyncVerb(t, "flaky", func(context.Context, verb.Request) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient provider error")
		}
		return map[string]any{"ok": true}, nil
	})

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "flaky", nil)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, step.ID).Status)
}

func TestAdvance_FatalErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var attempts atomic.Int32
	f.addSyncVerb(t, "invalid", func(context.Context, verb.Request) (map[string]any, error) {
		attempts.Add(1)
		return nil, &errors.ValidationError{Field: "params", Message: "missing client_id"}
	})

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "invalid", nil)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.Equal(t, int32(1), attempts.Load(), "validation errors are not retried")
	assert.Equal(t, runbook.StepStatusFailed, f.getStep(t, step.ID).Status)
}

func TestAdvance_FrozenHandlerSurvivesCatalogEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var oldRan, newRan atomic.Bool
	f.addSyncVerb(t, "screen", func(context.Context, verb.Request) (map[string]any, error) {
		oldRan.Store(true)
		return nil, nil
	})
	require.NoError(t, f.registry.Register("screen.v2", verb.Func(
		func(context.Context, verb.Request) (map[string]any, error) {
			newRan.Store(true)
			return nil, nil
		})))

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "screen", nil)

	// Catalog edit after the step exists: retarget the verb.
	f.catalog["screen"] = verb.Verb{Name: "screen", Kind: runbook.KindSync, Handler: "screen.v2"}

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	assert.True(t, oldRan.Load(), "step executes the handler frozen at creation")
	assert.False(t, newRan.Load())
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, step.ID).Status)
}

func TestAdvance_VanishedHandlerFailsFatally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Catalog entry exists but no handler is registered for it.
	f.catalog["ghost"] = verb.Verb{Name: "ghost", Kind: runbook.KindSync, Handler: "ghost.impl"}

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "ghost", nil)

	require.NoError(t, f.engine.Advance(ctx, rb.ID))

	got := f.getStep(t, step.ID)
	assert.Equal(t, runbook.StepStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no handler registered")
	assert.Equal(t, runbook.StatusFailed, f.getRunbook(t, rb.ID).Status)
}

func TestAdvance_ConcurrentCallsRunHandlerOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var executions atomic.Int32
	f.addSyncVerb(t, "sanctions.screen", func(_ context.Context, _ verb.Request) (map[string]any, error) {
		executions.Add(1)
		time.Sleep(25 * time.Millisecond)
		return map[string]any{"hits": 0}, nil
	})

	rb := f.newRunbook(t, "")
	step := f.appendStep(t, rb.ID, "sanctions.screen", nil)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.engine.Advance(ctx, rb.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), executions.Load(), "the lease admits exactly one execution")
	assert.Equal(t, runbook.StepStatusCompleted, f.getStep(t, step.ID).Status)
	assert.Equal(t, runbook.StatusCompleted, f.getRunbook(t, rb.ID).Status)
}
