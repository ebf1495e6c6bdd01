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

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return New()
	})
}

func TestTryAcquire_Concurrent(t *testing.T) {
	b := New()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	acquired := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := b.TryAcquire(ctx, "step-contended", "worker")
			require.NoError(t, err)
			acquired[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range acquired {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker may hold the lease")
}

func TestGetStep_ReturnsCopy(t *testing.T) {
	b := New()
	ctx := context.Background()

	rb := &runbook.Runbook{ID: "rb", CaseRef: "c", Status: runbook.StatusActive, Policy: runbook.FailFast}
	require.NoError(t, b.CreateRunbook(ctx, rb))
	step := &runbook.Step{ID: "s", RunbookID: "rb", Verb: "v", Kind: runbook.KindSync, Handler: "h", Status: runbook.StepStatusPending}
	require.NoError(t, b.CreateStep(ctx, step))

	got, err := b.GetStep(ctx, "s")
	require.NoError(t, err)
	got.Status = runbook.StepStatusCompleted

	reloaded, err := b.GetStep(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, runbook.StepStatusPending, reloaded.Status,
		"mutating a returned step must not change stored state")
}

func TestGetStep_DetachesMaps(t *testing.T) {
	b := New()
	ctx := context.Background()

	rb := &runbook.Runbook{ID: "rb", CaseRef: "c", Status: runbook.StatusActive, Policy: runbook.FailFast}
	require.NoError(t, b.CreateRunbook(ctx, rb))
	step := &runbook.Step{
		ID: "s", RunbookID: "rb", Verb: "v", Kind: runbook.KindSync, Handler: "h",
		Status: runbook.StepStatusPending,
		Params: map[string]any{"client_id": "c-1"},
		Result: map[string]any{"score": 0.5},
	}
	require.NoError(t, b.CreateStep(ctx, step))

	// Writing through the caller's map or a returned map must not leak
	// into stored state.
	step.Params["client_id"] = "tampered"
	got, err := b.GetStep(ctx, "s")
	require.NoError(t, err)
	got.Params["client_id"] = "also-tampered"
	got.Result["score"] = 0.99

	reloaded, err := b.GetStep(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "c-1", reloaded.Params["client_id"])
	assert.Equal(t, 0.5, reloaded.Result["score"])
}

func TestGetNotification_DetachesPayload(t *testing.T) {
	b := New()
	ctx := context.Background()

	inserted, err := b.InsertNotification(ctx, &runbook.Notification{
		CorrelationKey: "rb:a:step:b",
		Payload:        map[string]any{"decision": "approved"},
	})
	require.NoError(t, err)
	require.True(t, inserted)

	got, err := b.GetNotification(ctx, "rb:a:step:b")
	require.NoError(t, err)
	got.Payload["decision"] = "rejected"

	reloaded, err := b.GetNotification(ctx, "rb:a:step:b")
	require.NoError(t, err)
	assert.Equal(t, "approved", reloaded.Payload["decision"],
		"first-delivery-wins depends on the stored payload staying intact")
}
