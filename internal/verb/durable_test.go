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

package verb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runbook/internal/process"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store/memory"
	"github.com/tombee/runbook/pkg/errors"
)

func durableStep() *runbook.Step {
	return &runbook.Step{
		ID:        "step-1",
		RunbookID: "rb-1",
		Verb:      "kyc.request-documents",
		Kind:      runbook.KindDurable,
		Handler:   "kyc.document-review",
		Params:    map[string]any{"client_id": "c-1"},
		Status:    runbook.StepStatusRunning,
	}
}

func TestDispatch_PersistsThenSpawns(t *testing.T) {
	backend := memory.New()
	engine := process.NewFake()
	d := NewDispatcher(DispatcherConfig{Invocations: backend, Engine: engine})

	inv, err := d.Dispatch(context.Background(), durableStep(), Verb{})
	require.NoError(t, err)

	assert.Equal(t, "rb:rb-1:step:step-1", inv.CorrelationKey)
	assert.Equal(t, "kyc.document-review", inv.ProcessRef)
	assert.Equal(t, runbook.InvocationActive, inv.Status)
	require.NotNil(t, inv.Snapshot)
	assert.Equal(t, "c-1", inv.Snapshot.Params["client_id"])

	starts := engine.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, inv.CorrelationKey, starts[0].IdempotencyToken,
		"correlation key doubles as idempotency token")

	// External ref recorded best-effort.
	stored, err := backend.GetActiveByCorrelationKey(context.Background(), inv.CorrelationKey)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ExternalRef)
}

func TestDispatch_EngineFailureLeavesActiveRecord(t *testing.T) {
	backend := memory.New()
	engine := process.NewFake()
	engine.StartErr = &errors.DispatchError{ProcessRef: "p", Cause: errors.New("engine down")}
	d := NewDispatcher(DispatcherConfig{Invocations: backend, Engine: engine})

	inv, err := d.Dispatch(context.Background(), durableStep(), Verb{})
	require.NoError(t, err, "dispatch failure after persist is non-fatal")

	stored, err := backend.GetActiveByCorrelationKey(context.Background(), inv.CorrelationKey)
	require.NoError(t, err)
	assert.Equal(t, runbook.InvocationActive, stored.Status)
	assert.Empty(t, stored.ExternalRef)
}

func TestDispatch_RetryReusesActiveRecord(t *testing.T) {
	backend := memory.New()
	engine := process.NewFake()
	d := NewDispatcher(DispatcherConfig{Invocations: backend, Engine: engine})
	ctx := context.Background()

	first, err := d.Dispatch(ctx, durableStep(), Verb{})
	require.NoError(t, err)

	// Crash-and-retry: same step dispatched again.
	second, err := d.Dispatch(ctx, durableStep(), Verb{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "retry adopts the existing record")

	starts := engine.Starts()
	require.Len(t, starts, 2)
	assert.Equal(t, starts[0].IdempotencyToken, starts[1].IdempotencyToken)
	assert.Equal(t, first.ExternalRef, second.ExternalRef,
		"engine deduplicates by token, one instance total")
}

func TestDispatch_TimeoutPrecedence(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		stepTimeout time.Duration
		verbTimeout time.Duration
		want        time.Duration
	}{
		{"step overrides verb", 2 * time.Hour, 24 * time.Hour, 2 * time.Hour},
		{"verb when step unset", 0, 24 * time.Hour, 24 * time.Hour},
		{"default when both unset", 0, 0, DefaultDurableTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := memory.New()
			d := NewDispatcher(DispatcherConfig{Invocations: backend, Engine: process.NewFake()})
			d.now = func() time.Time { return base }

			step := durableStep()
			step.Timeout = tt.stepTimeout

			inv, err := d.Dispatch(ctx, step, Verb{Timeout: tt.verbTimeout})
			require.NoError(t, err)
			assert.Equal(t, base.Add(tt.want), inv.TimeoutAt)
		})
	}
}

func TestDispatch_CarriesEscalationRef(t *testing.T) {
	backend := memory.New()
	d := NewDispatcher(DispatcherConfig{Invocations: backend, Engine: process.NewFake()})

	step := durableStep()
	step.EscalationRef = "ops.escalate"

	inv, err := d.Dispatch(context.Background(), step, Verb{})
	require.NoError(t, err)
	assert.Equal(t, "ops.escalate", inv.EscalationRef)
}
