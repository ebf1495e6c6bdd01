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

package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStepTransition_Legal(t *testing.T) {
	legal := []struct{ from, to StepStatus }{
		{StepStatusPending, StepStatusReady},
		{StepStatusPending, StepStatusSkipped},
		{StepStatusPending, StepStatusCancelled},
		{StepStatusReady, StepStatusRunning},
		{StepStatusReady, StepStatusSkipped},
		{StepStatusRunning, StepStatusCompleted},
		{StepStatusRunning, StepStatusParked},
		{StepStatusRunning, StepStatusFailed},
		{StepStatusParked, StepStatusCompleted},
		{StepStatusParked, StepStatusFailed},
		{StepStatusParked, StepStatusCancelled},
	}
	for _, tt := range legal {
		assert.NoError(t, ValidateStepTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidateStepTransition_Illegal(t *testing.T) {
	illegal := []struct{ from, to StepStatus }{
		{StepStatusPending, StepStatusRunning},
		{StepStatusPending, StepStatusCompleted},
		{StepStatusCompleted, StepStatusRunning},
		{StepStatusCompleted, StepStatusCompleted},
		{StepStatusFailed, StepStatusCompleted},
		{StepStatusCancelled, StepStatusReady},
		{StepStatusParked, StepStatusRunning},
		{StepStatusSkipped, StepStatusReady},
	}
	for _, tt := range illegal {
		assert.Error(t, ValidateStepTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidateTransition_Runbook(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusActive, StatusCompleted))
	assert.NoError(t, ValidateTransition(StatusActive, StatusCancelled))
	assert.NoError(t, ValidateTransition(StatusActive, StatusEscalated))
	assert.Error(t, ValidateTransition(StatusCompleted, StatusActive))
	assert.Error(t, ValidateTransition(StatusCancelled, StatusCompleted))
}

func TestValidateInvocationTransition(t *testing.T) {
	assert.NoError(t, ValidateInvocationTransition(InvocationActive, InvocationCompleted))
	assert.NoError(t, ValidateInvocationTransition(InvocationActive, InvocationTimedOut))
	assert.NoError(t, ValidateInvocationTransition(InvocationActive, InvocationCancelled))
	assert.Error(t, ValidateInvocationTransition(InvocationCompleted, InvocationTimedOut))
	assert.Error(t, ValidateInvocationTransition(InvocationTimedOut, InvocationCompleted))
}

func TestStepStatus_IsTerminal(t *testing.T) {
	assert.True(t, StepStatusCompleted.IsTerminal())
	assert.True(t, StepStatusFailed.IsTerminal())
	assert.True(t, StepStatusSkipped.IsTerminal())
	assert.True(t, StepStatusCancelled.IsTerminal())
	assert.False(t, StepStatusParked.IsTerminal(), "parked must resolve, it is not terminal")
	assert.False(t, StepStatusPending.IsTerminal())
	assert.False(t, StepStatusRunning.IsTerminal())
}

func TestCorrelationKey_Deterministic(t *testing.T) {
	a := CorrelationKey("rb-1", "step-1")
	b := CorrelationKey("rb-1", "step-1")
	assert.Equal(t, a, b)
	assert.Equal(t, "rb:rb-1:step:step-1", a)
	assert.NotEqual(t, a, CorrelationKey("rb-1", "step-2"))
}
