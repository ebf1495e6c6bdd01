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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "params.client_id", Message: "must be a UUID"}
	assert.Equal(t, "validation failed on params.client_id: must be a UUID", err.Error())
	assert.Equal(t, "validation", err.ErrorType())
	assert.False(t, err.IsRetryable())

	noField := &ValidationError{Message: "empty payload"}
	assert.Equal(t, "validation failed: empty payload", noField.Error())
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "runbook", ID: "rb-123"}
	assert.Equal(t, "runbook not found: rb-123", err.Error())
	assert.False(t, err.IsRetryable())
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := stderrors.New("no such handler")
	err := &ConfigError{Key: "verbs.kyc.screen", Reason: "handler missing", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.IsRetryable())
}

func TestConfigError_MessageIncludesCause(t *testing.T) {
	cause := stderrors.New(`invalid duration "quickly"`)
	err := &ConfigError{Key: "config_file", Reason: "failed to load", Cause: cause}
	assert.Equal(t, `config error at config_file: failed to load: invalid duration "quickly"`, err.Error())

	bare := &ConfigError{Reason: "no backend configured"}
	assert.Equal(t, "config error: no backend configured", bare.Error())
}

func TestDispatchError_Retryable(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := &DispatchError{
		ProcessRef:     "kyc.document-review",
		CorrelationKey: "rb:a:step:b",
		Cause:          cause,
	}
	assert.Contains(t, err.Error(), "kyc.document-review")
	assert.Contains(t, err.Error(), "rb:a:step:b")
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "durable wait", Duration: 72 * time.Hour}
	assert.Equal(t, "durable wait timed out after 72h0m0s", err.Error())
	assert.False(t, err.IsRetryable())
}

func TestConflictError(t *testing.T) {
	err := &ConflictError{Resource: "step lease", ID: "step-9"}
	assert.Equal(t, "step lease already held: step-9", err.Error())
	assert.False(t, err.IsRetryable())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"dispatch error", &DispatchError{Cause: stderrors.New("x")}, true},
		{"config error", &ConfigError{Reason: "bad"}, false},
		{"wrapped config error", fmt.Errorf("advance: %w", &ConfigError{Reason: "bad"}), false},
		{"plain error defaults retryable", stderrors.New("downstream 503"), true},
		{"conflict", &ConflictError{Resource: "step lease"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&ConfigError{Reason: "unknown handler"}))
	assert.True(t, IsFatal(fmt.Errorf("step: %w", &ValidationError{Message: "bad params"})))
	assert.False(t, IsFatal(&DispatchError{Cause: stderrors.New("x")}))
	assert.False(t, IsFatal(stderrors.New("transient")))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, "timeout", TypeOf(&TimeoutError{Operation: "x"}))
	assert.Equal(t, "unknown", TypeOf(stderrors.New("anything")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	cause := stderrors.New("root")
	wrapped := Wrap(cause, "loading catalog")
	assert.Equal(t, "loading catalog: root", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)

	formatted := Wrapf(cause, "step %s", "abc")
	assert.Equal(t, "step abc: root", formatted.Error())
}
