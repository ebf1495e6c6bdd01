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

package process

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/runbook/pkg/errors"
)

func TestStartProcess_Success(t *testing.T) {
	var gotIdemKey string
	var gotReq StartRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/processes", r.URL.Path)
		gotIdemKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]string{"instance_id": "pi-1"})
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	id, err := e.StartProcess(context.Background(), StartRequest{
		ProcessRef:       "kyc.document-review",
		CorrelationKey:   "rb:rb-1:step:s-1",
		IdempotencyToken: "rb:rb-1:step:s-1",
		Params:           map[string]any{"client_id": "c-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi-1", id)
	assert.Equal(t, "rb:rb-1:step:s-1", gotIdemKey)
	assert.Equal(t, "kyc.document-review", gotReq.ProcessRef)
}

func TestStartProcess_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"instance_id": "pi-2"})
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{
		BaseURL:      srv.URL,
		RetryBackoff: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	})
	require.NoError(t, err)

	id, err := e.StartProcess(context.Background(), StartRequest{
		ProcessRef:       "p",
		CorrelationKey:   "k",
		IdempotencyToken: "k",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi-2", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartProcess_DoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such process definition", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = e.StartProcess(context.Background(), StartRequest{
		ProcessRef:       "missing",
		CorrelationKey:   "k",
		IdempotencyToken: "k",
	})
	require.Error(t, err)

	var derr *errors.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "missing", derr.ProcessRef)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestStartProcess_ExhaustedRetriesReturnDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{
		BaseURL:       srv.URL,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		MaxBackoff:    2 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = e.StartProcess(context.Background(), StartRequest{
		ProcessRef:       "p",
		CorrelationKey:   "k",
		IdempotencyToken: "k",
	})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err), "dispatch failures are retryable at a higher level")
}

func TestCancel_TreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	assert.NoError(t, e.Cancel(context.Background(), "pi-gone"))
}

func TestNewHTTPEngine_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPEngine(HTTPConfig{})
	require.Error(t, err)
	var cerr *errors.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestFake_IdempotentStarts(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id1, err := f.StartProcess(ctx, StartRequest{IdempotencyToken: "tok"})
	require.NoError(t, err)
	id2, err := f.StartProcess(ctx, StartRequest{IdempotencyToken: "tok"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same token yields same instance")
	assert.Len(t, f.Starts(), 2)
}
