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
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/runbook/pkg/errors"
)

// HTTPConfig configures the HTTP process engine client.
type HTTPConfig struct {
	// BaseURL is the engine's API root, e.g. "https://engine.internal".
	BaseURL string

	// Token is an optional bearer token sent on every request.
	Token string

	// Timeout bounds a single HTTP exchange. Defaults to 30s.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the initial try.
	// Defaults to 3. Start requests are safe to retry because the
	// idempotency token deduplicates them engine-side.
	RetryAttempts int

	// RetryBackoff is the base delay between retries. Defaults to 500ms.
	RetryBackoff time.Duration

	// MaxBackoff caps the retry delay. Defaults to 10s.
	MaxBackoff time.Duration
}

// HTTPEngine is an Engine backed by the process engine's REST API.
type HTTPEngine struct {
	baseURL       string
	token         string
	client        *http.Client
	retryAttempts int
	retryBackoff  time.Duration
	maxBackoff    time.Duration
}

// NewHTTPEngine creates an HTTP process engine client.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, &errors.ConfigError{Key: "engine.base_url", Reason: "must not be empty"}
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, &errors.ConfigError{Key: "engine.base_url", Reason: "invalid URL", Cause: err}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	return &HTTPEngine{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		client:        &http.Client{Timeout: cfg.Timeout},
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		maxBackoff:    cfg.MaxBackoff,
	}, nil
}

type startResponse struct {
	InstanceID string `json:"instance_id"`
}

// StartProcess implements Engine. The idempotency token is sent both in the
// body and as an Idempotency-Key header, so retries of the POST cannot start
// a second instance.
func (e *HTTPEngine) StartProcess(ctx context.Context, req StartRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode start request: %w", err)
	}

	var instanceID string
	err = e.doWithRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			e.baseURL+"/v1/processes", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)
		if e.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+e.token)
		}

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return e.statusError(resp)
		}

		var sr startResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			return fmt.Errorf("failed to decode start response: %w", err)
		}
		if sr.InstanceID == "" {
			return fmt.Errorf("engine returned empty instance_id")
		}
		instanceID = sr.InstanceID
		return nil
	})
	if err != nil {
		return "", &errors.DispatchError{
			ProcessRef:     req.ProcessRef,
			CorrelationKey: req.CorrelationKey,
			Cause:          err,
		}
	}

	return instanceID, nil
}

// Cancel implements Engine. A 404 is treated as success: the instance is
// already gone.
func (e *HTTPEngine) Cancel(ctx context.Context, instanceID string) error {
	return e.doWithRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			e.baseURL+"/v1/processes/"+url.PathEscape(instanceID)+"/cancel", nil)
		if err != nil {
			return err
		}
		if e.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+e.token)
		}

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		default:
			return e.statusError(resp)
		}
	})
}

// doWithRetry runs fn with exponential backoff and jitter on retryable
// failures (transport errors, 5xx, 408, 429).
func (e *HTTPEngine) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= e.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}

func (e *HTTPEngine) backoff(attempt int) time.Duration {
	d := float64(e.retryBackoff) * math.Pow(2.0, float64(attempt-1))
	if d > float64(e.maxBackoff) {
		d = float64(e.maxBackoff)
	}
	// 0-20% jitter
	return time.Duration(d + rand.Float64()*d*0.2)
}

// statusError converts a non-success response to an error, marking it
// retryable when the status warrants another attempt.
func (e *HTTPEngine) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err}
	default:
		return &permanentError{err}
	}
}

type retryableError struct{ error }

func (e *retryableError) Unwrap() error { return e.error }

type permanentError struct{ error }

func (e *permanentError) Unwrap() error { return e.error }

func retryable(err error) bool {
	var perm *permanentError
	if stderrors.As(err, &perm) {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures default to retryable.
	return true
}

var _ Engine = (*HTTPEngine)(nil)
