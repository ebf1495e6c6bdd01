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
	"time"

	"github.com/tombee/runbook/pkg/errors"
)

// retryPolicy bounds retries of a sync handler attempt. Fatal errors
// (validation, configuration) stop immediately; everything else retries
// with doubling backoff until attempts are exhausted.
type retryPolicy struct {
	attempts int // retries after the first attempt
	backoff  time.Duration
}

func (p retryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := p.backoff

	for attempt := 0; attempt <= p.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.IsFatal(lastErr) || !errors.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}
