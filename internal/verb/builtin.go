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
	"log/slog"
	"time"

	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/pkg/errors"
)

// RegisterBuiltins installs the sync handlers that ship with the daemon.
// Catalog entries reference them by these names:
//
//	core.noop  — completes immediately with no result
//	core.echo  — returns its params as the step result
//	core.log   — writes its params to the structured log
//	core.sleep — waits for the "duration" param (e.g. "5s")
func RegisterBuiltins(r *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	handlers := map[string]Func{
		"core.noop": func(context.Context, Request) (map[string]any, error) {
			return nil, nil
		},

		"core.echo": func(_ context.Context, req Request) (map[string]any, error) {
			return req.Params, nil
		},

		"core.log": func(_ context.Context, req Request) (map[string]any, error) {
			logger.Info("step log",
				slog.String(log.RunbookIDKey, req.RunbookID),
				slog.String(log.StepIDKey, req.StepID),
				slog.Any("params", req.Params))
			return nil, nil
		},

		"core.sleep": func(ctx context.Context, req Request) (map[string]any, error) {
			raw, _ := req.Params["duration"].(string)
			if raw == "" {
				return nil, &errors.ValidationError{Field: "duration", Message: "required"}
			}
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, &errors.ValidationError{Field: "duration", Message: err.Error()}
			}
			select {
			case <-time.After(d):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	for name, fn := range handlers {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
