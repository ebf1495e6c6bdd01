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
)

// Request carries everything a sync handler may inspect.
type Request struct {
	RunbookID string
	StepID    string
	Verb      string

	// Params is the step's own parameter map.
	Params map[string]any

	// Steps holds the results of completed steps, keyed by step ID.
	Steps map[string]any
}

// Executor runs a sync verb handler to completion. Implementations must
// honor ctx cancellation; the engine bounds each attempt with a deadline.
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, req Request) (map[string]any, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}
