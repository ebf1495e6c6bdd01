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

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/pkg/errors"
)

// View is a read-only assembly of a runbook and its structure.
type View struct {
	Runbook   *runbook.Runbook    `json:"runbook"`
	Steps     []*runbook.Step     `json:"steps"`
	Edges     []*runbook.Edge     `json:"edges"`
	Mutations []*runbook.Mutation `json:"mutations,omitempty"`
}

// Get assembles the full view of a runbook.
func (e *Engine) Get(ctx context.Context, runbookID string) (*View, error) {
	rb, err := e.backend.GetRunbook(ctx, runbookID)
	if err != nil {
		return nil, err
	}
	steps, err := e.backend.ListSteps(ctx, runbookID)
	if err != nil {
		return nil, err
	}
	edges, err := e.backend.ListEdges(ctx, runbookID)
	if err != nil {
		return nil, err
	}
	mutations, err := e.backend.ListMutations(ctx, runbookID)
	if err != nil {
		return nil, err
	}

	return &View{Runbook: rb, Steps: steps, Edges: edges, Mutations: mutations}, nil
}

// Redispatch re-sends the start request for a step's active invocation.
// Used by operators when the initial dispatch failed after the record was
// persisted. The idempotency token makes this safe even if the original
// request did land.
func (e *Engine) Redispatch(ctx context.Context, runbookID, stepID string) error {
	release, err := e.locks.Acquire(ctx, runbookID)
	if err != nil {
		return err
	}
	defer release()

	key := runbook.CorrelationKey(runbookID, stepID)
	inv, err := e.backend.GetActiveByCorrelationKey(ctx, key)
	if err != nil {
		return err
	}
	if e.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	return e.dispatcher.Redispatch(ctx, inv)
}
