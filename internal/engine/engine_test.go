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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runbook/internal/process"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store/memory"
	"github.com/tombee/runbook/internal/verb"
	"github.com/tombee/runbook/pkg/errors"
)

// fakeCatalog is a map-backed VerbSource for tests.
type fakeCatalog map[string]verb.Verb

func (c fakeCatalog) Lookup(name string) (verb.Verb, error) {
	v, ok := c[name]
	if !ok {
		return verb.Verb{}, &errors.NotFoundError{Resource: "verb", ID: name}
	}
	return v, nil
}

// fixture wires an engine against in-memory storage and a fake process
// engine.
type fixture struct {
	engine   *Engine
	backend  *memory.Backend
	proc     *process.Fake
	registry *verb.Registry
	catalog  fakeCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend := memory.New()
	proc := process.NewFake()
	registry := verb.NewRegistry()
	catalog := fakeCatalog{}

	dispatcher := verb.NewDispatcher(verb.DispatcherConfig{
		Invocations: backend,
		Engine:      proc,
	})

	eng := New(Config{
		Backend:      backend,
		Catalog:      catalog,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Processes:    proc,
		WorkerID:     "test-worker",
		RetryBackoff: time.Millisecond,
	})

	return &fixture{
		engine:   eng,
		backend:  backend,
		proc:     proc,
		registry: registry,
		catalog:  catalog,
	}
}

// addSyncVerb registers a sync verb plus its handler.
func (f *fixture) addSyncVerb(t *testing.T, name string, fn verb.Func) {
	t.Helper()
	f.catalog[name] = verb.Verb{Name: name, Kind: runbook.KindSync, Handler: name}
	require.NoError(t, f.registry.Register(name, fn))
}

// addDurableVerb registers a durable verb.
func (f *fixture) addDurableVerb(name, processRef string, opts ...func(*verb.Verb)) {
	v := verb.Verb{Name: name, Kind: runbook.KindDurable, ProcessRef: processRef}
	for _, opt := range opts {
		opt(&v)
	}
	f.catalog[name] = v
}

func (f *fixture) newRunbook(t *testing.T, policy runbook.FailurePolicy) *runbook.Runbook {
	t.Helper()
	rb, err := f.engine.CreateRunbook(context.Background(), CreateRunbookRequest{
		CaseRef: "case-1",
		Policy:  policy,
	})
	require.NoError(t, err)
	return rb
}

func (f *fixture) appendStep(t *testing.T, runbookID, verbName string, params map[string]any, deps ...string) *runbook.Step {
	t.Helper()
	step, err := f.engine.AppendStep(context.Background(), AppendStepRequest{
		RunbookID: runbookID,
		Verb:      verbName,
		Params:    params,
		DependsOn: deps,
	})
	require.NoError(t, err)
	return step
}

func (f *fixture) getStep(t *testing.T, id string) *runbook.Step {
	t.Helper()
	step, err := f.backend.GetStep(context.Background(), id)
	require.NoError(t, err)
	return step
}

func (f *fixture) getRunbook(t *testing.T, id string) *runbook.Runbook {
	t.Helper()
	rb, err := f.backend.GetRunbook(context.Background(), id)
	require.NoError(t, err)
	return rb
}
