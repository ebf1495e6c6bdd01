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
	"sync"

	"github.com/tombee/runbook/pkg/errors"
)

// Registry maps handler names to sync executors. The engine resolves the
// handler frozen onto the step, never the current catalog entry; a step
// whose frozen handler has since been unregistered fails with a fatal
// configuration error rather than silently running something else.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Executor
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Executor)}
}

// Register binds a handler name to an executor. Re-registering an existing
// name is a configuration error.
func (r *Registry) Register(name string, exec Executor) error {
	if name == "" {
		return &errors.ConfigError{Key: "handler", Reason: "handler name must not be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return &errors.ConfigError{Key: name, Reason: "handler already registered"}
	}
	r.handlers[name] = exec
	return nil
}

// Resolve returns the executor for a frozen handler name.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.handlers[name]
	if !ok {
		return nil, &errors.ConfigError{Key: name, Reason: "no handler registered"}
	}
	return exec, nil
}

// Names returns the registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
