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
	"fmt"
	"sync"
)

// Fake is an in-memory Engine for tests. It honors idempotency tokens the
// way the real engine does: a repeated start with the same token returns
// the original instance ID.
type Fake struct {
	mu        sync.Mutex
	byToken   map[string]string // idempotency token -> instance ID
	cancelled map[string]bool
	starts    []StartRequest
	seq       int

	// StartErr, when set, is returned by StartProcess.
	StartErr error

	// CancelErr, when set, is returned by Cancel.
	CancelErr error
}

// NewFake creates an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		byToken:   make(map[string]string),
		cancelled: make(map[string]bool),
	}
}

// StartProcess implements Engine.
func (f *Fake) StartProcess(_ context.Context, req StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return "", f.StartErr
	}

	f.starts = append(f.starts, req)

	if id, ok := f.byToken[req.IdempotencyToken]; ok {
		return id, nil
	}

	f.seq++
	id := fmt.Sprintf("pi-%04d", f.seq)
	f.byToken[req.IdempotencyToken] = id
	return id, nil
}

// Cancel implements Engine.
func (f *Fake) Cancel(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.cancelled[instanceID] = true
	return nil
}

// Starts returns a copy of all recorded start requests, including
// idempotent duplicates.
func (f *Fake) Starts() []StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StartRequest, len(f.starts))
	copy(out, f.starts)
	return out
}

// Cancelled reports whether Cancel was called for the instance.
func (f *Fake) Cancelled(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[instanceID]
}

var _ Engine = (*Fake)(nil)
