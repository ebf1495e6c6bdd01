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

// Package lock provides keyed mutual exclusion for runbook advancement.
//
// The engine serializes all advance/resume/cancel work for a given runbook
// behind a per-key lock. The interface is injectable so a multi-instance
// deployment can substitute a distributed lock (e.g. advisory locks) for
// the in-process implementation.
package lock

import (
	"context"
	"sync"
)

// Locker grants exclusive access to a key. Acquire blocks until the lock
// is held or ctx is done; the returned release function must be called
// exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker backed by reference-counted mutexes.
// Entries are removed when the last holder or waiter releases, so the map
// does not grow with the number of runbooks ever seen.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{} // buffered size 1, holds the "token"
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Acquire implements Locker.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case <-e.ch:
		var once sync.Once
		release := func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.unref(key, e)
			})
		}
		return release, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) unref(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

var _ Locker = (*KeyedMutex)(nil)
