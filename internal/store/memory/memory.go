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

// Package memory provides an in-memory backend for single-node deployments
// and tests. Rows and their top-level maps are copied on the way in and
// out so callers never alias stored state through the usual
// read-modify-update flow; values nested inside params, results, and
// payloads are shared and must be treated as read-only.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.RunbookStore    = (*Backend)(nil)
	_ store.LeaseStore      = (*Backend)(nil)
	_ store.InvocationStore = (*Backend)(nil)
	_ store.InboxStore      = (*Backend)(nil)
	_ store.MutationLog     = (*Backend)(nil)
	_ store.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu            sync.RWMutex
	runbooks      map[string]*runbook.Runbook
	steps         map[string]*runbook.Step
	stepOrder     []string
	edges         map[string][]*runbook.Edge
	leases        map[string]*runbook.Lease
	invocations   map[string]*runbook.Invocation
	notifications map[string]*runbook.Notification
	mutations     map[string][]*runbook.Mutation
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runbooks:      make(map[string]*runbook.Runbook),
		steps:         make(map[string]*runbook.Step),
		edges:         make(map[string][]*runbook.Edge),
		leases:        make(map[string]*runbook.Lease),
		invocations:   make(map[string]*runbook.Invocation),
		notifications: make(map[string]*runbook.Notification),
		mutations:     make(map[string][]*runbook.Mutation),
	}
}

// The clone helpers detach map headers from stored rows. maps.Clone keeps
// nil maps nil.

func cloneStep(s *runbook.Step) *runbook.Step {
	cp := *s
	cp.Params = maps.Clone(s.Params)
	cp.Result = maps.Clone(s.Result)
	return &cp
}

func cloneInvocation(inv *runbook.Invocation) *runbook.Invocation {
	cp := *inv
	if inv.Snapshot != nil {
		snap := *inv.Snapshot
		snap.Params = maps.Clone(inv.Snapshot.Params)
		cp.Snapshot = &snap
	}
	return &cp
}

func cloneNotification(n *runbook.Notification) *runbook.Notification {
	cp := *n
	cp.Payload = maps.Clone(n.Payload)
	return &cp
}

func cloneMutation(m *runbook.Mutation) *runbook.Mutation {
	cp := *m
	cp.Detail = maps.Clone(m.Detail)
	return &cp
}

// CreateRunbook persists a new runbook.
func (b *Backend) CreateRunbook(ctx context.Context, rb *runbook.Runbook) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runbooks[rb.ID]; exists {
		return fmt.Errorf("runbook already exists: %s", rb.ID)
	}

	rb.CreatedAt = time.Now()
	rb.UpdatedAt = rb.CreatedAt
	cp := *rb
	b.runbooks[rb.ID] = &cp
	return nil
}

// GetRunbook retrieves a runbook by ID.
func (b *Backend) GetRunbook(ctx context.Context, id string) (*runbook.Runbook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rb, exists := b.runbooks[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "runbook", ID: id}
	}
	cp := *rb
	return &cp, nil
}

// UpdateRunbook updates an existing runbook.
func (b *Backend) UpdateRunbook(ctx context.Context, rb *runbook.Runbook) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runbooks[rb.ID]; !exists {
		return &errors.NotFoundError{Resource: "runbook", ID: rb.ID}
	}

	rb.UpdatedAt = time.Now()
	cp := *rb
	b.runbooks[rb.ID] = &cp
	return nil
}

// CreateStep persists a new step.
func (b *Backend) CreateStep(ctx context.Context, step *runbook.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.steps[step.ID]; exists {
		return fmt.Errorf("step already exists: %s", step.ID)
	}

	step.CreatedAt = time.Now()
	step.UpdatedAt = step.CreatedAt
	b.steps[step.ID] = cloneStep(step)
	b.stepOrder = append(b.stepOrder, step.ID)
	return nil
}

// GetStep retrieves a step by ID.
func (b *Backend) GetStep(ctx context.Context, id string) (*runbook.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	step, exists := b.steps[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "step", ID: id}
	}
	return cloneStep(step), nil
}

// UpdateStep updates an existing step.
func (b *Backend) UpdateStep(ctx context.Context, step *runbook.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.steps[step.ID]; !exists {
		return &errors.NotFoundError{Resource: "step", ID: step.ID}
	}

	step.UpdatedAt = time.Now()
	b.steps[step.ID] = cloneStep(step)
	return nil
}

// ListSteps returns all steps of a runbook in creation order.
func (b *Backend) ListSteps(ctx context.Context, runbookID string) ([]*runbook.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var steps []*runbook.Step
	for _, id := range b.stepOrder {
		step := b.steps[id]
		if step.RunbookID == runbookID {
			steps = append(steps, cloneStep(step))
		}
	}
	return steps, nil
}

// CreateEdge persists a dependency edge.
func (b *Backend) CreateEdge(ctx context.Context, edge *runbook.Edge) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	edge.CreatedAt = time.Now()
	cp := *edge
	b.edges[edge.RunbookID] = append(b.edges[edge.RunbookID], &cp)
	return nil
}

// ListEdges returns all edges of a runbook.
func (b *Backend) ListEdges(ctx context.Context, runbookID string) ([]*runbook.Edge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var edges []*runbook.Edge
	for _, edge := range b.edges[runbookID] {
		cp := *edge
		edges = append(edges, &cp)
	}
	return edges, nil
}

// TryAcquire attempts to take the execution lease for a step.
func (b *Backend) TryAcquire(ctx context.Context, stepID, holderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lease, exists := b.leases[stepID]
	if !exists {
		now := time.Now()
		b.leases[stepID] = &runbook.Lease{
			StepID:    stepID,
			Status:    runbook.LeaseRunning,
			HolderID:  holderID,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true, nil
	}

	switch lease.Status {
	case runbook.LeaseRunning, runbook.LeaseCompleted:
		return false, nil
	case runbook.LeaseFailed:
		lease.Status = runbook.LeaseRunning
		lease.HolderID = holderID
		lease.Attempts++
		lease.UpdatedAt = time.Now()
		return true, nil
	}
	return false, fmt.Errorf("lease %s in unexpected status %s", stepID, lease.Status)
}

// CompleteLease marks the step's lease completed.
func (b *Backend) CompleteLease(ctx context.Context, stepID string) error {
	return b.setLeaseStatus(stepID, runbook.LeaseCompleted)
}

// FailLease marks the step's lease failed.
func (b *Backend) FailLease(ctx context.Context, stepID string) error {
	return b.setLeaseStatus(stepID, runbook.LeaseFailed)
}

func (b *Backend) setLeaseStatus(stepID string, status runbook.LeaseStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lease, exists := b.leases[stepID]
	if !exists {
		return &errors.NotFoundError{Resource: "lease", ID: stepID}
	}
	if lease.Status != runbook.LeaseRunning {
		return fmt.Errorf("lease %s is %s, not running", stepID, lease.Status)
	}
	lease.Status = status
	lease.UpdatedAt = time.Now()
	return nil
}

// GetLease retrieves the lease for a step.
func (b *Backend) GetLease(ctx context.Context, stepID string) (*runbook.Lease, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lease, exists := b.leases[stepID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "lease", ID: stepID}
	}
	cp := *lease
	return &cp, nil
}

// CreateInvocation persists a new invocation record. The active-uniqueness
// invariant on correlation key is enforced here.
func (b *Backend) CreateInvocation(ctx context.Context, inv *runbook.Invocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.invocations {
		if existing.CorrelationKey == inv.CorrelationKey && existing.Status == runbook.InvocationActive {
			return &errors.ConflictError{Resource: "active invocation", ID: inv.CorrelationKey}
		}
	}

	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	b.invocations[inv.ID] = cloneInvocation(inv)
	return nil
}

// GetInvocation retrieves an invocation by ID.
func (b *Backend) GetInvocation(ctx context.Context, id string) (*runbook.Invocation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	inv, exists := b.invocations[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "invocation", ID: id}
	}
	return cloneInvocation(inv), nil
}

// GetActiveByCorrelationKey returns the single active invocation for a key.
func (b *Backend) GetActiveByCorrelationKey(ctx context.Context, key string) (*runbook.Invocation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, inv := range b.invocations {
		if inv.CorrelationKey == key && inv.Status == runbook.InvocationActive {
			return cloneInvocation(inv), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "active invocation", ID: key}
}

// UpdateInvocation updates an existing invocation record.
func (b *Backend) UpdateInvocation(ctx context.Context, inv *runbook.Invocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.invocations[inv.ID]; !exists {
		return &errors.NotFoundError{Resource: "invocation", ID: inv.ID}
	}

	inv.UpdatedAt = time.Now()
	b.invocations[inv.ID] = cloneInvocation(inv)
	return nil
}

// ListActiveExpired returns active invocations past their deadline.
func (b *Backend) ListActiveExpired(ctx context.Context, now time.Time) ([]*runbook.Invocation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var expired []*runbook.Invocation
	for _, inv := range b.invocations {
		if inv.Status == runbook.InvocationActive && !inv.TimeoutAt.After(now) {
			expired = append(expired, cloneInvocation(inv))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TimeoutAt.Before(expired[j].TimeoutAt) })
	return expired, nil
}

// ListActiveByRunbook returns all active invocations of a runbook.
func (b *Backend) ListActiveByRunbook(ctx context.Context, runbookID string) ([]*runbook.Invocation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var active []*runbook.Invocation
	for _, inv := range b.invocations {
		if inv.RunbookID == runbookID && inv.Status == runbook.InvocationActive {
			active = append(active, cloneInvocation(inv))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active, nil
}

// InsertNotification records a completion signal idempotently.
func (b *Backend) InsertNotification(ctx context.Context, n *runbook.Notification) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.notifications[n.CorrelationKey]; exists {
		return false, nil
	}

	n.ReceivedAt = time.Now()
	b.notifications[n.CorrelationKey] = cloneNotification(n)
	return true, nil
}

// GetNotification retrieves a notification by correlation key.
func (b *Backend) GetNotification(ctx context.Context, key string) (*runbook.Notification, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, exists := b.notifications[key]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "notification", ID: key}
	}
	return cloneNotification(n), nil
}

// MarkProcessed sets the processed flag on a notification.
func (b *Backend) MarkProcessed(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, exists := b.notifications[key]
	if !exists {
		return &errors.NotFoundError{Resource: "notification", ID: key}
	}
	n.Processed = true
	return nil
}

// AppendMutation appends an audit record.
func (b *Backend) AppendMutation(ctx context.Context, m *runbook.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.CreatedAt = time.Now()
	b.mutations[m.RunbookID] = append(b.mutations[m.RunbookID], cloneMutation(m))
	return nil
}

// ListMutations returns a runbook's mutations in append order.
func (b *Backend) ListMutations(ctx context.Context, runbookID string) ([]*runbook.Mutation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var mutations []*runbook.Mutation
	for _, m := range b.mutations[runbookID] {
		mutations = append(mutations, cloneMutation(m))
	}
	return mutations, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}
