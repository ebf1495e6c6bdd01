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

// Package store defines the storage interfaces for the orchestration engine.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on what
// they touch:
//
//   - RunbookStore: runbooks, steps, and edges — the graph of record
//   - LeaseStore: per-step execution leases
//   - InvocationStore: durable invocation records
//   - InboxStore: the idempotent notification inbox
//   - MutationLog: append-only audit of structural changes
//
// The Backend interface composes all of these plus io.Closer for
// full-featured implementations (memory, sqlite).
package store

import (
	"context"
	"io"
	"time"

	"github.com/tombee/runbook/internal/runbook"
)

// RunbookStore is the graph of record: runbooks, steps, and edges.
type RunbookStore interface {
	// CreateRunbook persists a new runbook.
	CreateRunbook(ctx context.Context, rb *runbook.Runbook) error

	// GetRunbook retrieves a runbook by ID.
	GetRunbook(ctx context.Context, id string) (*runbook.Runbook, error)

	// UpdateRunbook updates an existing runbook.
	UpdateRunbook(ctx context.Context, rb *runbook.Runbook) error

	// CreateStep persists a new step. Steps are never deleted.
	CreateStep(ctx context.Context, step *runbook.Step) error

	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, id string) (*runbook.Step, error)

	// UpdateStep updates an existing step.
	UpdateStep(ctx context.Context, step *runbook.Step) error

	// ListSteps returns all steps of a runbook in creation order.
	ListSteps(ctx context.Context, runbookID string) ([]*runbook.Step, error)

	// CreateEdge persists a dependency edge.
	CreateEdge(ctx context.Context, edge *runbook.Edge) error

	// ListEdges returns all edges of a runbook.
	ListEdges(ctx context.Context, runbookID string) ([]*runbook.Edge, error)
}

// LeaseStore provides per-step mutual exclusion for execution attempts.
type LeaseStore interface {
	// TryAcquire attempts to take the execution lease for a step.
	// Returns false without error when the lease is already running or
	// completed — the caller treats that as a no-op. A failed lease may
	// be re-acquired, incrementing the attempt count.
	TryAcquire(ctx context.Context, stepID, holderID string) (bool, error)

	// CompleteLease marks the step's lease completed. A completed lease
	// is retained forever, making re-execution a permanent no-op.
	CompleteLease(ctx context.Context, stepID string) error

	// FailLease marks the step's lease failed, allowing a retry.
	FailLease(ctx context.Context, stepID string) error

	// GetLease retrieves the lease for a step, if any.
	GetLease(ctx context.Context, stepID string) (*runbook.Lease, error)
}

// InvocationStore holds durable receipts for parked steps.
type InvocationStore interface {
	// CreateInvocation persists a new invocation record. It is an error
	// if an active record with the same correlation key already exists.
	CreateInvocation(ctx context.Context, inv *runbook.Invocation) error

	// GetInvocation retrieves an invocation by ID.
	GetInvocation(ctx context.Context, id string) (*runbook.Invocation, error)

	// GetActiveByCorrelationKey returns the single active invocation for
	// a correlation key, or a NotFoundError if none is active.
	GetActiveByCorrelationKey(ctx context.Context, key string) (*runbook.Invocation, error)

	// UpdateInvocation updates an existing invocation record.
	UpdateInvocation(ctx context.Context, inv *runbook.Invocation) error

	// ListActiveExpired returns active invocations whose timeout deadline
	// is at or before now.
	ListActiveExpired(ctx context.Context, now time.Time) ([]*runbook.Invocation, error)

	// ListActiveByRunbook returns all active invocations of a runbook.
	ListActiveByRunbook(ctx context.Context, runbookID string) ([]*runbook.Invocation, error)
}

// InboxStore is the idempotent landing zone for completion signals.
type InboxStore interface {
	// InsertNotification records a completion signal. Returns false when
	// a notification with the same correlation key already exists; the
	// duplicate is dropped and the stored row is untouched.
	InsertNotification(ctx context.Context, n *runbook.Notification) (bool, error)

	// GetNotification retrieves a notification by correlation key.
	GetNotification(ctx context.Context, key string) (*runbook.Notification, error)

	// MarkProcessed sets the processed flag on a notification.
	MarkProcessed(ctx context.Context, key string) error
}

// MutationLog records structural runbook changes, write-once.
type MutationLog interface {
	// AppendMutation appends an audit record.
	AppendMutation(ctx context.Context, m *runbook.Mutation) error

	// ListMutations returns a runbook's mutations in append order.
	ListMutations(ctx context.Context, runbookID string) ([]*runbook.Mutation, error)
}

// Backend is the composite interface implemented by full backends.
type Backend interface {
	RunbookStore
	LeaseStore
	InvocationStore
	InboxStore
	MutationLog
	io.Closer
}
