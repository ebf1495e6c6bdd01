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

// Package runbook defines the domain model for runbook orchestration:
// runbooks, steps, edges, execution leases, invocation records, and the
// notification inbox, together with the status state machines that guard
// their lifecycle transitions.
package runbook

import (
	"fmt"
	"time"
)

// Status represents the lifecycle status of a runbook.
type Status string

const (
	// StatusActive indicates the runbook has non-terminal steps.
	StatusActive Status = "active"
	// StatusCompleted indicates all steps reached terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a step failed non-recoverably.
	StatusFailed Status = "failed"
	// StatusEscalated indicates a durable step breached a hard threshold
	// and was routed to an escalation handler.
	StatusEscalated Status = "escalated"
	// StatusCancelled indicates the runbook was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// FailurePolicy controls how a runbook reacts to a failed step.
type FailurePolicy string

const (
	// FailFast marks the runbook failed on the first non-recoverable step
	// failure. This is the default.
	FailFast FailurePolicy = "fail_fast"
	// BestEffort continues executing independent steps past a failure and
	// skips only the failed step's dependents.
	BestEffort FailurePolicy = "best_effort"
)

// StepStatus represents the execution status of a runbook step.
type StepStatus string

const (
	// StepStatusPending indicates unmet dependency edges.
	StepStatusPending StepStatus = "pending"
	// StepStatusReady indicates all producer edges have completed sources.
	StepStatusReady StepStatus = "ready"
	// StepStatusRunning indicates lease-held execution.
	StepStatusRunning StepStatus = "running"
	// StepStatusParked indicates a durable wait on an external signal.
	// Parked is not terminal: it resolves to completed or failed.
	StepStatusParked StepStatus = "parked"
	// StepStatusCompleted indicates terminal success.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates terminal failure.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was skipped (guard condition
	// false, or dependency failure under best_effort policy).
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled indicates the owning runbook was cancelled.
	StepStatusCancelled StepStatus = "cancelled"
)

// ExecKind is a verb's execution kind, frozen onto each step at creation.
type ExecKind string

const (
	// KindSync runs a bounded in-process handler to completion.
	KindSync ExecKind = "sync"
	// KindDurable spawns external work and parks the step.
	KindDurable ExecKind = "durable"
)

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	// EdgeData means the consumer needs the producer's output.
	EdgeData EdgeKind = "data"
	// EdgeOrder is a pure ordering dependency.
	EdgeOrder EdgeKind = "order"
)

// Runbook is a DAG of verb invocations belonging to one case.
type Runbook struct {
	ID        string        `json:"id"`
	CaseRef   string        `json:"case_ref"`
	Status    Status        `json:"status"`
	CreatedBy string        `json:"created_by,omitempty"`
	Policy    FailurePolicy `json:"policy"`
	// Version is a monotonic counter bumped on every structural mutation.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one verb invocation inside a runbook. Kind and Handler are frozen
// at creation time: once a step exists, later changes to the verb's declared
// configuration never alter it, so in-flight runbooks are immune to drift.
type Step struct {
	ID        string         `json:"id"`
	RunbookID string         `json:"runbook_id"`
	Verb      string         `json:"verb"`
	Params    map[string]any `json:"params,omitempty"`

	// Kind and Handler are copied from the verb definition when the step
	// is appended and are never updated afterwards.
	Kind    ExecKind `json:"kind"`
	Handler string   `json:"handler"`

	// When is an optional guard expression evaluated against prior step
	// outputs; false skips the step without acquiring a lease.
	When string `json:"when,omitempty"`

	Status StepStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	// InvocationID references the active invocation record while parked.
	InvocationID string `json:"invocation_id,omitempty"`

	// EscalationRef names an escalation handler consulted on durable
	// timeout. Empty means plain failure.
	EscalationRef string `json:"escalation_ref,omitempty"`

	// Timeout bounds the durable wait. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Edge is a directed dependency between two steps of one runbook. The edge
// table is the single source of truth for scheduling order.
type Edge struct {
	ID        string    `json:"id"`
	RunbookID string    `json:"runbook_id"`
	FromStep  string    `json:"from_step"`
	ToStep    string    `json:"to_step"`
	Kind      EdgeKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// LeaseStatus is the status of a step execution lease.
type LeaseStatus string

const (
	// LeaseRunning means a worker currently holds the step.
	LeaseRunning LeaseStatus = "running"
	// LeaseCompleted means the step's handler ran to completion; the
	// lease is retained so re-execution is a permanent no-op.
	LeaseCompleted LeaseStatus = "completed"
	// LeaseFailed means the last attempt failed; a retry may re-acquire.
	LeaseFailed LeaseStatus = "failed"
)

// Lease is the one-row-per-step lock record guarding execution attempts.
// At most one lease per step is running at any time; a completed lease is
// never re-acquired.
type Lease struct {
	StepID    string      `json:"step_id"`
	Status    LeaseStatus `json:"status"`
	HolderID  string      `json:"holder_id"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// InvocationStatus is the status of a durable invocation record.
type InvocationStatus string

const (
	// InvocationActive means external work is outstanding.
	InvocationActive InvocationStatus = "active"
	// InvocationCompleted means a matching notification resolved it.
	InvocationCompleted InvocationStatus = "completed"
	// InvocationTimedOut means the deadline passed with no notification.
	InvocationTimedOut InvocationStatus = "timed_out"
	// InvocationCancelled means the owning runbook was cancelled.
	InvocationCancelled InvocationStatus = "cancelled"
)

// Invocation is the durable receipt for a parked durable step. It is
// persisted before the external call is attempted, so the record, not the
// call, is authoritative.
type Invocation struct {
	ID        string `json:"id"`
	RunbookID string `json:"runbook_id"`
	StepID    string `json:"step_id"`

	// CorrelationKey is derived deterministically from runbook and step
	// identity; retried dispatches of the same logical step reuse it.
	// Globally unique among active records.
	CorrelationKey string `json:"correlation_key"`

	// ProcessRef names the external process definition to start.
	ProcessRef string `json:"process_ref"`

	// ExternalRef is the engine-assigned instance id. Best-effort: it may
	// be empty if the dispatch call failed after the record was persisted.
	ExternalRef string `json:"external_ref,omitempty"`

	// Snapshot captures everything needed to resume without ambient state.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	TimeoutAt     time.Time        `json:"timeout_at"`
	EscalationRef string           `json:"escalation_ref,omitempty"`
	Status        InvocationStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Notification is one inbox row recording an external completion signal.
// Unique on correlation key: duplicate deliveries collapse to a no-op.
type Notification struct {
	CorrelationKey string         `json:"correlation_key"`
	Payload        map[string]any `json:"payload,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	Processed      bool           `json:"processed"`
}

// MutationKind classifies a structural runbook change.
type MutationKind string

const (
	// MutationAppendStep records a step appended to the DAG.
	MutationAppendStep MutationKind = "append_step"
	// MutationAppendEdge records an edge appended to the DAG.
	MutationAppendEdge MutationKind = "append_edge"
)

// Mutation is an append-only audit record of a structural runbook change.
type Mutation struct {
	ID        string         `json:"id"`
	RunbookID string         `json:"runbook_id"`
	Kind      MutationKind   `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CorrelationKey derives the deterministic correlation key for a step.
// Crash-and-retry dispatches of the same logical step produce the same key,
// which doubles as the idempotency token passed to the external engine.
func CorrelationKey(runbookID, stepID string) string {
	return fmt.Sprintf("rb:%s:step:%s", runbookID, stepID)
}
