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
	"fmt"
	"log/slog"

	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/pkg/errors"
)

// CreateRunbookRequest describes a new runbook.
type CreateRunbookRequest struct {
	CaseRef   string
	CreatedBy string
	Policy    runbook.FailurePolicy
}

// CreateRunbook creates an empty active runbook for a case.
func (e *Engine) CreateRunbook(ctx context.Context, req CreateRunbookRequest) (*runbook.Runbook, error) {
	if req.CaseRef == "" {
		return nil, &errors.ValidationError{Field: "case_ref", Message: "must not be empty"}
	}

	policy := req.Policy
	if policy == "" {
		policy = runbook.FailFast
	}
	switch policy {
	case runbook.FailFast, runbook.BestEffort:
	default:
		return nil, &errors.ValidationError{
			Field:   "policy",
			Message: fmt.Sprintf("unknown failure policy %q", policy),
		}
	}

	now := e.now()
	rb := &runbook.Runbook{
		ID:        e.newID(),
		CaseRef:   req.CaseRef,
		Status:    runbook.StatusActive,
		CreatedBy: req.CreatedBy,
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.backend.CreateRunbook(ctx, rb); err != nil {
		return nil, err
	}

	e.logger.Info("runbook created",
		slog.String(log.RunbookIDKey, rb.ID),
		slog.String("case_ref", rb.CaseRef),
		slog.String("policy", string(policy)))
	return rb, nil
}

// AppendStepRequest describes a step to append to a runbook's DAG.
type AppendStepRequest struct {
	RunbookID string
	Verb      string
	Params    map[string]any

	// When is an optional guard expression.
	When string

	// DependsOn lists producer step IDs; a data edge is created for each.
	DependsOn []string

	CreatedBy string
}

// AppendStep appends a step, freezing the verb's execution kind and
// handler onto it. The runbook must be active.
func (e *Engine) AppendStep(ctx context.Context, req AppendStepRequest) (*runbook.Step, error) {
	release, err := e.locks.Acquire(ctx, req.RunbookID)
	if err != nil {
		return nil, err
	}
	defer release()

	rb, err := e.backend.GetRunbook(ctx, req.RunbookID)
	if err != nil {
		return nil, err
	}
	if rb.Status.IsTerminal() {
		return nil, &errors.ValidationError{
			Field:   "runbook_id",
			Message: fmt.Sprintf("runbook %s is %s, structure is frozen", rb.ID, rb.Status),
		}
	}

	def, err := e.catalog.Lookup(req.Verb)
	if err != nil {
		return nil, err
	}
	if err := e.guards.Validate(req.When); err != nil {
		return nil, err
	}

	now := e.now()
	step := &runbook.Step{
		ID:        e.newID(),
		RunbookID: rb.ID,
		Verb:      def.Name,
		Params:    req.Params,
		// Frozen at creation: catalog edits never retarget this step.
		Kind:          def.Kind,
		Handler:       def.FrozenHandler(),
		When:          req.When,
		Status:        runbook.StepStatusPending,
		EscalationRef: def.EscalationRef,
		Timeout:       def.Timeout,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Validate producers before writing anything.
	for _, from := range req.DependsOn {
		producer, err := e.backend.GetStep(ctx, from)
		if err != nil {
			return nil, err
		}
		if producer.RunbookID != rb.ID {
			return nil, &errors.ValidationError{
				Field:   "depends_on",
				Message: fmt.Sprintf("step %s belongs to a different runbook", from),
			}
		}
	}

	if err := e.backend.CreateStep(ctx, step); err != nil {
		return nil, err
	}

	for _, from := range req.DependsOn {
		edge := &runbook.Edge{
			ID:        e.newID(),
			RunbookID: rb.ID,
			FromStep:  from,
			ToStep:    step.ID,
			Kind:      runbook.EdgeData,
			CreatedAt: now,
		}
		if err := e.backend.CreateEdge(ctx, edge); err != nil {
			return nil, err
		}
	}

	if err := e.bumpVersion(ctx, rb); err != nil {
		return nil, err
	}
	e.audit(ctx, rb.ID, runbook.MutationAppendStep, map[string]any{
		"step_id": step.ID,
		"verb":    step.Verb,
		"kind":    string(step.Kind),
	}, req.CreatedBy)

	e.logger.Info("step appended",
		slog.String(log.RunbookIDKey, rb.ID),
		slog.String(log.StepIDKey, step.ID),
		slog.String(log.VerbKey, step.Verb),
		slog.String("kind", string(step.Kind)))
	return step, nil
}

// AppendEdgeRequest describes a dependency edge to append.
type AppendEdgeRequest struct {
	RunbookID string
	FromStep  string
	ToStep    string
	Kind      runbook.EdgeKind
	CreatedBy string
}

// AppendEdge appends a dependency edge. Self-edges, duplicate edges, and
// edges that would create a cycle are rejected.
func (e *Engine) AppendEdge(ctx context.Context, req AppendEdgeRequest) (*runbook.Edge, error) {
	release, err := e.locks.Acquire(ctx, req.RunbookID)
	if err != nil {
		return nil, err
	}
	defer release()

	rb, err := e.backend.GetRunbook(ctx, req.RunbookID)
	if err != nil {
		return nil, err
	}
	if rb.Status.IsTerminal() {
		return nil, &errors.ValidationError{
			Field:   "runbook_id",
			Message: fmt.Sprintf("runbook %s is %s, structure is frozen", rb.ID, rb.Status),
		}
	}

	if req.FromStep == req.ToStep {
		return nil, &errors.ValidationError{Field: "to_step", Message: "self-edges are not allowed"}
	}

	kind := req.Kind
	if kind == "" {
		kind = runbook.EdgeData
	}
	switch kind {
	case runbook.EdgeData, runbook.EdgeOrder:
	default:
		return nil, &errors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown edge kind %q", kind),
		}
	}

	for _, id := range []string{req.FromStep, req.ToStep} {
		step, err := e.backend.GetStep(ctx, id)
		if err != nil {
			return nil, err
		}
		if step.RunbookID != rb.ID {
			return nil, &errors.ValidationError{
				Field:   "from_step",
				Message: fmt.Sprintf("step %s belongs to a different runbook", id),
			}
		}
	}

	// A consumer that already executed cannot grow new dependencies.
	consumer, err := e.backend.GetStep(ctx, req.ToStep)
	if err != nil {
		return nil, err
	}
	if consumer.Status != runbook.StepStatusPending && consumer.Status != runbook.StepStatusReady {
		return nil, &errors.ValidationError{
			Field:   "to_step",
			Message: fmt.Sprintf("step %s is %s, it cannot gain dependencies", consumer.ID, consumer.Status),
		}
	}

	edges, err := e.backend.ListEdges(ctx, rb.ID)
	if err != nil {
		return nil, err
	}
	for _, existing := range edges {
		if existing.FromStep == req.FromStep && existing.ToStep == req.ToStep {
			return nil, &errors.ConflictError{Resource: "edge", ID: req.FromStep + "->" + req.ToStep}
		}
	}
	if createsCycle(edges, req.FromStep, req.ToStep) {
		return nil, &errors.ValidationError{
			Field:   "to_step",
			Message: fmt.Sprintf("edge %s->%s would create a cycle", req.FromStep, req.ToStep),
		}
	}

	edge := &runbook.Edge{
		ID:        e.newID(),
		RunbookID: rb.ID,
		FromStep:  req.FromStep,
		ToStep:    req.ToStep,
		Kind:      kind,
		CreatedAt: e.now(),
	}
	if err := e.backend.CreateEdge(ctx, edge); err != nil {
		return nil, err
	}

	if err := e.bumpVersion(ctx, rb); err != nil {
		return nil, err
	}
	e.audit(ctx, rb.ID, runbook.MutationAppendEdge, map[string]any{
		"from_step": edge.FromStep,
		"to_step":   edge.ToStep,
		"kind":      string(edge.Kind),
	}, req.CreatedBy)

	return edge, nil
}

// createsCycle reports whether adding from->to makes the edge set cyclic,
// i.e. whether "from" is already reachable from "to".
func createsCycle(edges []*runbook.Edge, from, to string) bool {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.FromStep] = append(adj[e.FromStep], e.ToStep)
	}

	seen := map[string]bool{}
	stack := []string{to}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == from {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return false
}

func (e *Engine) bumpVersion(ctx context.Context, rb *runbook.Runbook) error {
	rb.Version++
	rb.UpdatedAt = e.now()
	return e.backend.UpdateRunbook(ctx, rb)
}

// audit appends a mutation record. Audit failures are logged, not fatal:
// the structural write already happened.
func (e *Engine) audit(ctx context.Context, runbookID string, kind runbook.MutationKind, detail map[string]any, createdBy string) {
	m := &runbook.Mutation{
		ID:        e.newID(),
		RunbookID: runbookID,
		Kind:      kind,
		Detail:    detail,
		CreatedBy: createdBy,
		CreatedAt: e.now(),
	}
	if err := e.backend.AppendMutation(ctx, m); err != nil {
		e.logger.Error("failed to append mutation record",
			slog.String(log.RunbookIDKey, runbookID),
			log.Error(err))
	}
}
