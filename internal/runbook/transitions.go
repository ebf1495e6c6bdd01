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

package runbook

import "fmt"

// The transition tables below are the application-level replacement for
// what used to be database trigger validation: the tables travel with the
// code, and every status write goes through a guard.

// stepTransitions enumerates the legal step status transitions.
var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusReady, StepStatusSkipped, StepStatusCancelled},
	StepStatusReady:   {StepStatusRunning, StepStatusSkipped, StepStatusCancelled},
	StepStatusRunning: {StepStatusCompleted, StepStatusParked, StepStatusFailed, StepStatusCancelled},
	StepStatusParked:  {StepStatusCompleted, StepStatusFailed, StepStatusCancelled},
	// Terminal states have no outgoing transitions.
	StepStatusCompleted: {},
	StepStatusFailed:    {},
	StepStatusSkipped:   {},
	StepStatusCancelled: {},
}

// runbookTransitions enumerates the legal runbook status transitions.
var runbookTransitions = map[Status][]Status{
	StatusActive:    {StatusCompleted, StatusFailed, StatusEscalated, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusEscalated: {},
	StatusCancelled: {},
}

// invocationTransitions enumerates the legal invocation status transitions.
var invocationTransitions = map[InvocationStatus][]InvocationStatus{
	InvocationActive:    {InvocationCompleted, InvocationTimedOut, InvocationCancelled},
	InvocationCompleted: {},
	InvocationTimedOut:  {},
	InvocationCancelled: {},
}

// ValidateStepTransition returns an error if from→to is not a legal step
// status transition. A self-transition is always rejected.
func ValidateStepTransition(from, to StepStatus) error {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal step transition %s -> %s", from, to)
}

// ValidateTransition returns an error if from→to is not a legal runbook
// status transition.
func ValidateTransition(from, to Status) error {
	for _, allowed := range runbookTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal runbook transition %s -> %s", from, to)
}

// ValidateInvocationTransition returns an error if from→to is not a legal
// invocation status transition.
func ValidateInvocationTransition(from, to InvocationStatus) error {
	for _, allowed := range invocationTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal invocation transition %s -> %s", from, to)
}

// IsTerminal reports whether a step status is terminal. Parked is not
// terminal: it resolves to completed or failed on signal or timeout.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether a runbook status is terminal.
func (s Status) IsTerminal() bool {
	return s != StatusActive
}

// IsTerminal reports whether an invocation status is terminal.
func (s InvocationStatus) IsTerminal() bool {
	return s != InvocationActive
}
