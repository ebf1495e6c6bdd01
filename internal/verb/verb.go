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

// Package verb defines the verb catalog and the execution machinery behind
// it: sync handlers run in-process via the registry, durable verbs are
// dispatched to the external process engine.
//
// A verb's execution kind and handler are copied onto each step when the
// step is created. Catalog edits — including hot reloads — never change
// how an existing step executes.
package verb

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/pkg/errors"
)

// Verb is one catalog entry: a named operation a runbook step can invoke.
type Verb struct {
	// Name is the catalog-unique verb name, e.g. "sanctions.screen".
	Name string `yaml:"name"`

	// Kind selects sync (in-process handler) or durable (external process).
	Kind runbook.ExecKind `yaml:"kind"`

	// Handler names the registered in-process handler. Sync verbs only.
	Handler string `yaml:"handler,omitempty"`

	// ProcessRef names the external process definition. Durable verbs only.
	ProcessRef string `yaml:"process_ref,omitempty"`

	// Timeout bounds the durable wait. Zero selects the engine default.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// ResultQuery is an optional jq query applied to the notification
	// payload before it becomes the step result.
	ResultQuery string `yaml:"result_query,omitempty"`

	// EscalationRef names the escalation handler consulted when the
	// durable wait times out. Empty means the step simply fails.
	EscalationRef string `yaml:"escalation_ref,omitempty"`
}

// UnmarshalYAML decodes a catalog entry, parsing timeout from a duration
// string ("72h", "30m") since YAML has no native duration type.
func (v *Verb) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Name          string           `yaml:"name"`
		Kind          runbook.ExecKind `yaml:"kind"`
		Handler       string           `yaml:"handler"`
		ProcessRef    string           `yaml:"process_ref"`
		Timeout       string           `yaml:"timeout"`
		ResultQuery   string           `yaml:"result_query"`
		EscalationRef string           `yaml:"escalation_ref"`
	}

	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}

	v.Name = r.Name
	v.Kind = r.Kind
	v.Handler = r.Handler
	v.ProcessRef = r.ProcessRef
	v.ResultQuery = r.ResultQuery
	v.EscalationRef = r.EscalationRef

	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return fmt.Errorf("verb %q: invalid timeout %q: %w", r.Name, r.Timeout, err)
		}
		v.Timeout = d
	}
	return nil
}

// Validate checks structural correctness of a catalog entry.
func (v *Verb) Validate() error {
	if v.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "verb name must not be empty"}
	}

	switch v.Kind {
	case runbook.KindSync:
		if v.Handler == "" {
			return &errors.ValidationError{
				Field:   "handler",
				Message: fmt.Sprintf("sync verb %q must name a handler", v.Name),
			}
		}
		if v.ProcessRef != "" {
			return &errors.ValidationError{
				Field:   "process_ref",
				Message: fmt.Sprintf("sync verb %q must not set process_ref", v.Name),
			}
		}
	case runbook.KindDurable:
		if v.ProcessRef == "" {
			return &errors.ValidationError{
				Field:   "process_ref",
				Message: fmt.Sprintf("durable verb %q must name a process_ref", v.Name),
			}
		}
	default:
		return &errors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("verb %q has unknown kind %q", v.Name, v.Kind),
		}
	}

	return nil
}

// FrozenHandler returns the handler identity to copy onto a step at
// creation time. For durable verbs this is the process_ref, so a later
// catalog edit cannot redirect an in-flight step to a different process.
func (v *Verb) FrozenHandler() string {
	if v.Kind == runbook.KindDurable {
		return v.ProcessRef
	}
	return v.Handler
}
