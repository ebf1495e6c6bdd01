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

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current resume snapshot schema version. Decoding
// rejects any other version rather than guessing at field semantics.
const SnapshotVersion = 1

// Snapshot is the typed resumption context captured when a durable step
// parks. It must be sufficient to resume the step without any ambient
// state: the resume path sees only the snapshot and the notification
// payload.
type Snapshot struct {
	Version    int            `json:"version"`
	RunbookID  string         `json:"runbook_id"`
	StepID     string         `json:"step_id"`
	Verb       string         `json:"verb"`
	Params     map[string]any `json:"params,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// NewSnapshot captures a resume snapshot for a step.
func NewSnapshot(step *Step) *Snapshot {
	return &Snapshot{
		Version:    SnapshotVersion,
		RunbookID:  step.RunbookID,
		StepID:     step.ID,
		Verb:       step.Verb,
		Params:     step.Params,
		CapturedAt: time.Now().UTC(),
	}
}

// Encode serializes the snapshot for storage.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot deserializes a stored snapshot. Decoding fails closed:
// unknown fields, a missing or unsupported version, and absent identity
// fields are all errors, never silently tolerated.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d (want %d)", s.Version, SnapshotVersion)
	}
	if s.RunbookID == "" || s.StepID == "" {
		return nil, fmt.Errorf("snapshot missing runbook or step identity")
	}
	if s.Verb == "" {
		return nil, fmt.Errorf("snapshot missing verb")
	}
	return &s, nil
}
