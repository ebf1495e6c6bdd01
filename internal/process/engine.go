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

// Package process talks to the external process engine that hosts durable
// work (document collection, human review queues, third-party jobs).
//
// The orchestrator treats the engine as fire-and-forget: it starts a
// process instance carrying a correlation key and expects the engine to
// deliver a completion notification to the callback endpoint later. The
// correlation key doubles as the idempotency token, so a crash-and-retry
// dispatch of the same step cannot start a second instance.
package process

import (
	"context"
)

// StartRequest describes one process instance to launch.
type StartRequest struct {
	// ProcessRef names the process definition on the engine side.
	ProcessRef string `json:"process_ref"`

	// CorrelationKey is echoed back in the completion notification.
	CorrelationKey string `json:"correlation_key"`

	// IdempotencyToken deduplicates repeated starts of the same logical
	// dispatch. The orchestrator passes the correlation key here.
	IdempotencyToken string `json:"idempotency_token"`

	// Params is the process input payload.
	Params map[string]any `json:"params,omitempty"`
}

// Engine starts and cancels external process instances.
type Engine interface {
	// StartProcess launches an instance and returns the engine-assigned
	// instance ID. Safe to retry with the same idempotency token.
	StartProcess(ctx context.Context, req StartRequest) (instanceID string, err error)

	// Cancel requests termination of a running instance. Best-effort:
	// the engine may have already completed or never heard of it.
	Cancel(ctx context.Context, instanceID string) error
}
