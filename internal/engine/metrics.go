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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	StepsCompleted *prometheus.CounterVec
	StepsFailed    prometheus.Counter
	StepsSkipped   prometheus.Counter
	Dispatches     prometheus.Counter
	Notifications  prometheus.Counter
	DuplicateNotes prometheus.Counter
	Timeouts       prometheus.Counter
	Escalations    prometheus.Counter
	StepDuration   *prometheus.HistogramVec
}

// NewMetrics registers the engine instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StepsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runbook_steps_completed_total",
				Help: "Total steps completed, by execution kind",
			},
			[]string{"kind"},
		),
		StepsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_steps_failed_total",
			Help: "Total steps that reached terminal failure",
		}),
		StepsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_steps_skipped_total",
			Help: "Total steps skipped by guard or dependency failure",
		}),
		Dispatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_durable_dispatches_total",
			Help: "Total durable dispatch attempts",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_notifications_total",
			Help: "Total completion notifications accepted",
		}),
		DuplicateNotes: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_notifications_duplicate_total",
			Help: "Total duplicate notifications dropped by the inbox",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_durable_timeouts_total",
			Help: "Total durable invocations expired by the scanner",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "runbook_escalations_total",
			Help: "Total timed-out invocations routed to an escalation handler",
		}),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runbook_step_duration_seconds",
				Help:    "Wall time from lease acquisition to terminal step status",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"kind"},
		),
	}
}

// NopMetrics returns instruments bound to a discarded registry, for
// callers that don't scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
