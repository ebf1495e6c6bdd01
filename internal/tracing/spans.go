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

package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for orchestrator spans.
const (
	AttrRunbookID      = attribute.Key("runbook.id")
	AttrStepID         = attribute.Key("runbook.step_id")
	AttrVerb           = attribute.Key("runbook.verb")
	AttrCorrelationKey = attribute.Key("runbook.correlation_key")
)

const scopeName = "github.com/tombee/runbook"

// StartRunbookSpan begins a span covering a runbook-level operation,
// e.g. an advance pass or a cancellation.
func StartRunbookSpan(ctx context.Context, name, runbookID string) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name,
		trace.WithAttributes(AttrRunbookID.String(runbookID)))
}

// StartStepSpan begins a span covering a single step execution.
func StartStepSpan(ctx context.Context, name, runbookID, stepID, verb string) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name,
		trace.WithAttributes(
			AttrRunbookID.String(runbookID),
			AttrStepID.String(stepID),
			AttrVerb.String(verb),
		))
}

// EndSpan finishes a span, recording err as the span status when set.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// statusRecorder captures the response code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps an HTTP handler with a server span per request,
// continuing any trace context propagated by the caller.
func HTTPMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer(scopeName)
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
