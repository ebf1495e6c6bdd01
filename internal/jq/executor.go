// Package jq evaluates result-query expressions against notification payloads.
//
// A durable verb may declare a result_query that reshapes the raw payload
// delivered by the external process engine before it is stored as the
// step's result. Queries run with a timeout and an input size cap so a
// misbehaving payload cannot stall the resume path.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds the execution time of a single query.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the payload size accepted for transformation (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor handles jq query evaluation with timeout and size limits.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates a jq executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}
}

// Execute runs a query against the given payload. An empty query returns
// the payload unchanged. A query producing multiple values returns them
// as an array; a query producing nothing returns nil.
func (e *Executor) Execute(ctx context.Context, query string, data any) (any, error) {
	if query == "" {
		return data, nil
	}

	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)

	go func() {
		iter := code.Run(data)

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}
			results = append(results, v)
		}

		switch len(results) {
		case 0:
			resultChan <- nil
		case 1:
			resultChan <- results[0]
		default:
			resultChan <- results
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("query timeout after %v", e.timeout)
	}
}

// Validate compiles a query without running it. Used when verb catalogs
// are loaded so a malformed result_query fails at load time, not resume time.
func (e *Executor) Validate(query string) error {
	if query == "" {
		return nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("invalid result query: %w", err)
	}

	if _, err := gojq.Compile(parsed); err != nil {
		return fmt.Errorf("result query compilation failed: %w", err)
	}

	return nil
}

func (e *Executor) validateInputSize(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if int64(len(jsonData)) > e.maxInputSize {
		return fmt.Errorf("payload size (%d bytes) exceeds maximum (%d bytes)",
			len(jsonData), e.maxInputSize)
	}

	return nil
}
