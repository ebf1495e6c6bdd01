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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width RFC 3339 layout. Fixed width keeps TEXT
// timestamps lexicographically ordered, which ORDER BY and the timeout
// comparison in ListActiveExpired rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Compile-time interface assertions.
var (
	_ store.RunbookStore    = (*Backend)(nil)
	_ store.LeaseStore      = (*Backend)(nil)
	_ store.InvocationStore = (*Backend)(nil)
	_ store.InboxStore      = (*Backend)(nil)
	_ store.MutationLog     = (*Backend)(nil)
	_ store.Backend         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runbooks (
			id TEXT PRIMARY KEY,
			case_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			created_by TEXT,
			policy TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runbooks_status ON runbooks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runbooks_case_ref ON runbooks(case_ref)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			runbook_id TEXT NOT NULL,
			verb TEXT NOT NULL,
			params TEXT,
			kind TEXT NOT NULL,
			handler TEXT NOT NULL,
			when_expr TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			invocation_id TEXT,
			escalation_ref TEXT,
			timeout_ns INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (runbook_id) REFERENCES runbooks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_runbook_id ON steps(runbook_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(status)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			runbook_id TEXT NOT NULL,
			from_step TEXT NOT NULL,
			to_step TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (runbook_id) REFERENCES runbooks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_runbook_id ON edges(runbook_id)`,
		`CREATE TABLE IF NOT EXISTS leases (
			step_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			holder_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			runbook_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			correlation_key TEXT NOT NULL,
			process_ref TEXT NOT NULL,
			external_ref TEXT,
			snapshot TEXT,
			timeout_at TEXT NOT NULL,
			escalation_ref TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// The "one active invocation per correlation key" invariant lives
		// in this partial unique index, not in application book-keeping.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invocations_active_key
			ON invocations(correlation_key) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_runbook_id ON invocations(runbook_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_timeout ON invocations(status, timeout_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			correlation_key TEXT PRIMARY KEY,
			payload TEXT,
			received_at TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS mutations (
			id TEXT PRIMARY KEY,
			runbook_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_runbook_id ON mutations(runbook_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRunbook persists a new runbook.
func (b *Backend) CreateRunbook(ctx context.Context, rb *runbook.Runbook) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO runbooks (id, case_ref, status, created_by, policy, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rb.ID, rb.CaseRef, string(rb.Status), nullString(rb.CreatedBy), string(rb.Policy),
		rb.Version, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to create runbook: %w", err)
	}

	rb.CreatedAt = now
	rb.UpdatedAt = now
	return nil
}

// GetRunbook retrieves a runbook by ID.
func (b *Backend) GetRunbook(ctx context.Context, id string) (*runbook.Runbook, error) {
	var rb runbook.Runbook
	var status, policy string
	var createdBy sql.NullString
	var createdAt, updatedAt string

	err := b.db.QueryRowContext(ctx, `
		SELECT id, case_ref, status, created_by, policy, version, created_at, updated_at
		FROM runbooks WHERE id = ?
	`, id).Scan(&rb.ID, &rb.CaseRef, &status, &createdBy, &policy, &rb.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "runbook", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runbook: %w", err)
	}

	rb.Status = runbook.Status(status)
	rb.Policy = runbook.FailurePolicy(policy)
	if createdBy.Valid {
		rb.CreatedBy = createdBy.String
	}
	rb.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rb.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	return &rb, nil
}

// UpdateRunbook updates an existing runbook.
func (b *Backend) UpdateRunbook(ctx context.Context, rb *runbook.Runbook) error {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE runbooks SET case_ref = ?, status = ?, created_by = ?, policy = ?, version = ?, updated_at = ?
		WHERE id = ?
	`, rb.CaseRef, string(rb.Status), nullString(rb.CreatedBy), string(rb.Policy),
		rb.Version, now.Format(timeLayout), rb.ID)
	if err != nil {
		return fmt.Errorf("failed to update runbook: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "runbook", ID: rb.ID}
	}

	rb.UpdatedAt = now
	return nil
}

// CreateStep persists a new step.
func (b *Backend) CreateStep(ctx context.Context, step *runbook.Step) error {
	paramsJSON, err := json.Marshal(step.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	resultJSON, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO steps (id, runbook_id, verb, params, kind, handler, when_expr, status,
			result, error, invocation_id, escalation_ref, timeout_ns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.RunbookID, step.Verb, string(paramsJSON), string(step.Kind), step.Handler,
		nullString(step.When), string(step.Status), string(resultJSON), nullString(step.Error),
		nullString(step.InvocationID), nullString(step.EscalationRef), step.Timeout.Nanoseconds(),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}

	step.CreatedAt = now
	step.UpdatedAt = now
	return nil
}

// stepColumns is the select list shared by GetStep and ListSteps.
const stepColumns = `id, runbook_id, verb, params, kind, handler, when_expr, status,
	result, error, invocation_id, escalation_ref, timeout_ns, created_at, updated_at`

func scanStep(scan func(dest ...any) error) (*runbook.Step, error) {
	var step runbook.Step
	var paramsJSON, resultJSON sql.NullString
	var whenExpr, errorStr, invocationID, escalationRef sql.NullString
	var kind, status string
	var timeoutNS int64
	var createdAt, updatedAt string

	err := scan(&step.ID, &step.RunbookID, &step.Verb, &paramsJSON, &kind, &step.Handler,
		&whenExpr, &status, &resultJSON, &errorStr, &invocationID, &escalationRef,
		&timeoutNS, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	step.Kind = runbook.ExecKind(kind)
	step.Status = runbook.StepStatus(status)
	if whenExpr.Valid {
		step.When = whenExpr.String
	}
	if errorStr.Valid {
		step.Error = errorStr.String
	}
	if invocationID.Valid {
		step.InvocationID = invocationID.String
	}
	if escalationRef.Valid {
		step.EscalationRef = escalationRef.String
	}
	step.Timeout = time.Duration(timeoutNS)

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &step.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &step.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	step.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	step.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	return &step, nil
}

// GetStep retrieves a step by ID.
func (b *Backend) GetStep(ctx context.Context, id string) (*runbook.Step, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// UpdateStep updates an existing step.
func (b *Backend) UpdateStep(ctx context.Context, step *runbook.Step) error {
	paramsJSON, err := json.Marshal(step.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	resultJSON, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE steps SET verb = ?, params = ?, kind = ?, handler = ?, when_expr = ?, status = ?,
			result = ?, error = ?, invocation_id = ?, escalation_ref = ?, timeout_ns = ?, updated_at = ?
		WHERE id = ?
	`, step.Verb, string(paramsJSON), string(step.Kind), step.Handler, nullString(step.When),
		string(step.Status), string(resultJSON), nullString(step.Error), nullString(step.InvocationID),
		nullString(step.EscalationRef), step.Timeout.Nanoseconds(), now.Format(timeLayout), step.ID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "step", ID: step.ID}
	}

	step.UpdatedAt = now
	return nil
}

// ListSteps returns all steps of a runbook in creation order.
func (b *Backend) ListSteps(ctx context.Context, runbookID string) ([]*runbook.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE runbook_id = ? ORDER BY created_at ASC, id ASC`, runbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*runbook.Step
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CreateEdge persists a dependency edge.
func (b *Backend) CreateEdge(ctx context.Context, edge *runbook.Edge) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO edges (id, runbook_id, from_step, to_step, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, edge.ID, edge.RunbookID, edge.FromStep, edge.ToStep, string(edge.Kind), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to create edge: %w", err)
	}

	edge.CreatedAt = now
	return nil
}

// ListEdges returns all edges of a runbook.
func (b *Backend) ListEdges(ctx context.Context, runbookID string) ([]*runbook.Edge, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, runbook_id, from_step, to_step, kind, created_at
		FROM edges WHERE runbook_id = ? ORDER BY created_at ASC, id ASC
	`, runbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*runbook.Edge
	for rows.Next() {
		var edge runbook.Edge
		var kind, createdAt string
		if err := rows.Scan(&edge.ID, &edge.RunbookID, &edge.FromStep, &edge.ToStep, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edge.Kind = runbook.EdgeKind(kind)
		edge.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

// TryAcquire attempts to take the execution lease for a step.
func (b *Backend) TryAcquire(ctx context.Context, stepID, holderID string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM leases WHERE step_id = ?`, stepID).Scan(&status)
	now := time.Now().Format(timeLayout)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (step_id, status, holder_id, attempts, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
		`, stepID, string(runbook.LeaseRunning), holderID, now, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert lease: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("failed to read lease: %w", err)
	case status == string(runbook.LeaseFailed):
		_, err = tx.ExecContext(ctx, `
			UPDATE leases SET status = ?, holder_id = ?, attempts = attempts + 1, updated_at = ?
			WHERE step_id = ?
		`, string(runbook.LeaseRunning), holderID, now, stepID)
		if err != nil {
			return false, fmt.Errorf("failed to re-acquire lease: %w", err)
		}
	default:
		// running or completed: someone else owns it, or it already ran
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease: %w", err)
	}
	return true, nil
}

// CompleteLease marks the step's lease completed.
func (b *Backend) CompleteLease(ctx context.Context, stepID string) error {
	return b.setLeaseStatus(ctx, stepID, runbook.LeaseCompleted)
}

// FailLease marks the step's lease failed.
func (b *Backend) FailLease(ctx context.Context, stepID string) error {
	return b.setLeaseStatus(ctx, stepID, runbook.LeaseFailed)
}

func (b *Backend) setLeaseStatus(ctx context.Context, stepID string, status runbook.LeaseStatus) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE leases SET status = ?, updated_at = ? WHERE step_id = ? AND status = ?
	`, string(status), time.Now().Format(timeLayout), stepID, string(runbook.LeaseRunning))
	if err != nil {
		return fmt.Errorf("failed to update lease: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("lease %s is not running", stepID)
	}
	return nil
}

// GetLease retrieves the lease for a step.
func (b *Backend) GetLease(ctx context.Context, stepID string) (*runbook.Lease, error) {
	var lease runbook.Lease
	var status, createdAt, updatedAt string

	err := b.db.QueryRowContext(ctx, `
		SELECT step_id, status, holder_id, attempts, created_at, updated_at
		FROM leases WHERE step_id = ?
	`, stepID).Scan(&lease.StepID, &status, &lease.HolderID, &lease.Attempts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "lease", ID: stepID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	lease.Status = runbook.LeaseStatus(status)
	lease.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	lease.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	return &lease, nil
}

// CreateInvocation persists a new invocation record. The partial unique
// index on active correlation keys turns a duplicate into a constraint
// error, surfaced as a ConflictError.
func (b *Backend) CreateInvocation(ctx context.Context, inv *runbook.Invocation) error {
	var snapshotJSON []byte
	if inv.Snapshot != nil {
		var err error
		snapshotJSON, err = inv.Snapshot.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
	}

	now := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO invocations (id, runbook_id, step_id, correlation_key, process_ref,
			external_ref, snapshot, timeout_at, escalation_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.RunbookID, inv.StepID, inv.CorrelationKey, inv.ProcessRef,
		nullString(inv.ExternalRef), nullBytes(snapshotJSON), inv.TimeoutAt.Format(timeLayout),
		nullString(inv.EscalationRef), string(inv.Status), now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &errors.ConflictError{Resource: "active invocation", ID: inv.CorrelationKey}
		}
		return fmt.Errorf("failed to create invocation: %w", err)
	}

	inv.CreatedAt = now
	inv.UpdatedAt = now
	return nil
}

const invocationColumns = `id, runbook_id, step_id, correlation_key, process_ref,
	external_ref, snapshot, timeout_at, escalation_ref, status, created_at, updated_at`

func scanInvocation(scan func(dest ...any) error) (*runbook.Invocation, error) {
	var inv runbook.Invocation
	var externalRef, snapshotJSON, escalationRef sql.NullString
	var status, timeoutAt, createdAt, updatedAt string

	err := scan(&inv.ID, &inv.RunbookID, &inv.StepID, &inv.CorrelationKey, &inv.ProcessRef,
		&externalRef, &snapshotJSON, &timeoutAt, &escalationRef, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inv.Status = runbook.InvocationStatus(status)
	if externalRef.Valid {
		inv.ExternalRef = externalRef.String
	}
	if escalationRef.Valid {
		inv.EscalationRef = escalationRef.String
	}
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		snap, err := runbook.DecodeSnapshot([]byte(snapshotJSON.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		inv.Snapshot = snap
	}

	inv.TimeoutAt, _ = time.Parse(timeLayout, timeoutAt)
	inv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	inv.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	return &inv, nil
}

// GetInvocation retrieves an invocation by ID.
func (b *Backend) GetInvocation(ctx context.Context, id string) (*runbook.Invocation, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "invocation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}
	return inv, nil
}

// GetActiveByCorrelationKey returns the single active invocation for a key.
func (b *Backend) GetActiveByCorrelationKey(ctx context.Context, key string) (*runbook.Invocation, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE correlation_key = ? AND status = 'active'`, key)
	inv, err := scanInvocation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "active invocation", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active invocation: %w", err)
	}
	return inv, nil
}

// UpdateInvocation updates an existing invocation record.
func (b *Backend) UpdateInvocation(ctx context.Context, inv *runbook.Invocation) error {
	var snapshotJSON []byte
	if inv.Snapshot != nil {
		var err error
		snapshotJSON, err = inv.Snapshot.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
	}

	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE invocations SET external_ref = ?, snapshot = ?, timeout_at = ?,
			escalation_ref = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, nullString(inv.ExternalRef), nullBytes(snapshotJSON), inv.TimeoutAt.Format(timeLayout),
		nullString(inv.EscalationRef), string(inv.Status), now.Format(timeLayout), inv.ID)
	if err != nil {
		return fmt.Errorf("failed to update invocation: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "invocation", ID: inv.ID}
	}

	inv.UpdatedAt = now
	return nil
}

// ListActiveExpired returns active invocations past their deadline.
func (b *Backend) ListActiveExpired(ctx context.Context, now time.Time) ([]*runbook.Invocation, error) {
	return b.listInvocations(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE status = 'active' AND timeout_at <= ? ORDER BY timeout_at ASC`,
		now.Format(timeLayout))
}

// ListActiveByRunbook returns all active invocations of a runbook.
func (b *Backend) ListActiveByRunbook(ctx context.Context, runbookID string) ([]*runbook.Invocation, error) {
	return b.listInvocations(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE status = 'active' AND runbook_id = ? ORDER BY created_at ASC`,
		runbookID)
}

func (b *Backend) listInvocations(ctx context.Context, query string, args ...any) ([]*runbook.Invocation, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*runbook.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}

// InsertNotification records a completion signal idempotently. The primary
// key on correlation_key makes duplicate deliveries collapse to a no-op.
func (b *Backend) InsertNotification(ctx context.Context, n *runbook.Notification) (bool, error) {
	payloadJSON, err := json.Marshal(n.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO notifications (correlation_key, payload, received_at, processed)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (correlation_key) DO NOTHING
	`, n.CorrelationKey, string(payloadJSON), now.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return false, nil
	}

	n.ReceivedAt = now
	return true, nil
}

// GetNotification retrieves a notification by correlation key.
func (b *Backend) GetNotification(ctx context.Context, key string) (*runbook.Notification, error) {
	var n runbook.Notification
	var payloadJSON sql.NullString
	var receivedAt string
	var processed int

	err := b.db.QueryRowContext(ctx, `
		SELECT correlation_key, payload, received_at, processed
		FROM notifications WHERE correlation_key = ?
	`, key).Scan(&n.CorrelationKey, &payloadJSON, &receivedAt, &processed)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "notification", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &n.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	n.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
	n.Processed = processed == 1

	return &n, nil
}

// MarkProcessed sets the processed flag on a notification.
func (b *Backend) MarkProcessed(ctx context.Context, key string) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE notifications SET processed = 1 WHERE correlation_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to mark notification processed: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "notification", ID: key}
	}
	return nil
}

// AppendMutation appends an audit record.
func (b *Backend) AppendMutation(ctx context.Context, m *runbook.Mutation) error {
	detailJSON, err := json.Marshal(m.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO mutations (id, runbook_id, kind, detail, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.RunbookID, string(m.Kind), string(detailJSON), nullString(m.CreatedBy), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}

	m.CreatedAt = now
	return nil
}

// ListMutations returns a runbook's mutations in append order.
func (b *Backend) ListMutations(ctx context.Context, runbookID string) ([]*runbook.Mutation, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, runbook_id, kind, detail, created_by, created_at
		FROM mutations WHERE runbook_id = ? ORDER BY created_at ASC, id ASC
	`, runbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var mutations []*runbook.Mutation
	for rows.Next() {
		var m runbook.Mutation
		var detailJSON, createdBy sql.NullString
		var kind, createdAt string
		if err := rows.Scan(&m.ID, &m.RunbookID, &kind, &detailJSON, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Kind = runbook.MutationKind(kind)
		if createdBy.Valid {
			m.CreatedBy = createdBy.String
		}
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &m.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal detail: %w", err)
			}
		}
		m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		mutations = append(mutations, &m)
	}
	return mutations, rows.Err()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
