package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists runs in PostgreSQL, one row per run with the step
// list as an ordered JSONB array. Schema lives in migrations/001_workflow_runs.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save upserts the run. A row already in a terminal status only accepts
// writes that keep that status, so a late writer cannot reopen it.
func (p *PostgresStore) Save(ctx context.Context, run *Run) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			id, correlation_id, template, order_id, payer_id, payment_method,
			amount, currency, status, current_step, retry_count, max_retries,
			steps, metadata, error, cancel_reason,
			created_at, updated_at, started_at, completed_at, failed_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			current_step  = GREATEST(workflow_runs.current_step, EXCLUDED.current_step),
			retry_count   = EXCLUDED.retry_count,
			steps         = EXCLUDED.steps,
			metadata      = EXCLUDED.metadata,
			error         = EXCLUDED.error,
			cancel_reason = EXCLUDED.cancel_reason,
			updated_at    = EXCLUDED.updated_at,
			started_at    = EXCLUDED.started_at,
			completed_at  = EXCLUDED.completed_at,
			failed_at     = EXCLUDED.failed_at,
			cancelled_at  = EXCLUDED.cancelled_at
		WHERE workflow_runs.status NOT IN ('completed', 'cancelled', 'failed')
			OR EXCLUDED.status = workflow_runs.status`,
		run.ID, run.CorrelationID, run.Template, run.OrderID, run.PayerID, run.PaymentMethod,
		run.Amount, run.Currency, string(run.Status), run.CurrentStep, run.RetryCount, run.MaxRetries,
		stepsJSON, metadataJSON, run.Error, run.CancelReason,
		run.CreatedAt, run.UpdatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt),
		nullTime(run.FailedAt), nullTime(run.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}
	return nil
}

const runColumns = `id, correlation_id, template, order_id, payer_id, payment_method,
	amount, currency, status, current_step, retry_count, max_retries,
	steps, metadata, error, cancel_reason,
	created_at, updated_at, started_at, completed_at, failed_at, cancelled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	r := &Run{}
	var (
		status       string
		stepsJSON    []byte
		metadataJSON []byte
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		failedAt     sql.NullTime
		cancelledAt  sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.CorrelationID, &r.Template, &r.OrderID, &r.PayerID, &r.PaymentMethod,
		&r.Amount, &r.Currency, &status, &r.CurrentStep, &r.RetryCount, &r.MaxRetries,
		&stepsJSON, &metadataJSON, &r.Error, &r.CancelReason,
		&r.CreatedAt, &r.UpdatedAt, &startedAt, &completedAt, &failedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if err := json.Unmarshal(stepsJSON, &r.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	r.StartedAt = timeFromNull(startedAt)
	r.CompletedAt = timeFromNull(completedAt)
	r.FailedAt = timeFromNull(failedAt)
	r.CancelledAt = timeFromNull(cancelledAt)
	return r, nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
