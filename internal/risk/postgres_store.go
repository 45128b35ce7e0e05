package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists risk scores in PostgreSQL. Schema lives in
// migrations/002_risk_scores.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, score *Score) error {
	factorsJSON, err := json.Marshal(score.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	reasonsJSON, err := json.Marshal(score.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_scores (
			transaction_id, order_id, payer_id, score, level, confidence,
			recommendation, reasons, factors, version, processing_ms, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (transaction_id) DO NOTHING
	`,
		score.TransactionID,
		score.OrderID,
		score.PayerID,
		score.Score,
		string(score.Level),
		score.Confidence,
		string(score.Recommendation),
		reasonsJSON,
		factorsJSON,
		score.Version,
		score.ProcessingTime.Milliseconds(),
		score.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk score: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScoreExists
	}
	return nil
}

const scoreColumns = `transaction_id, order_id, payer_id, score, level, confidence,
	recommendation, reasons, factors, version, processing_ms, checked_at`

func (s *PostgresStore) Get(ctx context.Context, transactionID string) (*Score, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM risk_scores WHERE transaction_id = $1`, transactionID)
	score, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}
	return score, nil
}

func (s *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int, opts ...ListOption) ([]*Score, error) {
	if limit <= 0 {
		limit = 50
	}
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+scoreColumns+`
			FROM risk_scores
			WHERE payer_id = $1 AND (checked_at, transaction_id) < ($2, $3)
			ORDER BY checked_at DESC, transaction_id DESC
			LIMIT $4
		`, payerID, o.cursor.At, o.cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+scoreColumns+`
			FROM risk_scores
			WHERE payer_id = $1
			ORDER BY checked_at DESC, transaction_id DESC
			LIMIT $2
		`, payerID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list risk scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Score
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk score: %w", err)
		}
		result = append(result, score)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScore(sc scanner) (*Score, error) {
	var (
		s            Score
		level, rec   string
		reasonsJSON  []byte
		factorsJSON  []byte
		processingMs int64
		checkedAt    time.Time
	)
	if err := sc.Scan(
		&s.TransactionID, &s.OrderID, &s.PayerID, &s.Score, &level, &s.Confidence,
		&rec, &reasonsJSON, &factorsJSON, &s.Version, &processingMs, &checkedAt,
	); err != nil {
		return nil, err
	}
	s.Level = Level(level)
	s.Recommendation = Recommendation(rec)
	s.ProcessingTime = time.Duration(processingMs) * time.Millisecond
	s.CheckedAt = checkedAt
	if err := json.Unmarshal(reasonsJSON, &s.Reasons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
	}
	if err := json.Unmarshal(factorsJSON, &s.Factors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
	}
	return &s, nil
}
