// Package sagadb persists saga coordinator state in Postgres. It speaks
// database/sql; the server wires it through the pgx stdlib driver.
package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caravan/internal/saga"
)

// Store persists transactions and step results in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the coordinator tables if they do not exist. The
// saga_participants table is part of the schema for participants that drive
// the prepare/commit hooks among themselves; the coordinator itself never
// writes to it.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_transactions (
			id TEXT PRIMARY KEY,
			saga_definition JSONB NOT NULL,
			state TEXT NOT NULL,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			compensation_triggered BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS saga_participants (
			transaction_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (transaction_id, participant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS saga_step_results (
			transaction_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			is_compensation BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL,
			data JSONB,
			error JSONB,
			duration_ms BIGINT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			retry_count INT NOT NULL,
			PRIMARY KEY (transaction_id, step_id, is_compensation)
		)`,
		`CREATE TABLE IF NOT EXISTS saga_locks (
			lock_id TEXT PRIMARY KEY,
			resource TEXT NOT NULL,
			owner TEXT NOT NULL,
			mode TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS saga_locks_exclusive_resource
			ON saga_locks (resource) WHERE mode = 'exclusive'`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, rec *saga.TransactionRecord) error {
	definition, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_transactions (id, saga_definition, state, error, started_at, compensation_triggered)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		rec.ID, definition, string(rec.State), rec.Error, rec.StartedAt, rec.CompensationTriggered,
	)
	return err
}

func (s *Store) UpdateTransaction(ctx context.Context, rec *saga.TransactionRecord) error {
	var completedAt *time.Time
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_transactions
		SET state = $2, error = NULLIF($3, ''), completed_at = $4, compensation_triggered = $5
		WHERE id = $1`,
		rec.ID, string(rec.State), rec.Error, completedAt, rec.CompensationTriggered,
	)
	return err
}

func (s *Store) SaveStepResult(ctx context.Context, txID string, res saga.StepResult, compensation bool) error {
	var data, stepErr []byte
	var err error
	if res.Data != nil {
		if data, err = json.Marshal(res.Data); err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}
	if res.Error != nil {
		if stepErr, err = json.Marshal(res.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_step_results
			(transaction_id, step_id, is_compensation, success, data, error, duration_ms, started_at, completed_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_id, step_id, is_compensation) DO UPDATE SET
			success = EXCLUDED.success,
			data = EXCLUDED.data,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			retry_count = EXCLUDED.retry_count`,
		txID, res.StepID, compensation, res.Success, nullableBytes(data), nullableBytes(stepErr),
		res.Duration.Milliseconds(), res.StartedAt, res.CompletedAt, res.RetryCount,
	)
	return err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*saga.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, saga_definition, state, COALESCE(error, ''), started_at, completed_at, compensation_triggered
		FROM saga_transactions
		WHERE id = $1`,
		id,
	)

	rec, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadStepResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListTransactions(ctx context.Context, state saga.TransactionState, limit int) ([]saga.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, saga_definition, state, COALESCE(error, ''), started_at, completed_at, compensation_triggered
		FROM saga_transactions`
	args := []any{}
	if state != "" {
		query += ` WHERE state = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, string(state), limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*saga.TransactionRecord, error) {
	var rec saga.TransactionRecord
	var definition []byte
	var state string
	var completedAt sql.NullTime

	if err := row.Scan(&rec.ID, &definition, &state, &rec.Error, &rec.StartedAt, &completedAt, &rec.CompensationTriggered); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(definition, &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	rec.State = saga.TransactionState(state)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	rec.StepResults = make(map[string]saga.StepResult)
	return &rec, nil
}

func (s *Store) loadStepResults(ctx context.Context, rec *saga.TransactionRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, is_compensation, success, data, error, duration_ms, started_at, completed_at, retry_count
		FROM saga_step_results
		WHERE transaction_id = $1`,
		rec.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var res saga.StepResult
		var compensation bool
		var data, stepErr []byte
		var durationMs int64

		if err := rows.Scan(&res.StepID, &compensation, &res.Success, &data, &stepErr,
			&durationMs, &res.StartedAt, &res.CompletedAt, &res.RetryCount); err != nil {
			return err
		}
		res.Duration = time.Duration(durationMs) * time.Millisecond
		if len(data) > 0 {
			if err := json.Unmarshal(data, &res.Data); err != nil {
				return fmt.Errorf("unmarshal step data: %w", err)
			}
		}
		if len(stepErr) > 0 {
			if err := json.Unmarshal(stepErr, &res.Error); err != nil {
				return fmt.Errorf("unmarshal step error: %w", err)
			}
		}

		if compensation {
			if rec.CompensationResults == nil {
				rec.CompensationResults = make(map[string]saga.StepResult)
			}
			rec.CompensationResults[res.StepID] = res
		} else {
			rec.StepResults[res.StepID] = res
		}
	}
	return rows.Err()
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ saga.Store = (*Store)(nil)
