package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ============================================
// POSTGRES STORE
// ============================================

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	id               UUID PRIMARY KEY,
	call_sid         TEXT NOT NULL UNIQUE,
	stream_sid       TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL,
	from_number      TEXT NOT NULL DEFAULT '',
	to_number        TEXT NOT NULL DEFAULT '',
	call_state       TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	answered_at      TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	relay_metrics    JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message    TEXT NOT NULL DEFAULT '',
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_records_created_at_idx ON call_records (created_at DESC);
`

const selectColumns = `
	id, call_sid, stream_sid, direction, from_number, to_number,
	call_state, started_at, answered_at, ended_at, duration_seconds,
	relay_metrics, error_message, metadata, created_at, updated_at
`

// PostgresStore persists call records with pgx.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the call_records table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *CallRecord) error {
	query := `
		INSERT INTO call_records (
			id, call_sid, stream_sid, direction, from_number, to_number,
			call_state, started_at, answered_at, ended_at, duration_seconds,
			relay_metrics, error_message, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	metricsJSON, metadataJSON, err := encodeJSONColumns(rec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, query,
		rec.ID, rec.CallSID, rec.StreamSID, rec.Direction, rec.FromNumber, rec.ToNumber,
		rec.State, rec.StartedAt, rec.AnsweredAt, rec.EndedAt, rec.DurationSeconds,
		metricsJSON, rec.ErrorMessage, metadataJSON, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, callSID string, state CallState) error {
	return s.modify(ctx, callSID, func(rec *CallRecord, now time.Time) {
		ApplyState(rec, state, now)
	})
}

func (s *PostgresStore) Finish(ctx context.Context, callSID string, outcome Outcome) error {
	return s.modify(ctx, callSID, func(rec *CallRecord, now time.Time) {
		ApplyOutcome(rec, outcome, now)
	})
}

// modify loads a record under a row lock, applies fn and writes it back.
func (s *PostgresStore) modify(ctx context.Context, callSID string, fn func(rec *CallRecord, now time.Time)) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM call_records WHERE call_sid = $1 FOR UPDATE`, callSID))
	if err != nil {
		return err
	}

	fn(rec, time.Now().UTC())

	metricsJSON, metadataJSON, err := encodeJSONColumns(rec)
	if err != nil {
		return err
	}
	query := `
		UPDATE call_records SET
			stream_sid = $1,
			call_state = $2,
			answered_at = $3,
			ended_at = $4,
			duration_seconds = $5,
			relay_metrics = $6,
			error_message = $7,
			metadata = $8,
			updated_at = $9
		WHERE id = $10
	`
	_, err = tx.Exec(ctx, query,
		rec.StreamSID,
		rec.State,
		rec.AnsweredAt,
		rec.EndedAt,
		rec.DurationSeconds,
		metricsJSON,
		rec.ErrorMessage,
		metadataJSON,
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update call record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByCallSID(ctx context.Context, callSID string) (*CallRecord, error) {
	return scanRecord(s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM call_records WHERE call_sid = $1`, callSID))
}

// ListRecent returns up to limit records, newest first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM call_records ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*CallRecord, error) {
	var rec CallRecord
	var metricsJSON, metadataJSON []byte

	err := row.Scan(
		&rec.ID, &rec.CallSID, &rec.StreamSID, &rec.Direction, &rec.FromNumber, &rec.ToNumber,
		&rec.State, &rec.StartedAt, &rec.AnsweredAt, &rec.EndedAt, &rec.DurationSeconds,
		&metricsJSON, &rec.ErrorMessage, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan call record: %w", err)
	}

	if err := json.Unmarshal(metricsJSON, &rec.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode relay metrics: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &rec, nil
}

func encodeJSONColumns(rec *CallRecord) (metrics, metadata []byte, err error) {
	metrics, err = json.Marshal(rec.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode relay metrics: %w", err)
	}
	md := rec.Metadata
	if md == nil {
		md = map[string]string{}
	}
	metadata, err = json.Marshal(md)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return metrics, metadata, nil
}

var _ Store = (*PostgresStore)(nil)
