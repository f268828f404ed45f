// Package store provides preference persistence, active-call tracking and call history
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fexe-co/softphone/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCallNotFound is returned when a call log does not exist
var ErrCallNotFound = errors.New("call not found")

const schema = `
CREATE TABLE IF NOT EXISTS call_logs (
	id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	call_id          TEXT NOT NULL UNIQUE,
	account          TEXT NOT NULL,
	direction        TEXT NOT NULL,
	local_uri        TEXT NOT NULL,
	remote_uri       TEXT NOT NULL,
	status           TEXT NOT NULL,
	initiated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	ringing_at       TIMESTAMPTZ,
	answered_at      TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	duration_seconds INT,
	hangup_cause     TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_logs_initiated_at_idx ON call_logs (initiated_at DESC);
`

// PostgresStore implements call history operations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the call history table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateCallLog creates a new call log entry
func (s *PostgresStore) CreateCallLog(ctx context.Context, call *models.CallLog) (*models.CallLog, error) {
	var c models.CallLog
	err := s.pool.QueryRow(ctx, `
		INSERT INTO call_logs (call_id, account, direction, local_uri, remote_uri, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO UPDATE SET status = EXCLUDED.status
		RETURNING id, call_id, account, direction, local_uri, remote_uri,
		          status, initiated_at, created_at
	`, call.CallID, call.Account, call.Direction, call.LocalURI, call.RemoteURI, call.Status,
	).Scan(
		&c.ID, &c.CallID, &c.Account, &c.Direction, &c.LocalURI, &c.RemoteURI,
		&c.Status, &c.InitiatedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCallStatus updates the status of a call
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus, cause string) error {
	now := time.Now()
	var query string
	var args []interface{}

	switch status {
	case models.CallStatusRinging:
		query = `UPDATE call_logs SET status = $1, ringing_at = $2 WHERE call_id = $3`
		args = []interface{}{status, now, callID}
	case models.CallStatusAnswered:
		query = `UPDATE call_logs SET status = $1, answered_at = $2 WHERE call_id = $3`
		args = []interface{}{status, now, callID}
	case models.CallStatusCompleted, models.CallStatusFailed, models.CallStatusRejected:
		query = `
			UPDATE call_logs
			SET status = $1, ended_at = $2, hangup_cause = NULLIF($4, ''),
			    duration_seconds = CASE WHEN answered_at IS NULL THEN 0
			                            ELSE EXTRACT(EPOCH FROM ($2 - answered_at))::INT END
			WHERE call_id = $3`
		args = []interface{}{status, now, callID, cause}
	default:
		query = `UPDATE call_logs SET status = $1 WHERE call_id = $2`
		args = []interface{}{status, callID}
	}

	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

const callColumns = `id, call_id, account, direction, local_uri, remote_uri, status,
	initiated_at, ringing_at, answered_at, ended_at, duration_seconds, hangup_cause, created_at`

func scanCall(row pgx.Row) (*models.CallLog, error) {
	var c models.CallLog
	err := row.Scan(
		&c.ID, &c.CallID, &c.Account, &c.Direction, &c.LocalURI, &c.RemoteURI, &c.Status,
		&c.InitiatedAt, &c.RingingAt, &c.AnsweredAt, &c.EndedAt, &c.DurationSeconds,
		&c.HangupCause, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCalls returns the most recent calls, newest first
func (s *PostgresStore) ListCalls(ctx context.Context, limit int) ([]*models.CallLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+callColumns+`
		FROM call_logs
		ORDER BY initiated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.CallLog
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}

	return calls, rows.Err()
}

// GetCall returns a call log by SIP call ID
func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*models.CallLog, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_logs
		WHERE call_id = $1
	`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return c, nil
}
