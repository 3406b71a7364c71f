package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Log(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO usage_records (tenant_id, request_id, provider, voice, format, outcome, input_chars, audio_bytes, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.TenantID, rec.RequestID, rec.Provider, rec.Voice, rec.Format,
		rec.Outcome, rec.InputChars, rec.AudioBytes, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, tenant_id, request_id, provider, voice, format, outcome, input_chars, audio_bytes, latency_ms, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.RequestID, &r.Provider, &r.Voice, &r.Format,
			&r.Outcome, &r.InputChars, &r.AudioBytes, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) GetTotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(audio_bytes), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var requests, audioBytes int64
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&requests, &audioBytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get usage totals: %w", err)
	}

	return requests, audioBytes, nil
}
