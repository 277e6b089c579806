package logsink

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// PostgresSink appends records to the request_logs table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pgx pool and ensures the table exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=logsink.postgres: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=logsink.postgres: %w", err)
	}
	s := &PostgresSink{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			backend_name TEXT NOT NULL,
			session_id TEXT,
			duration_ms BIGINT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			input_tokens BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			degraded BOOLEAN NOT NULL,
			error TEXT,
			request_summary TEXT
		)`)
	if err != nil {
		return fmt.Errorf("op=logsink.postgres schema: %w", err)
	}
	return nil
}

// Append inserts one record, retrying transient failures briefly so a
// connection blip does not lose the entry.
func (s *PostgresSink) Append(ctx context.Context, rec domain.LogRecord) error {
	op := func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO request_logs
				(id, ts, backend_name, session_id, duration_ms, cost_usd,
				 input_tokens, output_tokens, degraded, error, request_summary)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.TS, rec.BackendName, rec.SessionID, rec.DurationMS, rec.CostUSD,
			rec.InputTokens, rec.OutputTokens, rec.Degraded, rec.Error, rec.RequestSummary)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=logsink.postgres append id=%s: %w", rec.ID, err)
	}
	return nil
}

// Ping reports sink reachability for readiness checks.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresSink) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}
