package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// NewPgxPool connects to Postgres with a bounded pool size.
func NewPgxPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pgxpool.ConnectConfig(cctx, cfg)
}

// EnsureSchema creates the job and notification tables when missing. The
// surrounding deployment may run real migrations instead; this keeps dev and
// test databases usable without them.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
  session_id       TEXT PRIMARY KEY,
  user_id          TEXT NOT NULL,
  spec             JSONB NOT NULL,
  status           TEXT NOT NULL,
  progress         INT NOT NULL DEFAULT 0,
  stage            TEXT NOT NULL DEFAULT '',
  attempts         INT NOT NULL DEFAULT 0,
  result_ref       TEXT NOT NULL DEFAULT '',
  error_code       TEXT,
  error_message    TEXT,
  lease_expires_at TIMESTAMPTZ,
  created_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_user_active
  ON conversion_jobs (user_id) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_lease
  ON conversion_jobs (lease_expires_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS notifications (
  id                 TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  type               TEXT NOT NULL,
  message            TEXT NOT NULL,
  related_session_id TEXT NOT NULL,
  read               BOOLEAN NOT NULL DEFAULT FALSE,
  created_at         TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (user_id, id)
);
CREATE INDEX IF NOT EXISTS idx_notifications_user_created
  ON notifications (user_id, created_at DESC);`

	_, err := pool.Exec(ctx, ddl)
	return err
}
