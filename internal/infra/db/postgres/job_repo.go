package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"

	updateRetries = 3
)

type jobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

const jobColumns = `session_id, user_id, spec, status, progress, stage, attempts,
result_ref, error_code, error_message, lease_expires_at, created_at, updated_at`

func (r *jobRepo) Create(ctx context.Context, job *model.ConversionJob) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO conversion_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.pool.Exec(ctx, q,
		job.SessionID, job.UserID, spec, job.Status, job.Progress, job.Stage, job.Attempts,
		job.ResultRef, errCode(job.Error), errMessage(job.Error), nullableTime(job.LeaseExpiresAt),
		job.CreatedAt, job.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateSession
	}
	return err
}

func (r *jobRepo) Find(ctx context.Context, sessionID string) (*model.ConversionJob, error) {
	const q = `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE session_id = $1`
	return scanJob(r.pool.QueryRow(ctx, q, sessionID))
}

// Update reads the record under FOR UPDATE, applies mutate to a copy and
// writes it back in the same transaction. Serialization conflicts are retried
// with a short backoff; terminal records are returned unchanged.
func (r *jobRepo) Update(ctx context.Context, sessionID string, mutate func(*model.ConversionJob) error) (*model.ConversionJob, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		job, err := r.updateOnce(ctx, sessionID, mutate)
		if err == nil || !retryable(err) {
			return job, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return nil, errors.Join(domain.ErrWriteConflict, lastErr)
}

func (r *jobRepo) updateOnce(ctx context.Context, sessionID string, mutate func(*model.ConversionJob) error) (*model.ConversionJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const sel = `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE session_id = $1 FOR UPDATE`
	job, err := scanJob(tx.QueryRow(ctx, sel, sessionID))
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	next := *job
	if err := mutate(&next); err != nil {
		return nil, err
	}

	const upd = `
UPDATE conversion_jobs SET
  status = $2, progress = $3, stage = $4, attempts = $5, result_ref = $6,
  error_code = $7, error_message = $8, lease_expires_at = $9, updated_at = $10
WHERE session_id = $1`
	if _, err := tx.Exec(ctx, upd,
		next.SessionID, next.Status, next.Progress, next.Stage, next.Attempts, next.ResultRef,
		errCode(next.Error), errMessage(next.Error), nullableTime(next.LeaseExpiresAt), next.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &next, nil
}

func (r *jobRepo) CountActive(ctx context.Context, userID string) (int, error) {
	const q = `
SELECT COUNT(*) FROM conversion_jobs
WHERE user_id = $1 AND status IN ('queued', 'processing')`
	var n int
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *jobRepo) FindExpiredLeases(ctx context.Context, now time.Time) ([]*model.ConversionJob, error) {
	const q = `
SELECT ` + jobColumns + ` FROM conversion_jobs
WHERE status = 'processing' AND lease_expires_at < $1
ORDER BY lease_expires_at`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.ConversionJob, error) {
	var (
		job     model.ConversionJob
		spec    []byte
		status  string
		code    *string
		message *string
		lease   *time.Time
	)
	err := row.Scan(
		&job.SessionID, &job.UserID, &spec, &status, &job.Progress, &job.Stage, &job.Attempts,
		&job.ResultRef, &code, &message, &lease, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if err := json.Unmarshal(spec, &job.Spec); err != nil {
		return nil, err
	}
	if code != nil {
		job.Error = &model.ErrorInfo{Code: *code}
		if message != nil {
			job.Error.Message = *message
		}
	}
	if lease != nil {
		job.LeaseExpiresAt = *lease
	}
	return &job, nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
}

func errCode(e *model.ErrorInfo) *string {
	if e == nil {
		return nil
	}
	return &e.Code
}

func errMessage(e *model.ErrorInfo) *string {
	if e == nil {
		return nil
	}
	return &e.Message
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
