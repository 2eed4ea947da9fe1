package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
	"score-conversion-service/internal/queue"
)

// Compile-time check
var _ ConversionUseCase = (*conversionUC)(nil)

// ConversionUseCase is the caller-facing surface of the job engine: admission
// and cancellation delegate to the processing queue, status reads project the
// job record store.
type ConversionUseCase interface {
	Submit(ctx context.Context, userID, sessionID string, spec model.JobSpec) (*model.ConversionJob, error)
	Cancel(ctx context.Context, sessionID, userID string) (bool, error)
	// Status returns a snapshot of the caller's job. A job owned by another
	// user yields domain.ErrUnauthorized, never a not-found, so session IDs
	// cannot be enumerated by probing.
	Status(ctx context.Context, sessionID, userID string) (*model.ConversionJob, error)
	// Watch streams snapshots until the job turns terminal or ctx ends. The
	// channel is closed after the terminal snapshot is delivered.
	Watch(ctx context.Context, sessionID, userID string) (<-chan *model.ConversionJob, error)
}

type conversionUC struct {
	q         *queue.Queue
	jobs      repository.JobRepository
	pollEvery time.Duration
	log       *zerolog.Logger
}

func NewConversionUseCase(q *queue.Queue, jobs repository.JobRepository, pollEvery time.Duration, logger *zerolog.Logger) *conversionUC {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &conversionUC{q: q, jobs: jobs, pollEvery: pollEvery, log: logger}
}

func (u *conversionUC) Submit(ctx context.Context, userID, sessionID string, spec model.JobSpec) (*model.ConversionJob, error) {
	return u.q.Submit(ctx, userID, sessionID, spec)
}

func (u *conversionUC) Cancel(ctx context.Context, sessionID, userID string) (bool, error) {
	return u.q.Cancel(ctx, sessionID, userID)
}

func (u *conversionUC) Status(ctx context.Context, sessionID, userID string) (*model.ConversionJob, error) {
	job, err := u.jobs.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrUnauthorized
	}
	return job, nil
}

// Watch is a thin poll loop over the same read path as Status; polling and
// streaming can never diverge because there is no second source of truth.
func (u *conversionUC) Watch(ctx context.Context, sessionID, userID string) (<-chan *model.ConversionJob, error) {
	first, err := u.Status(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan *model.ConversionJob, 1)
	out <- first
	if first.Status.Terminal() {
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(u.pollEvery)
		defer ticker.Stop()
		last := first.UpdatedAt

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := u.jobs.Find(ctx, sessionID)
				if err != nil {
					u.log.Warn().Err(err).Str("session_id", sessionID).Msg("watch read failed")
					return
				}
				if !job.UpdatedAt.After(last) {
					continue
				}
				last = job.UpdatedAt
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
				if job.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}
