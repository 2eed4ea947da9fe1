package repository

import (
	"context"
	"time"

	"score-conversion-service/internal/domain/model"
)

// JobRepository is the durable record store for conversion jobs, keyed by
// session ID. All status and progress changes go through Update so that the
// worker path and the cancellation path cannot overwrite each other.
type JobRepository interface {
	// Create inserts a new record; returns domain.ErrDuplicateSession when the
	// session ID is already taken.
	Create(ctx context.Context, job *model.ConversionJob) error

	// Find returns the current record or domain.ErrNotFound.
	Find(ctx context.Context, sessionID string) (*model.ConversionJob, error)

	// Update applies an atomic read-modify-write. The mutate function must be a
	// pure function of the prior state; implementations retry transient write
	// conflicts with bounded backoff. Returning domain.ErrNotFound from the
	// store means no such session.
	Update(ctx context.Context, sessionID string, mutate func(*model.ConversionJob) error) (*model.ConversionJob, error)

	// CountActive counts a user's jobs in the queued or processing state.
	CountActive(ctx context.Context, userID string) (int, error)

	// FindExpiredLeases lists processing jobs whose lease expired before now.
	FindExpiredLeases(ctx context.Context, now time.Time) ([]*model.ConversionJob, error)
}
