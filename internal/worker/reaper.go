package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
	"score-conversion-service/internal/infra/metrics"
	"score-conversion-service/internal/queue"
)

// Locker serializes the reap pass across pool instances. Only one reaper may
// touch expired leases at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

const reapLockKey = "conversion:reaper"

// Reaper recovers jobs whose worker died mid-execution: once the lease on a
// processing record expires the job goes back to the run queue, up to
// maxAttempts runs in total, after which it is failed as WorkerUnavailable.
type Reaper struct {
	interval    time.Duration
	maxAttempts int
	jobs        repository.JobRepository
	notifs      repository.NotificationRepository
	q           *queue.Queue
	locker      Locker
	log         *zerolog.Logger
}

func NewReaper(
	interval time.Duration,
	maxAttempts int,
	jobs repository.JobRepository,
	notifs repository.NotificationRepository,
	q *queue.Queue,
	locker Locker,
	logger *zerolog.Logger,
) *Reaper {
	rLog := logger.With().Str("component", "LeaseReaper").Logger()
	return &Reaper{
		interval:    interval,
		maxAttempts: maxAttempts,
		jobs:        jobs,
		notifs:      notifs,
		q:           q,
		locker:      locker,
		log:         &rLog,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("starting lease reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("stopping lease reaper")
			return ctx.Err()
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) {
	token, ok, err := r.locker.TryLock(ctx, reapLockKey, r.interval)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper lock error")
		return
	}
	if !ok {
		return // another instance holds the pass
	}
	defer func() {
		if err := r.locker.Unlock(ctx, reapLockKey, token); err != nil {
			r.log.Warn().Err(err).Msg("reaper unlock failed")
		}
	}()

	expired, err := r.jobs.FindExpiredLeases(ctx, time.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("expired lease scan failed")
		return
	}

	for _, job := range expired {
		if job.Attempts >= r.maxAttempts {
			r.forceFail(ctx, job)
			continue
		}
		requeued, err := r.q.Requeue(ctx, job.SessionID)
		if err != nil {
			r.log.Error().Err(err).Str("session_id", job.SessionID).Msg("requeue failed")
			continue
		}
		if requeued {
			metrics.IncLeaseReap("requeued")
			r.log.Warn().Str("session_id", job.SessionID).Int("attempt", job.Attempts).Msg("lease expired, job re-queued")
		}
	}
}

func (r *Reaper) forceFail(ctx context.Context, job *model.ConversionJob) {
	// Notify only when this pass performed the transition; a job that turned
	// terminal between the lease scan and this write already got its
	// notification from whoever settled it.
	applied := false
	updated, err := r.jobs.Update(ctx, job.SessionID, func(j *model.ConversionJob) error {
		applied = false
		if j.Transition(model.JobStatusFailed) {
			j.Error = &model.ErrorInfo{
				Code:    model.FailureWorkerUnavailable,
				Message: fmt.Sprintf("worker lost after %d attempts", j.Attempts),
			}
			j.Stage = "conversion failed"
			applied = true
		}
		return nil
	})
	if err != nil {
		r.log.Error().Err(err).Str("session_id", job.SessionID).Msg("force-fail write lost")
		return
	}
	if !applied {
		return
	}

	metrics.IncLeaseReap("failed")
	metrics.IncJobFinished(string(model.JobStatusFailed))
	n := &model.Notification{
		ID:               ulid.Make().String(),
		UserID:           updated.UserID,
		Type:             model.NotificationJobFailed,
		Message:          fmt.Sprintf("Conversion of %q failed: processing was interrupted too many times.", displayName(updated.Spec)),
		RelatedSessionID: updated.SessionID,
		CreatedAt:        time.Now(),
	}
	if err := r.notifs.Append(ctx, n); err != nil {
		r.log.Error().Err(err).Str("session_id", updated.SessionID).Msg("notification append failed")
		return
	}
	metrics.IncNotification(string(model.NotificationJobFailed))
}

// LocalLocker is the single-process Locker used in dev mode and tests; the
// Redis locker takes over when multiple instances share one queue backend.
type LocalLocker struct {
	mu    sync.Mutex
	held  bool
	token string
}

func NewLocalLocker() *LocalLocker { return &LocalLocker{} }

func (l *LocalLocker) TryLock(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return "", false, nil
	}
	l.held = true
	l.token = ulid.Make().String()
	return l.token, true, nil
}

func (l *LocalLocker) Unlock(_ context.Context, _, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && token == l.token {
		l.held = false
	}
	return nil
}
