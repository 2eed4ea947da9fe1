// Package queue is the admission and scheduling authority for conversion
// jobs: it validates submissions, enforces the per-user concurrency quota,
// feeds runnable jobs to the worker pool and carries the cancellation signal
// to in-flight workers.
package queue

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
	"score-conversion-service/internal/infra/metrics"
)

// Slot is the in-memory claim a worker holds while executing one job. It is
// destroyed when the job reaches a terminal state or the worker gives up.
type Slot struct {
	SessionID string
	WorkerID  int
	cancelled atomic.Bool
}

// RequestCancel flips the cooperative cancellation flag. The owning worker
// observes it at its next checkpoint.
func (s *Slot) RequestCancel() { s.cancelled.Store(true) }

func (s *Slot) CancelRequested() bool { return s.cancelled.Load() }

type Queue struct {
	jobs       repository.JobRepository
	runq       chan string
	maxPerUser int

	mu    sync.Mutex
	slots map[string]*Slot
	quit  chan struct{}
	done  bool

	log *zerolog.Logger
}

func New(jobs repository.JobRepository, depth, maxPerUser int, logger *zerolog.Logger) *Queue {
	qLog := logger.With().Str("component", "ProcessingQueue").Logger()
	return &Queue{
		jobs:       jobs,
		runq:       make(chan string, depth),
		maxPerUser: maxPerUser,
		slots:      make(map[string]*Slot),
		quit:       make(chan struct{}),
		log:        &qLog,
	}
}

// Submit validates and admits a new conversion job. The record is created in
// the queued state and the session is placed on the run queue; the call never
// blocks on execution.
func (q *Queue) Submit(ctx context.Context, userID, sessionID string, spec model.JobSpec) (*model.ConversionJob, error) {
	if err := validateSpec(userID, spec); err != nil {
		metrics.IncSubmission("invalid")
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return nil, domain.ErrQueueClosed
	}

	// Quota check and record creation share one critical section; two
	// concurrent submissions must not both read the pre-admission count.
	active, err := q.jobs.CountActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active >= q.maxPerUser {
		metrics.IncSubmission("limit")
		return nil, domain.ErrConcurrencyLimit
	}
	if len(q.runq) == cap(q.runq) {
		metrics.IncSubmission("full")
		return nil, domain.ErrQueueFull
	}

	job := model.NewConversionJob(sessionID, userID, spec)
	if err := q.jobs.Create(ctx, job); err != nil {
		if err == domain.ErrDuplicateSession {
			metrics.IncSubmission("duplicate")
		}
		return nil, err
	}
	q.runq <- job.SessionID // cannot block: capacity checked under q.mu
	metrics.IncSubmission("accepted")
	metrics.SetQueueDepth(len(q.runq))

	q.log.Info().Str("session_id", job.SessionID).Str("user_id", userID).Msg("job admitted")
	return job, nil
}

// Cancel requests cancellation of a job owned by userID. A queued job is
// transitioned to cancelled before any worker sees it; a processing job only
// gets its slot flagged and is cancelled by the worker at the next
// checkpoint. Returns false without error when the job belongs to someone
// else or is already terminal.
func (q *Queue) Cancel(ctx context.Context, sessionID, userID string) (bool, error) {
	job, err := q.jobs.Find(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if job.UserID != userID || job.Status.Terminal() {
		return false, nil
	}

	// The atomic update settles the race against a concurrent claim: either
	// we cancel the record while still queued, or we observe processing and
	// fall through to the cooperative signal.
	updated, err := q.jobs.Update(ctx, sessionID, func(j *model.ConversionJob) error {
		if j.Status == model.JobStatusQueued {
			j.Transition(model.JobStatusCancelled)
			j.Stage = "cancelled before processing"
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	switch updated.Status {
	case model.JobStatusCancelled:
		metrics.IncCancelledQueued()
		metrics.IncJobFinished(string(model.JobStatusCancelled))
		q.log.Info().Str("session_id", sessionID).Msg("queued job cancelled")
		return true, nil
	case model.JobStatusProcessing:
		q.mu.Lock()
		slot := q.slots[sessionID]
		q.mu.Unlock()
		if slot == nil {
			// Worker already gone; the record is about to turn terminal.
			return false, nil
		}
		slot.RequestCancel()
		q.log.Info().Str("session_id", sessionID).Msg("cancellation signalled to worker")
		return true, nil
	default:
		return false, nil
	}
}

// Claim blocks until a session is runnable or the queue shuts down. The
// returned session still has to be claimed on the record store by the worker;
// sessions cancelled while queued simply fail that claim and are skipped.
func (q *Queue) Claim(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.quit:
		return "", domain.ErrQueueClosed
	case sid := <-q.runq:
		metrics.SetQueueDepth(len(q.runq))
		return sid, nil
	}
}

// Register creates the worker slot for a claimed session.
func (q *Queue) Register(sessionID string, workerID int) *Slot {
	slot := &Slot{SessionID: sessionID, WorkerID: workerID}
	q.mu.Lock()
	q.slots[sessionID] = slot
	q.mu.Unlock()
	return slot
}

// Release destroys the worker slot once the job left the processing state.
func (q *Queue) Release(sessionID string) {
	q.mu.Lock()
	delete(q.slots, sessionID)
	q.mu.Unlock()
}

// Requeue puts a crashed worker's job back on the run queue. Used only by the
// lease reaper; the queue stays the single writer of its own channel.
func (q *Queue) Requeue(ctx context.Context, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return false, domain.ErrQueueClosed
	}
	if len(q.runq) == cap(q.runq) {
		return false, domain.ErrQueueFull
	}

	updated, err := q.jobs.Update(ctx, sessionID, func(j *model.ConversionJob) error {
		if j.Status == model.JobStatusProcessing {
			j.Transition(model.JobStatusQueued)
			j.Progress = 0
			j.Stage = "re-queued after worker loss"
			j.LeaseExpiresAt = time.Time{}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if updated.Status != model.JobStatusQueued {
		return false, nil
	}
	q.runq <- sessionID
	metrics.SetQueueDepth(len(q.runq))
	return true, nil
}

// Shutdown stops admission and unblocks all claim waits.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	q.done = true
	close(q.quit)
}

// Depth reports how many admitted sessions wait for a worker.
func (q *Queue) Depth() int { return len(q.runq) }

func validateSpec(userID string, spec model.JobSpec) error {
	if userID == "" {
		return domain.ErrInvalidArgument
	}
	if spec.DocumentRef == "" {
		return domain.ErrInvalidArgument
	}
	if !strings.HasSuffix(strings.ToLower(spec.Filename), ".pdf") {
		return domain.ErrInvalidArgument
	}
	return nil
}
