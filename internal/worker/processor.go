package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/adapter"
	"score-conversion-service/internal/domain/ports/repository"
	"score-conversion-service/internal/infra/metrics"
	"score-conversion-service/internal/queue"
)

// Options bound the execution of a single job.
type Options struct {
	LeaseTTL              time.Duration
	ProgressWriteInterval time.Duration
	HardTimeout           time.Duration
}

// Processor executes claimed jobs: it drives the external converter, streams
// throttled progress into the record store, persists the finished artifact
// and appends the terminal notification.
type Processor struct {
	q         *queue.Queue
	jobs      repository.JobRepository
	notifs    repository.NotificationRepository
	converter adapter.ScoreConverter
	artifacts adapter.ArtifactStore
	opts      Options
	log       *zerolog.Logger
}

func NewProcessor(
	q *queue.Queue,
	jobs repository.JobRepository,
	notifs repository.NotificationRepository,
	converter adapter.ScoreConverter,
	artifacts adapter.ArtifactStore,
	opts Options,
	logger *zerolog.Logger,
) *Processor {
	pLog := logger.With().Str("component", "Processor").Logger()
	return &Processor{
		q:         q,
		jobs:      jobs,
		notifs:    notifs,
		converter: converter,
		artifacts: artifacts,
		opts:      opts,
		log:       &pLog,
	}
}

// Process runs one claimed session to a terminal state. A session whose
// record cannot be moved into processing (cancelled while queued, or already
// owned elsewhere) is skipped without touching the converter.
func (p *Processor) Process(ctx context.Context, workerID int, sessionID string) {
	slot := p.q.Register(sessionID, workerID)
	defer p.q.Release(sessionID)

	job, err := p.jobs.Update(ctx, sessionID, func(j *model.ConversionJob) error {
		if !j.Transition(model.JobStatusProcessing) {
			return nil
		}
		j.Attempts++
		j.Progress = 0
		j.Stage = "starting conversion"
		j.LeaseExpiresAt = time.Now().Add(p.opts.LeaseTTL)
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("session_id", sessionID).Msg("claim update failed")
		return
	}
	if job.Status != model.JobStatusProcessing {
		p.log.Debug().Str("session_id", sessionID).Str("status", string(job.Status)).Msg("skipping stale run-queue entry")
		return
	}

	p.log.Info().Str("session_id", sessionID).Int("worker_id", workerID).Int("attempt", job.Attempts).Msg("processing job")
	start := time.Now()
	deadline := start.Add(p.opts.HardTimeout)
	var lastWrite time.Time

	// report is the checkpoint contract with the converter: it carries the
	// cancellation and timeout signals back and throttles store writes.
	report := func(pct int, stage string) error {
		if err := ctx.Err(); err != nil {
			return err // shutdown: leave the record for the lease reaper
		}
		if slot.CancelRequested() {
			return domain.ErrCancelled
		}
		if time.Now().After(deadline) {
			return domain.ErrTimeout
		}
		if time.Since(lastWrite) < p.opts.ProgressWriteInterval {
			return nil
		}
		lastWrite = time.Now()
		_, uerr := p.jobs.Update(ctx, sessionID, func(j *model.ConversionJob) error {
			// A record the reaper already re-queued belongs to the next
			// worker; never stamp a lease onto it.
			if j.Status != model.JobStatusProcessing {
				return nil
			}
			j.SetProgress(pct, stage)
			j.LeaseExpiresAt = time.Now().Add(p.opts.LeaseTTL)
			return nil
		})
		if uerr != nil {
			p.log.Warn().Err(uerr).Str("session_id", sessionID).Msg("progress write failed")
		}
		return nil
	}

	// The deadline on the run context also bounds converters that stall
	// before ever reaching a checkpoint; report only enforces it between
	// checkpoints.
	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	defer cancelRun()

	artifact, err := p.converter.Convert(runCtx, job.Spec, report)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.complete(sessionID, job, artifact, elapsed)
	case errors.Is(err, domain.ErrCancelled):
		p.cancel(sessionID, elapsed)
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		p.fail(sessionID, job, model.FailureTimeout,
			fmt.Sprintf("no checkpoint reached within %s", p.opts.HardTimeout), elapsed)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-job: no terminal write, the lease expires and the
		// reaper re-queues the job after restart.
		p.log.Warn().Str("session_id", sessionID).Msg("job abandoned on shutdown")
	default:
		p.fail(sessionID, job, model.FailureCollaborator, err.Error(), elapsed)
	}
}

func (p *Processor) complete(sessionID string, job *model.ConversionJob, artifact adapter.Artifact, elapsed time.Duration) {
	// Terminal writes run on a background context so a dying request or
	// shutdown cannot strand a finished job.
	ctx := context.Background()

	key := fmt.Sprintf("%s/score.json", sessionID)
	ref, err := p.artifacts.Put(ctx, key, artifact.ContentType, artifact.Data)
	if err != nil {
		p.fail(sessionID, job, model.FailureCollaborator, fmt.Sprintf("artifact upload: %v", err), elapsed)
		return
	}

	// applied records whether THIS worker performed the terminal transition;
	// a record settled by a rival (lease-expiry requeue finished elsewhere)
	// comes back terminal without it, and that writer owns the notification.
	applied := false
	updated, err := p.jobs.Update(ctx, sessionID, func(j *model.ConversionJob) error {
		applied = false
		j.SetProgress(100, "conversion complete")
		if j.Transition(model.JobStatusCompleted) {
			j.ResultRef = ref
			applied = true
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("session_id", sessionID).Msg("completion write lost")
		return
	}
	if !applied {
		p.log.Warn().Str("session_id", sessionID).Str("status", string(updated.Status)).Msg("completion superseded")
		return
	}

	metrics.IncJobFinished(string(model.JobStatusCompleted))
	metrics.ObserveJobDuration(elapsed.Seconds())
	p.notify(ctx, updated, model.NotificationJobCompleted,
		fmt.Sprintf("Your score %q is ready for playback.", displayName(updated.Spec)))
	p.log.Info().Str("session_id", sessionID).Dur("duration", elapsed).Msg("job completed")
}

func (p *Processor) cancel(sessionID string, elapsed time.Duration) {
	// Partial converter output is discarded; nothing is persisted as ResultRef.
	applied := false
	_, err := p.jobs.Update(context.Background(), sessionID, func(j *model.ConversionJob) error {
		applied = false
		if j.Transition(model.JobStatusCancelled) {
			j.Stage = "cancelled during processing"
			applied = true
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("session_id", sessionID).Msg("cancel write failed")
		return
	}
	if !applied {
		return
	}
	metrics.IncJobFinished(string(model.JobStatusCancelled))
	p.log.Info().Str("session_id", sessionID).Dur("duration", elapsed).Msg("job cancelled at checkpoint")
}

func (p *Processor) fail(sessionID string, job *model.ConversionJob, code, message string, elapsed time.Duration) {
	ctx := context.Background()
	applied := false
	updated, err := p.jobs.Update(ctx, sessionID, func(j *model.ConversionJob) error {
		applied = false
		if j.Transition(model.JobStatusFailed) {
			j.Error = &model.ErrorInfo{Code: code, Message: message}
			j.Stage = "conversion failed"
			applied = true
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("session_id", sessionID).Msg("failure write lost")
		return
	}
	if !applied {
		p.log.Warn().Str("session_id", sessionID).Str("status", string(updated.Status)).Msg("failure superseded")
		return
	}

	metrics.IncJobFinished(string(model.JobStatusFailed))
	metrics.ObserveJobDuration(elapsed.Seconds())
	p.notify(ctx, updated, model.NotificationJobFailed,
		fmt.Sprintf("Conversion of %q failed: %s", displayName(updated.Spec), message))
	p.log.Error().Str("session_id", sessionID).Str("code", code).Str("reason", message).Msg("job failed")
}

func (p *Processor) notify(ctx context.Context, job *model.ConversionJob, kind model.NotificationType, message string) {
	n := &model.Notification{
		ID:               ulid.Make().String(),
		UserID:           job.UserID,
		Type:             kind,
		Message:          message,
		RelatedSessionID: job.SessionID,
		CreatedAt:        time.Now(),
	}
	if err := p.notifs.Append(ctx, n); err != nil {
		p.log.Error().Err(err).Str("session_id", job.SessionID).Msg("notification append failed")
		return
	}
	metrics.IncNotification(string(kind))
}

func displayName(spec model.JobSpec) string {
	if spec.Title != "" {
		return spec.Title
	}
	return spec.Filename
}
