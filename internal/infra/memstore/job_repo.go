// In-memory repositories backing dev mode and unit tests. Production wiring
// uses the Postgres implementations under infra/db/postgres.
package memstore

import (
	"context"
	"sync"
	"time"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type JobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.ConversionJob
}

func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]*model.ConversionJob)}
}

func (r *JobRepo) Create(_ context.Context, job *model.ConversionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.SessionID]; ok {
		return domain.ErrDuplicateSession
	}
	cp := *job
	r.jobs[job.SessionID] = &cp
	return nil
}

func (r *JobRepo) Find(_ context.Context, sessionID string) (*model.ConversionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) Update(_ context.Context, sessionID string, mutate func(*model.ConversionJob) error) (*model.ConversionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.jobs[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	// Terminal records never change again; the stale writer gets the current
	// state back instead of an error.
	if prev.Status.Terminal() {
		cp := *prev
		return &cp, nil
	}
	next := *prev
	if err := mutate(&next); err != nil {
		return nil, err
	}
	r.jobs[sessionID] = &next
	cp := next
	return &cp, nil
}

func (r *JobRepo) CountActive(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.UserID != userID {
			continue
		}
		if j.Status == model.JobStatusQueued || j.Status == model.JobStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) FindExpiredLeases(_ context.Context, now time.Time) ([]*model.ConversionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ConversionJob
	for _, j := range r.jobs {
		if j.Status == model.JobStatusProcessing && j.LeaseExpiresAt.Before(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}
