// File: internal/worker/pool.go
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/queue"
)

// Pool runs a fixed number of workers that claim jobs from the processing
// queue and hand them to the processor until shutdown.
type Pool struct {
	q    *queue.Queue
	proc *Processor
	n    int
	wg   sync.WaitGroup
	log  *zerolog.Logger
}

func NewPool(workers int, q *queue.Queue, proc *Processor, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	pLog := logger.With().Str("component", "WorkerPool").Logger()
	return &Pool{q: q, proc: proc, n: workers, log: &pLog}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.n).Msg("worker pool started")
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				sid, err := p.q.Claim(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrQueueClosed) {
						p.log.Error().Err(err).Int("worker_id", id).Msg("claim failed")
					}
					return
				}
				p.proc.Process(ctx, id, sid)
			}
		}(i)
	}
}

// Stop waits for in-flight jobs to finish. Callers cancel the pool context
// (and shut the queue down) first.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}
