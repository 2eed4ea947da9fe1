package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/infra/memstore"
	"score-conversion-service/internal/queue"
)

func newTestLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

func validSpec() model.JobSpec {
	return model.JobSpec{DocumentRef: "uploads/doc-1", Filename: "sonata.pdf", Title: "Sonata"}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("admits a valid job as queued", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		job, err := q.Submit(ctx, "u1", "s1", validSpec())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if job.Status != model.JobStatusQueued {
			t.Errorf("status = %s, want queued", job.Status)
		}
		if q.Depth() != 1 {
			t.Errorf("depth = %d, want 1", q.Depth())
		}
	})

	t.Run("generates a session id when absent", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		job, err := q.Submit(ctx, "u1", "", validSpec())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if job.SessionID == "" {
			t.Error("expected generated session id")
		}
	})

	t.Run("rejects invalid specs without creating a record", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		cases := []struct {
			name string
			user string
			spec model.JobSpec
		}{
			{"missing document", "u1", model.JobSpec{Filename: "a.pdf"}},
			{"non-pdf upload", "u1", model.JobSpec{DocumentRef: "d", Filename: "a.png"}},
			{"missing user", "", validSpec()},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := q.Submit(ctx, tc.user, "s-bad", tc.spec); !errors.Is(err, domain.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
				if _, err := repo.Find(ctx, "s-bad"); !errors.Is(err, domain.ErrNotFound) {
					t.Error("record must not be created for an invalid spec")
				}
			})
		}
	})

	t.Run("rejects duplicate sessions and keeps the original", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 5, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatalf("first submit: %v", err)
		}
		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); !errors.Is(err, domain.ErrDuplicateSession) {
			t.Fatalf("expected ErrDuplicateSession, got %v", err)
		}

		job, _ := repo.Find(ctx, "s1")
		if job == nil || job.Status != model.JobStatusQueued {
			t.Error("original job modified by duplicate submit")
		}
	})

	t.Run("enforces the per-user quota", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		if _, err := q.Submit(ctx, "u1", "s2", validSpec()); err != nil {
			t.Fatal(err)
		}
		if _, err := q.Submit(ctx, "u1", "s3", validSpec()); !errors.Is(err, domain.ErrConcurrencyLimit) {
			t.Fatalf("expected ErrConcurrencyLimit, got %v", err)
		}
		if _, err := repo.Find(ctx, "s3"); !errors.Is(err, domain.ErrNotFound) {
			t.Error("job beyond the quota must never be created")
		}

		// another user is unaffected
		if _, err := q.Submit(ctx, "u2", "s4", validSpec()); err != nil {
			t.Fatalf("other user blocked: %v", err)
		}
	})

	t.Run("quota holds under concurrent submissions", func(t *testing.T) {
		for round := 0; round < 50; round++ {
			repo := memstore.NewJobRepo()
			q := queue.New(repo, 64, 1, newTestLogger())

			const callers = 8
			var wg sync.WaitGroup
			var admitted atomic.Int32
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if _, err := q.Submit(ctx, "u1", fmt.Sprintf("s%d", i), validSpec()); err == nil {
						admitted.Add(1)
					}
				}(i)
			}
			wg.Wait()

			if n := admitted.Load(); n != 1 {
				t.Fatalf("round %d: %d jobs admitted with maxPerUser=1", round, n)
			}
			active, err := repo.CountActive(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if active != 1 {
				t.Fatalf("round %d: %d active records with maxPerUser=1", round, active)
			}
		}
	})

	t.Run("quota frees up after a terminal state", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 1, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		if ok, err := q.Cancel(ctx, "s1", "u1"); err != nil || !ok {
			t.Fatalf("cancel: ok=%v err=%v", ok, err)
		}
		if _, err := q.Submit(ctx, "u1", "s2", validSpec()); err != nil {
			t.Fatalf("submit after cancel: %v", err)
		}
	})

	t.Run("fails fast when the run queue is saturated", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 1, 10, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		if _, err := q.Submit(ctx, "u1", "s2", validSpec()); !errors.Is(err, domain.ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		q := queue.New(memstore.NewJobRepo(), 8, 2, newTestLogger())
		if _, err := q.Cancel(ctx, "nope", "u1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("queued job is cancelled before any worker sees it", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		ok, err := q.Cancel(ctx, "s1", "u1")
		if err != nil || !ok {
			t.Fatalf("cancel: ok=%v err=%v", ok, err)
		}

		job, _ := repo.Find(ctx, "s1")
		if job.Status != model.JobStatusCancelled {
			t.Errorf("status = %s, want cancelled", job.Status)
		}
	})

	t.Run("another user's job is not cancellable and not enumerable", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		ok, err := q.Cancel(ctx, "s1", "u2")
		if err != nil {
			t.Fatalf("cancel must not error: %v", err)
		}
		if ok {
			t.Error("foreign job must not be cancellable")
		}

		job, _ := repo.Find(ctx, "s1")
		if job.Status != model.JobStatusQueued {
			t.Errorf("status = %s, want queued", job.Status)
		}
	})

	t.Run("terminal job reports not cancellable", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		if ok, _ := q.Cancel(ctx, "s1", "u1"); !ok {
			t.Fatal("first cancel should succeed")
		}
		if ok, err := q.Cancel(ctx, "s1", "u1"); err != nil || ok {
			t.Fatalf("second cancel: ok=%v err=%v", ok, err)
		}
	})

	t.Run("processing job gets the cooperative signal", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		if _, err := q.Submit(ctx, "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}
		sid, err := q.Claim(ctx)
		if err != nil || sid != "s1" {
			t.Fatalf("claim: sid=%q err=%v", sid, err)
		}
		slot := q.Register(sid, 0)
		if _, err := repo.Update(ctx, sid, func(j *model.ConversionJob) error {
			j.Transition(model.JobStatusProcessing)
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		ok, err := q.Cancel(ctx, "s1", "u1")
		if err != nil || !ok {
			t.Fatalf("cancel: ok=%v err=%v", ok, err)
		}
		if !slot.CancelRequested() {
			t.Error("slot must carry the cancellation flag")
		}

		// record is untouched until the worker reaches its checkpoint
		job, _ := repo.Find(ctx, "s1")
		if job.Status != model.JobStatusProcessing {
			t.Errorf("status = %s, want processing", job.Status)
		}
	})
}

func TestClaim(t *testing.T) {
	t.Run("blocks until a job arrives", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		q := queue.New(repo, 8, 2, newTestLogger())

		got := make(chan string, 1)
		go func() {
			sid, err := q.Claim(context.Background())
			if err == nil {
				got <- sid
			}
		}()

		time.Sleep(20 * time.Millisecond)
		if _, err := q.Submit(context.Background(), "u1", "s1", validSpec()); err != nil {
			t.Fatal(err)
		}

		select {
		case sid := <-got:
			if sid != "s1" {
				t.Errorf("claimed %q", sid)
			}
		case <-time.After(time.Second):
			t.Fatal("claim did not unblock")
		}
	})

	t.Run("unblocks on shutdown", func(t *testing.T) {
		q := queue.New(memstore.NewJobRepo(), 8, 2, newTestLogger())

		errc := make(chan error, 1)
		go func() {
			_, err := q.Claim(context.Background())
			errc <- err
		}()

		time.Sleep(20 * time.Millisecond)
		q.Shutdown()

		select {
		case err := <-errc:
			if !errors.Is(err, domain.ErrQueueClosed) {
				t.Errorf("expected ErrQueueClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("claim did not unblock on shutdown")
		}
	})

	t.Run("unblocks on context cancellation", func(t *testing.T) {
		q := queue.New(memstore.NewJobRepo(), 8, 2, newTestLogger())
		ctx, cancel := context.WithCancel(context.Background())

		errc := make(chan error, 1)
		go func() {
			_, err := q.Claim(ctx)
			errc <- err
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-errc:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("claim did not unblock on cancellation")
		}
	})

	t.Run("submission after shutdown is refused", func(t *testing.T) {
		q := queue.New(memstore.NewJobRepo(), 8, 2, newTestLogger())
		q.Shutdown()
		if _, err := q.Submit(context.Background(), "u1", "s1", validSpec()); !errors.Is(err, domain.ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	})
}
