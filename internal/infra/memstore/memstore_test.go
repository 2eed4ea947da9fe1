package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/infra/memstore"
)

func newJob(sessionID, userID string) *model.ConversionJob {
	return model.NewConversionJob(sessionID, userID, model.JobSpec{DocumentRef: "doc", Filename: "score.pdf"})
}

func TestJobRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("create rejects duplicate sessions", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		if err := repo.Create(ctx, newJob("s1", "u1")); err != nil {
			t.Fatalf("first create: %v", err)
		}
		if err := repo.Create(ctx, newJob("s1", "u2")); err != domain.ErrDuplicateSession {
			t.Fatalf("expected ErrDuplicateSession, got %v", err)
		}

		// the original record is unmodified
		job, err := repo.Find(ctx, "s1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if job.UserID != "u1" {
			t.Errorf("original owner overwritten: %s", job.UserID)
		}
	})

	t.Run("find unknown session", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		if _, err := repo.Find(ctx, "nope"); err != domain.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update is a no-op on terminal records", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		job := newJob("s1", "u1")
		job.Transition(model.JobStatusProcessing)
		job.Transition(model.JobStatusCompleted)
		if err := repo.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}

		mutated := false
		got, err := repo.Update(ctx, "s1", func(j *model.ConversionJob) error {
			mutated = true
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if mutated {
			t.Error("mutate must not run against a terminal record")
		}
		if got.Status != model.JobStatusCompleted {
			t.Errorf("status = %s", got.Status)
		}
	})

	t.Run("count active per user", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		_ = repo.Create(ctx, newJob("s1", "u1"))
		_ = repo.Create(ctx, newJob("s2", "u1"))
		done := newJob("s3", "u1")
		done.Transition(model.JobStatusCancelled)
		_ = repo.Create(ctx, done)
		_ = repo.Create(ctx, newJob("s4", "u2"))

		n, err := repo.CountActive(ctx, "u1")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 2 {
			t.Errorf("active = %d, want 2", n)
		}
	})

	t.Run("expired lease scan", func(t *testing.T) {
		repo := memstore.NewJobRepo()
		stale := newJob("s1", "u1")
		stale.Transition(model.JobStatusProcessing)
		stale.LeaseExpiresAt = time.Now().Add(-time.Minute)
		_ = repo.Create(ctx, stale)

		fresh := newJob("s2", "u1")
		fresh.Transition(model.JobStatusProcessing)
		fresh.LeaseExpiresAt = time.Now().Add(time.Minute)
		_ = repo.Create(ctx, fresh)

		expired, err := repo.FindExpiredLeases(ctx, time.Now())
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(expired) != 1 || expired[0].SessionID != "s1" {
			t.Fatalf("expected only s1, got %v", expired)
		}
	})
}

func TestNotificationRepo(t *testing.T) {
	ctx := context.Background()

	appendNotif := func(t *testing.T, repo *memstore.NotificationRepo, userID, sessionID string) {
		t.Helper()
		err := repo.Append(ctx, &model.Notification{
			ID:               ulid.Make().String(),
			UserID:           userID,
			Type:             model.NotificationJobCompleted,
			Message:          "done",
			RelatedSessionID: sessionID,
			CreatedAt:        time.Now(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	t.Run("list returns newest first with limit", func(t *testing.T) {
		repo := memstore.NewNotificationRepo()
		appendNotif(t, repo, "u1", "s1")
		appendNotif(t, repo, "u1", "s2")
		appendNotif(t, repo, "u1", "s3")
		appendNotif(t, repo, "u2", "x1")

		got, err := repo.List(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].RelatedSessionID != "s3" || got[1].RelatedSessionID != "s2" {
			t.Errorf("wrong order: %s, %s", got[0].RelatedSessionID, got[1].RelatedSessionID)
		}
	})

	t.Run("markAllRead is idempotent", func(t *testing.T) {
		repo := memstore.NewNotificationRepo()
		appendNotif(t, repo, "u1", "s1")
		appendNotif(t, repo, "u1", "s2")

		first, err := repo.MarkAllRead(ctx, "u1")
		if err != nil {
			t.Fatalf("markAllRead: %v", err)
		}
		if first != 2 {
			t.Errorf("first call = %d, want 2", first)
		}

		second, err := repo.MarkAllRead(ctx, "u1")
		if err != nil {
			t.Fatalf("markAllRead: %v", err)
		}
		if second != 0 {
			t.Errorf("second call = %d, want 0", second)
		}
	})
}
