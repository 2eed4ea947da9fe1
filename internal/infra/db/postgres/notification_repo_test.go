//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"score-conversion-service/internal/domain/model"
)

func TestNotificationRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	repo := NewNotificationRepo(testPool)

	appendNotif := func(t *testing.T, userID, sessionID string) {
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
			t.Fatalf("Append failed: %v", err)
		}
	}

	t.Run("lists newest first with a limit", func(t *testing.T) {
		cleanup(t)
		appendNotif(t, "u1", "s1")
		appendNotif(t, "u1", "s2")
		appendNotif(t, "u1", "s3")
		appendNotif(t, "u2", "x1")

		got, err := repo.List(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].RelatedSessionID != "s3" || got[1].RelatedSessionID != "s2" {
			t.Errorf("wrong order: %s, %s", got[0].RelatedSessionID, got[1].RelatedSessionID)
		}
	})

	t.Run("markAllRead flips only the user's unread rows", func(t *testing.T) {
		cleanup(t)
		appendNotif(t, "u1", "s1")
		appendNotif(t, "u1", "s2")
		appendNotif(t, "u2", "x1")

		count, err := repo.MarkAllRead(ctx, "u1")
		if err != nil {
			t.Fatalf("MarkAllRead failed: %v", err)
		}
		if count != 2 {
			t.Errorf("count = %d, want 2", count)
		}

		again, err := repo.MarkAllRead(ctx, "u1")
		if err != nil {
			t.Fatalf("second MarkAllRead failed: %v", err)
		}
		if again != 0 {
			t.Errorf("second call = %d, want 0", again)
		}

		other, _ := repo.List(ctx, "u2", 10)
		if len(other) != 1 || other[0].Read {
			t.Error("another user's notifications must stay unread")
		}
	})
}
