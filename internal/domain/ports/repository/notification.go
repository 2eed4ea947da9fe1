package repository

import (
	"context"

	"score-conversion-service/internal/domain/model"
)

// NotificationRepository is an append-only per-user notification log.
type NotificationRepository interface {
	Append(ctx context.Context, n *model.Notification) error
	// List returns up to limit notifications, most recent first.
	List(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	// MarkAllRead flips every unread notification for the user and returns how
	// many were flipped. Idempotent: a second call returns 0.
	MarkAllRead(ctx context.Context, userID string) (int, error)
}
