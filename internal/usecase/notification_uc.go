package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
)

// Compile-time check
var _ NotificationUseCase = (*notificationUC)(nil)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type NotificationUseCase interface {
	// List returns the user's notifications, most recent first.
	List(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	// MarkAllRead flips every unread notification and returns the count;
	// a second call returns 0.
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

type notificationUC struct {
	notifs repository.NotificationRepository
	log    *zerolog.Logger
}

func NewNotificationUseCase(notifs repository.NotificationRepository, logger *zerolog.Logger) *notificationUC {
	return &notificationUC{notifs: notifs, log: logger}
}

func (n *notificationUC) List(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return n.notifs.List(ctx, userID, limit)
}

func (n *notificationUC) MarkAllRead(ctx context.Context, userID string) (int, error) {
	count, err := n.notifs.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		n.log.Debug().Str("user_id", userID).Int("count", count).Msg("notifications marked read")
	}
	return count, nil
}
