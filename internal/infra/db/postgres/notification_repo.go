package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
)

var _ repository.NotificationRepository = (*notificationRepo)(nil)

type notificationRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationRepo(pool *pgxpool.Pool) *notificationRepo {
	return &notificationRepo{pool: pool}
}

func (r *notificationRepo) Append(ctx context.Context, n *model.Notification) error {
	const q = `
INSERT INTO notifications (id, user_id, type, message, related_session_id, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q,
		n.ID, n.UserID, n.Type, n.Message, n.RelatedSessionID, n.Read, n.CreatedAt)
	return err
}

func (r *notificationRepo) List(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	// ULIDs sort lexicographically in creation order, so ordering by id gives
	// newest-first without a second sort key.
	const q = `
SELECT id, user_id, type, message, related_session_id, read, created_at
FROM notifications
WHERE user_id = $1
ORDER BY id DESC
LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		var (
			n    model.Notification
			kind string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.Message, &n.RelatedSessionID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = model.NotificationType(kind)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (r *notificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	const q = `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE`
	tag, err := r.pool.Exec(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
