package memstore

import (
	"context"
	"sync"

	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/repository"
)

var _ repository.NotificationRepository = (*NotificationRepo)(nil)

type NotificationRepo struct {
	mu     sync.Mutex
	byUser map[string][]*model.Notification // append order per user
}

func NewNotificationRepo() *NotificationRepo {
	return &NotificationRepo{byUser: make(map[string][]*model.Notification)}
}

func (r *NotificationRepo) Append(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.byUser[n.UserID] = append(r.byUser[n.UserID], &cp)
	return nil
}

func (r *NotificationRepo) List(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.byUser[userID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]*model.Notification, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *log[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *NotificationRepo) MarkAllRead(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.byUser[userID] {
		if !n.Read {
			n.Read = true
			count++
		}
	}
	return count, nil
}
