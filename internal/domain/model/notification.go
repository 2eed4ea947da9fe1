package model

import "time"

type NotificationType string

const (
	NotificationJobCompleted NotificationType = "job-completed"
	NotificationJobFailed    NotificationType = "job-failed"
)

// Notification is one entry in a user's append-only notification log.
// ID is a ULID, so entries sort by creation order within a user.
// The only mutation permitted after creation is flipping Read to true.
type Notification struct {
	ID               string
	UserID           string
	Type             NotificationType
	Message          string
	RelatedSessionID string
	Read             bool
	CreatedAt        time.Time
}
