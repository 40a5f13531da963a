package storage

import (
	"context"
	"time"
)

// RateStore persists current rows and their change history.
type RateStore interface {
	// FindCurrent returns ErrNotFound when the key has never been seen.
	FindCurrent(ctx context.Context, key RateKey) (RateObservation, error)
	UpsertCurrent(ctx context.Context, obs RateObservation) error
	AppendHistory(ctx context.Context, entry RateHistoryEntry) error
	ListCurrent(ctx context.Context) ([]RateObservation, error)
	ListHistory(ctx context.Context, key RateKey, from, to time.Time) ([]RateHistoryEntry, error)
}

// AlertStore exposes the slice of alert state the evaluator may touch.
type AlertStore interface {
	FindActiveAlerts(ctx context.Context) ([]Alert, error)
	SetAlertLastTriggered(ctx context.Context, alertID string, when time.Time) error
}

// NotificationStore persists notifications for triggered alerts.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	DeleteNotificationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Gateway is the full persistence boundary.
type Gateway interface {
	RateStore
	AlertStore
	NotificationStore
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
