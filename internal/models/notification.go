package models

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Notification queue states. received rows are picked up by pipeline
// workers, retry rows wait for their backoff deadline, the rest are
// terminal outcomes.
const (
	NotificationReceived     = "received"
	NotificationRetry        = "retry-scheduled"
	NotificationAcknowledged = "acknowledged"
	NotificationOrphaned     = "orphaned"
	NotificationDeadLetter   = "dead-letter"
)

// A queued change notification. The (subscription, message, change)
// triple is unique, so a re-delivered notification collapses onto the
// existing row instead of being processed twice.
type Notification struct {
	ID int64 `bun:",pk,autoincrement"`

	SubscriptionID    string `bun:",notnull,unique:notification_dedup"`
	ProviderMessageID string `bun:",notnull,unique:notification_dedup"`
	ChangeType        string `bun:",notnull,unique:notification_dedup"`

	State    string `bun:",notnull"`
	Attempts int    `bun:",notnull"`

	// Earliest time a retry-scheduled row becomes due again.
	NotBefore time.Time `bun:",notnull"`

	LastError string

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// DueNotifications claims up to limit rows that are ready to process,
// oldest first. Claimed rows stay in their state, workers serialize on
// the message id before touching them.
func DueNotifications(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]Notification, error) {
	var notifications []Notification

	err := db.NewSelect().
		Model(&notifications).
		Where("state IN (?, ?)", NotificationReceived, NotificationRetry).
		Where("not_before <= ?", now).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load due notifications")
	}

	return notifications, nil
}

// DeadLetters returns dead lettered notifications, newest first, for the
// operator surface.
func DeadLetters(ctx context.Context, db bun.IDB, limit int) ([]Notification, error) {
	var notifications []Notification

	err := db.NewSelect().
		Model(&notifications).
		Where("state = ?", NotificationDeadLetter).
		Order("updated_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load dead letters")
	}

	return notifications, nil
}

// CleanupNotifications drops terminal rows older than the retention
// window. Dead letters are kept, they are an operator surface.
func CleanupNotifications(ctx context.Context, db *bun.DB, retention time.Duration) error {
	results, err := db.NewDelete().
		Model(&Notification{}).
		Where("state IN (?, ?)", NotificationAcknowledged, NotificationOrphaned).
		Where("updated_at <= ?", time.Now().Add(-retention)).
		Exec(ctx)
	if err != nil {
		slog.Debug("could not clean up notifications", "err", err)
		return nil
	}

	rows, _ := results.RowsAffected()
	if rows > 0 {
		slog.Debug("cleaned up notifications", "count", rows)
	}
	return nil
}
