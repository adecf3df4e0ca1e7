package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// A push subscription on one mailbox, with its sweep checkpoint. The
// original design kept this in process wide globals, modelling it as a
// record gives it a lifecycle the sweeper can own.
type Subscription struct {
	ID int64 `bun:",pk,autoincrement"`

	// Subscription id assigned by the provider.
	ProviderID string `bun:",notnull,unique"`

	Mailbox     string `bun:",notnull"`
	Resource    string
	ClientState string `bun:",notnull"`

	Active    bool      `bun:",notnull"`
	ExpiresAt time.Time `bun:",notnull"`

	// High water mark of message timestamps the sweeper has covered.
	Checkpoint time.Time

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// ExpiringSoon reports whether the subscription needs renewal within
// the given lead time.
func (s *Subscription) ExpiringSoon(now time.Time, lead time.Duration) bool {
	return s.ExpiresAt.Before(now.Add(lead))
}

// SubscriptionByProviderID resolves a notification's subscription id to
// the local record. Returns nil when the subscription is unknown.
func SubscriptionByProviderID(ctx context.Context, db bun.IDB, providerID string) (*Subscription, error) {
	subscription := &Subscription{}

	err := db.NewSelect().
		Model(subscription).
		Where("provider_id = ?", providerID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load subscription")
	}

	return subscription, nil
}

// ActiveSubscriptions returns every subscription the sweeper should
// cover.
func ActiveSubscriptions(ctx context.Context, db bun.IDB) ([]Subscription, error) {
	var subscriptions []Subscription

	err := db.NewSelect().
		Model(&subscriptions).
		Where("active = ?", true).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load subscriptions")
	}

	return subscriptions, nil
}

// AdvanceCheckpoint moves the sweep checkpoint forward. It never moves
// backwards, so re-running a sweep from an older checkpoint is safe.
func AdvanceCheckpoint(ctx context.Context, db bun.IDB, id int64, checkpoint time.Time) error {
	_, err := db.NewUpdate().
		Model(&Subscription{}).
		Set("checkpoint = ?", checkpoint).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("checkpoint < ?", checkpoint).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "could not advance checkpoint")
	}

	return nil
}

// UpdateSubscriptionLease records the renewed provider lease.
func UpdateSubscriptionLease(ctx context.Context, db bun.IDB, id int64, providerID string, expiresAt time.Time) error {
	_, err := db.NewUpdate().
		Model(&Subscription{}).
		Set("provider_id = ?", providerID).
		Set("expires_at = ?", expiresAt).
		Set("active = ?", true).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "could not update subscription lease")
	}

	return nil
}

// DeactivateSubscription marks the subscription inactive, typically
// after a renewal failed outright.
func DeactivateSubscription(ctx context.Context, db bun.IDB, id int64) error {
	_, err := db.NewUpdate().
		Model(&Subscription{}).
		Set("active = ?", false).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "could not deactivate subscription")
	}

	return nil
}
