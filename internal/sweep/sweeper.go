// Package sweep is the periodic catch-up pass. It lists provider
// messages past a per-subscription checkpoint and funnels unseen ones
// through the same ingestion path push notifications take, healing gaps
// left by missed or delayed webhooks. It also renews subscriptions
// before they expire.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/tidewater/loom/internal/bus"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/normalize"
	"github.com/tidewater/loom/internal/pipeline"
	"github.com/tidewater/loom/internal/provider"
	"github.com/tidewater/loom/internal/utils"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
)

// How many messages one sweep cycle lists at most.
const sweepPageSize = 200

type Config struct {
	Interval     time.Duration
	RenewBefore  time.Duration
	InitialReach time.Duration

	// Where the provider should deliver notifications, used when a
	// lapsed subscription has to be recreated.
	NotificationURL string
}

type Sweeper struct {
	DB       *bun.DB
	Provider provider.Client
	Pipeline *pipeline.Pipeline
	Bus      *bus.Bus
	Config   Config

	locks *utils.KeyedMutex
}

func New(db *bun.DB, client provider.Client, pipe *pipeline.Pipeline, b *bus.Bus, config Config) *Sweeper {
	return &Sweeper{
		DB:       db,
		Provider: client,
		Pipeline: pipe,
		Bus:      b,
		Config:   config,
		locks:    utils.NewKeyedMutex(),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("sweeper started", "interval", s.Config.Interval)

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		s.Cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle renews expiring subscriptions and sweeps all active ones.
// Subscriptions run in parallel and failures stay contained, one bad
// subscription never blocks the others.
func (s *Sweeper) Cycle(ctx context.Context) {
	subscriptions, err := models.ActiveSubscriptions(ctx, s.DB)
	if err != nil {
		slog.Error("could not list subscriptions", "err", err)
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, subscription := range subscriptions {
		subscription := subscription

		group.Go(func() error {
			if subscription.ExpiringSoon(time.Now(), s.Config.RenewBefore) {
				if err := s.renew(ctx, &subscription); err != nil {
					slog.Error(
						"could not renew subscription",
						"subscription", subscription.ProviderID,
						"err", err,
					)
				}
			}

			if err := s.Sweep(ctx, &subscription); err != nil {
				slog.Error(
					"sweep failed",
					"subscription", subscription.ProviderID,
					"err", err,
				)
			}

			// Failures are logged per subscription, never propagated,
			// so the group does not cancel the siblings.
			return nil
		})
	}
	group.Wait()
}

// Sweep catches one subscription up to the provider. It is idempotent,
// re-running from an older checkpoint reprocesses only already-known
// message ids, which are no-ops.
func (s *Sweeper) Sweep(ctx context.Context, subscription *models.Subscription) error {
	// Two overlapping sweeps for the same subscription make no sense,
	// the later one picks up from the advanced checkpoint anyway.
	unlock, ok := s.locks.TryLock(subscription.ProviderID)
	if !ok {
		return nil
	}
	defer unlock()

	checkpoint := subscription.Checkpoint
	if checkpoint.IsZero() {
		checkpoint = time.Now().Add(-s.Config.InitialReach)
	}

	messages, err := s.Provider.ListMessagesSince(ctx, checkpoint, sweepPageSize)
	if err != nil {
		return errors.Wrap(err, "could not list provider messages")
	}

	ingested := 0
	covered := checkpoint

	for i := range messages {
		raw := &messages[i]

		known, err := models.MessageByProviderID(ctx, s.DB, raw.ID)
		if err != nil {
			break
		}

		if known == nil {
			err := s.Pipeline.IngestRaw(ctx, subscription, raw)
			if normalize.IsMalformed(err) {
				slog.Warn("sweep skipping malformed message", "message", raw.ID, "err", err)
			} else if err != nil {
				// Stop here so the checkpoint does not advance past a
				// message we failed to ingest, the next cycle retries.
				slog.Warn("sweep stopping early", "message", raw.ID, "err", err)
				break
			} else {
				ingested++
			}
		}

		if at := observedAt(raw); at.After(covered) {
			covered = at
		}
	}

	if covered.After(checkpoint) {
		if err := models.AdvanceCheckpoint(ctx, s.DB, subscription.ID, covered); err != nil {
			return err
		}
		subscription.Checkpoint = covered
	}

	slog.Debug(
		"sweep completed",
		"subscription", subscription.ProviderID,
		"ingested", ingested,
		"checkpoint", covered,
	)
	s.Bus.SweepCompleted.Emit(bus.SweepCompleted{
		Subscription: *subscription,
		Checkpoint:   covered,
		Ingested:     ingested,
	})

	return nil
}

// renew extends the provider lease, falling back to creating a fresh
// subscription when the old one already lapsed.
func (s *Sweeper) renew(ctx context.Context, subscription *models.Subscription) error {
	expiresAt := time.Now().Add(3 * 24 * time.Hour)

	renewed, err := s.Provider.RenewSubscription(ctx, subscription.ProviderID, expiresAt)
	if errors.Is(err, provider.ErrSubscriptionExpired) {
		renewed, err = s.Provider.CreateSubscription(ctx, provider.SubscriptionRequest{
			Resource:        subscription.Resource,
			ChangeTypes:     "created,updated,deleted",
			NotificationURL: s.Config.NotificationURL,
			ClientState:     subscription.ClientState,
			ExpiresAt:       expiresAt,
		})
	}
	if err != nil {
		return err
	}

	slog.Info(
		"renewed subscription",
		"subscription", renewed.ID,
		"expires_at", renewed.ExpirationDateTime,
	)
	return models.UpdateSubscriptionLease(
		ctx, s.DB,
		subscription.ID, renewed.ID, renewed.ExpirationDateTime,
	)
}

// observedAt picks the timestamp the checkpoint advances on.
func observedAt(raw *provider.Message) time.Time {
	if !raw.ReceivedDateTime.IsZero() {
		return raw.ReceivedDateTime
	}
	return raw.SentDateTime
}
