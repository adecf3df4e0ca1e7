// Package pipeline drives push notifications through dedup, fetch,
// normalize, resolve and attach. Items are independent units of work
// processed by a small worker pool, failures are contained per item and
// retried with bounded backoff before dead-lettering.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/normalize"
	"github.com/tidewater/loom/internal/provider"
	"github.com/tidewater/loom/internal/resolve"
	"github.com/tidewater/loom/internal/thread"
	"github.com/tidewater/loom/internal/utils"
	"github.com/uptrace/bun"
)

type Config struct {
	Workers      int
	PollInterval time.Duration
	RetryDelays  []time.Duration
	Retention    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 2 * time.Second,
		RetryDelays:  []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute},
		Retention:    7 * 24 * time.Hour,
	}
}

type Pipeline struct {
	DB         *bun.DB
	Provider   provider.Client
	Resolver   *resolve.Resolver
	Aggregator *thread.Aggregator
	Config     Config

	kick chan struct{}

	lock     sync.Mutex
	inflight map[int64]struct{}
}

func New(db *bun.DB, client provider.Client, resolver *resolve.Resolver, aggregator *thread.Aggregator, config Config) *Pipeline {
	if config.Workers <= 0 {
		config.Workers = 1
	}

	return &Pipeline{
		DB:         db,
		Provider:   client,
		Resolver:   resolver,
		Aggregator: aggregator,
		Config:     config,
		kick:       make(chan struct{}, 1),
		inflight:   make(map[int64]struct{}),
	}
}

// Enqueue records a notification for processing. A notification with
// the same (subscription, message, change) key as one we already hold
// is dropped silently, push delivery is at least once.
func (p *Pipeline) Enqueue(ctx context.Context, notification provider.Notification) (bool, error) {
	row := &models.Notification{
		SubscriptionID:    notification.SubscriptionID,
		ProviderMessageID: notification.ResourceData.ID,
		ChangeType:        notification.ChangeType,
		State:             models.NotificationReceived,
		NotBefore:         time.Now(),
	}

	if _, err := p.DB.NewInsert().Model(row).Exec(ctx); err != nil {
		if utils.IsUniqueConstraintErr(errors.Cause(err)) {
			return false, nil
		}
		return false, errors.Wrap(err, "could not enqueue notification")
	}

	// Wake the dispatcher without blocking the webhook handler.
	select {
	case p.kick <- struct{}{}:
	default:
	}

	return true, nil
}

// Run starts the worker pool and blocks until the context is cancelled.
// In-flight items see the cancellation through their own context, the
// transactional attach guarantees nothing half-applied survives.
func (p *Pipeline) Run(ctx context.Context) {
	jobs := make(chan models.Notification)

	var workers sync.WaitGroup
	for i := 0; i < p.Config.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for item := range jobs {
				p.Process(ctx, item)

				p.lock.Lock()
				delete(p.inflight, item.ID)
				p.lock.Unlock()
			}
		}()
	}

	// Stale terminal rows get cleaned up in the background.
	go func() {
		for {
			models.CleanupNotifications(ctx, p.DB, p.Config.Retention)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Hour):
			}
		}
	}()

	slog.Info("pipeline started", "workers", p.Config.Workers)

	ticker := time.NewTicker(p.Config.PollInterval)
	defer ticker.Stop()

	for {
		p.dispatch(ctx, jobs)

		select {
		case <-ctx.Done():
			close(jobs)
			workers.Wait()
			return
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

// dispatch hands due notifications to the workers, skipping rows a
// worker already holds.
func (p *Pipeline) dispatch(ctx context.Context, jobs chan<- models.Notification) {
	due, err := models.DueNotifications(ctx, p.DB, time.Now(), 4*p.Config.Workers)
	if err != nil {
		slog.Error("could not poll notification queue", "err", err)
		return
	}

	for _, item := range due {
		p.lock.Lock()
		if _, busy := p.inflight[item.ID]; busy {
			p.lock.Unlock()
			continue
		}
		p.inflight[item.ID] = struct{}{}
		p.lock.Unlock()

		select {
		case jobs <- item:
		case <-ctx.Done():
			p.lock.Lock()
			delete(p.inflight, item.ID)
			p.lock.Unlock()
			return
		}
	}
}

// Process runs one notification through the state machine and records
// its outcome. Errors never escape, they become retries or terminal
// states on the row.
func (p *Pipeline) Process(ctx context.Context, item models.Notification) {
	err := p.handle(ctx, &item)

	switch {
	case err == nil:
		p.settle(ctx, &item, models.NotificationAcknowledged, "")

	case errors.Is(err, provider.ErrNotFound):
		// The message is gone at the provider, probably deleted before
		// we could fetch it. A terminal outcome, not a failure.
		slog.Info("orphaned notification", "message", item.ProviderMessageID)
		p.settle(ctx, &item, models.NotificationOrphaned, err.Error())

	case normalize.IsMalformed(err):
		// Re-fetching the same malformed payload will not change it.
		slog.Warn("skipping malformed message", "message", item.ProviderMessageID, "err", err)
		p.settle(ctx, &item, models.NotificationAcknowledged, err.Error())

	default:
		p.retry(ctx, &item, err)
	}
}

// handle performs the actual work for one notification.
func (p *Pipeline) handle(ctx context.Context, item *models.Notification) error {
	subscription, err := models.SubscriptionByProviderID(ctx, p.DB, item.SubscriptionID)
	if err != nil {
		return err
	}
	if subscription == nil {
		return errors.Errorf("unknown subscription %s", item.SubscriptionID)
	}

	switch item.ChangeType {
	case provider.ChangeCreated:
		return p.ingest(ctx, subscription, item.ProviderMessageID)

	case provider.ChangeDeleted:
		return p.Aggregator.Detach(ctx, item.ProviderMessageID)

	default:
		// Read/flag updates are owned by the CRUD layer, the
		// notification is acknowledged and nothing else happens.
		return nil
	}
}

// ingest runs fetch → normalize → resolve → attach for one message id.
// The sweeper funnels through this too, both channels converge on the
// same path.
func (p *Pipeline) ingest(ctx context.Context, subscription *models.Subscription, providerMessageID string) error {
	// Cheap pre-check, the attach itself is still insert-if-absent.
	if known, err := models.MessageByProviderID(ctx, p.DB, providerMessageID); err != nil {
		return err
	} else if known != nil {
		return nil
	}

	raw, err := p.Provider.FetchMessage(ctx, providerMessageID)
	if err != nil {
		return err
	}

	return p.IngestRaw(ctx, subscription, raw)
}

// IngestRaw attaches an already fetched raw message.
func (p *Pipeline) IngestRaw(ctx context.Context, subscription *models.Subscription, raw *provider.Message) error {
	message, err := normalize.Message(raw, subscription.Mailbox)
	if err != nil {
		return err
	}

	resolution, err := p.Resolver.Resolve(ctx, message)
	if err != nil {
		return err
	}

	_, _, err = p.Aggregator.Attach(ctx, message, resolution)
	return err
}

// settle writes a terminal state on the row.
func (p *Pipeline) settle(ctx context.Context, item *models.Notification, state string, detail string) {
	_, err := p.DB.NewUpdate().
		Model(item).
		Set("state = ?", state).
		Set("last_error = ?", detail).
		Set("updated_at = ?", time.Now()).
		WherePK().
		Exec(ctx)
	if err != nil {
		slog.Error("could not settle notification", "id", item.ID, "err", err)
	}
}

// retry schedules the next attempt with geometric backoff, or dead
// letters the item once the attempts are exhausted. Dead letters are an
// operator surface, not a silent drop.
func (p *Pipeline) retry(ctx context.Context, item *models.Notification, cause error) {
	attempt := item.Attempts + 1

	if attempt > len(p.Config.RetryDelays) {
		slog.Error(
			"dead lettering notification",
			"id", item.ID,
			"message", item.ProviderMessageID,
			"attempts", item.Attempts,
			"err", cause,
		)
		_, err := p.DB.NewUpdate().
			Model(item).
			Set("state = ?", models.NotificationDeadLetter).
			Set("attempts = ?", attempt).
			Set("last_error = ?", cause.Error()).
			Set("updated_at = ?", time.Now()).
			WherePK().
			Exec(ctx)
		if err != nil {
			slog.Error("could not dead letter notification", "id", item.ID, "err", err)
		}
		return
	}

	delay := p.Config.RetryDelays[attempt-1]
	slog.Warn(
		"retrying notification",
		"id", item.ID,
		"message", item.ProviderMessageID,
		"attempt", attempt,
		"delay", delay,
		"err", cause,
	)

	_, err := p.DB.NewUpdate().
		Model(item).
		Set("state = ?", models.NotificationRetry).
		Set("attempts = ?", attempt).
		Set("not_before = ?", time.Now().Add(delay)).
		Set("last_error = ?", cause.Error()).
		Set("updated_at = ?", time.Now()).
		WherePK().
		Exec(ctx)
	if err != nil {
		slog.Error("could not schedule retry", "id", item.ID, "err", err)
	}
}
