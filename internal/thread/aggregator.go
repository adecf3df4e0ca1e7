// Package thread owns thread lifecycle: creating threads, appending
// messages, maintaining the denormalized status and activity fields,
// and detaching deleted messages. The attach step is the only place
// message/thread state is mutated.
package thread

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidewater/loom/internal/bus"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/resolve"
	"github.com/tidewater/loom/internal/utils"
	"github.com/uptrace/bun"
)

type Aggregator struct {
	DB  *bun.DB
	Bus *bus.Bus

	// When true, new inbound mail reopens resolved threads. Off by
	// default, resolved threads stay resolved until an external
	// workflow reopens them.
	ReopenResolved bool

	locks *utils.KeyedMutex
}

func NewAggregator(db *bun.DB, b *bus.Bus, reopenResolved bool) *Aggregator {
	return &Aggregator{
		DB:             db,
		Bus:            b,
		ReopenResolved: reopenResolved,
		locks:          utils.NewKeyedMutex(),
	}
}

// Attach persists the message on the thread the resolution points at,
// creating a new thread when it points nowhere. Attaching is at most
// once per provider message id: re-delivery returns the already
// persisted state and reports attached=false without touching anything.
//
// The message row, the thread row and its denormalized activity/status
// all commit in one transaction, a cancelled or failed attach leaves no
// partial state behind.
func (a *Aggregator) Attach(ctx context.Context, message *models.Message, resolution resolve.Resolution) (*models.Thread, bool, error) {
	// Serialize concurrent deliveries of the same provider message id,
	// push and sweep can race on the same message.
	unlock := a.locks.Lock(message.ProviderID)
	defer unlock()

	if existing, err := models.MessageByProviderID(ctx, a.DB, message.ProviderID); err != nil {
		return nil, false, err
	} else if existing != nil {
		thread, err := models.ThreadByID(ctx, a.DB, existing.ThreadID)
		return thread, false, err
	}

	message.ResolutionMethod = resolution.Method
	message.ResolutionConfidence = resolution.Confidence

	var thread *models.Thread
	err := a.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if resolution.Matched() {
			thread, err = a.append(ctx, tx, message, resolution.ThreadID)
		} else {
			thread, err = a.create(ctx, tx, message)
		}
		return err
	})
	if utils.IsUniqueConstraintErr(errors.Cause(err)) {
		// Another writer got the row in first. The idempotence
		// contract makes this a success, not a conflict.
		existing, err := models.MessageByProviderID(ctx, a.DB, message.ProviderID)
		if err != nil || existing == nil {
			return nil, false, err
		}
		thread, err := models.ThreadByID(ctx, a.DB, existing.ThreadID)
		return thread, false, err
	} else if err != nil {
		return nil, false, err
	}

	slog.Debug(
		"attached message",
		"provider_id", message.ProviderID,
		"thread", thread.UID,
		"method", resolution.Method,
		"confidence", resolution.Confidence,
	)
	a.Bus.ThreadAttached.Emit(bus.ThreadAttached{
		Message:    *message,
		Thread:     *thread,
		Resolution: resolution,
	})

	return thread, true, nil
}

// append adds the message to an existing thread and refreshes the
// thread's activity and status inside the caller's transaction.
func (a *Aggregator) append(ctx context.Context, tx bun.Tx, message *models.Message, threadID int64) (*models.Thread, error) {
	thread, err := models.ThreadByID(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, errors.Errorf("resolved thread %d does not exist", threadID)
	}

	last, err := models.LastMessageOnThread(ctx, tx, thread.ID)
	if err != nil {
		return nil, err
	}

	message.ThreadID = thread.ID
	if _, err := tx.NewInsert().Model(message).Exec(ctx); err != nil {
		return nil, err
	}

	if message.SentAt.After(thread.LastActivityAt) {
		thread.LastActivityAt = message.SentAt
	}
	thread.Status = a.nextStatus(thread.Status, message, last)

	_, err = tx.NewUpdate().
		Model(thread).
		Column("last_activity_at", "status").
		WherePK().
		Exec(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not update thread")
	}

	return thread, nil
}

// create opens a fresh thread seeded from the message. Two concurrent
// no-match resolutions intentionally become two threads, the header
// based strategies keep true replies correct regardless of creation
// races.
func (a *Aggregator) create(ctx context.Context, tx bun.Tx, message *models.Message) (*models.Thread, error) {
	status := models.StatusAwaitingReply
	if message.Direction != models.DirectionInbound {
		status = models.StatusReplied
	}

	thread := &models.Thread{
		UID:              uuid.NewString(),
		SubjectAnchor:    message.Subject,
		ConversationID:   message.ConversationID,
		CorrelationToken: message.CorrelationToken,
		Status:           status,
		LastActivityAt:   message.SentAt,
	}
	if _, err := tx.NewInsert().Model(thread).Exec(ctx); err != nil {
		return nil, err
	}

	message.ThreadID = thread.ID
	if _, err := tx.NewInsert().Model(message).Exec(ctx); err != nil {
		return nil, err
	}

	return thread, nil
}

// nextStatus applies the status machine on append. A message from a new
// sender answers an awaiting thread, new inbound activity on a replied
// thread asks for attention again, and resolved threads stay resolved
// unless reopening is enabled. Archived threads never move.
func (a *Aggregator) nextStatus(current string, message *models.Message, last *models.Message) string {
	switch current {
	case models.StatusAwaitingReply:
		if last != nil && last.Sender != message.Sender {
			return models.StatusReplied
		}

	case models.StatusReplied:
		if message.Direction == models.DirectionInbound {
			return models.StatusAwaitingReply
		}

	case models.StatusResolved:
		if a.ReopenResolved && message.Direction == models.DirectionInbound {
			return models.StatusAwaitingReply
		}
	}

	return current
}

// Detach removes a message that was deleted at the provider. The
// thread's activity is recomputed from the remaining members, an
// emptied thread is removed with it.
func (a *Aggregator) Detach(ctx context.Context, providerID string) error {
	unlock := a.locks.Lock(providerID)
	defer unlock()

	message, err := models.MessageByProviderID(ctx, a.DB, providerID)
	if err != nil {
		return err
	}
	if message == nil {
		return nil
	}

	return a.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model(message).WherePK().Exec(ctx); err != nil {
			return errors.Wrap(err, "could not delete message")
		}

		last, err := models.LastMessageOnThread(ctx, tx, message.ThreadID)
		if err != nil {
			return err
		}

		if last == nil {
			_, err := tx.NewDelete().
				Model(&models.Thread{}).
				Where("id = ?", message.ThreadID).
				Exec(ctx)
			return errors.Wrap(err, "could not delete emptied thread")
		}

		_, err = tx.NewUpdate().
			Model(&models.Thread{}).
			Set("last_activity_at = ?", last.SentAt).
			Where("id = ?", message.ThreadID).
			Exec(ctx)
		return errors.Wrap(err, "could not refresh thread activity")
	})
}

// RecordToken stores a correlation token on a thread, called when an
// outbound message is sent with a freshly minted token.
func (a *Aggregator) RecordToken(ctx context.Context, threadID int64, token string) error {
	_, err := a.DB.NewUpdate().
		Model(&models.Thread{}).
		Set("correlation_token = ?", token).
		Where("id = ?", threadID).
		Where("correlation_token = ''").
		Exec(ctx)
	return errors.Wrap(err, "could not record thread token")
}
