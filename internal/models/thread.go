package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

const (
	StatusAwaitingReply = "awaiting-reply"
	StatusReplied       = "replied"
	StatusResolved      = "resolved"
	StatusArchived      = "archived"
)

// A logical conversation. last_activity_at is denormalized to the
// maximum member timestamp and maintained inside the attach transaction.
type Thread struct {
	ID  int64  `bun:",pk,autoincrement"`
	UID string `bun:",notnull,unique"`

	// Subject of the first member, kept for diagnostic and fallback
	// subject matching.
	SubjectAnchor string

	// Identifiers that formed this thread, when they were present on
	// the founding message.
	ConversationID   string
	CorrelationToken string

	Status         string    `bun:",notnull"`
	LastActivityAt time.Time `bun:",notnull"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// ThreadByID loads a thread or returns nil when it does not exist.
func ThreadByID(ctx context.Context, db bun.IDB, id int64) (*Thread, error) {
	thread := &Thread{}

	err := db.NewSelect().
		Model(thread).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load thread")
	}

	return thread, nil
}

// ThreadByUID loads a thread by its public identifier.
func ThreadByUID(ctx context.Context, db bun.IDB, uid string) (*Thread, error) {
	thread := &Thread{}

	err := db.NewSelect().
		Model(thread).
		Where("uid = ?", uid).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load thread")
	}

	return thread, nil
}

// ThreadByConversationID finds the thread that was formed with the given
// provider conversation id.
func ThreadByConversationID(ctx context.Context, db bun.IDB, conversationID string) (*Thread, error) {
	thread := &Thread{}

	err := db.NewSelect().
		Model(thread).
		Where("conversation_id = ?", conversationID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load thread")
	}

	return thread, nil
}

// ThreadByCorrelationToken finds the thread holding the given token.
func ThreadByCorrelationToken(ctx context.Context, db bun.IDB, token string) (*Thread, error) {
	thread := &Thread{}

	err := db.NewSelect().
		Model(thread).
		Where("correlation_token = ?", token).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load thread")
	}

	return thread, nil
}

// RecentThreads returns threads whose last activity falls inside the
// window, most recently active first.
func RecentThreads(ctx context.Context, db bun.IDB, since time.Time) ([]Thread, error) {
	var threads []Thread

	err := db.NewSelect().
		Model(&threads).
		Where("last_activity_at >= ?", since).
		Order("last_activity_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load recent threads")
	}

	return threads, nil
}

// ListThreads returns the most recently active threads for display.
func ListThreads(ctx context.Context, db bun.IDB, limit int) ([]Thread, error) {
	var threads []Thread

	err := db.NewSelect().
		Model(&threads).
		Order("last_activity_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list threads")
	}

	return threads, nil
}
