package models

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionInternal = "internal"
)

// A single email instance. The provider id is globally unique and a
// message belongs to exactly one thread. Only read/flag/archive style
// metadata is ever mutated after insert, and that is owned by the CRUD
// layer, not this service.
type Message struct {
	ID         int64  `bun:",pk,autoincrement"`
	ProviderID string `bun:",notnull,unique"`

	// Protocol level threading headers. References holds the ancestor
	// chain as a space separated list, the way the header carries it.
	InternetMessageID string
	InReplyTo         string
	References        string

	// Provider assigned conversation id, if any.
	ConversationID string

	// Correlation token this system embedded in an earlier outbound
	// message, recovered from the custom header or the references chain.
	CorrelationToken string

	// Subject after normalization. The raw subject stays around for
	// display and diagnostics.
	Subject    string `bun:",notnull"`
	RawSubject string

	Sender string `bun:",notnull"`
	To     string
	Cc     string

	SentAt    time.Time `bun:",notnull"`
	Direction string    `bun:",notnull"`

	BodyPreview string
	// Opaque reference into the blob store, owned by the storage layer.
	BodyRef string

	ThreadID int64   `bun:",notnull"`
	Thread   *Thread `bun:"rel:belongs-to,join:thread_id=id"`

	// Diagnostics from the resolution attempt that attached this
	// message, retained for operators and tests.
	ResolutionMethod     string
	ResolutionConfidence float64

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// ReferenceIDs returns the ancestor chain in order, oldest first.
func (m *Message) ReferenceIDs() []string {
	return strings.Fields(m.References)
}

// ToAddresses returns the to recipients in display order.
func (m *Message) ToAddresses() []string {
	return strings.Fields(m.To)
}

// CcAddresses returns the cc recipients in display order.
func (m *Message) CcAddresses() []string {
	return strings.Fields(m.Cc)
}

// RecipientSet returns the case folded to+cc addresses as a set.
func (m *Message) RecipientSet() map[string]struct{} {
	set := map[string]struct{}{}
	for _, address := range m.ToAddresses() {
		set[strings.ToLower(address)] = struct{}{}
	}
	for _, address := range m.CcAddresses() {
		set[strings.ToLower(address)] = struct{}{}
	}
	return set
}

// ParticipantSet returns the case folded sender+to+cc addresses as a set.
func (m *Message) ParticipantSet() map[string]struct{} {
	set := m.RecipientSet()
	if m.Sender != "" {
		set[strings.ToLower(m.Sender)] = struct{}{}
	}
	return set
}

// MessageByProviderID loads a message by its provider id. Returns nil
// without an error when the message is unknown.
func MessageByProviderID(ctx context.Context, db bun.IDB, providerID string) (*Message, error) {
	message := &Message{}

	err := db.NewSelect().
		Model(message).
		Where("provider_id = ?", providerID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load message")
	}

	return message, nil
}

// MessageByInternetMessageID looks a message up by its internet message
// id header. Used by the reply and ancestor chain strategies.
func MessageByInternetMessageID(ctx context.Context, db bun.IDB, id string) (*Message, error) {
	message := &Message{}

	err := db.NewSelect().
		Model(message).
		Where("internet_message_id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load message")
	}

	return message, nil
}

// RecentMessages returns messages sent within the window, newest first.
func RecentMessages(ctx context.Context, db bun.IDB, since time.Time) ([]Message, error) {
	var messages []Message

	err := db.NewSelect().
		Model(&messages).
		Where("sent_at >= ?", since).
		Order("sent_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load recent messages")
	}

	return messages, nil
}

// MessagesOnThread returns the member messages in arrival order.
func MessagesOnThread(ctx context.Context, db bun.IDB, threadID int64) ([]Message, error) {
	var messages []Message

	err := db.NewSelect().
		Model(&messages).
		Where("thread_id = ?", threadID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load thread messages")
	}

	return messages, nil
}

// LastMessageOnThread returns the member with the greatest timestamp, or
// nil when the thread is empty.
func LastMessageOnThread(ctx context.Context, db bun.IDB, threadID int64) (*Message, error) {
	message := &Message{}

	err := db.NewSelect().
		Model(message).
		Where("thread_id = ?", threadID).
		Order("sent_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "could not load last thread message")
	}

	return message, nil
}
