// Package provider is the boundary to the hosted mail provider. It only
// knows about the wire shapes of the notification feed and the message
// and subscription APIs, not about threads.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// The header this system stamps on outbound mail so a reply can be
// re-linked to its thread even when the provider mangles everything else.
const CorrelationHeader = "X-Loom-Thread-Token"

// A single change notification from the push feed. Delivery is
// at-least-once and may be arbitrarily delayed.
type Notification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ChangeType     string       `json:"changeType"`
	ClientState    string       `json:"clientState"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
}

type ResourceData struct {
	ID string `json:"id"`
}

// The envelope the provider posts to the webhook endpoint.
type NotificationBatch struct {
	Value []Notification `json:"value"`
}

const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// The full message record as returned by the fetch and list calls.
type Message struct {
	ID                     string      `json:"id"`
	ConversationID         string      `json:"conversationId"`
	InternetMessageID      string      `json:"internetMessageId"`
	Subject                string      `json:"subject"`
	BodyPreview            string      `json:"bodyPreview"`
	Body                   Body        `json:"body"`
	From                   *Recipient  `json:"from"`
	ToRecipients           []Recipient `json:"toRecipients"`
	CcRecipients           []Recipient `json:"ccRecipients"`
	ReceivedDateTime       time.Time   `json:"receivedDateTime"`
	SentDateTime           time.Time   `json:"sentDateTime"`
	IsDraft                bool        `json:"isDraft"`
	InternetMessageHeaders []Header    `json:"internetMessageHeaders"`
}

// Header returns the first header with the given name, case-insensitively.
func (m *Message) Header(name string) string {
	for _, header := range m.InternetMessageHeaders {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

type Subscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeTypes        string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ClientState        string    `json:"clientState"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type SubscriptionRequest struct {
	Resource        string    `json:"resource"`
	ChangeTypes     string    `json:"changeType"`
	NotificationURL string    `json:"notificationUrl"`
	ClientState     string    `json:"clientState"`
	ExpiresAt       time.Time `json:"expirationDateTime"`
}

// A draft to send through the provider. Headers carries custom headers,
// including the correlation token.
type Draft struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	Headers map[string]string
}

// Client is the message-fetch and subscription surface this system
// consumes. All calls respect context cancellation and carry a bounded
// timeout internally.
type Client interface {
	FetchMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesSince(ctx context.Context, since time.Time, limit int) ([]Message, error)
	SendMessage(ctx context.Context, draft Draft) error

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// The referenced resource no longer exists at the provider. Not retried.
var ErrNotFound = errors.New("provider: not found")

// The subscription is gone at the provider and must be recreated.
var ErrSubscriptionExpired = errors.New("provider: subscription expired")

// TransientError wraps network, rate-limit and 5xx failures that are
// worth retrying with backoff. A timeout counts as transient.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return "provider: transient: " + e.Cause.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
