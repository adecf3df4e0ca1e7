package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient talks to the provider's REST API. Every call is bounded by
// the configured timeout, which is independent of pipeline retry backoff.
type HTTPClient struct {
	BaseURL string
	Token   string

	client *http.Client
}

func NewHTTPClient(baseURL string, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) FetchMessage(ctx context.Context, id string) (*Message, error) {
	var message Message

	path := fmt.Sprintf(
		"/me/messages/%s?$select=%s",
		url.PathEscape(id),
		url.QueryEscape("id,conversationId,internetMessageId,subject,bodyPreview,body,from,toRecipients,ccRecipients,receivedDateTime,sentDateTime,isDraft,internetMessageHeaders"),
	)
	if err := c.do(ctx, http.MethodGet, path, nil, &message); err != nil {
		return nil, err
	}

	return &message, nil
}

func (c *HTTPClient) ListMessagesSince(ctx context.Context, since time.Time, limit int) ([]Message, error) {
	var page struct {
		Value []Message `json:"value"`
	}

	path := fmt.Sprintf(
		"/me/messages?$filter=%s&$top=%d&$orderby=receivedDateTime",
		url.QueryEscape(fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))),
		limit,
	)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	return page.Value, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, draft Draft) error {
	message := map[string]any{
		"subject": draft.Subject,
		"body": map[string]any{
			"contentType": "Text",
			"content":     draft.Body,
		},
		"toRecipients": asRecipients(draft.To),
	}
	if len(draft.Cc) > 0 {
		message["ccRecipients"] = asRecipients(draft.Cc)
	}
	if len(draft.Headers) > 0 {
		var headers []Header
		for name, value := range draft.Headers {
			headers = append(headers, Header{Name: name, Value: value})
		}
		message["internetMessageHeaders"] = headers
	}

	payload := map[string]any{
		"message":         message,
		"saveToSentItems": true,
	}
	return c.do(ctx, http.MethodPost, "/me/sendMail", payload, nil)
}

func (c *HTTPClient) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	var subscription Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &subscription); err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (c *HTTPClient) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*Subscription, error) {
	payload := map[string]any{
		"expirationDateTime": expiresAt.UTC().Format(time.RFC3339),
	}

	var subscription Subscription
	err := c.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), payload, &subscription)
	if errors.Is(err, ErrNotFound) {
		// The provider drops expired subscriptions, a renewal that
		// misses the window has to start over.
		return nil, ErrSubscriptionExpired
	} else if err != nil {
		return nil, err
	}

	return &subscription, nil
}

func (c *HTTPClient) DeleteSubscription(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		// Already gone, which is what we wanted.
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method string, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "could not encode request")
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	request.Header.Set("Authorization", "Bearer "+c.Token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.client.Do(request)
	if err != nil {
		// Includes client timeouts and connection failures.
		return &TransientError{Cause: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone:
		return ErrNotFound

	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return &TransientError{
			Cause: fmt.Errorf("status %d from %s", response.StatusCode, path),
		}

	case response.StatusCode >= 400:
		content, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("provider: status %d from %s: %s", response.StatusCode, path, content)
	}

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return errors.Wrap(err, "could not decode response")
		}
	}
	return nil
}

func asRecipients(addresses []string) []Recipient {
	recipients := make([]Recipient, 0, len(addresses))
	for _, address := range addresses {
		recipients = append(recipients, Recipient{
			EmailAddress: EmailAddress{Address: address},
		})
	}
	return recipients
}
