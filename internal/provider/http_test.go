package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewHTTPClient(server.URL, "test-token", 5*time.Second)
}

func TestFetchMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header %q", got)
		}

		json.NewEncoder(w).Encode(Message{
			ID:      "m-1",
			Subject: "GST Filing",
		})
	})

	message, err := client.FetchMessage(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if message.ID != "m-1" || message.Subject != "GST Filing" {
		t.Fatalf("unexpected message %+v", message)
	}
}

func TestFetchMessageNotFound(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.FetchMessage(context.Background(), "m-gone")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("status %d should map to ErrNotFound, got %v", status, err)
		}
		if IsTransient(err) {
			t.Fatalf("status %d must not be retried", status)
		}
	}
}

func TestTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.FetchMessage(context.Background(), "m-1")
		if !IsTransient(err) {
			t.Fatalf("status %d should be transient, got %v", status, err)
		}
	}
}

func TestPermanentClientError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.FetchMessage(context.Background(), "m-1")
	if err == nil || IsTransient(err) || errors.Is(err, ErrNotFound) {
		t.Fatalf("4xx should be a plain failure, got %v", err)
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "token", 100*time.Millisecond)

	_, err := client.FetchMessage(context.Background(), "m-1")
	if !IsTransient(err) {
		t.Fatalf("connection failure should be transient, got %v", err)
	}
}

func TestRenewExpiredSubscription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.RenewSubscription(context.Background(), "sub-1", time.Now().Add(time.Hour))
	if !errors.Is(err, ErrSubscriptionExpired) {
		t.Fatalf("renewing a dropped subscription should report expiry, got %v", err)
	}
}

func TestDeleteSubscriptionToleratesMissing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := client.DeleteSubscription(context.Background(), "sub-1"); err != nil {
		t.Fatalf("deleting an already gone subscription should succeed, got %v", err)
	}
}

func TestSendMessageCarriesHeaders(t *testing.T) {
	var payload struct {
		Message struct {
			Subject string   `json:"subject"`
			Headers []Header `json:"internetMessageHeaders"`
		} `json:"message"`
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("could not decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.SendMessage(context.Background(), Draft{
		To:      []string{"client@example.com"},
		Subject: "Re: GST Filing",
		Body:    "On it.",
		Headers: map[string]string{CorrelationHeader: "tok-1"},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if payload.Message.Subject != "Re: GST Filing" {
		t.Fatalf("unexpected subject %q", payload.Message.Subject)
	}
	if len(payload.Message.Headers) != 1 || payload.Message.Headers[0].Name != CorrelationHeader {
		t.Fatalf("correlation header should ride the draft, got %v", payload.Message.Headers)
	}
}

func TestMessageHeaderLookup(t *testing.T) {
	message := &Message{InternetMessageHeaders: []Header{
		{Name: "In-Reply-To", Value: "<parent@example.com>"},
		{Name: "x-loom-thread-token", Value: "tok-1"},
	}}

	if got := message.Header("in-reply-to"); got != "<parent@example.com>" {
		t.Fatalf("lookup should be case insensitive, got %q", got)
	}
	if got := message.Header(CorrelationHeader); got != "tok-1" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := message.Header("Missing"); got != "" {
		t.Fatalf("missing header should be empty, got %q", got)
	}
}
