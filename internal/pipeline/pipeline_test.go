package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidewater/loom/internal/bus"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/provider"
	"github.com/tidewater/loom/internal/resolve"
	"github.com/tidewater/loom/internal/thread"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// fakeClient serves canned messages and records fetch traffic.
type fakeClient struct {
	messages map[string]*provider.Message
	err      error
	fetches  int
}

func (f *fakeClient) FetchMessage(_ context.Context, id string) (*provider.Message, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	message, ok := f.messages[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return message, nil
}

func (f *fakeClient) ListMessagesSince(context.Context, time.Time, int) ([]provider.Message, error) {
	return nil, nil
}

func (f *fakeClient) SendMessage(context.Context, provider.Draft) error {
	return nil
}

func (f *fakeClient) CreateSubscription(context.Context, provider.SubscriptionRequest) (*provider.Subscription, error) {
	return nil, nil
}

func (f *fakeClient) RenewSubscription(context.Context, string, time.Time) (*provider.Subscription, error) {
	return nil, nil
}

func (f *fakeClient) DeleteSubscription(context.Context, string) error {
	return nil
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("could not open database: %v", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, model := range []any{
		(*models.Thread)(nil),
		(*models.Message)(nil),
		(*models.Subscription)(nil),
		(*models.Notification)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("could not create table: %v", err)
		}
	}

	return db
}

func newTestPipeline(t *testing.T, client *fakeClient) *Pipeline {
	t.Helper()

	db := newTestDB(t)
	aggregator := thread.NewAggregator(db, bus.New(), false)
	resolver := resolve.NewResolver(resolve.NewStoreIndex(db), resolve.DefaultConfig())

	config := DefaultConfig()
	config.RetryDelays = []time.Duration{time.Minute, 2 * time.Minute}

	pipe := New(db, client, resolver, aggregator, config)

	subscription := &models.Subscription{
		ProviderID:  "sub-1",
		Mailbox:     "desk@firm.example",
		Resource:    "/me/messages",
		ClientState: "secret",
		Active:      true,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
	if _, err := db.NewInsert().Model(subscription).Exec(context.Background()); err != nil {
		t.Fatalf("could not seed subscription: %v", err)
	}

	return pipe
}

func rawMessage(id string) *provider.Message {
	return &provider.Message{
		ID:               id,
		Subject:          "GST Filing",
		From:             &provider.Recipient{EmailAddress: provider.EmailAddress{Address: "client@example.com"}},
		ToRecipients:     []provider.Recipient{{EmailAddress: provider.EmailAddress{Address: "desk@firm.example"}}},
		ReceivedDateTime: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}
}

func notification(messageID string, changeType string) provider.Notification {
	return provider.Notification{
		SubscriptionID: "sub-1",
		ChangeType:     changeType,
		ClientState:    "secret",
		ResourceData:   provider.ResourceData{ID: messageID},
	}
}

func reloadItem(t *testing.T, db *bun.DB, id int64) *models.Notification {
	t.Helper()

	item := &models.Notification{}
	err := db.NewSelect().Model(item).Where("id = ?", id).Scan(context.Background())
	if err != nil {
		t.Fatalf("could not reload notification: %v", err)
	}
	return item
}

func enqueued(t *testing.T, pipe *Pipeline, n provider.Notification) models.Notification {
	t.Helper()

	fresh, err := pipe.Enqueue(context.Background(), n)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !fresh {
		t.Fatal("expected a fresh enqueue")
	}

	due, err := models.DueNotifications(context.Background(), pipe.DB, time.Now(), 10)
	if err != nil || len(due) == 0 {
		t.Fatalf("expected a due notification: %v", err)
	}
	return due[len(due)-1]
}

func TestEnqueueDeduplicates(t *testing.T) {
	pipe := newTestPipeline(t, &fakeClient{})
	ctx := context.Background()

	fresh, err := pipe.Enqueue(ctx, notification("m-1", provider.ChangeCreated))
	if err != nil || !fresh {
		t.Fatalf("first enqueue: fresh=%v err=%v", fresh, err)
	}

	fresh, err = pipe.Enqueue(ctx, notification("m-1", provider.ChangeCreated))
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if fresh {
		t.Fatal("re-delivered notification must collapse onto the existing row")
	}

	// A different change for the same message is its own unit of work.
	fresh, err = pipe.Enqueue(ctx, notification("m-1", provider.ChangeDeleted))
	if err != nil || !fresh {
		t.Fatalf("distinct change type: fresh=%v err=%v", fresh, err)
	}
}

func TestProcessAttachesCreatedMessage(t *testing.T) {
	client := &fakeClient{messages: map[string]*provider.Message{"m-1": rawMessage("m-1")}}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-1", provider.ChangeCreated))
	pipe.Process(ctx, item)

	settled := reloadItem(t, pipe.DB, item.ID)
	if settled.State != models.NotificationAcknowledged {
		t.Fatalf("expected acknowledged, got %q (%s)", settled.State, settled.LastError)
	}

	message, err := models.MessageByProviderID(ctx, pipe.DB, "m-1")
	if err != nil || message == nil {
		t.Fatalf("message should be persisted: %v", err)
	}
	if message.ThreadID == 0 {
		t.Fatal("message should be attached to a thread")
	}
	if message.ResolutionMethod != resolve.MethodNewThread {
		t.Fatalf("unexpected resolution method %q", message.ResolutionMethod)
	}
}

func TestProcessSkipsKnownMessage(t *testing.T) {
	client := &fakeClient{messages: map[string]*provider.Message{"m-1": rawMessage("m-1")}}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-1", provider.ChangeCreated))
	pipe.Process(ctx, item)
	if client.fetches != 1 {
		t.Fatalf("expected one fetch, got %d", client.fetches)
	}

	// Second notification for the same message, the pre-check stops it
	// before the provider round trip.
	item.State = models.NotificationReceived
	pipe.Process(ctx, item)
	if client.fetches != 1 {
		t.Fatalf("known message should not be re-fetched, got %d fetches", client.fetches)
	}
}

func TestProcessOrphansMissingMessage(t *testing.T) {
	pipe := newTestPipeline(t, &fakeClient{})
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-gone", provider.ChangeCreated))
	pipe.Process(ctx, item)

	settled := reloadItem(t, pipe.DB, item.ID)
	if settled.State != models.NotificationOrphaned {
		t.Fatalf("expected orphaned, got %q", settled.State)
	}
	if settled.LastError == "" {
		t.Fatal("orphaned rows should record the cause")
	}
}

func TestProcessAcknowledgesMalformedMessage(t *testing.T) {
	malformed := rawMessage("m-bad")
	malformed.From = nil
	client := &fakeClient{messages: map[string]*provider.Message{"m-bad": malformed}}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-bad", provider.ChangeCreated))
	pipe.Process(ctx, item)

	settled := reloadItem(t, pipe.DB, item.ID)
	if settled.State != models.NotificationAcknowledged {
		t.Fatalf("malformed payloads are skipped, not retried, got %q", settled.State)
	}
	if settled.LastError == "" {
		t.Fatal("the malformed cause should be recorded")
	}
	if settled.Attempts != 0 {
		t.Fatalf("no retry attempts expected, got %d", settled.Attempts)
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	client := &fakeClient{err: &provider.TransientError{Cause: context.DeadlineExceeded}}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-1", provider.ChangeCreated))
	pipe.Process(ctx, item)

	scheduled := reloadItem(t, pipe.DB, item.ID)
	if scheduled.State != models.NotificationRetry {
		t.Fatalf("expected retry-scheduled, got %q", scheduled.State)
	}
	if scheduled.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", scheduled.Attempts)
	}
	if !scheduled.NotBefore.After(time.Now().Add(30 * time.Second)) {
		t.Fatalf("backoff deadline too close: %v", scheduled.NotBefore)
	}
}

func TestProcessDeadLettersAfterExhaustedRetries(t *testing.T) {
	client := &fakeClient{err: &provider.TransientError{Cause: context.DeadlineExceeded}}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-1", provider.ChangeCreated))

	// Two configured delays, so the third failure is terminal.
	for i := 0; i < 3; i++ {
		pipe.Process(ctx, *reloadItem(t, pipe.DB, item.ID))
	}

	dead := reloadItem(t, pipe.DB, item.ID)
	if dead.State != models.NotificationDeadLetter {
		t.Fatalf("expected dead-letter, got %q", dead.State)
	}
	if dead.Attempts != 3 {
		t.Fatalf("expected three attempts, got %d", dead.Attempts)
	}

	letters, err := models.DeadLetters(ctx, pipe.DB, 10)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected the row on the dead letter surface: %v", err)
	}
}

func TestProcessDetachesDeletedMessage(t *testing.T) {
	client := &fakeClient{messages: map[string]*provider.Message{"m-1": rawMessage("m-1")}}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	created := enqueued(t, pipe, notification("m-1", provider.ChangeCreated))
	pipe.Process(ctx, created)

	deleted := enqueued(t, pipe, notification("m-1", provider.ChangeDeleted))
	pipe.Process(ctx, deleted)

	message, err := models.MessageByProviderID(ctx, pipe.DB, "m-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if message != nil {
		t.Fatal("deleted message should be detached")
	}

	settled := reloadItem(t, pipe.DB, deleted.ID)
	if settled.State != models.NotificationAcknowledged {
		t.Fatalf("expected acknowledged, got %q", settled.State)
	}
}

func TestProcessRetriesUnknownSubscription(t *testing.T) {
	pipe := newTestPipeline(t, &fakeClient{})
	ctx := context.Background()

	orphan := notification("m-1", provider.ChangeCreated)
	orphan.SubscriptionID = "sub-unknown"

	item := enqueued(t, pipe, orphan)
	pipe.Process(ctx, item)

	scheduled := reloadItem(t, pipe.DB, item.ID)
	if scheduled.State != models.NotificationRetry {
		t.Fatalf("unknown subscription should retry, got %q", scheduled.State)
	}
}

// Walks a conversation through three arrivals: a fresh message opening a
// thread, a true reply resolving through its in-reply-to header, and a
// late follow-up with no headers that only subject similarity can place.
func TestConversationWalkthrough(t *testing.T) {
	pipe := newTestPipeline(t, &fakeClient{})
	ctx := context.Background()

	subscription, err := models.SubscriptionByProviderID(ctx, pipe.DB, "sub-1")
	if err != nil || subscription == nil {
		t.Fatalf("could not load subscription: %v", err)
	}

	sent := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	first := &provider.Message{
		ID:                "msg-a",
		InternetMessageID: "<a@client.example>",
		Subject:           "NIL Filing Confirmation",
		From:              &provider.Recipient{EmailAddress: provider.EmailAddress{Address: "client@example.com"}},
		ToRecipients:      []provider.Recipient{{EmailAddress: provider.EmailAddress{Address: "desk@firm.example"}}},
		ReceivedDateTime:  sent,
	}
	if err := pipe.IngestRaw(ctx, subscription, first); err != nil {
		t.Fatalf("could not ingest first message: %v", err)
	}

	opened, err := models.MessageByProviderID(ctx, pipe.DB, "msg-a")
	if err != nil || opened == nil {
		t.Fatalf("first message should be persisted: %v", err)
	}
	if opened.ResolutionMethod != resolve.MethodNewThread {
		t.Fatalf("first message opens a thread, got %q", opened.ResolutionMethod)
	}

	threadA, err := models.ThreadByID(ctx, pipe.DB, opened.ThreadID)
	if err != nil || threadA == nil {
		t.Fatalf("could not load thread: %v", err)
	}
	if threadA.Status != models.StatusAwaitingReply {
		t.Fatalf("fresh inbound thread should await a reply, got %q", threadA.Status)
	}

	reply := &provider.Message{
		ID:                "msg-b",
		InternetMessageID: "<b@partner.example>",
		Subject:           "Re: NIL Filing Confirmation",
		From:              &provider.Recipient{EmailAddress: provider.EmailAddress{Address: "partner@example.com"}},
		ToRecipients:      []provider.Recipient{{EmailAddress: provider.EmailAddress{Address: "desk@firm.example"}}},
		ReceivedDateTime:  sent.Add(2 * time.Hour),
		InternetMessageHeaders: []provider.Header{
			{Name: "In-Reply-To", Value: "<a@client.example>"},
		},
	}
	if err := pipe.IngestRaw(ctx, subscription, reply); err != nil {
		t.Fatalf("could not ingest reply: %v", err)
	}

	replied, err := models.MessageByProviderID(ctx, pipe.DB, "msg-b")
	if err != nil || replied == nil {
		t.Fatalf("reply should be persisted: %v", err)
	}
	if replied.ThreadID != threadA.ID {
		t.Fatalf("reply should join thread %d, got %d", threadA.ID, replied.ThreadID)
	}
	if replied.ResolutionMethod != resolve.MethodInReplyTo {
		t.Fatalf("reply should resolve via in-reply-to, got %q", replied.ResolutionMethod)
	}
	if replied.ResolutionConfidence != resolve.ConfidenceInReplyTo {
		t.Fatalf("unexpected confidence %v", replied.ResolutionConfidence)
	}

	threadA, _ = models.ThreadByID(ctx, pipe.DB, threadA.ID)
	if threadA.Status != models.StatusReplied {
		t.Fatalf("a new sender answers the thread, got %q", threadA.Status)
	}

	// Ten days later, same subject, no headers at all: outside the
	// proximity window, but subject similarity with overlapping
	// recipients places it.
	followup := &provider.Message{
		ID:               "msg-c",
		Subject:          "Re: NIL Filing Confirmation",
		From:             &provider.Recipient{EmailAddress: provider.EmailAddress{Address: "client@example.com"}},
		ToRecipients:     []provider.Recipient{{EmailAddress: provider.EmailAddress{Address: "desk@firm.example"}}},
		ReceivedDateTime: sent.Add(10 * 24 * time.Hour),
	}
	if err := pipe.IngestRaw(ctx, subscription, followup); err != nil {
		t.Fatalf("could not ingest follow-up: %v", err)
	}

	late, err := models.MessageByProviderID(ctx, pipe.DB, "msg-c")
	if err != nil || late == nil {
		t.Fatalf("follow-up should be persisted: %v", err)
	}
	if late.ThreadID != threadA.ID {
		t.Fatalf("follow-up should join thread %d, got %d", threadA.ID, late.ThreadID)
	}
	if late.ResolutionMethod != resolve.MethodSubject {
		t.Fatalf("follow-up should resolve via subject similarity, got %q", late.ResolutionMethod)
	}
	if late.ResolutionConfidence != resolve.ConfidenceSubject {
		t.Fatalf("unexpected confidence %v", late.ResolutionConfidence)
	}

	threadA, _ = models.ThreadByID(ctx, pipe.DB, threadA.ID)
	if threadA.Status != models.StatusAwaitingReply {
		t.Fatalf("new inbound mail asks for attention again, got %q", threadA.Status)
	}

	members, err := models.MessagesOnThread(ctx, pipe.DB, threadA.ID)
	if err != nil {
		t.Fatalf("could not list members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
}

func TestProcessIgnoresMetadataUpdates(t *testing.T) {
	client := &fakeClient{}
	pipe := newTestPipeline(t, client)
	ctx := context.Background()

	item := enqueued(t, pipe, notification("m-1", provider.ChangeUpdated))
	pipe.Process(ctx, item)

	settled := reloadItem(t, pipe.DB, item.ID)
	if settled.State != models.NotificationAcknowledged {
		t.Fatalf("updates are acknowledged without work, got %q", settled.State)
	}
	if client.fetches != 0 {
		t.Fatalf("updates must not hit the provider, got %d fetches", client.fetches)
	}
}
