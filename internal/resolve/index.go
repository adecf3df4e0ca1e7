package resolve

import (
	"context"
	"time"

	"github.com/tidewater/loom/internal/models"
	"github.com/uptrace/bun"
)

// StoreIndex adapts the persistent store to the Index interface. All
// reads run against committed rows, outside any attach transaction.
type StoreIndex struct {
	DB bun.IDB
}

func NewStoreIndex(db bun.IDB) *StoreIndex {
	return &StoreIndex{DB: db}
}

func (s *StoreIndex) ThreadByConversationID(ctx context.Context, conversationID string) (*models.Thread, error) {
	return models.ThreadByConversationID(ctx, s.DB, conversationID)
}

func (s *StoreIndex) ThreadByCorrelationToken(ctx context.Context, token string) (*models.Thread, error) {
	return models.ThreadByCorrelationToken(ctx, s.DB, token)
}

func (s *StoreIndex) MessageByWireID(ctx context.Context, id string) (*models.Message, error) {
	message, err := models.MessageByInternetMessageID(ctx, s.DB, id)
	if err != nil || message != nil {
		return message, err
	}
	return models.MessageByProviderID(ctx, s.DB, id)
}

func (s *StoreIndex) RecentThreads(ctx context.Context, since time.Time) ([]models.Thread, error) {
	return models.RecentThreads(ctx, s.DB, since)
}

func (s *StoreIndex) LastMessageOnThread(ctx context.Context, threadID int64) (*models.Message, error) {
	return models.LastMessageOnThread(ctx, s.DB, threadID)
}

func (s *StoreIndex) RecentMessages(ctx context.Context, since time.Time) ([]models.Message, error) {
	return models.RecentMessages(ctx, s.DB, since)
}
