package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-sync/internal/models"
)

const (
	defaultMessageLimit = 200
	maxMessageLimit     = 500
)

// ChatRepository persists conversation messages.
type ChatRepository interface {
	Save(ctx context.Context, message *models.ConversationMessage) error
	ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.ConversationMessage, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Save(ctx context.Context, message *models.ConversationMessage) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// ListByConversation returns the newest messages before the cursor in
// ascending creation order.
func (r *chatRepository) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.ConversationMessage, error) {
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.ConversationMessage
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
