package repository

import (
	"context"
	"fmt"

	"codecollab/internal/models"

	"gorm.io/gorm"
)

// ChatRepositoryImpl persists relayed chat messages.
type ChatRepositoryImpl struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) *ChatRepositoryImpl {
	return &ChatRepositoryImpl{db: db}
}

// SaveMessage stores a message; ID and CreatedAt are filled in by GORM.
func (r *ChatRepositoryImpl) SaveMessage(ctx context.Context, msg *models.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to save chat message: %w", err)
	}
	return nil
}

// ListMessages returns the newest messages of a thread in chronological order.
func (r *ChatRepositoryImpl) ListMessages(ctx context.Context, threadID string, limit int) ([]*models.ChatMessage, error) {
	var messages []*models.ChatMessage

	err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
