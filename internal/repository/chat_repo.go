package repository

import (
	"context"
	"fmt"

	"coderoom/internal/models"

	"gorm.io/gorm"
)

// ChatRepositoryImpl stores room chat in Postgres
type ChatRepositoryImpl struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) *ChatRepositoryImpl {
	return &ChatRepositoryImpl{db: db}
}

// Append persists msg. The KSUID is generated in the BeforeCreate hook.
func (r *ChatRepositoryImpl) Append(ctx context.Context, msg *models.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to store chat message: %w", err)
	}
	return nil
}

// History returns the newest limit messages of roomID, oldest first
func (r *ChatRepositoryImpl) History(ctx context.Context, roomID string, limit int) ([]*models.ChatMessage, error) {
	var messages []*models.ChatMessage

	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
