package services

import (
	"context"

	"codecollab/internal/models"
)

// MessageRepository is what the chat service needs from storage.
// Declared here, on the consumer side; repository.ChatRepositoryImpl satisfies it.
type MessageRepository interface {
	SaveMessage(ctx context.Context, msg *models.ChatMessage) error
}
