package api

import (
	"context"

	"codecollab/internal/models"
	"codecollab/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler only declares the methods it calls, which keeps the coordinator
and repositories swappable with small fakes in handler tests.
*/

// Collaboration is the read and admin surface of the coordinator.
type Collaboration interface {
	LockStatus(fileID string) (models.FileLock, bool, error)
	ActiveEditors(fileID string) ([]models.EditorPresence, error)
	RoomMembers(room collaboration.RoomKey) ([]string, error)
	Announce(message string) (int, error)
	ForceDisconnect(userID, reason string) (int, error)
}

// AccessChecker gates the per-resource endpoints.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID string, kind models.ResourceKind, resourceID string, action models.Action) (bool, error)
}

// ChatHistory serves persisted chat messages.
type ChatHistory interface {
	ListMessages(ctx context.Context, threadID string, limit int) ([]*models.ChatMessage, error)
}

// QueueReporter exposes the chat persistence backlog for health checks.
type QueueReporter interface {
	QueueLength() int
}
