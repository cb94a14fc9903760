package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"codecollab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryMessages struct {
	mu    sync.Mutex
	saved []*models.ChatMessage
	err   error
}

func (m *memoryMessages) SaveMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	msg.ID = "msg-" + msg.Content
	m.saved = append(m.saved, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChatServicePersists(t *testing.T) {
	repo := &memoryMessages{}
	svc := NewChatService(repo, 2, 10, discardLogger())
	svc.Start()
	defer svc.Shutdown()

	done := make(chan error, 1)
	msg := &models.ChatMessage{ThreadID: "t1", UserID: "alice", Content: "hello"}
	require.NoError(t, svc.Persist(context.Background(), msg, func(m *models.ChatMessage, err error) {
		done <- err
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Equal(t, "msg-hello", msg.ID)
}

func TestChatServiceReportsFailure(t *testing.T) {
	repo := &memoryMessages{err: errors.New("db down")}
	svc := NewChatService(repo, 1, 1, discardLogger())
	svc.Start()
	defer svc.Shutdown()

	done := make(chan error, 1)
	msg := &models.ChatMessage{ThreadID: "t1", UserID: "alice", Content: "hello"}
	require.NoError(t, svc.Persist(context.Background(), msg, func(m *models.ChatMessage, err error) {
		done <- err
	}))

	select {
	case err := <-done:
		assert.EqualError(t, err, "db down")
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestChatServiceRejectsAfterShutdown(t *testing.T) {
	svc := NewChatService(&memoryMessages{}, 1, 1, discardLogger())
	svc.Start()
	svc.Shutdown()

	err := svc.Persist(context.Background(), &models.ChatMessage{}, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestChatServiceHonoursCallerContext(t *testing.T) {
	// No workers started, so the single queue slot fills up.
	svc := NewChatService(&memoryMessages{}, 1, 1, discardLogger())
	defer svc.Shutdown()

	require.NoError(t, svc.Persist(context.Background(), &models.ChatMessage{}, nil))
	assert.Equal(t, 1, svc.QueueLength())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := svc.Persist(ctx, &models.ChatMessage{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
