package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"codecollab/internal/models"

	"github.com/sourcegraph/conc"
)

/*
LEARNING: CHAT PERSISTENCE WORKER POOL

Relayed chat messages are written to the database by a fixed pool of workers
instead of on the connection's goroutine.

- The bounded queue gives backpressure: Persist blocks while the queue is full.
- Each job carries a completion callback, so the caller learns whether the
  write succeeded and can tell the sender.
*/

// ErrShuttingDown is returned by Persist after Shutdown has been called.
var ErrShuttingDown = errors.New("chat service is shutting down")

// ChatJob is one message waiting to be stored.
type ChatJob struct {
	Message *models.ChatMessage
	Done    func(msg *models.ChatMessage, err error)
}

// ChatServiceImpl stores chat messages with a worker pool.
type ChatServiceImpl struct {
	repo    MessageRepository
	jobs    chan ChatJob
	workers int

	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewChatService creates the pool; call Start to spawn the workers.
func NewChatService(repo MessageRepository, numWorkers, queueSize int, logger *slog.Logger) *ChatServiceImpl {
	ctx, cancel := context.WithCancel(context.Background())

	return &ChatServiceImpl{
		repo:    repo,
		jobs:    make(chan ChatJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "chat_service")),
	}
}

// Start spawns the workers.
func (s *ChatServiceImpl) Start() {
	s.logger.Info("starting chat worker pool", slog.Int("workers", s.workers))

	for i := 0; i < s.workers; i++ {
		id := i
		s.wg.Go(func() { s.worker(id) })
	}
}

func (s *ChatServiceImpl) worker(id int) {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("chat worker stopping", slog.Int("worker", id))
			return

		case job := <-s.jobs:
			err := s.repo.SaveMessage(s.ctx, job.Message)
			if err != nil {
				s.logger.Error("failed to persist chat message",
					slog.Int("worker", id),
					slog.String("threadID", job.Message.ThreadID),
					slog.Any("error", err),
				)
			}
			if job.Done != nil {
				job.Done(job.Message, err)
			}
		}
	}
}

// Persist queues msg for storage. done is invoked from a worker goroutine
// once the write has finished. Blocks while the queue is full.
func (s *ChatServiceImpl) Persist(ctx context.Context, msg *models.ChatMessage, done func(*models.ChatMessage, error)) error {
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}

	select {
	case s.jobs <- ChatJob{Message: msg, Done: done}:
		return nil
	case <-s.ctx.Done():
		return ErrShuttingDown
	case <-ctx.Done():
		return fmt.Errorf("queue chat message: %w", ctx.Err())
	}
}

// Shutdown stops the workers. Jobs still queued are dropped and their
// callbacks receive ErrShuttingDown.
func (s *ChatServiceImpl) Shutdown() {
	s.logger.Info("shutting down chat service")

	s.cancel()
	s.wg.Wait()

	for {
		select {
		case job := <-s.jobs:
			if job.Done != nil {
				job.Done(job.Message, ErrShuttingDown)
			}
		default:
			return
		}
	}
}

// QueueLength returns the number of pending jobs.
func (s *ChatServiceImpl) QueueLength() int {
	return len(s.jobs)
}
