package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codecollab/internal/api"
	"codecollab/internal/config"
	"codecollab/internal/db"
	"codecollab/internal/middleware"
	"codecollab/internal/models"
	"codecollab/internal/repository"
	"codecollab/internal/services"
	"codecollab/internal/services/collaboration"
	"codecollab/internal/telemetry"

	"github.com/spf13/cobra"
)

const serviceVersion = "1.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("🚀 Starting collaboration coordinator...")

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug)

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.Config{
		ServiceName:    "codecollab",
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.JaegerEndpoint,
		SampleRatio:    cfg.JaegerSampleRatio,
	}, logger)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	// Initialize repositories
	fileRepo := repository.NewFileRepository(database.DB)
	projectRepo := repository.NewProjectRepository(database.DB)
	chatRepo := repository.NewChatRepository(database.DB)

	// Start the chat persistence worker pool
	chatService := services.NewChatService(chatRepo, cfg.ChatWorkers, cfg.ChatQueueSize, logger)
	chatService.Start()

	verifier := middleware.NewTokenVerifier(cfg.JWTSecret)

	// Learning: the coordinator owns all ephemeral state on one goroutine;
	// repositories and the chat pool are injected as narrow interfaces
	coordinator := collaboration.New(collaboration.Dependencies{
		Access: projectRepo,
		Locks:  fileRepo,
		Chat:   chatService,
		Auth:   verifier,
	}, collaboration.Options{
		LockDefaultTTL:        cfg.LockDefaultTTL,
		LockMaxTTL:            cfg.LockMaxTTL,
		TypingWindow:          cfg.TypingWindow,
		PresenceStaleAfter:    cfg.PresenceStaleAfter,
		PresenceSweepInterval: cfg.PresenceSweepInterval,
		Logger:                logger,
	})
	coordinator.Start()

	if cfg.ReconcileLocksOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := reconcileLocks(ctx, fileRepo, coordinator)
		cancel()
		if err != nil {
			coordinator.Shutdown()
			chatService.Shutdown()
			return err
		}
	}

	wsHandler := collaboration.NewWebSocketHandler(coordinator, verifier, cfg.SendBuffer, logger)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(coordinator, projectRepo, chatRepo, chatService, wsHandler, logger)
	router := api.SetupRoutes(handler, verifier, logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("🌐 Server listening on http://%s", cfg.Addr())
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws                              - Collaboration socket")
		log.Printf("   GET    /api/files/:id/lock              - Lock status")
		log.Printf("   GET    /api/files/:id/editors           - Active editors")
		log.Printf("   GET    /api/rooms/:id/members           - Room members")
		log.Printf("   GET    /api/chats/:id/messages          - Chat history")
		log.Printf("   POST   /api/admin/announce              - System announcement")
		log.Printf("   POST   /api/admin/users/:id/disconnect  - Force disconnect")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err = <-serverErr:
		log.Printf("❌ Server error: %v", err)
	}

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Learning: hijacked websockets are not covered by server.Shutdown;
	// the coordinator closes them and stops its timers
	coordinator.Shutdown()

	// Waits for workers to finish their current jobs
	chatService.Shutdown()

	log.Println("✓ Server shutdown complete")
	return err
}

// lockRepository is what startup reconciliation needs from the file store.
type lockRepository interface {
	ClearExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	ActiveLocks(ctx context.Context, now time.Time) ([]models.FileLock, error)
}

// reconcileLocks drops persisted locks that expired while the server was
// down and loads the rest into the coordinator.
func reconcileLocks(ctx context.Context, repo lockRepository, coordinator *collaboration.Coordinator) error {
	now := time.Now()

	cleared, err := repo.ClearExpiredLocks(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to clear expired locks: %w", err)
	}

	active, err := repo.ActiveLocks(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load active locks: %w", err)
	}

	restored, err := coordinator.RestoreLocks(active)
	if err != nil {
		return fmt.Errorf("failed to restore locks: %w", err)
	}

	log.Printf("✓ Lock reconciliation: %d expired cleared, %d restored", cleared, restored)
	return nil
}
