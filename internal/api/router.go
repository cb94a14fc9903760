package api

import (
	"log/slog"

	"codecollab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, verifier *middleware.TokenVerifier, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(logger))       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware(logger)) // Catch panics
	r.Use(middleware.CORSMiddleware)                  // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// Admin endpoints
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireToken(verifier, true))
	admin.HandleFunc("/announce", h.Announce).Methods("POST")
	admin.HandleFunc("/users/{id}/disconnect", h.ForceDisconnect).Methods("POST")

	// Authenticated read endpoints
	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.RequireToken(verifier, false))
	authed.HandleFunc("/files/{id}/lock", h.GetFileLock).Methods("GET")
	authed.HandleFunc("/files/{id}/editors", h.GetFileEditors).Methods("GET")
	authed.HandleFunc("/rooms/{id}/members", h.GetRoomMembers).Methods("GET")
	authed.HandleFunc("/chats/{id}/messages", h.ListChatMessages).Methods("GET")

	// WebSocket route; the token travels in the handshake or the first event
	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
