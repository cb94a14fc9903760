package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/models"
	"codecollab/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	collab    Collaboration
	access    AccessChecker
	chats     ChatHistory
	chatQueue QueueReporter
	wsHandler *collaboration.WebSocketHandler
	logger    *slog.Logger
}

func NewHandler(
	collab Collaboration,
	access AccessChecker,
	chats ChatHistory,
	chatQueue QueueReporter,
	wsHandler *collaboration.WebSocketHandler,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		collab:    collab,
		access:    access,
		chats:     chats,
		chatQueue: chatQueue,
		wsHandler: wsHandler,
		logger:    logger.With(slog.String("component", "api")),
	}
}

type lockResponse struct {
	FileID    string     `json:"fileId"`
	Locked    bool       `json:"locked"`
	Owner     string     `json:"owner,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// File handlers

func (h *Handler) GetFileLock(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	if !h.authorize(w, r, models.ResourceFile, fileID) {
		return
	}

	lock, held, err := h.collab.LockStatus(fileID)
	if err != nil {
		h.serverError(w, err)
		return
	}

	resp := lockResponse{FileID: fileID, Locked: held}
	if held {
		resp.Owner = lock.Owner
		resp.ExpiresAt = &lock.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetFileEditors(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	if !h.authorize(w, r, models.ResourceFile, fileID) {
		return
	}

	editors, err := h.collab.ActiveEditors(fileID)
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":  fileID,
		"editors": editors,
	})
}

// Room handlers

func (h *Handler) GetRoomMembers(w http.ResponseWriter, r *http.Request) {
	room, err := collaboration.ParseRoomKey(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.authorize(w, r, room.Kind(), room.EntityID()) {
		return
	}

	members, err := h.collab.RoomMembers(room)
	if err != nil {
		h.serverError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"roomId":  room,
		"members": members,
	})
}

// Chat handlers

func (h *Handler) ListChatMessages(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	if !h.authorize(w, r, models.ResourceChat, threadID) {
		return
	}

	limit := 50 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, 200)
	}

	messages, err := h.chats.ListMessages(r.Context(), threadID, limit)
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threadId": threadID,
		"messages": messages,
	})
}

// Admin handlers

type announceRequest struct {
	Message string `json:"message"`
}

func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	delivered, err := h.collab.Announce(req.Message)
	if err != nil {
		h.serverError(w, err)
		return
	}
	h.logger.Info("announcement sent", slog.Int("delivered", delivered))
	writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": delivered})
}

type disconnectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) ForceDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req disconnectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	closed, err := h.collab.ForceDisconnect(userID, req.Reason)
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":      userID,
		"connections": closed,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.chatQueue != nil {
		resp["chatQueue"] = h.chatQueue.QueueLength()
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorize checks read access for the token's subject and writes the
// failure response itself.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, kind models.ResourceKind, id string) bool {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if claims.IsAdmin() {
		return true
	}

	allowed, err := h.access.CanAccess(r.Context(), claims.Subject, kind, id, models.ActionRead)
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
		return false
	case err != nil:
		h.serverError(w, err)
		return false
	case !allowed:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) serverError(w http.ResponseWriter, err error) {
	if errors.Is(err, collaboration.ErrStopped) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.logger.Error("request failed", slog.Any("error", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
