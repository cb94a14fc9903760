package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleWebSocket upgrades the request and serves the collaboration session
// until the socket closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
