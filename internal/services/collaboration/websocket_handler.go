package collaboration

import (
	"log/slog"
	"net/http"

	"codecollab/internal/middleware"
	"codecollab/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

A token may arrive with the handshake (Authorization header or ?token=).
Without one the socket is still accepted, but the first event must be
"auth" or everything else is answered with UNAUTHORIZED.
*/

// WebSocketHandler upgrades /ws requests and runs a Client per connection.
type WebSocketHandler struct {
	coordinator *Coordinator
	auth        Authenticator
	sendBuffer  int
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func NewWebSocketHandler(coordinator *Coordinator, auth Authenticator, sendBuffer int, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		coordinator: coordinator,
		auth:        auth,
		sendBuffer:  sendBuffer,
		logger:      logger.With(slog.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers connect from the editor's own origin; the token is the gate
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection serves one websocket for its whole lifetime.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var user string
	if token := middleware.TokenFromRequest(r); token != "" && h.auth != nil {
		u, err := h.auth.Authenticate(token)
		if err != nil {
			h.logger.Debug("handshake token rejected", slog.Any("error", err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		user = u
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("user.id", user),
		attribute.String("remote.addr", r.RemoteAddr),
	)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", slog.Any("error", err))
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	session := models.NewSession(r.RemoteAddr)
	session.UserID = user
	client := NewClient(conn, session, h.coordinator, h.sendBuffer, h.logger)

	if err := h.coordinator.Connect(client, user); err != nil {
		middleware.AddSpanError(ctx, err)
		span.End()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	span.End()

	h.logger.Info("websocket connected", slog.String("connID", client.ID()), slog.String("userID", user))

	go client.WritePump()
	client.ReadPump(ctx)

	h.logger.Info("websocket closed", slog.String("connID", client.ID()))
}
