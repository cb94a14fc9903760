package collaboration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is a websocket transport for one connection. It implements Conn:
// the coordinator queues frames with Send and WritePump drains them.
type Client struct {
	session     *models.Session
	conn        *websocket.Conn
	send        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	coordinator *Coordinator
	logger      *slog.Logger

	mu sync.Mutex // guards session.LastActiveAt
}

func NewClient(conn *websocket.Conn, session *models.Session, coordinator *Coordinator, sendBuffer int, logger *slog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		session:     session,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
		coordinator: coordinator,
		logger:      logger.With(slog.String("connID", session.ID)),
	}
}

func (c *Client) ID() string { return c.session.ID }

// Send queues a frame without blocking. A full buffer or a closed client
// returns false.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to flush what is queued and close the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// LastSeen is the time of the last frame or pong from the peer.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.LastActiveAt
}

func (c *Client) touch() {
	c.mu.Lock()
	c.session.LastActiveAt = time.Now()
	c.mu.Unlock()
}

// ReadPump decodes inbound frames and feeds them to the coordinator until
// the socket fails. It runs on the handler goroutine and reconciles the
// connection on the way out.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.coordinator.Disconnect(c.ID())
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", slog.Any("error", err))
			}
			return
		}
		c.touch()

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("conn.id", c.ID()),
			attribute.Int("message.size", len(message)),
		)

		ev, err := DecodeEvent(message)
		if err != nil {
			middleware.AddSpanError(msgCtx, err)
			c.coordinator.Reject(c.ID(), "", err)
		} else {
			_ = c.coordinator.Handle(msgCtx, c.ID(), ev)
		}

		span.End()
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
// Each frame is its own text message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.closed:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, so a final notice sent just before
// Close reaches the peer.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
