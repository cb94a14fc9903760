package collaboration

import (
	"encoding/json"
	"log/slog"
)

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster fans events out to connections. Delivery is fire-and-forget:
// a connection that cannot take the frame is reported through onDead and
// skipped, and delivery to the rest continues.
type Broadcaster struct {
	conns  *ConnectionRegistry
	rooms  *RoomRegistry
	onDead func(Conn)
	logger *slog.Logger
}

func NewBroadcaster(conns *ConnectionRegistry, rooms *RoomRegistry, onDead func(Conn), logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		conns:  conns,
		rooms:  rooms,
		onDead: onDead,
		logger: logger,
	}
}

// ToRoom delivers to every connection of every member of room except the
// connections of excludeUser (pass "" to exclude nobody). Returns the
// number of connections that accepted the frame.
func (b *Broadcaster) ToRoom(room RoomKey, event string, payload any, excludeUser string) int {
	frame, ok := b.encode(event, payload)
	if !ok {
		return 0
	}

	delivered := 0
	for _, user := range b.rooms.Members(room) {
		if user == excludeUser {
			continue
		}
		delivered += b.deliver(b.conns.Connections(user), frame)
	}
	return delivered
}

// ToUser delivers to every connection of user regardless of rooms.
func (b *Broadcaster) ToUser(user, event string, payload any) int {
	frame, ok := b.encode(event, payload)
	if !ok {
		return 0
	}
	return b.deliver(b.conns.Connections(user), frame)
}

// ToConn delivers to a single connection.
func (b *Broadcaster) ToConn(conn Conn, event string, payload any) bool {
	frame, ok := b.encode(event, payload)
	if !ok {
		return false
	}
	return b.deliver([]Conn{conn}, frame) == 1
}

// BroadcastAll delivers to every known connection.
func (b *Broadcaster) BroadcastAll(event string, payload any) int {
	frame, ok := b.encode(event, payload)
	if !ok {
		return 0
	}

	delivered := 0
	for _, user := range b.conns.Users() {
		delivered += b.deliver(b.conns.Connections(user), frame)
	}
	return delivered
}

func (b *Broadcaster) deliver(conns []Conn, frame []byte) int {
	n := 0
	for _, c := range conns {
		if c.Send(frame) {
			n++
			continue
		}
		b.logger.Warn("dropping frame for unresponsive connection", slog.String("connID", c.ID()))
		if b.onDead != nil {
			b.onDead(c)
		}
	}
	return n
}

func (b *Broadcaster) encode(event string, payload any) ([]byte, bool) {
	frame, err := json.Marshal(Envelope{Type: event, Payload: payload})
	if err != nil {
		b.logger.Error("failed to encode event", slog.String("event", event), slog.Any("error", err))
		return nil, false
	}
	return frame, true
}
