package collaboration

import (
	"golang.org/x/exp/slices"
)

// Conn is one live transport connection as seen by the coordinator.
type Conn interface {
	ID() string
	// Send queues msg without blocking. It returns false when the connection
	// is closed or its buffer is full.
	Send(msg []byte) bool
	Close()
}

// ConnectionRegistry maps a user to the set of connections they hold.
// A user is present iff they have at least one connection.
//
// Not safe for concurrent use; the Coordinator serializes access.
type ConnectionRegistry struct {
	users map[string]map[string]Conn
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{users: make(map[string]map[string]Conn)}
}

// Register adds conn for user and reports whether this was the user's
// first connection ("came online").
func (r *ConnectionRegistry) Register(user string, conn Conn) bool {
	conns, ok := r.users[user]
	if !ok {
		conns = make(map[string]Conn)
		r.users[user] = conns
	}
	conns[conn.ID()] = conn
	return !ok
}

// Unregister removes the connection and reports whether the user has no
// connections left ("went offline"). Unknown ids are ignored.
func (r *ConnectionRegistry) Unregister(user, connID string) bool {
	conns, ok := r.users[user]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}

	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, user)
		return true
	}
	return false
}

func (r *ConnectionRegistry) IsOnline(user string) bool {
	_, ok := r.users[user]
	return ok
}

// Connections returns the user's connections ordered by id.
func (r *ConnectionRegistry) Connections(user string) []Conn {
	conns := r.users[user]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Conn) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return out
}

// Users returns every online user, sorted.
func (r *ConnectionRegistry) Users() []string {
	out := make([]string, 0, len(r.users))
	for user := range r.users {
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}
