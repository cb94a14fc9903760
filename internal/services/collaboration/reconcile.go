package collaboration

import (
	"log/slog"

	"golang.org/x/exp/slices"
)

// attach records that sess joined room. It reports whether this is the
// user's first connection in the room.
func (c *Coordinator) attach(sess *session, room RoomKey) bool {
	sess.rooms[room] = struct{}{}
	return c.rooms.Join(room, sess.user)
}

// detach removes room from sess. The user leaves the room only when none of
// their other connections is still in it.
func (c *Coordinator) detach(sess *session, room RoomKey) {
	delete(sess.rooms, room)
	if c.heldElsewhere(sess, room) {
		return
	}
	if c.rooms.Leave(room, sess.user) {
		c.afterLeave(room, sess.user)
	}
}

func (c *Coordinator) heldElsewhere(sess *session, room RoomKey) bool {
	for _, conn := range c.conns.Connections(sess.user) {
		if conn.ID() == sess.conn.ID() {
			continue
		}
		if other, ok := c.sessions[conn.ID()]; ok {
			if _, in := other.rooms[room]; in {
				return true
			}
		}
	}
	return false
}

// afterLeave clears per-room state for a user who left room and tells the
// remaining members, exactly once.
func (c *Coordinator) afterLeave(room RoomKey, user string) {
	if room.IsFile() {
		file := room.EntityID()
		c.presence.Remove(file, user)
		c.out.ToRoom(room, OutFileUserLeft, fileUserPayload{FileID: file, UserID: user}, user)
	} else {
		c.out.ToRoom(room, OutUserLeft, memberPayload{RoomID: room, UserID: user}, user)
	}
	c.stopTyping(room, user)
}

// disconnect reconciles a closing connection. Locks survive; they expire on
// their own.
func (c *Coordinator) disconnect(sess *session) {
	id := sess.conn.ID()
	delete(c.sessions, id)

	wasAuthed := sess.state == stateAuthenticated
	sess.state = stateDisconnected
	if !wasAuthed {
		c.logger.Debug("unauthenticated connection closed", slog.String("connID", id))
		return
	}

	user := sess.user
	offline := c.conns.Unregister(user, id)

	var left []RoomKey
	if offline {
		left = c.rooms.LeaveAll(user)
	} else {
		for room := range sess.rooms {
			if c.heldElsewhere(sess, room) {
				continue
			}
			if c.rooms.Leave(room, user) {
				left = append(left, room)
			}
		}
		slices.Sort(left)
	}
	sess.rooms = nil

	for _, room := range left {
		c.afterLeave(room, user)
	}

	if offline {
		// presence or typing state outside any joined room
		for _, file := range c.presence.FilesOf(user) {
			c.presence.Remove(file, user)
			c.out.ToRoom(FileRoom(file), OutFileUserLeft, fileUserPayload{FileID: file, UserID: user}, user)
		}
		for _, room := range c.typing.RemoveUser(user) {
			c.out.ToRoom(room, OutChatStopTyping, memberPayload{RoomID: room, UserID: user}, user)
		}
		c.logger.Info("user went offline", slog.String("userID", user), slog.Int("roomsLeft", len(left)))
	}
	c.logger.Debug("connection closed", slog.String("connID", id), slog.String("userID", user))
}
