package collaboration

import (
	"context"
	"log/slog"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// Every function in this file that touches coordinator state does so inside
// c.do / c.step. Collaborator calls sit between steps.

// authed returns the authenticated session behind connID.
func (c *Coordinator) authed(connID string) (*session, error) {
	sess, ok := c.sessions[connID]
	if !ok || sess.state != stateAuthenticated {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// inRoom is authed plus a membership check for this connection.
func (c *Coordinator) inRoom(connID string, room RoomKey) (*session, error) {
	sess, err := c.authed(connID)
	if err != nil {
		return nil, err
	}
	if _, ok := sess.rooms[room]; !ok {
		return nil, ErrNotInRoom
	}
	return sess, nil
}

func (c *Coordinator) userOf(connID string) (string, error) {
	var user string
	err := c.step(func() error {
		sess, err := c.authed(connID)
		if err != nil {
			return err
		}
		user = sess.user
		return nil
	})
	return user, err
}

func (c *Coordinator) checkAccess(ctx context.Context, user string, room RoomKey, action models.Action) error {
	if c.deps.Access == nil {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "AccessChecker.CanAccess",
		attribute.String("room", string(room)),
		attribute.String("action", string(action)),
	)
	defer span.End()

	ok, err := c.deps.Access.CanAccess(ctx, user, room.Kind(), room.EntityID(), action)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return collaboratorError("access check", err)
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

func (c *Coordinator) handleAuth(connID string, ev *Authenticate) error {
	if c.deps.Auth == nil {
		return ErrUnauthorized
	}
	user, err := c.deps.Auth.Authenticate(ev.Token)
	if err != nil {
		return &Error{Code: CodeUnauthorized, Message: "invalid token", Err: err}
	}

	return c.step(func() error {
		sess, ok := c.sessions[connID]
		if !ok {
			return ErrUnauthorized
		}
		if sess.state == stateAuthenticated {
			if sess.user == user {
				return nil
			}
			return invalidEvent("connection is already authenticated")
		}
		c.promote(sess, user)
		return nil
	})
}

func (c *Coordinator) handleJoinRoom(ctx context.Context, connID string, ev *JoinRoom) error {
	room, err := ParseRoomKey(ev.RoomID)
	if err != nil {
		return err
	}
	if room.IsFile() {
		return c.joinFile(ctx, connID, room.EntityID())
	}

	user, err := c.userOf(connID)
	if err != nil {
		return err
	}
	if err := c.checkAccess(ctx, user, room, models.ActionRead); err != nil {
		return err
	}

	return c.step(func() error {
		sess, err := c.authed(connID)
		if err != nil {
			return err
		}
		firstJoin := c.attach(sess, room)
		c.out.ToConn(sess.conn, OutRoomState, c.roomState(room))
		if firstJoin {
			c.out.ToRoom(room, OutUserJoined, memberPayload{RoomID: room, UserID: user}, user)
		}
		return nil
	})
}

func (c *Coordinator) handleLeaveRoom(connID string, ev *LeaveRoom) error {
	room, err := ParseRoomKey(ev.RoomID)
	if err != nil {
		return err
	}
	return c.leaveRoom(connID, room)
}

// joinFile enters the file room and registers the user as an editor.
func (c *Coordinator) joinFile(ctx context.Context, connID, fileID string) error {
	room := FileRoom(fileID)

	user, err := c.userOf(connID)
	if err != nil {
		return err
	}
	if err := c.checkAccess(ctx, user, room, models.ActionRead); err != nil {
		return err
	}

	return c.step(func() error {
		sess, err := c.authed(connID)
		if err != nil {
			return err
		}
		c.attach(sess, room)
		entry, joined := c.presence.Upsert(fileID, user, nil, nil)

		c.out.ToConn(sess.conn, OutRoomState, c.roomState(room))
		if joined {
			c.out.ToRoom(room, OutFileUserJoined, fileUserPayload{
				FileID:    fileID,
				UserID:    user,
				Cursor:    &entry.Cursor,
				Selection: entry.Selection,
			}, user)
		}
		return nil
	})
}

func (c *Coordinator) leaveRoom(connID string, room RoomKey) error {
	return c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		c.detach(sess, room)
		return nil
	})
}

func (c *Coordinator) roomState(room RoomKey) roomStatePayload {
	state := roomStatePayload{
		RoomID:  room,
		Members: c.rooms.Members(room),
		Typing:  c.typing.Typing(room),
	}
	if room.IsFile() {
		state.Editors = c.presence.ListActive(room.EntityID())
		if lock, held := c.locks.IsLocked(room.EntityID()); held {
			state.Lock = &lock
		}
	}
	return state
}

func (c *Coordinator) handleCursor(connID string, ev *MoveCursor) error {
	room := FileRoom(ev.FileID)
	return c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		cursor := ev.Cursor
		entry, joined := c.presence.Upsert(ev.FileID, sess.user, &cursor, nil)

		event := OutFileCursor
		if joined {
			event = OutFileUserJoined
		}
		c.out.ToRoom(room, event, fileUserPayload{
			FileID:    ev.FileID,
			UserID:    sess.user,
			Cursor:    &entry.Cursor,
			Selection: entry.Selection,
		}, sess.user)
		return nil
	})
}

func (c *Coordinator) handleSelection(connID string, ev *ChangeSelection) error {
	room := FileRoom(ev.FileID)
	return c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		selection := ev.Selection
		entry, joined := c.presence.Upsert(ev.FileID, sess.user, nil, &selection)

		event := OutFileSelection
		if joined {
			event = OutFileUserJoined
		}
		c.out.ToRoom(room, event, fileUserPayload{
			FileID:    ev.FileID,
			UserID:    sess.user,
			Cursor:    &entry.Cursor,
			Selection: entry.Selection,
		}, sess.user)
		return nil
	})
}

// handleEdit relays an edit to the rest of the file room. Edits against a
// file locked by someone else are refused.
func (c *Coordinator) handleEdit(connID string, ev *EditFile) error {
	room := FileRoom(ev.FileID)
	return c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		if lock, held := c.locks.IsLocked(ev.FileID); held && lock.Owner != sess.user {
			return lockConflict(lock)
		}
		c.out.ToRoom(room, OutFileEdit, fileEditPayload{
			FileID:  ev.FileID,
			UserID:  sess.user,
			Changes: ev.Changes,
			Version: ev.Version,
		}, sess.user)
		return nil
	})
}

func (c *Coordinator) lockTTL(minutes int) (time.Duration, error) {
	if minutes == 0 {
		return c.opts.LockDefaultTTL, nil
	}
	ttl := time.Duration(minutes) * time.Minute
	if ttl > c.opts.LockMaxTTL {
		return 0, invalidEvent("ttlMinutes must not exceed %d", int(c.opts.LockMaxTTL/time.Minute))
	}
	return ttl, nil
}

// handleLock acquires or renews a soft lock.
//
// Under the file's gate the request is validated, the lock is written to the
// store and only then committed in memory, so nobody observes a lock that
// was never persisted.
func (c *Coordinator) handleLock(ctx context.Context, connID string, ev *LockFile) error {
	ttl, err := c.lockTTL(ev.TTLMinutes)
	if err != nil {
		return err
	}
	file := ev.FileID
	room := FileRoom(file)

	var user string
	err = c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		user = sess.user
		if cur, held := c.locks.IsLocked(file); held && cur.Owner != user {
			return lockConflict(cur)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.checkAccess(ctx, user, room, models.ActionWrite); err != nil {
		return err
	}

	release := c.gates.Lock(file)
	defer release()

	var lock models.FileLock
	err = c.step(func() error {
		if _, err := c.inRoom(connID, room); err != nil {
			return err
		}
		if cur, held := c.locks.IsLocked(file); held && cur.Owner != user {
			return lockConflict(cur)
		}
		lock = models.FileLock{FileID: file, Owner: user, ExpiresAt: c.clock.Now().Add(ttl)}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.persistLock(ctx, lock); err != nil {
		return err
	}

	return c.step(func() error {
		if _, err := c.locks.AcquireUntil(file, user, lock.ExpiresAt); err != nil {
			// the gate keeps other writers out, so only a restore can race here
			return err
		}
		c.scheduleLockExpiry(lock)

		payload := fileLockedPayload{FileID: file, Owner: user, ExpiresAt: lock.ExpiresAt}
		c.out.ToRoom(room, OutFileLocked, payload, user)
		if sess, ok := c.sessions[connID]; ok {
			c.out.ToConn(sess.conn, OutFileLocked, payload)
		}
		c.logger.Info("file locked",
			slog.String("fileID", file),
			slog.String("owner", user),
			slog.Time("expiresAt", lock.ExpiresAt),
		)
		return nil
	})
}

// handleUnlock releases the caller's lock. Unlocking a file nobody holds is
// a no-op that still acknowledges the caller. The lock stays in force until
// the store has dropped it.
func (c *Coordinator) handleUnlock(ctx context.Context, connID string, ev *UnlockFile) error {
	file := ev.FileID
	room := FileRoom(file)

	ackUnlocked := func() {
		if sess, ok := c.sessions[connID]; ok {
			c.out.ToConn(sess.conn, OutFileUnlocked, fileUnlockedPayload{FileID: file})
		}
	}

	validate := func() (string, bool, error) {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return "", false, err
		}
		cur, held := c.locks.IsLocked(file)
		if held && cur.Owner != sess.user {
			return "", false, notLockOwner(cur)
		}
		return sess.user, held, nil
	}

	var (
		user string
		held bool
	)
	err := c.step(func() error {
		var err error
		if user, held, err = validate(); err == nil && !held {
			ackUnlocked()
		}
		return err
	})
	if err != nil || !held {
		return err
	}

	release := c.gates.Lock(file)
	defer release()

	err = c.step(func() error {
		var err error
		if user, held, err = validate(); err == nil && !held {
			// expired while waiting for the gate; the expiry path announces it
			ackUnlocked()
		}
		return err
	})
	if err != nil || !held {
		return err
	}

	if err := c.clearLock(ctx, file); err != nil {
		return err
	}

	return c.step(func() error {
		_, armed := c.lockTimers[file]
		_, live := c.locks.IsLocked(file)
		if err := c.locks.Release(file, user); err != nil {
			return err
		}
		c.cancelLockExpiry(file)

		if live || armed {
			c.out.ToRoom(room, OutFileUnlocked, fileUnlockedPayload{FileID: file}, user)
		}
		ackUnlocked()
		c.logger.Info("file unlocked", slog.String("fileID", file), slog.String("owner", user))
		return nil
	})
}

func (c *Coordinator) persistLock(ctx context.Context, lock models.FileLock) error {
	if c.deps.Locks == nil {
		return nil
	}
	ctx, span := middleware.StartSpan(ctx, "LockStore.PersistLock", attribute.String("file.id", lock.FileID))
	defer span.End()

	if err := c.deps.Locks.PersistLock(ctx, lock.FileID, lock.Owner, lock.ExpiresAt); err != nil {
		middleware.AddSpanError(ctx, err)
		c.logger.Error("failed to persist lock", slog.String("fileID", lock.FileID), slog.Any("error", err))
		return collaboratorError("persist lock", err)
	}
	return nil
}

func (c *Coordinator) clearLock(ctx context.Context, file string) error {
	if c.deps.Locks == nil {
		return nil
	}
	ctx, span := middleware.StartSpan(ctx, "LockStore.ClearLock", attribute.String("file.id", file))
	defer span.End()

	if err := c.deps.Locks.ClearLock(ctx, file); err != nil {
		middleware.AddSpanError(ctx, err)
		c.logger.Error("failed to clear lock", slog.String("fileID", file), slog.Any("error", err))
		return collaboratorError("clear lock", err)
	}
	return nil
}

func sameLock(a, b models.FileLock) bool {
	return a.FileID == b.FileID && a.Owner == b.Owner && a.ExpiresAt.Equal(b.ExpiresAt)
}

// scheduleLockExpiry arms the timer that announces a lock's expiry. A
// previous timer for the same file is replaced.
func (c *Coordinator) scheduleLockExpiry(lock models.FileLock) {
	c.cancelLockExpiry(lock.FileID)
	d := lock.ExpiresAt.Sub(c.clock.Now())
	c.lockTimers[lock.FileID] = c.clock.AfterFunc(d, func() {
		c.post(func() { c.expireLock(lock) })
	})
}

func (c *Coordinator) cancelLockExpiry(file string) {
	if t, ok := c.lockTimers[file]; ok {
		t.Stop()
		delete(c.lockTimers, file)
	}
}

// expireLock runs on the loop when a lock's timer fires. A lock that was
// released or renewed in the meantime is left alone; one already evicted by
// a lazy read is still announced and cleared from the store.
func (c *Coordinator) expireLock(lock models.FileLock) {
	file := lock.FileID
	if _, armed := c.lockTimers[file]; !armed {
		return
	}
	if cur, held := c.locks.Peek(file); held && !sameLock(cur, lock) {
		return
	}
	if !lock.Expired(c.clock.Now()) {
		return
	}
	delete(c.lockTimers, file)
	c.locks.IsLocked(file)

	c.logger.Info("lock expired", slog.String("fileID", file), slog.String("owner", lock.Owner))
	c.out.ToRoom(FileRoom(file), OutFileUnlocked, fileUnlockedPayload{FileID: file}, "")

	go c.clearExpiredLock(file)
}

// clearExpiredLock removes the durable copy of an expired lock unless the
// file was locked again in the meantime.
func (c *Coordinator) clearExpiredLock(file string) {
	release := c.gates.Lock(file)
	defer release()

	var relocked bool
	if err := c.do(func() { _, relocked = c.locks.Peek(file) }); err != nil || relocked {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.clearLock(ctx, file)
}

func (c *Coordinator) handleTyping(connID string, ev *StartTyping) error {
	room, err := ParseRoomKey(ev.RoomID)
	if err != nil {
		return err
	}
	return c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		if c.typing.MarkTyping(room, sess.user) {
			c.out.ToRoom(room, OutChatTyping, memberPayload{RoomID: room, UserID: sess.user}, sess.user)
		}
		return nil
	})
}

func (c *Coordinator) handleStopTyping(connID string, ev *StopTyping) error {
	room, err := ParseRoomKey(ev.RoomID)
	if err != nil {
		return err
	}
	return c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		c.stopTyping(room, sess.user)
		return nil
	})
}

func (c *Coordinator) stopTyping(room RoomKey, user string) {
	if c.typing.MarkStopped(room, user) {
		c.out.ToRoom(room, OutChatStopTyping, memberPayload{RoomID: room, UserID: user}, user)
	}
}

// onTypingExpired is the typing tracker's timer callback. It runs off the
// loop, so it only posts.
func (c *Coordinator) onTypingExpired(room RoomKey, user string, gen uint64) {
	c.post(func() {
		if c.typing.Expire(room, user, gen) {
			c.out.ToRoom(room, OutChatStopTyping, memberPayload{RoomID: room, UserID: user}, user)
		}
	})
}

// handleChat hands the message to the chat service. The room hears about it
// only once it is stored.
func (c *Coordinator) handleChat(ctx context.Context, connID string, ev *SendChat) error {
	room, err := ParseRoomKey(ev.RoomID)
	if err != nil {
		return err
	}
	if room.Kind() != models.ResourceChat {
		return invalidEvent("chat messages can only be sent to chat rooms")
	}
	if c.deps.Chat == nil {
		return &Error{Code: CodeInternal, Message: "chat is not available"}
	}

	var user string
	err = c.step(func() error {
		sess, err := c.inRoom(connID, room)
		if err != nil {
			return err
		}
		user = sess.user
		return nil
	})
	if err != nil {
		return err
	}

	msg := &models.ChatMessage{
		ThreadID: room.EntityID(),
		UserID:   user,
		Content:  ev.Content,
	}
	err = c.deps.Chat.Persist(ctx, msg, func(saved *models.ChatMessage, err error) {
		c.post(func() {
			if err != nil {
				c.logger.Error("failed to save chat message", slog.String("room", string(room)), slog.Any("error", err))
				if sess, ok := c.sessions[connID]; ok {
					c.out.ToConn(sess.conn, OutError, newErrorPayload(EventChatMessage, collaboratorError("save message", err)))
				}
				return
			}
			c.stopTyping(room, user)
			c.out.ToRoom(room, OutChatMessage, chatMessagePayload{RoomID: room, Message: saved}, "")
		})
	})
	if err != nil {
		return collaboratorError("queue message", err)
	}
	return nil
}
