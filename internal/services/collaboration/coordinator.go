package collaboration

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"
)

/*
LEARNING: ONE CONTROL PATH

All registry, presence, lock and typing state is owned by a single event
loop goroutine. Callers hand it closures (do / post) and the loop runs them
one at a time, so the maps need no locks of their own.

Calls to the database or access layer happen OUTSIDE the loop. While such a
call is in flight other events keep flowing, so every handler re-validates
the state it depends on when it comes back into the loop before committing.
*/

// AccessChecker answers whether a user may act on a project, file or chat thread.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID string, kind models.ResourceKind, resourceID string, action models.Action) (bool, error)
}

// LockStore mirrors soft locks onto the durable file record.
type LockStore interface {
	PersistLock(ctx context.Context, fileID, owner string, expiresAt time.Time) error
	ClearLock(ctx context.Context, fileID string) error
}

// ChatPersister stores chat messages asynchronously and reports the outcome
// through done.
type ChatPersister interface {
	Persist(ctx context.Context, msg *models.ChatMessage, done func(*models.ChatMessage, error)) error
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// Dependencies are the external collaborators of the coordinator.
type Dependencies struct {
	Access AccessChecker
	Locks  LockStore
	Chat   ChatPersister
	Auth   Authenticator
}

// Options tune timing. Zero values fall back to DefaultOptions.
type Options struct {
	LockDefaultTTL        time.Duration
	LockMaxTTL            time.Duration
	TypingWindow          time.Duration
	PresenceStaleAfter    time.Duration
	PresenceSweepInterval time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		LockDefaultTTL:        10 * time.Minute,
		LockMaxTTL:            time.Hour,
		TypingWindow:          3 * time.Second,
		PresenceStaleAfter:    5 * time.Minute,
		PresenceSweepInterval: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LockDefaultTTL <= 0 {
		o.LockDefaultTTL = d.LockDefaultTTL
	}
	if o.LockMaxTTL <= 0 {
		o.LockMaxTTL = d.LockMaxTTL
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = d.TypingWindow
	}
	if o.PresenceStaleAfter <= 0 {
		o.PresenceStaleAfter = d.PresenceStaleAfter
	}
	if o.PresenceSweepInterval <= 0 {
		o.PresenceSweepInterval = d.PresenceSweepInterval
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type connState int

const (
	stateConnected connState = iota
	stateAuthenticated
	stateDisconnected
)

// session is the coordinator's view of one connection. rooms holds the keys
// this connection joined; the RoomRegistry counts the user once per room.
type session struct {
	conn  Conn
	user  string
	state connState
	rooms map[RoomKey]struct{}
}

// Coordinator wires the registries together and reacts to inbound events.
// Construct one per process with New; tests build as many as they like.
type Coordinator struct {
	opts   Options
	deps   Dependencies
	clock  clockwork.Clock
	logger *slog.Logger

	// owned by the loop goroutine
	sessions   map[string]*session
	conns      *ConnectionRegistry
	rooms      *RoomRegistry
	presence   *PresenceTracker
	locks      *LockManager
	typing     *TypingTracker
	out        *Broadcaster
	lockTimers map[string]clockwork.Timer

	// serializes lock persistence per file
	gates *keyedMutex

	cmds     chan func()
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	wg       conc.WaitGroup
}

// New creates a coordinator. Call Start before handing it connections.
func New(deps Dependencies, opts Options) *Coordinator {
	opts = opts.withDefaults()

	c := &Coordinator{
		opts:       opts,
		deps:       deps,
		clock:      opts.Clock,
		logger:     opts.Logger.With(slog.String("component", "coordinator")),
		sessions:   make(map[string]*session),
		conns:      NewConnectionRegistry(),
		rooms:      NewRoomRegistry(),
		presence:   NewPresenceTracker(opts.Clock, opts.PresenceStaleAfter),
		locks:      NewLockManager(opts.Clock),
		lockTimers: make(map[string]clockwork.Timer),
		gates:      newKeyedMutex(),
		cmds:       make(chan func()),
		done:       make(chan struct{}),
	}
	c.typing = NewTypingTracker(opts.Clock, opts.TypingWindow, c.onTypingExpired)
	c.out = NewBroadcaster(c.conns, c.rooms, c.onDeadConn, c.logger)
	return c
}

// Start launches the event loop and the presence sweeper.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("starting coordinator",
		slog.Duration("typingWindow", c.opts.TypingWindow),
		slog.Duration("presenceStaleAfter", c.opts.PresenceStaleAfter),
	)

	c.wg.Go(c.loop)
	c.wg.Go(c.sweepLoop)
}

// Shutdown closes every connection, cancels timers and stops the loop.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		c.logger.Info("shutting down coordinator")

		cleanup := func() {
			c.typing.StopAll()
			for file, t := range c.lockTimers {
				t.Stop()
				delete(c.lockTimers, file)
			}
			for _, sess := range c.sessions {
				sess.conn.Close()
			}
		}

		if c.started.Load() {
			_ = c.do(cleanup)
		} else {
			cleanup()
		}

		close(c.done)
		c.wg.Wait()
		c.logger.Info("coordinator stopped")
	})
}

func (c *Coordinator) loop() {
	for {
		select {
		case fn := <-c.cmds:
			c.run(fn)
		case <-c.done:
			return
		}
	}
}

// run executes one step; a panicking step is logged and the loop survives.
func (c *Coordinator) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator step panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// do runs fn on the loop and waits for it to finish.
func (c *Coordinator) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() {
		defer close(ran)
		fn()
	}:
	case <-c.done:
		return ErrStopped
	}
	<-ran
	return nil
}

// step is do for closures that can fail.
func (c *Coordinator) step(fn func() error) error {
	var err error
	if derr := c.do(func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

// post schedules fn on the loop without waiting. Safe to call from timer
// callbacks and worker goroutines.
func (c *Coordinator) post(fn func()) {
	go func() {
		select {
		case c.cmds <- fn:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) sweepLoop() {
	ticker := c.clock.NewTicker(c.opts.PresenceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			_ = c.do(c.sweepPresence)
		}
	}
}

// sweepPresence evicts stale editors and tells the rest of each file room.
func (c *Coordinator) sweepPresence() {
	evicted := c.presence.Sweep()

	files := make([]string, 0, len(evicted))
	for file := range evicted {
		files = append(files, file)
	}
	slices.Sort(files)

	for _, file := range files {
		for _, user := range evicted[file] {
			c.logger.Debug("evicted stale editor", slog.String("fileID", file), slog.String("userID", user))
			c.out.ToRoom(FileRoom(file), OutFileUserLeft, fileUserPayload{FileID: file, UserID: user}, user)
		}
	}
}

// Connect registers a freshly opened transport. With a non-empty user the
// connection is authenticated at once (token checked during the handshake);
// otherwise it must send an auth event before anything else.
func (c *Coordinator) Connect(conn Conn, user string) error {
	return c.do(func() {
		sess := &session{
			conn:  conn,
			state: stateConnected,
			rooms: make(map[RoomKey]struct{}),
		}
		c.sessions[conn.ID()] = sess
		c.logger.Debug("connection opened", slog.String("connID", conn.ID()))

		if user != "" {
			c.promote(sess, user)
		}
	})
}

// promote moves a session to Authenticated.
func (c *Coordinator) promote(sess *session, user string) {
	sess.user = user
	sess.state = stateAuthenticated

	if c.conns.Register(user, sess.conn) {
		c.logger.Info("user came online", slog.String("userID", user))
	}
	c.out.ToConn(sess.conn, OutSessionReady, sessionReadyPayload{ConnectionID: sess.conn.ID(), UserID: user})
}

// Disconnect runs reconciliation for a closed transport. Unknown or already
// disconnected ids are ignored.
func (c *Coordinator) Disconnect(connID string) {
	err := c.do(func() {
		if sess, ok := c.sessions[connID]; ok {
			c.disconnect(sess)
		}
	})
	if err != nil {
		c.logger.Debug("disconnect after shutdown", slog.String("connID", connID))
	}
}

// Reject reports err to the connection that caused it. Nothing is broadcast.
func (c *Coordinator) Reject(connID, event string, err error) {
	_ = c.do(func() {
		if sess, ok := c.sessions[connID]; ok {
			c.out.ToConn(sess.conn, OutError, newErrorPayload(event, err))
		}
	})
}

// Handle processes one inbound event from connID. Failures are sent to that
// connection as an error event and returned.
func (c *Coordinator) Handle(ctx context.Context, connID string, ev Event) error {
	ctx, span := middleware.StartSpan(ctx, "Coordinator.Handle",
		attribute.String("event", ev.Name()),
		attribute.String("conn.id", connID),
	)
	defer span.End()

	var err error
	switch e := ev.(type) {
	case *Authenticate:
		err = c.handleAuth(connID, e)
	case *JoinRoom:
		err = c.handleJoinRoom(ctx, connID, e)
	case *LeaveRoom:
		err = c.handleLeaveRoom(connID, e)
	case *JoinFile:
		err = c.joinFile(ctx, connID, e.FileID)
	case *LeaveFile:
		err = c.leaveRoom(connID, FileRoom(e.FileID))
	case *MoveCursor:
		err = c.handleCursor(connID, e)
	case *ChangeSelection:
		err = c.handleSelection(connID, e)
	case *EditFile:
		err = c.handleEdit(connID, e)
	case *LockFile:
		err = c.handleLock(ctx, connID, e)
	case *UnlockFile:
		err = c.handleUnlock(ctx, connID, e)
	case *StartTyping:
		err = c.handleTyping(connID, e)
	case *StopTyping:
		err = c.handleStopTyping(connID, e)
	case *SendChat:
		err = c.handleChat(ctx, connID, e)
	default:
		err = invalidEvent("unsupported event %s", ev.Name())
	}

	if err != nil {
		middleware.AddSpanError(ctx, err)
		c.logger.Debug("event rejected",
			slog.String("event", ev.Name()),
			slog.String("connID", connID),
			slog.Any("error", err),
		)
		c.Reject(connID, ev.Name(), err)
	}
	return err
}

// RestoreLocks loads locks recovered from the file store, typically at
// startup. Expired locks are skipped. Returns how many were installed.
func (c *Coordinator) RestoreLocks(locks []models.FileLock) (int, error) {
	n := 0
	err := c.do(func() {
		for _, lock := range locks {
			if c.locks.Load(lock) {
				c.scheduleLockExpiry(lock)
				n++
			}
		}
	})
	return n, err
}

// LockStatus reports the live lock on a file.
func (c *Coordinator) LockStatus(fileID string) (lock models.FileLock, held bool, err error) {
	err = c.do(func() {
		lock, held = c.locks.IsLocked(fileID)
	})
	return lock, held, err
}

// ActiveEditors lists the non-stale editors of a file.
func (c *Coordinator) ActiveEditors(fileID string) (editors []models.EditorPresence, err error) {
	err = c.do(func() {
		editors = c.presence.ListActive(fileID)
	})
	return editors, err
}

// RoomMembers lists the users in a room.
func (c *Coordinator) RoomMembers(room RoomKey) (members []string, err error) {
	err = c.do(func() {
		members = c.rooms.Members(room)
	})
	return members, err
}

// IsOnline reports whether user has at least one authenticated connection.
func (c *Coordinator) IsOnline(user string) (online bool, err error) {
	err = c.do(func() {
		online = c.conns.IsOnline(user)
	})
	return online, err
}

// Announce sends a system announcement to every connection.
func (c *Coordinator) Announce(message string) (delivered int, err error) {
	err = c.do(func() {
		delivered = c.out.BroadcastAll(OutAnnouncement, systemPayload{Message: message})
	})
	return delivered, err
}

// ForceDisconnect notifies every connection of user, reconciles them and
// closes the transports. Returns the number of connections closed.
func (c *Coordinator) ForceDisconnect(user, reason string) (closed int, err error) {
	if reason == "" {
		reason = "disconnected by administrator"
	}

	err = c.do(func() {
		conns := c.conns.Connections(user)
		c.out.ToUser(user, OutForceDisconnect, systemPayload{Message: reason})

		for _, conn := range conns {
			if sess, ok := c.sessions[conn.ID()]; ok {
				c.disconnect(sess)
			}
			conn.Close()
		}
		closed = len(conns)
	})
	if err == nil && closed > 0 {
		c.logger.Info("forced disconnect", slog.String("userID", user), slog.Int("connections", closed))
	}
	return closed, err
}

// onDeadConn is called by the broadcaster, on the loop, for a connection that
// could not take a frame. Closing the transport leads to a normal Disconnect.
func (c *Coordinator) onDeadConn(conn Conn) {
	conn.Close()
}
