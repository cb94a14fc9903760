package collaboration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"codecollab/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records every frame it accepts.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	full   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) setFull(full bool) {
	f.mu.Lock()
	f.full = full
	f.mu.Unlock()
}

// payloads returns the payload of every received frame of the given type.
func (f *fakeConn) payloads(event string) []gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []gjson.Result
	for _, frame := range f.frames {
		if gjson.GetBytes(frame, "type").String() == event {
			out = append(out, gjson.GetBytes(frame, "payload"))
		}
	}
	return out
}

func (f *fakeConn) count(event string) int {
	return len(f.payloads(event))
}

func (f *fakeConn) last(event string) gjson.Result {
	p := f.payloads(event)
	if len(p) == 0 {
		return gjson.Result{}
	}
	return p[len(p)-1]
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

type fakeAccess struct {
	mu     sync.Mutex
	denied map[string]bool
	err    error
}

func (a *fakeAccess) deny(user string, kind models.ResourceKind, id string, action models.Action) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denied == nil {
		a.denied = make(map[string]bool)
	}
	a.denied[user+"|"+string(kind)+"|"+id+"|"+string(action)] = true
}

func (a *fakeAccess) CanAccess(ctx context.Context, user string, kind models.ResourceKind, id string, action models.Action) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	return !a.denied[user+"|"+string(kind)+"|"+id+"|"+string(action)], nil
}

type fakeLockStore struct {
	mu         sync.Mutex
	locks      map[string]models.FileLock
	persistErr error
	clearErr   error
	clears     int

	hold    chan struct{}
	waiting chan struct{}
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{locks: make(map[string]models.FileLock)}
}

// pause parks every later write until resume is called. waiting fires once
// a write is parked.
func (s *fakeLockStore) pause() (waiting <-chan struct{}, resume func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold := make(chan struct{})
	s.hold = hold
	s.waiting = make(chan struct{}, 1)
	return s.waiting, func() { close(hold) }
}

func (s *fakeLockStore) park() {
	s.mu.Lock()
	hold, waiting := s.hold, s.waiting
	s.mu.Unlock()
	if hold == nil {
		return
	}
	select {
	case waiting <- struct{}{}:
	default:
	}
	<-hold
}

func (s *fakeLockStore) PersistLock(ctx context.Context, fileID, owner string, expiresAt time.Time) error {
	s.park()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	s.locks[fileID] = models.FileLock{FileID: fileID, Owner: owner, ExpiresAt: expiresAt}
	return nil
}

func (s *fakeLockStore) ClearLock(ctx context.Context, fileID string) error {
	s.park()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return s.clearErr
	}
	s.clears++
	delete(s.locks, fileID)
	return nil
}

func (s *fakeLockStore) get(fileID string) (models.FileLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[fileID]
	return lock, ok
}

func (s *fakeLockStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// fakeChat persists on a goroutine, like the worker pool does.
type fakeChat struct {
	mu  sync.Mutex
	n   int
	err error
}

func (c *fakeChat) Persist(ctx context.Context, msg *models.ChatMessage, done func(*models.ChatMessage, error)) error {
	c.mu.Lock()
	c.n++
	id := c.n
	err := c.err
	c.mu.Unlock()

	go func() {
		if err != nil {
			done(nil, err)
			return
		}
		saved := *msg
		saved.ID = "msg-" + strconv.Itoa(id)
		saved.CreatedAt = t0
		done(&saved, nil)
	}()
	return nil
}

type fakeAuth map[string]string

func (a fakeAuth) Authenticate(token string) (string, error) {
	if user, ok := a[token]; ok {
		return user, nil
	}
	return "", errors.New("unknown token")
}

type harness struct {
	c      *Coordinator
	clock  fakeClock
	access *fakeAccess
	store  *fakeLockStore
	chat   *fakeChat
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:  clockwork.NewFakeClockAt(t0),
		access: &fakeAccess{},
		store:  newFakeLockStore(),
		chat:   &fakeChat{},
	}
	h.c = New(Dependencies{
		Access: h.access,
		Locks:  h.store,
		Chat:   h.chat,
		Auth:   fakeAuth{"token-alice": "alice", "token-bob": "bob"},
	}, Options{
		Clock:                 h.clock,
		Logger:                discardLogger(),
		PresenceSweepInterval: 24 * time.Hour, // tests sweep explicitly
	})
	h.c.Start()
	t.Cleanup(h.c.Shutdown)
	return h
}

func (h *harness) connect(t *testing.T, connID, user string) *fakeConn {
	t.Helper()
	conn := newFakeConn(connID)
	require.NoError(t, h.c.Connect(conn, user))
	return conn
}

func (h *harness) handle(conn *fakeConn, ev Event) error {
	return h.c.Handle(context.Background(), conn.ID(), ev)
}

func (h *harness) join(t *testing.T, conn *fakeConn, room RoomKey) {
	t.Helper()
	require.NoError(t, h.handle(conn, &JoinRoom{RoomID: string(room)}))
}

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)
