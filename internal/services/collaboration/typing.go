package collaboration

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"
)

// TypingTracker keeps the set of users typing in each room. Every entry has
// its own expiry timer; renewed activity replaces the timer.
//
// Timer callbacks run on the clock's goroutine and must hand off to the
// coordinator, which then calls Expire with the generation it was given.
// A generation that no longer matches means the entry was renewed or removed
// in the meantime and the firing is ignored.
//
// Not safe for concurrent use; the Coordinator serializes access.
type TypingTracker struct {
	rooms    map[RoomKey]map[string]*typingEntry
	window   time.Duration
	clock    clockwork.Clock
	onExpire func(room RoomKey, user string, gen uint64)
	gen      uint64
}

type typingEntry struct {
	timer clockwork.Timer
	gen   uint64
}

func NewTypingTracker(clock clockwork.Clock, window time.Duration, onExpire func(room RoomKey, user string, gen uint64)) *TypingTracker {
	return &TypingTracker{
		rooms:    make(map[RoomKey]map[string]*typingEntry),
		window:   window,
		clock:    clock,
		onExpire: onExpire,
	}
}

// MarkTyping (re)starts user's timer in room. started is true when the user
// was not typing before.
func (t *TypingTracker) MarkTyping(room RoomKey, user string) (started bool) {
	users, ok := t.rooms[room]
	if !ok {
		users = make(map[string]*typingEntry)
		t.rooms[room] = users
	}

	e, ok := users[user]
	if ok {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		users[user] = e
		started = true
	}

	t.gen++
	gen := t.gen
	e.gen = gen
	e.timer = t.clock.AfterFunc(t.window, func() {
		t.onExpire(room, user, gen)
	})
	return started
}

// MarkStopped removes user from room and cancels the timer.
func (t *TypingTracker) MarkStopped(room RoomKey, user string) bool {
	users, ok := t.rooms[room]
	if !ok {
		return false
	}
	e, ok := users[user]
	if !ok {
		return false
	}

	e.timer.Stop()
	t.drop(room, user)
	return true
}

// Expire handles a timer firing. It removes the entry only when gen is
// still current.
func (t *TypingTracker) Expire(room RoomKey, user string, gen uint64) bool {
	e, ok := t.rooms[room][user]
	if !ok || e.gen != gen {
		return false
	}
	t.drop(room, user)
	return true
}

// RemoveUser clears user from every room and returns those rooms, sorted.
func (t *TypingTracker) RemoveUser(user string) []RoomKey {
	var out []RoomKey
	for room := range t.rooms {
		if t.MarkStopped(room, user) {
			out = append(out, room)
		}
	}
	slices.Sort(out)
	return out
}

// Typing returns the users currently typing in room, sorted.
func (t *TypingTracker) Typing(room RoomKey) []string {
	users := t.rooms[room]
	out := make([]string, 0, len(users))
	for user := range users {
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}

// StopAll cancels every timer and forgets all state.
func (t *TypingTracker) StopAll() {
	for _, users := range t.rooms {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.rooms = make(map[RoomKey]map[string]*typingEntry)
}

func (t *TypingTracker) drop(room RoomKey, user string) {
	users := t.rooms[room]
	delete(users, user)
	if len(users) == 0 {
		delete(t.rooms, room)
	}
}
