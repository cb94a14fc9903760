package collaboration

import (
	"time"

	"codecollab/internal/models"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"
)

// LockManager holds at most one soft lock per file. Expiry is checked
// lazily: an expired lock is dropped the next time it is looked at and is
// never reported as held.
//
// Not safe for concurrent use; the Coordinator serializes access.
type LockManager struct {
	locks map[string]models.FileLock
	clock clockwork.Clock
}

func NewLockManager(clock clockwork.Clock) *LockManager {
	return &LockManager{
		locks: make(map[string]models.FileLock),
		clock: clock,
	}
}

// Acquire locks file for user until now+ttl. The current owner may call it
// again to extend the lock. Another user's live lock yields a LOCK_CONFLICT
// error carrying that lock.
func (m *LockManager) Acquire(file, user string, ttl time.Duration) (models.FileLock, error) {
	return m.AcquireUntil(file, user, m.clock.Now().Add(ttl))
}

// AcquireUntil is Acquire with an absolute deadline, for committing a lock
// whose expiry was already written to durable storage.
func (m *LockManager) AcquireUntil(file, user string, expiresAt time.Time) (models.FileLock, error) {
	if cur, held := m.IsLocked(file); held && cur.Owner != user {
		return models.FileLock{}, lockConflict(cur)
	}

	lock := models.FileLock{
		FileID:    file,
		Owner:     user,
		ExpiresAt: expiresAt,
	}
	m.locks[file] = lock
	return lock, nil
}

// Release drops user's lock on file. Releasing an absent or expired lock
// succeeds; releasing someone else's lock yields NOT_LOCK_OWNER.
func (m *LockManager) Release(file, user string) error {
	cur, held := m.IsLocked(file)
	if !held {
		return nil
	}
	if cur.Owner != user {
		return notLockOwner(cur)
	}

	delete(m.locks, file)
	return nil
}

// IsLocked returns the live lock on file, evicting it if it has expired.
func (m *LockManager) IsLocked(file string) (models.FileLock, bool) {
	lock, ok := m.locks[file]
	if !ok {
		return models.FileLock{}, false
	}
	if lock.Expired(m.clock.Now()) {
		delete(m.locks, file)
		return models.FileLock{}, false
	}
	return lock, true
}

// Peek returns the stored lock without checking expiry.
func (m *LockManager) Peek(file string) (models.FileLock, bool) {
	lock, ok := m.locks[file]
	return lock, ok
}

// Load installs a lock recovered from durable storage. Expired locks are ignored.
func (m *LockManager) Load(lock models.FileLock) bool {
	if lock.Expired(m.clock.Now()) {
		return false
	}
	m.locks[lock.FileID] = lock
	return true
}

// Held returns every live lock ordered by file id.
func (m *LockManager) Held() []models.FileLock {
	out := make([]models.FileLock, 0, len(m.locks))
	for file := range m.locks {
		if lock, ok := m.IsLocked(file); ok {
			out = append(out, lock)
		}
	}
	slices.SortFunc(out, func(a, b models.FileLock) int {
		switch {
		case a.FileID < b.FileID:
			return -1
		case a.FileID > b.FileID:
			return 1
		}
		return 0
	})
	return out
}
