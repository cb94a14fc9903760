package collaboration

import (
	"time"

	"codecollab/internal/models"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"
)

// PresenceTracker keeps per-file cursor and selection state. Entries that
// have not been touched for staleAfter are evicted whenever a file is read
// and by Sweep, so ungraceful disconnects cannot leak memory.
//
// Not safe for concurrent use; the Coordinator serializes access.
type PresenceTracker struct {
	files      map[string]map[string]*models.EditorPresence
	staleAfter time.Duration
	clock      clockwork.Clock
}

func NewPresenceTracker(clock clockwork.Clock, staleAfter time.Duration) *PresenceTracker {
	return &PresenceTracker{
		files:      make(map[string]map[string]*models.EditorPresence),
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// Upsert records activity for user in file. A nil cursor or selection keeps
// the previous value. joined is true when the user had no live entry, which
// callers announce as "joined editing" rather than "moved".
func (p *PresenceTracker) Upsert(file, user string, cursor *models.CursorPosition, selection *models.SelectionRange) (entry models.EditorPresence, joined bool) {
	now := p.clock.Now()

	editors, ok := p.files[file]
	if !ok {
		editors = make(map[string]*models.EditorPresence)
		p.files[file] = editors
	}

	e, ok := editors[user]
	if !ok || p.stale(e, now) {
		e = &models.EditorPresence{UserID: user}
		editors[user] = e
		joined = true
	}

	if cursor != nil {
		e.Cursor = *cursor
	}
	if selection != nil {
		sel := *selection
		e.Selection = &sel
	}
	e.LastSeen = now

	return *e, joined
}

// Remove deletes the user's entry; the file map goes away once empty.
func (p *PresenceTracker) Remove(file, user string) bool {
	editors, ok := p.files[file]
	if !ok {
		return false
	}
	if _, ok := editors[user]; !ok {
		return false
	}

	delete(editors, user)
	if len(editors) == 0 {
		delete(p.files, file)
	}
	return true
}

// ListActive returns live editors of file sorted by user, purging stale ones.
func (p *PresenceTracker) ListActive(file string) []models.EditorPresence {
	p.evict(file, p.clock.Now())

	editors := p.files[file]
	out := make([]models.EditorPresence, 0, len(editors))
	for _, e := range editors {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b models.EditorPresence) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// Sweep evicts stale entries in every file and returns the evicted users
// per file.
func (p *PresenceTracker) Sweep() map[string][]string {
	now := p.clock.Now()
	evicted := make(map[string][]string)

	for file := range p.files {
		if users := p.evict(file, now); len(users) > 0 {
			evicted[file] = users
		}
	}
	return evicted
}

// FilesOf returns the files where user has an entry, stale or not.
func (p *PresenceTracker) FilesOf(user string) []string {
	var out []string
	for file, editors := range p.files {
		if _, ok := editors[user]; ok {
			out = append(out, file)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of files with at least one entry.
func (p *PresenceTracker) Len() int {
	return len(p.files)
}

func (p *PresenceTracker) evict(file string, now time.Time) []string {
	editors, ok := p.files[file]
	if !ok {
		return nil
	}

	var users []string
	for user, e := range editors {
		if p.stale(e, now) {
			delete(editors, user)
			users = append(users, user)
		}
	}
	if len(editors) == 0 {
		delete(p.files, file)
	}
	slices.Sort(users)
	return users
}

func (p *PresenceTracker) stale(e *models.EditorPresence, now time.Time) bool {
	return now.Sub(e.LastSeen) > p.staleAfter
}
