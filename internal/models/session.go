package models

import (
	"time"

	"github.com/google/uuid"
)

// Session describes one live transport connection of a user.
// A user may hold several sessions at once (tabs, devices).
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// CursorPosition is a caret location inside a file.
type CursorPosition struct {
	Line      int `json:"line"`
	Character int `json:"char"`
}

// SelectionRange is a highlighted span; an empty range has Start == End.
type SelectionRange struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
}

// EditorPresence is the transient cursor state of one user in one file.
// Learning: ephemeral state, never written to the database.
type EditorPresence struct {
	UserID    string          `json:"userId"`
	Cursor    CursorPosition  `json:"cursor"`
	Selection *SelectionRange `json:"selection,omitempty"`
	LastSeen  time.Time       `json:"lastSeen"`
}

// FileLock is an advisory, time-limited edit claim on a file.
type FileLock struct {
	FileID    string    `json:"fileId"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock is no longer held at now.
func (l FileLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func NewSession(remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
