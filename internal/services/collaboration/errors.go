package collaboration

import (
	"errors"
	"fmt"
	"time"

	"codecollab/internal/models"
)

// Code identifies an error kind on the wire.
type Code string

const (
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeAccessDenied     Code = "ACCESS_DENIED"
	CodeNotInRoom        Code = "NOT_IN_ROOM"
	CodeLockConflict     Code = "LOCK_CONFLICT"
	CodeNotLockOwner     Code = "NOT_LOCK_OWNER"
	CodeResourceNotFound Code = "RESOURCE_NOT_FOUND"
	CodeInvalidEvent     Code = "INVALID_EVENT"
	CodeInternal         Code = "INTERNAL"
)

// Error is a coordinator failure reported to the originating connection.
// Lock is set for LOCK_CONFLICT and NOT_LOCK_OWNER so clients can show
// who holds the file and until when.
type Error struct {
	Code    Code
	Message string
	Lock    *models.FileLock
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrLockConflict)
// works for conflicts carrying lock details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Message: "authentication required"}
	ErrAccessDenied     = &Error{Code: CodeAccessDenied, Message: "access denied"}
	ErrNotInRoom        = &Error{Code: CodeNotInRoom, Message: "join the room first"}
	ErrLockConflict     = &Error{Code: CodeLockConflict, Message: "file is locked by another user"}
	ErrNotLockOwner     = &Error{Code: CodeNotLockOwner, Message: "lock is held by another user"}
	ErrResourceNotFound = &Error{Code: CodeResourceNotFound, Message: "resource not found"}
	ErrInvalidEvent     = &Error{Code: CodeInvalidEvent, Message: "invalid event"}
	ErrInternal         = &Error{Code: CodeInternal, Message: "internal error"}

	// ErrStopped is returned once the coordinator has shut down.
	ErrStopped = errors.New("coordinator stopped")
)

func lockConflict(lock models.FileLock) *Error {
	return &Error{Code: CodeLockConflict, Message: "file is locked by " + lock.Owner, Lock: &lock}
}

func notLockOwner(lock models.FileLock) *Error {
	return &Error{Code: CodeNotLockOwner, Message: "lock is held by " + lock.Owner, Lock: &lock}
}

func invalidEvent(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidEvent, Message: fmt.Sprintf(format, args...)}
}

// collaboratorError classifies a failure returned by the store or access layer.
func collaboratorError(op string, err error) *Error {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr
	}
	if errors.Is(err, models.ErrNotFound) {
		return &Error{Code: CodeResourceNotFound, Message: op + ": resource not found", Err: err}
	}
	return &Error{Code: CodeInternal, Message: op + " failed", Err: err}
}

// errorPayload is the body of the outbound "error" event.
type errorPayload struct {
	Code      Code       `json:"code"`
	Message   string     `json:"message"`
	Event     string     `json:"event,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func newErrorPayload(event string, err error) errorPayload {
	var coordErr *Error
	if !errors.As(err, &coordErr) {
		if errors.Is(err, ErrStopped) {
			coordErr = &Error{Code: CodeInternal, Message: "server is shutting down"}
		} else {
			coordErr = ErrInternal
		}
	}

	p := errorPayload{Code: coordErr.Code, Message: coordErr.Message, Event: event}
	if coordErr.Lock != nil {
		expires := coordErr.Lock.ExpiresAt
		p.Owner = coordErr.Lock.Owner
		p.ExpiresAt = &expires
	}
	return p
}
