package collaboration

import (
	"encoding/json"
	"strings"
	"time"

	"codecollab/internal/models"

	"github.com/tidwall/gjson"
)

// Inbound event names.
const (
	EventAuth           = "auth"
	EventRoomJoin       = "room:join"
	EventRoomLeave      = "room:leave"
	EventFileJoin       = "file:join"
	EventFileLeave      = "file:leave"
	EventFileCursor     = "file:cursor"
	EventFileSelection  = "file:selection"
	EventFileEdit       = "file:edit"
	EventFileLock       = "file:lock"
	EventFileUnlock     = "file:unlock"
	EventChatTyping     = "chat:typing"
	EventChatStopTyping = "chat:stopTyping"
	EventChatMessage    = "chat:message"
)

// Outbound event names.
const (
	OutSessionReady    = "session:ready"
	OutRoomState       = "room:state"
	OutUserJoined      = "user:joined"
	OutUserLeft        = "user:left"
	OutFileUserJoined  = "file:user-joined"
	OutFileUserLeft    = "file:user-left"
	OutFileCursor      = "file:cursor"
	OutFileSelection   = "file:selection"
	OutFileEdit        = "file:edit"
	OutFileLocked      = "file:locked"
	OutFileUnlocked    = "file:unlocked"
	OutChatTyping      = "chat:typing"
	OutChatStopTyping  = "chat:stop-typing"
	OutChatMessage     = "chat:message"
	OutForceDisconnect = "system:force_disconnect"
	OutAnnouncement    = "system:announcement"
	OutError           = "error"
)

// Event is an inbound client event. The set of implementations is closed;
// Coordinator.Handle switches over all of them.
type Event interface {
	Name() string
	validate() error
}

type Authenticate struct {
	Token string `json:"token"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type JoinFile struct {
	FileID string `json:"fileId"`
}

type LeaveFile struct {
	FileID string `json:"fileId"`
}

type MoveCursor struct {
	FileID string                `json:"fileId"`
	Cursor models.CursorPosition `json:"cursor"`
}

type ChangeSelection struct {
	FileID    string                `json:"fileId"`
	Selection models.SelectionRange `json:"selection"`
}

// EditFile carries an edit that is relayed verbatim; Changes is never parsed.
type EditFile struct {
	FileID  string          `json:"fileId"`
	Changes json.RawMessage `json:"changes"`
	Version int64           `json:"version"`
}

type LockFile struct {
	FileID     string `json:"fileId"`
	TTLMinutes int    `json:"ttlMinutes"`
}

type UnlockFile struct {
	FileID string `json:"fileId"`
}

type StartTyping struct {
	RoomID string `json:"roomId"`
}

type StopTyping struct {
	RoomID string `json:"roomId"`
}

type SendChat struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

func (*Authenticate) Name() string    { return EventAuth }
func (*JoinRoom) Name() string        { return EventRoomJoin }
func (*LeaveRoom) Name() string       { return EventRoomLeave }
func (*JoinFile) Name() string        { return EventFileJoin }
func (*LeaveFile) Name() string       { return EventFileLeave }
func (*MoveCursor) Name() string      { return EventFileCursor }
func (*ChangeSelection) Name() string { return EventFileSelection }
func (*EditFile) Name() string        { return EventFileEdit }
func (*LockFile) Name() string        { return EventFileLock }
func (*UnlockFile) Name() string      { return EventFileUnlock }
func (*StartTyping) Name() string     { return EventChatTyping }
func (*StopTyping) Name() string      { return EventChatStopTyping }
func (*SendChat) Name() string        { return EventChatMessage }

func (e *Authenticate) validate() error { return required("token", e.Token) }
func (e *JoinRoom) validate() error     { return roomID(e.RoomID) }
func (e *LeaveRoom) validate() error    { return roomID(e.RoomID) }
func (e *JoinFile) validate() error     { return required("fileId", e.FileID) }
func (e *LeaveFile) validate() error    { return required("fileId", e.FileID) }
func (e *UnlockFile) validate() error   { return required("fileId", e.FileID) }
func (e *StartTyping) validate() error  { return roomID(e.RoomID) }
func (e *StopTyping) validate() error   { return roomID(e.RoomID) }

func (e *MoveCursor) validate() error {
	if err := required("fileId", e.FileID); err != nil {
		return err
	}
	return position("cursor", e.Cursor)
}

func (e *ChangeSelection) validate() error {
	if err := required("fileId", e.FileID); err != nil {
		return err
	}
	if err := position("selection.start", e.Selection.Start); err != nil {
		return err
	}
	return position("selection.end", e.Selection.End)
}

func (e *EditFile) validate() error {
	if err := required("fileId", e.FileID); err != nil {
		return err
	}
	if len(e.Changes) == 0 {
		return invalidEvent("changes is required")
	}
	return nil
}

func (e *LockFile) validate() error {
	if err := required("fileId", e.FileID); err != nil {
		return err
	}
	if e.TTLMinutes < 0 {
		return invalidEvent("ttlMinutes must not be negative")
	}
	return nil
}

func (e *SendChat) validate() error {
	if err := roomID(e.RoomID); err != nil {
		return err
	}
	if strings.TrimSpace(e.Content) == "" {
		return invalidEvent("content is required")
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return invalidEvent("%s is required", field)
	}
	return nil
}

func roomID(id string) error {
	_, err := ParseRoomKey(id)
	return err
}

func position(field string, p models.CursorPosition) error {
	if p.Line < 0 || p.Character < 0 {
		return invalidEvent("%s must not be negative", field)
	}
	return nil
}

// DecodeEvent parses a {"type": ..., "payload": {...}} frame into its
// concrete Event type and validates the payload shape.
func DecodeEvent(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, invalidEvent("frame is not valid JSON")
	}

	typ := gjson.GetBytes(frame, "type")
	if typ.Type != gjson.String {
		return nil, invalidEvent("missing event type")
	}

	var ev Event
	switch typ.Str {
	case EventAuth:
		ev = &Authenticate{}
	case EventRoomJoin:
		ev = &JoinRoom{}
	case EventRoomLeave:
		ev = &LeaveRoom{}
	case EventFileJoin:
		ev = &JoinFile{}
	case EventFileLeave:
		ev = &LeaveFile{}
	case EventFileCursor:
		ev = &MoveCursor{}
	case EventFileSelection:
		ev = &ChangeSelection{}
	case EventFileEdit:
		ev = &EditFile{}
	case EventFileLock:
		ev = &LockFile{}
	case EventFileUnlock:
		ev = &UnlockFile{}
	case EventChatTyping:
		ev = &StartTyping{}
	case EventChatStopTyping:
		ev = &StopTyping{}
	case EventChatMessage:
		ev = &SendChat{}
	default:
		return nil, invalidEvent("unknown event %q", typ.Str)
	}

	payload := gjson.GetBytes(frame, "payload")
	if !payload.IsObject() {
		return nil, invalidEvent("%s: payload must be an object", typ.Str)
	}
	if err := json.Unmarshal([]byte(payload.Raw), ev); err != nil {
		return nil, invalidEvent("%s: %v", typ.Str, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Outbound payloads.

type sessionReadyPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type roomStatePayload struct {
	RoomID  RoomKey                 `json:"roomId"`
	Members []string                `json:"members"`
	Editors []models.EditorPresence `json:"editors,omitempty"`
	Lock    *models.FileLock        `json:"lock,omitempty"`
	Typing  []string                `json:"typing,omitempty"`
}

type memberPayload struct {
	RoomID RoomKey `json:"roomId"`
	UserID string  `json:"userId"`
}

type fileUserPayload struct {
	FileID    string                 `json:"fileId"`
	UserID    string                 `json:"userId"`
	Cursor    *models.CursorPosition `json:"cursor,omitempty"`
	Selection *models.SelectionRange `json:"selection,omitempty"`
}

type fileEditPayload struct {
	FileID  string          `json:"fileId"`
	UserID  string          `json:"userId"`
	Changes json.RawMessage `json:"changes"`
	Version int64           `json:"version"`
}

type fileLockedPayload struct {
	FileID    string    `json:"fileId"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type fileUnlockedPayload struct {
	FileID string `json:"fileId"`
}

type chatMessagePayload struct {
	RoomID  RoomKey             `json:"roomId"`
	Message *models.ChatMessage `json:"message"`
}

type systemPayload struct {
	Message string `json:"message"`
}
