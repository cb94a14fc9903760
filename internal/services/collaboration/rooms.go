package collaboration

import (
	"strings"

	"codecollab/internal/models"

	"golang.org/x/exp/slices"
)

// RoomKey names a broadcast group: "<kind>:<entity id>", e.g. "file:2Nf...".
type RoomKey string

func NewRoomKey(kind models.ResourceKind, id string) RoomKey {
	return RoomKey(string(kind) + ":" + id)
}

func ProjectRoom(id string) RoomKey { return NewRoomKey(models.ResourceProject, id) }
func FileRoom(id string) RoomKey    { return NewRoomKey(models.ResourceFile, id) }
func ChatRoom(id string) RoomKey    { return NewRoomKey(models.ResourceChat, id) }

// ParseRoomKey validates a client-supplied room id.
func ParseRoomKey(s string) (RoomKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", invalidEvent("room id %q must look like <kind>:<id>", s)
	}
	switch models.ResourceKind(kind) {
	case models.ResourceProject, models.ResourceFile, models.ResourceChat:
		return RoomKey(s), nil
	default:
		return "", invalidEvent("unknown room kind %q", kind)
	}
}

func (k RoomKey) Kind() models.ResourceKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return models.ResourceKind(kind)
}

func (k RoomKey) EntityID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

func (k RoomKey) IsFile() bool { return k.Kind() == models.ResourceFile }

// RoomRegistry tracks which users belong to which room. A user counts once
// per room no matter how many devices joined. Empty rooms are deleted.
//
// Not safe for concurrent use; the Coordinator serializes access.
type RoomRegistry struct {
	rooms  map[RoomKey]map[string]struct{}
	byUser map[string]map[RoomKey]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[RoomKey]map[string]struct{}),
		byUser: make(map[string]map[RoomKey]struct{}),
	}
}

// Join adds user to room. Returns false if the user was already a member.
func (r *RoomRegistry) Join(room RoomKey, user string) bool {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, ok := members[user]; ok {
		return false
	}
	members[user] = struct{}{}

	joined, ok := r.byUser[user]
	if !ok {
		joined = make(map[RoomKey]struct{})
		r.byUser[user] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes user from room. Returns false if the user was not a member.
func (r *RoomRegistry) Leave(room RoomKey, user string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[user]; !ok {
		return false
	}

	delete(members, user)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if joined, ok := r.byUser[user]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byUser, user)
		}
	}
	return true
}

// LeaveAll removes user from every room and returns those rooms, sorted.
func (r *RoomRegistry) LeaveAll(user string) []RoomKey {
	joined := r.RoomsOf(user)
	for _, room := range joined {
		r.Leave(room, user)
	}
	return joined
}

// Members returns the sorted member list; nil for an unknown room.
func (r *RoomRegistry) Members(room RoomKey) []string {
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for user := range members {
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}

func (r *RoomRegistry) IsMember(room RoomKey, user string) bool {
	_, ok := r.rooms[room][user]
	return ok
}

// RoomsOf returns the rooms user belongs to, sorted.
func (r *RoomRegistry) RoomsOf(user string) []RoomKey {
	joined := r.byUser[user]
	out := make([]RoomKey, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of non-empty rooms.
func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}
