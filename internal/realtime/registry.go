package realtime

import (
	"log/slog"
	"sync"

	v1 "courtside/internal/wire/v1"
)

// Registry tracks which users hold live connections and which connections
// are in which conversation room. It is the single shared mutable structure
// across all connections in a process, so every mutation and every fan-out
// read happens under one lock: a broadcast never misses a connection that
// has just joined nor includes one that has just left.
//
// Room membership is per-connection, not per-user: a user's other devices
// are unaffected by one device joining or leaving a room.
type Registry struct {
	log *slog.Logger

	mu          sync.RWMutex
	byUser      map[string]map[*Client]struct{}
	rooms       map[string]map[*Client]struct{}
	roomsByConn map[*Client]map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:         log,
		byUser:      make(map[string]map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
		roomsByConn: make(map[*Client]map[string]struct{}),
	}
}

// Register records a live connection for a user and reports whether it is
// the user's first (the caller then announces presence:online).
func (r *Registry) Register(c *Client) (first bool) {
	if r == nil || c == nil || c.UserID == "" {
		return false
	}

	r.mu.Lock()
	set := r.byUser[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byUser[c.UserID] = set
	}
	first = len(set) == 0
	set[c] = struct{}{}
	r.mu.Unlock()

	r.log.Info("presence.register", "user_id", c.UserID, "session_id", c.SessionID, "first", first)
	return first
}

// Unregister removes the connection and all of its room memberships, and
// reports whether it was the user's last connection (presence:offline).
func (r *Registry) Unregister(c *Client) (last bool) {
	if r == nil || c == nil {
		return false
	}

	r.mu.Lock()
	if set, ok := r.byUser[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
			last = true
		}
	}
	for roomID := range r.roomsByConn[c] {
		r.dropFromRoomLocked(c, roomID)
	}
	delete(r.roomsByConn, c)
	r.mu.Unlock()

	r.log.Info("presence.unregister", "user_id", c.UserID, "session_id", c.SessionID, "last", last)
	return last
}

// JoinRoom adds the connection to a room.
func (r *Registry) JoinRoom(c *Client, roomID string) {
	if r == nil || c == nil || roomID == "" {
		return
	}

	r.mu.Lock()
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[*Client]struct{})
		r.rooms[roomID] = members
	}
	members[c] = struct{}{}

	joined := r.roomsByConn[c]
	if joined == nil {
		joined = make(map[string]struct{})
		r.roomsByConn[c] = joined
	}
	joined[roomID] = struct{}{}
	r.mu.Unlock()

	r.log.Info("room.join", "room_id", roomID, "session_id", c.SessionID, "user_id", c.UserID)
}

// LeaveRoom removes the connection from a room.
func (r *Registry) LeaveRoom(c *Client, roomID string) {
	if r == nil || c == nil || roomID == "" {
		return
	}

	r.mu.Lock()
	r.dropFromRoomLocked(c, roomID)
	if joined, ok := r.roomsByConn[c]; ok {
		delete(joined, roomID)
	}
	r.mu.Unlock()

	r.log.Info("room.leave", "room_id", roomID, "session_id", c.SessionID, "user_id", c.UserID)
}

// InRoom reports whether the connection is currently joined to roomID.
func (r *Registry) InRoom(c *Client, roomID string) bool {
	if r == nil || c == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.roomsByConn[c][roomID]
	return ok
}

// ConnectionsInRoom returns the current fan-out targets for a room.
func (r *Registry) ConnectionsInRoom(roomID string) []*Client {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

// ConnectionsForUser returns every live connection a user holds.
func (r *Registry) ConnectionsForUser(userID string) []*Client {
	if r == nil || userID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.byUser[userID]))
	for c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user holds at least one live connection.
func (r *Registry) Online(userID string) bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userID]) > 0
}

// BroadcastRoom fans an envelope out to all room members.
// Non-blocking: members with full queues are skipped and counted.
func (r *Registry) BroadcastRoom(roomID string, env v1.Envelope, except *Client) (dropped int) {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[roomID] {
		if c == except {
			continue
		}
		if !c.TrySend(env) {
			dropped++
		}
	}
	return dropped
}

// BroadcastAll fans an envelope out to every registered connection.
// Used for presence events.
func (r *Registry) BroadcastAll(env v1.Envelope) (dropped int) {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.byUser {
		for c := range set {
			if !c.TrySend(env) {
				dropped++
			}
		}
	}
	return dropped
}

// NotifyUserOutOfRoom sends an envelope to the user's connections that are
// NOT joined to roomID (badge notifications for closed conversations).
func (r *Registry) NotifyUserOutOfRoom(userID, roomID string, env v1.Envelope) (dropped int) {
	if r == nil || userID == "" {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.byUser[userID] {
		if _, joined := r.roomsByConn[c][roomID]; joined {
			continue
		}
		if !c.TrySend(env) {
			dropped++
		}
	}
	return dropped
}

func (r *Registry) dropFromRoomLocked(c *Client, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}
