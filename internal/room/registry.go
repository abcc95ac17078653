package room

import (
	"sync"
)

// Conn is the registry's view of one live connection.
type Conn interface {
	ID() string
	UserID() int64
	// Deliver queues payload for writing; false when the connection is closed or saturated.
	Deliver(payload []byte) bool
	Focused() bool
}

// Registry maps rooms to the connections that explicitly joined them, and users
// to all of their connections (their private channel). Only the gateway process
// mutates it.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[int64]map[string]Conn
	joined    map[string]map[int64]struct{}
	users     map[int64]map[string]Conn
	delivered func(n int)
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[int64]map[string]Conn),
		joined: make(map[string]map[int64]struct{}),
		users:  make(map[int64]map[string]Conn),
	}
}

// OnDeliver sets a hook called with the number of successful deliveries per fan-out.
func (r *Registry) OnDeliver(fn func(n int)) {
	r.mu.Lock()
	r.delivered = fn
	r.mu.Unlock()
}

// Register adds c to its user's private channel. It reports whether c is the
// user's first live connection.
func (r *Registry) Register(c Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[c.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		r.users[c.UserID()] = conns
	}
	first = len(conns) == 0
	conns[c.ID()] = c
	if _, ok := r.joined[c.ID()]; !ok {
		r.joined[c.ID()] = make(map[int64]struct{})
	}
	return first
}

// Unregister removes c from every room and from its private channel. It reports
// whether c was the user's last connection, and the rooms it had joined.
func (r *Registry) Unregister(c Conn) (last bool, rooms []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.joined[c.ID()] {
		rooms = append(rooms, roomID)
		if members, ok := r.rooms[roomID]; ok {
			delete(members, c.ID())
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	delete(r.joined, c.ID())

	conns, ok := r.users[c.UserID()]
	if !ok {
		return false, rooms
	}
	if _, present := conns[c.ID()]; !present {
		return false, rooms
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(r.users, c.UserID())
		return true, rooms
	}
	return false, rooms
}

// Join is idempotent; it reports whether c was newly added.
func (r *Registry) Join(c Conn, roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.joined[c.ID()]
	if !ok {
		// not registered
		return false
	}
	if _, already := rooms[roomID]; already {
		return false
	}
	rooms[roomID] = struct{}{}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[roomID] = members
	}
	members[c.ID()] = c
	return true
}

// Leave removes only c from the room; other connections of the same user stay joined.
func (r *Registry) Leave(c Conn, roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.joined[c.ID()]
	if !ok {
		return false
	}
	if _, in := rooms[roomID]; !in {
		return false
	}
	delete(rooms, roomID)

	if members, ok := r.rooms[roomID]; ok {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return true
}

// Joined reports whether c is joined to roomID.
func (r *Registry) Joined(c Conn, roomID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[c.ID()][roomID]
	return ok
}

// Rooms returns the rooms c has joined.
func (r *Registry) Rooms(c Conn) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.joined[c.ID()]))
	for id := range r.joined[c.ID()] {
		out = append(out, id)
	}
	return out
}

// Broadcast delivers payload to every connection joined to roomID whose user is
// not excludeUser (0 excludes nobody). Delivery happens outside the lock.
func (r *Registry) Broadcast(roomID int64, payload []byte, excludeUser int64) int {
	r.mu.RLock()
	members := r.rooms[roomID]
	targets := make([]Conn, 0, len(members))
	for _, c := range members {
		if excludeUser != 0 && c.UserID() == excludeUser {
			continue
		}
		targets = append(targets, c)
	}
	hook := r.delivered
	r.mu.RUnlock()

	return deliver(targets, payload, hook)
}

// SendToUser delivers payload to every connection of userID. The return value is
// the number of connections that accepted it.
func (r *Registry) SendToUser(userID int64, payload []byte) int {
	r.mu.RLock()
	conns := r.users[userID]
	targets := make([]Conn, 0, len(conns))
	for _, c := range conns {
		targets = append(targets, c)
	}
	hook := r.delivered
	r.mu.RUnlock()

	return deliver(targets, payload, hook)
}

// BroadcastAll delivers payload to every connection except those of excludeUser.
func (r *Registry) BroadcastAll(payload []byte, excludeUser int64) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.joined))
	for uid, conns := range r.users {
		if uid == excludeUser {
			continue
		}
		for _, c := range conns {
			targets = append(targets, c)
		}
	}
	hook := r.delivered
	r.mu.RUnlock()

	return deliver(targets, payload, hook)
}

func deliver(targets []Conn, payload []byte, hook func(int)) int {
	n := 0
	for _, c := range targets {
		// closed connections report false and are skipped
		if c.Deliver(payload) {
			n++
		}
	}
	if hook != nil && n > 0 {
		hook(n)
	}
	return n
}

// IsAttentive reports whether userID has a connection joined to roomID, and
// when requireFocus is set, that the connection is focused.
func (r *Registry) IsAttentive(userID, roomID int64, requireFocus bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.rooms[roomID] {
		if c.UserID() != userID {
			continue
		}
		if !requireFocus || c.Focused() {
			return true
		}
	}
	return false
}

// UserConnections returns the number of live connections of userID.
func (r *Registry) UserConnections(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Count returns the number of connections joined to roomID.
func (r *Registry) Count(roomID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Connections returns the total number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}

// Snapshot returns all registered connections.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.joined))
	for _, conns := range r.users {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}
