package realtime

import "sync"

// Registry tracks which logical rooms each transport connection belongs
// to, independent of transport details. A connection may be broadcaster of
// one room and listener of others at the same time.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // roomID -> set of connIDs
	conns map[string]map[string]struct{} // connID -> set of roomIDs
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a room. Idempotent.
func (r *Registry) Join(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][connID] = struct{}{}
	if r.conns[connID] == nil {
		r.conns[connID] = make(map[string]struct{})
	}
	r.conns[connID][roomID] = struct{}{}
}

// Leave removes a connection from a room. No-op if absent.
func (r *Registry) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, roomID)
}

func (r *Registry) leaveLocked(connID, roomID string) {
	if m, ok := r.rooms[roomID]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if m, ok := r.conns[connID]; ok {
		delete(m, roomID)
		if len(m) == 0 {
			delete(r.conns, connID)
		}
	}
}

// MembersOf returns the connections currently in a room.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether a connection is in a room.
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// DropRoom removes every member of a room and returns them. Used when the
// room's session ends, so a later stream under the same name starts with
// an empty room.
func (r *Registry) DropRoom(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		members = append(members, connID)
	}
	for _, connID := range members {
		r.leaveLocked(connID, roomID)
	}
	return members
}

// Drop removes a connection from every room it belonged to and returns
// those rooms, so each upstream reaction happens exactly once per room.
func (r *Registry) Drop(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.conns[connID]))
	for roomID := range r.conns[connID] {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		r.leaveLocked(connID, roomID)
	}
	return rooms
}
