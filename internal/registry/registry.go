package registry

import (
	"sort"
	"sync"
)

// Entry binds one live connection to the room it acts in.
type Entry struct {
	ConnectionID string
	RoomCode     string
	IsDM         bool
}

// Registry maps connection ids to room membership. A connection belongs to
// at most one room; binding again replaces the previous entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Bind records connID as a member of room and returns the entry it replaced,
// if any.
func (r *Registry) Bind(connID, room string, isDM bool) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.entries[connID]
	r.entries[connID] = Entry{ConnectionID: connID, RoomCode: room, IsDM: isDM}
	return prev, had
}

func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	return e, ok
}

func (r *Registry) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if ok {
		delete(r.entries, connID)
	}
	return e, ok
}

// Members returns the connection ids bound to room in a stable order.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if e.RoomCode == room {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RemoveRoom unbinds every connection in room and returns their ids.
func (r *Registry) RemoveRoom(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, e := range r.entries {
		if e.RoomCode == room {
			ids = append(ids, id)
			delete(r.entries, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
