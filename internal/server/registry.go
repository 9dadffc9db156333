// Package server keeps the registry of connected users, mapping each user ID
// to the connection it registered on.
package server

import (
	"sort"
	"sync"
)

// Registry is the live mapping of registered users to their connections.
// It holds at most one entry per user ID. The lock only guards the map;
// callers send on captured handles after the lock is released.
type Registry struct {
	clients map[string]ClientEntry
	mutex   sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]ClientEntry),
	}
}

// Register stores entry under its user ID. If the user was already
// registered, the previous entry is returned and silently replaced. The old
// connection is neither closed nor fenced: its messages are still routed
// under its own registration, but unicasts to the user ID reach only the
// newest connection, and its cleanup cannot evict the replacement (see
// RemoveConn).
func (r *Registry) Register(entry ClientEntry) (ClientEntry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	prev, existed := r.clients[entry.UserID]
	r.clients[entry.UserID] = entry
	return prev, existed
}

// Remove deletes the user's entry and reports whether one existed.
func (r *Registry) Remove(userID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.clients[userID]; !ok {
		return false
	}
	delete(r.clients, userID)
	return true
}

// RemoveConn deletes the user's entry only if it still refers to conn. A
// stale connection closing after its user reconnected elsewhere therefore
// leaves the newer registration in place.
func (r *Registry) RemoveConn(userID string, conn Conn) (ClientEntry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.clients[userID]
	if !ok || entry.Conn != conn {
		return ClientEntry{}, false
	}
	delete(r.clients, userID)
	return entry, true
}

// Get looks up a user.
func (r *Registry) Get(userID string) (ClientEntry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, ok := r.clients[userID]
	return entry, ok
}

// ListExcept returns a snapshot of every entry other than userID's.
func (r *Registry) ListExcept(userID string) []ClientEntry {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entries := make([]ClientEntry, 0, len(r.clients))
	for id, entry := range r.clients {
		if id == userID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// ListAll returns a snapshot of every entry.
func (r *Registry) ListAll() []ClientEntry {
	return r.ListExcept("")
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.clients)
}

// sortEntries orders entries by user ID for stable output.
func sortEntries(entries []ClientEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
}
