// Package registry tracks which users are connected and through which
// connections. It is the leaf concurrency primitive of the real-time layer:
// every read returns a snapshot so callers can iterate without holding a lock.
package registry

import (
	"sort"
	"sync"
)

// Presence is the read-only view handed to services that only need to know
// whether somebody is online.
type Presence interface {
	IsOnline(userID string) bool
	OnlineCount() int
}

// Registry maps user ids to their live connection ids. A user key is present
// iff its connection set is non-empty.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{users: make(map[string]map[string]struct{})}
}

// Add records connectionID for userID. Adding the same pair twice is a no-op.
func (r *Registry) Add(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	conns[connectionID] = struct{}{}
}

// Remove forgets connectionID for userID and drops the user once no
// connection is left. Removing an unknown pair is a no-op.
func (r *Registry) Remove(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}

// ConnectionsOf returns a sorted copy of userID's connection ids. Unknown
// users yield an empty, non-nil slice.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ConnectionsOfUsers returns the connections of every listed user, each
// user counted once.
func (r *Registry) ConnectionsOfUsers(userIDs ...string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	var out []string

	r.mu.RLock()
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		for id := range r.users[userID] {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineCount counts distinct online users, not connections.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ConnectionCount counts live connections across all users.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.users {
		n += len(conns)
	}
	return n
}

// Users returns a sorted snapshot of the online user ids.
func (r *Registry) Users() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
