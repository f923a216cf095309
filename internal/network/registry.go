package network

import (
	"errors"
	"sort"
	"sync"

	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/models"
)

// ErrDuplicateDaemonHost is returned when a second daemon connects from a host
// that already has a daemon session.
var ErrDuplicateDaemonHost = errors.New("daemon already connected from this host")

// Registry is the table of admitted sessions. Mutations are serialized by a
// single lock; reads take the read lock and return copies.
type Registry struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Add admits the session and assigns its id. Ids grow monotonically, so they
// also encode connection order.
func (r *Registry) Add(s *Session) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Type() == models.ClientDaemon {
		for _, existing := range r.sessions {
			if existing.Type() == models.ClientDaemon && existing.RemoteHost() == s.RemoteHost() {
				return 0, ErrDuplicateDaemonHost
			}
		}
	}

	r.nextID++
	id := r.nextID
	s.id.Store(id)
	r.sessions[id] = s
	metrics.SessionOpened(s.Type().String())

	return id, nil
}

// Remove drops the session with the given id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	metrics.SessionClosed(s.Type().String())

	return s, true
}

// Get returns the session with the given id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// ByType returns the sessions of a type in connection order.
func (r *Registry) ByType(t models.ClientType) []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Type() == t {
			list = append(list, s)
		}
	}
	r.mu.RUnlock()

	sortByID(list)
	return list
}

// CountType returns the number of sessions of a type.
func (r *Registry) CountType(t models.ClientType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.Type() == t {
			n++
		}
	}

	return n
}

// ContainsAddress reports whether any session comes from the host.
func (r *Registry) ContainsAddress(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.RemoteHost() == host {
			return true
		}
	}

	return false
}

// ContainsDaemonHost reports whether a daemon session comes from the host.
func (r *Registry) ContainsDaemonHost(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.Type() == models.ClientDaemon && s.RemoteHost() == host {
			return true
		}
	}

	return false
}

// Len returns the number of admitted sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Snapshot returns every session in connection order.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sortByID(list)
	return list
}

func sortByID(list []*Session) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
}
