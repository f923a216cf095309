// Package proxy keeps a proxy's view of the fleet in sync with the master:
// a mirror of registered servers, permission cache invalidation and player
// movement reports.
package proxy

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

// Server is a backend server the proxy may route players to.
type Server struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	Motd          string `json:"motd"`
	ID            int    `json:"id"`
	Port          int    `json:"port"`
	OnlinePlayers int    `json:"online_players"`
	MaxPlayers    int    `json:"max_players"`
}

// Key returns the registry key of the server, e.g. "lobby-1".
func (s Server) Key() string {
	return models.InstanceName(s.Name, s.ID)
}

// Address returns host:port.
func (s Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Mirror is the proxy's copy of the master's server registry.
type Mirror struct {
	servers map[string]Server
	mu      sync.RWMutex
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{servers: make(map[string]Server)}
}

// Register adds or replaces a server and reports whether it was new.
func (m *Mirror) Register(p *protocol.ServerRegister) bool {
	s := Server{
		Type: p.Type,
		Name: p.Name,
		Host: p.Host,
		Motd: p.Motd,
		ID:   p.Num,
		Port: p.Port,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.servers[s.Key()]
	if exists {
		s.OnlinePlayers = old.OnlinePlayers
		s.MaxPlayers = old.MaxPlayers
	}
	m.servers[s.Key()] = s

	return !exists
}

// Unregister removes the server listening on host:port.
func (m *Mirror) Unregister(host string, port int) (Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, s := range m.servers {
		if s.Host == host && s.Port == port {
			delete(m.servers, key)
			return s, true
		}
	}

	return Server{}, false
}

// InfoUpdate applies a status update to the server at p.Address.
func (m *Mirror) InfoUpdate(p *protocol.ServerInfoUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, s := range m.servers {
		if s.Address() != p.Address {
			continue
		}
		s.Motd = p.Motd
		s.OnlinePlayers = p.OnlinePlayers
		s.MaxPlayers = p.MaxPlayers
		m.servers[key] = s
		return true
	}

	return false
}

// Get returns a server by key.
func (m *Mirror) Get(key string) (Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[key]
	return s, ok
}

// Servers returns every server ordered by key.
func (m *Mirror) Servers() []Server {
	m.mu.RLock()
	list := make([]Server, 0, len(m.servers))
	for _, s := range m.servers {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})

	return list
}

// Len returns the number of servers.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.servers)
}

// Clear drops every server, used when the master connection is lost.
func (m *Mirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.servers)
}
