// Package models defines the fleet data structures shared by the master, daemons and proxies.
package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ClientType identifies the role of a connected node.
type ClientType uint8

// Known client types.
const (
	ClientOther ClientType = iota
	ClientDaemon
	ClientProxy
)

// String returns the upper case name of the client type.
func (t ClientType) String() string {
	switch t {
	case ClientDaemon:
		return "DAEMON"
	case ClientProxy:
		return "PROXY"
	default:
		return "OTHER"
	}
}

// InstanceState is the lifecycle state of a server instance.
type InstanceState uint8

// Instance lifecycle states.
const (
	StateStarting InstanceState = iota
	StateOnline
	StateStopping
	StateOffline
)

// String returns the upper case name of the state.
func (s InstanceState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateOnline:
		return "ONLINE"
	case StateStopping:
		return "STOPPING"
	default:
		return "OFFLINE"
	}
}

// MarshalText implements encoding.TextMarshaler for JSON output.
func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *InstanceState) UnmarshalText(text []byte) error {
	for _, candidate := range []InstanceState{StateStarting, StateOnline, StateStopping, StateOffline} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}

	return fmt.Errorf("unknown instance state %q", text)
}

// Running reports whether the state counts against pattern min/max.
func (s InstanceState) Running() bool {
	return s == StateStarting || s == StateOnline
}

// Pattern defaults.
const (
	DefaultPatternType = "game"
	DefaultPatternMax  = 32
)

// ServerPattern is a named scaling policy for a class of server instances.
type ServerPattern struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Ram      string `json:"ram,omitempty" yaml:"ram"`
	Priority int    `json:"priority" yaml:"priority"`
	Min      int    `json:"min" yaml:"min"`
	Max      int    `json:"max" yaml:"max"`
}

// Normalize fills unset fields with defaults.
func (p *ServerPattern) Normalize() {
	if p.Type == "" {
		p.Type = DefaultPatternType
	}
	if p.Max == 0 {
		p.Max = DefaultPatternMax
	}
	if p.Min < 0 {
		p.Min = 0
	}
}

// ServerInfo is the last reported status of a running server.
type ServerInfo struct {
	Motd          string `json:"motd"`
	OnlinePlayers int    `json:"online_players"`
	MaxPlayers    int    `json:"max_players"`
}

// ServerInstance is one server process tracked by the master.
type ServerInstance struct {
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	InstanceID string        `json:"instance_id"`
	Pattern    string        `json:"pattern"`
	Type       string        `json:"type"`
	Host       string        `json:"host"`
	Info       ServerInfo    `json:"info"`
	DaemonID   uint64        `json:"daemon_id"`
	ID         int           `json:"id"`
	Port       int           `json:"port"`
	State      InstanceState `json:"state"`
}

// Address returns the host:port of the instance.
func (i ServerInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Name returns the proxy-facing name of the instance, e.g. "lobby-1".
func (i ServerInstance) Name() string {
	return InstanceName(i.Pattern, i.ID)
}

// InstanceName joins a pattern name and numeric id.
func InstanceName(pattern string, id int) string {
	return pattern + "-" + strconv.Itoa(id)
}

// Player is a connected player known to the master.
type Player struct {
	LastSeen      time.Time `json:"last_seen"`
	UUID          string    `json:"uuid"`
	Name          string    `json:"name"`
	Group         string    `json:"group"`
	CurrentServer string    `json:"current_server"`
}

// PermissionScope selects what an UpdatePermission invalidates.
type PermissionScope uint8

// Permission scopes.
const (
	ScopePlayer PermissionScope = iota
	ScopeGroup
)

// String returns the upper case name of the scope.
func (s PermissionScope) String() string {
	if s == ScopeGroup {
		return "GROUP"
	}

	return "PLAYER"
}
