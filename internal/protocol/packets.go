package protocol

import (
	"fmt"

	"github.com/woozymasta/drover/internal/models"
)

// ID is the stable numeric identifier of a packet type.
type ID uint16

// Packet identifiers. Values are part of the wire format and must never change.
const (
	IDHandshake        ID = 1
	IDRespond          ID = 2
	IDMulti            ID = 3
	IDServerAttempt    ID = 4
	IDServerRegister   ID = 5
	IDServerUnregister ID = 6
	IDServerInfoUpdate ID = 7
	IDPatternState     ID = 8
	IDUpdatePermission ID = 9
	IDPlayerState      ID = 10
	IDServerRequest    ID = 11
	IDServerShutdown   ID = 12
	IDServerState      ID = 13
)

var idNames = map[ID]string{
	IDHandshake:        "handshake",
	IDRespond:          "respond",
	IDMulti:            "multi",
	IDServerAttempt:    "server_attempt",
	IDServerRegister:   "server_register",
	IDServerUnregister: "server_unregister",
	IDServerInfoUpdate: "server_info_update",
	IDPatternState:     "pattern_state",
	IDUpdatePermission: "update_permission",
	IDPlayerState:      "player_state",
	IDServerRequest:    "server_request",
	IDServerShutdown:   "server_shutdown",
	IDServerState:      "server_state",
}

// String returns the packet name used in logs and metrics.
func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}

	return fmt.Sprintf("unknown_%d", uint16(id))
}

// Packet is implemented by every packet type. Packets are always handled by pointer.
type Packet interface {
	ID() ID
}

// Status is the result code carried by a Respond packet.
type Status uint8

// Response statuses.
const (
	StatusOK Status = iota
	StatusForbidden
	StatusBadRequest
	StatusNotFound
	StatusConflict
	StatusUnavailable
	StatusTimeout
)

// String returns the upper case name of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusConflict:
		return "CONFLICT"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("STATUS_%d", uint8(s))
	}
}

// Handshake is the first packet a client sends after connecting.
type Handshake struct {
	Identifier string            `cbor:"1,keyasint"`
	Type       models.ClientType `cbor:"2,keyasint"`
	SubPort    int               `cbor:"3,keyasint"`
}

// ID implements Packet.
func (*Handshake) ID() ID { return IDHandshake }

// Respond is the generic reply to a request packet.
type Respond struct {
	Header  string `cbor:"1,keyasint"`
	Version string `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint,omitempty"`
	Status  Status `cbor:"4,keyasint"`
}

// ID implements Packet.
func (*Respond) ID() ID { return IDRespond }

// Err converts a non-OK response into a *StatusError.
func (r *Respond) Err() error {
	if r.Status == StatusOK {
		return nil
	}

	return &StatusError{Header: r.Header, Status: r.Status, Message: r.Message}
}

// StatusError is returned when a peer answers a request with a non-OK status.
type StatusError struct {
	Header  string
	Message string
	Status  Status
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Header, e.Status)
	}

	return fmt.Sprintf("%s: %s: %s", e.Header, e.Status, e.Message)
}

// AttemptType is the kind of lifecycle change a daemon is about to attempt.
type AttemptType uint8

// Attempt types.
const (
	AttemptStart AttemptType = iota
	AttemptShutdown
)

// String returns the upper case name of the attempt.
func (t AttemptType) String() string {
	if t == AttemptShutdown {
		return "SHUTDOWN"
	}

	return "START"
}

// ServerAttempt notifies the master that a daemon is starting or stopping an instance.
type ServerAttempt struct {
	InstanceID string      `cbor:"1,keyasint"`
	Type       AttemptType `cbor:"2,keyasint"`
}

// ID implements Packet.
func (*ServerAttempt) ID() ID { return IDServerAttempt }

// ServerRegister adds a server to a proxy's registry.
type ServerRegister struct {
	Type string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Host string `cbor:"3,keyasint"`
	Motd string `cbor:"4,keyasint,omitempty"`
	Num  int    `cbor:"5,keyasint"`
	Port int    `cbor:"6,keyasint"`
}

// ID implements Packet.
func (*ServerRegister) ID() ID { return IDServerRegister }

// ServerUnregister removes a server from a proxy's registry.
type ServerUnregister struct {
	Host string `cbor:"1,keyasint"`
	Port int    `cbor:"2,keyasint"`
}

// ID implements Packet.
func (*ServerUnregister) ID() ID { return IDServerUnregister }

// ServerInfoUpdate carries the current status of a running server.
type ServerInfoUpdate struct {
	Address       string `cbor:"1,keyasint"`
	Motd          string `cbor:"2,keyasint"`
	OnlinePlayers int    `cbor:"3,keyasint"`
	MaxPlayers    int    `cbor:"4,keyasint"`
}

// ID implements Packet.
func (*ServerInfoUpdate) ID() ID { return IDServerInfoUpdate }

// PatternState tells daemons a pattern was created or deleted.
type PatternState struct {
	Name    string `cbor:"1,keyasint"`
	Created bool   `cbor:"2,keyasint"`
}

// ID implements Packet.
func (*PatternState) ID() ID { return IDPatternState }

// UpdatePermission invalidates cached permissions on proxies.
type UpdatePermission struct {
	Key   string                 `cbor:"1,keyasint"`
	Scope models.PermissionScope `cbor:"2,keyasint"`
}

// ID implements Packet.
func (*UpdatePermission) ID() ID { return IDUpdatePermission }

// PlayerAction is the kind of player state change a proxy reports.
type PlayerAction uint8

// Player actions.
const (
	PlayerJoin PlayerAction = iota
	PlayerServer
	PlayerQuit
)

// String returns the upper case name of the action.
func (a PlayerAction) String() string {
	switch a {
	case PlayerJoin:
		return "JOIN"
	case PlayerServer:
		return "SERVER"
	case PlayerQuit:
		return "QUIT"
	default:
		return fmt.Sprintf("ACTION_%d", uint8(a))
	}
}

// PlayerState reports a player join, quit or relocation. Meta carries the
// target server name for PlayerServer.
type PlayerState struct {
	Player string       `cbor:"1,keyasint"`
	Name   string       `cbor:"2,keyasint,omitempty"`
	Meta   string       `cbor:"3,keyasint,omitempty"`
	Group  string       `cbor:"4,keyasint,omitempty"`
	State  PlayerAction `cbor:"5,keyasint"`
}

// ID implements Packet.
func (*PlayerState) ID() ID { return IDPlayerState }

// ServerRequest asks a daemon to start an instance of a pattern.
type ServerRequest struct {
	InstanceID string `cbor:"1,keyasint"`
	Pattern    string `cbor:"2,keyasint"`
	Host       string `cbor:"3,keyasint"`
	Ram        string `cbor:"4,keyasint,omitempty"`
	Num        int    `cbor:"5,keyasint"`
	Port       int    `cbor:"6,keyasint"`
	AutoSave   bool   `cbor:"7,keyasint"`
}

// ID implements Packet.
func (*ServerRequest) ID() ID { return IDServerRequest }

// ServerShutdown asks a daemon to stop an instance.
type ServerShutdown struct {
	InstanceID string `cbor:"1,keyasint"`
}

// ID implements Packet.
func (*ServerShutdown) ID() ID { return IDServerShutdown }

// ServerState reports a confirmed instance lifecycle change from a daemon.
type ServerState struct {
	InstanceID string               `cbor:"1,keyasint"`
	Pattern    string               `cbor:"2,keyasint"`
	Host       string               `cbor:"3,keyasint"`
	Num        int                  `cbor:"4,keyasint"`
	Port       int                  `cbor:"5,keyasint"`
	State      models.InstanceState `cbor:"6,keyasint"`
}

// ID implements Packet.
func (*ServerState) ID() ID { return IDServerState }
