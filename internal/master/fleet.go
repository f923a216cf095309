package master

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

// Daemon is a connected daemon as seen by the orchestrator.
type Daemon struct {
	Host string
	ID   uint64
}

// Fleet is the orchestrator's view of connected clients.
type Fleet interface {
	// Daemons returns the connected daemons in connection order.
	Daemons() []Daemon

	// Request sends p to a daemon and waits for its Respond.
	Request(ctx context.Context, daemonID uint64, p protocol.Packet, timeout time.Duration) (*protocol.Respond, error)

	// Broadcast sends p to every client of a type and returns how many sends succeeded.
	Broadcast(t models.ClientType, p protocol.Packet) int
}

// SessionFleet implements Fleet over the session registry.
type SessionFleet struct {
	sessions *network.Registry
}

// NewSessionFleet wraps the registry.
func NewSessionFleet(sessions *network.Registry) *SessionFleet {
	return &SessionFleet{sessions: sessions}
}

// Daemons implements Fleet.
func (f *SessionFleet) Daemons() []Daemon {
	sessions := f.sessions.ByType(models.ClientDaemon)
	daemons := make([]Daemon, 0, len(sessions))
	for _, s := range sessions {
		daemons = append(daemons, Daemon{ID: s.ID(), Host: s.RemoteHost()})
	}

	return daemons
}

// Request implements Fleet.
func (f *SessionFleet) Request(ctx context.Context, daemonID uint64, p protocol.Packet, timeout time.Duration) (*protocol.Respond, error) {
	s, ok := f.sessions.Get(daemonID)
	if !ok {
		return nil, fmt.Errorf("%w: session %d", ErrNoDaemon, daemonID)
	}

	return s.RequestStatus(ctx, p, timeout)
}

// Broadcast implements Fleet. A failed send is logged and does not stop the others.
func (f *SessionFleet) Broadcast(t models.ClientType, p protocol.Packet) int {
	sent := 0
	for _, s := range f.sessions.ByType(t) {
		if err := s.Send(p); err != nil {
			log.Warn().
				Err(err).
				Str("session", s.String()).
				Str("packet", p.ID().String()).
				Msg("Broadcast to client failed")
			continue
		}
		sent++
	}

	return sent
}
