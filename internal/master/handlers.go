package master

import (
	"context"

	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

// Handlers connects the orchestrator and player service to client sessions.
type Handlers struct {
	orch    *Orchestrator
	players *Players
	packets *protocol.Registry
}

// NewHandlers creates the session glue. players may be nil to reject player reports.
func NewHandlers(orch *Orchestrator, players *Players, packets *protocol.Registry) *Handlers {
	return &Handlers{orch: orch, players: players, packets: packets}
}

// Register installs the handlers for packets sent by daemons, proxies and servers.
func (h *Handlers) Register(d *protocol.Dispatcher[*network.Session]) {
	protocol.On(d, h.handleServerState)
	protocol.On(d, h.handleServerAttempt)
	protocol.On(d, h.handleInfoUpdate)
	protocol.On(d, h.handlePlayerState)
}

// ClientConnected runs after a session was admitted, on that session's read
// goroutine.
func (h *Handlers) ClientConnected(s *network.Session) {
	switch s.Type() {
	case models.ClientDaemon:
		h.orch.DaemonConnected(daemonOf(s))
	case models.ClientProxy:
		h.syncProxy(s)
	}
}

// ClientDisconnected runs after a session left the registry.
func (h *Handlers) ClientDisconnected(s *network.Session) {
	if s.Type() == models.ClientDaemon {
		h.orch.DaemonDisconnected(s.ID())
	}
}

// syncProxy sends a new proxy every registered server in one batch.
func (h *Handlers) syncProxy(s *network.Session) {
	packets := h.orch.RegisterPackets()
	if len(packets) == 0 {
		return
	}

	multi, err := h.packets.NewMulti(packets...)
	if err != nil {
		h.orch.log.Error().Err(err).Str("session", s.String()).Msg("Failed to build proxy sync batch")
		return
	}
	if err := s.Send(multi); err != nil {
		h.orch.log.Warn().Err(err).Str("session", s.String()).Msg("Failed to sync proxy")
		return
	}

	h.orch.log.Debug().Str("session", s.String()).Int("servers", len(packets)).Msg("Proxy synced")
}

func (h *Handlers) handleServerState(s *network.Session, _ uint64, p *protocol.ServerState) {
	if s.Type() != models.ClientDaemon {
		return
	}
	h.orch.ServerState(daemonOf(s), p)
}

func (h *Handlers) handleServerAttempt(s *network.Session, _ uint64, p *protocol.ServerAttempt) {
	if s.Type() != models.ClientDaemon {
		return
	}
	h.orch.ServerAttempt(daemonOf(s), p)
}

func (h *Handlers) handleInfoUpdate(_ *network.Session, _ uint64, p *protocol.ServerInfoUpdate) {
	h.orch.InfoUpdate(p)
}

func (h *Handlers) handlePlayerState(s *network.Session, token uint64, p *protocol.PlayerState) {
	reply := &protocol.Respond{Header: "player_state", Status: protocol.StatusOK}

	switch {
	case s.Type() != models.ClientProxy:
		reply.Status = protocol.StatusForbidden
	case h.players == nil:
		reply.Status = protocol.StatusUnavailable
	default:
		if err := h.players.Apply(context.Background(), p); err != nil {
			reply.Status = PlayerStatus(err)
			reply.Message = err.Error()
			h.orch.log.Debug().Err(err).Str("player", p.Player).Str("action", p.State.String()).Msg("Player state rejected")
		}
	}

	if token == 0 {
		return
	}
	if err := s.Respond(token, reply); err != nil {
		h.orch.log.Warn().Err(err).Str("session", s.String()).Msg("Failed to answer player state")
	}
}

func daemonOf(s *network.Session) Daemon {
	return Daemon{ID: s.ID(), Host: s.RemoteHost()}
}
