package proxy

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/woozymasta/drover/internal/logger"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

// Requester sends requests to the master; network.Connector implements it.
type Requester interface {
	Request(ctx context.Context, p protocol.Packet) (*protocol.Respond, error)
}

// Proxy applies master updates and reports player activity.
type Proxy struct {
	Mirror      *Mirror
	Permissions *Permissions

	master Requester
	log    zerolog.Logger
}

// New creates a proxy registrar. refresh reloads one player's permissions.
func New(master Requester, refresh Refresher) *Proxy {
	return &Proxy{
		Mirror:      NewMirror(),
		Permissions: NewPermissions(refresh),
		master:      master,
		log:         logger.Component("proxy"),
	}
}

// Register installs handlers for packets pushed by the master. Multi batches
// are unpacked by the dispatcher and arrive here one by one.
func (p *Proxy) Register(d *protocol.Dispatcher[*network.Session]) {
	protocol.On(d, p.handleRegister)
	protocol.On(d, p.handleUnregister)
	protocol.On(d, p.handleInfoUpdate)
	protocol.On(d, p.handleUpdatePermission)
}

// Disconnected forgets every mirrored server; the master resends them on reconnect.
func (p *Proxy) Disconnected(*network.Session) {
	p.Mirror.Clear()
}

// Join reports a connected player and starts tracking its permissions.
func (p *Proxy) Join(ctx context.Context, uuid, name, group string) (protocol.Status, error) {
	p.Permissions.Track(uuid, name, group)

	return p.report(ctx, &protocol.PlayerState{Player: uuid, Name: name, Group: group, State: protocol.PlayerJoin})
}

// ReportServer tells the master a player moved to a server and returns the
// master's answer.
func (p *Proxy) ReportServer(ctx context.Context, uuid, server string) (protocol.Status, error) {
	return p.report(ctx, &protocol.PlayerState{Player: uuid, Meta: server, State: protocol.PlayerServer})
}

// Quit reports a disconnected player.
func (p *Proxy) Quit(ctx context.Context, uuid string) (protocol.Status, error) {
	p.Permissions.Forget(uuid)

	return p.report(ctx, &protocol.PlayerState{Player: uuid, State: protocol.PlayerQuit})
}

// report returns the reply status. A missing reply maps to TIMEOUT or
// UNAVAILABLE together with the transport error.
func (p *Proxy) report(ctx context.Context, st *protocol.PlayerState) (protocol.Status, error) {
	reply, err := p.master.Request(ctx, st)
	if reply != nil {
		return reply.Status, nil
	}

	if errors.Is(err, network.ErrRequestTimeout) {
		return protocol.StatusTimeout, err
	}

	return protocol.StatusUnavailable, err
}

func (p *Proxy) handleRegister(_ *network.Session, _ uint64, r *protocol.ServerRegister) {
	if p.Mirror.Register(r) {
		p.log.Info().
			Str("server", Server{Name: r.Name, ID: r.Num}.Key()).
			Str("addr", Server{Host: r.Host, Port: r.Port}.Address()).
			Msg("Server registered")
	}
}

func (p *Proxy) handleUnregister(_ *network.Session, _ uint64, r *protocol.ServerUnregister) {
	if s, ok := p.Mirror.Unregister(r.Host, r.Port); ok {
		p.log.Info().Str("server", s.Key()).Str("addr", s.Address()).Msg("Server unregistered")
	}
}

func (p *Proxy) handleInfoUpdate(_ *network.Session, _ uint64, r *protocol.ServerInfoUpdate) {
	if !p.Mirror.InfoUpdate(r) {
		p.log.Debug().Str("addr", r.Address).Msg("Info update for unknown server")
	}
}

func (p *Proxy) handleUpdatePermission(_ *network.Session, _ uint64, r *protocol.UpdatePermission) {
	refreshed := p.Permissions.Invalidate(r.Scope, r.Key)
	p.log.Debug().
		Str("scope", r.Scope.String()).
		Str("key", r.Key).
		Int("players", refreshed).
		Msg("Permissions invalidated")
}
