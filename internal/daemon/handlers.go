package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
)

// ErrNotReady is returned when a started server exits before its ready line.
var ErrNotReady = errors.New("server exited before becoming ready")

// Launch prepares the workspace for req, starts the server and waits until it
// is ready. Cancelling ctx abandons the wait, not the server.
func (m *Manager) Launch(ctx context.Context, req *protocol.ServerRequest) (*Server, error) {
	s := m.NewServer(req)

	if _, err := m.Prepare(s.Pattern, s.Name()); err != nil {
		return nil, err
	}

	result, err := m.Start(s)
	if err != nil {
		return nil, err
	}

	select {
	case ready := <-result:
		if ready == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotReady, s.Name())
		}
		return ready, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Announce reports every online server to the master, used after reconnecting.
func (m *Manager) Announce() {
	for _, s := range m.Servers() {
		if s.State() == models.StateOnline {
			m.notifyState(s, models.StateOnline)
		}
	}
}

// Register installs the handlers for master requests.
func (m *Manager) Register(d *protocol.Dispatcher[*network.Session]) {
	protocol.On(d, m.handleServerRequest)
	protocol.On(d, m.handleServerShutdown)
	protocol.On(d, m.handlePatternState)
}

// handleServerRequest launches off the read loop and replies once the server
// is ready or failed.
func (m *Manager) handleServerRequest(s *network.Session, token uint64, req *protocol.ServerRequest) {
	go func() {
		reply := &protocol.Respond{Header: "server_request", Status: protocol.StatusOK}

		srv, err := m.Launch(context.Background(), req)
		if err != nil {
			reply.Status = protocol.StatusUnavailable
			if errors.Is(err, ErrAlreadyRunning) {
				reply.Status = protocol.StatusConflict
			}
			reply.Message = err.Error()
			m.log.Warn().Err(err).Str("pattern", req.Pattern).Int("id", req.Num).Msg("Server request failed")
		} else {
			m.log.Debug().Str("instance", srv.Name()).Msg("Server request fulfilled")
		}

		if token == 0 {
			return
		}
		if err := s.Respond(token, reply); err != nil {
			m.log.Warn().Err(err).Str("pattern", req.Pattern).Msg("Failed to answer server request")
		}
	}()
}

func (m *Manager) handleServerShutdown(s *network.Session, token uint64, req *protocol.ServerShutdown) {
	reply := &protocol.Respond{Header: "server_shutdown", Status: protocol.StatusOK}

	srv, found := m.ByInstance(req.InstanceID)
	switch {
	case !found:
		reply.Status = protocol.StatusNotFound
		reply.Message = "unknown instance"
	case !m.Stop(srv):
		reply.Status = protocol.StatusNotFound
		reply.Message = "server not online"
	}

	if token == 0 {
		return
	}
	if err := s.Respond(token, reply); err != nil {
		m.log.Warn().Err(err).Str("instance_id", req.InstanceID).Msg("Failed to answer shutdown request")
	}
}

// handlePatternState changes template folders off the read loop, in arrival order.
func (m *Manager) handlePatternState(_ *network.Session, _ uint64, p *protocol.PatternState) {
	select {
	case m.patternOps <- p:
	default:
		m.log.Warn().Str("pattern", p.Name).Msg("Pattern queue full, dropping update")
	}
}

// Run applies queued pattern changes until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.patternOps:
			if err := m.ApplyPatternState(p.Name, p.Created); err != nil {
				m.log.Warn().Err(err).Str("pattern", p.Name).Bool("created", p.Created).Msg("Failed to apply pattern state")
				continue
			}
			m.log.Info().Str("pattern", p.Name).Bool("created", p.Created).Msg("Pattern templates updated")
		}
	}
}
