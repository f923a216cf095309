package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/events"
	"github.com/woozymasta/drover/internal/protocol"
)

// Gatekeeper decides whether a connection that sent a handshake is admitted.
// It is responsible for replying to the handshake and for inserting admitted
// sessions into the registry. Returning false closes the connection.
type Gatekeeper interface {
	Admit(s *Session, token uint64, hs *protocol.Handshake) bool
}

// ListenerOptions configure connection attempt limiting.
type ListenerOptions struct {
	// AttemptLimit is the number of connection attempts allowed per IP within AttemptWindow.
	AttemptLimit int

	// AttemptWindow is the window for AttemptLimit.
	AttemptWindow time.Duration
}

// Listener accepts connections on the master, runs the handshake and
// dispatches packets of admitted sessions.
type Listener struct {
	// Disconnected is published after an admitted session was removed from the registry.
	Disconnected events.Topic[*Session]

	sessions   *Registry
	dispatcher *protocol.Dispatcher[*Session]
	gate       Gatekeeper
	attempts   *IPLimiter
	conns      map[*Session]struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// NewListener creates a listener that admits sessions into sessions.
func NewListener(sessions *Registry, dispatcher *protocol.Dispatcher[*Session], gate Gatekeeper, opts ListenerOptions) *Listener {
	return &Listener{
		sessions:   sessions,
		dispatcher: dispatcher,
		gate:       gate,
		attempts:   NewIPLimiter(opts.AttemptLimit, opts.AttemptWindow),
		conns:      make(map[*Session]struct{}),
	}
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their goroutines.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go l.attempts.Collect(ctx.Done())

	defer l.closeAll()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("Accept failed")
			continue
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !l.attempts.Allow(host) {
			log.Debug().Str("addr", host).Msg("Connection attempt rate limited")
			_ = conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()

	s := NewSession(conn, l.dispatcher.Registry())
	l.track(s, true)
	defer l.track(s, false)

	log.Trace().Str("addr", s.RemoteHost()).Msg("Connection opened")

	_ = s.Serve(func(s *Session, f protocol.Frame) {
		if s.Admitted() {
			_ = l.dispatcher.Dispatch(s, f)
			return
		}

		if f.ID != protocol.IDHandshake {
			log.Debug().
				Str("addr", s.RemoteHost()).
				Str("packet", f.ID.String()).
				Msg("Dropping packet before handshake")
			return
		}

		p, err := l.dispatcher.Registry().Decode(f.ID, f.Body)
		if err != nil {
			log.Debug().Err(err).Str("addr", s.RemoteHost()).Msg("Malformed handshake")
			_ = s.Close()
			return
		}

		if !l.gate.Admit(s, f.Token, p.(*protocol.Handshake)) {
			_ = s.Close()
		}
	})

	if s.Admitted() {
		if _, removed := l.sessions.Remove(s.ID()); removed {
			log.Info().Str("session", s.String()).Msg("Client disconnected")
			l.Disconnected.Publish(s)
		}
	}
}

func (l *Listener) track(s *Session, open bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if open {
		l.conns[s] = struct{}{}
	} else {
		delete(l.conns, s)
	}
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	open := make([]*Session, 0, len(l.conns))
	for s := range l.conns {
		open = append(open, s)
	}
	l.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
	l.wg.Wait()
}
