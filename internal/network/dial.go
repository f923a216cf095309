package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

var (
	// ErrAuthRejected is returned by Dial when the master refused the handshake.
	// The *protocol.StatusError with the status is wrapped.
	ErrAuthRejected = errors.New("handshake rejected")

	// ErrNotConnected is returned by Connector.Send while no session is up.
	ErrNotConnected = errors.New("not connected to master")
)

// Dial connects to the master, sends the handshake and waits for the reply.
// Frames received from the master are dispatched by dispatcher on the
// session read goroutine.
func Dial(ctx context.Context, addr string, hs *protocol.Handshake, dispatcher *protocol.Dispatcher[*Session], timeout time.Duration) (*Session, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	s := NewSession(conn, dispatcher.Registry())
	s.Identify("master", models.ClientOther, 0)

	go func() {
		_ = s.Serve(func(s *Session, f protocol.Frame) {
			_ = dispatcher.Dispatch(s, f)
		})
	}()

	reply, err := s.RequestStatus(ctx, hs, timeout)
	if err != nil {
		_ = s.Close()

		var statusErr *protocol.StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%w: %w", ErrAuthRejected, statusErr)
		}

		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}

	// the client side has a single peer, the master
	s.id.Store(1)

	log.Info().
		Str("addr", addr).
		Str("version", reply.Version).
		Msg("Connected to master")

	return s, nil
}

// Connector keeps a daemon or proxy connected to the master, redialing after
// every disconnect until its context is cancelled.
type Connector struct {
	// Dispatcher handles packets sent by the master.
	Dispatcher *protocol.Dispatcher[*Session]

	// Handshake is sent on every connect.
	Handshake *protocol.Handshake

	// OnConnect runs after the handshake was accepted.
	OnConnect func(s *Session)

	// OnDisconnect runs after the session was lost.
	OnDisconnect func(s *Session)

	session *Session

	// Address of the master.
	Address string

	// Retry is the delay between connection attempts.
	Retry time.Duration

	// Timeout bounds dialing and the handshake reply.
	Timeout time.Duration

	mu sync.RWMutex
}

// Run connects and reconnects until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) {
	for {
		s, err := Dial(ctx, c.Address, c.Handshake, c.Dispatcher, c.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			event := log.Warn()
			if errors.Is(err, ErrAuthRejected) {
				event = log.Error()
			}
			event.Err(err).Str("addr", c.Address).Dur("retry", c.Retry).Msg("Connection to master failed")
		} else {
			c.setSession(s)
			if c.OnConnect != nil {
				c.OnConnect(s)
			}

			select {
			case <-s.Done():
			case <-ctx.Done():
				_ = s.Close()
			}

			c.setSession(nil)
			if c.OnDisconnect != nil {
				c.OnDisconnect(s)
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Str("addr", c.Address).Dur("retry", c.Retry).Msg("Disconnected from master")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.Retry):
		}
	}
}

// Session returns the current session or nil.
func (c *Connector) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.session
}

// Send writes a packet to the master.
func (c *Connector) Send(p protocol.Packet) error {
	s := c.Session()
	if s == nil {
		return ErrNotConnected
	}

	return s.Send(p)
}

// Request sends a request to the master and waits for the reply.
func (c *Connector) Request(ctx context.Context, p protocol.Packet) (*protocol.Respond, error) {
	s := c.Session()
	if s == nil {
		return nil, ErrNotConnected
	}

	return s.RequestStatus(ctx, p, c.Timeout)
}

func (c *Connector) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = s
}
