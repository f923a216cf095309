// Package network implements sessions over persistent TCP connections, the
// registry of admitted sessions and the master listener / client dialer.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/models"
	"github.com/woozymasta/drover/internal/protocol"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

var (
	// ErrRequestTimeout is returned when no response arrives before the deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnexpectedResponse is returned when a reply has the wrong packet type.
	ErrUnexpectedResponse = errors.New("unexpected response packet")
)

// FrameHandler processes a non-response frame read from a session.
type FrameHandler func(s *Session, f protocol.Frame)

// Session is one bidirectional connection between the master and a daemon,
// proxy or other client.
type Session struct {
	conn       net.Conn
	packets    *protocol.Registry
	pending    *pendingTable
	closed     chan struct{}
	remoteHost string
	identifier string
	tokens     atomic.Uint64
	id         atomic.Uint64
	remotePort int
	subPort    int
	writeMu    sync.Mutex
	closeOnce  sync.Once
	clientType models.ClientType
}

// NewSession wraps a connection.
func NewSession(conn net.Conn, packets *protocol.Registry) *Session {
	s := &Session{
		conn:    conn,
		packets: packets,
		pending: newPendingTable(),
		closed:  make(chan struct{}),
	}

	if conn != nil && conn.RemoteAddr() != nil {
		host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			s.remoteHost = conn.RemoteAddr().String()
		} else {
			s.remoteHost = host
			s.remotePort, _ = strconv.Atoi(port)
		}
	}

	return s
}

// Identify records the identity announced in the handshake.
func (s *Session) Identify(identifier string, clientType models.ClientType, subPort int) {
	s.identifier = identifier
	s.clientType = clientType
	s.subPort = subPort
}

// ID returns the id assigned on admission, or 0 before admission.
func (s *Session) ID() uint64 { return s.id.Load() }

// Admitted reports whether the session was inserted into a registry.
func (s *Session) Admitted() bool { return s.id.Load() != 0 }

// RemoteHost returns the remote IP address without port.
func (s *Session) RemoteHost() string { return s.remoteHost }

// RemotePort returns the remote TCP port.
func (s *Session) RemotePort() int { return s.remotePort }

// SubPort returns the secondary port announced by the client.
func (s *Session) SubPort() int { return s.subPort }

// Type returns the client type.
func (s *Session) Type() models.ClientType { return s.clientType }

// Identifier returns the human readable instance name.
func (s *Session) Identifier() string { return s.identifier }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Pending returns the number of unresolved requests.
func (s *Session) Pending() int { return s.pending.len() }

func (s *Session) String() string {
	return fmt.Sprintf("%s %s#%d@%s", s.clientType, s.identifier, s.ID(), s.remoteHost)
}

// Send writes a packet without waiting for a reply.
func (s *Session) Send(p protocol.Packet) error {
	return s.write(p, 0, 0)
}

// Respond answers the request that carried token.
func (s *Session) Respond(token uint64, p protocol.Packet) error {
	if token == 0 {
		return fmt.Errorf("respond %s: request carried no token", p.ID())
	}

	return s.write(p, protocol.FlagResponse, token)
}

// Request sends p and waits for the matching reply. The pending request is
// resolved exactly once: by the reply, by the timeout or by session close.
// Cancelling ctx stops waiting but leaves resolution to the timeout.
func (s *Session) Request(ctx context.Context, p protocol.Packet, timeout time.Duration) (protocol.Packet, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	token := s.tokens.Add(1)
	req, ok := s.pending.register(token, p.ID(), timeout, s.expire)
	if !ok {
		return nil, fmt.Errorf("request %s: token %d already pending", p.ID(), token)
	}

	if err := s.write(p, 0, token); err != nil {
		if s.pending.take(token) != nil {
			return nil, err
		}
		// resolved concurrently by close; report that result
	}

	select {
	case res := <-req.done:
		return res.packet, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestStatus sends p and expects a Respond reply. Non-OK statuses are
// returned as *protocol.StatusError together with the reply.
func (s *Session) RequestStatus(ctx context.Context, p protocol.Packet, timeout time.Duration) (*protocol.Respond, error) {
	reply, err := s.Request(ctx, p, timeout)
	if err != nil {
		return nil, err
	}

	respond, ok := reply.(*protocol.Respond)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, reply.ID())
	}

	return respond, respond.Err()
}

func (s *Session) expire(token uint64) {
	req := s.pending.take(token)
	if req == nil {
		return
	}

	metrics.RecordRequestTimeout(req.packet.String())
	log.Debug().
		Str("session", s.String()).
		Str("packet", req.packet.String()).
		Uint64("token", token).
		Msg("Request timed out")

	req.resolve(result{err: fmt.Errorf("%w: %s", ErrRequestTimeout, req.packet)})
}

// Admit inserts the session into r and answers the handshake that carried
// token with reply. The write lock is held across both, so a packet sent by
// anyone who finds the session in r goes out after reply. Registry errors are
// returned unwrapped; on a failed write the session is removed again.
func (s *Session) Admit(r *Registry, token uint64, reply protocol.Packet) error {
	body, err := s.packets.Encode(reply)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := r.Add(s); err != nil {
		return err
	}

	if err := s.writeLocked(reply.ID(), body, protocol.FlagResponse, token); err != nil {
		r.Remove(s.ID())
		return err
	}

	return nil
}

func (s *Session) write(p protocol.Packet, flags protocol.Flags, token uint64) error {
	body, err := s.packets.Encode(p)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.writeLocked(p.ID(), body, flags, token)
}

func (s *Session) writeLocked(id protocol.ID, body []byte, flags protocol.Flags, token uint64) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := protocol.WriteFrame(s.conn, protocol.Frame{ID: id, Flags: flags, Token: token, Body: body}); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	metrics.RecordPacketOut(id.String())

	return nil
}

// Serve reads frames until the connection fails or the session is closed.
// Response frames resolve pending requests; every other frame is passed to
// handle on this goroutine, which keeps per-session ordering.
func (s *Session) Serve(handle FrameHandler) error {
	defer s.Close()

	for {
		frame, err := protocol.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrMalformed) {
				log.Warn().Err(err).Str("session", s.String()).Msg("Closing session after invalid frame")
			}
			return err
		}
		metrics.RecordPacketIn(frame.ID.String())

		if frame.IsResponse() {
			s.resolveResponse(frame)
			continue
		}

		handle(s, frame)
	}
}

func (s *Session) resolveResponse(frame protocol.Frame) {
	req := s.pending.take(frame.Token)
	if req == nil {
		log.Trace().
			Str("session", s.String()).
			Uint64("token", frame.Token).
			Msg("Dropping late or duplicate response")
		return
	}

	p, err := s.packets.Decode(frame.ID, frame.Body)
	req.resolve(result{packet: p, err: err})
}

// Close closes the connection and fails every pending request with ErrSessionClosed.
func (s *Session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			err = s.conn.Close()
		}
		for _, req := range s.pending.drain() {
			req.resolve(result{err: ErrSessionClosed})
		}
	})

	return err
}
