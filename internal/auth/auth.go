// Package auth runs the handshake that admits daemons, proxies and other
// clients into the master's session registry.
package auth

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/drover/internal/events"
	"github.com/woozymasta/drover/internal/metrics"
	"github.com/woozymasta/drover/internal/network"
	"github.com/woozymasta/drover/internal/protocol"
	"github.com/woozymasta/drover/internal/vars"
)

// Header is the Respond header used for handshake replies.
const Header = "auth"

var (
	// ErrForbidden rejects hosts outside the whitelist and second daemons per host.
	ErrForbidden = errors.New("forbidden")

	// ErrBadRequest rejects malformed identifiers.
	ErrBadRequest = errors.New("bad request")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Authenticator validates handshakes and inserts admitted sessions into the registry.
type Authenticator struct {
	// Connected is published once per admitted session, after registry insertion.
	Connected events.Topic[*network.Session]

	sessions  *network.Registry
	whitelist *Whitelist
}

// New creates an authenticator. A nil whitelist allows every host.
func New(sessions *network.Registry, whitelist *Whitelist) *Authenticator {
	return &Authenticator{
		sessions:  sessions,
		whitelist: whitelist,
	}
}

// Validate checks the handshake of a client connecting from host. It does not
// check for duplicate daemons; the registry insert does that atomically.
func (a *Authenticator) Validate(host string, hs *protocol.Handshake) error {
	if !a.whitelist.Allowed(host) {
		return fmt.Errorf("%w: host %s is not whitelisted", ErrForbidden, host)
	}

	if !identifierPattern.MatchString(hs.Identifier) {
		return fmt.Errorf("%w: invalid identifier %q", ErrBadRequest, hs.Identifier)
	}

	return nil
}

// Admit implements network.Gatekeeper. The session becomes visible in the
// registry together with the OK reply, and Connected fires after both.
func (a *Authenticator) Admit(s *network.Session, token uint64, hs *protocol.Handshake) bool {
	s.Identify(hs.Identifier, hs.Type, hs.SubPort)

	err := a.Validate(s.RemoteHost(), hs)
	if err == nil {
		ok := &protocol.Respond{Header: Header, Version: vars.Version, Status: protocol.StatusOK}
		err = s.Admit(a.sessions, token, ok)
		switch {
		case errors.Is(err, network.ErrDuplicateDaemonHost):
			err = fmt.Errorf("%w: %w", ErrForbidden, err)
		case err != nil:
			log.Warn().Err(err).Str("session", s.String()).Msg("Failed to confirm handshake")
			return false
		}
	}

	if err != nil {
		status := StatusOf(err)
		metrics.RecordHandshake(hs.Type.String(), status.String())
		log.Info().
			Err(err).
			Str("addr", s.RemoteHost()).
			Str("identifier", hs.Identifier).
			Str("type", hs.Type.String()).
			Msg("Handshake rejected")

		if err := s.Respond(token, &protocol.Respond{Header: Header, Version: vars.Version, Status: status}); err != nil {
			log.Debug().Err(err).Str("addr", s.RemoteHost()).Msg("Failed to send handshake rejection")
		}
		return false
	}

	metrics.RecordHandshake(hs.Type.String(), protocol.StatusOK.String())
	log.Info().
		Str("session", s.String()).
		Int("sub_port", hs.SubPort).
		Msg("Client admitted")

	a.Connected.Publish(s)
	return true
}

// StatusOf maps a handshake error to the status sent to the client.
func StatusOf(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrBadRequest):
		return protocol.StatusBadRequest
	default:
		return protocol.StatusForbidden
	}
}
