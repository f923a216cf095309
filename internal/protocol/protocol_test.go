package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/drover/internal/models"
)

func samplePackets() []Packet {
	return []Packet{
		&Handshake{Identifier: "daemon-01", Type: models.ClientDaemon, SubPort: 25577},
		&Respond{Header: "auth", Version: "v1.2.3", Status: StatusForbidden, Message: "denied"},
		&ServerAttempt{InstanceID: "3b0b8f0e-5e2a-4f7b-9f0a-7c1f6c0d9e11", Type: AttemptShutdown},
		&ServerRegister{Type: "lobby", Name: "lobby-1", Host: "10.0.0.5", Port: 25566, Num: 1, Motd: "hello"},
		&ServerUnregister{Host: "10.0.0.5", Port: 25566},
		&ServerInfoUpdate{Address: "10.0.0.5:25566", Motd: "welcome", OnlinePlayers: 12, MaxPlayers: 64},
		&PatternState{Name: "lobby", Created: true},
		&UpdatePermission{Scope: models.ScopeGroup, Key: "admin"},
		&PlayerState{Player: "b1d7", Name: "steve", Meta: "lobby-1", Group: "default", State: PlayerServer},
		&ServerRequest{InstanceID: "abc", Pattern: "game", Host: "10.0.0.5", Ram: "1G", Num: 3, Port: 25570, AutoSave: true},
		&ServerShutdown{InstanceID: "abc"},
		&ServerState{InstanceID: "abc", Pattern: "game", Host: "10.0.0.5", Num: 3, Port: 25570, State: models.StateOnline},
	}
}

// TestRoundTripAllPackets verifies that every packet type survives encode and decode unchanged.
func TestRoundTripAllPackets(t *testing.T) {
	registry := NewRegistry()

	for _, original := range samplePackets() {
		t.Run(original.ID().String(), func(t *testing.T) {
			body, err := registry.Encode(original)
			require.NoError(t, err)

			decoded, err := registry.Decode(original.ID(), body)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)
		})
	}
}

// TestMultiPreservesOrder verifies that a batch decodes into the same ordered sequence.
func TestMultiPreservesOrder(t *testing.T) {
	registry := NewRegistry()

	packets := []Packet{
		&ServerRegister{Type: "lobby", Name: "lobby-1", Host: "a", Port: 1, Num: 1},
		&ServerRegister{Type: "lobby", Name: "lobby-2", Host: "b", Port: 2, Num: 2},
		&ServerRegister{Type: "game", Name: "game-1", Host: "c", Port: 3, Num: 1},
	}

	multi, err := registry.NewMulti(packets...)
	require.NoError(t, err)

	body, err := registry.Encode(multi)
	require.NoError(t, err)

	decoded, err := registry.Decode(IDMulti, body)
	require.NoError(t, err)

	unpacked, err := registry.Unpack(decoded.(*Multi))
	require.NoError(t, err)
	assert.Equal(t, packets, unpacked)
}

// TestMultiRejectsMixedTypes verifies that batches must be homogeneous.
func TestMultiRejectsMixedTypes(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.NewMulti(&ServerUnregister{Host: "a"}, &ServerRegister{Host: "b"})
	assert.Error(t, err)
}

// TestFrameRoundTrip verifies the frame header layout.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	original := Frame{ID: IDRespond, Flags: FlagResponse, Token: 42, Body: []byte{0xa0}}

	require.NoError(t, WriteFrame(&buf, original))
	assert.Equal(t, 4+headerSize+1, buf.Len())

	decoded, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
	assert.True(t, decoded.IsResponse())
	assert.False(t, decoded.IsRequest())
}

// TestFrameTooLarge verifies that oversized frames are refused on both sides.
func TestFrameTooLarge(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, Frame{ID: IDMulti, Body: make([]byte, MaxFrameSize)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	raw := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestDispatchOrderAndUnknown verifies handler ordering and that unknown IDs are dropped.
func TestDispatchOrderAndUnknown(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher[string](registry)

	var calls []string
	On(dispatcher, func(src string, token uint64, p *PatternState) {
		calls = append(calls, "first:"+src+":"+p.Name)
	})
	On(dispatcher, func(src string, token uint64, p *PatternState) {
		calls = append(calls, "second:"+p.Name)
	})

	body, err := registry.Encode(&PatternState{Name: "lobby", Created: true})
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch("s1", Frame{ID: IDPatternState, Body: body}))
	assert.Equal(t, []string{"first:s1:lobby", "second:lobby"}, calls)

	err = dispatcher.Dispatch("s1", Frame{ID: 999, Body: body})
	assert.True(t, errors.Is(err, ErrUnknownPacket))

	err = dispatcher.Dispatch("s1", Frame{ID: IDPatternState, Body: []byte{0xff, 0x00}})
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Len(t, calls, 2)
}

// TestDispatchMulti verifies that batches reach per-entry handlers in order.
func TestDispatchMulti(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher[int](registry)

	var names []string
	On(dispatcher, func(_ int, token uint64, p *ServerRegister) {
		assert.Zero(t, token)
		names = append(names, p.Name)
	})

	multi, err := registry.NewMulti(
		&ServerRegister{Name: "a-1"},
		&ServerRegister{Name: "a-2"},
		&ServerRegister{Name: "a-3"},
	)
	require.NoError(t, err)
	body, err := registry.Encode(multi)
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch(1, Frame{ID: IDMulti, Body: body}))
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, names)
}

// TestRespondErr verifies status to error conversion.
func TestRespondErr(t *testing.T) {
	assert.NoError(t, (&Respond{Status: StatusOK}).Err())

	err := (&Respond{Header: "auth", Status: StatusBadRequest}).Err()
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusBadRequest, statusErr.Status)
	assert.Equal(t, "auth: BAD_REQUEST", err.Error())
}
