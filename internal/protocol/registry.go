package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrUnknownPacket is returned when a frame carries an unregistered packet ID.
	ErrUnknownPacket = errors.New("unknown packet")

	// ErrMalformed is returned when a packet body cannot be decoded.
	ErrMalformed = errors.New("malformed packet")
)

// Registry is the typed table of known packet types keyed by ID.
type Registry struct {
	factories map[ID]func() Packet
}

// NewRegistry returns a registry holding every drover packet type.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[ID]func() Packet)}

	r.Register(IDHandshake, func() Packet { return new(Handshake) })
	r.Register(IDRespond, func() Packet { return new(Respond) })
	r.Register(IDMulti, func() Packet { return new(Multi) })
	r.Register(IDServerAttempt, func() Packet { return new(ServerAttempt) })
	r.Register(IDServerRegister, func() Packet { return new(ServerRegister) })
	r.Register(IDServerUnregister, func() Packet { return new(ServerUnregister) })
	r.Register(IDServerInfoUpdate, func() Packet { return new(ServerInfoUpdate) })
	r.Register(IDPatternState, func() Packet { return new(PatternState) })
	r.Register(IDUpdatePermission, func() Packet { return new(UpdatePermission) })
	r.Register(IDPlayerState, func() Packet { return new(PlayerState) })
	r.Register(IDServerRequest, func() Packet { return new(ServerRequest) })
	r.Register(IDServerShutdown, func() Packet { return new(ServerShutdown) })
	r.Register(IDServerState, func() Packet { return new(ServerState) })

	return r
}

// Register adds or replaces the factory for a packet ID.
func (r *Registry) Register(id ID, factory func() Packet) {
	r.factories[id] = factory
}

// Known reports whether the ID is registered.
func (r *Registry) Known(id ID) bool {
	_, ok := r.factories[id]
	return ok
}

// Encode serializes the packet body.
func (r *Registry) Encode(p Packet) ([]byte, error) {
	if !r.Known(p.ID()) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacket, p.ID())
	}

	body, err := marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.ID(), err)
	}

	return body, nil
}

// Decode builds a packet of the given ID from its body.
func (r *Registry) Decode(id ID, body []byte) (Packet, error) {
	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacket, id)
	}

	p := factory()
	if err := unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, id, err)
	}

	return p, nil
}

// MultiEntry is one encoded sub-packet of a Multi batch.
type MultiEntry struct {
	Body cbor.RawMessage `cbor:"2,keyasint"`
	ID   ID              `cbor:"1,keyasint"`
}

// Multi batches homogeneous sub-packets into one frame. Entry order is preserved.
type Multi struct {
	Entries []MultiEntry `cbor:"1,keyasint"`
}

// ID implements Packet.
func (*Multi) ID() ID { return IDMulti }

// NewMulti encodes the packets into a batch. All packets must share one ID.
func (r *Registry) NewMulti(packets ...Packet) (*Multi, error) {
	m := &Multi{Entries: make([]MultiEntry, 0, len(packets))}

	for i, p := range packets {
		if p.ID() == IDMulti {
			return nil, fmt.Errorf("multi entry %d: nested multi packets are not allowed", i)
		}
		if i > 0 && p.ID() != packets[0].ID() {
			return nil, fmt.Errorf("multi entry %d: %s does not match %s", i, p.ID(), packets[0].ID())
		}

		body, err := r.Encode(p)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, MultiEntry{ID: p.ID(), Body: body})
	}

	return m, nil
}

// Unpack decodes every entry of the batch in order.
func (r *Registry) Unpack(m *Multi) ([]Packet, error) {
	packets := make([]Packet, 0, len(m.Entries))

	for i, entry := range m.Entries {
		if entry.ID == IDMulti {
			return nil, fmt.Errorf("%w: multi entry %d is nested", ErrMalformed, i)
		}

		p, err := r.Decode(entry.ID, entry.Body)
		if err != nil {
			return nil, fmt.Errorf("multi entry %d: %w", i, err)
		}
		packets = append(packets, p)
	}

	return packets, nil
}
