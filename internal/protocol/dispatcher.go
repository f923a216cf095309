package protocol

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives a decoded packet together with its source and the
// correlation token of the frame (0 when no reply is expected).
type Handler[S any] func(src S, token uint64, p Packet)

// Dispatcher decodes frames and invokes the handlers registered for their ID.
// Handlers run in registration order on the calling goroutine.
type Dispatcher[S any] struct {
	registry *Registry
	handlers map[ID][]Handler[S]
	mu       sync.RWMutex
}

// NewDispatcher creates an empty dispatcher decoding with the given registry.
func NewDispatcher[S any](registry *Registry) *Dispatcher[S] {
	return &Dispatcher[S]{
		registry: registry,
		handlers: make(map[ID][]Handler[S]),
	}
}

// Registry returns the packet registry used for decoding.
func (d *Dispatcher[S]) Registry() *Registry {
	return d.registry
}

// Handle appends a handler for the packet ID.
func (d *Dispatcher[S]) Handle(id ID, h Handler[S]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[id] = append(d.handlers[id], h)
}

// On registers a handler typed to one packet type.
func On[S any, P Packet](d *Dispatcher[S], h func(src S, token uint64, p P)) {
	var zero P
	d.Handle(zero.ID(), func(src S, token uint64, p Packet) {
		if typed, ok := p.(P); ok {
			h(src, token, typed)
		}
	})
}

// Dispatch decodes the frame and runs its handlers. Multi batches are
// unpacked and every entry is dispatched in order. Unknown and malformed
// packets are logged and returned as errors; they never panic.
func (d *Dispatcher[S]) Dispatch(src S, f Frame) error {
	p, err := d.registry.Decode(f.ID, f.Body)
	if err != nil {
		log.Debug().
			Err(err).
			Uint16("packet_id", uint16(f.ID)).
			Msg("Dropping undecodable packet")
		return err
	}

	if m, ok := p.(*Multi); ok {
		entries, err := d.registry.Unpack(m)
		if err != nil {
			log.Debug().
				Err(err).
				Int("entries", len(m.Entries)).
				Msg("Dropping malformed multi packet")
			return err
		}
		for _, entry := range entries {
			d.DispatchPacket(src, 0, entry)
		}
		return nil
	}

	d.DispatchPacket(src, f.Token, p)
	return nil
}

// DispatchPacket runs the handlers for an already decoded packet.
func (d *Dispatcher[S]) DispatchPacket(src S, token uint64, p Packet) {
	d.mu.RLock()
	handlers := d.handlers[p.ID()]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		log.Trace().
			Str("packet", p.ID().String()).
			Msg("No handler registered")
		return
	}

	for _, h := range handlers {
		h(src, token, p)
	}
}
