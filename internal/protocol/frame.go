package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the size of one frame excluding the length prefix.
const MaxFrameSize = 1 << 20

// headerSize is id(2) + flags(1) + token(8).
const headerSize = 11

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Flags modify how a frame is interpreted.
type Flags uint8

// Frame flags.
const (
	// FlagResponse marks a reply to the request carrying the same token.
	FlagResponse Flags = 1 << iota
)

// Frame is one unit on the wire: u32 length | u16 id | u8 flags | u64 token | body.
type Frame struct {
	Body  []byte
	Token uint64
	ID    ID
	Flags Flags
}

// IsResponse reports whether the frame answers a request.
func (f Frame) IsResponse() bool {
	return f.Flags&FlagResponse != 0
}

// IsRequest reports whether the sender expects a reply.
func (f Frame) IsRequest() bool {
	return f.Token != 0 && !f.IsResponse()
}

// WriteFrame writes the frame with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	size := headerSize + len(f.Body)
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.ID))
	buf[6] = byte(f.Flags)
	binary.BigEndian.PutUint64(buf[7:15], f.Token)
	copy(buf[15:], f.Body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if size < headerSize {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes is shorter than header", ErrMalformed, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}

	return Frame{
		ID:    ID(binary.BigEndian.Uint16(buf[0:2])),
		Flags: Flags(buf[2]),
		Token: binary.BigEndian.Uint64(buf[3:11]),
		Body:  buf[headerSize:],
	}, nil
}
