package ra

import (
	"encoding/binary"
	"fmt"
)

// CommandID identifies a registered command handler.
type CommandID uint16

// Header is a fixed size frame header.
type Header struct {
	// Flags is a set of Flag* bits.
	Flags byte
	// Command is an id of a command the frame belongs to.
	Command CommandID
	// Sync is a request id chosen by a client. A response carries the
	// sync of its request.
	Sync uint32
	// Length is an exact payload size.
	Length uint32
}

func (h Header) put(b []byte) {
	b[0] = frameMagic
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], uint16(h.Command))
	binary.BigEndian.PutUint32(b[4:8], h.Sync)
	binary.BigEndian.PutUint32(b[8:12], h.Length)
}

func parseHeader(b []byte) (Header, error) {
	if b[0] != frameMagic {
		return Header{}, &MalformedFrameError{
			Reason: fmt.Sprintf("unexpected magic byte 0x%02x", b[0]),
		}
	}
	if b[1]&^knownFlags != 0 {
		return Header{}, &MalformedFrameError{
			Reason: fmt.Sprintf("unknown flags 0x%02x", b[1]),
		}
	}
	return Header{
		Flags:   b[1],
		Command: CommandID(binary.BigEndian.Uint16(b[2:4])),
		Sync:    binary.BigEndian.Uint32(b[4:8]),
		Length:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
