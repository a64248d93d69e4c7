// Package wire defines the bonding data frame and the registration
// control messages exchanged with the server.
//
// Data frame:
//
//	[sessionID 4][sequence 4][payload N]
//
// Both header fields are big-endian unsigned. The payload is one raw IP
// packet, at most the tunnel MTU.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is sessionID(4) + sequence(4).
const HeaderSize = 8

// DefaultMTU is the tunnel MTU used when the config does not set one.
const DefaultMTU = 1500

// ErrMalformed is returned by Decode for datagrams shorter than HeaderSize.
var ErrMalformed = errors.New("wire: malformed frame")

// Frame is one decoded data-channel datagram.
type Frame struct {
	SessionID uint32
	Sequence  uint32
	Payload   []byte
}

// Encode builds a frame into a freshly allocated buffer.
func Encode(sessionID, sequence uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, sessionID, sequence)
	copy(buf[HeaderSize:], payload)
	return buf
}

// PutHeader writes the header into buf[:HeaderSize].
func PutHeader(buf []byte, sessionID, sequence uint32) {
	binary.BigEndian.PutUint32(buf[0:4], sessionID)
	binary.BigEndian.PutUint32(buf[4:8], sequence)
}

// Decode parses a datagram. The returned payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformed, len(data), HeaderSize)
	}
	return Frame{
		SessionID: binary.BigEndian.Uint32(data[0:4]),
		Sequence:  binary.BigEndian.Uint32(data[4:8]),
		Payload:   data[HeaderSize:],
	}, nil
}
