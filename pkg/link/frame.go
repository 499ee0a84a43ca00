// Package link provides integrator-side transport glue: a byte-stream
// framer and pumps for running the DFU protocol over a serial port. The
// bootloader core itself is transport-agnostic and only ever sees the
// callbacks; nothing here is required on targets with a packet-oriented
// link.
//
// Frame layout: two sync bytes, a big-endian 16-bit payload length, then the
// payload. The framer delimits packets; link-layer integrity stays the
// transport's concern.
package link

import (
	"encoding/binary"
	"fmt"
)

const (
	SyncByte1 = 0x5A
	SyncByte2 = 0xA5

	headerSize = 4

	// MaxPayloadLength bounds a decoded frame; anything larger is treated
	// as a framing error and the decoder resynchronizes.
	MaxPayloadLength = 1024
)

// Decoder states.
const (
	stateSync1 = iota
	stateSync2
	stateLen1
	stateLen2
	statePayload
)

// Encode wraps payload in a frame.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, fmt.Errorf("link: payload %d bytes exceeds max %d", len(payload), MaxPayloadLength)
	}
	frame := make([]byte, headerSize+len(payload))
	frame[0] = SyncByte1
	frame[1] = SyncByte2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decoder is a byte-at-a-time frame reassembler. Feed it the raw stream; it
// resynchronizes on the sync bytes after garbage or a bad length.
type Decoder struct {
	state      int
	payloadLen int
	payload    []byte
}

// Feed consumes one byte. When it completes a frame it returns the payload
// and true; the returned slice is only valid until the next Feed.
func (d *Decoder) Feed(b byte) ([]byte, bool) {
	switch d.state {
	case stateSync1:
		if b == SyncByte1 {
			d.state = stateSync2
		}

	case stateSync2:
		if b == SyncByte2 {
			d.state = stateLen1
		} else {
			d.state = stateSync1
		}

	case stateLen1:
		d.payloadLen = int(b) << 8
		d.state = stateLen2

	case stateLen2:
		d.payloadLen |= int(b)
		if d.payloadLen > MaxPayloadLength {
			d.state = stateSync1
			break
		}
		d.payload = d.payload[:0]
		if d.payloadLen == 0 {
			d.state = stateSync1
			return d.payload, true
		}
		d.state = statePayload

	case statePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) == d.payloadLen {
			d.state = stateSync1
			return d.payload, true
		}
	}

	return nil, false
}
