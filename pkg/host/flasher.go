package host

import (
	"fmt"
)

// DefaultChunkSize is the DATA payload size used when FlashImage is given a
// non-positive chunk size: the packaged device receive buffer of 64 bytes
// minus the two-byte DATA header.
const DefaultChunkSize = 62

// Exchanger sends one frame to the device and returns the ACK it answered
// with. Implementations own framing, timeouts and retries.
type Exchanger interface {
	Exchange(frame []byte) ([]byte, error)
}

// FlashImage drives a complete DFU session: one START declaring the image
// size and CRC, then DATA frames of at most chunkSize payload bytes with
// modulo-256 sequence numbers, validating every ACK. The caller must already
// have put the device into DFU mode.
func FlashImage(x Exchanger, image []byte, chunkSize int) error {
	if len(image) == 0 {
		return fmt.Errorf("host: empty image")
	}
	if len(image) > MaxAppSize {
		return fmt.Errorf("host: image %d bytes exceeds 24-bit size field", len(image))
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var start [8]byte
	if err := GenerateStartRequest(start[:], uint32(len(image)), CalculateCRC(image)); err != nil {
		return err
	}
	ack, err := x.Exchange(start[:])
	if err != nil {
		return fmt.Errorf("host: start exchange: %w", err)
	}
	if err := CompareAck(ack, start[:]); err != nil {
		return err
	}

	frame := make([]byte, 2+chunkSize)
	seq := uint8(0)
	for offset := 0; offset < len(image); {
		n := chunkSize
		if remaining := len(image) - offset; remaining < n {
			n = remaining
		}

		size, err := GenerateDataPacket(frame, seq, image[offset:offset+n])
		if err != nil {
			return err
		}
		ack, err := x.Exchange(frame[:size])
		if err != nil {
			return fmt.Errorf("host: data exchange at offset %d: %w", offset, err)
		}
		if err := CompareAck(ack, frame[:size]); err != nil {
			return fmt.Errorf("host: data ack at offset %d: %w", offset, err)
		}

		seq++ // wraps modulo 256, matching the device counter
		offset += n
	}

	return nil
}
