// Package host implements the host side of the DFU wire protocol: building
// START and DATA frames, validating device ACKs, and flashing a whole image.
// It is the counterpart a host tool links against; nothing in it runs on the
// target.
package host

import (
	"encoding/binary"
	"errors"
	"fmt"

	refcrc "github.com/snksoft/crc"

	"github.com/sahil-kale/voyager-bootloader/pkg/protocol"
)

// MaxAppSize is the largest image a START frame can declare; the size field
// is 24 bits on the wire.
const MaxAppSize = 1<<24 - 1

// imageCRCParams describes the device's CRC-32 (libiberty form) for the
// parameterized CRC engine the host uses as its reference implementation.
var imageCRCParams = &refcrc.Parameters{
	Width:      32,
	Polynomial: 0x04C11DB7,
	ReflectIn:  false,
	ReflectOut: false,
	Init:       0xFFFFFFFF,
	FinalXor:   0,
}

// CalculateCRC computes the CRC-32 the device will compute over data.
func CalculateCRC(data []byte) uint32 {
	return uint32(refcrc.CalculateCRC(imageCRCParams, data))
}

// GenerateStartRequest assembles a START frame into buf: id, 24-bit
// big-endian app size, 32-bit big-endian app CRC.
func GenerateStartRequest(buf []byte, appSize, appCRC uint32) error {
	if len(buf) < protocol.StartMessageSize {
		return fmt.Errorf("host: start buffer %d bytes, need %d", len(buf), protocol.StartMessageSize)
	}
	if appSize > MaxAppSize {
		return fmt.Errorf("host: app size %d exceeds 24-bit field", appSize)
	}

	buf[0] = byte(protocol.MessageIDStart)
	buf[1] = byte(appSize >> 16)
	buf[2] = byte(appSize >> 8)
	buf[3] = byte(appSize)
	binary.BigEndian.PutUint32(buf[4:8], appCRC)
	return nil
}

// GenerateDataPacket assembles a DATA frame into buf and returns its length.
func GenerateDataPacket(buf []byte, seq uint8, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, errors.New("host: empty data payload")
	}
	size := 2 + len(payload)
	if len(buf) < size {
		return 0, fmt.Errorf("host: data buffer %d bytes, need %d", len(buf), size)
	}

	buf[0] = byte(protocol.MessageIDData)
	buf[1] = seq
	copy(buf[2:], payload)
	return size, nil
}

// ErrBadAckFrame reports an ACK that is not 8 bytes or does not carry the
// ACK message id.
var ErrBadAckFrame = errors.New("host: malformed ack frame")

// ErrCRCMismatch reports an ACK whose metadata CRC does not match the frame
// the host sent.
var ErrCRCMismatch = errors.New("host: ack crc mismatch")

// DeviceError is a DFU error the device reported in an ACK.
type DeviceError struct {
	Code protocol.DFUError
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("host: device reported %v", e.Code)
}

// CompareAck validates the ACK received for sent (the full frame including
// the id byte). A clean ACK must echo the CRC of everything after the id
// byte; a non-zero error byte comes back as a *DeviceError.
func CompareAck(ack, sent []byte) error {
	if len(ack) != protocol.AckMessageSize || ack[0] != byte(protocol.MessageIDAck) {
		return ErrBadAckFrame
	}

	if code := protocol.DFUError(ack[1]); code != protocol.DFUErrorNone {
		return &DeviceError{Code: code}
	}

	expected := CalculateCRC(sent[1:])
	if binary.BigEndian.Uint32(ack[2:6]) != expected {
		return ErrCRCMismatch
	}
	return nil
}
