// Package protocol implements the DFU wire protocol spoken between the
// bootloader and a host tool. All multi-byte fields are big-endian. Byte 0
// of every frame is a one-byte message identifier.
package protocol

import (
	"encoding/binary"

	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
)

// MessageID identifies the frame kind carried in byte 0.
type MessageID byte

const (
	MessageIDUnknown MessageID = 0 // reserved sentinel, also returned for unparseable frames
	MessageIDStart   MessageID = 1 // host -> device, opens a DFU session
	MessageIDAck     MessageID = 2 // device -> host, per-frame acknowledgement
	MessageIDData    MessageID = 3 // host -> device, one payload slice
)

// Frame sizes.
const (
	// StartMessageSize is the exact length of a START frame: id, 24-bit
	// app size, 32-bit app CRC.
	StartMessageSize = 8
	// AckMessageSize is the exact length of an ACK frame: id, error code,
	// 4 metadata bytes, 2 reserved zero bytes.
	AckMessageSize = 8
	// MinDataMessageSize is the smallest legal DATA frame: id, sequence
	// number, at least one payload byte.
	MinDataMessageSize = 3
	// AckMetadataSize is the metadata field width inside an ACK.
	AckMetadataSize = 4
)

// DFUError is the protocol-level error taxonomy carried in byte 1 of an ACK
// frame. These are host-observable wire values, distinct from the core's
// hal.Status codes.
type DFUError byte

const (
	DFUErrorNone DFUError = iota
	// DFUErrorPacketOverrun reports a frame that arrived while the previous
	// one was still unprocessed; the new frame was discarded.
	DFUErrorPacketOverrun
	// DFUErrorEnterDfuNotRequested reports a START received while the
	// integrator had not requested DFU mode.
	DFUErrorEnterDfuNotRequested
	// DFUErrorOutOfSequence reports a DATA frame whose sequence number did
	// not match the session counter.
	DFUErrorOutOfSequence
	// DFUErrorInvalidMessageID reports a frame with an id the current state
	// does not accept.
	DFUErrorInvalidMessageID
	// DFUErrorSizeTooLarge reports a START whose declared image size does
	// not fit the application partition, or a DATA frame that would write
	// past the size the START declared.
	DFUErrorSizeTooLarge
	// DFUErrorInternalError reports a contract violation by an adapter,
	// such as a failed re-erase during an in-session restart.
	DFUErrorInternalError
)

var dfuErrorNames = map[DFUError]string{
	DFUErrorNone:                 "none",
	DFUErrorPacketOverrun:        "packet overrun",
	DFUErrorEnterDfuNotRequested: "enter DFU not requested",
	DFUErrorOutOfSequence:        "out of sequence",
	DFUErrorInvalidMessageID:     "invalid message id",
	DFUErrorSizeTooLarge:         "size too large",
	DFUErrorInternalError:        "internal error",
}

func (e DFUError) String() string {
	if name, ok := dfuErrorNames[e]; ok {
		return name
	}
	return "unknown DFU error"
}

// StartData is the payload of a START frame.
type StartData struct {
	AppSize uint32 // 24 bits on the wire
	AppCRC  uint32
}

// DataPacket is the payload of a DATA frame. Payload is a borrowed view into
// the inbound packet slot and is only valid until the slot is released.
type DataPacket struct {
	SequenceNumber uint8
	Payload        []byte
}

// Message is the tagged result of parsing an inbound frame. Start is
// meaningful when ID is MessageIDStart, Data when ID is MessageIDData.
type Message struct {
	ID    MessageID
	Start StartData
	Data  DataPacket
}

// Parse reads the id byte of buf and decodes the frame. Frames that are too
// short for their declared kind, and ids outside the table, come back as
// MessageIDUnknown; the state machine decides how to reject them. Parse
// never mutates buf.
func Parse(buf []byte) Message {
	if len(buf) == 0 {
		return Message{ID: MessageIDUnknown}
	}

	switch MessageID(buf[0]) {
	case MessageIDStart:
		if len(buf) < StartMessageSize {
			return Message{ID: MessageIDUnknown}
		}
		return Message{
			ID: MessageIDStart,
			Start: StartData{
				AppSize: uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
				AppCRC:  binary.BigEndian.Uint32(buf[4:8]),
			},
		}

	case MessageIDData:
		if len(buf) < MinDataMessageSize {
			return Message{ID: MessageIDUnknown}
		}
		return Message{
			ID: MessageIDData,
			Data: DataPacket{
				SequenceNumber: buf[1],
				Payload:        buf[2:],
			},
		}

	case MessageIDAck:
		return Message{ID: MessageIDAck}

	default:
		return Message{ID: MessageIDUnknown}
	}
}

// BuildAck assembles an 8-byte ACK into out: id, error code, 4 metadata
// bytes (zero-filled when metadata is nil), 2 reserved zero bytes. Bytes
// past offset 7 are never touched.
func BuildAck(dfuErr DFUError, metadata []byte, out []byte) error {
	if out == nil || len(out) < AckMessageSize {
		return hal.NewError(hal.StatusInvalidArgument, "ack buffer too small")
	}
	if metadata != nil && len(metadata) != AckMetadataSize {
		return hal.NewError(hal.StatusInvalidArgument, "ack metadata must be 4 bytes")
	}

	out[0] = byte(MessageIDAck)
	out[1] = byte(dfuErr)
	if metadata != nil {
		copy(out[2:6], metadata)
	} else {
		out[2], out[3], out[4], out[5] = 0, 0, 0, 0
	}
	out[6] = 0
	out[7] = 0
	return nil
}

// PackCRC writes crc big-endian into the first 4 bytes of buf. Used for the
// ACK metadata field.
func PackCRC(buf []byte, crc uint32) {
	binary.BigEndian.PutUint32(buf[:4], crc)
}
