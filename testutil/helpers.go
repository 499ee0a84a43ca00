package testutil

import (
	"testing"

	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
	"github.com/sahil-kale/voyager-bootloader/pkg/protocol"
)

// DefaultNVMData returns the provisioning record used across the suites: a
// 129-byte application partition at 0x1000 with the reset vector at its
// base and pre-jump verification off.
func DefaultNVMData() hal.NVMData {
	return hal.NVMData{
		AppStartAddress:       0x1000,
		AppEndAddress:         0x1080,
		AppResetVectorAddress: 0x1000,
	}
}

// MakeFakeApp builds a deterministic fake application image of the given
// size: a short recognizable prefix followed by zeros.
func MakeFakeApp(size int) []byte {
	app := make([]byte, size)
	prefix := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15}
	copy(app, prefix)
	return app
}

// StartFrame assembles a START frame: id, 24-bit big-endian app size,
// 32-bit big-endian app CRC.
func StartFrame(appSize, appCRC uint32) []byte {
	return []byte{
		byte(protocol.MessageIDStart),
		byte(appSize >> 16), byte(appSize >> 8), byte(appSize),
		byte(appCRC >> 24), byte(appCRC >> 16), byte(appCRC >> 8), byte(appCRC),
	}
}

// DataFrame assembles a DATA frame: id, sequence number, payload.
func DataFrame(seq uint8, payload []byte) []byte {
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, byte(protocol.MessageIDData), seq)
	return append(frame, payload...)
}

// ExpectedAck assembles the 8-byte ACK the device is expected to emit.
func ExpectedAck(t *testing.T, dfuErr protocol.DFUError, metadata []byte) []byte {
	t.Helper()
	ack := make([]byte, protocol.AckMessageSize)
	if err := protocol.BuildAck(dfuErr, metadata, ack); err != nil {
		t.Fatalf("failed to build expected ack: %v", err)
	}
	return ack
}
