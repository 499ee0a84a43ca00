// Package dfu implements the firmware-update engine: START validation,
// sequence tracking, flash erase and incremental write, per-packet
// acknowledgement, and post-transfer image verification. The engine owns the
// per-session counters; the bootloader state machine decides when it runs.
package dfu

import (
	"fmt"

	"github.com/sahil-kale/voyager-bootloader/pkg/crc"
	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
	"github.com/sahil-kale/voyager-bootloader/pkg/protocol"
)

// verifyChunkSize bounds the stack buffer used when streaming flash back
// through the CRC during verification.
const verifyChunkSize = 256

// Engine drives one DFU session against the integrator's NVM and flash.
type Engine struct {
	nvm    hal.NVM
	flash  hal.Flash
	stream crc.StreamFunc

	sequenceNumber uint8
	bytesWritten   uint32
	appSize        uint32
	lastErr        protocol.DFUError
}

// NewEngine creates an engine bound to the given adapters. stream is the
// per-byte CRC step; pass crc.Update unless the integrator configured a
// custom one.
func NewEngine(nvm hal.NVM, flash hal.Flash, stream crc.StreamFunc) *Engine {
	if stream == nil {
		stream = crc.Update
	}
	return &Engine{nvm: nvm, flash: flash, stream: stream}
}

// Reset clears all session state. Bootloader (re-)init does not call it; it
// builds a fresh engine instead.
func (e *Engine) Reset() {
	e.sequenceNumber = 0
	e.bytesWritten = 0
	e.appSize = 0
	e.lastErr = protocol.DFUErrorNone
}

// ClearAppSize drops the cached image size. Runs on every entry to idle so a
// stale session cannot satisfy the completion predicate.
func (e *Engine) ClearAppSize() {
	e.appSize = 0
}

// Error returns the latched DFU fault, DFUErrorNone when healthy.
func (e *Engine) Error() protocol.DFUError {
	return e.lastErr
}

// SetError latches a DFU fault. The state machine observes it on the next
// desired-state evaluation and falls back to idle.
func (e *Engine) SetError(err protocol.DFUError) {
	e.lastErr = err
}

// ClearError drops the latched fault. Runs every idle tick.
func (e *Engine) ClearError() {
	e.lastErr = protocol.DFUErrorNone
}

// SequenceNumber returns the modulo-256 counter of successfully processed
// DATA packets this session.
func (e *Engine) SequenceNumber() uint8 {
	return e.sequenceNumber
}

// BytesWritten returns the byte count flashed this session.
func (e *Engine) BytesWritten() uint32 {
	return e.bytesWritten
}

// AppSize returns the image size cached from the last accepted START.
func (e *Engine) AppSize() uint32 {
	return e.appSize
}

// Complete reports whether the session has received the full declared image.
func (e *Engine) Complete() bool {
	return e.bytesWritten == e.appSize
}

// Enter starts (or restarts) a receive session: counters reset, application
// partition erased. A failed NVM read or erase is fatal for the tick.
func (e *Engine) Enter() error {
	e.sequenceNumber = 0
	e.bytesWritten = 0

	start, end, err := e.partitionBounds()
	if err != nil {
		return err
	}
	if err := e.flash.Erase(start, end); err != nil {
		return fmt.Errorf("flash erase [%#x, %#x]: %w", start, end, err)
	}
	return nil
}

// ProcessStart handles a START frame: the declared size is checked against
// the partition, then size and CRC are committed to NVM and the ACK is
// assembled with the CRC of the frame body as metadata. raw is the full
// inbound frame including the id byte. The returned DFUError is what went
// into the ACK; a non-nil error means an adapter failed and the tick must
// abort.
func (e *Engine) ProcessStart(raw []byte, start protocol.StartData, ack []byte) (protocol.DFUError, error) {
	pstart, pend, err := e.partitionBounds()
	if err != nil {
		return protocol.DFUErrorNone, err
	}
	if uint64(start.AppSize) > uint64(pend-pstart)+1 {
		return protocol.DFUErrorSizeTooLarge, protocol.BuildAck(protocol.DFUErrorSizeTooLarge, nil, ack)
	}

	data := hal.NVMData{AppSize: start.AppSize}
	if err := e.nvm.Write(hal.NVMKeyAppSize, &data); err != nil {
		return protocol.DFUErrorNone, fmt.Errorf("nvm write %v: %w", hal.NVMKeyAppSize, err)
	}
	e.appSize = start.AppSize

	data = hal.NVMData{AppCRC: start.AppCRC}
	if err := e.nvm.Write(hal.NVMKeyAppCRC, &data); err != nil {
		return protocol.DFUErrorNone, fmt.Errorf("nvm write %v: %w", hal.NVMKeyAppCRC, err)
	}

	var meta [protocol.AckMetadataSize]byte
	protocol.PackCRC(meta[:], crc.Fold(e.stream, raw[1:protocol.StartMessageSize]))
	return protocol.DFUErrorNone, protocol.BuildAck(protocol.DFUErrorNone, meta[:], ack)
}

// ProcessData handles a DATA frame. An in-sequence packet is written to
// flash at the session offset and acknowledged with the CRC of the sequence
// byte plus payload; anything else latches a DFU fault and acknowledges it.
// raw is the full inbound frame including the id byte.
func (e *Engine) ProcessData(raw []byte, data protocol.DataPacket, ack []byte) error {
	if data.SequenceNumber != e.sequenceNumber {
		e.lastErr = protocol.DFUErrorOutOfSequence
		return protocol.BuildAck(protocol.DFUErrorOutOfSequence, nil, ack)
	}

	payloadLen := uint32(len(data.Payload))
	if e.bytesWritten+payloadLen > e.appSize {
		// More bytes than the START declared; refusing keeps the write
		// pointer inside the partition.
		e.lastErr = protocol.DFUErrorSizeTooLarge
		return protocol.BuildAck(protocol.DFUErrorSizeTooLarge, nil, ack)
	}

	var nvmData hal.NVMData
	if err := e.nvm.Read(hal.NVMKeyAppStartAddress, &nvmData); err != nil {
		return fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppStartAddress, err)
	}

	addr := nvmData.AppStartAddress + hal.Addr(e.bytesWritten)
	if err := e.flash.Write(addr, data.Payload); err != nil {
		return fmt.Errorf("flash write %#x: %w", addr, err)
	}

	e.sequenceNumber++ // wraps modulo 256
	e.bytesWritten += payloadLen

	var meta [protocol.AckMetadataSize]byte
	protocol.PackCRC(meta[:], crc.Fold(e.stream, raw[1:]))
	return protocol.BuildAck(protocol.DFUErrorNone, meta[:], ack)
}

// VerifyFlash recomputes the CRC of the flashed image and compares it to the
// stored one. Flash is streamed back in bounded chunks so verification works
// on targets where the partition cannot be aliased as a buffer.
func (e *Engine) VerifyFlash() (bool, error) {
	var data hal.NVMData
	if err := e.nvm.Read(hal.NVMKeyAppCRC, &data); err != nil {
		return false, fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppCRC, err)
	}
	storedCRC := data.AppCRC

	if err := e.nvm.Read(hal.NVMKeyAppStartAddress, &data); err != nil {
		return false, fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppStartAddress, err)
	}
	addr := data.AppStartAddress

	if err := e.nvm.Read(hal.NVMKeyAppSize, &data); err != nil {
		return false, fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppSize, err)
	}
	remaining := data.AppSize

	var buf [verifyChunkSize]byte
	computed := crc.Init
	for remaining > 0 {
		n := uint32(verifyChunkSize)
		if remaining < n {
			n = remaining
		}
		if err := e.flash.Read(addr, buf[:n]); err != nil {
			return false, fmt.Errorf("flash read %#x: %w", addr, err)
		}
		for _, b := range buf[:n] {
			computed = e.stream(computed, b)
		}
		addr += hal.Addr(n)
		remaining -= n
	}

	return computed == storedCRC, nil
}

func (e *Engine) partitionBounds() (start, end hal.Addr, err error) {
	var data hal.NVMData
	if err := e.nvm.Read(hal.NVMKeyAppStartAddress, &data); err != nil {
		return 0, 0, fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppStartAddress, err)
	}
	start = data.AppStartAddress
	if err := e.nvm.Read(hal.NVMKeyAppEndAddress, &data); err != nil {
		return 0, 0, fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppEndAddress, err)
	}
	end = data.AppEndAddress
	return start, end, nil
}
