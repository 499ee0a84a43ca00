// Package bootloader implements the top-level DFU bootloader state machine.
// It owns the configuration, the latched external request, the current state
// and the single inbound packet slot, and drives the dfu engine from a
// cooperative tick supplied by the integrator's main loop.
package bootloader

import (
	"fmt"
	"sync"

	"github.com/sahil-kale/voyager-bootloader/pkg/crc"
	"github.com/sahil-kale/voyager-bootloader/pkg/dfu"
	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
	"github.com/sahil-kale/voyager-bootloader/pkg/protocol"
)

// Bootloader is the state machine instance. Construct with New, then Init.
// Re-running Init fully resets the session, which is also how an integrator
// cancels an in-flight DFU.
type Bootloader struct {
	config Config
	engine *dfu.Engine

	state                        State
	request                      Request
	appFailedCRCCheck            bool
	validDfuStartRequestReceived bool

	// mu guards the single-slot handoff between ProcessReceivedPacket
	// (which may run from a link-layer goroutine) and Run. The producer
	// fills the slot only when pendingData is clear; Run is the sole
	// resetter and releases the slot only after all uses within a tick.
	mu            sync.Mutex
	messageBuffer []byte
	packetSize    int
	pendingData   bool
	packetOverrun bool

	ackBuffer [protocol.AckMessageSize]byte
}

// New returns a bootloader in StateNotInitialized. Until Init has run, Run
// reports not-implemented and ProcessReceivedPacket reports invalid-argument;
// GetState and Request work as usual.
func New() *Bootloader {
	return &Bootloader{state: StateNotInitialized}
}

// Init validates the configuration, zeroes the session and moves to
// StateIdle. Safe to call again at any time to reset everything.
func (b *Bootloader) Init(config *Config) error {
	if config == nil {
		return hal.NewError(hal.StatusInvalidArgument, "nil config")
	}
	if config.NVM == nil || config.Flash == nil || config.Transport == nil || config.Jumper == nil {
		return hal.NewError(hal.StatusInvalidArgument, "config is missing an adapter")
	}

	cfg := *config
	if cfg.MaxReceivePacketSize == 0 {
		cfg.MaxReceivePacketSize = DefaultMaxReceivePacketSize
	}
	if cfg.MaxReceivePacketSize < MinReceivePacketSize {
		return hal.NewError(hal.StatusInvalidArgument,
			fmt.Sprintf("max receive packet size %d below minimum %d", cfg.MaxReceivePacketSize, MinReceivePacketSize))
	}

	stream := cfg.CustomCRCStream
	if stream == nil {
		stream = crc.Update
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.config = cfg
	b.engine = dfu.NewEngine(cfg.NVM, cfg.Flash, stream)
	b.state = StateIdle
	b.request = RequestKeepIdle
	b.appFailedCRCCheck = false
	b.validDfuStartRequestReceived = false
	b.messageBuffer = make([]byte, cfg.MaxReceivePacketSize)
	b.packetSize = 0
	b.pendingData = false
	b.packetOverrun = false
	b.ackBuffer = [protocol.AckMessageSize]byte{}
	return nil
}

// GetState returns the current state.
func (b *Bootloader) GetState() State {
	return b.state
}

// Request latches the external request. It is consumed by the next state
// transitions; overwriting it at any time is legal.
func (b *Bootloader) Request(r Request) error {
	b.request = r
	return nil
}

// ProcessReceivedPacket hands one inbound host frame to the bootloader. It
// is the one entry point that may be called from a different context than
// Run, for example a link-layer receive goroutine. If the previous frame has
// not been consumed yet the new one is discarded and the overrun is recorded
// for the next tick's ACK; the call itself still succeeds.
func (b *Bootloader) ProcessReceivedPacket(data []byte) error {
	if data == nil {
		return hal.NewError(hal.StatusInvalidArgument, "nil packet")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.messageBuffer == nil {
		return hal.NewError(hal.StatusInvalidArgument, "bootloader not initialized")
	}
	if len(data) > len(b.messageBuffer) {
		return hal.NewError(hal.StatusInvalidArgument,
			fmt.Sprintf("packet length %d exceeds receive buffer %d", len(data), len(b.messageBuffer)))
	}

	if b.pendingData {
		b.packetOverrun = true
		return nil
	}

	copy(b.messageBuffer, data)
	b.packetSize = len(data)
	b.pendingData = true
	return nil
}

// Run executes one bootloader tick: evaluate the desired state, perform any
// exit/entry actions, then run the current state's action. Sub-call failures
// abort the tick; transitions already committed are not rolled back.
func (b *Bootloader) Run() error {
	desired := b.desiredState()
	if desired != b.state {
		if err := b.exitState(b.state, desired); err != nil {
			return err
		}
		if err := b.enterState(desired); err != nil {
			return err
		}
		b.state = desired
	}
	return b.runState(b.state)
}

// desiredState is pure over the session: it inspects the latched request,
// the DFU fault latch and the completion predicate, and never mutates.
func (b *Bootloader) desiredState() State {
	switch b.state {
	case StateIdle:
		switch {
		case b.request == RequestJumpToApp:
			return StateJumpToApp
		case b.request == RequestEnterDfu && b.validDfuStartRequestReceived:
			return StateDfuReceive
		default:
			return StateIdle
		}

	case StateJumpToApp:
		if b.appFailedCRCCheck {
			return StateIdle
		}
		return StateJumpToApp

	case StateDfuReceive:
		if b.engine.Error() != protocol.DFUErrorNone {
			return StateIdle
		}
		if b.engine.Complete() {
			if b.config.JumpToAppAfterDfuRecvComplete {
				return StateJumpToApp
			}
			return StateIdle
		}
		return StateDfuReceive

	default:
		return StateNotInitialized
	}
}

func (b *Bootloader) exitState(current, desired State) error {
	switch current {
	case StateIdle:
		if desired == StateJumpToApp {
			b.request = RequestKeepIdle
		}
		b.validDfuStartRequestReceived = false

	case StateDfuReceive:
		b.mu.Lock()
		b.packetOverrun = false
		b.mu.Unlock()
	}
	return nil
}

func (b *Bootloader) enterState(desired State) error {
	switch desired {
	case StateDfuReceive:
		if err := b.engine.Enter(); err != nil {
			return err
		}
	case StateIdle:
		b.engine.ClearAppSize()
	}
	return nil
}

func (b *Bootloader) runState(state State) error {
	switch state {
	case StateIdle:
		return b.runIdle()
	case StateDfuReceive:
		return b.runDfuReceive()
	case StateJumpToApp:
		return b.runJumpToApp()
	default:
		return hal.NewError(hal.StatusNotImplemented, "bootloader not initialized")
	}
}

func (b *Bootloader) runIdle() error {
	b.engine.ClearError()

	pending, overrun, size := b.slotState()
	if !pending {
		return nil
	}

	ack := b.ackBuffer[:]
	if overrun {
		if err := protocol.BuildAck(protocol.DFUErrorPacketOverrun, nil, ack); err != nil {
			return err
		}
		b.clearOverrun()
	} else {
		raw := b.messageBuffer[:size]
		msg := protocol.Parse(raw)
		switch msg.ID {
		case protocol.MessageIDStart:
			if b.request == RequestEnterDfu {
				ackErr, err := b.engine.ProcessStart(raw, msg.Start, ack)
				if err != nil {
					return err
				}
				if ackErr == protocol.DFUErrorNone {
					b.validDfuStartRequestReceived = true
				}
			} else {
				if err := protocol.BuildAck(protocol.DFUErrorEnterDfuNotRequested, nil, ack); err != nil {
					return err
				}
			}

		case protocol.MessageIDData:
			// No session to attach the packet to.
			if err := protocol.BuildAck(protocol.DFUErrorOutOfSequence, nil, ack); err != nil {
				return err
			}

		default:
			if err := protocol.BuildAck(protocol.DFUErrorInvalidMessageID, nil, ack); err != nil {
				return err
			}
		}
	}

	if err := b.config.Transport.SendToHost(ack); err != nil {
		return fmt.Errorf("send to host: %w", err)
	}
	b.releaseSlot()
	return nil
}

func (b *Bootloader) runDfuReceive() error {
	pending, overrun, size := b.slotState()
	if !pending {
		return nil
	}

	ack := b.ackBuffer[:]
	if overrun {
		if err := protocol.BuildAck(protocol.DFUErrorPacketOverrun, nil, ack); err != nil {
			return err
		}
		b.engine.SetError(protocol.DFUErrorPacketOverrun)
	} else {
		raw := b.messageBuffer[:size]
		msg := protocol.Parse(raw)
		switch msg.ID {
		case protocol.MessageIDData:
			if err := b.engine.ProcessData(raw, msg.Data, ack); err != nil {
				return err
			}

		case protocol.MessageIDStart:
			// A restart mid-session is legitimate: recommit the NVM keys
			// first, then re-erase, so the host observes the same ordering
			// as an initial START.
			ackErr, err := b.engine.ProcessStart(raw, msg.Start, ack)
			if err != nil {
				return err
			}
			if ackErr != protocol.DFUErrorNone {
				b.engine.SetError(ackErr)
				break
			}
			if err := b.engine.Enter(); err != nil {
				// The partition may now be half-erased under committed NVM
				// keys; the session cannot continue.
				b.engine.SetError(protocol.DFUErrorInternalError)
				if ackErr := protocol.BuildAck(protocol.DFUErrorInternalError, nil, ack); ackErr != nil {
					return ackErr
				}
				if sendErr := b.config.Transport.SendToHost(ack); sendErr != nil {
					return fmt.Errorf("send to host: %w", sendErr)
				}
				b.releaseSlot()
				return err
			}

		default:
			if err := protocol.BuildAck(protocol.DFUErrorInvalidMessageID, nil, ack); err != nil {
				return err
			}
			b.engine.SetError(protocol.DFUErrorInvalidMessageID)
		}
	}

	if err := b.config.Transport.SendToHost(ack); err != nil {
		return fmt.Errorf("send to host: %w", err)
	}
	b.releaseSlot()
	return nil
}

func (b *Bootloader) runJumpToApp() error {
	var data hal.NVMData
	if err := b.config.NVM.Read(hal.NVMKeyVerifyFlashBeforeJumping, &data); err != nil {
		return fmt.Errorf("nvm read %v: %w", hal.NVMKeyVerifyFlashBeforeJumping, err)
	}

	if data.VerifyFlashBeforeJumping {
		ok, err := b.engine.VerifyFlash()
		if err != nil {
			return err
		}
		if !ok {
			b.appFailedCRCCheck = true
			return nil
		}
	}

	if err := b.config.NVM.Read(hal.NVMKeyAppResetVectorAddress, &data); err != nil {
		return fmt.Errorf("nvm read %v: %w", hal.NVMKeyAppResetVectorAddress, err)
	}

	// Does not return on success.
	if err := b.config.Jumper.JumpToApp(data.AppResetVectorAddress); err != nil {
		return fmt.Errorf("jump to app %#x: %w", data.AppResetVectorAddress, err)
	}
	return nil
}

func (b *Bootloader) slotState() (pending, overrun bool, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingData, b.packetOverrun, b.packetSize
}

func (b *Bootloader) clearOverrun() {
	b.mu.Lock()
	b.packetOverrun = false
	b.mu.Unlock()
}

func (b *Bootloader) releaseSlot() {
	b.mu.Lock()
	b.pendingData = false
	b.mu.Unlock()
}
