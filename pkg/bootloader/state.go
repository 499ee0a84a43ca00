package bootloader

import (
	"github.com/sahil-kale/voyager-bootloader/pkg/crc"
	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
)

// State is the bootloader's finite state. StateNotInitialized is only ever
// held at power-on and left by Init.
type State int

const (
	StateNotInitialized State = iota
	StateIdle
	StateDfuReceive
	StateJumpToApp
)

var stateNames = map[State]string{
	StateNotInitialized: "not initialized",
	StateIdle:           "idle",
	StateDfuReceive:     "dfu receive",
	StateJumpToApp:      "jump to app",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown state"
}

// Request is the latched external request. The integrator overwrites it at
// will; state transitions consume it.
type Request int

const (
	RequestKeepIdle Request = iota
	RequestEnterDfu
	RequestJumpToApp
)

var requestNames = map[Request]string{
	RequestKeepIdle:  "keep idle",
	RequestEnterDfu:  "enter dfu",
	RequestJumpToApp: "jump to app",
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return "unknown request"
}

// DefaultMaxReceivePacketSize is the inbound slot capacity used when the
// config leaves MaxReceivePacketSize at zero. Integrators trade RAM for
// throughput by raising it.
const DefaultMaxReceivePacketSize = 64

// MinReceivePacketSize is the smallest legal inbound slot: a START frame
// must fit.
const MinReceivePacketSize = 8

// Config carries the integrator's adapters and feature flags. It is
// immutable over a session; Init copies what it needs.
type Config struct {
	// NVM, Flash, Transport and Jumper are the adapter contracts the core
	// calls out through. All four are required.
	NVM       hal.NVM
	Flash     hal.Flash
	Transport hal.Transport
	Jumper    hal.AppJumper

	// JumpToAppAfterDfuRecvComplete makes a fully received image transition
	// directly to jump-to-app; when false the bootloader returns to idle
	// and waits for an explicit request.
	JumpToAppAfterDfuRecvComplete bool

	// CustomCRCStream overrides the per-byte CRC step. Nil selects the
	// built-in table.
	CustomCRCStream crc.StreamFunc

	// MaxReceivePacketSize sets the inbound slot capacity. Zero selects
	// DefaultMaxReceivePacketSize; values below MinReceivePacketSize are
	// rejected by Init.
	MaxReceivePacketSize int
}
