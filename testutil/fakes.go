// Package testutil provides in-memory fakes for the adapter contracts plus
// scenario helpers shared by the package test suites.
package testutil

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
)

// FakeNVM implements hal.NVM over an in-memory record.
type FakeNVM struct {
	mu   sync.Mutex
	Data hal.NVMData

	FailOnRead  bool
	FailOnWrite bool

	// WriteLog records the keys written, in order.
	WriteLog []hal.NVMKey
}

// NewFakeNVM creates a fake NVM pre-provisioned with the given record.
func NewFakeNVM(data hal.NVMData) *FakeNVM {
	return &FakeNVM{Data: data}
}

// Read copies the value for key into data.
func (n *FakeNVM) Read(key hal.NVMKey, data *hal.NVMData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.FailOnRead {
		return errors.New("fake nvm read error")
	}

	switch key {
	case hal.NVMKeyAppCRC:
		data.AppCRC = n.Data.AppCRC
	case hal.NVMKeyAppStartAddress:
		data.AppStartAddress = n.Data.AppStartAddress
	case hal.NVMKeyAppEndAddress:
		data.AppEndAddress = n.Data.AppEndAddress
	case hal.NVMKeyAppSize:
		data.AppSize = n.Data.AppSize
	case hal.NVMKeyAppResetVectorAddress:
		data.AppResetVectorAddress = n.Data.AppResetVectorAddress
	case hal.NVMKeyVerifyFlashBeforeJumping:
		data.VerifyFlashBeforeJumping = n.Data.VerifyFlashBeforeJumping
	default:
		return fmt.Errorf("fake nvm: unknown key %d", key)
	}
	return nil
}

// Write stores the value for key.
func (n *FakeNVM) Write(key hal.NVMKey, data *hal.NVMData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.FailOnWrite {
		return errors.New("fake nvm write error")
	}

	switch key {
	case hal.NVMKeyAppCRC:
		n.Data.AppCRC = data.AppCRC
	case hal.NVMKeyAppStartAddress:
		n.Data.AppStartAddress = data.AppStartAddress
	case hal.NVMKeyAppEndAddress:
		n.Data.AppEndAddress = data.AppEndAddress
	case hal.NVMKeyAppSize:
		n.Data.AppSize = data.AppSize
	case hal.NVMKeyAppResetVectorAddress:
		n.Data.AppResetVectorAddress = data.AppResetVectorAddress
	case hal.NVMKeyVerifyFlashBeforeJumping:
		n.Data.VerifyFlashBeforeJumping = data.VerifyFlashBeforeJumping
	default:
		return fmt.Errorf("fake nvm: unknown key %d", key)
	}
	n.WriteLog = append(n.WriteLog, key)
	return nil
}

// EraseCall records one flash erase invocation.
type EraseCall struct {
	Start hal.Addr
	End   hal.Addr
}

// FakeFlash implements hal.Flash over a byte slice mapped at Base.
type FakeFlash struct {
	mu   sync.Mutex
	Base hal.Addr
	Mem  []byte

	FailOnErase bool
	FailOnWrite bool
	FailOnRead  bool

	EraseCalls []EraseCall
}

// NewFakeFlash creates a fake flash of size bytes mapped at base, reading
// as erased (0xFF).
func NewFakeFlash(base hal.Addr, size int) *FakeFlash {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &FakeFlash{Base: base, Mem: mem}
}

// Erase fills the inclusive range [start, end] with 0xFF.
func (f *FakeFlash) Erase(start, end hal.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailOnErase {
		return errors.New("fake flash erase error")
	}
	if start < f.Base || end >= f.Base+hal.Addr(len(f.Mem)) || end < start {
		return fmt.Errorf("fake flash: erase range [%#x, %#x] out of bounds", start, end)
	}

	for i := start - f.Base; i <= end-f.Base; i++ {
		f.Mem[i] = 0xFF
	}
	f.EraseCalls = append(f.EraseCalls, EraseCall{Start: start, End: end})
	return nil
}

// Write copies data into the flash at addr.
func (f *FakeFlash) Write(addr hal.Addr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailOnWrite {
		return errors.New("fake flash write error")
	}
	if addr < f.Base || addr+hal.Addr(len(data)) > f.Base+hal.Addr(len(f.Mem)) {
		return fmt.Errorf("fake flash: write at %#x len %d out of bounds", addr, len(data))
	}

	copy(f.Mem[addr-f.Base:], data)
	return nil
}

// Read copies len(out) bytes from the flash at addr.
func (f *FakeFlash) Read(addr hal.Addr, out []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailOnRead {
		return errors.New("fake flash read error")
	}
	if addr < f.Base || addr+hal.Addr(len(out)) > f.Base+hal.Addr(len(f.Mem)) {
		return fmt.Errorf("fake flash: read at %#x len %d out of bounds", addr, len(out))
	}

	copy(out, f.Mem[addr-f.Base:])
	return nil
}

// Contents returns a copy of the flash memory.
func (f *FakeFlash) Contents() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.Mem))
	copy(out, f.Mem)
	return out
}

// FakeTransport implements hal.Transport by recording every frame sent to
// the host.
type FakeTransport struct {
	mu     sync.Mutex
	Frames [][]byte

	FailOnSend bool
}

// SendToHost records a copy of data.
func (t *FakeTransport) SendToHost(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailOnSend {
		return errors.New("fake transport send error")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	t.Frames = append(t.Frames, frame)
	return nil
}

// LastFrame returns the most recently sent frame, or nil when none.
func (t *FakeTransport) LastFrame() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Frames) == 0 {
		return nil
	}
	return t.Frames[len(t.Frames)-1]
}

// FrameCount returns how many frames were sent.
func (t *FakeTransport) FrameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Frames)
}

// FakeJumper implements hal.AppJumper by recording the jump instead of
// transferring control.
type FakeJumper struct {
	Jumped     bool
	JumpedTo   hal.Addr
	FailOnJump bool
}

// JumpToApp records the requested reset vector.
func (j *FakeJumper) JumpToApp(resetVector hal.Addr) error {
	if j.FailOnJump {
		return errors.New("fake jumper error")
	}
	j.Jumped = true
	j.JumpedTo = resetVector
	return nil
}
