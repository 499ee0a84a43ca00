// Package flashsim provides file-backed implementations of the flash and
// NVM contracts so a full device can run end-to-end off-target: the flash
// partition is a memory-mapped file, the NVM record a small packed file.
package flashsim

import (
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
)

// Flash is a hal.Flash backed by a memory-mapped file. Erase fills with
// 0xFF, the way empty flash reads.
type Flash struct {
	mu   sync.Mutex
	base hal.Addr
	file *os.File
	mem  []byte
}

// OpenFlash creates (or reopens) the partition file at path, sized to size
// bytes and mapped at base.
func OpenFlash(path string, base hal.Addr, size int) (*Flash, error) {
	if size <= 0 {
		return nil, fmt.Errorf("flashsim: partition size must be positive, got %d", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("flashsim: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("flashsim: truncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flashsim: mmap %s: %w", path, err)
	}

	log.Printf("[flashsim] mapped %s: %d bytes at base %#x", path, size, base)
	return &Flash{base: base, file: f, mem: mem}, nil
}

// Base returns the mapped base address.
func (f *Flash) Base() hal.Addr {
	return f.base
}

// Size returns the partition size in bytes.
func (f *Flash) Size() int {
	return len(f.mem)
}

// Erase fills the inclusive range [start, end] with 0xFF.
func (f *Flash) Erase(start, end hal.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if start < f.base || end >= f.base+hal.Addr(len(f.mem)) || end < start {
		return fmt.Errorf("flashsim: erase range [%#x, %#x] out of bounds", start, end)
	}
	for i := start - f.base; i <= end-f.base; i++ {
		f.mem[i] = 0xFF
	}
	return nil
}

// Write copies data into the partition at addr.
func (f *Flash) Write(addr hal.Addr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if addr < f.base || addr+hal.Addr(len(data)) > f.base+hal.Addr(len(f.mem)) {
		return fmt.Errorf("flashsim: write at %#x len %d out of bounds", addr, len(data))
	}
	copy(f.mem[addr-f.base:], data)
	return nil
}

// Read copies len(out) bytes from the partition at addr.
func (f *Flash) Read(addr hal.Addr, out []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if addr < f.base || addr+hal.Addr(len(out)) > f.base+hal.Addr(len(f.mem)) {
		return fmt.Errorf("flashsim: read at %#x len %d out of bounds", addr, len(out))
	}
	copy(out, f.mem[addr-f.base:])
	return nil
}

// Sync flushes the mapping to disk.
func (f *Flash) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := unix.Msync(f.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("flashsim: msync: %w", err)
	}
	return nil
}

// Close flushes and unmaps the partition.
func (f *Flash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mem == nil {
		return nil
	}
	if err := unix.Msync(f.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("flashsim: msync: %w", err)
	}
	if err := unix.Munmap(f.mem); err != nil {
		return fmt.Errorf("flashsim: munmap: %w", err)
	}
	f.mem = nil
	return f.file.Close()
}
