package flashsim

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
)

// nvmRecord is the packed on-disk layout of the NVM key space.
type nvmRecord struct {
	AppCRC                   uint32
	AppStartAddress          uint64
	AppEndAddress            uint64
	AppSize                  uint32
	AppResetVectorAddress    uint64
	VerifyFlashBeforeJumping bool
}

// FileNVM is a hal.NVM persisted to a single packed file. Every write goes
// straight to disk, matching the durability of real non-volatile storage.
type FileNVM struct {
	mu   sync.Mutex
	path string
	data hal.NVMData
}

// OpenNVM loads the record at path, or creates it from defaults when the
// file does not exist yet.
func OpenNVM(path string, defaults hal.NVMData) (*FileNVM, error) {
	n := &FileNVM{path: path, data: defaults}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		var rec nvmRecord
		if err := binary.Read(f, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("flashsim: read nvm record %s: %w", path, err)
		}
		n.data = hal.NVMData{
			AppCRC:                   rec.AppCRC,
			AppStartAddress:          hal.Addr(rec.AppStartAddress),
			AppEndAddress:            hal.Addr(rec.AppEndAddress),
			AppSize:                  rec.AppSize,
			AppResetVectorAddress:    hal.Addr(rec.AppResetVectorAddress),
			VerifyFlashBeforeJumping: rec.VerifyFlashBeforeJumping,
		}
		return n, nil

	case os.IsNotExist(err):
		if err := n.persist(); err != nil {
			return nil, err
		}
		return n, nil

	default:
		return nil, fmt.Errorf("flashsim: open nvm %s: %w", path, err)
	}
}

// Read copies the value for key into data.
func (n *FileNVM) Read(key hal.NVMKey, data *hal.NVMData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch key {
	case hal.NVMKeyAppCRC:
		data.AppCRC = n.data.AppCRC
	case hal.NVMKeyAppStartAddress:
		data.AppStartAddress = n.data.AppStartAddress
	case hal.NVMKeyAppEndAddress:
		data.AppEndAddress = n.data.AppEndAddress
	case hal.NVMKeyAppSize:
		data.AppSize = n.data.AppSize
	case hal.NVMKeyAppResetVectorAddress:
		data.AppResetVectorAddress = n.data.AppResetVectorAddress
	case hal.NVMKeyVerifyFlashBeforeJumping:
		data.VerifyFlashBeforeJumping = n.data.VerifyFlashBeforeJumping
	default:
		return fmt.Errorf("flashsim: unknown nvm key %d", key)
	}
	return nil
}

// Write stores the value for key and persists the record.
func (n *FileNVM) Write(key hal.NVMKey, data *hal.NVMData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch key {
	case hal.NVMKeyAppCRC:
		n.data.AppCRC = data.AppCRC
	case hal.NVMKeyAppStartAddress:
		n.data.AppStartAddress = data.AppStartAddress
	case hal.NVMKeyAppEndAddress:
		n.data.AppEndAddress = data.AppEndAddress
	case hal.NVMKeyAppSize:
		n.data.AppSize = data.AppSize
	case hal.NVMKeyAppResetVectorAddress:
		n.data.AppResetVectorAddress = data.AppResetVectorAddress
	case hal.NVMKeyVerifyFlashBeforeJumping:
		n.data.VerifyFlashBeforeJumping = data.VerifyFlashBeforeJumping
	default:
		return fmt.Errorf("flashsim: unknown nvm key %d", key)
	}
	return n.persist()
}

func (n *FileNVM) persist() error {
	f, err := os.CreateTemp(filepath.Dir(n.path), ".nvm-*")
	if err != nil {
		return fmt.Errorf("flashsim: create nvm temp: %w", err)
	}
	tmp := f.Name()

	rec := nvmRecord{
		AppCRC:                   n.data.AppCRC,
		AppStartAddress:          uint64(n.data.AppStartAddress),
		AppEndAddress:            uint64(n.data.AppEndAddress),
		AppSize:                  n.data.AppSize,
		AppResetVectorAddress:    uint64(n.data.AppResetVectorAddress),
		VerifyFlashBeforeJumping: n.data.VerifyFlashBeforeJumping,
	}
	if err := binary.Write(f, binary.BigEndian, &rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flashsim: write nvm record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("flashsim: close nvm temp: %w", err)
	}
	if err := os.Rename(tmp, n.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("flashsim: replace nvm record %s: %w", n.path, err)
	}
	return nil
}
