package flashsim

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
)

func TestFlashEraseWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	flash, err := OpenFlash(path, 0x1000, 256)
	require.NoError(t, err)
	defer flash.Close()

	require.NoError(t, flash.Erase(0x1000, 0x10FF))
	require.NoError(t, flash.Write(0x1010, []byte{0xCA, 0xFE}))

	out := make([]byte, 4)
	require.NoError(t, flash.Read(0x100F, out))
	assert.Equal(t, []byte{0xFF, 0xCA, 0xFE, 0xFF}, out)
}

func TestFlashBoundsChecks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	flash, err := OpenFlash(path, 0x1000, 64)
	require.NoError(t, err)
	defer flash.Close()

	assert.Error(t, flash.Erase(0x0FFF, 0x1010))
	assert.Error(t, flash.Erase(0x1000, 0x1040))
	assert.Error(t, flash.Write(0x103F, []byte{1, 2}))
	assert.Error(t, flash.Read(0x1040, make([]byte, 1)))
}

func TestFlashPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")

	flash, err := OpenFlash(path, 0x1000, 64)
	require.NoError(t, err)
	require.NoError(t, flash.Write(0x1000, []byte{0x10, 0x11, 0x12}))
	require.NoError(t, flash.Close())

	flash, err = OpenFlash(path, 0x1000, 64)
	require.NoError(t, err)
	defer flash.Close()

	out := make([]byte, 3)
	require.NoError(t, flash.Read(0x1000, out))
	assert.Equal(t, []byte{0x10, 0x11, 0x12}, out)
}

func TestNVMDefaultsAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")
	defaults := hal.NVMData{
		AppStartAddress:          0x1000,
		AppEndAddress:            0x1080,
		AppResetVectorAddress:    0x1000,
		VerifyFlashBeforeJumping: true,
	}

	nvm, err := OpenNVM(path, defaults)
	require.NoError(t, err)

	var data hal.NVMData
	require.NoError(t, nvm.Read(hal.NVMKeyAppStartAddress, &data))
	assert.Equal(t, hal.Addr(0x1000), data.AppStartAddress)
	require.NoError(t, nvm.Read(hal.NVMKeyVerifyFlashBeforeJumping, &data))
	assert.True(t, data.VerifyFlashBeforeJumping)

	write := hal.NVMData{AppCRC: 0xDEADBEEF}
	require.NoError(t, nvm.Write(hal.NVMKeyAppCRC, &write))
	write = hal.NVMData{AppSize: 128}
	require.NoError(t, nvm.Write(hal.NVMKeyAppSize, &write))

	// A reopened store must come back with the committed record, not the
	// defaults.
	nvm, err = OpenNVM(path, hal.NVMData{})
	require.NoError(t, err)
	require.NoError(t, nvm.Read(hal.NVMKeyAppCRC, &data))
	assert.Equal(t, uint32(0xDEADBEEF), data.AppCRC)
	require.NoError(t, nvm.Read(hal.NVMKeyAppSize, &data))
	assert.Equal(t, uint32(128), data.AppSize)
	require.NoError(t, nvm.Read(hal.NVMKeyAppEndAddress, &data))
	assert.Equal(t, hal.Addr(0x1080), data.AppEndAddress)
}
