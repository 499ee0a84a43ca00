//go:build integration

package integration

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahil-kale/voyager-bootloader/pkg/bootloader"
	"github.com/sahil-kale/voyager-bootloader/pkg/crc"
	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
	"github.com/sahil-kale/voyager-bootloader/pkg/host"
	"github.com/sahil-kale/voyager-bootloader/pkg/link"
	"github.com/sahil-kale/voyager-bootloader/testutil"
)

// duplex joins one read end and one write end into an io.ReadWriter.
type duplex struct {
	io.Reader
	io.Writer
}

// chanJumper signals the jump instead of transferring control; safe to call
// from the device goroutine.
type chanJumper struct {
	jumped chan hal.Addr
}

func (j *chanJumper) JumpToApp(resetVector hal.Addr) error {
	// The device keeps ticking after the first jump; only the first one
	// matters to the test.
	select {
	case j.jumped <- resetVector:
	default:
	}
	return nil
}

// TestFullUpdateOverFramedLink runs a complete firmware update through the
// framed byte-stream transport: host-side flasher on one end, the
// bootloader ticking in its own goroutine on the other.
func TestFullUpdateOverFramedLink(t *testing.T) {
	// host -> device and device -> host byte streams.
	devInR, devInW := io.Pipe()
	devOutR, devOutW := io.Pipe()
	defer devInW.Close()
	defer devOutW.Close()

	nvm := testutil.NewFakeNVM(hal.NVMData{
		AppStartAddress:          0x1000,
		AppEndAddress:            0x1FFF,
		AppResetVectorAddress:    0x1000,
		VerifyFlashBeforeJumping: true,
	})
	flash := testutil.NewFakeFlash(0x1000, 4096)
	jumper := &chanJumper{jumped: make(chan hal.Addr, 1)}

	bl := bootloader.New()
	require.NoError(t, bl.Init(&bootloader.Config{
		NVM:                           nvm,
		Flash:                         flash,
		Transport:                     link.NewTransport(devOutW),
		Jumper:                        jumper,
		JumpToAppAfterDfuRecvComplete: true,
	}))
	require.NoError(t, bl.Request(bootloader.RequestEnterDfu))

	pump := link.NewPump(devInR, func(frame []byte) {
		if err := bl.ProcessReceivedPacket(frame); err != nil {
			t.Logf("device dropped packet: %v", err)
		}
	})
	pump.Start()
	defer pump.Stop()

	stopTicks := make(chan struct{})
	defer close(stopTicks)
	go func() {
		for {
			select {
			case <-stopTicks:
				return
			default:
				if err := bl.Run(); err != nil {
					t.Logf("device tick: %v", err)
				}
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()

	image := testutil.MakeFakeApp(1000)
	hostLink := link.NewHostLink(&duplex{Reader: devOutR, Writer: devInW})
	require.NoError(t, host.FlashImage(hostLink, image, 32))

	select {
	case addr := <-jumper.jumped:
		assert.Equal(t, hal.Addr(0x1000), addr)
	case <-time.After(5 * time.Second):
		t.Fatal("device never jumped to the application")
	}

	assert.True(t, bytes.Equal(flash.Contents()[:len(image)], image))
	assert.Equal(t, crc.Checksum(image), nvm.Data.AppCRC)
	assert.Equal(t, uint32(len(image)), nvm.Data.AppSize)
}
