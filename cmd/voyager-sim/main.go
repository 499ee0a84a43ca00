// voyager-sim runs a simulated DFU target: the bootloader core wired to a
// memory-mapped flash partition file, a packed NVM file and a framed serial
// link. Point voyagerctl at the other end of the port (a pty pair works) to
// exercise a full update without hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sahil-kale/voyager-bootloader/pkg/bootloader"
	"github.com/sahil-kale/voyager-bootloader/pkg/flashsim"
	"github.com/sahil-kale/voyager-bootloader/pkg/hal"
	"github.com/sahil-kale/voyager-bootloader/pkg/link"
)

type simJumper struct {
	jumped chan hal.Addr
}

// JumpToApp ends the simulation instead of transferring control.
func (j *simJumper) JumpToApp(resetVector hal.Addr) error {
	// Run is called from the same goroutine that drains jumped, so a
	// second jump before the first is seen must not block.
	select {
	case j.jumped <- resetVector:
	default:
	}
	return nil
}

func main() {
	portName := flag.String("port", "", "serial port to listen on (required)")
	flashPath := flag.String("flash", "voyager-flash.bin", "flash partition backing file")
	nvmPath := flag.String("nvm", "voyager-nvm.bin", "NVM record backing file")
	base := flag.Uint64("base", 0x1000, "application partition base address")
	size := flag.Int("size", 64*1024, "application partition size in bytes")
	baud := flag.Int("baud", link.DefaultBaudRate, "baud rate")
	verify := flag.Bool("verify", true, "verify flash CRC before jumping")
	jumpAfterDfu := flag.Bool("jump-after-dfu", true, "jump to the app when a transfer completes")
	flag.Parse()

	if *portName == "" {
		flag.Usage()
		os.Exit(1)
	}

	flash, err := flashsim.OpenFlash(*flashPath, hal.Addr(*base), *size)
	if err != nil {
		log.Fatalf("[sim] %v", err)
	}
	defer flash.Close()

	nvm, err := flashsim.OpenNVM(*nvmPath, hal.NVMData{
		AppStartAddress:          hal.Addr(*base),
		AppEndAddress:            hal.Addr(*base) + hal.Addr(*size) - 1,
		AppResetVectorAddress:    hal.Addr(*base),
		VerifyFlashBeforeJumping: *verify,
	})
	if err != nil {
		log.Fatalf("[sim] %v", err)
	}

	port, err := link.OpenPort(*portName, *baud)
	if err != nil {
		log.Fatalf("[sim] %v", err)
	}
	defer port.Close()

	jumper := &simJumper{jumped: make(chan hal.Addr, 1)}
	bl := bootloader.New()
	err = bl.Init(&bootloader.Config{
		NVM:                           nvm,
		Flash:                         flash,
		Transport:                     link.NewTransport(port),
		Jumper:                        jumper,
		JumpToAppAfterDfuRecvComplete: *jumpAfterDfu,
	})
	if err != nil {
		log.Fatalf("[sim] init: %v", err)
	}

	// A simulated target is always willing to take an update.
	if err := bl.Request(bootloader.RequestEnterDfu); err != nil {
		log.Fatalf("[sim] request: %v", err)
	}

	pump := link.NewPump(port, func(frame []byte) {
		if err := bl.ProcessReceivedPacket(frame); err != nil {
			log.Printf("[sim] dropping packet: %v", err)
		}
	})
	pump.Start()
	defer pump.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("[sim] listening on %s, partition %#x+%#x", *portName, *base, *size)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := bl.Run(); err != nil {
				log.Printf("[sim] tick: %v (state %v)", err, bl.GetState())
			}
		case addr := <-jumper.jumped:
			if err := flash.Sync(); err != nil {
				log.Printf("[sim] %v", err)
			}
			fmt.Printf("jumped to application at %#x\n", addr)
			return
		case <-sigs:
			log.Printf("[sim] shutting down (state %v)", bl.GetState())
			return
		}
	}
}
