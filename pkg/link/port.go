package link

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the packaged device-side configuration.
const DefaultBaudRate = 115200

// OpenPort opens a serial port in 8N1 with a short read timeout so pumps
// and host links poll rather than block forever.
func OpenPort(name string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: set read timeout on %s: %w", name, err)
	}

	log.Printf("[link] opened %s at %d baud", name, baud)
	return port, nil
}
