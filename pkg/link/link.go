package link

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Transport adapts a framed byte stream to the bootloader's send-to-host
// callback: every outbound packet goes out as one frame.
type Transport struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTransport wraps w.
func NewTransport(w io.Writer) *Transport {
	return &Transport{w: w}
}

// SendToHost frames and writes one packet.
func (t *Transport) SendToHost(data []byte) error {
	frame, err := Encode(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(frame); err != nil {
		return fmt.Errorf("link: write frame: %w", err)
	}
	return nil
}

// Pump reads a byte stream, reassembles frames and hands each payload to a
// handler. It is the receive half of a device-side integration; the handler
// typically forwards to the bootloader's ProcessReceivedPacket.
type Pump struct {
	r       io.Reader
	handler func([]byte)
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPump creates a pump reading from r. handler is called with a copy of
// each decoded payload.
func NewPump(r io.Reader, handler func([]byte)) *Pump {
	return &Pump{r: r, handler: handler, stop: make(chan struct{})}
}

// Start launches the reader goroutine.
func (p *Pump) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop terminates the reader and waits for it to exit.
func (p *Pump) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pump) run() {
	defer p.wg.Done()

	var dec Decoder
	buf := make([]byte, 256)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := p.r.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("[link] read error: %v", err)
			}
			return
		}
		for _, b := range buf[:n] {
			if payload, ok := dec.Feed(b); ok {
				frame := make([]byte, len(payload))
				copy(frame, payload)
				p.handler(frame)
			}
		}
	}
}

// HostLink is the host side of a framed stream: send one frame, wait for
// the device's answer. It implements host.Exchanger.
type HostLink struct {
	rw  io.ReadWriter
	dec Decoder
	buf []byte

	// MaxReads bounds how many stream reads Exchange waits for an answer.
	// On serial ports configure the port read timeout so each empty read
	// paces the wait.
	MaxReads int
}

// NewHostLink wraps rw.
func NewHostLink(rw io.ReadWriter) *HostLink {
	return &HostLink{rw: rw, buf: make([]byte, 256), MaxReads: 100}
}

// Exchange writes frame and blocks until one answer frame arrives, or fails
// once MaxReads reads in a row have come back empty.
func (l *HostLink) Exchange(frame []byte) ([]byte, error) {
	out, err := Encode(frame)
	if err != nil {
		return nil, err
	}
	if _, err := l.rw.Write(out); err != nil {
		return nil, fmt.Errorf("link: write frame: %w", err)
	}

	reads := 0
	for {
		n, err := l.rw.Read(l.buf)
		if err != nil {
			return nil, fmt.Errorf("link: read: %w", err)
		}
		if n == 0 {
			reads++
			if reads >= l.MaxReads {
				return nil, fmt.Errorf("link: timed out waiting for answer frame")
			}
			continue
		}
		for i, b := range l.buf[:n] {
			if payload, ok := l.dec.Feed(b); ok {
				if i != n-1 {
					log.Printf("[link] discarding %d trailing bytes after frame", n-1-i)
				}
				answer := make([]byte, len(payload))
				copy(answer, payload)
				return answer, nil
			}
		}
	}
}
