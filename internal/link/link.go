// Package link is the line-oriented serial radio link to the mobile display.
// Outbound lines are telemetry records and command replies; inbound lines
// are configuration commands.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/sweeney/tank-sensor/internal/log"
)

// DefaultBaudRate matches the radio modules' factory setting.
const DefaultBaudRate = 9600

// maxLine bounds an inbound line. Longer lines are framing errors and are
// dropped up to the next newline.
const maxLine = 256

// Link serialises writes to a port and scans inbound lines.
type Link struct {
	port io.ReadWriteCloser

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Open opens a serial device at baud, 8N1.
func Open(path string, baud int) (*Link, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return New(port), nil
}

// New wraps an already-open port.
func New(port io.ReadWriteCloser) *Link {
	return &Link{port: port}
}

// WriteLine writes s followed by a newline. Concurrent calls do not interleave.
func (l *Link) WriteLine(s string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := io.WriteString(l.port, s+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// Run forwards inbound lines, stripped of the terminator, to out until the
// port fails or ctx is cancelled. Cancelling ctx closes the port. Blank lines
// are skipped.
func (l *Link) Run(ctx context.Context, out chan<- string) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	r := bufio.NewReaderSize(l.port, maxLine+1)
	discarding := false
	for {
		chunk, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !discarding {
				log.Warnf("link: dropping inbound line longer than %d bytes", maxLine)
			}
			discarding = true
			continue
		}
		if err == nil && discarding {
			// Tail of an overlong line.
			discarding = false
			continue
		}
		if line := strings.TrimSpace(string(chunk)); line != "" && !discarding {
			select {
			case out <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read line: %w", err)
	}
}

// Close closes the port. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}
