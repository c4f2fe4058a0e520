// Package adc reads the conductivity probe through a 10-bit ADC.
package adc

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// MaxValue is the largest value a 10-bit conversion can return.
const MaxValue = 1023

// Reader returns one conductivity conversion in 0..MaxValue.
type Reader interface {
	Read() (uint16, error)
	Close() error
}

// DefaultSPIClock is the MCP3008 clock; the part is rated to 1.35 MHz at 2.7 V.
const DefaultSPIClock = physic.MegaHertz

// MCP3008 is a single channel of an MCP3008 on an SPI port.
type MCP3008 struct {
	mu      sync.Mutex
	port    spi.PortCloser
	conn    spi.Conn
	channel int
}

// OpenMCP3008 opens the SPI port by name ("" selects the first available)
// and reads channel ch in single-ended mode.
func OpenMCP3008(port string, ch int) (*MCP3008, error) {
	if ch < 0 || ch > 7 {
		return nil, fmt.Errorf("invalid mcp3008 channel %d", ch)
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", port, err)
	}
	c, err := p.Connect(DefaultSPIClock, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("connect spi port %q: %w", port, err)
	}
	return &MCP3008{port: p, conn: c, channel: ch}, nil
}

// Read performs one conversion.
func (m *MCP3008) Read() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return 0, errors.New("mcp3008: closed")
	}
	w := Request(m.channel)
	r := make([]byte, len(w))
	if err := m.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("mcp3008 transfer: %w", err)
	}
	return Decode(r), nil
}

// Close releases the SPI port.
func (m *MCP3008) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port, m.conn = nil, nil
	return err
}

// Request builds the three-byte single-ended conversion request for ch.
func Request(ch int) []byte {
	return []byte{0x01, 0x80 | byte(ch&0x07)<<4, 0x00}
}

// Decode extracts the 10-bit result from a conversion response.
func Decode(r []byte) uint16 {
	if len(r) < 3 {
		return 0
	}
	return uint16(r[1]&0x03)<<8 | uint16(r[2])
}
