//go:build !linux

package gpio

import (
	"errors"
	"time"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
)

// Hardware is not available on non-Linux platforms.
type Hardware struct{}

// Open returns an error on non-Linux platforms.
func Open(pins Pins, polarity Polarity, tick time.Duration) (*Hardware, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// OnCapture is a no-op on non-Linux platforms.
func (h *Hardware) OnCapture(fn func(sonar.CaptureEvent)) {}

// Restart is a no-op on non-Linux platforms.
func (h *Hardware) Restart(cycle uint32) {}

// Select is a no-op on non-Linux platforms.
func (h *Hardware) Select(edge sonar.Edge) {}

// Pulse is not implemented on non-Linux platforms.
func (h *Hardware) Pulse(width time.Duration) error {
	return errors.New("gpio: not supported")
}

// Show is not implemented on non-Linux platforms.
func (h *Hardware) Show(ind logic.Indicator) error {
	return errors.New("gpio: not supported")
}

// Halt is not implemented on non-Linux platforms.
func (h *Hardware) Halt() error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (h *Hardware) Close() error {
	return nil
}
