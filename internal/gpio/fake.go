package gpio

import (
	"sync"
	"time"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
)

// FakeSonar simulates an HC-SR04 behind a capture unit. Each Pulse produces a
// rising and a falling capture for the configured distance, delivered
// synchronously to the registered handler the way an interrupt would be.
type FakeSonar struct {
	mu sync.Mutex

	distanceCM uint32
	tickNanos  uint32
	handler    func(sonar.CaptureEvent)
	edge       sonar.Edge
	cycle      uint32

	// StartTicks is the counter value at the rising edge. Values near 65535
	// make the falling edge wrap the counter.
	StartTicks uint16

	// DropFalling simulates an echo whose falling edge never arrives.
	DropFalling bool

	// PulseError, if set, is returned by Pulse and no echo is produced.
	PulseError error

	// Restarts and Pulses count calls; LastWidth is the last pulse width.
	Restarts  int
	Pulses    int
	LastWidth time.Duration
}

// NewFakeSonar creates a simulated sensor reporting distanceCM (0 = no echo).
func NewFakeSonar(tickNanos uint32, distanceCM uint32) *FakeSonar {
	return &FakeSonar{tickNanos: tickNanos, distanceCM: distanceCM}
}

// OnCapture registers the capture handler.
func (f *FakeSonar) OnCapture(fn func(sonar.CaptureEvent)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

// SetDistance changes the simulated target distance.
func (f *FakeSonar) SetDistance(cm uint32) {
	f.mu.Lock()
	f.distanceCM = cm
	f.mu.Unlock()
}

// Restart counts the call and stamps later edges with cycle.
func (f *FakeSonar) Restart(cycle uint32) {
	f.mu.Lock()
	f.Restarts++
	f.cycle = cycle
	f.mu.Unlock()
}

// Select arms the simulated capture unit.
func (f *FakeSonar) Select(edge sonar.Edge) {
	f.mu.Lock()
	f.edge = edge
	f.mu.Unlock()
}

// Armed returns the currently selected edge.
func (f *FakeSonar) Armed() sonar.Edge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edge
}

// Pulse records the trigger and emits the echo edges.
func (f *FakeSonar) Pulse(width time.Duration) error {
	f.mu.Lock()
	f.Pulses++
	f.LastWidth = width
	if f.PulseError != nil {
		f.mu.Unlock()
		return f.PulseError
	}
	cm := f.distanceCM
	start := f.StartTicks
	drop := f.DropFalling
	tick := f.tickNanos
	f.mu.Unlock()

	if cm == 0 || tick == 0 {
		return nil
	}
	us := uint64(cm) * sonar.MicrosPerCentimetre
	span := us * 1000 / uint64(tick)

	f.deliver(sonar.CaptureEvent{Edge: sonar.EdgeRising, Ticks: start})
	if !drop {
		f.deliver(sonar.CaptureEvent{
			Edge:    sonar.EdgeFalling,
			Ticks:   start + uint16(span),
			Overrun: span >= counterSpan,
		})
	}
	return nil
}

// deliver stamps ev with the current cycle and hands it to the handler if the
// edge is armed. The handler runs without f.mu held because it calls back
// into Select.
func (f *FakeSonar) deliver(ev sonar.CaptureEvent) {
	f.mu.Lock()
	fn := f.handler
	armed := f.edge == ev.Edge
	ev.Cycle = f.cycle
	f.mu.Unlock()
	if fn != nil && armed {
		fn(ev)
	}
}

// FakePanel records indicator changes.
type FakePanel struct {
	mu sync.Mutex

	// Shows counts Show calls.
	Shows int
	// Changes holds each distinct indicator in the order it was first shown
	// after a different one.
	Changes []logic.Indicator
	// ShowError, if set, is returned by Show.
	ShowError error

	// Halted is set by Halt; Closed by Close.
	Halted bool
	Closed bool
}

// NewFakePanel creates an empty FakePanel.
func NewFakePanel() *FakePanel {
	return &FakePanel{}
}

// Show records ind.
func (p *FakePanel) Show(ind logic.Indicator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ShowError != nil {
		return p.ShowError
	}
	p.Shows++
	if n := len(p.Changes); n == 0 || p.Changes[n-1] != ind {
		p.Changes = append(p.Changes, ind)
	}
	return nil
}

// Last returns the most recently shown indicator.
func (p *FakePanel) Last() logic.Indicator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Changes) == 0 {
		return logic.Indicator{}
	}
	return p.Changes[len(p.Changes)-1]
}

// Halt shows AllOn and keeps it through Close, like Hardware.Halt.
func (p *FakePanel) Halt() error {
	p.mu.Lock()
	p.Halted = true
	p.mu.Unlock()
	return p.Show(logic.AllOn())
}

// Close clears the panel unless it was halted.
func (p *FakePanel) Close() error {
	p.mu.Lock()
	halted := p.Halted
	p.Closed = true
	p.mu.Unlock()
	if halted {
		return nil
	}
	return p.Show(logic.Indicator{})
}
