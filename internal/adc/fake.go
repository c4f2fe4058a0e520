package adc

import "sync"

// FakeReader returns scripted values. Once the script is exhausted the last
// value repeats.
type FakeReader struct {
	mu     sync.Mutex
	values []uint16
	next   int

	// Error, if set, is returned by Read.
	Error error
	// Reads counts Read calls, including failed ones.
	Reads int
	// Closed is set by Close.
	Closed bool
}

// NewFakeReader creates a FakeReader with the given script.
func NewFakeReader(values ...uint16) *FakeReader {
	return &FakeReader{values: values}
}

// Set replaces the script with a single constant value.
func (f *FakeReader) Set(v uint16) {
	f.mu.Lock()
	f.values = []uint16{v}
	f.next = 0
	f.mu.Unlock()
}

// Read returns the next scripted value.
func (f *FakeReader) Read() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++
	if f.Error != nil {
		return 0, f.Error
	}
	if len(f.values) == 0 {
		return 0, nil
	}
	v := f.values[f.next]
	if f.next < len(f.values)-1 {
		f.next++
	}
	return v, nil
}

// Close marks the reader closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
