package mqtt

import (
	"sync"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

// FakeMessage is one publish as a broker would see it.
type FakeMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakePublisher stands in for the broker connection. It records what the
// daemon publishes, both as typed values and as the topic/payload stream a
// subscriber on tank/sensor/# would receive.
//
// Methods lock; tests read the fields directly once the publishing goroutine
// has stopped.
type FakePublisher struct {
	mu sync.Mutex

	// Events and Payloads are the status changes published to Topic.
	Events   []logic.Event
	Payloads [][]byte

	// SystemEvents and SystemPayloads are the lifecycle events on TopicSystem.
	SystemEvents   []SystemEvent
	SystemPayloads [][]byte

	// Records are the telemetry records reported to TopicTelemetry.
	Records []telemetry.Record

	// Messages is every successful publish in order, across all topics.
	Messages []FakeMessage

	// PublishError, PublishSystemError and ReportError fail the matching call
	// without recording it.
	PublishError       error
	PublishSystemError error
	ReportError        error

	// Connected is returned by IsConnected; Pending by Queued.
	Connected bool
	Pending   int

	Closed bool
}

// NewFakePublisher creates a disconnected FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records a status-change event.
func (f *FakePublisher) Publish(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	f.Messages = append(f.Messages, FakeMessage{Topic: Topic, Payload: payload})
	return nil
}

// PublishSystem records a lifecycle event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	f.Messages = append(f.Messages, FakeMessage{Topic: TopicSystem, Payload: payload, Retained: event.Retained})
	return nil
}

// Report records a telemetry record.
func (f *FakePublisher) Report(rec telemetry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReportError != nil {
		return f.ReportError
	}
	payload, err := FormatTelemetry(rec)
	if err != nil {
		return err
	}
	f.Records = append(f.Records, rec)
	f.Messages = append(f.Messages, FakeMessage{Topic: TopicTelemetry, Payload: payload})
	return nil
}

// Retained returns the payload a new subscriber to topic would be handed:
// the last retained publish on it, or nil.
func (f *FakePublisher) Retained(topic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Messages) - 1; i >= 0; i-- {
		if m := f.Messages[i]; m.Topic == topic && m.Retained {
			return m.Payload
		}
	}
	return nil
}

// SystemEventNames lists the lifecycle events published so far, e.g.
// STARTUP, HEARTBEAT, SHUTDOWN.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, ev := range f.SystemEvents {
		names[i] = ev.Event
	}
	return names
}

// IsConnected returns Connected.
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Queued returns Pending and no drops, like an outbox that never fills.
func (f *FakePublisher) Queued() (pending int, dropped uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pending, 0
}

// Close marks the publisher closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset returns f to its freshly created state.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events, f.Payloads = nil, nil
	f.SystemEvents, f.SystemPayloads = nil, nil
	f.Records, f.Messages = nil, nil
	f.PublishError, f.PublishSystemError, f.ReportError = nil, nil, nil
	f.Connected, f.Pending, f.Closed = false, 0, false
}
