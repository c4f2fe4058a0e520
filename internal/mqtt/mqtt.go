// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

// Topic is the MQTT topic for tank status-change events.
const Topic = "tank/sensor/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "tank/sensor/system"

// TopicTelemetry is the MQTT topic for periodic telemetry records.
const TopicTelemetry = "tank/sensor/telemetry"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a tank status-change event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Report sends a telemetry record. Records are not buffered while offline.
	Report(rec telemetry.Record) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT", "MQTT_DISCONNECT"
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Tank TankPayload `json:"tank"`
}

// TankPayload contains the status-change details.
type TankPayload struct {
	Timestamp   string  `json:"timestamp"`
	Event       string  `json:"event"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Alert       bool    `json:"alert"`
	FillPercent float64 `json:"fill_percent"`
}

// FormatPayload creates the JSON payload for a status-change event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Tank: TankPayload{
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339),
			Event:       string(event.Type),
			From:        string(event.From),
			To:          string(event.To),
			Alert:       event.Alert,
			FillPercent: event.FillPercent,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// WillEvent is the last-will message registered at connect time. The broker
// publishes it, retained, if the connection drops without a clean disconnect.
func WillEvent(t time.Time) SystemEvent {
	return SystemEvent{
		Timestamp: t,
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
		Retained:  true,
	}
}

// FormatTelemetry creates the JSON payload for a telemetry record.
func FormatTelemetry(rec telemetry.Record) ([]byte, error) {
	s, err := telemetry.FormatJSON(rec)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}
