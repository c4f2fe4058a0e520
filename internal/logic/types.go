// Package logic contains pure business logic for tank status tracking.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// StatusKind is the tank's evaluated condition.
type StatusKind string

const (
	StatusEmpty           StatusKind = "EMPTY"
	StatusHalfFull        StatusKind = "HALF_FULL"
	StatusOverflowWarning StatusKind = "OVERFLOW_WARNING"
	StatusContaminated    StatusKind = "CONTAMINATED"
)

// Kinds lists every status kind in code order.
var Kinds = []StatusKind{StatusEmpty, StatusHalfFull, StatusOverflowWarning, StatusContaminated}

// Code returns the compact numeric code used on the telemetry link, or -1.
func (k StatusKind) Code() int {
	for i, kind := range Kinds {
		if kind == k {
			return i
		}
	}
	return -1
}

// KindForCode is the inverse of Code.
func KindForCode(code int) (StatusKind, bool) {
	if code < 0 || code >= len(Kinds) {
		return "", false
	}
	return Kinds[code], true
}

// Thresholds are fill percentages that bound the EMPTY and OVERFLOW_WARNING bands.
type Thresholds struct {
	OverflowPercent float64
	EmptyPercent    float64
}

// TankConfig describes the monitored tank. HeightCM is the distance from the
// sensor face to the tank floor.
type TankConfig struct {
	HeightCM   float64
	Thresholds Thresholds
}

// DefaultTankConfig returns the startup tank configuration.
func DefaultTankConfig() TankConfig {
	return TankConfig{
		HeightCM: 15,
		Thresholds: Thresholds{
			OverflowPercent: 75,
			EmptyPercent:    25,
		},
	}
}

// Direction selects which side of the threshold means contaminated.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Contamination configures the conductivity check. Probe wiring differs between
// deployments, so the comparison direction is configuration, not code.
type Contamination struct {
	Threshold uint16
	When      Direction
}

// DefaultContamination flags readings above 100.
func DefaultContamination() Contamination {
	return Contamination{Threshold: 100, When: Above}
}

// Input is one evaluation's worth of sensor data.
type Input struct {
	Conductivity uint16 // 10-bit ADC value
	DistanceCM   uint32 // filtered distance, 0 = no reading
}

// Status is the evaluated tank state. It has no identity; it is recomputed
// every loop iteration.
type Status struct {
	Kind        StatusKind
	Alert       bool
	FillPercent float64
	HasReading  bool // false when no valid distance was available
}

// Indicator is the logical LED and buzzer state, independent of pin polarity.
type Indicator struct {
	Red    bool
	Yellow bool
	Green  bool
	Buzzer bool
}

// EventType represents a status transition event.
type EventType string

const (
	EventStatusChange EventType = "STATUS_CHANGE"
)

// Event represents a debounced status transition to be published.
type Event struct {
	Timestamp   time.Time
	Type        EventType
	From        StatusKind
	To          StatusKind
	Alert       bool
	FillPercent float64
}

// KindState tracks debounce state for the status kind.
type KindState struct {
	// Current stable (debounced) kind
	Stable StatusKind
	// Pending kind during debounce
	Pending StatusKind
	// Time when pending kind was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}

// EventCounts tracks how many times each kind was entered since startup.
type EventCounts struct {
	Empty           int
	HalfFull        int
	OverflowWarning int
	Contaminated    int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
