package logic

import "time"

// Detector tracks the tank status kind and detects debounced transitions.
type Detector struct {
	debounceDuration time.Duration
	kind             KindState
	last             Status
	startTime        time.Time
	eventCounts      EventCounts
	lastHeartbeat    time.Time
}

// NewDetector creates a new transition detector with the given debounce duration.
// The startTime is used for calculating uptime in heartbeat events.
func NewDetector(debounceDuration time.Duration, startTime time.Time) *Detector {
	return &Detector{
		debounceDuration: debounceDuration,
		startTime:        startTime,
		lastHeartbeat:    startTime,
	}
}

// Process takes the status evaluated at now and returns any events that should be emitted.
// Events are only returned after baseline is established and on kind transitions.
func (d *Detector) Process(st Status, now time.Time) []Event {
	d.last = st
	wasBaselined := d.kind.Baselined
	from := d.kind.Stable

	if !d.processKind(st.Kind, now) || !wasBaselined {
		return nil // No events until baseline established
	}

	d.count(st.Kind)
	return []Event{{
		Timestamp:   now,
		Type:        EventStatusChange,
		From:        from,
		To:          d.kind.Stable,
		Alert:       st.Alert,
		FillPercent: st.FillPercent,
	}}
}

// processKind handles debounce logic. Returns true if the stable kind changed
// (including the baseline being set).
func (d *Detector) processKind(newKind StatusKind, now time.Time) bool {
	k := &d.kind

	// First time seeing a kind
	if !k.Baselined {
		if k.Pending == "" || k.Pending != newKind {
			// Start observing, or restart if the kind changed during baseline
			k.Pending = newKind
			k.PendingSince = now
			return false
		}
		if now.Sub(k.PendingSince) >= d.debounceDuration {
			k.Stable = newKind
			k.Baselined = true
			k.Pending = ""
			return true
		}
		return false
	}

	// Already baselined - detect transitions
	if newKind == k.Stable {
		// No change from stable kind, clear any pending
		k.Pending = ""
		return false
	}

	if k.Pending != newKind {
		// New pending kind
		k.Pending = newKind
		k.PendingSince = now
		return false
	}

	// Same pending kind, check debounce
	if now.Sub(k.PendingSince) >= d.debounceDuration {
		k.Stable = newKind
		k.Pending = ""
		return true
	}
	return false
}

func (d *Detector) count(kind StatusKind) {
	switch kind {
	case StatusEmpty:
		d.eventCounts.Empty++
	case StatusHalfFull:
		d.eventCounts.HalfFull++
	case StatusOverflowWarning:
		d.eventCounts.OverflowWarning++
	case StatusContaminated:
		d.eventCounts.Contaminated++
	}
}

// IsBaselined returns whether the detector has established a baseline.
func (d *Detector) IsBaselined() bool {
	return d.kind.Baselined
}

// CurrentKind returns the current stable kind ("" before baseline).
func (d *Detector) CurrentKind() StatusKind {
	return d.kind.Stable
}

// LastStatus returns the most recently processed status, debounced or not.
func (d *Detector) LastStatus() Status {
	return d.last
}

// EventCountsSnapshot returns a copy of the transition counts.
func (d *Detector) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet baselined, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if !d.kind.Baselined {
		return nil
	}
	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}
	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.eventCounts,
	}
}
