package logic

// FillPercent returns how full the tank is, clamped to [0, 100].
// A distance larger than the tank height reads as empty.
func FillPercent(distanceCM uint32, heightCM float64) float64 {
	if heightCM <= 0 {
		return 0
	}
	p := (heightCM - float64(distanceCM)) / heightCM * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Contaminated reports whether a conductivity reading crosses the threshold.
func (c Contamination) Contaminated(reading uint16) bool {
	if c.When == Below {
		return reading < c.Threshold
	}
	return reading > c.Threshold
}

// Evaluate applies the alert policy. Contamination takes priority over level.
// A zero distance means no valid reading and evaluates to EMPTY without alert.
func Evaluate(in Input, tank TankConfig, c Contamination) Status {
	if c.Contaminated(in.Conductivity) {
		st := Status{Kind: StatusContaminated, Alert: true}
		if in.DistanceCM > 0 {
			st.HasReading = true
			st.FillPercent = FillPercent(in.DistanceCM, tank.HeightCM)
		}
		return st
	}

	if in.DistanceCM == 0 {
		return Status{Kind: StatusEmpty}
	}

	fill := FillPercent(in.DistanceCM, tank.HeightCM)
	st := Status{FillPercent: fill, HasReading: true}
	switch {
	case fill >= tank.Thresholds.OverflowPercent:
		st.Kind = StatusOverflowWarning
		st.Alert = true
	case fill <= tank.Thresholds.EmptyPercent:
		st.Kind = StatusEmpty
	default:
		st.Kind = StatusHalfFull
	}
	return st
}

// IndicatorFor maps a status kind to the panel pattern.
func IndicatorFor(kind StatusKind) Indicator {
	switch kind {
	case StatusContaminated:
		return Indicator{Red: true, Buzzer: true}
	case StatusOverflowWarning:
		return Indicator{Green: true, Buzzer: true}
	case StatusHalfFull:
		return Indicator{Yellow: true}
	}
	return Indicator{}
}

// AllOn is shown when peripherals fail to initialise.
func AllOn() Indicator {
	return Indicator{Red: true, Yellow: true, Green: true}
}
