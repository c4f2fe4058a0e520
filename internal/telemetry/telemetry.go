// Package telemetry encodes status records for the serial link and parses
// the inbound tank height command.
//
// Two record shapes are understood. The compact form is canonical:
//
//	T:<ms>,P:<percent>,W:<adc>,S:<code>,A:<0|1>
//
// The JSON form carries the same five fields with the status spelled out.
// Parse accepts either, so a reader never needs to know which one a sender
// was configured for.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeney/tank-sensor/internal/logic"
)

// Format selects the record encoding.
type Format string

const (
	Compact Format = "compact"
	JSON    Format = "json"
)

// Record is one status snapshot as sent over the link.
type Record struct {
	TimestampMs  uint64           `json:"timestamp"`
	FillPercent  int              `json:"fill_percent"`
	Conductivity uint16           `json:"conductivity"`
	Status       logic.StatusKind `json:"status"`
	Alert        bool             `json:"alert"`
}

// ErrMalformed is returned when a line is neither a compact nor a JSON record.
var ErrMalformed = errors.New("malformed telemetry record")

// Encode formats r in the given format, without a trailing newline.
func Encode(r Record, f Format) (string, error) {
	switch f {
	case Compact, "":
		return FormatCompact(r), nil
	case JSON:
		return FormatJSON(r)
	default:
		return "", fmt.Errorf("unknown telemetry format %q", f)
	}
}

// FormatCompact renders r as T:<ms>,P:<percent>,W:<adc>,S:<code>,A:<0|1>.
func FormatCompact(r Record) string {
	alert := 0
	if r.Alert {
		alert = 1
	}
	return fmt.Sprintf("T:%d,P:%d,W:%d,S:%d,A:%d",
		r.TimestampMs, r.FillPercent, r.Conductivity, r.Status.Code(), alert)
}

// FormatJSON renders r as a single-line JSON object.
func FormatJSON(r Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(b), nil
}

// Parse decodes a record in either format. Surrounding whitespace, including
// the line terminator, is ignored.
func Parse(line string) (Record, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		return parseJSON(line)
	}
	return parseCompact(line)
}

func parseJSON(line string) (Record, error) {
	var raw struct {
		TimestampMs  *uint64 `json:"timestamp"`
		FillPercent  *int    `json:"fill_percent"`
		Conductivity *uint16 `json:"conductivity"`
		Status       *string `json:"status"`
		Alert        *bool   `json:"alert"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.TimestampMs == nil || raw.FillPercent == nil || raw.Conductivity == nil ||
		raw.Status == nil || raw.Alert == nil {
		return Record{}, fmt.Errorf("%w: missing field", ErrMalformed)
	}
	kind := logic.StatusKind(*raw.Status)
	if kind.Code() < 0 {
		return Record{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, *raw.Status)
	}
	return Record{
		TimestampMs:  *raw.TimestampMs,
		FillPercent:  *raw.FillPercent,
		Conductivity: *raw.Conductivity,
		Status:       kind,
		Alert:        *raw.Alert,
	}, nil
}

func parseCompact(line string) (Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("%w: want 5 fields, got %d", ErrMalformed, len(fields))
	}
	var (
		r    Record
		seen = map[string]bool{}
	)
	for _, f := range fields {
		key, val, ok := strings.Cut(f, ":")
		if !ok || seen[key] {
			return Record{}, fmt.Errorf("%w: bad field %q", ErrMalformed, f)
		}
		seen[key] = true
		switch key {
		case "T":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
			}
			r.TimestampMs = n
		case "P":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Record{}, fmt.Errorf("%w: percent: %v", ErrMalformed, err)
			}
			r.FillPercent = n
		case "W":
			n, err := strconv.ParseUint(val, 10, 16)
			if err != nil {
				return Record{}, fmt.Errorf("%w: conductivity: %v", ErrMalformed, err)
			}
			r.Conductivity = uint16(n)
		case "S":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Record{}, fmt.Errorf("%w: status: %v", ErrMalformed, err)
			}
			kind, ok := logic.KindForCode(n)
			if !ok {
				return Record{}, fmt.Errorf("%w: unknown status code %d", ErrMalformed, n)
			}
			r.Status = kind
		case "A":
			switch val {
			case "0":
				r.Alert = false
			case "1":
				r.Alert = true
			default:
				return Record{}, fmt.Errorf("%w: alert %q", ErrMalformed, val)
			}
		default:
			return Record{}, fmt.Errorf("%w: unknown key %q", ErrMalformed, key)
		}
	}
	return r, nil
}
