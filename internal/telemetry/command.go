package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxHeightCM is the exclusive upper bound for a tank height command.
const MaxHeightCM = 1000

var (
	ErrHeightSyntax = errors.New("height is not an integer")
	ErrHeightRange  = fmt.Errorf("height out of range (0, %d)", MaxHeightCM)
)

// ParseHeight parses a height command line. It accepts a decimal integer h
// with 0 < h < MaxHeightCM.
func ParseHeight(line string) (int, error) {
	s := strings.TrimSpace(line)
	h, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrHeightSyntax, s)
	}
	if h <= 0 || h >= MaxHeightCM {
		return 0, fmt.Errorf("%w: %d", ErrHeightRange, h)
	}
	return h, nil
}

const (
	ackPrefix    = "ACK:H:"
	rejectPrefix = "ERR:H:"
)

// FormatAck is the reply to an applied height command.
func FormatAck(h int) string {
	return ackPrefix + strconv.Itoa(h)
}

// FormatReject is the reply to a rejected height command; raw is echoed back trimmed.
func FormatReject(raw string) string {
	return rejectPrefix + strings.TrimSpace(raw)
}

// Reply is a decoded command reply.
type Reply struct {
	Accepted bool
	Value    string
}

// ParseReply decodes an ACK or ERR reply line.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, ackPrefix):
		return Reply{Accepted: true, Value: strings.TrimPrefix(line, ackPrefix)}, nil
	case strings.HasPrefix(line, rejectPrefix):
		return Reply{Accepted: false, Value: strings.TrimPrefix(line, rejectPrefix)}, nil
	default:
		return Reply{}, fmt.Errorf("not a command reply: %q", line)
	}
}
