package telemetry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/tank-sensor/internal/logic"
)

var sample = Record{
	TimestampMs:  123456,
	FillPercent:  80,
	Conductivity: 512,
	Status:       logic.StatusOverflowWarning,
	Alert:        true,
}

func TestFormatCompact(t *testing.T) {
	assert.Equal(t, "T:123456,P:80,W:512,S:2,A:1", FormatCompact(sample))

	r := sample
	r.Status = logic.StatusEmpty
	r.Alert = false
	assert.Equal(t, "T:123456,P:80,W:512,S:0,A:0", FormatCompact(r))
}

func TestFormatJSON(t *testing.T) {
	s, err := FormatJSON(sample)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"timestamp":123456,"fill_percent":80,"conductivity":512,"status":"OVERFLOW_WARNING","alert":true}`, s)
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []Format{Compact, JSON} {
		for _, kind := range logic.Kinds {
			in := sample
			in.Status = kind
			in.Alert = kind == logic.StatusContaminated
			line, err := Encode(in, f)
			require.NoError(t, err)

			out, err := Parse(line + "\r\n")
			require.NoError(t, err, "format %s line %q", f, line)
			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("format %s round trip (-want +got):\n%s", f, diff)
			}
		}
	}
}

func TestEncodeDefaultsToCompact(t *testing.T) {
	line, err := Encode(sample, "")
	require.NoError(t, err)
	assert.Equal(t, FormatCompact(sample), line)

	_, err = Encode(sample, "xml")
	assert.Error(t, err)
}

func TestParseCompactFieldOrder(t *testing.T) {
	r, err := Parse("A:0,S:1,W:40,P:55,T:9")
	require.NoError(t, err)
	assert.Equal(t, Record{TimestampMs: 9, FillPercent: 55, Conductivity: 40, Status: logic.StatusHalfFull}, r)
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"T:1,P:2,W:3,S:0",
		"T:1,P:2,W:3,S:0,A:0,X:1",
		"T:1,P:2,W:3,S:9,A:0",
		"T:1,P:2,W:3,S:0,A:2",
		"T:1,T:2,W:3,S:0,A:0",
		"T:x,P:2,W:3,S:0,A:0",
		"T:1,P:2,W:70000,S:0,A:0",
		"T1,P:2,W:3,S:0,A:0",
		`{"timestamp":1}`,
		`{"timestamp":1,"fill_percent":2,"conductivity":3,"status":"FULL","alert":false}`,
		`{not json`,
	}
	for _, line := range bad {
		_, err := Parse(line)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q): got %v, want ErrMalformed", line, err)
		}
	}
}

func TestParseHeight(t *testing.T) {
	h, err := ParseHeight("200\n")
	require.NoError(t, err)
	assert.Equal(t, 200, h)

	h, err = ParseHeight(" 999 ")
	require.NoError(t, err)
	assert.Equal(t, 999, h)

	for _, raw := range []string{"-5", "0", "1000", "9999"} {
		_, err := ParseHeight(raw)
		assert.ErrorIs(t, err, ErrHeightRange, raw)
	}
	for _, raw := range []string{"", "abc", "12cm", "1.5"} {
		_, err := ParseHeight(raw)
		assert.ErrorIs(t, err, ErrHeightSyntax, raw)
	}
}

func TestReplies(t *testing.T) {
	assert.Equal(t, "ACK:H:200", FormatAck(200))
	assert.Equal(t, "ERR:H:-5", FormatReject(" -5\n"))

	r, err := ParseReply("ACK:H:200\n")
	require.NoError(t, err)
	assert.Equal(t, Reply{Accepted: true, Value: "200"}, r)

	r, err = ParseReply("ERR:H:9999")
	require.NoError(t, err)
	assert.Equal(t, Reply{Accepted: false, Value: "9999"}, r)

	_, err = ParseReply("T:1,P:2,W:3,S:0,A:0")
	assert.Error(t, err)
}
