package progress

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	timestampPattern = regexp.MustCompile(`^(\d+):(\d{1,2})(?::(\d{1,2}))?(?:([.,])(\d+))?$`)
	linePattern      = regexp.MustCompile(`\[\s*([0-9:.,]+)\s*-->\s*([0-9:.,]+)\s*\]\s*(.*)$`)
)

// Timestamp is a parsed clock value that remembers its source layout so it
// can be rendered back identically.
type Timestamp struct {
	hours     int
	minutes   int
	seconds   int
	millis    int
	withHours bool
	leadWidth int
	sep       byte
}

// ParseTimestamp parses hh:mm:ss.mmm or mm:ss.mmm. Millisecond fragments
// shorter than three digits are right-padded with zeros and longer ones are
// truncated to three digits.
func ParseTimestamp(raw string) (Timestamp, error) {
	s := strings.TrimSpace(raw)
	m := timestampPattern.FindStringSubmatch(s)
	if m == nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q", raw)
	}

	ts := Timestamp{leadWidth: len(m[1]), sep: '.'}
	first, _ := strconv.Atoi(m[1])
	second, _ := strconv.Atoi(m[2])
	if m[3] != "" {
		third, _ := strconv.Atoi(m[3])
		if second > 59 || third > 59 {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: field out of range", raw)
		}
		ts.withHours = true
		ts.hours, ts.minutes, ts.seconds = first, second, third
	} else {
		if second > 59 {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: seconds out of range", raw)
		}
		ts.minutes, ts.seconds = first, second
	}

	if m[4] != "" {
		ts.sep = m[4][0]
	}
	frac := m[5]
	if len(frac) > 3 {
		frac = frac[:3]
	}
	if frac != "" {
		frac += strings.Repeat("0", 3-len(frac))
		ts.millis, _ = strconv.Atoi(frac)
	}
	return ts, nil
}

// Seconds returns the timestamp value in seconds.
func (t Timestamp) Seconds() float64 {
	whole := t.hours*3600 + t.minutes*60 + t.seconds
	return float64(whole) + float64(t.millis)/1000
}

// String renders the timestamp in the layout it was parsed from.
func (t Timestamp) String() string {
	sep := t.sep
	if sep == 0 {
		sep = '.'
	}
	width := t.leadWidth
	if width <= 0 {
		width = 2
	}
	if t.withHours {
		return fmt.Sprintf("%0*d:%02d:%02d%c%03d", width, t.hours, t.minutes, t.seconds, sep, t.millis)
	}
	return fmt.Sprintf("%0*d:%02d%c%03d", width, t.minutes, t.seconds, sep, t.millis)
}

// ParseSeconds is a convenience wrapper returning only the seconds value.
func ParseSeconds(raw string) (float64, error) {
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return 0, err
	}
	return ts.Seconds(), nil
}

// FormatClock renders seconds as HH:MM:SS<sep>mmm.
func FormatClock(seconds float64, sep rune) string {
	total := toMillis(seconds)
	h := total / 3_600_000
	m := (total / 60_000) % 60
	s := (total / 1000) % 60
	ms := total % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// FormatShort renders seconds as MM:SS.mmm, letting minutes exceed 59.
func FormatShort(seconds float64) string {
	total := toMillis(seconds)
	m := total / 60_000
	s := (total / 1000) % 60
	ms := total % 1000
	return fmt.Sprintf("%02d:%02d.%03d", m, s, ms)
}

func toMillis(seconds float64) int64 {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}

// Line is one parsed progress line from a transcription backend.
type Line struct {
	Start float64
	End   float64
	Text  string
}

// ParseLine finds "[start --> end] text" anywhere in the line, so log
// prefixes and colour codes ahead of the pair are skipped. It reports false
// for lines that carry no timestamp pair.
func ParseLine(raw string) (Line, bool) {
	m := linePattern.FindStringSubmatch(strings.TrimRight(raw, "\r\n"))
	if m == nil {
		return Line{}, false
	}
	start, err := ParseSeconds(m[1])
	if err != nil {
		return Line{}, false
	}
	end, err := ParseSeconds(m[2])
	if err != nil {
		return Line{}, false
	}
	return Line{Start: start, End: end, Text: strings.TrimSpace(m[3])}, true
}

// Fraction converts a segment end time into progress clamped to [0, 1].
// An unknown duration yields 0.
func Fraction(end, duration float64) float64 {
	if duration <= 0 || math.IsNaN(end) {
		return 0
	}
	return Clamp(end / duration)
}

// Clamp limits v to [0, 1].
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
