package types

import (
	"fmt"
	"math"
	"time"
)

// AbsoluteTime converts a time relative to the recording start into a
// wall-clock timestamp.
func AbsoluteTime(recordingStart time.Time, seconds float64) time.Time {
	return recordingStart.Add(time.Duration(math.Round(seconds * float64(time.Second))))
}

// FormatClock formats seconds as HH:MM:SS.mmm. Negative values are clamped to
// zero.
func FormatClock(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
