package schema

import (
	"fmt"
	"time"
)

const clockLayout = "15:04:05"

// ParseQuoteTimestamp interprets a venue-supplied timestamp string. Full
// RFC 3339 stamps pass through; a bare HH:MM:SS wall-clock reading is
// interpreted as that time of day on now's date, in UTC.
func ParseQuoteTimestamp(value string, now time.Time) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(clockLayout, value); err == nil {
		year, month, day := now.UTC().Date()
		return time.Date(year, month, day,
			parsed.Hour(), parsed.Minute(), parsed.Second(), 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized quote timestamp %q", value)
}
