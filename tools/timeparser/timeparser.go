package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// CanonicalLayout is the "YYYY-MM-DD HH:MM:SS" form used by filename-derived timestamps
const CanonicalLayout = "2006-01-02 15:04:05"

// ParseCounterTimestamp attempts to parse a device timestamp with multiple formats.
// Wall-clock layouts are read as UTC; offsets in RFC3339 values are converted to UTC.
// The result is truncated to the second.
func ParseCounterTimestamp(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	formats := []string{
		CanonicalLayout,       // YYYY-MM-DD HH:mm:ss
		"2006-01-02T15:04:05", // ISO without offset
		time.RFC3339,          // Standard RFC3339
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"02/01/2006 15:04",    // DD/MM/YYYY HH:mm
		"2006-01-02 15:04",    // YYYY-MM-DD HH:mm
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// Format renders t in CanonicalLayout
func Format(t time.Time) string {
	return t.Format(CanonicalLayout)
}

// IsNotAfter reports whether readingTime is no later than receivedTime plus the tolerance.
// Readings arbitrarily far in the past are accepted; backfills are normal.
func IsNotAfter(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	return !readingTime.After(receivedTime.Add(time.Duration(toleranceMinutes) * time.Minute))
}
