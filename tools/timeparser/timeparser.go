package timeparser

import (
	"fmt"
	"time"

	"github.com/relvacode/iso8601"
)

// StorageLayout is a fixed-width UTC layout so that stored timestamps sort lexically.
const StorageLayout = "2006-01-02T15:04:05.000000000Z"

// ParseReceivedAt parses an ISO-8601 timestamp as sent by the network server
// and normalises it to UTC.
func ParseReceivedAt(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	t, err := iso8601.ParseString(value)
	if err != nil {
		// Some integrations forward RFC3339 with a space separator
		if t2, err2 := time.Parse("2006-01-02 15:04:05Z07:00", value); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, err)
	}

	return t.UTC(), nil
}

// FormatStorage renders t in StorageLayout.
func FormatStorage(t time.Time) string {
	return t.UTC().Format(StorageLayout)
}

// ParseStorage is the inverse of FormatStorage.
func ParseStorage(value string) (time.Time, error) {
	t, err := time.Parse(StorageLayout, value)
	if err != nil {
		return ParseReceivedAt(value)
	}
	return t, nil
}
