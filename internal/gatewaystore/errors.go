package gatewaystore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("gatewaystore: not found")

// ErrBridgeIDRequired is returned when a record has no bridge id.
var ErrBridgeIDRequired = errors.New("gatewaystore: bridge id is required")

// timestampLayout is the format of every stored timestamp. The fixed width
// keeps ORDER BY on the text column chronological.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// parseTimestamp parses a stored timestamp, accepting the column default format.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(timestampLayout, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
