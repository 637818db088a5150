package relay

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for session, run, subscriber, and approval identifiers.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCallID synthesizes a tool-call ID for providers whose wire format
// has none (e.g. Gemini keys function responses by name only).
func NewCallID() string {
	return "call_" + uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
