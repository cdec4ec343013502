package realtime

import (
	"time"

	"pairhub/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as server envelope id, so envelope ids
// sort by creation time in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
