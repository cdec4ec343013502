package realtime

import "time"

const (
	// Max bytes per websocket frame read. Client frames are tiny heartbeats.
	maxFrameBytes = 16 << 10 // 16 KiB

	// Transport-level ping defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second

	// OnDisconnect runs after the request context is gone.
	disconnectTimeout = 10 * time.Second
)
