package realtime

import "time"

// Security/performance limits for the websocket surface.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max preview length carried in message:notification (runes).
	maxPreviewChars = 120
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// A connection that has not completed the hello handshake within this
	// window is closed.
	authHandshakeTimeout = 10 * time.Second
)
