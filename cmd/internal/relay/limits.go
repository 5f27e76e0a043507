package relay

import "time"

// Max bytes per websocket frame read (hard limit).
const maxFrameBytes = 64 << 10

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	maxPingFailures = 3

	maxScopeBytes = 128
)
