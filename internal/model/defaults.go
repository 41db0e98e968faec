package model

import "time"

// Shared defaults used by both the server and CLI binaries.
const (
	DefaultLoadingStateDelay = 200 * time.Millisecond
	DefaultQueryTimeout      = 30 * time.Second
	DefaultMaxDataPoints     = 1000
	DefaultPacketKey         = "A"
	DefaultTimeZone          = "browser"
	DefaultTimeRangeFrom     = "now-6h"
	DefaultTimeRangeTo       = "now"
)
