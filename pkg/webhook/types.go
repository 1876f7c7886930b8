package webhook

import (
	"time"
)

const (
	// SignatureHeader carries "sha256=<hex HMAC of timestamp.body>"
	SignatureHeader = "X-Loanrenew-Signature"
	// TimestampHeader carries the Unix time the request was signed at
	TimestampHeader = "X-Loanrenew-Timestamp"
)

// ServerOptions configures the control server
type ServerOptions struct {
	Addr               string        // listen address (default: 127.0.0.1:9464)
	TriggerSecret      string        // HMAC secret for POST /run, empty disables the endpoint
	RateLimitPerMinute int           // /run requests per minute per IP (default: 10)
	SignatureMaxAge    time.Duration // accepted clock skew of signed requests (default: 5m)
	TrustProxyHeaders  bool          // rate limit by X-Forwarded-For / X-Real-IP instead of the peer address
}

// TriggerFunc starts a renewal run in the background. It reports false
// when a run is already in progress.
type TriggerFunc func() bool

// StatusFunc reports the scheduler state for /health
type StatusFunc func() Status

// Status is the scheduler part of the health response
type Status struct {
	Running           bool      `json:"running"`
	Runs              int       `json:"runs"`
	LastRunAt         time.Time `json:"lastRunAt,omitempty"`
	LastStatus        string    `json:"lastStatus,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	NextRun           time.Time `json:"nextRun,omitempty"`
}

// rateLimitState tracks rate limiting per IP
type rateLimitState struct {
	requests []time.Time
}
