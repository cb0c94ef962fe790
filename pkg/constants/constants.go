// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants
const (
	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval must be shorter than WebSocketPongWait
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound frames; SDP blobs stay well below it
	WebSocketMaxMessageSize = 64 * 1024

	// WebSocketSendBuffer is the per-connection outbound queue length
	WebSocketSendBuffer = 256
)

// Call-related constants
const (
	// DefaultRingTimeout is how long a call may stay PENDING before it is missed
	DefaultRingTimeout = 10 * time.Second

	// SystemActionTimeout bounds the store round-trip of a timeout-driven miss
	SystemActionTimeout = 5 * time.Second
)

// Presence constants
const (
	// PresenceTTL is how long an online flag survives without refresh
	PresenceTTL = 5 * time.Minute
)

// Audit constants
const (
	// AuditLogRetention is how long a call's audit trail is kept
	AuditLogRetention = 90 * 24 * time.Hour
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
