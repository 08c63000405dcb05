package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Lower bound for the per-connection send queue.
	minSendQueueSize = 32
)

// Defaults for the configuration surface.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultOfflineMaxCount      = 100
	DefaultOfflineTTL           = 24 * time.Hour
	DefaultAuthTimeout          = 10 * time.Second

	defaultSendQueueSize       = 256
	defaultBackpressureStrikes = 3
	defaultWriteTimeout        = 5 * time.Second
	defaultRateEvents          = 120
	defaultRateWindow          = 10 * time.Second
	defaultPurgeInterval       = time.Minute
	defaultReceiptTTL          = 5 * time.Minute

	// Bounded drain of queued frames once a connection starts closing.
	closeGrace = 1 * time.Second

	// Upper bound for offline store calls made on the delivery path.
	storeOpTimeout = 5 * time.Second
)

const (
	defaultOriginRequired = true
	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)
