package realtime

import "errors"

// Close reasons and registry errors.
var (
	ErrAuthTimeout      = errors.New("realtime: auth timeout")
	ErrAuthRejected     = errors.New("realtime: auth rejected")
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
	ErrBackpressure     = errors.New("realtime: send queue full")
	ErrRateLimited      = errors.New("realtime: rate limited")
	ErrClosedByPeer     = errors.New("realtime: closed by peer")
	ErrTransport        = errors.New("realtime: transport error")
	ErrShutdown         = errors.New("realtime: server shutdown")
	ErrConnectionClosed = errors.New("realtime: connection closed")

	ErrDuplicateConnection = errors.New("realtime: duplicate connection id")
	ErrUnknownConnection   = errors.New("realtime: unknown connection")
	ErrInvalidTransition   = errors.New("realtime: invalid state transition")
)

// ReasonLabel maps a close reason to a short, stable label for logs and metrics.
func ReasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrClosedByPeer):
		return "peer_closed"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrDuplicateConnection):
		return "duplicate"
	default:
		return "transport"
	}
}
