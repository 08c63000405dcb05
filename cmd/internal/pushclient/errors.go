package pushclient

import "errors"

var (
	// ErrGaveUp is returned by Run once the reconnect budget is exhausted
	// (or reconnection is disabled). It is terminal.
	ErrGaveUp = errors.New("pushclient: gave up reconnecting")

	// ErrAuthRejected is returned when the server answers the handshake with
	// auth.failed. Retrying with the same token cannot succeed, so it is terminal.
	ErrAuthRejected = errors.New("pushclient: authentication rejected")

	// ErrProtocol reports an unexpected frame from the server.
	ErrProtocol = errors.New("pushclient: protocol error")
)
