package auth

import "errors"

var (
	// ErrRejected is returned when a token fails verification or validation.
	ErrRejected = errors.New("auth: token rejected")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("auth: invalid config")
)
