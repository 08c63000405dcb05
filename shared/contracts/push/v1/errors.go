package v1

import "errors"

// ErrInvalidEnvelope matches every decode or validation failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// DecodeError is returned for frames that cannot be accepted.
// errors.Is(err, ErrInvalidEnvelope) holds for every DecodeError.
type DecodeError struct {
	Reason string
	// ID is the frame id when it could be recovered from the raw frame.
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return ErrInvalidEnvelope.Error() + ": " + e.Reason + ": " + e.Err.Error()
	}
	return ErrInvalidEnvelope.Error() + ": " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match ErrInvalidEnvelope.
func (e *DecodeError) Is(target error) bool { return target == ErrInvalidEnvelope }
