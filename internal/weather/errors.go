package weather

import "fmt"

// ErrorClass classifies application errors for monitoring.
type ErrorClass int

// ErrorInvalid marks input that can never succeed as sent.
const ErrorInvalid ErrorClass = 0

// String returns the label used in logs and metrics.
func (c ErrorClass) String() string {
	if c == ErrorInvalid {
		return "invalid"
	}
	return "unknown"
}

// DecodeError reports an inbound payload that does not match the batch shape.
// The payload is dropped; it is never retried because the feed does not resend.
type DecodeError struct {
	Class   ErrorClass
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("weather batch decode failed (%s): %s", e.Class, e.Message)
}

// Unwrap returns the underlying decoder error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newDecodeError(err error) *DecodeError {
	return &DecodeError{Class: ErrorInvalid, Message: err.Error(), Err: err}
}
