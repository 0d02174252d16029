package stream

import "fmt"

// ConnectError reports a failed dial or handshake to the upstream feed.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransportError reports a failure on an established session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClosedByPeerError reports an orderly close initiated by the upstream feed.
type ClosedByPeerError struct {
	Code int
	Text string
}

func (e *ClosedByPeerError) Error() string {
	return fmt.Sprintf("upstream closed session code=%d reason=%q", e.Code, e.Text)
}
