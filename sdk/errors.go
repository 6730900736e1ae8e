package voxwire

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrSessionClosed is returned by send helpers once the session has been
// closed, locally or by the relay.
var ErrSessionClosed = errors.New("voxwire: session is closed")

// RelayError is an error frame from the relay surfaced as a Go error: a
// handshake rejection returned by Connect, or the fatal fault that ended a
// running session, returned by Err.
type RelayError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *RelayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return fmt.Sprintf("voxwire: relay error: %s", e.Message)
	}
	return fmt.Sprintf("voxwire: relay error (%s): %s", e.Code, e.Message)
}

// TransportError represents socket-level failures (DNS, timeouts, connection
// reset, TLS) while dialing or talking to the relay.
//
// Use errors.As(err, new(*TransportError)) to distinguish transport failures
// from relay-reported errors (*RelayError).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("voxwire: transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("voxwire: transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("voxwire: transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
