package onebot

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when no connection is established.
var ErrNotConnected = errors.New("not connected to gateway")

// ConnectionError reports a transport that could not be established.
type ConnectionError struct {
	Kind string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection failed (transport %q)", e.Kind)
	}
	return fmt.Sprintf("connection failed (transport %q): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a call whose response did not arrive in time.
type TimeoutError struct {
	Action string
	Echo   int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %q (echo %d) timed out", e.Action, e.Echo)
}

// RemoteError carries a failure reported by the gateway itself.
type RemoteError struct {
	Action string
	Msg    string
}

func (e *RemoteError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("gateway rejected action %q", e.Action)
	}
	return fmt.Sprintf("gateway rejected action %q: %s", e.Action, e.Msg)
}
