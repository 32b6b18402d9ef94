package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed = errors.New("signaling client closed")
	ErrNotConnected = errors.New("signaling socket not connected")
	ErrPongTimeout  = errors.New("no pong received")
)

// TransportError reports a failed socket. The socket is gone once this is
// delivered; the owner decides whether to reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a relay message that could not be parsed or
// decrypted. The socket stays up.
type DecodeError struct {
	Info   Info
	Method Method
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Method != "":
		return fmt.Sprintf("signaling decode %s/%s: %v", e.Info, e.Method, e.Err)
	case e.Info != "":
		return fmt.Sprintf("signaling decode %s: %v", e.Info, e.Err)
	default:
		return fmt.Sprintf("signaling decode: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServerError is a refusal reported by the relay.
type ServerError struct {
	Info      Info
	RequestID string
	Message   string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("signaling server %s (request %s): %s", e.Info, e.RequestID, e.Message)
	}
	return fmt.Sprintf("signaling server %s (request %s)", e.Info, e.RequestID)
}
