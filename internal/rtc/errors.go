package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrNoConnectedClients   = errors.New("no connected clients")
	ErrPeerConnectionClosed = errors.New("peer connection closed")
	ErrClientCancelled      = errors.New("rtc client cancelled")
	ErrUnknownLink          = errors.New("unknown link")
)

// MessageDecodeError is an incoming payload that is neither a request nor
// a response.
type MessageDecodeError struct {
	Err error
}

func (e *MessageDecodeError) Error() string {
	return fmt.Sprintf("decode peer message: %v", e.Err)
}

func (e *MessageDecodeError) Unwrap() error { return e.Err }

// ReconnectError is returned by SendResponse when the transparent
// reconnect failed.
type ReconnectError struct {
	ConnectionID string
	Err          error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect link %s: %v", e.ConnectionID, e.Err)
}

func (e *ReconnectError) Unwrap() error { return e.Err }
