package peer

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotOpen           = errors.New("data channel not open")
	ErrNegotiationTimeout       = errors.New("negotiation timed out")
	ErrNegotiationFailed        = errors.New("negotiation failed")
	ErrRemoteClientDisconnected = errors.New("remote client disconnected")
	ErrNegotiatorCancelled      = errors.New("negotiator cancelled")
)

// NegotiationError is the failure of one negotiation attempt.
type NegotiationError struct {
	Op             string
	RemoteClientID string
	Err            error
	Details        string
}

func (e *NegotiationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("negotiate with %s: %s: %v (%s)", e.RemoteClientID, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("negotiate with %s: %s: %v", e.RemoteClientID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
