// Package webrtc defines the narrow capability the link layer needs from a
// WebRTC engine, a pion backed implementation of it, and the chunked
// message framing used on data channels.
package webrtc

import (
	pion "github.com/pion/webrtc/v4"
)

// PeerConnection is a single WebRTC connection. Engine callbacks are
// delivered on the event channels; the channels are never closed.
type PeerConnection interface {
	CreateOffer() (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(pion.SessionDescription) error
	SetRemoteDescription(pion.SessionDescription) error
	AddICECandidate(pion.ICECandidateInit) error

	// CreateDataChannel creates the pre-negotiated data channel. Both sides
	// create it before the SDP exchange.
	CreateDataChannel() (DataChannel, error)

	// ICECandidates yields locally gathered candidates.
	ICECandidates() <-chan pion.ICECandidateInit
	// ConnectionStates yields ICE connection state transitions.
	ConnectionStates() <-chan pion.ICEConnectionState

	Close() error
}

// DataChannel is the message channel of a PeerConnection.
type DataChannel interface {
	Send(data []byte) error
	Messages() <-chan []byte
	ReadyStates() <-chan pion.DataChannelState
	ReadyState() pion.DataChannelState
	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
