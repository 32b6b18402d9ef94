package signaling

import "encoding/json"

// Source identifies which side of a link a socket belongs to.
type Source string

const (
	SourceWallet    Source = "wallet"
	SourceExtension Source = "extension"
)

// Method is the kind of RTC primitive carried by a client message.
type Method string

const (
	MethodOffer        Method = "offer"
	MethodAnswer       Method = "answer"
	MethodICECandidate Method = "iceCandidate"
)

// Info is the kind of message the relay sends to a client.
type Info string

const (
	InfoRemoteData                     Info = "remoteData"
	InfoConfirmation                   Info = "confirmation"
	InfoRemoteClientJustConnected      Info = "remoteClientJustConnected"
	InfoRemoteClientIsAlreadyConnected Info = "remoteClientIsAlreadyConnected"
	InfoRemoteClientDisconnected       Info = "remoteClientDisconnected"
	InfoMissingRemoteClientError       Info = "missingRemoteClientError"
	InfoInvalidMessageError            Info = "invalidMessageError"
	InfoValidationError                Info = "validationError"
)

// ClientMessage is what a client sends to the relay. The relay forwards it
// untouched inside a remoteData message.
type ClientMessage struct {
	RequestID        string `json:"requestId"`
	Method           Method `json:"method"`
	Source           Source `json:"source"`
	TargetClientID   string `json:"targetClientId,omitempty"`
	ConnectionID     string `json:"connectionId"`
	EncryptedPayload string `json:"encryptedPayload"`
}

// ServerMessage is what the relay sends to a client.
type ServerMessage struct {
	Info           Info            `json:"info"`
	RequestID      string          `json:"requestId,omitempty"`
	RemoteClientID string          `json:"remoteClientId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// SessionDescription is the encrypted payload of offers and answers.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// ICECandidate is the encrypted payload of iceCandidate messages.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Kind classifies an Incoming item.
type Kind int

const (
	KindOffer Kind = iota
	KindAnswer
	KindICECandidate
	KindRemoteClientConnected
	KindRemoteClientDisconnected
	KindConfirmation
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindICECandidate:
		return "iceCandidate"
	case KindRemoteClientConnected:
		return "remoteClientConnected"
	case KindRemoteClientDisconnected:
		return "remoteClientDisconnected"
	case KindConfirmation:
		return "confirmation"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Incoming is one decoded item from the relay.
type Incoming struct {
	Kind           Kind
	RemoteClientID string
	RequestID      string

	// SDP is set for offers and answers.
	SDP string
	// Candidate is set for ICE candidates.
	Candidate ICECandidate
	// AlreadyConnected distinguishes remoteClientIsAlreadyConnected from
	// remoteClientJustConnected.
	AlreadyConnected bool

	// Err is set for KindError: *TransportError, *DecodeError or *ServerError.
	Err error
}
