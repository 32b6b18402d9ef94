package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// decode turns one relay frame into an Incoming item.
func (c *Client) decode(data []byte) Incoming {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return decodeError(&DecodeError{Err: err})
	}

	switch msg.Info {
	case InfoRemoteData:
		return c.decodeRemoteData(&msg)

	case InfoConfirmation:
		return Incoming{Kind: KindConfirmation, RequestID: msg.RequestID}

	case InfoRemoteClientJustConnected, InfoRemoteClientIsAlreadyConnected:
		if msg.RemoteClientID == "" {
			return decodeError(&DecodeError{Info: msg.Info, Err: errors.New("missing remoteClientId")})
		}
		return Incoming{
			Kind:             KindRemoteClientConnected,
			RemoteClientID:   msg.RemoteClientID,
			AlreadyConnected: msg.Info == InfoRemoteClientIsAlreadyConnected,
		}

	case InfoRemoteClientDisconnected:
		if msg.RemoteClientID == "" {
			return decodeError(&DecodeError{Info: msg.Info, Err: errors.New("missing remoteClientId")})
		}
		return Incoming{Kind: KindRemoteClientDisconnected, RemoteClientID: msg.RemoteClientID}

	case InfoMissingRemoteClientError, InfoInvalidMessageError, InfoValidationError:
		return Incoming{
			Kind:      KindError,
			RequestID: msg.RequestID,
			Err:       &ServerError{Info: msg.Info, RequestID: msg.RequestID, Message: msg.Error},
		}

	default:
		return decodeError(&DecodeError{Info: msg.Info, Err: fmt.Errorf("unknown info %q", msg.Info)})
	}
}

func (c *Client) decodeRemoteData(msg *ServerMessage) Incoming {
	var remote ClientMessage
	if err := json.Unmarshal(msg.Data, &remote); err != nil {
		return decodeError(&DecodeError{Info: msg.Info, Err: err})
	}

	plaintext, err := c.sealer.openHex(remote.EncryptedPayload)
	if err != nil {
		return decodeError(&DecodeError{Info: msg.Info, Method: remote.Method, Err: fmt.Errorf("decrypt: %w", err)})
	}

	item := Incoming{RemoteClientID: msg.RemoteClientID, RequestID: remote.RequestID}
	switch remote.Method {
	case MethodOffer, MethodAnswer:
		var sd SessionDescription
		if err := json.Unmarshal(plaintext, &sd); err != nil {
			return decodeError(&DecodeError{Info: msg.Info, Method: remote.Method, Err: err})
		}
		item.Kind = KindOffer
		if remote.Method == MethodAnswer {
			item.Kind = KindAnswer
		}
		item.SDP = sd.SDP

	case MethodICECandidate:
		if err := json.Unmarshal(plaintext, &item.Candidate); err != nil {
			return decodeError(&DecodeError{Info: msg.Info, Method: remote.Method, Err: err})
		}
		item.Kind = KindICECandidate

	default:
		return decodeError(&DecodeError{Info: msg.Info, Method: remote.Method, Err: errors.New("unknown method")})
	}
	return item
}

func decodeError(err *DecodeError) Incoming {
	return Incoming{Kind: KindError, Err: err}
}
