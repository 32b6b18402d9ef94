package rtc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/peer"
)

const (
	keyInteractionID = "interactionId"
	keyDiscriminator = "discriminator"
)

var errMissingInteractionID = errors.New("missing interactionId")

// Route tells where a message came from, so the response can go back to
// the same peer connection.
type Route struct {
	ConnectionID     link.ConnectionID
	PeerConnectionID peer.ID
}

func (r Route) String() string {
	return r.ConnectionID.Short() + "/" + r.PeerConnectionID.Short()
}

// Request is a message that expects a Response. Members other than the
// interaction id and discriminator are kept verbatim in Fields.
type Request struct {
	InteractionID string
	Discriminator string
	Fields        map[string]json.RawMessage
}

// Response answers a Request with the same interaction id. A response
// carries either a success or a failure discriminator, or a success or
// error member.
type Response struct {
	InteractionID string
	Discriminator string
	Fields        map[string]json.RawMessage
}

func (r Request) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(r.InteractionID, r.Discriminator, r.Fields)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var err error
	r.InteractionID, r.Discriminator, r.Fields, err = unmarshalEnvelope(data)
	return err
}

func (r Response) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(r.InteractionID, r.Discriminator, r.Fields)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var err error
	r.InteractionID, r.Discriminator, r.Fields, err = unmarshalEnvelope(data)
	return err
}

// IsFailure reports whether the response carries an error.
func (r Response) IsFailure() bool {
	_, hasError := r.Fields["error"]
	return r.Discriminator == "failure" || hasError
}

// IncomingMessage is a decoded message from a peer, or the reason it could
// not be decoded. Exactly one of Request, Response and Err is set.
type IncomingMessage struct {
	Route    Route
	Request  *Request
	Response *Response
	Err      error
}

// SendStrategy selects the links a request goes to.
type SendStrategy struct {
	purpose *link.Purpose
}

// BroadcastToAllPeers selects every registered link.
func BroadcastToAllPeers() SendStrategy { return SendStrategy{} }

// BroadcastToAllPeersWith selects the links with the given purpose.
func BroadcastToAllPeersWith(p link.Purpose) SendStrategy { return SendStrategy{purpose: &p} }

func (s SendStrategy) String() string {
	if s.purpose == nil {
		return "all"
	}
	return "purpose:" + string(*s.purpose)
}

// Decode classifies a reassembled payload as a request or a response.
func Decode(data []byte) (*Request, *Response, error) {
	id, disc, fields, err := unmarshalEnvelope(data)
	if err != nil {
		return nil, nil, &MessageDecodeError{Err: err}
	}

	_, hasSuccess := fields["success"]
	_, hasError := fields["error"]
	if disc == "success" || disc == "failure" || hasSuccess || hasError {
		return nil, &Response{InteractionID: id, Discriminator: disc, Fields: fields}, nil
	}
	return &Request{InteractionID: id, Discriminator: disc, Fields: fields}, nil, nil
}

// encode writes v without escaping HTML characters, so derivation paths and
// URLs reach the peer unchanged.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalEnvelope(id, disc string, fields map[string]json.RawMessage) ([]byte, error) {
	if id == "" {
		return nil, errMissingInteractionID
	}
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out[keyInteractionID] = id
	if disc != "" {
		out[keyDiscriminator] = disc
	}
	return encode(out)
}

func unmarshalEnvelope(data []byte) (id, disc string, fields map[string]json.RawMessage, err error) {
	if err = json.Unmarshal(data, &fields); err != nil {
		return "", "", nil, err
	}
	if fields == nil {
		return "", "", nil, errors.New("message is not an object")
	}

	raw, ok := fields[keyInteractionID]
	if !ok {
		return "", "", nil, errMissingInteractionID
	}
	if err = json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", "", nil, fmt.Errorf("invalid interactionId: %s", raw)
	}
	delete(fields, keyInteractionID)

	if raw, ok := fields[keyDiscriminator]; ok {
		if err = json.Unmarshal(raw, &disc); err != nil {
			return "", "", nil, fmt.Errorf("invalid discriminator: %s", raw)
		}
		delete(fields, keyDiscriminator)
	}
	return id, disc, fields, nil
}
