package peer

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"

	"github.com/BioHazard786/peerlink/internal/link"
)

// LinkClientResponse proves to the extension that this wallet holds the
// identity key for a freshly created link.
type LinkClientResponse struct {
	Discriminator string `json:"discriminator"`
	PublicKey     string `json:"publicKey"`
	Signature     string `json:"signature"`
}

func NewLinkClientResponse(key ed25519.PrivateKey, password link.Password) LinkClientResponse {
	hash := password.MessageHash()
	return LinkClientResponse{
		Discriminator: "linkClient",
		PublicKey:     hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		Signature:     hex.EncodeToString(ed25519.Sign(key, hash[:])),
	}
}

// Verify checks the signature against password.
func (r LinkClientResponse) Verify(password link.Password) bool {
	pub, err := hex.DecodeString(r.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false
	}
	hash := password.MessageHash()
	return ed25519.Verify(pub, hash[:], sig)
}

func (r LinkClientResponse) encode() ([]byte, error) {
	return json.Marshal(r)
}
