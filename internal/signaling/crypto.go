package signaling

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/BioHazard786/peerlink/internal/link"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// sealer encrypts payloads with AES-256-GCM keyed by the connection
// password. Sealed output is nonce || ciphertext || tag.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(password link.Password) (*sealer, error) {
	block, err := aes.NewCipher(password[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errCiphertextTooShort
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

func (s *sealer) sealHex(plaintext []byte) (string, error) {
	sealed, err := s.seal(plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

func (s *sealer) openHex(encoded string) ([]byte, error) {
	sealed, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return s.open(sealed)
}
