package link

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// PasswordLength is the size in bytes of a connection password.
const PasswordLength = 32

var ErrInvalidPassword = errors.New("invalid connection password")

// Password is the shared secret of a link. It seeds both the routing id
// and the signaling encryption key.
type Password [PasswordLength]byte

// NewPassword returns a random password.
func NewPassword() (Password, error) {
	var p Password
	if _, err := rand.Read(p[:]); err != nil {
		return Password{}, fmt.Errorf("generate password: %w", err)
	}
	return p, nil
}

// ParsePassword decodes a hex encoded password.
func ParsePassword(s string) (Password, error) {
	var p Password
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	if len(b) != PasswordLength {
		return p, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPassword, PasswordLength, len(b))
	}
	copy(p[:], b)
	return p, nil
}

func (p Password) String() string { return hex.EncodeToString(p[:]) }

// ID derives the connection id of the password.
func (p Password) ID() ConnectionID {
	return ConnectionID(blake2b.Sum256(p[:]))
}

// MessageHash is the digest a link identity key signs to prove it owns the
// link.
func (p Password) MessageHash() [32]byte {
	return blake2b.Sum256(append([]byte("L"), p[:]...))
}

// ConnectionID is the blake2b-256 hash of a Password. It keys the
// signaling channel and the per-link client map.
type ConnectionID [32]byte

func (id ConnectionID) String() string { return hex.EncodeToString(id[:]) }

// Short returns an abbreviated form for logs and tables.
func (id ConnectionID) Short() string { return id.String()[:8] }

// Purpose tags what kind of traffic a link carries.
type Purpose string

const (
	PurposeGeneral Purpose = "general"
	PurposeLedger  Purpose = "ledger"
)

// Link is a persisted pairing with a remote peer.
type Link struct {
	Password    Password  `msgpack:"password"`
	Purpose     Purpose   `msgpack:"purpose"`
	DisplayName string    `msgpack:"displayName"`
	CreatedAt   time.Time `msgpack:"createdAt"`
}

// ID returns the connection id of the link.
func (l Link) ID() ConnectionID { return l.Password.ID() }

// Source supplies the links currently known to the host application.
type Source interface {
	Links(ctx context.Context) ([]Link, error)
}

// StaticSource is a fixed list of links.
type StaticSource []Link

func (s StaticSource) Links(context.Context) ([]Link, error) {
	out := make([]Link, len(s))
	copy(out, s)
	return out, nil
}
