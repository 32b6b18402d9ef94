package signaling

import (
	"bytes"
	"testing"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	p, err := link.NewPassword()
	require.NoError(t, err)
	s, err := newSealer(p)
	require.NoError(t, err)

	plaintext := []byte(`{"sdp":"v=0"}`)
	encoded, err := s.sealHex(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "v=0")

	opened, err := s.openHex(encoded)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealerUsesFreshNonces(t *testing.T) {
	p, _ := link.NewPassword()
	s, _ := newSealer(p)

	a, err := s.seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.seal([]byte("same"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))
}

func TestSealerRejectsWrongKeyAndGarbage(t *testing.T) {
	p1, _ := link.NewPassword()
	p2, _ := link.NewPassword()
	s1, _ := newSealer(p1)
	s2, _ := newSealer(p2)

	sealed, err := s1.seal([]byte("secret"))
	require.NoError(t, err)

	_, err = s2.open(sealed)
	assert.Error(t, err)

	_, err = s1.open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errCiphertextTooShort)

	_, err = s1.openHex("not hex")
	assert.Error(t, err)
}
