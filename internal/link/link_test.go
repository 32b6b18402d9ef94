package link

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionIDIsDeterministic(t *testing.T) {
	p, err := NewPassword()
	require.NoError(t, err)

	parsed, err := ParsePassword(p.String())
	require.NoError(t, err)

	assert.Equal(t, p, parsed)
	assert.Equal(t, p.ID(), parsed.ID())
	assert.Len(t, p.ID().String(), 64)
}

func TestDistinctPasswordsHaveDistinctIDs(t *testing.T) {
	seen := make(map[ConnectionID]bool)
	for i := 0; i < 256; i++ {
		p, err := NewPassword()
		require.NoError(t, err)
		require.False(t, seen[p.ID()])
		seen[p.ID()] = true
	}
}

func TestParsePasswordRejectsBadInput(t *testing.T) {
	_, err := ParsePassword("zz")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = ParsePassword(strings.Repeat("ab", 31))
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestStaticSourceReturnsCopy(t *testing.T) {
	p, _ := NewPassword()
	src := StaticSource{{Password: p, Purpose: PurposeLedger}}

	links, err := src.Links(context.Background())
	require.NoError(t, err)
	links[0].Purpose = PurposeGeneral

	assert.Equal(t, PurposeLedger, src[0].Purpose)
}
