package linkstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLink(t *testing.T, purpose link.Purpose) link.Link {
	t.Helper()
	p, err := link.NewPassword()
	require.NoError(t, err)
	return link.Link{Password: p, Purpose: purpose, DisplayName: "tab", CreatedAt: time.Now().UTC().Truncate(time.Second)}
}

func TestStoreRoundTrip(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "nested", "links.msgpack"))

	links, err := s.Links(context.Background())
	require.NoError(t, err)
	assert.Empty(t, links)

	a := newLink(t, link.PurposeGeneral)
	b := newLink(t, link.PurposeLedger)
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))

	links, err = Open(s.path).Links(context.Background())
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, a.Password, links[0].Password)
	assert.Equal(t, link.PurposeLedger, links[1].Purpose)
	assert.True(t, a.CreatedAt.Equal(links[0].CreatedAt))
}

func TestStoreRejectsDuplicatePassword(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "links.msgpack"))
	a := newLink(t, link.PurposeGeneral)

	require.NoError(t, s.Add(a))
	assert.ErrorIs(t, s.Add(a), ErrLinkExists)
}

func TestStoreRemoveAndFind(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "links.msgpack"))
	a := newLink(t, link.PurposeGeneral)
	require.NoError(t, s.Add(a))

	found, err := s.Find(a.ID().Short())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), found.ID())

	removed, err := s.Remove(a.ID())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), removed.ID())

	_, err = s.Remove(a.ID())
	assert.ErrorIs(t, err, ErrLinkNotFound)

	_, err = s.Find(a.ID().Short())
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestStoreIdentityIsStable(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "links.msgpack"))
	a := newLink(t, link.PurposeGeneral)
	require.NoError(t, s.Add(a))

	key, err := s.Identity()
	require.NoError(t, err)
	again, err := Open(s.path).Identity()
	require.NoError(t, err)
	assert.Equal(t, key, again)

	links, err := s.Links(context.Background())
	require.NoError(t, err)
	assert.Len(t, links, 1)
}
