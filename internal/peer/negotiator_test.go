package peer_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/peer"
	"github.com/BioHazard786/peerlink/internal/relay"
	"github.com/BioHazard786/peerlink/internal/signaling"
	"github.com/BioHazard786/peerlink/internal/webrtc/webrtctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startRelay(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(discard)
	go hub.Run(ctx)
	srv := httptest.NewServer(relay.NewServer(hub))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func signalingClient(t *testing.T, url string, p link.Password, source signaling.Source) *signaling.Client {
	t.Helper()
	target := signaling.SourceExtension
	if source == signaling.SourceExtension {
		target = signaling.SourceWallet
	}
	c, err := signaling.NewClient(p, signaling.Options{URL: url, Source: source, Target: target, Logger: discard})
	require.NoError(t, err)
	return c
}

func nextResult(t *testing.T, n *peer.Negotiator) peer.Result {
	t.Helper()
	select {
	case r, ok := <-n.Results():
		require.True(t, ok, "results closed")
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for negotiation result")
	}
	return peer.Result{}
}

func newLink(t *testing.T) link.Link {
	t.Helper()
	p, err := link.NewPassword()
	require.NoError(t, err)
	return link.Link{Password: p, Purpose: link.PurposeGeneral, CreatedAt: time.Now()}
}

func TestNegotiatorConnectsOffererAndAnswerer(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t)
	_, identity, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	wallet := peer.NewNegotiator(l, signalingClient(t, url, l.Password, signaling.SourceWallet), network, peer.Config{
		IsNewConnection: true,
		Identity:        identity,
		Logger:          discard,
	})
	defer wallet.Cancel()
	ext := peer.NewNegotiator(l, signalingClient(t, url, l.Password, signaling.SourceExtension), network, peer.Config{
		Logger: discard,
	})
	defer ext.Cancel()

	wr := nextResult(t, wallet)
	require.NoError(t, wr.Err)
	er := nextResult(t, ext)
	require.NoError(t, er.Err)
	defer wr.Client.Cancel()
	defer er.Client.Cancel()

	first := <-er.Client.Messages()
	require.NoError(t, first.Err)
	var resp peer.LinkClientResponse
	require.NoError(t, json.Unmarshal(first.Data, &resp))
	assert.Equal(t, "linkClient", resp.Discriminator)
	assert.True(t, resp.Verify(l.Password))

	require.NoError(t, wr.Client.SendData(context.Background(), []byte(`{"interactionId":"1"}`)))
	select {
	case m := <-er.Client.Messages():
		assert.Equal(t, `{"interactionId":"1"}`, string(m.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestNegotiatorTimesOutWithoutAnswer(t *testing.T) {
	url := startRelay(t)
	l := newLink(t)

	silent := signalingClient(t, url, l.Password, signaling.SourceExtension)
	require.NoError(t, silent.Connect(context.Background()))
	defer silent.Disconnect()

	wallet := peer.NewNegotiator(l, signalingClient(t, url, l.Password, signaling.SourceWallet), webrtctest.NewNetwork(), peer.Config{
		IsNewConnection: true,
		Timeout:         200 * time.Millisecond,
		Logger:          discard,
	})
	defer wallet.Cancel()

	r := nextResult(t, wallet)
	assert.Nil(t, r.Client)
	assert.ErrorIs(t, r.Err, peer.ErrNegotiationTimeout)
	var ne *peer.NegotiationError
	require.ErrorAs(t, r.Err, &ne)
	assert.Equal(t, r.RemoteClientID, ne.RemoteClientID)
}

func TestNegotiatorAbortsWhenRemoteDisconnects(t *testing.T) {
	url := startRelay(t)
	l := newLink(t)

	wallet := peer.NewNegotiator(l, signalingClient(t, url, l.Password, signaling.SourceWallet), webrtctest.NewNetwork(), peer.Config{
		IsNewConnection: true,
		Logger:          discard,
	})
	defer wallet.Cancel()

	ext := signalingClient(t, url, l.Password, signaling.SourceExtension)
	require.NoError(t, ext.Connect(context.Background()))
	deadline := time.After(3 * time.Second)
	for waiting := true; waiting; {
		select {
		case item := <-ext.Incoming():
			waiting = item.Kind != signaling.KindOffer
		case <-deadline:
			t.Fatal("no offer received")
		}
	}
	ext.Disconnect()

	r := nextResult(t, wallet)
	assert.ErrorIs(t, r.Err, peer.ErrRemoteClientDisconnected)
}

func TestNegotiatorReportsICEFailure(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	network.FailConnections = true
	l := newLink(t)

	wallet := peer.NewNegotiator(l, signalingClient(t, url, l.Password, signaling.SourceWallet), network, peer.Config{
		IsNewConnection: true,
		Logger:          discard,
	})
	defer wallet.Cancel()
	ext := peer.NewNegotiator(l, signalingClient(t, url, l.Password, signaling.SourceExtension), network, peer.Config{Logger: discard})
	defer ext.Cancel()

	r := nextResult(t, wallet)
	assert.ErrorIs(t, r.Err, peer.ErrNegotiationFailed)
}

func TestNegotiatorCancelClosesResults(t *testing.T) {
	l := newLink(t)
	n := peer.NewNegotiator(l, signalingClient(t, startRelay(t), l.Password, signaling.SourceWallet), webrtctest.NewNetwork(), peer.Config{
		Logger: discard,
	})
	n.Cancel()
	n.Cancel()

	_, ok := <-n.Results()
	assert.False(t, ok)
}
