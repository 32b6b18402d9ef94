package rtc

import (
	"context"
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
	"github.com/BioHazard786/peerlink/internal/webrtc"
	"github.com/BioHazard786/peerlink/internal/webrtc/webrtctest"
	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func newLink(t *testing.T, purpose link.Purpose) link.Link {
	t.Helper()
	p, err := link.NewPassword()
	require.NoError(t, err)
	return link.Link{Password: p, Purpose: purpose, CreatedAt: time.Now()}
}

// peerPair returns two peer clients connected to each other over the
// in-memory engine.
func peerPair(t *testing.T) (local, remote *peer.Client) {
	t.Helper()
	local, remote, _ = fakePeerPair(t)
	return local, remote
}

// fakePeerPair is peerPair that also hands back the local fake connection.
func fakePeerPair(t *testing.T) (local, remote *peer.Client, localConn *webrtctest.PeerConnection) {
	t.Helper()
	n := webrtctest.NewNetwork()
	a, _ := n.NewPeerConnection()
	b, _ := n.NewPeerConnection()
	dcA, _ := a.CreateDataChannel()
	dcB, _ := b.CreateDataChannel()

	offer, _ := a.CreateOffer()
	require.NoError(t, a.SetLocalDescription(offer))
	require.NoError(t, b.SetRemoteDescription(offer))
	answer, _ := b.CreateAnswer()
	require.NoError(t, b.SetLocalDescription(answer))
	require.NoError(t, a.SetRemoteDescription(answer))
	require.NoError(t, a.AddICECandidate(recv(t, b.ICECandidates())))
	require.NoError(t, b.AddICECandidate(recv(t, a.ICECandidates())))
	for _, dc := range []webrtc.DataChannel{dcA, dcB} {
		for recv(t, dc.ReadyStates()) != pion.DataChannelStateOpen {
		}
	}

	local = peer.NewClient(a, dcA, "extension", webrtc.DefaultChunkSize, discard)
	remote = peer.NewClient(b, dcB, "wallet", webrtc.DefaultChunkSize, discard)
	t.Cleanup(local.Cancel)
	t.Cleanup(remote.Cancel)
	return local, remote, a.(*webrtctest.PeerConnection)
}

type fakeNegotiator struct {
	results   chan peer.Result
	cancelled chan struct{}
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{results: make(chan peer.Result, 8), cancelled: make(chan struct{})}
}

func (f *fakeNegotiator) Results() <-chan peer.Result { return f.results }

func (f *fakeNegotiator) Cancel() {
	select {
	case <-f.cancelled:
	default:
		close(f.cancelled)
	}
}

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

// extension is the browser side of a link: a negotiator speaking as the
// extension through the relay.
type extension struct {
	t          *testing.T
	negotiator *peer.Negotiator
}

func startExtension(t *testing.T, url string, network *webrtctest.Network, l link.Link, offerer bool) *extension {
	t.Helper()
	sig, err := signaling.NewClient(l.Password, signaling.Options{
		URL:    url,
		Source: signaling.SourceExtension,
		Target: signaling.SourceWallet,
		Logger: discard,
	})
	require.NoError(t, err)
	n := peer.NewNegotiator(l, sig, network, peer.Config{IsNewConnection: offerer, Logger: discard})
	t.Cleanup(n.Cancel)
	return &extension{t: t, negotiator: n}
}

// connection waits for the next successful negotiation.
func (e *extension) connection() *peer.Client {
	e.t.Helper()
	for {
		r := recv(e.t, e.negotiator.Results())
		if r.Err == nil {
			e.t.Cleanup(r.Client.Cancel)
			return r.Client
		}
	}
}

func readMessage(t *testing.T, pc *peer.Client) []byte {
	t.Helper()
	m := recv(t, pc.Messages())
	require.NoError(t, m.Err)
	return m.Data
}
