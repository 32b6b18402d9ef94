package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/webrtc/webrtctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClients(t *testing.T, url string, network *webrtctest.Network, links link.Source) *Clients {
	t.Helper()
	cs := NewClients(Options{
		SignalingURL:           url,
		Factory:                network,
		Links:                  links,
		FirstConnectionTimeout: 5 * time.Second,
		NegotiationTimeout:     5 * time.Second,
		ReconnectDelay:         100 * time.Millisecond,
		Logger:                 discard,
	})
	t.Cleanup(cs.Close)
	return cs
}

func statusOf(cs *Clients, id link.ConnectionID) (ClientConnectionsUpdate, bool) {
	for _, u := range cs.CurrentlyConnectedClients() {
		if u.ConnectionID == id {
			return u, true
		}
	}
	return ClientConnectionsUpdate{}, false
}

func peerCount(cs *Clients, id link.ConnectionID) int {
	u, _ := statusOf(cs, id)
	return len(u.PeerConnectionIDs)
}

func TestClientsEndToEnd(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t, link.PurposeGeneral)
	cs := newClients(t, url, network, nil)
	ctx := context.Background()

	ext := startExtension(t, url, network, l, false)
	require.NoError(t, cs.Connect(ctx, l, true, true))
	tab := ext.connection()

	incoming := cs.IncomingMessages(ctx)
	require.NoError(t, tab.SendData(ctx, []byte(`{"interactionId":"req-1","items":{"discriminator":"unauthorizedRequest"}}`)))
	m := recv(t, incoming)
	require.NoError(t, m.Err)
	require.NotNil(t, m.Request)
	assert.Equal(t, "req-1", m.Request.InteractionID)
	route := m.Route
	assert.Equal(t, l.ID(), route.ConnectionID)

	n, err := cs.SendRequest(ctx, Request{InteractionID: "acc-1", Discriminator: "accountsChanged"}, BroadcastToAllPeers())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var got map[string]any
	require.NoError(t, json.Unmarshal(readMessage(t, tab), &got))
	assert.Equal(t, "acc-1", got["interactionId"])

	// The tab goes away; the link stays registered without connections.
	tab.Cancel()
	ext.negotiator.Cancel()
	require.Eventually(t, func() bool {
		u, ok := statusOf(cs, l.ID())
		return ok && len(u.PeerConnectionIDs) == 0
	}, 3*time.Second, 10*time.Millisecond)

	reloaded := startExtension(t, url, network, l, true)
	resp := Response{InteractionID: "req-1", Discriminator: "success", Fields: map[string]json.RawMessage{"items": json.RawMessage(`{}`)}}
	require.NoError(t, cs.SendResponse(ctx, resp, route))

	tab = reloaded.connection()
	assert.JSONEq(t, `{"interactionId":"req-1","discriminator":"success","items":{}}`, string(readMessage(t, tab)))
	assert.Equal(t, 1, peerCount(cs, l.ID()))
}

func TestClientsConnectSamePasswordOnce(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t, link.PurposeGeneral)
	cs := newClients(t, url, network, nil)
	ctx := context.Background()

	same := l
	same.DisplayName = "other name"

	var wg sync.WaitGroup
	for _, candidate := range []link.Link{l, same, l} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, cs.Connect(ctx, candidate, true, false))
		}()
	}
	wg.Wait()
	require.NoError(t, cs.Connect(ctx, same, false, false))

	cs.mu.Lock()
	assert.Len(t, cs.clients, 1)
	cs.mu.Unlock()
	assert.Len(t, cs.CurrentlyConnectedClients(), 1)
}

func TestClientsDisconnectIsIdempotent(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t, link.PurposeGeneral)
	other := newLink(t, link.PurposeGeneral)
	cs := newClients(t, url, network, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cs.Connect(ctx, l, true, false))
	require.NoError(t, cs.Connect(ctx, other, true, false))
	updates := cs.ConnectClients(ctx)
	assert.Len(t, recv(t, updates), 2)

	cs.DisconnectAndRemoveClient(l.Password)
	cs.DisconnectAndRemoveClient(l.Password)
	unknown := newLink(t, link.PurposeGeneral)
	cs.DisconnectAndRemoveClient(unknown.Password)

	current := cs.CurrentlyConnectedClients()
	require.Len(t, current, 1)
	assert.Equal(t, other.ID(), current[0].ConnectionID)
	for len(recv(t, updates)) != 1 {
	}

	cs.DisconnectAndRemoveAll()
	assert.Empty(t, cs.CurrentlyConnectedClients())
	_, err := cs.SendRequest(ctx, Request{InteractionID: "x"}, BroadcastToAllPeers())
	assert.ErrorIs(t, err, ErrNoConnectedClients)
}

func TestClientsBroadcastByPurpose(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	general := newLink(t, link.PurposeGeneral)
	ledger := newLink(t, link.PurposeLedger)
	idle := newLink(t, link.PurposeGeneral)

	// The source knows the current purposes; ledger was re-tagged after
	// it was connected.
	source := link.StaticSource{general, ledger, idle}
	connectedLedger := ledger
	connectedLedger.Purpose = link.PurposeGeneral

	cs := newClients(t, url, network, source)
	ctx := context.Background()

	tabs := []*extension{
		startExtension(t, url, network, general, false),
		startExtension(t, url, network, general, false),
	}
	ledgerExt := startExtension(t, url, network, ledger, false)

	require.NoError(t, cs.Connect(ctx, general, true, true))
	require.NoError(t, cs.Connect(ctx, connectedLedger, true, true))
	require.NoError(t, cs.Connect(ctx, idle, true, false))
	require.Eventually(t, func() bool { return peerCount(cs, general.ID()) == 2 }, 3*time.Second, 10*time.Millisecond)

	for _, tab := range tabs {
		tab.connection()
	}
	ledgerTab := ledgerExt.connection()

	n, err := cs.SendRequest(ctx, Request{InteractionID: "g"}, BroadcastToAllPeersWith(link.PurposeGeneral))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = cs.SendRequest(ctx, Request{InteractionID: "l", Discriminator: "getDeviceInfo"}, BroadcastToAllPeersWith(link.PurposeLedger))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var got map[string]any
	require.NoError(t, json.Unmarshal(readMessage(t, ledgerTab), &got))
	assert.Equal(t, "l", got["interactionId"])

	n, err = cs.SendRequest(ctx, Request{InteractionID: "all"}, BroadcastToAllPeers())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = cs.SendRequest(ctx, Request{InteractionID: "none"}, BroadcastToAllPeersWith("unknown"))
	assert.ErrorIs(t, err, ErrNoConnectedClients)
}

func TestClientsConcurrentResponsesShareReconnect(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t, link.PurposeGeneral)
	cs := newClients(t, url, network, nil)
	ctx := context.Background()

	ext := startExtension(t, url, network, l, false)
	require.NoError(t, cs.Connect(ctx, l, true, true))
	tab := ext.connection()
	require.Eventually(t, func() bool { return peerCount(cs, l.ID()) == 1 }, 3*time.Second, 10*time.Millisecond)
	u, _ := statusOf(cs, l.ID())
	old := Route{ConnectionID: l.ID(), PeerConnectionID: u.PeerConnectionIDs[0]}

	tab.Cancel()
	ext.negotiator.Cancel()
	require.Eventually(t, func() bool { return peerCount(cs, l.ID()) == 0 }, 3*time.Second, 10*time.Millisecond)

	reloaded := startExtension(t, url, network, l, true)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = cs.SendResponse(ctx, Response{InteractionID: fmt.Sprintf("r%d", i), Discriminator: "success"}, old)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	tab = reloaded.connection()
	seen := make(map[string]bool)
	for range callers {
		var got map[string]any
		require.NoError(t, json.Unmarshal(readMessage(t, tab), &got))
		seen[got["interactionId"].(string)] = true
	}
	assert.Len(t, seen, callers)
	assert.Equal(t, 1, peerCount(cs, l.ID()))

	// Attempts aimed at the replaced client may still report failures;
	// only a second successful negotiation would mean a second reconnect.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case r := <-reloaded.negotiator.Results():
			require.Error(t, r.Err, "unexpected extra peer connection")
		case <-deadline:
			return
		}
	}
}

func TestClientsSendResponseWithoutLink(t *testing.T) {
	cs := newClients(t, startRelay(t), webrtctest.NewNetwork(), nil)
	l := newLink(t, link.PurposeGeneral)

	err := cs.SendResponse(context.Background(), Response{InteractionID: "1"}, Route{ConnectionID: l.ID(), PeerConnectionID: "gone"})
	var re *ReconnectError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrUnknownLink)
}

func TestClientsSendResponseUsesSurvivingTab(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t, link.PurposeGeneral)
	cs := newClients(t, url, network, nil)
	ctx := context.Background()

	ext1 := startExtension(t, url, network, l, false)
	ext2 := startExtension(t, url, network, l, false)
	require.NoError(t, cs.Connect(ctx, l, true, true))
	tab1 := ext1.connection()
	tab2 := ext2.connection()
	require.Eventually(t, func() bool { return peerCount(cs, l.ID()) == 2 }, 3*time.Second, 10*time.Millisecond)

	incoming := cs.IncomingMessages(ctx)
	require.NoError(t, tab1.SendData(ctx, []byte(`{"interactionId":"from-tab1","items":{}}`)))
	m := recv(t, incoming)
	require.NoError(t, m.Err)
	route := m.Route

	tab1.Cancel()
	ext1.negotiator.Cancel()
	require.Eventually(t, func() bool { return peerCount(cs, l.ID()) == 1 }, 3*time.Second, 10*time.Millisecond)
	before, _ := statusOf(cs, l.ID())

	require.NoError(t, cs.SendResponse(ctx, Response{InteractionID: "from-tab1", Discriminator: "success"}, route))
	assert.JSONEq(t, `{"interactionId":"from-tab1","discriminator":"success"}`, string(readMessage(t, tab2)))

	after, ok := statusOf(cs, l.ID())
	require.True(t, ok)
	assert.Equal(t, before.PeerConnectionIDs, after.PeerConnectionIDs)
	assert.NotContains(t, after.PeerConnectionIDs, route.PeerConnectionID)
	assert.True(t, tab2.IsOpen())
}

func TestClientsReconnectSharesConcurrentConnect(t *testing.T) {
	url := startRelay(t)
	network := webrtctest.NewNetwork()
	l := newLink(t, link.PurposeGeneral)
	cs := newClients(t, url, network, link.StaticSource{l})
	ctx := context.Background()

	ext := startExtension(t, url, network, l, true)
	route := Route{ConnectionID: l.ID(), PeerConnectionID: "from-before-restart"}

	var wg sync.WaitGroup
	var sendErr, connectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = cs.SendResponse(ctx, Response{InteractionID: "late", Discriminator: "success"}, route)
	}()
	go func() {
		defer wg.Done()
		connectErr = cs.Connect(ctx, l, false, false)
	}()
	wg.Wait()
	require.NoError(t, connectErr)
	require.NoError(t, sendErr)

	tab := ext.connection()
	assert.JSONEq(t, `{"interactionId":"late","discriminator":"success"}`, string(readMessage(t, tab)))
	cs.mu.Lock()
	assert.Len(t, cs.clients, 1)
	cs.mu.Unlock()
}
