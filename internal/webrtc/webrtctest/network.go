// Package webrtctest provides an in-memory webrtc engine. Peer connections
// created from one Network find each other through the tokens embedded in
// their fake SDP, and only connect after both sides applied the remote
// description and the remote ICE candidate.
package webrtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BioHazard786/peerlink/internal/webrtc"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

const buffer = 256

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrClosed              = errors.New("peer connection closed")
	ErrNotOpen             = errors.New("data channel not open")
)

// Network pairs fake peer connections.
type Network struct {
	mu    sync.Mutex
	peers map[string]*PeerConnection

	// FailConnections makes pairs report ICE failure instead of connecting.
	FailConnections bool
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*PeerConnection)}
}

// NewPeerConnection implements webrtc.Factory.
func (n *Network) NewPeerConnection() (webrtc.PeerConnection, error) {
	pc := &PeerConnection{
		network:    n,
		token:      uuid.NewString(),
		candidates: make(chan pion.ICECandidateInit, buffer),
		states:     make(chan pion.ICEConnectionState, buffer),
		done:       make(chan struct{}),
	}
	n.mu.Lock()
	n.peers[pc.token] = pc
	n.mu.Unlock()
	return pc, nil
}

// Connected returns the peer connections that are currently connected.
func (n *Network) Connected() []*PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*PeerConnection
	for _, pc := range n.peers {
		if pc.connected && !pc.closed {
			out = append(out, pc)
		}
	}
	return out
}

// PeerConnection is a fake webrtc.PeerConnection.
type PeerConnection struct {
	network *Network
	token   string

	candidates chan pion.ICECandidateInit
	states     chan pion.ICEConnectionState
	done       chan struct{}

	// Guarded by network.mu.
	localSet     bool
	remoteSet    bool
	remoteToken  string
	gotCandidate bool
	connected    bool
	failed       bool
	closed       bool
	channel      *DataChannel
	remote       *PeerConnection
}

func (pc *PeerConnection) CreateOffer() (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "fake-offer " + pc.token}, nil
}

func (pc *PeerConnection) CreateAnswer() (pion.SessionDescription, error) {
	pc.network.mu.Lock()
	defer pc.network.mu.Unlock()
	if !pc.remoteSet {
		return pion.SessionDescription{}, ErrNoRemoteDescription
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "fake-answer " + pc.token}, nil
}

func (pc *PeerConnection) SetLocalDescription(d pion.SessionDescription) error {
	pc.network.mu.Lock()
	if pc.closed {
		pc.network.mu.Unlock()
		return ErrClosed
	}
	pc.localSet = true
	pc.network.mu.Unlock()

	select {
	case pc.candidates <- pion.ICECandidateInit{Candidate: "candidate:fake " + pc.token}:
	case <-pc.done:
	}
	return nil
}

func (pc *PeerConnection) SetRemoteDescription(d pion.SessionDescription) error {
	fields := strings.Fields(d.SDP)
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "fake-") {
		return fmt.Errorf("malformed fake sdp %q", d.SDP)
	}

	pc.network.mu.Lock()
	if pc.closed {
		pc.network.mu.Unlock()
		return ErrClosed
	}
	pc.remoteSet = true
	pc.remoteToken = fields[1]
	actions := pc.network.tryConnect(pc)
	pc.network.mu.Unlock()

	run(actions)
	return nil
}

func (pc *PeerConnection) AddICECandidate(c pion.ICECandidateInit) error {
	pc.network.mu.Lock()
	if !pc.remoteSet {
		pc.network.mu.Unlock()
		return ErrNoRemoteDescription
	}
	if c.Candidate == "candidate:fake "+pc.remoteToken {
		pc.gotCandidate = true
	}
	actions := pc.network.tryConnect(pc)
	pc.network.mu.Unlock()

	run(actions)
	return nil
}

func (pc *PeerConnection) CreateDataChannel() (webrtc.DataChannel, error) {
	pc.network.mu.Lock()
	defer pc.network.mu.Unlock()
	if pc.channel == nil {
		pc.channel = &DataChannel{
			owner:    pc,
			state:    pion.DataChannelStateConnecting,
			messages: make(chan []byte, buffer),
			states:   make(chan pion.DataChannelState, buffer),
		}
	}
	return pc.channel, nil
}

func (pc *PeerConnection) ICECandidates() <-chan pion.ICECandidateInit { return pc.candidates }

func (pc *PeerConnection) ConnectionStates() <-chan pion.ICEConnectionState { return pc.states }

// Close closes the connection. A connected remote observes its data channel
// closing and its ICE state turning disconnected.
func (pc *PeerConnection) Close() error {
	n := pc.network
	n.mu.Lock()
	if pc.closed {
		n.mu.Unlock()
		return nil
	}
	pc.closed = true
	var actions []func()
	actions = append(actions, pc.closeLocked(pion.ICEConnectionStateClosed)...)
	if remote := pc.remote; remote != nil && !remote.closed {
		actions = append(actions, remote.closeLocked(pion.ICEConnectionStateDisconnected)...)
	}
	delete(n.peers, pc.token)
	n.mu.Unlock()

	run(actions)
	close(pc.done)
	return nil
}

// Drop simulates the remote side vanishing: the connection reports
// disconnected and its data channel closes, without the owner calling
// Close.
func (pc *PeerConnection) Drop() {
	pc.network.mu.Lock()
	actions := pc.closeLocked(pion.ICEConnectionStateDisconnected)
	pc.network.mu.Unlock()
	run(actions)
}

// BreakSends makes every later Send on the connection's data channel fail
// with err while the channel keeps reporting open.
func (pc *PeerConnection) BreakSends(err error) {
	pc.network.mu.Lock()
	defer pc.network.mu.Unlock()
	if pc.channel != nil {
		pc.channel.sendErr = err
	}
}

func (pc *PeerConnection) closeLocked(state pion.ICEConnectionState) []func() {
	var actions []func()
	actions = append(actions, func() { pc.sendState(state) })
	if ch := pc.channel; ch != nil && ch.state != pion.DataChannelStateClosed {
		ch.state = pion.DataChannelStateClosed
		actions = append(actions, func() { ch.sendState(pion.DataChannelStateClosed) })
	}
	return actions
}

// tryConnect connects pc with its remote once both sides are ready. Called
// with network.mu held; returned actions run after unlocking.
func (n *Network) tryConnect(pc *PeerConnection) []func() {
	other, ok := n.peers[pc.remoteToken]
	if !ok || other.remoteToken != pc.token {
		return nil
	}
	ready := func(p *PeerConnection) bool {
		return p.localSet && p.remoteSet && p.gotCandidate && !p.connected && !p.failed && !p.closed
	}
	if !ready(pc) || !ready(other) {
		return nil
	}

	if n.FailConnections {
		pc.failed, other.failed = true, true
		return []func(){
			func() { pc.sendState(pion.ICEConnectionStateFailed) },
			func() { other.sendState(pion.ICEConnectionStateFailed) },
		}
	}

	pc.connected, other.connected = true, true
	pc.remote, other.remote = other, pc

	actions := []func(){
		func() { pc.sendState(pion.ICEConnectionStateConnected) },
		func() { other.sendState(pion.ICEConnectionStateConnected) },
	}
	if pc.channel != nil && other.channel != nil {
		a, b := pc.channel, other.channel
		a.peer, b.peer = b, a
		a.state, b.state = pion.DataChannelStateOpen, pion.DataChannelStateOpen
		actions = append(actions,
			func() { a.sendState(pion.DataChannelStateOpen) },
			func() { b.sendState(pion.DataChannelStateOpen) },
		)
	}
	return actions
}

func (pc *PeerConnection) sendState(s pion.ICEConnectionState) {
	select {
	case pc.states <- s:
	case <-pc.done:
	}
}

func run(actions []func()) {
	for _, a := range actions {
		a()
	}
}

// DataChannel is a fake webrtc.DataChannel.
type DataChannel struct {
	owner    *PeerConnection
	messages chan []byte
	states   chan pion.DataChannelState

	// Guarded by owner.network.mu.
	state   pion.DataChannelState
	peer    *DataChannel
	sendErr error
}

func (d *DataChannel) Send(data []byte) error {
	d.owner.network.mu.Lock()
	if d.sendErr != nil {
		err := d.sendErr
		d.owner.network.mu.Unlock()
		return err
	}
	if d.state != pion.DataChannelStateOpen || d.peer == nil {
		d.owner.network.mu.Unlock()
		return ErrNotOpen
	}
	peer := d.peer
	d.owner.network.mu.Unlock()

	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case peer.messages <- msg:
		return nil
	case <-peer.owner.done:
		return ErrClosed
	}
}

func (d *DataChannel) Messages() <-chan []byte { return d.messages }

func (d *DataChannel) ReadyStates() <-chan pion.DataChannelState { return d.states }

func (d *DataChannel) ReadyState() pion.DataChannelState {
	d.owner.network.mu.Lock()
	defer d.owner.network.mu.Unlock()
	return d.state
}

func (d *DataChannel) Close() error {
	d.owner.network.mu.Lock()
	var actions []func()
	if d.state != pion.DataChannelStateClosed {
		d.state = pion.DataChannelStateClosed
		actions = append(actions, func() { d.sendState(pion.DataChannelStateClosed) })
		if p := d.peer; p != nil && p.state != pion.DataChannelStateClosed {
			p.state = pion.DataChannelStateClosed
			actions = append(actions, func() { p.sendState(pion.DataChannelStateClosed) })
		}
	}
	d.owner.network.mu.Unlock()
	run(actions)
	return nil
}

func (d *DataChannel) sendState(s pion.DataChannelState) {
	select {
	case d.states <- s:
	case <-d.owner.done:
	}
}
