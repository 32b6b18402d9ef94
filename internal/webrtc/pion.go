package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

const (
	dataChannelLabel = "data"
	dataChannelID    = 0

	eventBuffer   = 64
	messageBuffer = 256
)

// ICEConfig lists the ICE servers a PionFactory hands to every connection.
type ICEConfig struct {
	STUNServers  []string
	TURNServers  []string
	TURNUser     string
	TURNPassword string
	ForceRelay   bool
}

// PionOptions tunes the pion setting engine.
type PionOptions struct {
	// IncludeLoopback gathers loopback candidates, for tests on one host.
	IncludeLoopback bool
	Logger          *slog.Logger
}

// PionFactory creates pion backed peer connections.
type PionFactory struct {
	api    *pion.API
	config pion.Configuration
	logger *slog.Logger
}

func NewPionFactory(ice ICEConfig, opts PionOptions) *PionFactory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var iceServers []pion.ICEServer
	if len(ice.STUNServers) > 0 {
		iceServers = append(iceServers, pion.ICEServer{URLs: ice.STUNServers})
	}
	if len(ice.TURNServers) > 0 {
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       ice.TURNServers,
			Username:   ice.TURNUser,
			Credential: ice.TURNPassword,
		})
	}

	policy := pion.ICETransportPolicyAll
	if len(ice.TURNServers) > 0 && ice.ForceRelay {
		policy = pion.ICETransportPolicyRelay
	}

	var se pion.SettingEngine
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &PionFactory{
		api: pion.NewAPI(pion.WithSettingEngine(se)),
		config: pion.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: policy,
		},
		logger: opts.Logger,
	}
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &pionPeerConnection{
		pc:         pc,
		candidates: make(chan pion.ICECandidateInit, eventBuffer),
		states:     make(chan pion.ICEConnectionState, eventBuffer),
		done:       make(chan struct{}),
		logger:     f.logger,
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		select {
		case p.candidates <- c.ToJSON():
		default:
			p.logger.Warn("dropping local ICE candidate, consumer too slow")
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		select {
		case p.states <- state:
		case <-p.done:
		}
	})

	return p, nil
}

// pionPeerConnection forwards pion callbacks onto channels and does
// nothing else.
type pionPeerConnection struct {
	pc         *pion.PeerConnection
	candidates chan pion.ICECandidateInit
	states     chan pion.ICEConnectionState
	done       chan struct{}
	once       sync.Once
	logger     *slog.Logger
}

func (p *pionPeerConnection) CreateOffer() (pion.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (pion.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(d pion.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeerConnection) SetRemoteDescription(d pion.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeerConnection) AddICECandidate(c pion.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeerConnection) ICECandidates() <-chan pion.ICECandidateInit { return p.candidates }

func (p *pionPeerConnection) ConnectionStates() <-chan pion.ICEConnectionState { return p.states }

func (p *pionPeerConnection) CreateDataChannel() (DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(dataChannelID)

	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &pion.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	d := &pionDataChannel{
		dc:       dc,
		messages: make(chan []byte, messageBuffer),
		states:   make(chan pion.DataChannelState, eventBuffer),
		done:     p.done,
	}
	dc.OnOpen(func() { d.pushState(pion.DataChannelStateOpen) })
	dc.OnClose(func() { d.pushState(pion.DataChannelStateClosed) })
	dc.OnError(func(err error) {
		p.logger.Warn("data channel error", "error", err)
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case d.messages <- data:
		case <-d.done:
		}
	})
	return d, nil
}

func (p *pionPeerConnection) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

type pionDataChannel struct {
	dc       *pion.DataChannel
	messages chan []byte
	states   chan pion.DataChannelState
	done     <-chan struct{}
}

func (d *pionDataChannel) pushState(state pion.DataChannelState) {
	select {
	case d.states <- state:
	case <-d.done:
	}
}

func (d *pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *pionDataChannel) Messages() <-chan []byte { return d.messages }

func (d *pionDataChannel) ReadyStates() <-chan pion.DataChannelState { return d.states }

func (d *pionDataChannel) ReadyState() pion.DataChannelState { return d.dc.ReadyState() }

func (d *pionDataChannel) Close() error { return d.dc.Close() }
