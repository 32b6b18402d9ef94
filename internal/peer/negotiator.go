// Package peer negotiates WebRTC connections with the remote side of a link
// and wraps established connections as Clients.
package peer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/signaling"
	"github.com/BioHazard786/peerlink/internal/webrtc"
	pion "github.com/pion/webrtc/v4"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultReconnectDelay = 5 * time.Second

	inboxBuffer   = 64
	resultsBuffer = 16
)

// Signaling is the relay connection a Negotiator exchanges offers,
// answers and candidates over. *signaling.Client implements it.
type Signaling interface {
	Connect(ctx context.Context) error
	Incoming() <-chan signaling.Incoming
	SendOffer(ctx context.Context, remoteClientID, sdp string) error
	SendAnswer(ctx context.Context, remoteClientID, sdp string) error
	SendICECandidate(ctx context.Context, remoteClientID string, candidate signaling.ICECandidate) error
	Disconnect()
}

// Config tunes a Negotiator.
type Config struct {
	// IsNewConnection makes this side the offerer: it creates an offer as
	// soon as a remote client shows up. Otherwise it waits for offers.
	IsNewConnection bool

	// Timeout bounds each negotiation attempt.
	Timeout time.Duration

	// ReconnectDelay is the pause before reconnecting a failed signaling
	// socket.
	ReconnectDelay time.Duration

	ChunkSize int

	// Identity, when set, is used by the offerer to sign a linkClient
	// response sent as the first message on a new connection.
	Identity ed25519.PrivateKey

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = webrtc.DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the outcome of one negotiation attempt. Exactly one of Client
// and Err is set.
type Result struct {
	RemoteClientID string
	Client         *Client
	Err            error
}

// Negotiator keeps a link's signaling connection alive and negotiates a
// peer connection with every remote client that appears on it. It starts
// working as soon as it is created.
type Negotiator struct {
	link    link.Link
	cfg     Config
	sig     Signaling
	factory webrtc.Factory
	logger  *slog.Logger

	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

type attempt struct {
	remoteClientID string
	inbox          chan signaling.Incoming
	cancel         context.CancelCauseFunc
}

func NewNegotiator(l link.Link, sig Signaling, factory webrtc.Factory, cfg Config) *Negotiator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		link:    l,
		cfg:     cfg,
		sig:     sig,
		factory: factory,
		logger:  cfg.Logger.With("link", l.ID().Short()),
		results: make(chan Result, resultsBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Results yields one Result per finished attempt. It is closed after
// Cancel.
func (n *Negotiator) Results() <-chan Result { return n.results }

// Cancel stops all attempts, disconnects signaling and waits for the
// Negotiator to wind down. Connections already delivered on Results are
// not touched.
func (n *Negotiator) Cancel() {
	n.once.Do(n.cancel)
	<-n.done
}

func (n *Negotiator) run() {
	attempts := make(map[string]*attempt)
	finished := make(chan *attempt)
	var wg sync.WaitGroup

	defer func() {
		n.cancel()
		for _, a := range attempts {
			a.cancel(ErrNegotiatorCancelled)
		}
		wg.Wait()
		n.sig.Disconnect()
		close(n.results)
		close(n.done)
	}()

	var reconnect <-chan time.Time
	if err := n.sig.Connect(n.ctx); err != nil {
		n.logger.Warn("signaling connect failed", "error", err, "retry_in", n.cfg.ReconnectDelay)
		reconnect = time.After(n.cfg.ReconnectDelay)
	}

	start := func(remoteID string, offer *signaling.Incoming) {
		ctx, cancel := context.WithCancelCause(n.ctx)
		a := &attempt{
			remoteClientID: remoteID,
			inbox:          make(chan signaling.Incoming, inboxBuffer),
			cancel:         cancel,
		}
		attempts[remoteID] = a
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := n.negotiate(ctx, remoteID, a.inbox, offer)
			cancel(nil)
			n.publish(Result{RemoteClientID: remoteID, Client: client, Err: err})
			select {
			case finished <- a:
			case <-n.ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-n.ctx.Done():
			return

		case <-reconnect:
			reconnect = nil
			if err := n.sig.Connect(n.ctx); err != nil {
				if n.ctx.Err() != nil {
					return
				}
				n.logger.Warn("signaling reconnect failed", "error", err, "retry_in", n.cfg.ReconnectDelay)
				reconnect = time.After(n.cfg.ReconnectDelay)
			}

		case a := <-finished:
			if attempts[a.remoteClientID] == a {
				delete(attempts, a.remoteClientID)
			}

		case item, ok := <-n.sig.Incoming():
			if !ok {
				return
			}

			switch item.Kind {
			case signaling.KindRemoteClientConnected:
				if !n.cfg.IsNewConnection {
					n.logger.Debug("remote client connected, waiting for offer", "remote", item.RemoteClientID)
					continue
				}
				if _, busy := attempts[item.RemoteClientID]; busy {
					continue
				}
				n.logger.Debug("remote client connected, sending offer", "remote", item.RemoteClientID)
				start(item.RemoteClientID, nil)

			case signaling.KindRemoteClientDisconnected:
				if a, ok := attempts[item.RemoteClientID]; ok {
					a.cancel(ErrRemoteClientDisconnected)
					delete(attempts, item.RemoteClientID)
				}

			case signaling.KindOffer:
				if n.cfg.IsNewConnection {
					n.logger.Debug("ignoring offer on offering side", "remote", item.RemoteClientID)
					continue
				}
				if a, busy := attempts[item.RemoteClientID]; busy {
					n.forward(a, item)
					continue
				}
				offer := item
				start(item.RemoteClientID, &offer)

			case signaling.KindAnswer, signaling.KindICECandidate:
				if a, ok := attempts[item.RemoteClientID]; ok {
					n.forward(a, item)
				} else {
					n.logger.Debug("dropping signal for unknown remote", "kind", item.Kind.String(), "remote", item.RemoteClientID)
				}

			case signaling.KindConfirmation:

			case signaling.KindError:
				var transport *signaling.TransportError
				if errors.As(item.Err, &transport) {
					if reconnect == nil {
						n.logger.Warn("signaling connection lost", "error", item.Err, "retry_in", n.cfg.ReconnectDelay)
						reconnect = time.After(n.cfg.ReconnectDelay)
					}
					continue
				}
				n.logger.Warn("signaling error", "error", item.Err)
			}
		}
	}
}

func (n *Negotiator) forward(a *attempt, item signaling.Incoming) {
	select {
	case a.inbox <- item:
	default:
		n.logger.Warn("negotiation inbox full, dropping signal", "kind", item.Kind.String(), "remote", a.remoteClientID)
	}
}

func (n *Negotiator) publish(r Result) {
	select {
	case n.results <- r:
	case <-n.ctx.Done():
		if r.Client != nil {
			r.Client.Cancel()
		}
	}
}

func (n *Negotiator) negotiate(ctx context.Context, remoteID string, inbox <-chan signaling.Incoming, offer *signaling.Incoming) (*Client, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, n.cfg.Timeout, ErrNegotiationTimeout)
	defer cancel()

	fail := func(op string, err error) error {
		return &NegotiationError{Op: op, RemoteClientID: remoteID, Err: err}
	}

	pc, err := n.factory.NewPeerConnection()
	if err != nil {
		return nil, fail("create peer connection", err)
	}
	established := false
	defer func() {
		if !established {
			pc.Close()
		}
	}()

	dc, err := pc.CreateDataChannel()
	if err != nil {
		return nil, fail("create data channel", err)
	}

	iceCtx, stopICE := context.WithCancel(ctx)
	defer stopICE()
	go n.sendLocalCandidates(iceCtx, pc, remoteID)

	remoteSet := false
	var pending []pion.ICECandidateInit

	if n.cfg.IsNewConnection {
		desc, err := pc.CreateOffer()
		if err != nil {
			return nil, fail("create offer", err)
		}
		if err := pc.SetLocalDescription(desc); err != nil {
			return nil, fail("set local description", err)
		}
		if err := n.sig.SendOffer(ctx, remoteID, desc.SDP); err != nil {
			return nil, fail("send offer", causeOf(ctx, err))
		}
	} else {
		if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
			return nil, fail("set remote description", err)
		}
		remoteSet = true
		desc, err := pc.CreateAnswer()
		if err != nil {
			return nil, fail("create answer", err)
		}
		if err := pc.SetLocalDescription(desc); err != nil {
			return nil, fail("set local description", err)
		}
		if err := n.sig.SendAnswer(ctx, remoteID, desc.SDP); err != nil {
			return nil, fail("send answer", causeOf(ctx, err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fail("wait for data channel", context.Cause(ctx))

		case item := <-inbox:
			switch item.Kind {
			case signaling.KindAnswer:
				if !n.cfg.IsNewConnection || remoteSet {
					continue
				}
				if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: item.SDP}); err != nil {
					return nil, fail("set remote description", err)
				}
				remoteSet = true
				for _, c := range pending {
					n.addCandidate(pc, remoteID, c)
				}
				pending = nil

			case signaling.KindICECandidate:
				c := pion.ICECandidateInit{
					Candidate:     item.Candidate.Candidate,
					SDPMid:        item.Candidate.SDPMid,
					SDPMLineIndex: item.Candidate.SDPMLineIndex,
				}
				if remoteSet {
					n.addCandidate(pc, remoteID, c)
				} else {
					pending = append(pending, c)
				}
			}

		case state := <-pc.ConnectionStates():
			n.logger.Debug("ice state", "remote", remoteID, "state", state.String())
			if state == pion.ICEConnectionStateFailed || state == pion.ICEConnectionStateClosed {
				return nil, &NegotiationError{Op: "connect", RemoteClientID: remoteID, Err: ErrNegotiationFailed, Details: state.String()}
			}

		case state := <-dc.ReadyStates():
			switch state {
			case pion.DataChannelStateOpen:
				client := NewClient(pc, dc, remoteID, n.cfg.ChunkSize, n.logger)
				if err := n.sendLinkClient(ctx, client); err != nil {
					client.Cancel()
					return nil, fail("send link client", err)
				}
				established = true
				n.logger.Info("peer connection established", "remote", remoteID, "peer_connection_id", client.ID().Short())
				return client, nil
			case pion.DataChannelStateClosing, pion.DataChannelStateClosed:
				return nil, &NegotiationError{Op: "open data channel", RemoteClientID: remoteID, Err: ErrNegotiationFailed, Details: state.String()}
			}
		}
	}
}

func (n *Negotiator) sendLocalCandidates(ctx context.Context, pc webrtc.PeerConnection, remoteID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-pc.ICECandidates():
			candidate := signaling.ICECandidate{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			}
			if err := n.sig.SendICECandidate(ctx, remoteID, candidate); err != nil {
				return
			}
		}
	}
}

func (n *Negotiator) addCandidate(pc webrtc.PeerConnection, remoteID string, c pion.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		n.logger.Warn("failed to add remote candidate", "remote", remoteID, "error", err)
	}
}

func (n *Negotiator) sendLinkClient(ctx context.Context, client *Client) error {
	if !n.cfg.IsNewConnection || n.cfg.Identity == nil {
		return nil
	}
	data, err := NewLinkClientResponse(n.cfg.Identity, n.link.Password).encode()
	if err != nil {
		return err
	}
	return client.SendData(ctx, data)
}

// causeOf prefers the context's cause over the plain context error a send
// returns.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
