// Package rtc keeps the live peer connections of every link and routes
// requests and responses over them.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/peer"
	"github.com/BioHazard786/peerlink/internal/stream"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFirstConnectionTimeout = 30 * time.Second

	defaultSeenMessages = 256
)

// Negotiator produces peer connections for one link. *peer.Negotiator
// implements it.
type Negotiator interface {
	Results() <-chan peer.Result
	Cancel()
}

type ClientConfig struct {
	// FirstConnectionTimeout is the default bound for WaitForFirstConnection.
	FirstConnectionTimeout time.Duration

	// SeenMessages sizes the cache of recent (peer connection, message id)
	// pairs used to drop re-delivered messages.
	SeenMessages int

	Logger *slog.Logger
}

// Client owns the peer connections of one link. Its peer map is only
// touched by the run loop; every other method goes through ops.
type Client struct {
	link       link.Link
	id         link.ConnectionID
	negotiator Negotiator
	cfg        ClientConfig
	logger     *slog.Logger

	incoming *stream.Subject[IncomingMessage]
	peerIDs  *stream.Subject[[]peer.ID]
	seen     *lru.Cache[string, struct{}]

	first    chan struct{}
	firstErr error

	// Owned by the run loop.
	known map[peer.ID]struct{}

	ops     chan func(map[peer.ID]*peer.Client)
	removed chan peer.ID

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewClient starts folding the negotiator's results into the client.
func NewClient(l link.Link, negotiator Negotiator, cfg ClientConfig) *Client {
	if cfg.FirstConnectionTimeout <= 0 {
		cfg.FirstConnectionTimeout = DefaultFirstConnectionTimeout
	}
	if cfg.SeenMessages <= 0 {
		cfg.SeenMessages = defaultSeenMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seen, _ := lru.New[string, struct{}](cfg.SeenMessages)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		link:       l,
		id:         l.ID(),
		negotiator: negotiator,
		cfg:        cfg,
		logger:     cfg.Logger.With("connection_id", l.ID().Short()),
		incoming:   stream.NewSubject[IncomingMessage](),
		peerIDs:    stream.NewCurrentValueSubject[[]peer.ID](nil),
		seen:       seen,
		first:      make(chan struct{}),
		known:      make(map[peer.ID]struct{}),
		ops:        make(chan func(map[peer.ID]*peer.Client)),
		removed:    make(chan peer.ID),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Client) ID() link.ConnectionID { return c.id }

func (c *Client) Link() link.Link { return c.link }

// IncomingMessages subscribes to decoded messages from every peer
// connection of this link.
func (c *Client) IncomingMessages(ctx context.Context) <-chan IncomingMessage {
	return c.incoming.Subscribe(ctx)
}

// PeerConnectionIDs subscribes to the set of live peer connections. The
// current set is replayed first.
func (c *Client) PeerConnectionIDs(ctx context.Context) <-chan []peer.ID {
	return c.peerIDs.Subscribe(ctx)
}

func (c *Client) CurrentPeerConnectionIDs() []peer.ID {
	ids, _ := c.peerIDs.Value()
	return ids
}

func (c *Client) HasAnyActiveConnections() bool {
	var active bool
	err := c.do(context.Background(), func(peers map[peer.ID]*peer.Client) {
		active = len(peers) > 0
	})
	return err == nil && active
}

// WaitForFirstConnection blocks until the first negotiation attempt
// finishes and returns its error. A timeout of zero uses the configured
// default. Expiry only unblocks the caller; negotiation continues.
func (c *Client) WaitForFirstConnection(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.FirstConnectionTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.first:
		return c.firstErr
	case <-timer.C:
		return fmt.Errorf("wait for first connection after %s: %w", timeout, peer.ErrNegotiationTimeout)
	case <-c.done:
		return ErrClientCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends req to every open peer connection concurrently and
// returns how many accepted it. Failed peers are skipped; it is an error
// only when there was nobody to send to or nobody accepted. A cancelled ctx
// stops issuing sends but keeps the ones already made.
func (c *Client) Broadcast(ctx context.Context, req Request) (int, error) {
	data, err := encode(req)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	targets, err := c.openPeers(ctx)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		c.logger.Warn("unable to broadcast, no connected peer connections")
		return 0, ErrNoConnectedClients
	}

	var sent atomic.Int64
	var g errgroup.Group
	dispatched := context.WithoutCancel(ctx)
	for _, pc := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := pc.SendData(dispatched, data); err != nil {
				c.logger.Warn("broadcast to peer connection failed",
					"peer_connection_id", pc.ID().Short(), "error", err)
				return err
			}
			sent.Add(1)
			return nil
		})
	}
	err = g.Wait()

	if n := int(sent.Load()); n > 0 || err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("broadcast: %w", err)
}

// Send delivers resp to exactly one peer connection.
func (c *Client) Send(ctx context.Context, resp Response, to peer.ID) error {
	data, err := encode(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	var pc *peer.Client
	if err := c.do(ctx, func(peers map[peer.ID]*peer.Client) { pc = peers[to] }); err != nil {
		return err
	}
	if pc == nil || !pc.IsOpen() {
		return fmt.Errorf("send to %s: %w", to.Short(), ErrPeerConnectionClosed)
	}

	if err := pc.SendData(ctx, data); err != nil {
		if errors.Is(err, peer.ErrChannelNotOpen) {
			return fmt.Errorf("send to %s: %w", to.Short(), ErrPeerConnectionClosed)
		}
		return fmt.Errorf("send to %s: %w", to.Short(), err)
	}
	return nil
}

// SendToAny delivers resp to the first open peer connection that takes it.
func (c *Client) SendToAny(ctx context.Context, resp Response) (peer.ID, error) {
	for _, id := range c.CurrentPeerConnectionIDs() {
		err := c.Send(ctx, resp, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrPeerConnectionClosed) {
			return "", err
		}
	}
	return "", ErrPeerConnectionClosed
}

// RemovePeerConnection cancels and drops one peer connection.
func (c *Client) RemovePeerConnection(id peer.ID) {
	_ = c.do(context.Background(), func(peers map[peer.ID]*peer.Client) {
		c.remove(peers, id)
	})
}

// Cancel tears down every peer connection and the negotiator, and ends all
// subscriptions. It is safe to call more than once.
func (c *Client) Cancel() {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		c.negotiator.Cancel()
		c.wg.Wait()
		c.incoming.Close()
		c.peerIDs.Close()
	})
}

// Knows reports whether id ever belonged to this client. A route to an
// unknown id predates the client.
func (c *Client) Knows(id peer.ID) bool {
	var known bool
	err := c.do(context.Background(), func(map[peer.ID]*peer.Client) {
		_, known = c.known[id]
	})
	return err == nil && known
}

func (c *Client) do(ctx context.Context, fn func(map[peer.ID]*peer.Client)) error {
	finished := make(chan struct{})
	op := func(peers map[peer.ID]*peer.Client) {
		fn(peers)
		close(finished)
	}
	select {
	case c.ops <- op:
	case <-c.done:
		return ErrClientCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (c *Client) openPeers(ctx context.Context) ([]*peer.Client, error) {
	var out []*peer.Client
	err := c.do(ctx, func(peers map[peer.ID]*peer.Client) {
		for _, pc := range peers {
			if pc.IsOpen() {
				out = append(out, pc)
			}
		}
	})
	return out, err
}

func (c *Client) run() {
	peers := make(map[peer.ID]*peer.Client)
	results := c.negotiator.Results()
	firstSeen := false

	defer func() {
		for _, pc := range peers {
			pc.Cancel()
		}
		if !firstSeen {
			c.firstErr = ErrClientCancelled
			close(c.first)
		}
		close(c.done)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if r.Err != nil {
				c.logger.Error("failed to establish peer connection", "error", r.Err)
			} else {
				pc := r.Client
				peers[pc.ID()] = pc
				c.known[pc.ID()] = struct{}{}
				c.publishIDs(peers)
				c.wg.Add(1)
				go c.watch(pc)
			}
			if !firstSeen {
				firstSeen = true
				c.firstErr = r.Err
				close(c.first)
			}

		case id := <-c.removed:
			c.remove(peers, id)

		case op := <-c.ops:
			op(peers)
		}
	}
}

func (c *Client) remove(peers map[peer.ID]*peer.Client, id peer.ID) {
	pc, ok := peers[id]
	if !ok {
		return
	}
	delete(peers, id)
	pc.Cancel()
	c.publishIDs(peers)
	c.logger.Info("peer connection removed", "peer_connection_id", id.Short())
}

func (c *Client) publishIDs(peers map[peer.ID]*peer.Client) {
	ids := make([]peer.ID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	c.peerIDs.Publish(ids)
}

// watch forwards one peer connection's messages until it closes, then asks
// the run loop to drop it.
func (c *Client) watch(pc *peer.Client) {
	defer c.wg.Done()

	route := Route{ConnectionID: c.id, PeerConnectionID: pc.ID()}
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-pc.Messages():
			c.receive(route, m)
		case <-pc.Closed():
			select {
			case c.removed <- pc.ID():
			case <-c.ctx.Done():
			}
			return
		}
	}
}

func (c *Client) receive(route Route, m peer.Message) {
	if m.Err != nil {
		c.incoming.Publish(IncomingMessage{Route: route, Err: m.Err})
		return
	}

	// A sender that missed our confirmation resends under the same message
	// id. Identical content under a new id, or from another peer
	// connection, is a new message.
	if m.MessageID != "" {
		key := string(route.PeerConnectionID) + "/" + m.MessageID
		if found, _ := c.seen.ContainsOrAdd(key, struct{}{}); found {
			c.logger.Debug("dropping re-delivered message",
				"peer_connection_id", route.PeerConnectionID.Short(), "message_id", m.MessageID)
			return
		}
	}

	req, resp, err := Decode(m.Data)
	if err != nil {
		c.logger.Warn("failed to decode peer message", "peer_connection_id", route.PeerConnectionID.Short(), "error", err)
	}
	c.incoming.Publish(IncomingMessage{Route: route, Request: req, Response: resp, Err: err})
}
