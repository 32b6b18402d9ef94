package rtc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/peer"
	"github.com/BioHazard786/peerlink/internal/signaling"
	"github.com/BioHazard786/peerlink/internal/stream"
	"github.com/BioHazard786/peerlink/internal/webrtc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ClientConnectionsUpdate is the liveness of one link. A registered link
// with no live peer connection is reported with an empty list; a link that
// is absent from an update list is not registered.
type ClientConnectionsUpdate struct {
	ConnectionID      link.ConnectionID
	PeerConnectionIDs []peer.ID
}

// Options configures Clients.
type Options struct {
	SignalingURL string
	Factory      webrtc.Factory

	// Links, when set, is consulted for current purposes when a request is
	// sent with a purpose filter, and to find the link of a route whose
	// client is gone.
	Links link.Source

	// Identity signs the linkClient response on new links.
	Identity ed25519.PrivateKey

	FirstConnectionTimeout time.Duration
	NegotiationTimeout     time.Duration
	ReconnectDelay         time.Duration
	PingInterval           time.Duration

	Logger *slog.Logger
}

type entry struct {
	client *Client
	stop   context.CancelFunc
}

// Clients manages one Client per link. The client map is guarded by mu,
// which is never held across network I/O.
type Clients struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[link.ConnectionID]*entry
	statuses []ClientConnectionsUpdate

	incoming *stream.Subject[IncomingMessage]
	updates  *stream.Subject[[]ClientConnectionsUpdate]

	connects   singleflight.Group
	reconnects singleflight.Group
	wg         sync.WaitGroup
}

func NewClients(opts Options) *Clients {
	if opts.FirstConnectionTimeout <= 0 {
		opts.FirstConnectionTimeout = DefaultFirstConnectionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Clients{
		opts:     opts,
		logger:   opts.Logger,
		clients:  make(map[link.ConnectionID]*entry),
		incoming: stream.NewSubject[IncomingMessage](),
		updates:  stream.NewCurrentValueSubject[[]ClientConnectionsUpdate](nil),
	}
}

// IncomingMessages subscribes to the merged messages of every link.
func (cs *Clients) IncomingMessages(ctx context.Context) <-chan IncomingMessage {
	return cs.incoming.Subscribe(ctx)
}

// ConnectClients subscribes to link liveness. The current list is
// replayed first.
func (cs *Clients) ConnectClients(ctx context.Context) <-chan []ClientConnectionsUpdate {
	return cs.updates.Subscribe(ctx)
}

func (cs *Clients) CurrentlyConnectedClients() []ClientConnectionsUpdate {
	cur, _ := cs.updates.Value()
	return cur
}

// Connect registers a client for l unless one already exists. With
// waitsForEstablishment it returns only after the first negotiation
// finished, and registers nothing if that failed.
func (cs *Clients) Connect(ctx context.Context, l link.Link, isNewConnection, waitsForEstablishment bool) error {
	id := l.ID()
	if cs.lookup(id) != nil {
		cs.logger.Info("ignoring connect for registered link", "connection_id", id.Short())
		return nil
	}

	_, err, _ := cs.connects.Do(id.String(), func() (any, error) {
		if cs.lookup(id) != nil {
			return nil, nil
		}
		return nil, cs.connect(ctx, l, isNewConnection, waitsForEstablishment)
	})
	return err
}

func (cs *Clients) connect(ctx context.Context, l link.Link, isNewConnection, wait bool) error {
	client, err := cs.newClient(l, isNewConnection)
	if err != nil {
		return err
	}
	if wait {
		if err := client.WaitForFirstConnection(ctx, cs.opts.FirstConnectionTimeout); err != nil {
			client.Cancel()
			return err
		}
	}
	cs.add(client)
	return nil
}

func (cs *Clients) newClient(l link.Link, isNewConnection bool) (*Client, error) {
	logger := cs.logger.With("connection_id", l.ID().Short())
	sig, err := signaling.NewClient(l.Password, signaling.Options{
		URL:          cs.opts.SignalingURL,
		Source:       signaling.SourceWallet,
		Target:       signaling.SourceExtension,
		PingInterval: cs.opts.PingInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create signaling client: %w", err)
	}
	negotiator := peer.NewNegotiator(l, sig, cs.opts.Factory, peer.Config{
		IsNewConnection: isNewConnection,
		Timeout:         cs.opts.NegotiationTimeout,
		ReconnectDelay:  cs.opts.ReconnectDelay,
		Identity:        cs.opts.Identity,
		Logger:          logger,
	})
	return NewClient(l, negotiator, ClientConfig{
		FirstConnectionTimeout: cs.opts.FirstConnectionTimeout,
		Logger:                 cs.logger,
	}), nil
}

func (cs *Clients) lookup(id link.ConnectionID) *entry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.clients[id]
}

func (cs *Clients) add(client *Client) {
	ctx, stop := context.WithCancel(context.Background())
	e := &entry{client: client, stop: stop}

	cs.mu.Lock()
	if old := cs.clients[client.ID()]; old != nil {
		cs.mu.Unlock()
		stop()
		client.Cancel()
		return
	}
	cs.clients[client.ID()] = e
	cs.setStatusLocked(client.ID(), client.CurrentPeerConnectionIDs())
	cs.mu.Unlock()

	cs.wg.Add(2)
	go func() {
		defer cs.wg.Done()
		for m := range client.IncomingMessages(ctx) {
			cs.incoming.Publish(m)
		}
	}()
	go func() {
		defer cs.wg.Done()
		for ids := range client.PeerConnectionIDs(ctx) {
			cs.mu.Lock()
			if cs.clients[client.ID()] == e {
				cs.setStatusLocked(client.ID(), ids)
			}
			cs.mu.Unlock()
		}
	}()
	cs.logger.Info("link registered", "connection_id", client.ID().Short())
}

// setStatusLocked replaces the status of id and publishes the list. Called
// with mu held.
func (cs *Clients) setStatusLocked(id link.ConnectionID, ids []peer.ID) {
	next := make([]ClientConnectionsUpdate, 0, len(cs.statuses)+1)
	found := false
	for _, u := range cs.statuses {
		if u.ConnectionID == id {
			u.PeerConnectionIDs = ids
			found = true
		}
		next = append(next, u)
	}
	if !found {
		next = append(next, ClientConnectionsUpdate{ConnectionID: id, PeerConnectionIDs: ids})
	}
	cs.statuses = next
	cs.updates.Publish(next)
}

func (cs *Clients) removeStatusLocked(id link.ConnectionID) {
	next := make([]ClientConnectionsUpdate, 0, len(cs.statuses))
	for _, u := range cs.statuses {
		if u.ConnectionID != id {
			next = append(next, u)
		}
	}
	if len(next) == len(cs.statuses) {
		return
	}
	cs.statuses = next
	cs.updates.Publish(next)
}

// DisconnectAndRemoveClient cancels the link's client and drops it from
// the status list. Unknown links are ignored.
func (cs *Clients) DisconnectAndRemoveClient(password link.Password) {
	cs.remove(password.ID(), nil)
}

// remove drops the client for id. When only is set, the client is dropped
// only if it is still the registered one.
func (cs *Clients) remove(id link.ConnectionID, only *entry) {
	cs.mu.Lock()
	e := cs.clients[id]
	if e == nil || (only != nil && e != only) {
		cs.mu.Unlock()
		return
	}
	delete(cs.clients, id)
	cs.removeStatusLocked(id)
	cs.mu.Unlock()

	e.stop()
	e.client.Cancel()
	cs.logger.Info("link removed", "connection_id", id.Short())
}

func (cs *Clients) DisconnectAndRemoveAll() {
	cs.mu.Lock()
	ids := make([]link.ConnectionID, 0, len(cs.clients))
	for id := range cs.clients {
		ids = append(ids, id)
	}
	cs.mu.Unlock()

	for _, id := range ids {
		cs.remove(id, nil)
	}
}

// Close removes every link and ends all subscriptions.
func (cs *Clients) Close() {
	cs.DisconnectAndRemoveAll()
	cs.wg.Wait()
	cs.incoming.Close()
	cs.updates.Close()
}

// SendResponse sends resp back over route. When that peer connection is
// gone but the link still has a live one, resp goes over that instead. Only
// a link with no live peer connection is reconnected; concurrent callers for
// the same link share one reconnect.
func (cs *Clients) SendResponse(ctx context.Context, resp Response, route Route) error {
	stale := cs.lookup(route.ConnectionID)
	if stale != nil {
		err := stale.client.Send(ctx, resp, route.PeerConnectionID)
		if err == nil || !(errors.Is(err, ErrPeerConnectionClosed) || errors.Is(err, ErrClientCancelled)) {
			return err
		}
		if stale.client.HasAnyActiveConnections() {
			id, err := stale.client.SendToAny(ctx, resp)
			if err == nil {
				cs.logger.Debug("peer connection gone, responded over another",
					"route", route.String(), "peer_connection_id", id.Short())
				return nil
			}
			if !errors.Is(err, ErrPeerConnectionClosed) {
				return err
			}
		}
		if stale.client.Knows(route.PeerConnectionID) {
			cs.logger.Info("last peer connection gone, reconnecting", "route", route.String())
		} else {
			cs.logger.Info("route predates the current client, reconnecting", "route", route.String())
		}
	}

	v, err, _ := cs.reconnects.Do(route.ConnectionID.String(), func() (any, error) {
		return cs.reconnect(ctx, route.ConnectionID, stale)
	})
	if err != nil {
		return &ReconnectError{ConnectionID: route.ConnectionID.Short(), Err: err}
	}

	client := v.(*Client)
	if _, err := client.SendToAny(ctx, resp); err != nil {
		return &ReconnectError{ConnectionID: route.ConnectionID.Short(), Err: err}
	}
	return nil
}

// reconnect returns a client of id with a live peer connection. A
// registered client that still has one is reused as is; otherwise the
// registered client is replaced.
func (cs *Clients) reconnect(ctx context.Context, id link.ConnectionID, stale *entry) (*Client, error) {
	cur := cs.lookup(id)
	if cur != nil && cur.client.HasAnyActiveConnections() {
		return cur.client, nil
	}

	var l link.Link
	switch {
	case cur != nil:
		l = cur.client.Link()
	case stale != nil:
		l = stale.client.Link()
	default:
		found, err := cs.findLink(ctx, id)
		if err != nil {
			return nil, err
		}
		l = found
	}
	if cur != nil {
		cs.remove(id, cur)
	}

	// Share the registration with any concurrent Connect for the link.
	_, err, _ := cs.connects.Do(id.String(), func() (any, error) {
		if cs.lookup(id) != nil {
			return nil, nil
		}
		return nil, cs.connect(ctx, l, false, true)
	})
	if err != nil {
		return nil, err
	}

	e := cs.lookup(id)
	if e == nil {
		return nil, ErrClientCancelled
	}
	// The winner may have been a Connect that does not wait.
	if err := e.client.WaitForFirstConnection(ctx, cs.opts.FirstConnectionTimeout); err != nil {
		return nil, err
	}
	return e.client, nil
}

func (cs *Clients) findLink(ctx context.Context, id link.ConnectionID) (link.Link, error) {
	if cs.opts.Links == nil {
		return link.Link{}, ErrUnknownLink
	}
	links, err := cs.opts.Links.Links(ctx)
	if err != nil {
		return link.Link{}, fmt.Errorf("load links: %w", err)
	}
	for _, l := range links {
		if l.ID() == id {
			return l, nil
		}
	}
	return link.Link{}, ErrUnknownLink
}

// SendRequest broadcasts req to the links strategy selects and returns how
// many peer connections accepted it.
func (cs *Clients) SendRequest(ctx context.Context, req Request, strategy SendStrategy) (int, error) {
	targets, err := cs.selectClients(ctx, strategy)
	if err != nil {
		return 0, err
	}

	var connected []*Client
	for _, c := range targets {
		if c.HasAnyActiveConnections() {
			connected = append(connected, c)
		}
	}
	if len(connected) == 0 {
		return 0, ErrNoConnectedClients
	}

	var total atomic.Int64
	var g errgroup.Group
	for _, c := range connected {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := c.Broadcast(ctx, req)
			total.Add(int64(n))
			if err != nil {
				cs.logger.Warn("broadcast to link failed", "connection_id", c.ID().Short(), "error", err)
			}
			return err
		})
	}
	err = g.Wait()

	if n := int(total.Load()); n > 0 || err == nil {
		return n, nil
	}
	return 0, err
}

func (cs *Clients) selectClients(ctx context.Context, strategy SendStrategy) ([]*Client, error) {
	cs.mu.Lock()
	all := make([]*Client, 0, len(cs.clients))
	for _, e := range cs.clients {
		all = append(all, e.client)
	}
	cs.mu.Unlock()

	if strategy.purpose == nil {
		return all, nil
	}

	purposes := make(map[link.ConnectionID]link.Purpose, len(all))
	if cs.opts.Links != nil {
		links, err := cs.opts.Links.Links(ctx)
		if err != nil {
			return nil, fmt.Errorf("load links: %w", err)
		}
		for _, l := range links {
			purposes[l.ID()] = l.Purpose
		}
	}

	var out []*Client
	for _, c := range all {
		p, ok := purposes[c.ID()]
		if !ok {
			p = c.Link().Purpose
		}
		if p == *strategy.purpose {
			out = append(out, c)
		}
	}
	return out, nil
}
