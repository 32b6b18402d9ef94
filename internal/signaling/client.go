package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/BioHazard786/peerlink/internal/dns"
	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	incomingBuffer = 64

	DefaultPingInterval = 60 * time.Second
	DefaultPongTimeout  = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// URL is the relay base URL; the connection id is appended as a path
	// segment.
	URL string

	// Source is this side of the link, Target the side we talk to.
	Source Source
	Target Source

	PingInterval time.Duration
	PongTimeout  time.Duration

	Logger *slog.Logger
}

// Client manages the WebSocket connection to the signaling relay for one
// link. Everything it receives, including failures, is delivered on
// Incoming. The incoming channel survives reconnects and is only closed by
// Disconnect.
type Client struct {
	opts   Options
	id     link.ConnectionID
	sealer *sealer
	logger *slog.Logger

	incoming chan Incoming
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	sock   *socket
	closed bool
}

// socket is one live websocket. A Client replaces its socket on reconnect.
type socket struct {
	conn     *websocket.Conn
	outgoing chan []byte
	pongs    chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (s *socket) close() bool {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		s.conn.Close()
	})
	return first
}

func (s *socket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// NewClient creates a signaling client for the link identified by password.
// No connection is made until Connect.
func NewClient(password link.Password, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("signaling URL is required")
	}
	if opts.Source == "" {
		opts.Source = SourceWallet
	}
	if opts.Target == "" {
		opts.Target = SourceExtension
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s, err := newSealer(password)
	if err != nil {
		return nil, fmt.Errorf("create signaling cipher: %w", err)
	}

	id := password.ID()
	return &Client{
		opts:     opts,
		id:       id,
		sealer:   s,
		logger:   opts.Logger.With("connection_id", id.Short(), "source", string(opts.Source)),
		incoming: make(chan Incoming, incomingBuffer),
		done:     make(chan struct{}),
	}, nil
}

// ConnectionID returns the routing id this client is registered under.
func (c *Client) ConnectionID() link.ConnectionID { return c.id }

// Incoming returns the channel of decoded relay messages and errors.
func (c *Client) Incoming() <-chan Incoming { return c.incoming }

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	u = u.JoinPath(c.id.String())
	q := u.Query()
	q.Set("target", string(c.opts.Target))
	q.Set("source", string(c.opts.Source))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the websocket if it is not already open. It may be called
// again after a TransportError to reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.sock != nil && !c.sock.isClosed() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: writeWait,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			resolvedIP, err := dns.Lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
		},
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	s := &socket{
		conn:     conn,
		outgoing: make(chan []byte, incomingBuffer),
		pongs:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return ErrClientClosed
	}
	if c.sock != nil && !c.sock.isClosed() {
		// Lost a race with a concurrent Connect.
		conn.Close()
		return nil
	}
	c.sock = s

	c.wg.Add(3)
	go c.readPump(s)
	go c.writePump(s)
	go c.pingLoop(s)

	c.logger.Debug("signaling connected", "url", endpoint)
	return nil
}

// Disconnect closes the socket and the incoming channel. It is safe to call
// more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	s := c.sock
	c.mu.Unlock()

	close(c.done)
	if s != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.close()
	}
	c.wg.Wait()
	close(c.incoming)
	c.logger.Debug("signaling disconnected")
}

func (c *Client) SendOffer(ctx context.Context, remoteClientID, sdp string) error {
	return c.send(ctx, MethodOffer, remoteClientID, SessionDescription{SDP: sdp})
}

func (c *Client) SendAnswer(ctx context.Context, remoteClientID, sdp string) error {
	return c.send(ctx, MethodAnswer, remoteClientID, SessionDescription{SDP: sdp})
}

func (c *Client) SendICECandidate(ctx context.Context, remoteClientID string, candidate ICECandidate) error {
	return c.send(ctx, MethodICECandidate, remoteClientID, candidate)
}

// send queues an encrypted primitive for the relay. Socket failures are
// reported on Incoming; only a closed client or a done ctx is returned.
func (c *Client) send(ctx context.Context, method Method, target string, payload any) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	sealed, err := c.sealer.sealHex(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", method, err)
	}
	data, err := json.Marshal(ClientMessage{
		RequestID:        uuid.NewString(),
		Method:           method,
		Source:           c.opts.Source,
		TargetClientID:   target,
		ConnectionID:     c.id.String(),
		EncryptedPayload: sealed,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	s := c.sock
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	notConnected := Incoming{Kind: KindError, Err: &TransportError{Op: "send " + string(method), Err: ErrNotConnected}}
	if s == nil {
		c.emit(notConnected)
		return nil
	}

	select {
	case s.outgoing <- data:
		return nil
	case <-s.done:
		c.emit(notConnected)
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) emit(item Incoming) {
	select {
	case c.incoming <- item:
	case <-c.done:
	}
}

// fail tears down s and reports err, unless s was already closed.
func (c *Client) fail(s *socket, err error) {
	if !s.close() {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.logger.Warn("signaling socket failed", "error", err)
	c.emit(Incoming{Kind: KindError, Err: err})
}

// readPump reads relay messages until the socket fails.
func (c *Client) readPump(s *socket) {
	defer c.wg.Done()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.fail(s, &TransportError{Op: "read", Err: err})
			return
		}
		c.emit(c.decode(data))
	}
}

// writePump is the only writer of data frames on the socket.
func (c *Client) writePump(s *socket) {
	defer c.wg.Done()

	for {
		select {
		case data := <-s.outgoing:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(s, &TransportError{Op: "write", Err: err})
				return
			}
		case <-s.done:
			return
		}
	}
}

// pingLoop pings immediately, waits for the pong, then sleeps PingInterval
// before the next ping.
func (c *Client) pingLoop(s *socket) {
	defer c.wg.Done()

	for {
		if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			c.fail(s, &TransportError{Op: "ping", Err: err})
			return
		}

		timeout := time.NewTimer(c.opts.PongTimeout)
		select {
		case <-s.pongs:
			timeout.Stop()
		case <-timeout.C:
			c.fail(s, &TransportError{Op: "ping", Err: ErrPongTimeout})
			return
		case <-s.done:
			timeout.Stop()
			return
		}

		next := time.NewTimer(c.opts.PingInterval)
		select {
		case <-next.C:
		case <-s.done:
			next.Stop()
			return
		}
	}
}
