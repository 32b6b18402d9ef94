package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/peerlink/internal/webrtc"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

const messageBuffer = 64

// ID identifies one negotiated peer connection. It is random and only
// unique within a link.
type ID string

func newID() ID { return ID(uuid.NewString()) }

func (id ID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// Message is a reassembled incoming message, or the reason one could not be
// reassembled.
type Message struct {
	// MessageID is the sender's framing id of a reassembled message.
	MessageID string
	Data      []byte
	Err       error
}

// Client wraps one established peer connection and its data channel.
type Client struct {
	id             ID
	remoteClientID string
	pc             webrtc.PeerConnection
	dc             webrtc.DataChannel
	chunkSize      int
	logger         *slog.Logger

	messages chan Message
	closed   chan struct{}
	done     chan struct{}

	closeOnce  sync.Once
	cancelOnce sync.Once
	sendMu     sync.Mutex
	wg         sync.WaitGroup
}

// NewClient takes ownership of an established connection and starts
// reading from its data channel.
func NewClient(pc webrtc.PeerConnection, dc webrtc.DataChannel, remoteClientID string, chunkSize int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := newID()
	c := &Client{
		id:             id,
		remoteClientID: remoteClientID,
		pc:             pc,
		dc:             dc,
		chunkSize:      chunkSize,
		logger:         logger.With("peer_connection_id", id.Short()),
		messages:       make(chan Message, messageBuffer),
		closed:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Client) ID() ID { return c.id }

func (c *Client) RemoteClientID() string { return c.remoteClientID }

// Messages yields reassembled messages. It is never closed; stop reading
// once Closed fires.
func (c *Client) Messages() <-chan Message { return c.messages }

// Closed fires once the data channel closes or the connection drops.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// IsOpen reports whether data can currently be sent.
func (c *Client) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return c.dc.ReadyState() == pion.DataChannelStateOpen
	}
}

// SendData chunks data and writes it to the data channel.
func (c *Client) SendData(ctx context.Context, data []byte) error {
	if !c.IsOpen() {
		return ErrChannelNotOpen
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for _, p := range webrtc.Split(data, c.chunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.sendPackage(p); err != nil {
			return err
		}
	}
	return nil
}

// Cancel closes the data channel and the connection.
func (c *Client) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.done)
		c.markClosed()
		c.dc.Close()
		c.pc.Close()
		c.wg.Wait()
	})
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) sendPackage(p webrtc.Package) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode package: %w", err)
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("send package: %w", err)
	}
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	assembler := webrtc.NewAssembler()
	for {
		select {
		case <-c.done:
			return

		case data := <-c.dc.Messages():
			c.handle(assembler, data)

		case state := <-c.dc.ReadyStates():
			if state == pion.DataChannelStateClosing || state == pion.DataChannelStateClosed {
				c.logger.Debug("data channel closed", "state", state.String())
				c.markClosed()
			}

		case state := <-c.pc.ConnectionStates():
			switch state {
			case pion.ICEConnectionStateDisconnected, pion.ICEConnectionStateFailed, pion.ICEConnectionStateClosed:
				c.logger.Debug("peer connection lost", "state", state.String())
				c.markClosed()
			}
		}
	}
}

func (c *Client) handle(assembler *webrtc.Assembler, data []byte) {
	var p webrtc.Package
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("dropping undecodable package", "error", err)
		return
	}

	switch {
	case p.Confirmation != nil:
		c.logger.Debug("remote confirmed message", "message_id", p.Confirmation.MessageID)
		return
	case p.ReceiveError != nil:
		c.logger.Warn("remote failed to receive message",
			"message_id", p.ReceiveError.MessageID, "error", p.ReceiveError.Error)
		return
	}

	message, complete, err := assembler.Add(p)
	if err != nil {
		c.logger.Warn("failed to assemble message", "error", err)
		if errors.Is(err, webrtc.ErrHashMismatch) {
			c.reply(webrtc.Package{
				Type:         webrtc.PackageReceiveError,
				ReceiveError: &webrtc.ReceiveError{MessageID: p.MessageID(), Error: webrtc.ReceiveErrorHashMismatch},
			})
		}
		c.deliver(Message{Err: err})
		return
	}
	if !complete {
		return
	}

	c.reply(webrtc.Package{
		Type:         webrtc.PackageConfirmation,
		Confirmation: &webrtc.Confirmation{MessageID: p.MessageID()},
	})
	c.deliver(Message{MessageID: p.MessageID(), Data: message})
}

func (c *Client) reply(p webrtc.Package) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sendPackage(p); err != nil {
		c.logger.Debug("failed to send receipt", "error", err)
	}
}

func (c *Client) deliver(m Message) {
	select {
	case c.messages <- m:
	case <-c.done:
	}
}
