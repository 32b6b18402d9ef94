package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BioHazard786/peerlink/internal/signaling"
)

// Hub routes signaling messages between the wallet and extension sockets of
// each connection id. Run is the single goroutine that owns the rooms map.
type Hub struct {
	rooms map[string]*Room

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	stats      chan chan Stats
	done       chan struct{}

	logger *slog.Logger
}

// Stats is a snapshot of hub occupancy.
type Stats struct {
	Rooms   int
	Clients int
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes hub events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for _, side := range room.members {
					for _, c := range side {
						close(c.send)
					}
				}
			}
			h.rooms = make(map[string]*Room)
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.handleUnregister(c)

		case in := <-h.inbound:
			h.handleMessage(in.client, in.data)

		case reply := <-h.stats:
			var s Stats
			s.Rooms = len(h.rooms)
			for _, room := range h.rooms {
				for _, side := range room.members {
					s.Clients += len(side)
				}
			}
			reply <- s
		}
	}
}

// Stats returns the current occupancy, or a zero value if ctx ends first.
func (h *Hub) Stats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-ctx.Done():
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Stats{}
	}
}

func (h *Hub) handleRegister(c *Client) {
	room, ok := h.rooms[c.ConnectionID]
	if !ok {
		room = newRoom(c.ConnectionID)
		h.rooms[c.ConnectionID] = room
	}
	room.add(c)

	for _, peer := range room.peers(c) {
		h.deliver(c, &signaling.ServerMessage{Info: signaling.InfoRemoteClientIsAlreadyConnected, RemoteClientID: peer.ID})
		h.deliver(peer, &signaling.ServerMessage{Info: signaling.InfoRemoteClientJustConnected, RemoteClientID: c.ID})
	}

	h.logger.Debug("relay client registered",
		"connection_id", shortID(c.ConnectionID), "client_id", c.ID, "source", string(c.Source))
}

func (h *Hub) handleUnregister(c *Client) {
	room, ok := h.rooms[c.ConnectionID]
	if !ok || !room.remove(c) {
		return
	}
	close(c.send)

	for _, peer := range room.peers(c) {
		h.deliver(peer, &signaling.ServerMessage{Info: signaling.InfoRemoteClientDisconnected, RemoteClientID: c.ID})
	}
	if room.empty() {
		delete(h.rooms, room.ID)
	}

	h.logger.Debug("relay client unregistered",
		"connection_id", shortID(c.ConnectionID), "client_id", c.ID, "source", string(c.Source))
}

func (h *Hub) handleMessage(c *Client, data []byte) {
	room, ok := h.rooms[c.ConnectionID]
	if !ok {
		return
	}

	var msg signaling.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.deliver(c, &signaling.ServerMessage{Info: signaling.InfoInvalidMessageError, Error: err.Error()})
		return
	}
	if reason := validate(&msg, c); reason != "" {
		h.deliver(c, &signaling.ServerMessage{Info: signaling.InfoValidationError, RequestID: msg.RequestID, Error: reason})
		return
	}

	var targets []*Client
	if msg.TargetClientID != "" {
		if peer, ok := room.peers(c)[msg.TargetClientID]; ok {
			targets = append(targets, peer)
		}
	} else {
		for _, peer := range room.peers(c) {
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		h.deliver(c, &signaling.ServerMessage{Info: signaling.InfoMissingRemoteClientError, RequestID: msg.RequestID})
		return
	}

	for _, peer := range targets {
		h.deliver(peer, &signaling.ServerMessage{
			Info:           signaling.InfoRemoteData,
			RequestID:      msg.RequestID,
			RemoteClientID: c.ID,
			Data:           json.RawMessage(data),
		})
	}
	h.deliver(c, &signaling.ServerMessage{Info: signaling.InfoConfirmation, RequestID: msg.RequestID})
}

// deliver queues msg for c without blocking the hub. A client whose buffer
// is full is disconnected; its ReadPump then unregisters it.
func (h *Hub) deliver(c *Client, msg *signaling.ServerMessage) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("relay client too slow, disconnecting", "client_id", c.ID)
		c.conn.Close()
	}
}

func validate(msg *signaling.ClientMessage, c *Client) string {
	switch {
	case msg.RequestID == "":
		return "requestId is required"
	case msg.ConnectionID != c.ConnectionID:
		return "connectionId does not match socket"
	case msg.Source != c.Source:
		return "source does not match socket"
	case msg.EncryptedPayload == "":
		return "encryptedPayload is required"
	}
	switch msg.Method {
	case signaling.MethodOffer, signaling.MethodAnswer, signaling.MethodICECandidate:
		return ""
	default:
		return "unknown method"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
