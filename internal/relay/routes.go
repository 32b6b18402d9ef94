package relay

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"path"

	"github.com/BioHazard786/peerlink/internal/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Browser extensions connect from their own origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer returns the relay HTTP handler: /health plus websocket
// endpoints at /ws/<connection id>.
func NewServer(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/ws/", ServeWs(hub))
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// ServeWs upgrades a request for /ws/<connection id>?source=..&target=..
// and registers the socket with the hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := path.Base(r.URL.Path)
		if b, err := hex.DecodeString(connectionID); err != nil || len(b) != 32 {
			http.Error(w, "invalid connection id", http.StatusBadRequest)
			return
		}

		source := signaling.Source(r.URL.Query().Get("source"))
		target := signaling.Source(r.URL.Query().Get("target"))
		if !validPair(source, target) {
			http.Error(w, "invalid source or target", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade connection", "error", err)
			return
		}

		id := uuid.NewString()
		client := &Client{
			ID:           id,
			ConnectionID: connectionID,
			Source:       source,
			Target:       target,
			hub:          hub,
			conn:         conn,
			send:         make(chan *signaling.ServerMessage, sendBuffer),
			logger:       hub.logger.With(slog.String("client_id", id)),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

func validPair(source, target signaling.Source) bool {
	switch {
	case source == signaling.SourceWallet && target == signaling.SourceExtension:
		return true
	case source == signaling.SourceExtension && target == signaling.SourceWallet:
		return true
	default:
		return false
	}
}
