package relay

import "github.com/BioHazard786/peerlink/internal/signaling"

// Room holds every socket registered under one connection id, split by side.
type Room struct {
	ID      string
	members map[signaling.Source]map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{
		ID: id,
		members: map[signaling.Source]map[string]*Client{
			signaling.SourceWallet:    {},
			signaling.SourceExtension: {},
		},
	}
}

func (r *Room) add(c *Client) {
	r.members[c.Source][c.ID] = c
}

func (r *Room) remove(c *Client) bool {
	if _, ok := r.members[c.Source][c.ID]; !ok {
		return false
	}
	delete(r.members[c.Source], c.ID)
	return true
}

// peers returns the clients on the other side of c.
func (r *Room) peers(c *Client) map[string]*Client {
	return r.members[c.Target]
}

func (r *Room) empty() bool {
	for _, side := range r.members {
		if len(side) > 0 {
			return false
		}
	}
	return true
}
