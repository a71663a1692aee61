// Package hub fans relayed frames out to tap clients without ever blocking
// the caller.
package hub

import (
	"sync"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop"/"kick" to a policy; ok is false for anything else.
func ParsePolicy(s string) (p BackpressurePolicy, ok bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound buffer of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	snap       []*Client // rebuilt on Add/Remove; Broadcast reads it without copying
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

func (h *Hub) rebuildLocked() {
	snap := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snap = append(snap, c)
	}
	h.snap = snap
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	h.rebuildLocked()
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetTapClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("tap_first_client")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
		h.rebuildLocked()
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetTapClients(cur)
	if existed && cur == 0 {
		logging.L().Info("tap_last_client_gone")
	}
}

// Broadcast offers fr to every client honoring the backpressure policy.
// It never blocks and does not allocate.
func (h *Hub) Broadcast(fr can.Frame) {
	h.mu.RLock()
	clients := h.snap
	h.mu.RUnlock()
	for _, c := range clients {
		select {
		case c.Out <- fr:
		default:
			metrics.IncTapDrop()
			if h.Policy == PolicyKick {
				c.Close() // writer exits; the tap server removes it
			}
		}
	}
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
