package httpapi

import (
	"sync"
)

// hub is the broker for admin live-feed WebSocket clients. There is a
// single broadcast stream — every connected client receives every
// Message — so unlike the teacher's per-topic Hub there is no topic map,
// just a client set.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient, 16),
		unregister: make(chan *wsClient, 16),
	}
}

// run starts the hub's event loop. Must be called exactly once, in its
// own goroutine, and exits when done is closed (server shutdown).
func (h *hub) run(done <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*wsClient]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// broadcast sends msg to every connected client. Clients whose send
// buffer is full are disconnected rather than allowed to stall the feed
// for everyone else.
func (h *hub) broadcast(msg Message) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

func (h *hub) subscribe(c *wsClient)   { h.register <- c }
func (h *hub) unsubscribe(c *wsClient) { h.unregister <- c }

// connectedCount returns the current number of connected admin feed
// clients.
func (h *hub) connectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
