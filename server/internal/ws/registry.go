package ws

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Client is one registered connection. It is created by Hub.OnConnect and
// lives until Hub.OnDisconnect or Hub.Shutdown.
type Client struct {
	id      string
	conn    Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ID returns the connection's random identifier.
func (c *Client) ID() string { return c.id }

// offer queues frame without blocking. When the buffer is full the oldest
// pending frame is discarded to make room; dropped reports whether that
// happened. Callers hold the registry read lock so send is never closed
// underneath them.
func (c *Client) offer(frame []byte) (dropped bool) {
	for {
		select {
		case c.send <- frame:
			return dropped
		default:
		}
		select {
		case <-c.send:
			dropped = true
		default:
			// The writer drained the buffer between the two selects.
		}
	}
}

// registry is the set of live clients. Membership changes take the write
// lock; deliveries take the read lock so they never race a close of send.
type registry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func newRegistry() *registry {
	return &registry{clients: make(map[*Client]struct{})}
}

func (r *registry) add(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

// remove drops c and closes its send channel. It reports false if c was not
// a member.
func (r *registry) remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return false
	}
	delete(r.clients, c)
	close(c.send)
	return true
}

// broadcast offers frame to every member and returns how many of them had to
// drop an older frame.
func (r *registry) broadcast(frame []byte) (dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c.offer(frame) {
			dropped++
		}
	}
	return dropped
}

// sendTo offers frame to c alone. It reports false if c is no longer a
// member.
func (r *registry) sendTo(c *Client, frame []byte) (delivered, dropped bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.clients[c]; !ok {
		return false, false
	}
	return true, c.offer(frame)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// closeAll removes every member, closing each send channel so its writer
// sends a close frame and exits.
func (r *registry) closeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.clients)
	for c := range r.clients {
		close(c.send)
		delete(r.clients, c)
	}
	return n
}
