package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per connection.
	sendBufferSize = 32

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second
)

// Conn is one live realtime connection, tagged with the room and user it
// belongs to. Connections are process-local and never persisted.
type Conn struct {
	ws     *websocket.Conn
	roomID string
	userID string
	alive  atomic.Bool
	send   chan []byte
}

// NewConn wraps an accepted WebSocket tagged with its room and user.
// A new connection starts out alive.
func NewConn(ws *websocket.Conn, roomID, userID string) *Conn {
	c := &Conn{
		ws:     ws,
		roomID: roomID,
		userID: userID,
	}
	c.alive.Store(true)
	return c
}

// RoomID returns the room this connection belongs to.
func (c *Conn) RoomID() string { return c.roomID }

// UserID returns the user this connection belongs to.
func (c *Conn) UserID() string { return c.userID }

// MarkAlive records proof of life for the current heartbeat cycle.
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// ClearAlive resets the liveness flag at the start of a heartbeat cycle.
func (c *Conn) ClearAlive() { c.alive.Store(false) }

// Alive reports whether the connection proved itself alive since the
// flag was last cleared.
func (c *Conn) Alive() bool { return c.alive.Load() }

// Close closes the underlying transport.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.ws.Close(code, reason)
}

// Registry tracks all live connections and owns their write pumps.
type Registry struct {
	mu      sync.Mutex
	conns   map[*Conn]context.CancelFunc
	closed  bool
	dropped atomic.Int64
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[*Conn]context.CancelFunc),
	}
}

// Add registers a connection and starts its write pump. The returned
// context is cancelled when the connection is removed or the registry
// shuts down; callers should select on ctx.Done() in their read loop.
func (r *Registry) Add(c *Conn) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	r.conns[c] = cancel

	go r.writePump(ctx, c)

	return ctx
}

// Remove unregisters a connection and stops its write pump. Safe to call
// more than once for the same connection.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.conns[c]
	if !ok {
		return
	}
	delete(r.conns, c)
	cancel()
	close(c.send)
}

// InRoom returns the current live connections in a room, excluding the
// given connection. The set is recomputed from the live set on every
// call, so a peer that disconnects mid-fan-out is simply absent from the
// next call.
func (r *Registry) InRoom(roomID string, excluding *Conn) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*Conn
	for c := range r.conns {
		if c.roomID == roomID && c != excluding {
			result = append(result, c)
		}
	}
	return result
}

// Find returns the live connection for the given room and user, or nil.
func (r *Registry) Find(roomID, userID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.conns {
		if c.roomID == roomID && c.userID == userID {
			return c
		}
	}
	return nil
}

// Snapshot returns all live connections for the liveness monitor.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		result = append(result, c)
	}
	return result
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Send queues a message for delivery to the connection. The send never
// blocks: a full buffer (slow consumer) or a removed connection drops
// the message.
func (r *Registry) Send(c *Conn, data []byte) bool {
	// The buffered channel is closed under this lock in Remove and
	// Shutdown, so the membership check makes the send safe.
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		r.dropped.Add(1)
		log.Printf("ws: send buffer full for user %s in room %s, dropping message", c.userID, c.roomID)
		return false
	}
}

// Dropped returns the number of messages dropped due to full buffers.
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

// Shutdown closes all connections and rejects new registrations.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for c, cancel := range r.conns {
		cancel()
		close(c.send)
		conns = append(conns, c)
	}
	r.conns = make(map[*Conn]context.CancelFunc)
	r.mu.Unlock()

	for _, c := range conns {
		go c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// writePump drains the connection's send channel, writing each message
// to the WebSocket. It exits when ctx is cancelled or the send channel
// is closed.
func (r *Registry) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to user %s failed: %v", c.userID, err)
				return
			}
		}
	}
}
