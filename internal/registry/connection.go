// Package registry tracks procstar agent connections: which conn_id maps to
// which live socket, what group each belongs to, and how to choose one to
// dispatch work to.
//
// A Connection outlives any single socket. When an agent reconnects with a
// conn_id already known to the registry, the existing Connection is rebound
// to the new socket rather than replaced — processes started on the old
// socket stay associated with the same conn_id.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arkeep-io/procstar/internal/protocol"
)

// ErrSocketClosed is returned by Socket.Send and Connection.Send when no
// live socket is bound to write to.
var ErrSocketClosed = errors.New("procstar: socket closed")

// wireConn is the subset of *websocket.Conn a Socket needs to send
// frames and tear itself down. Kept minimal so wsserver's tests can bind
// a fake connection without this package importing test-only types.
type wireConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Socket serializes writes to a single WebSocket connection. Only one
// goroutine may have a write in flight on a *websocket.Conn at a time —
// gorilla/websocket panics otherwise — so every send goes through here.
type Socket struct {
	mu     sync.Mutex
	ws     wireConn
	closed bool
}

// NewSocket wraps an accepted WebSocket connection.
func NewSocket(ws wireConn) *Socket {
	return &Socket{ws: ws}
}

// Send writes a binary frame. Safe for concurrent callers; at most one
// write is ever in flight.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the underlying socket. Safe to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ws.Close()
}

// IsOpen reports whether the socket has not yet been closed from this side.
// It does not detect a half-closed peer — that's only discovered on the
// next read or write failure.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Connection is a procstar instance known to the server, identified by the
// conn_id it reports in its Register message. The connection object
// survives disconnection and reconnection: the socket may go away and come
// back, but the Connection itself — and any processes dispatched through
// it — persists until explicitly pruned.
type Connection struct {
	ConnID string

	mu            sync.RWMutex
	info          protocol.ConnectionInfo
	proc          protocol.ProcessInfo
	remoteAddr    string
	group         string
	socket        *Socket
	restrictedExe *string
	closedAt      time.Time // zero while a socket is bound and open
}

// newConnection builds a Connection from a Register message and the socket
// it arrived on.
func newConnection(conn_id, remoteAddr string, info protocol.ConnectionInfo, proc protocol.ProcessInfo, socket *Socket) *Connection {
	return &Connection{
		ConnID:        conn_id,
		info:          info,
		proc:          proc,
		remoteAddr:    remoteAddr,
		group:         info.GroupID,
		socket:        socket,
		restrictedExe: info.RestrictedExe,
	}
}

// Group returns the group_id this connection currently belongs to.
func (c *Connection) Group() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.group
}

// RemoteAddr returns the most recently observed peer address.
func (c *Connection) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// ProcessInfo returns the OS process identity the agent reported at
// registration.
func (c *Connection) ProcessInfo() protocol.ProcessInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proc
}

// IsOpen reports whether the connection currently has a live, unclosed
// socket bound to it.
func (c *Connection) IsOpen() bool {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()
	return sock != nil && sock.IsOpen()
}

// Send serializes msg and writes it to the connection's current socket.
// Returns an error (including ErrSocketClosed) if there is no live
// socket bound right now.
func (c *Connection) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()

	if sock == nil {
		return ErrSocketClosed
	}
	return sock.Send(data)
}

// CurrentSocket returns the socket currently bound to this connection, or
// nil if none is. Exposed so a caller that needs to tear down "whatever is
// bound right now" (e.g. tests) can obtain the identity CloseSocket
// requires.
func (c *Connection) CurrentSocket() *Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socket
}

// CloseSocket closes sock and, if sock is still the socket currently bound
// to this connection, marks the connection closed. It does not remove the
// Connection from the registry — the agent may reconnect with the same
// conn_id later and resume using this same record.
//
// sock must be the identity the caller itself bound or observed — not
// "whatever is bound now" — because a handler's Reading loop can still be
// unwinding after a concurrent reconnect already rebound this Connection to
// a new socket. If sock has already been superseded, closing it is still
// correct (it's the handler's own socket, now orphaned) but must not stamp
// closedAt or otherwise disturb the newer socket that replaced it.
func (c *Connection) CloseSocket(sock *Socket) error {
	if sock == nil {
		return nil
	}

	c.mu.Lock()
	if c.socket == sock {
		c.closedAt = time.Now()
	}
	c.mu.Unlock()

	return sock.Close()
}

// rebind swaps in a newly accepted socket for a reconnecting agent. It
// does not close the previously bound socket; it returns it so the caller
// can close it.
func (c *Connection) rebind(remoteAddr string, info protocol.ProcessInfo, socket *Socket) *Socket {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.socket
	c.remoteAddr = remoteAddr
	c.proc = info
	c.socket = socket
	c.closedAt = time.Time{}
	return old
}

// ClosedSince reports how long the connection's socket has been closed.
// The second return is false while a socket is bound and open.
func (c *Connection) ClosedSince() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socket != nil && c.socket.IsOpen() {
		return 0, false
	}
	if c.closedAt.IsZero() {
		return 0, false
	}
	return time.Since(c.closedAt), true
}
