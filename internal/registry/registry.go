package registry

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arkeep-io/procstar/internal/protocol"
)

// GroupMismatchError reports that a reconnecting conn_id presented a
// different group_id than the one it was originally registered under.
// The server refuses the reconnect rather than silently moving the
// connection to a new group.
type GroupMismatchError struct {
	ConnID   string
	OldGroup string
	NewGroup string
}

func (e *GroupMismatchError) Error() string {
	return fmt.Sprintf("connection %s: group changed from %s to %s", e.ConnID, e.OldGroup, e.NewGroup)
}

// SelectStrategy picks one connection to dispatch to out of a set of
// open candidates in the requested group. The default is a uniform
// random choice; callers (tests, alternate dispatch policies) may supply
// their own via Registry.SetSelectStrategy.
type SelectStrategy func(candidates []*Connection) *Connection

func uniformRandom(candidates []*Connection) *Connection {
	return candidates[rand.IntN(len(candidates))]
}

// Registry is the server's table of known procstar connections, indexed
// by conn_id and grouped by group_id. It is safe for concurrent use.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	groups   map[string]map[string]struct{} // group_id -> set of conn_id
	watchers map[*subscription]struct{}

	selectFn SelectStrategy
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		groups:   make(map[string]map[string]struct{}),
		watchers: make(map[*subscription]struct{}),
		selectFn: uniformRandom,
	}
}

// SetSelectStrategy overrides how Choose picks among open candidates in a
// group. Not safe to call concurrently with Choose.
func (r *Registry) SetSelectStrategy(fn SelectStrategy) {
	r.selectFn = fn
}

// Bind registers conn_id's connection against the given socket. If
// conn_id is new, a Connection is created and added to its group. If
// conn_id is already known, the existing Connection is rebound to the new
// socket (its previous socket, if any, is closed) — this is how a
// reconnecting agent resumes its prior process associations. Rebinding
// across a different group_id than originally registered is rejected.
func (r *Registry) Bind(connID, remoteAddr string, info protocol.ConnectionInfo, proc protocol.ProcessInfo, socket *Socket) (conn *Connection, reconnected bool, err error) {
	r.mu.Lock()
	existing, ok := r.conns[connID]
	if !ok {
		conn = newConnection(connID, remoteAddr, info, proc, socket)
		r.conns[connID] = conn
		group := r.groups[info.GroupID]
		if group == nil {
			group = make(map[string]struct{})
			r.groups[info.GroupID] = group
		}
		group[connID] = struct{}{}
		r.mu.Unlock()

		r.notify(ConnectionEvent{ConnID: connID, Conn: conn})
		return conn, false, nil
	}
	r.mu.Unlock()

	if existing.Group() != info.GroupID {
		return nil, false, &GroupMismatchError{ConnID: connID, OldGroup: existing.Group(), NewGroup: info.GroupID}
	}

	old := existing.rebind(remoteAddr, proc, socket)
	if old != nil {
		old.Close()
	}
	return existing, true, nil
}

// Remove deletes conn_id from the registry, closing its socket if still
// open. Reports false if conn_id was not registered.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)

	group := r.groups[conn.Group()]
	delete(group, connID)
	if len(group) == 0 {
		delete(r.groups, conn.Group())
	}
	r.mu.Unlock()

	conn.mu.RLock()
	sock := conn.socket
	conn.mu.RUnlock()
	if sock != nil {
		sock.Close()
	}

	r.notify(ConnectionEvent{ConnID: connID, Conn: nil})
	return true
}

// Get returns the connection registered under conn_id, if any.
func (r *Registry) Get(connID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil, &NoConnectionError{ConnID: connID}
	}
	return conn, nil
}

// Choose selects an open connection belonging to group using the
// registry's SelectStrategy. Returns NoGroupError if the group has no
// registered connection (it never had one, or its last member was
// removed), or NoOpenConnectionInGroup if it exists but every
// member's socket is currently closed.
func (r *Registry) Choose(group string) (*Connection, error) {
	r.mu.RLock()
	connIDs, ok := r.groups[group]
	if !ok {
		r.mu.RUnlock()
		return nil, &NoGroupError{Group: group}
	}
	candidates := make([]*Connection, 0, len(connIDs))
	for id := range connIDs {
		candidates = append(candidates, r.conns[id])
	}
	r.mu.RUnlock()

	open := candidates[:0:0]
	for _, c := range candidates {
		if c.IsOpen() {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return nil, &NoOpenConnectionInGroup{Group: group}
	}
	return r.selectFn(open), nil
}

// Prune removes every connection whose socket has been closed for at
// least olderThan, and returns how many were removed. Connection GC is
// never automatic — this exists purely so an operator can invoke it
// explicitly (via internal/httpapi), matching the decision that a
// connection record otherwise lives until the process exits.
func (r *Registry) Prune(olderThan time.Duration) int {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if since, closed := c.ClosedSince(); closed && since >= olderThan {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if r.Remove(id) {
			removed++
		}
	}
	return removed
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Watch returns a Subscription that receives a ConnectionEvent every time
// a connection is added or removed, from this point forward. Callers must
// Close the subscription when done.
func (r *Registry) Watch() *Subscription {
	sub := newSubscription()
	r.mu.Lock()
	r.watchers[sub] = struct{}{}
	r.mu.Unlock()
	return &Subscription{sub: sub, reg: r}
}

func (r *Registry) unwatch(sub *subscription) {
	r.mu.Lock()
	delete(r.watchers, sub)
	r.mu.Unlock()
}

func (r *Registry) notify(ev ConnectionEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.watchers {
		sub.push(ev)
	}
}
