// Package flowtable holds the NAT state for active flows: the mapping
// from a client endpoint to the server-facing socket relaying on its
// behalf, and the bookkeeping needed to expire idle flows.
package flowtable

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"wgproxy/slicehelper"
)

// Flow is the unit of NAT state for one client endpoint.
type Flow struct {
	// Client is the remote endpoint seen on the client-facing socket.
	Client netip.AddrPort

	// ServerSock is the owned, upstream-connected UDP socket this flow
	// relays through. It is closed exactly once, by the flow's reactor when
	// it exits; a component destroying the flow calls Cancel to make the
	// reactor exit.
	ServerSock *net.UDPConn

	// Port is the local port ServerSock is bound to, leased from a
	// [wgproxy/portpool.Pool]. Callers destroying a Flow are responsible
	// for releasing it back to the pool.
	Port uint16

	// Cancel stops the flow's reactor goroutine.
	Cancel func()

	mu       sync.Mutex
	lastSeen time.Time
}

// NewFlow constructs a Flow with last_seen set to now.
func NewFlow(client netip.AddrPort, sock *net.UDPConn, port uint16, cancel func(), now time.Time) *Flow {
	return &Flow{
		Client:     client,
		ServerSock: sock,
		Port:       port,
		Cancel:     cancel,
		lastSeen:   now,
	}
}

// Touch updates the flow's last-seen timestamp. It is safe to call from
// both the ingress dispatcher and the flow's own reactor concurrently.
func (f *Flow) Touch(now time.Time) {
	f.mu.Lock()
	if now.After(f.lastSeen) {
		f.lastSeen = now
	}
	f.mu.Unlock()
}

// LastSeen returns the flow's last-seen timestamp.
func (f *Flow) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

// Table is the mapping from client endpoint to Flow. A Table is safe for
// concurrent use; all operations are O(1) except [Table.Sweep] and
// [Table.DrainAll], which are O(n) in the number of active flows.
type Table struct {
	mu    sync.Mutex
	flows map[netip.AddrPort]*Flow
}

// New returns an empty Table.
func New() *Table {
	return &Table{flows: make(map[netip.AddrPort]*Flow)}
}

// Get returns the flow for client, or nil if absent.
func (t *Table) Get(client netip.AddrPort) *Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flows[client]
}

// Insert adds flow, keyed by flow.Client. If an entry for that client
// already exists, Insert panics: callers must Remove the existing entry
// first, per the table's supersession contract — the table itself never
// supersedes.
func (t *Table) Insert(flow *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.flows[flow.Client]; exists {
		panic("flowtable: insert of an already-present client; caller must Remove first")
	}
	t.flows[flow.Client] = flow
}

// Remove deletes and returns the flow for client, or nil if absent.
func (t *Table) Remove(client netip.AddrPort) *Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[client]
	if !ok {
		return nil
	}
	delete(t.flows, client)
	return flow
}

// Supersede installs newFlow at newFlow.Client, atomically evicting
// whatever flow currently occupies that key (if any) in the same
// critical section. It returns the evicted flow, or nil if the key was
// unoccupied. Unlike a separate Remove+Insert, there is no window in
// which the key maps to neither flow.
func (t *Table) Supersede(newFlow *Flow) (old *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old = t.flows[newFlow.Client]
	t.flows[newFlow.Client] = newFlow
	return old
}

// CompareAndRemove removes the entry for client only if it currently
// points at flow, and reports whether it did. This is what a flow
// reactor uses to self-evict on a fatal socket error without racing
// against a dispatcher that has already superseded it.
func (t *Table) CompareAndRemove(client netip.AddrPort, flow *Flow) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flows[client] != flow {
		return false
	}
	delete(t.flows, client)
	return true
}

// Touch updates the last-seen timestamp of the flow for client. It is a
// no-op if no such flow exists.
func (t *Table) Touch(client netip.AddrPort, now time.Time) {
	t.mu.Lock()
	flow := t.flows[client]
	t.mu.Unlock()
	if flow != nil {
		flow.Touch(now)
	}
}

// Len reports the number of active flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// DrainAll removes and returns every flow in the table, regardless of its
// last-seen timestamp. It is used on shutdown, where every active flow
// needs to be torn down rather than just the idle ones.
func (t *Table) DrainAll() []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*Flow, 0, len(t.flows))
	for client, flow := range t.flows {
		all = append(all, flow)
		delete(t.flows, client)
	}
	return all
}

// Sweep removes and returns every flow whose last-seen timestamp is more
// than timeout behind now.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*Flow
	for client, flow := range t.flows {
		if now.Sub(flow.LastSeen()) > timeout {
			var tail []*Flow
			expired, tail = slicehelper.Extend(expired, 1)
			tail[0] = flow
			delete(t.flows, client)
		}
	}
	return expired
}
