package ncp

import "errors"

// ErrTableFull is returned when no free connection or listener slot remains.
var ErrTableFull = errors.New("ncp: connection table full")

// Table is the fixed-size connection and listener table (spec.md §3). It is
// mutated only from the single reactor goroutine; no locking is needed
// (spec.md §5).
type Table struct {
	Conns     []Connection
	Listeners []Listener
}

// NewTable allocates a table with the given connection and listener
// capacities.
func NewTable(conns, listeners int) *Table {
	t := &Table{
		Conns:     make([]Connection, conns),
		Listeners: make([]Listener, listeners),
	}
	for i := range t.Conns {
		t.Conns[i].reset()
	}
	return t
}

// Alloc returns the index of a free connection slot, or ErrTableFull.
func (t *Table) Alloc() (connIdx, error) {
	for i := range t.Conns {
		if t.Conns[i].free() {
			return connIdx(i), nil
		}
	}
	return noIdx, ErrTableFull
}

// AllocListener returns the index of a free listener slot, or ErrTableFull.
func (t *Table) AllocListener() (listenerIdx, error) {
	for i := range t.Listeners {
		if t.Listeners[i].free() {
			return listenerIdx(i), nil
		}
	}
	return noIdx, ErrTableFull
}

// Get returns a pointer to the connection at i, or nil if i is out of range
// or the slot is free.
func (t *Table) Get(i connIdx) *Connection {
	if i < 0 || int(i) >= len(t.Conns) || t.Conns[i].free() {
		return nil
	}
	return &t.Conns[i]
}

// GetListener returns a pointer to the listener at i, or nil if absent.
func (t *Table) GetListener(i listenerIdx) *Listener {
	if i < 0 || int(i) >= len(t.Listeners) || t.Listeners[i].free() {
		return nil
	}
	return &t.Listeners[i]
}

// Destroy frees the connection at i.
func (t *Table) Destroy(i connIdx) {
	if c := t.Get(i); c != nil {
		c.reset()
	}
}

// FindByRcvLink finds a live connection with the given host and receive
// link (link != 0 required by the uniqueness invariant in spec.md §3).
func (t *Table) FindByRcvLink(host byte, link byte) connIdx {
	for i := range t.Conns {
		c := &t.Conns[i]
		if c.free() || byte(c.Host) != host {
			continue
		}
		if link != 0 && c.Rcv.Link == link {
			return connIdx(i)
		}
	}
	return noIdx
}

// FindBySndLink finds a live connection with the given host and send link.
func (t *Table) FindBySndLink(host byte, link byte) connIdx {
	for i := range t.Conns {
		c := &t.Conns[i]
		if c.free() || byte(c.Host) != host {
			continue
		}
		if link != 0 && c.Snd.Link == link {
			return connIdx(i)
		}
	}
	return noIdx
}

// FindByRcvSockets finds a live connection by (host, local lsock, remote
// rsock) on the receive half.
func (t *Table) FindByRcvSockets(host byte, lsock, rsock uint32) connIdx {
	for i := range t.Conns {
		c := &t.Conns[i]
		if c.free() || byte(c.Host) != host {
			continue
		}
		if c.Rcv.LSock == lsock && c.Rcv.RSock == rsock {
			return connIdx(i)
		}
	}
	return noIdx
}

// FindBySndSockets finds a live connection by (host, local lsock, remote
// rsock) on the send half.
func (t *Table) FindBySndSockets(host byte, lsock, rsock uint32) connIdx {
	for i := range t.Conns {
		c := &t.Conns[i]
		if c.free() || byte(c.Host) != host {
			continue
		}
		if c.Snd.LSock == lsock && c.Snd.RSock == rsock {
			return connIdx(i)
		}
	}
	return noIdx
}

// FindByRcvLocalSock finds a live connection on host whose receive half was
// registered under lsock, regardless of the peer socket it currently
// expects. Used to re-match an ICP reply that legitimately names a
// different peer socket than the one recorded when the half-connection
// was first opened (spec.md §4.3.1: the data pair's sockets are not known
// until the peer's RTS/STR names them).
func (t *Table) FindByRcvLocalSock(host byte, lsock uint32) connIdx {
	for i := range t.Conns {
		c := &t.Conns[i]
		if c.free() || byte(c.Host) != host {
			continue
		}
		if c.Rcv.LSock == lsock {
			return connIdx(i)
		}
	}
	return noIdx
}

// FindByEitherSockets finds a live connection whose receive or send half
// matches (host, lsock, rsock), used for CLS lookups where direction is
// ambiguous until matched (spec.md §4.3.2).
func (t *Table) FindByEitherSockets(host byte, lsock, rsock uint32) (idx connIdx, onRcv bool) {
	if i := t.FindByRcvSockets(host, lsock, rsock); i != noIdx {
		return i, true
	}
	if i := t.FindBySndSockets(host, lsock, rsock); i != noIdx {
		return i, false
	}
	return noIdx, false
}

// FindListener finds a listener by socket number.
func (t *Table) FindListener(socket uint32) listenerIdx {
	for i := range t.Listeners {
		if !t.Listeners[i].free() && t.Listeners[i].Socket == socket {
			return listenerIdx(i)
		}
	}
	return noIdx
}

// DestroyHost frees every connection belonging to host (used on RST/DEAD,
// spec.md §4.3 and §4.2).
func (t *Table) DestroyHost(host byte, fn func(connIdx)) {
	for i := range t.Conns {
		c := &t.Conns[i]
		if !c.free() && byte(c.Host) == host {
			if fn != nil {
				fn(connIdx(i))
			}
			c.reset()
		}
	}
}

// bothClosed reports whether both halves of c have reached CLOSED.
func bothClosed(c *Connection) bool {
	return c.Rcv.State == halfClosed && c.Snd.State == halfClosed
}

// bothOpen reports whether both halves of c have reached OPEN.
func bothOpen(c *Connection) bool {
	return c.Rcv.State == halfOpen && c.Snd.State == halfOpen
}
