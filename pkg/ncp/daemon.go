// Package ncp implements the NCP daemon: the connection table, host table,
// timer wheel, NCP control protocol (including the Initial Connection
// Protocol), data path, and application frontend described by spec.md §3–§7.
package ncp

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Link numbers are reserved in [LinkMin, LinkMax]; 0 is the control link
// (spec.md §4, GLOSSARY). icpLink is the fixed rendezvous link a client
// uses for the first RTS of the Initial Connection Protocol (spec.md
// §4.3.1 step 1); the daemon always allocates concrete data links from the
// rest of the pool, deterministically per connection (spec.md §9).
const (
	LinkMin = 2
	LinkMax = 71
	icpLink = 42

	// clientRecvLSockBase is the client-side ICP receive socket base used
	// in spec.md's own example (§4.3.1, §8 scenario 3).
	clientRecvLSockBase uint32 = 1002
)

// DefaultByteSize is the data byte size used before STR negotiates one
// (spec.md §9 Open Questions).
const DefaultByteSize byte = 8

// Daemon holds all protocol state and the hooks the reactor uses to send
// wire messages; it is not safe for concurrent use (spec.md §5).
type Daemon struct {
	Table *Table
	Hosts *HostTable
	Clock Clock

	Logger zerolog.Logger

	// SendIMP transmits one leader+payload body on the IMP link.
	SendIMP func(body []byte) error
	// SendApp transmits an application reply to addr.
	SendApp func(addr net.Addr, body []byte) error

	nextDataSock   uint32 // server-allocated ICP data socket counter
	nextClientSock uint32 // client-allocated ICP receive socket counter
	nextListenSock uint32 // auto-assigned LISTEN socket counter
	nextLink       [256]byte

	metricsInit sync.Once
	metricsObj  daemonMetrics
}

// NewDaemon creates a Daemon with the given table capacities.
func NewDaemon(conns, listeners int, logger zerolog.Logger) *Daemon {
	d := &Daemon{
		Table:          NewTable(conns, listeners),
		Hosts:          NewHostTable(),
		Logger:         logger,
		nextDataSock:   0300, // arbitrary base distinct from client/ICP control range
		nextClientSock: clientRecvLSockBase,
		nextListenSock: 0400,
	}
	for h := range d.nextLink {
		d.nextLink[h] = LinkMin
	}
	return d
}

// allocLink deterministically picks the next unused link in [LinkMin,
// LinkMax] for host, skipping the reserved ICP rendezvous link.
func (d *Daemon) allocLink(host byte) (byte, bool) {
	start := d.nextLink[host]
	if start < LinkMin || start > LinkMax {
		start = LinkMin
	}
	for i := 0; i < (LinkMax - LinkMin + 1); i++ {
		link := LinkMin + (int(start)-LinkMin+i)%(LinkMax-LinkMin+1)
		if link == icpLink {
			continue
		}
		if d.Table.FindByRcvLink(host, byte(link)) == noIdx && d.Table.FindBySndLink(host, byte(link)) == noIdx {
			d.nextLink[host] = byte(link + 1)
			if d.nextLink[host] > LinkMax {
				d.nextLink[host] = LinkMin
			}
			return byte(link), true
		}
	}
	return 0, false
}

// allocDataSock hands out a fresh server-side ICP data socket number.
func (d *Daemon) allocDataSock() uint32 {
	s := d.nextDataSock
	d.nextDataSock += 2 // reserve s and s+1 for the pair
	return s
}

// allocClientSock hands out a fresh client-side ICP receive socket number
// for an active OPEN (spec.md §4.3.1).
func (d *Daemon) allocClientSock() uint32 {
	s := d.nextClientSock
	d.nextClientSock++
	return s
}

// allocListenSock hands out a fresh listening socket number for a LISTEN
// request that did not pin one explicitly.
func (d *Daemon) allocListenSock() uint32 {
	s := d.nextListenSock
	d.nextListenSock++
	return s
}

func (d *Daemon) tick() {
	d.Clock.Advance()
	d.Clock.TickConns(d.Table)
	d.Clock.TickHostEcho(d.Hosts, d.echoTimedOut)
	d.Clock.TickHostRRP(d.Hosts)
}
