package ncp

import (
	"net"

	"github.com/r2northstar/ncpd/pkg/appwire"
	"github.com/r2northstar/ncpd/pkg/ncpwire"
)

// connID and connIdxOf convert between the application-facing connection
// handle (never zero, so zero can mean "no connection" on the wire) and the
// internal table index.
func connID(ci connIdx) uint32    { return uint32(ci) + 1 }
func connIdxOf(id uint32) connIdx { return connIdx(id) - 1 }

// icpServerAccept handles an RTS addressed to one of our listening sockets:
// the Initial Connection Protocol's rendezvous (spec.md §4.3.1). It
// allocates a fresh link and a data socket pair, commits them as an open
// connection, and sends the matching RTS/STR naming them to the client.
// listenSock is unused beyond having matched the lookup that dispatched
// here; the exchange proceeds entirely on the new link.
func (d *Daemon) icpServerAccept(host byte, li listenerIdx, listenSock, clientRecvSock uint32, clientLink byte) {
	lst := d.Table.GetListener(li)
	if lst == nil {
		return
	}

	link, ok := d.allocLink(host)
	if !ok {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: ncpwire.ErrConnect})
		return
	}
	dataSock := d.allocDataSock()

	ci, err := d.Table.Alloc()
	if err != nil {
		d.Logger.Warn().Str("component", "ncp").Msg("connection table full accepting ICP request")
		return
	}
	c := &d.Table.Conns[ci]
	c.Host = int16(host)
	c.Listener, c.Parent, c.Child = li, noIdx, noIdx
	c.ByteSize = lst.ByteSize
	c.ClientAddr = lst.ClientAddr
	c.Flags |= FlagServer | FlagListenPending | FlagSentRTS | FlagSentSTR

	c.Rcv = half{LSock: dataSock, RSock: clientRecvSock, Link: link, State: halfOpen}
	c.Snd = half{LSock: dataSock + 1, RSock: clientRecvSock, Link: link, State: halfOpen}

	d.sendControl(host,
		ncpwire.Command{Op: ncpwire.RTS, RSock: clientRecvSock, LSock: dataSock, Link: link},
		ncpwire.Command{Op: ncpwire.STR, RSock: clientRecvSock, LSock: dataSock + 1, ByteSize: c.ByteSize},
	)
	d.maybeReplyIfOpen(ci)
}

// armRFCTimer bounds how long a half-open connection waits for the peer's
// matching RTS/STR before it is abandoned (spec.md §4.4 RFC timer).
func (d *Daemon) armRFCTimer(ci connIdx) {
	c := d.Table.Get(ci)
	if c == nil {
		return
	}
	host := byte(c.Host)
	deadline := d.Clock.Deadline(DefaultRFCTicks)
	c.Timers[TimerRFC].arm(deadline, func() {
		cc := d.Table.Get(ci)
		if cc == nil || bothOpen(cc) {
			return
		}
		d.failPendingReader(cc)
		d.Table.Destroy(ci)
		d.Logger.Debug().Uint8("host", host).Str("component", "ncp").Msg("RFC timer expired, abandoning half-open connection")
	})
}

// maybeReplyIfOpen checks whether ci has just reached the fully-open state
// on both halves and, if so, delivers the pending OPEN_REPLY or
// LISTEN_REPLY to the waiting application (spec.md §4.6).
func (d *Daemon) maybeReplyIfOpen(ci connIdx) {
	c := d.Table.Get(ci)
	if c == nil || !bothOpen(c) {
		return
	}
	c.Timers[TimerRFC].cancel()

	switch {
	case c.Flags.has(FlagListenPending):
		c.Flags &^= FlagListenPending
		sock := c.Rcv.LSock
		if lst := d.Table.GetListener(c.Listener); lst != nil {
			sock = lst.Socket // report the listening socket, not the data socket
		}
		msg := appwire.Message{
			Op:       appwire.Listen.Reply(),
			Host:     byte(c.Host),
			Socket:   sock,
			ConnID:   connID(ci),
			ByteSize: c.ByteSize,
		}
		d.sendApp(c.ClientAddr, msg)
	case c.Flags.has(FlagOpenPending):
		c.Flags &^= FlagOpenPending
		msg := appwire.Message{
			Op:       appwire.Open.Reply(),
			Host:     byte(c.Host),
			Socket:   c.Rcv.LSock,
			ConnID:   connID(ci),
			ByteSize: c.ByteSize,
			Status:   appwire.StatusOK,
		}
		d.sendApp(c.ClientAddr, msg)
	}
}

// maybeSendICPSocket re-checks open status once flow-control credit
// arrives; ALL is one of several events (alongside RTS/STR) that can be the
// last piece needed before an application's OPEN/LISTEN can be answered.
func (d *Daemon) maybeSendICPSocket(ci connIdx) {
	d.maybeReplyIfOpen(ci)
}

// failPendingReader answers any outstanding application request against c
// with a failure reply, used when the connection is torn down (CLS, RST,
// or an RFC timeout) before that request could be satisfied normally.
func (d *Daemon) failPendingReader(c *Connection) {
	if c.ClientAddr == nil {
		return
	}
	switch {
	case c.Flags.has(FlagListenPending):
		c.Flags &^= FlagListenPending
		d.sendApp(c.ClientAddr, appwire.Message{Op: appwire.Listen.Reply(), Host: byte(c.Host), Status: appwire.StatusRefused})
	case c.Flags.has(FlagOpenPending):
		c.Flags &^= FlagOpenPending
		d.sendApp(c.ClientAddr, appwire.Message{Op: appwire.Open.Reply(), Host: byte(c.Host), Status: appwire.StatusRefused})
	case c.Flags.has(FlagReadPending):
		c.Flags &^= FlagReadPending
		c.Timers[TimerRFNM].cancel()
		if c.ReaderAddr != nil {
			d.sendApp(c.ReaderAddr, appwire.Message{Op: appwire.Read.Reply()})
		}
	case c.Flags.has(FlagWritePending):
		c.Flags &^= FlagWritePending
		c.writeAckPending = false
		c.Timers[TimerALL].cancel()
		if c.WriterAddr != nil {
			d.sendApp(c.WriterAddr, appwire.Message{Op: appwire.Write.Reply()})
		}
	}
}

// replyEcho answers a pending application ECHO request once the peer's ERP
// arrives or the wait times out (spec.md §4.6, §8).
func (d *Daemon) replyEcho(addr net.Addr, host byte, data byte, status byte) {
	if addr == nil {
		return
	}
	d.sendApp(addr, appwire.Message{Op: appwire.Echo.Reply(), Host: host, Data: data, Status: status})
}

// sendApp encodes and transmits one application reply.
func (d *Daemon) sendApp(addr net.Addr, msg appwire.Message) {
	if d.SendApp == nil || addr == nil {
		return
	}
	if err := d.SendApp(addr, appwire.Encode(nil, msg)); err != nil {
		d.Logger.Debug().Str("component", "ncp").Err(err).Msg("failed to send application reply")
	}
}
