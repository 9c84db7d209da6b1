package ncp

import (
	"net"

	"github.com/r2northstar/ncpd/pkg/appwire"
	"github.com/r2northstar/ncpd/pkg/ncpwire"
)

// HandleAppMessage decodes and dispatches one request arriving on the
// application-facing IPC socket (spec.md §4.6).
func (d *Daemon) HandleAppMessage(addr net.Addr, raw []byte) {
	msg, err := appwire.Decode(raw)
	if err != nil {
		d.m().app_requests_total.malformed.Inc()
		d.Logger.Debug().Str("component", "app").Err(err).Msg("malformed application request")
		return
	}
	am := &d.m().app_requests_total
	switch msg.Op {
	case appwire.Echo:
		am.echo.Inc()
		d.appEcho(addr, msg)
	case appwire.Open:
		am.open.Inc()
		d.appOpen(addr, msg)
	case appwire.Listen:
		am.listen.Inc()
		d.appListen(addr, msg)
	case appwire.Read:
		am.read.Inc()
		d.appRead(addr, msg)
	case appwire.Write:
		am.write.Inc()
		d.appWrite(addr, msg)
	case appwire.Interrupt:
		am.interrupt.Inc()
		d.appInterrupt(addr, msg)
	case appwire.Close:
		am.close.Inc()
		d.appClose(addr, msg)
	default:
		d.Logger.Debug().Str("component", "app").Uint8("op", byte(msg.Op)).Msg("unexpected application opcode")
	}
}

func byteSizeOrDefault(bs byte) byte {
	if bs == 0 {
		return DefaultByteSize
	}
	return bs
}

// appEcho starts a liveness probe to msg.Host, answered asynchronously by
// handleERP or echoTimedOut (spec.md §4.6, §8).
func (d *Daemon) appEcho(addr net.Addr, msg appwire.Message) {
	h := &d.Hosts.Hosts[msg.Host]
	if h.HasPendingEcho {
		d.sendApp(addr, appwire.Message{Op: appwire.Echo.Reply(), Host: msg.Host, Data: msg.Data, Status: appwire.StatusRefused})
		return
	}
	h.PendingEcho = addr
	h.PendingEchoData = msg.Data
	h.HasPendingEcho = true
	h.HasERP = true
	h.ERPDeadline = d.Clock.Deadline(DefaultERPTicks)
	d.sendControl(msg.Host, ncpwire.Command{Op: ncpwire.ECO, Data: msg.Data})
}

// appOpen actively opens a connection to a remote listening socket,
// driving the Initial Connection Protocol's client side (spec.md §4.3.1).
// If the remote host has never been observed alive, ncpd first probes it
// with RST and waits for RRP before sending RTS (spec.md §8).
func (d *Daemon) appOpen(addr net.Addr, msg appwire.Message) {
	host := msg.Host
	ci, err := d.Table.Alloc()
	if err != nil {
		d.sendApp(addr, appwire.Message{Op: appwire.Open.Reply(), Host: host, Status: appwire.StatusRefused})
		return
	}
	c := &d.Table.Conns[ci]
	c.Host = int16(host)
	c.Listener, c.Parent, c.Child = noIdx, noIdx, noIdx
	c.ClientAddr = addr
	c.Flags = FlagClient | FlagOpenPending
	c.ByteSize = byteSizeOrDefault(msg.ByteSize)

	clientSock := d.allocClientSock()
	c.Rcv = half{LSock: clientSock, RSock: msg.Socket, Link: icpLink, State: halfSentReq}

	d.ensureAlive(host,
		func() {
			d.sendControl(host, ncpwire.Command{Op: ncpwire.RTS, RSock: msg.Socket, LSock: clientSock, Link: icpLink})
			c.Flags |= FlagSentRTS
			d.armRFCTimer(ci)
		},
		func() {
			d.Table.Destroy(ci)
			d.sendApp(addr, appwire.Message{Op: appwire.Open.Reply(), Host: host, Status: appwire.StatusRefused})
		},
	)
}

// appListen registers a listening socket; each subsequent accepted
// connection is reported to addr as a further LISTEN_REPLY carrying the
// new connection's id (spec.md §4.3.1, §4.6).
func (d *Daemon) appListen(addr net.Addr, msg appwire.Message) {
	li, err := d.Table.AllocListener()
	if err != nil {
		d.sendApp(addr, appwire.Message{Op: appwire.Listen.Reply()})
		return
	}
	lst := d.Table.GetListener(li)
	lst.ClientAddr = addr
	lst.ByteSize = byteSizeOrDefault(msg.ByteSize)
	lst.Socket = msg.Socket
	if lst.Socket == 0 {
		lst.Socket = d.allocListenSock()
	}
	d.sendApp(addr, appwire.Message{Op: appwire.Listen.Reply(), Socket: lst.Socket, ByteSize: lst.ByteSize})
}

// appRead registers a pending read against an open connection, answered
// immediately if data is already buffered, or with zero octets if none
// arrives before the deadline (spec.md §4.6, §5 "every pending wait has a
// deadline"). Reusing the RFNM timer slot for this is a deliberate choice:
// spec.md's five named timer slots have no category of their own for a
// pending READ, and RFNM sits unused on a connection that isn't mid-write.
func (d *Daemon) appRead(addr net.Addr, msg appwire.Message) {
	ci := connIdxOf(msg.ConnID)
	c := d.Table.Get(ci)
	if c == nil {
		d.sendApp(addr, appwire.Message{Op: appwire.Read.Reply(), ConnID: msg.ConnID})
		return
	}
	c.ReaderAddr = addr
	c.pendingReadMax = int(msg.MaxOctets)
	c.Flags |= FlagReadPending
	c.Timers[TimerRFNM].arm(d.Clock.Deadline(DefaultRFNMTicks), func() {
		cc := d.Table.Get(ci)
		if cc == nil || !cc.Flags.has(FlagReadPending) {
			return
		}
		cc.Flags &^= FlagReadPending
		addr := cc.ReaderAddr
		cc.ReaderAddr = nil
		d.sendApp(addr, appwire.Message{Op: appwire.Read.Reply(), ConnID: connID(ci)})
	})
	d.tryDeliverRead(ci)
}

// appWrite queues data for output on an open connection (spec.md §4.6).
func (d *Daemon) appWrite(addr net.Addr, msg appwire.Message) {
	ci := connIdxOf(msg.ConnID)
	c := d.Table.Get(ci)
	if c == nil {
		d.sendApp(addr, appwire.Message{Op: appwire.Write.Reply(), ConnID: msg.ConnID})
		return
	}
	c.WriterAddr = addr
	d.QueueWrite(ci, msg.Payload)
}

// appInterrupt sends an out-of-band interrupt on an open connection's send
// link (spec.md §4.3, §4.6).
func (d *Daemon) appInterrupt(addr net.Addr, msg appwire.Message) {
	ci := connIdxOf(msg.ConnID)
	if c := d.Table.Get(ci); c != nil {
		d.sendControl(byte(c.Host), ncpwire.Command{Op: ncpwire.INS, Link: c.Snd.Link})
	}
	d.sendApp(addr, appwire.Message{Op: appwire.Interrupt.Reply(), ConnID: msg.ConnID})
}

// appClose starts an active close on a connection (spec.md §4.3.2, §4.6).
func (d *Daemon) appClose(addr net.Addr, msg appwire.Message) {
	ci := connIdxOf(msg.ConnID)
	if d.Table.Get(ci) != nil {
		d.CloseConnection(ci)
	}
	d.sendApp(addr, appwire.Message{Op: appwire.Close.Reply(), ConnID: msg.ConnID})
}
