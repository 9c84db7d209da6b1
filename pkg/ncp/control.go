package ncp

import (
	"github.com/r2northstar/ncpd/pkg/leader"
	"github.com/r2northstar/ncpd/pkg/ncpwire"
)

// HandleRegular is the top-level entry point for a decoded REGULAR message
// (spec.md §4.2 dispatch, §4.5 data path). Link 0 carries NCP control
// commands, whose framing is independent of byteSize; any other link
// carries application data sized in byteSize-bit units.
func (d *Daemon) HandleRegular(host byte, link byte, byteSize byte, payload []byte) {
	if link == 0 {
		d.handleControl(host, payload)
		return
	}
	d.handleData(host, link, byteSize, payload)
}

// handleControl decodes and dispatches every command packed into a link-0
// REGULAR payload (spec.md §4.3).
func (d *Daemon) handleControl(host byte, payload []byte) {
	cmds, err := ncpwire.Decode(payload)
	for _, cmd := range cmds {
		d.dispatchCommand(host, cmd)
	}
	if err != nil {
		if de, ok := err.(*ncpwire.DecodeError); ok {
			d.m().control_decode_errors_total.Inc()
			d.Logger.Warn().Uint8("host", host).Str("component", "ncp").Msg("malformed control command")
			d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: de.Code, Context: de.Context})
		}
	}
}

func (d *Daemon) dispatchCommand(host byte, cmd ncpwire.Command) {
	d.m().control_commands_received_total.Inc()
	d.hostAliveGauge(host)
	d.hostOutstandingRFNMGauge(host)
	switch cmd.Op {
	case ncpwire.NOP:
	case ncpwire.RTS:
		d.handleRTS(host, cmd)
	case ncpwire.STR:
		d.handleSTR(host, cmd)
	case ncpwire.CLS:
		d.handleCLS(host, cmd)
	case ncpwire.ALL:
		d.handleALL(host, cmd)
	case ncpwire.GVB:
		d.handleGVB(host, cmd)
	case ncpwire.RET:
		d.handleRET(host, cmd)
	case ncpwire.INR:
		d.handleINR(host, cmd)
	case ncpwire.INS:
		d.handleINS(host, cmd)
	case ncpwire.ECO:
		d.handleECO(host, cmd)
	case ncpwire.ERP:
		d.handleERP(host, cmd)
	case ncpwire.ERR:
		d.Logger.Info().Uint8("host", host).Uint8("code", cmd.Code).Str("component", "ncp").Msg("peer reported ERR")
	case ncpwire.RST:
		d.handleRST(host)
	case ncpwire.RRP:
		d.handleRRP(host)
	}
}

// sendControl packs cmds into one REGULAR message on link 0 and sends it,
// queuing the payload instead if the host's outstanding-RFNM budget is
// already exhausted so control traffic cannot push it past
// MaxOutstandingRFNM (spec.md §8).
func (d *Daemon) sendControl(host byte, cmds ...ncpwire.Command) error {
	var body []byte
	for _, c := range cmds {
		body = ncpwire.Encode(body, c)
	}
	d.m().control_commands_sent_total.Add(len(cmds))

	h := &d.Hosts.Hosts[host]
	if !h.CanSend() {
		h.controlQueue = append(h.controlQueue, body)
		return nil
	}
	return d.sendRegular(host, 0, DefaultByteSize, body)
}

// flushControlQueue sends any link-0 control payloads that were queued
// while host's outstanding-RFNM budget was exhausted, now that an RFNM has
// freed a slot (spec.md §8).
func (d *Daemon) flushControlQueue(host byte) {
	h := &d.Hosts.Hosts[host]
	for len(h.controlQueue) > 0 && h.CanSend() {
		body := h.controlQueue[0]
		h.controlQueue = h.controlQueue[1:]
		if err := d.sendRegular(host, 0, DefaultByteSize, body); err != nil {
			d.Logger.Debug().Uint8("host", host).Str("component", "ncp").Err(err).Msg("failed to flush queued control traffic")
			return
		}
	}
}

// sendRegular wraps body (already sized for byteSize-bit units) in a
// REGULAR leader and transmits it, consuming one outstanding-RFNM slot
// with the host (spec.md §4.5, §8).
func (d *Daemon) sendRegular(host byte, link byte, byteSize byte, body []byte) error {
	h := &d.Hosts.Hosts[host]
	bits := len(body) * 8
	var bs byte = byteSize
	if bs == 0 {
		bs = 8
	}
	count := uint16(bits / int(bs))
	msg := leader.Leader{Type: leader.Regular, Host: host, Link: link}.Encode(nil)
	msg = leader.EncodeRegular(msg, leader.RegularHeader{ByteSize: bs, ByteCount: count}, body)
	if err := d.SendIMP(msg); err != nil {
		return err
	}
	h.Sent()
	if link != 0 {
		d.m().regular_bytes_sent_total.Add(len(body))
	}
	return nil
}

//
// ICP / RTS / STR / CLS
//

// half-connection socket semantics: on the wire, an RTS/STR/CLS carries
// RSock (the socket on the RECEIVING host being addressed — i.e. "my
// socket" once decoded locally) and LSock (the SENDER's own socket, i.e.
// "the peer's socket" once decoded locally). See DESIGN.md for the
// derivation from original_source/src/ncp.c's find_listen(rsock) check.

func (d *Daemon) handleRTS(host byte, cmd ncpwire.Command) {
	mySock, peerSock, link := cmd.RSock, cmd.LSock, cmd.Link

	if link == 0 || link > LinkMax {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: ncpwire.ErrParam})
		return
	}

	if li := d.Table.FindListener(mySock); li != noIdx {
		d.icpServerAccept(host, li, mySock, peerSock, link)
		return
	}

	ci := d.Table.FindByRcvSockets(host, mySock, peerSock)
	if ci == noIdx {
		ci = d.Table.FindByRcvLocalSock(host, mySock)
	}
	if ci == noIdx {
		var err error
		ci, err = d.Table.Alloc()
		if err != nil {
			d.Logger.Warn().Str("component", "ncp").Msg("connection table full on incoming RTS")
			return
		}
		c := &d.Table.Conns[ci]
		c.Host = int16(host)
		c.Listener, c.Parent, c.Child = noIdx, noIdx, noIdx
		c.ByteSize = DefaultByteSize
	}
	c := &d.Table.Conns[ci]
	c.Flags |= FlagGotRTS
	c.Rcv.LSock = mySock
	c.Rcv.RSock = peerSock
	c.Rcv.Link = link
	c.Rcv.State = halfOpen
	c.Timers[TimerRFC].cancel()

	d.maybeReplyIfOpen(ci)
}

func (d *Daemon) handleSTR(host byte, cmd ncpwire.Command) {
	mySock, peerSock, byteSize := cmd.RSock, cmd.LSock, cmd.ByteSize

	ci := d.Table.FindBySndSockets(host, mySock, peerSock)
	if ci == noIdx {
		ci = d.Table.FindByRcvLocalSock(host, mySock)
	}
	if ci == noIdx {
		var err error
		ci, err = d.Table.Alloc()
		if err != nil {
			d.Logger.Warn().Str("component", "ncp").Msg("connection table full on incoming STR")
			return
		}
		c := &d.Table.Conns[ci]
		c.Host = int16(host)
		c.Listener, c.Parent, c.Child = noIdx, noIdx, noIdx
		c.ByteSize = byteSize
	}
	c := &d.Table.Conns[ci]
	c.Flags |= FlagGotSTR
	link := c.Rcv.Link
	if link == 0 {
		link = c.Snd.Link
	}
	c.Snd.LSock = mySock
	c.Snd.RSock = peerSock
	c.Snd.Link = link
	c.Snd.Size = byteSize
	c.Snd.State = halfOpen
	c.Timers[TimerRFC].cancel()

	d.maybeReplyIfOpen(ci)
}

func (d *Daemon) handleCLS(host byte, cmd ncpwire.Command) {
	ci, onRcv := d.Table.FindByEitherSockets(host, cmd.RSock, cmd.LSock)
	if ci == noIdx {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: ncpwire.ErrSocket})
		return
	}
	c := &d.Table.Conns[ci]

	if onRcv {
		c.Rcv.State = halfClosed
		if c.Snd.State != halfSentCLS && c.Snd.State != halfClosed {
			d.sendCLS(host, c)
			c.Snd.State = halfSentCLS
			d.armCLSTimer(ci)
		}
	} else {
		c.Snd.State = halfClosed
		if c.Rcv.State != halfSentCLS && c.Rcv.State != halfClosed {
			d.sendCLS(host, c)
			c.Rcv.State = halfSentCLS
			d.armCLSTimer(ci)
		}
	}

	d.failPendingReader(c)

	if bothClosed(c) {
		d.Table.Destroy(ci)
	}
}

func (d *Daemon) sendCLS(host byte, c *Connection) {
	d.sendControl(host, ncpwire.Command{Op: ncpwire.CLS, RSock: c.Rcv.RSock, LSock: c.Rcv.LSock})
}

func (d *Daemon) armCLSTimer(ci connIdx) {
	c := d.Table.Get(ci)
	if c == nil {
		return
	}
	deadline := d.Clock.Deadline(DefaultCLSTicks)
	c.Timers[TimerCLS].arm(deadline, func() {
		if cc := d.Table.Get(ci); cc != nil {
			d.Table.Destroy(ci)
		}
	})
}

// CloseConnection starts the active-close sequence for ci (local
// application CLOSE, spec.md §4.3.2).
func (d *Daemon) CloseConnection(ci connIdx) {
	c := d.Table.Get(ci)
	if c == nil {
		return
	}
	host := byte(c.Host)
	if c.Snd.State == halfOpen {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.CLS, RSock: c.Snd.RSock, LSock: c.Snd.LSock})
		c.Snd.State = halfSentCLS
	}
	if c.Rcv.State == halfOpen {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.CLS, RSock: c.Rcv.RSock, LSock: c.Rcv.LSock})
		c.Rcv.State = halfSentCLS
	}
	d.armCLSTimer(ci)
	if bothClosed(c) {
		d.Table.Destroy(ci)
	}
}

//
// ALL / GVB / RET
//

func (d *Daemon) handleALL(host byte, cmd ncpwire.Command) {
	ci := d.Table.FindBySndLink(host, cmd.Link)
	if ci == noIdx {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: ncpwire.ErrConnect})
		return
	}
	c := &d.Table.Conns[ci]
	c.applyAll(int32(cmd.MsgSpace), int64(cmd.BitSpace))
	c.Timers[TimerALL].cancel()
	d.pumpWrite(ci)
	d.maybeSendICPSocket(ci)
}

func (d *Daemon) handleGVB(host byte, cmd ncpwire.Command) {
	// Accept well-formed GVB without crashing (spec.md §4.3.3); ncpd does
	// not proactively reclaim credit, so there is nothing further to do.
	if d.Table.FindBySndLink(host, cmd.Link) == noIdx {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: ncpwire.ErrConnect})
	}
}

func (d *Daemon) handleRET(host byte, cmd ncpwire.Command) {
	ci := d.Table.FindBySndLink(host, cmd.Link)
	if ci == noIdx {
		d.sendControl(host, ncpwire.Command{Op: ncpwire.ERR, Code: ncpwire.ErrConnect})
		return
	}
	c := &d.Table.Conns[ci]
	c.applyRet(int32(cmd.MsgSpace), int64(cmd.BitSpace))
}

func (d *Daemon) handleINR(host byte, cmd ncpwire.Command) {
	// Interrupt by receiver: nothing further to relay beyond logging; the
	// application frontend has no INTERRUPT-received notification path in
	// spec.md's request catalogue.
	d.Logger.Debug().Uint8("host", host).Uint8("link", cmd.Link).Str("component", "ncp").Msg("got INR")
}

func (d *Daemon) handleINS(host byte, cmd ncpwire.Command) {
	d.Logger.Debug().Uint8("host", host).Uint8("link", cmd.Link).Str("component", "ncp").Msg("got INS")
}

//
// ECO / ERP
//

func (d *Daemon) handleECO(host byte, cmd ncpwire.Command) {
	d.sendControl(host, ncpwire.Command{Op: ncpwire.ERP, Data: cmd.Data})
}

func (d *Daemon) handleERP(host byte, cmd ncpwire.Command) {
	h := &d.Hosts.Hosts[host]
	if !h.HasPendingEcho {
		return
	}
	h.HasPendingEcho, h.HasERP = false, false
	d.replyEcho(h.PendingEcho, host, cmd.Data, 0x10)
}

// echoTimedOut is invoked by the timer wheel when a queued ECO's ERP
// deadline elapses without a reply (spec.md §4.4).
func (d *Daemon) echoTimedOut(host byte) {
	h := &d.Hosts.Hosts[host]
	d.replyEcho(h.PendingEcho, host, h.PendingEchoData, 0xFF)
}

//
// RST / RRP
//

func (d *Daemon) handleRST(host byte) {
	h := &d.Hosts.Hosts[host]
	h.Alive = true
	d.Table.DestroyHost(host, func(ci connIdx) {
		c := &d.Table.Conns[ci]
		d.failPendingReader(c)
	})
	if h.HasPendingEcho {
		h.HasPendingEcho, h.HasERP = false, false
		d.replyEcho(h.PendingEcho, host, h.PendingEchoData, 0xFF)
	}
	h.ClearRFNMWaiters()
	h.OutstandingRFNM = 0
	d.sendControl(host, ncpwire.Command{Op: ncpwire.RRP})
}

func (d *Daemon) handleRRP(host byte) {
	h := &d.Hosts.Hosts[host]
	h.Alive = true
	h.hasRRPWait = false
	h.rrpTimeoutFn = nil
	if fn := h.rrpWaiter; fn != nil {
		h.rrpWaiter = nil
		fn()
	}
}

// ensureAlive sends RST and arms an RRP wait if host has never been
// observed alive, per spec.md §8 "OPEN to a host that has never spoken".
func (d *Daemon) ensureAlive(host byte, onReady func(), onTimeout func()) {
	h := &d.Hosts.Hosts[host]
	if h.Alive {
		onReady()
		return
	}
	h.rrpWaiter = onReady
	h.rrpTimeoutFn = onTimeout
	h.rrpDeadline = d.Clock.Deadline(DefaultRRPTicks)
	h.hasRRPWait = true
	d.sendControl(host, ncpwire.Command{Op: ncpwire.RST})
}
