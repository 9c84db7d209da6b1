package ncp

import (
	"github.com/r2northstar/ncpd/pkg/appwire"
	"github.com/r2northstar/ncpd/pkg/leader"
)

// handleData processes a REGULAR message carried on a data link: octets
// delivered for whichever connection is using that link as its receive
// half (spec.md §4.5 step 2). byteSize is the header's declared byte size,
// checked against the connection's negotiated size before the payload is
// accepted.
func (d *Daemon) handleData(host byte, link byte, byteSize byte, data []byte) {
	ci := d.Table.FindByRcvLink(host, link)
	if ci == noIdx {
		d.Logger.Debug().Uint8("host", host).Uint8("link", link).Str("component", "ncp").Msg("data on unknown link")
		return
	}
	c := &d.Table.Conns[ci]
	if c.ByteSize != 0 && byteSize != c.ByteSize {
		d.Logger.Warn().Uint8("host", host).Uint8("link", link).Uint8("got_size", byteSize).Uint8("want_size", c.ByteSize).Str("component", "ncp").Msg("REGULAR byte-size mismatch, dropping")
		return
	}
	c.InBuf = append(c.InBuf, data...)
	d.m().regular_bytes_received_total.Add(len(data))
	d.tryDeliverRead(ci)
}

// tryDeliverRead satisfies a pending application READ against ci from
// buffered inbound data, if any is available.
func (d *Daemon) tryDeliverRead(ci connIdx) {
	c := d.Table.Get(ci)
	if c == nil || !c.Flags.has(FlagReadPending) || len(c.InBuf) == 0 {
		return
	}
	n := c.pendingReadMax
	if n <= 0 || n > len(c.InBuf) {
		n = len(c.InBuf)
	}
	payload := c.InBuf[:n]
	c.InBuf = append([]byte(nil), c.InBuf[n:]...)
	c.Flags &^= FlagReadPending
	c.Timers[TimerRFNM].cancel()

	addr, connid := c.ReaderAddr, connID(ci)
	c.ReaderAddr = nil
	d.sendApp(addr, appwire.Message{
		Op:      appwire.Read.Reply(),
		ConnID:  connid,
		Payload: payload,
	})
}

// QueueWrite buffers data for output on ci's send half and starts (or
// resumes) pumping it out as ALL credit and the outstanding-RFNM budget
// allow (spec.md §4.5).
func (d *Daemon) QueueWrite(ci connIdx, data []byte) {
	c := d.Table.Get(ci)
	if c == nil {
		return
	}
	c.OutBuf = data
	c.OutSent = 0
	c.OutTotal = len(data)
	d.pumpWrite(ci)
}

// pumpWrite sends as much of c's pending output buffer as current ALL
// credit and the host's outstanding-RFNM budget allow, one REGULAR message
// per chunk; when a constraint blocks further progress it marks the
// connection write-pending and returns, to be resumed by an ALL or RFNM
// arriving later. Once anything has been sent, the application's WRITE
// reply is deferred to completeWrite, called either once the RFNM for the
// last chunk sent is observed, or from the ALL timeout if credit never
// returns (spec.md §4.5 steps 2-3, §5); a write with nothing sent is
// answered at once.
func (d *Daemon) pumpWrite(ci connIdx) {
	c := d.Table.Get(ci)
	if c == nil {
		return
	}
	if c.writeAckPending {
		return // fully sent already; waiting on the RFNM that releases the reply
	}
	host := byte(c.Host)
	h := &d.Hosts.Hosts[host]

	for c.OutSent < c.OutTotal {
		remaining := c.OutTotal - c.OutSent
		n := c.maxSendable()
		if n <= 0 {
			c.Flags |= FlagWritePending
			c.Timers[TimerALL].arm(d.Clock.Deadline(DefaultALLTicks), func() {
				d.Logger.Debug().Uint8("host", host).Str("component", "ncp").Msg("wait for ALL credit timed out")
				if cc := d.Table.Get(ci); cc != nil {
					d.completeWrite(ci, uint16(cc.OutSent))
				}
			})
			return
		}
		if n > remaining {
			n = remaining
		}
		if !h.CanSend() {
			c.Flags |= FlagWritePending
			h.WaitRFNM(func() { d.pumpWrite(ci) })
			return
		}

		chunk := c.OutBuf[c.OutSent : c.OutSent+n]
		bs := c.Snd.Size
		if bs == 0 {
			bs = 8
		}
		msg := leader.Leader{Type: leader.Regular, Host: host, Link: c.Snd.Link}.Encode(nil)
		msg = leader.EncodeRegular(msg, leader.RegularHeader{ByteSize: bs, ByteCount: uint16(len(chunk) * 8 / int(bs))}, chunk)
		if err := d.SendIMP(msg); err != nil {
			d.Logger.Debug().Uint8("host", host).Str("component", "ncp").Err(err).Msg("failed to send data")
			return
		}
		h.Sent()
		c.consumeAll(n)
		c.OutSent += n
	}

	c.Timers[TimerALL].cancel()
	if c.OutSent == 0 {
		// Nothing was ever sent for this write (e.g. a zero-octet payload):
		// there is no RFNM to wait for, so the reply is not deferred.
		d.completeWrite(ci, 0)
		return
	}
	c.Flags |= FlagWritePending
	c.writeAckPending = true
	h.WaitNextRFNM(func() {
		if cc := d.Table.Get(ci); cc != nil {
			d.completeWrite(ci, uint16(cc.OutTotal))
		}
	})
}

// completeWrite answers ci's pending application WRITE with octets octets
// accepted, and clears the write-pending bookkeeping and the output buffer.
// For a write that sent anything it is called from an RFNM observation or
// a timer, never synchronously from the send loop, so that the reply is
// never emitted before the corresponding RFNM (spec.md §5); pumpWrite
// calls it directly only when nothing was sent.
func (d *Daemon) completeWrite(ci connIdx, octets uint16) {
	c := d.Table.Get(ci)
	if c == nil || c.WriterAddr == nil {
		return
	}
	c.Flags &^= FlagWritePending
	c.writeAckPending = false
	c.OutBuf, c.OutSent, c.OutTotal = nil, 0, 0
	addr := c.WriterAddr
	c.WriterAddr = nil
	d.sendApp(addr, appwire.Message{Op: appwire.Write.Reply(), ConnID: connID(ci), OctetsWritten: octets})
}
