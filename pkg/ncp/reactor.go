package ncp

import "github.com/r2northstar/ncpd/pkg/leader"

// HandleIMPBody processes one fully reassembled IMP message (the leader
// plus its body), as delivered by pkg/imp's Recv loop (spec.md §4, §4.2).
func (d *Daemon) HandleIMPBody(body []byte) {
	lead, rest, err := leader.Decode(body)
	if err != nil {
		d.Logger.Debug().Str("component", "ncp").Msg("short IMP leader, dropping")
		return
	}
	host := lead.Host

	switch lead.Type {
	case leader.Regular:
		hdr, data, err := leader.DecodeRegular(rest)
		if err != nil {
			d.Logger.Debug().Uint8("host", host).Str("component", "ncp").Msg("short REGULAR payload, dropping")
			return
		}
		d.HandleRegular(host, lead.Link, hdr.ByteSize, data)
	case leader.RFNM:
		d.Hosts.Hosts[host].GotRFNM()
		d.flushControlQueue(host)
		d.drainPendingWrites(host)
	case leader.Dead:
		d.hostDied(host)
	case leader.ImpDown:
		d.Logger.Warn().Str("component", "ncp").Msg("local IMP reported down")
	case leader.LeaderErr, leader.Blocked, leader.Full, leader.DataErr, leader.Incompl:
		d.Logger.Debug().Uint8("host", host).Str("component", "ncp").Str("leader", lead.Type.String()).Msg("IMP leader error reported")
	case leader.Nop:
	}
}

// hostDied tears down every connection to host and fails any pending
// application requests against them (spec.md §4.2, §8 "host goes down").
func (d *Daemon) hostDied(host byte) {
	h := &d.Hosts.Hosts[host]
	h.Alive = false
	d.Table.DestroyHost(host, func(ci connIdx) {
		d.failPendingReader(&d.Table.Conns[ci])
	})
	h.ClearRFNMWaiters()
	h.OutstandingRFNM = 0
	if h.HasPendingEcho {
		h.HasPendingEcho, h.HasERP = false, false
		d.replyEcho(h.PendingEcho, host, h.PendingEchoData, 0xFF)
	}
}

// drainPendingWrites resumes every connection to host that was waiting on
// RFNM credit to continue a chunked write (spec.md §4.5).
func (d *Daemon) drainPendingWrites(host byte) {
	for i := range d.Table.Conns {
		c := &d.Table.Conns[i]
		if c.free() || byte(c.Host) != host {
			continue
		}
		if c.Flags.has(FlagWritePending) {
			d.pumpWrite(connIdx(i))
		}
	}
}
