package ncp

// Clock counts reactor idle passes ("ticks"), nominally one per second
// (spec.md §4.4).
type Clock struct {
	Tick int64
}

// Now returns the current tick.
func (c *Clock) Now() int64 { return c.Tick }

// Advance moves the clock forward by one tick and returns the new value.
func (c *Clock) Advance() int64 {
	c.Tick++
	return c.Tick
}

// Deadline computes the tick at which a timer armed now with the given
// duration (in ticks) should fire.
func (c *Clock) Deadline(ticks int64) int64 {
	return c.Tick + ticks
}

// TickConns fires any due timer slot on every live connection in t. Each
// connection's five slots (RRP, RFNM, ALL, RFC, CLS) are checked in a
// fixed order so that, if a callback re-arms a different slot, the new
// arming is only considered on a later tick.
func (c *Clock) TickConns(t *Table) {
	now := c.Tick
	for i := range t.Conns {
		conn := &t.Conns[i]
		if conn.free() {
			continue
		}
		for s := range conn.Timers {
			conn.Timers[s].fire(now)
		}
	}
}

// TickHostEcho services per-host ECHO/ERP deadlines, invoking onTimeout for
// every host whose pending echo has expired (spec.md §4.4).
func (c *Clock) TickHostEcho(ht *HostTable, onTimeout func(host byte)) {
	now := c.Tick
	for h := range ht.Hosts {
		host := &ht.Hosts[h]
		if host.HasPendingEcho && host.HasERP && now >= host.ERPDeadline {
			host.HasPendingEcho = false
			host.HasERP = false
			onTimeout(byte(h))
		}
	}
}

// TickHostRRP services the RST/RRP liveness wait armed by ensureAlive,
// invoking each waiting host's timeout callback once its deadline passes
// without an RRP.
func (c *Clock) TickHostRRP(ht *HostTable) {
	now := c.Tick
	for h := range ht.Hosts {
		host := &ht.Hosts[h]
		if host.hasRRPWait && now >= host.rrpDeadline {
			host.hasRRPWait = false
			fn := host.rrpTimeoutFn
			host.rrpWaiter, host.rrpTimeoutFn = nil, nil
			if fn != nil {
				fn()
			}
		}
	}
}
