package ncp

import "net"

// MaxOutstandingRFNM is the limit on unacknowledged REGULAR sends per host
// (spec.md §3, §8).
const MaxOutstandingRFNM = 4

// DefaultERPTicks bounds how long an application ECHO request waits for
// the peer's ERP before it is answered with a timeout status.
const DefaultERPTicks = 10

// Host is a per-remote-host record, indexed 0..255 (spec.md §3).
type Host struct {
	Alive bool

	PendingEcho     net.Addr
	PendingEchoData byte
	HasPendingEcho  bool

	ERPDeadline int64
	HasERP      bool

	OutstandingRFNM int

	rfnmWaiters []func() // woken once CanSend() becomes true again

	// completionWaiters fire once each, in order, on the next RFNM this
	// host receives regardless of credit state; used to defer a WRITE
	// reply until its REGULAR is acknowledged (spec.md §4.5 step 3, §5).
	completionWaiters []func()

	// controlQueue holds link-0 payloads that arrived while the
	// outstanding-RFNM budget was exhausted, so control traffic never
	// pushes OutstandingRFNM past MaxOutstandingRFNM (spec.md §8).
	controlQueue [][]byte

	// RRP wait: armed by ensureAlive while probing a host that has never
	// been observed alive (spec.md §8 "OPEN to a host that has never
	// spoken").
	hasRRPWait   bool
	rrpWaiter    func()
	rrpTimeoutFn func()
	rrpDeadline  int64
}

// HostTable tracks liveness and flow-control state for all 256 hosts.
type HostTable struct {
	Hosts [256]Host
}

// NewHostTable creates a HostTable with every host initially unknown (not
// alive).
func NewHostTable() *HostTable {
	return &HostTable{}
}

// CanSend reports whether a REGULAR may be sent to host without exceeding
// the outstanding-RFNM limit.
func (h *Host) CanSend() bool {
	return h.OutstandingRFNM < MaxOutstandingRFNM
}

// Sent records that one REGULAR was sent to the host.
func (h *Host) Sent() {
	h.OutstandingRFNM++
}

// GotRFNM records an RFNM from the host, firing the next queued completion
// waiter unconditionally and waking a credit waiter if CanSend() is now
// true. If the counter is already zero it stays at zero; the waiters are
// still serviced.
func (h *Host) GotRFNM() {
	if h.OutstandingRFNM > 0 {
		h.OutstandingRFNM--
	}
	if len(h.completionWaiters) > 0 {
		fn := h.completionWaiters[0]
		h.completionWaiters = h.completionWaiters[1:]
		fn()
	}
	if h.CanSend() && len(h.rfnmWaiters) > 0 {
		fn := h.rfnmWaiters[0]
		h.rfnmWaiters = h.rfnmWaiters[1:]
		fn()
	}
}

// WaitRFNM arms fn to run the next time GotRFNM observes available credit.
// Per spec.md §4.4, RFNM waiters are armed and dispatched from the RFNM
// leader handler, not only the timer.
func (h *Host) WaitRFNM(fn func()) {
	h.rfnmWaiters = append(h.rfnmWaiters, fn)
}

// WaitNextRFNM arms fn to run on the very next RFNM this host receives,
// regardless of whether credit is available afterward.
func (h *Host) WaitNextRFNM(fn func()) {
	h.completionWaiters = append(h.completionWaiters, fn)
}

// ClearRFNMWaiters drops all pending RFNM waiters and queued control
// traffic, e.g. on host death or RST: nothing more is coming to wake them.
func (h *Host) ClearRFNMWaiters() {
	h.rfnmWaiters = nil
	h.completionWaiters = nil
	h.controlQueue = nil
}
