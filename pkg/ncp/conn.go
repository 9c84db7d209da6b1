package ncp

import "net"

// Flags is a bitfield of application-visible connection state, per spec.md
// §3.
type Flags uint16

const (
	FlagClient Flags = 1 << iota
	FlagServer
	FlagSentRTS
	FlagSentSTR
	FlagGotRTS
	FlagGotSTR
	FlagListenPending
	FlagOpenPending
	FlagReadPending
	FlagWritePending
	FlagClosePending
)

func (f Flags) has(x Flags) bool { return f&x != 0 }

// halfState is the state of one half-connection (receive or send), per
// spec.md §4.3.2.
type halfState byte

const (
	halfIdle halfState = iota
	halfSentReq
	halfOpen
	halfSentCLS
	halfClosed
)

// half describes one half-connection: the link/socket pair naming it, and
// its progress through the state machine.
type half struct {
	State halfState
	Link  byte
	Size  byte // byte size; meaningful once STR is confirmed (rcv) or sent (snd)
	LSock uint32
	RSock uint32
}

// timerSlot holds one of a connection's five named timers (spec.md §4.4).
// Its single onFire callback is cleared before being invoked so that it
// may re-arm the slot from within its own call.
type timerSlot struct {
	armed    bool
	deadline int64 // tick at which timeout fires
	onFire   func()
}

func (t *timerSlot) arm(deadline int64, onFire func()) {
	t.armed, t.deadline, t.onFire = true, deadline, onFire
}

func (t *timerSlot) cancel() {
	t.armed, t.onFire = false, nil
}

// fire invokes the slot's callback if it is due at tick, clearing the slot
// first so the callback may re-arm it.
func (t *timerSlot) fire(tick int64) {
	if !t.armed || tick < t.deadline {
		return
	}
	fn := t.onFire
	t.cancel()
	if fn != nil {
		fn()
	}
}

// Timer slot indices into Connection.Timers.
const (
	TimerRRP = iota
	TimerRFNM
	TimerALL
	TimerRFC
	TimerCLS
	numTimers
)

// Default timer deadlines, in ticks (spec.md §4.4). One tick is nominally
// one second, driven by the reactor's idle timeout.
const (
	DefaultRRPTicks  = 20
	DefaultRFNMTicks = 10
	DefaultALLTicks  = 60
	DefaultRFCTicks  = 3
	DefaultCLSTicks  = 3
)

// connIdx/listenerIdx are table indices; -1 denotes absence. Using plain
// integers instead of pointers means no reference can outlive a table slot
// being recycled (spec.md §9).
type connIdx int32
type listenerIdx int32

const noIdx = -1

// Connection is one NCP connection record (spec.md §3). Host == -1 marks a
// free slot.
type Connection struct {
	Host int16 // -1 if free, else 0..255

	ClientAddr net.Addr // application client address for listen/open replies
	ReaderAddr net.Addr
	WriterAddr net.Addr
	CloserAddr net.Addr

	Flags Flags

	Listener listenerIdx // parent listener, if this is a server-side connection
	Parent   connIdx     // parent ICP connection, for an ICP data child; noIdx otherwise
	Child    connIdx     // ICP data child, for an ICP control parent; noIdx otherwise

	ByteSize byte // negotiated data byte size, default 8

	AllMsgs int32 // outstanding ALL credit, messages
	AllBits int64 // outstanding ALL credit, bits

	Rcv half
	Snd half

	OutBuf   []byte // pending output buffer
	OutSent  int    // bytes already sent from OutBuf
	OutTotal int    // total length requested to write

	InBuf          []byte // data received but not yet delivered to a READ
	pendingReadMax int    // MaxOctets of the outstanding READ, 0 = unbounded

	// writeAckPending marks that every chunk of the current write has been
	// sent and pumpWrite is waiting for completeWrite to fire from the
	// corresponding RFNM; distinct from FlagWritePending, which is also set
	// while blocked on ALL credit.
	writeAckPending bool

	Timers [numTimers]timerSlot
}

// reset clears c to the free state.
func (c *Connection) reset() {
	*c = Connection{Host: -1, Listener: noIdx, Parent: noIdx, Child: noIdx}
}

func (c *Connection) free() bool { return c.Host < 0 }

// Listener is a server-side listening socket (spec.md §3).
type Listener struct {
	ClientAddr net.Addr
	Socket     uint32 // 0 if free
	ByteSize   byte
}

func (l *Listener) free() bool { return l.Socket == 0 }
