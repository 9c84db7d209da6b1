// Package imp implements the Host/IMP datagram transport: the envelope
// framing used between the NCP daemon and an emulated Interface Message
// Processor, carried over UDP.
package imp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Envelope sizes, in bytes.
const (
	magicSize   = 4
	seqSize     = 4
	countSize   = 2
	flagsSize   = 2
	HeaderSize  = magicSize + seqSize + countSize + flagsSize // 12
	wordSize    = 2
	MaxDatagram = 8192 // generous bound on a single IMP datagram
)

var magic = [magicSize]byte{'H', '3', '1', '6'}

// Flags bits within the envelope's flags word.
const (
	FlagLast  uint16 = 1 << 0
	FlagReady uint16 = 1 << 1
)

var (
	// ErrBadMagic is returned (and the datagram dropped) when a received
	// datagram does not begin with the H316 magic.
	ErrBadMagic = errors.New("imp: bad magic")
	// ErrShort is returned when a received datagram is too small to hold a
	// full envelope, or the advertised word count runs past the datagram.
	ErrShort = errors.New("imp: short datagram")
	// ErrTooLarge is returned when a caller asks to send more payload than
	// fits in one IMP message (ncpd does not fragment; see spec Non-goals).
	ErrTooLarge = errors.New("imp: payload too large for one message")
)

// ReadyFunc is invoked when the peer's READY flag changes value.
type ReadyFunc func(ready bool)

// Conn is a framed connection to an IMP simulator over UDP.
//
// Conn is not safe for concurrent use; ncpd drives it from a single
// reactor goroutine.
type Conn struct {
	uc *net.UDPConn

	txSeq uint32

	rxExpected uint32
	rxSynced   bool

	localReady bool
	peerReady  bool
	peerKnown  bool

	OnReady ReadyFunc
}

// Dial opens a UDP socket to the IMP simulator at raddr, bound locally on
// localPort (0 picks a random port).
func Dial(host string, rport, localPort int) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, rport))
	if err != nil {
		return nil, fmt.Errorf("resolve imp addr: %w", err)
	}
	laddr := &net.UDPAddr{Port: localPort}
	uc, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial imp: %w", err)
	}
	return &Conn{uc: uc}, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// UDPConn returns the underlying socket, e.g. for reactor readiness polling.
func (c *Conn) UDPConn() *net.UDPConn {
	return c.uc
}

// SetLocalReady sets the local host-ready bit. If it changed, an empty
// message (no leader, no payload) is sent immediately so the peer observes
// the new value without waiting for the next regular send.
func (c *Conn) SetLocalReady(ready bool) error {
	if c.localReady == ready {
		return nil
	}
	c.localReady = ready
	return c.send(nil)
}

// Send transmits one IMP message whose body (leader + payload) is b. ncpd
// never fragments, so the LAST flag is always set; see spec Non-goals.
func (c *Conn) Send(b []byte) error {
	if len(b) > MaxDatagram {
		return ErrTooLarge
	}
	return c.send(b)
}

func (c *Conn) send(body []byte) error {
	// word count includes the 1-word header cell (the flags word itself)
	count := 1 + (len(body)+1)/2
	buf := make([]byte, HeaderSize+2*(count-1))

	copy(buf[0:], magic[:])
	binary.BigEndian.PutUint32(buf[magicSize:], c.txSeq)
	binary.BigEndian.PutUint16(buf[magicSize+seqSize:], uint16(count))

	var flags uint16
	flags |= FlagLast
	if c.localReady {
		flags |= FlagReady
	}
	binary.BigEndian.PutUint16(buf[magicSize+seqSize+countSize:], flags)

	copy(buf[HeaderSize:], body)

	c.txSeq++
	_, err := c.uc.Write(buf)
	return err
}

// Recv reads and reassembles the next IMP message, returning its body
// (leader + payload, with the internal header-cell word stripped). It
// blocks until a message has been fully received or an error occurs.
func (c *Conn) Recv() ([]byte, error) {
	var out []byte
	buf := make([]byte, MaxDatagram)
	for {
		n, err := c.uc.Read(buf)
		if err != nil {
			return nil, err
		}
		body, last, err := c.accept(buf[:n])
		if err != nil {
			if errors.Is(err, errDrop) || errors.Is(err, ErrBadMagic) || errors.Is(err, ErrShort) {
				continue
			}
			return nil, err
		}
		out = append(out, body...)
		if last {
			return out, nil
		}
	}
}

var errDrop = errors.New("imp: dropped (resync/duplicate)")

// accept validates and decodes one received datagram, updating sequence
// and readiness state. It returns errDrop for datagrams that should be
// silently discarded without being treated as a hard error.
func (c *Conn) accept(dgram []byte) (body []byte, last bool, err error) {
	if len(dgram) < HeaderSize {
		return nil, false, ErrShort
	}
	if *(*[magicSize]byte)(dgram[:magicSize]) != magic {
		return nil, false, ErrBadMagic
	}

	seq := binary.BigEndian.Uint32(dgram[magicSize:])
	count := binary.BigEndian.Uint16(dgram[magicSize+seqSize:])
	flags := binary.BigEndian.Uint16(dgram[magicSize+seqSize+countSize:])

	if int(count) < 1 {
		return nil, false, ErrShort
	}
	want := HeaderSize + 2*(int(count)-1)
	if len(dgram) < want {
		return nil, false, ErrShort
	}

	switch {
	case seq == 0 && c.rxSynced && c.rxExpected != 0:
		// peer restarted; resynchronize
		c.rxExpected = 0
	case c.rxSynced && seq < c.rxExpected:
		return nil, false, errDrop
	case c.rxSynced && seq > c.rxExpected:
		c.rxExpected = seq
	}
	c.rxSynced = true
	c.rxExpected = seq + 1

	ready := flags&FlagReady != 0
	if !c.peerKnown || ready != c.peerReady {
		c.peerKnown = true
		c.peerReady = ready
		if c.OnReady != nil {
			c.OnReady(ready)
		}
	}

	return dgram[HeaderSize:want], flags&FlagLast != 0, nil
}

// PeerReady reports the last-observed value of the peer's READY flag.
func (c *Conn) PeerReady() bool { return c.peerKnown && c.peerReady }
