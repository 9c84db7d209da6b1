// Package appwire implements the application-facing IPC wire format: the
// typed request/reply records exchanged between ncpd and local applications
// over a UNIX datagram socket. It is shared between the daemon and any
// client library, mirroring how libncp.c and ncp.c share one wire format
// in the original implementation.
package appwire

import (
	"encoding/binary"
	"errors"
)

// Opcode identifies a request or reply record. Requests are odd; a
// request's reply uses Op+1.
type Opcode byte

const (
	Echo      Opcode = 1
	Open      Opcode = 3
	Listen    Opcode = 5
	Read      Opcode = 7
	Write     Opcode = 9
	Interrupt Opcode = 11
	Close     Opcode = 13
)

// Reply returns the reply opcode for a request opcode.
func (op Opcode) Reply() Opcode { return op + 1 }

// IsRequest reports whether op is a request opcode (odd).
func (op Opcode) IsRequest() bool { return op%2 == 1 }

func (op Opcode) String() string {
	switch op {
	case Echo:
		return "ECHO"
	case Echo + 1:
		return "ECHO_REPLY"
	case Open:
		return "OPEN"
	case Open + 1:
		return "OPEN_REPLY"
	case Listen:
		return "LISTEN"
	case Listen + 1:
		return "LISTEN_REPLY"
	case Read:
		return "READ"
	case Read + 1:
		return "READ_REPLY"
	case Write:
		return "WRITE"
	case Write + 1:
		return "WRITE_REPLY"
	case Interrupt:
		return "INTERRUPT"
	case Interrupt + 1:
		return "INTERRUPT_REPLY"
	case Close:
		return "CLOSE"
	case Close + 1:
		return "CLOSE_REPLY"
	default:
		return "UNKNOWN"
	}
}

// Open/Echo reply status codes.
const (
	StatusOK      byte = 0
	StatusRefused byte = 255
)

// Message is a decoded request or reply. Only the fields relevant to Op are
// meaningful.
type Message struct {
	Op Opcode

	Host     byte
	Socket   uint32
	ByteSize byte

	ConnID    uint32
	MaxOctets uint16

	Status        byte
	OctetsWritten uint16

	Data byte

	Payload []byte
}

var (
	// ErrShort is returned for a frame too small for its opcode's fixed
	// fields; per spec, such frames are silently dropped (after logging)
	// by the caller, not retried.
	ErrShort = errors.New("appwire: short frame")
	// ErrUnknownOpcode is returned for a frame with an unrecognized opcode.
	ErrUnknownOpcode = errors.New("appwire: unknown opcode")
)

// fixedSize gives the size of the fixed portion (after the opcode byte) of
// each request/reply, excluding any trailing variable payload.
func fixedSize(op Opcode) (n int, hasPayload bool, ok bool) {
	switch op {
	case Echo:
		return 1 + 1, false, true // host, data
	case Echo + 1:
		return 1 + 1 + 1, false, true // host, data, status
	case Open:
		return 1 + 4 + 1, false, true // host, socket, bytesize
	case Open + 1:
		return 1 + 4 + 4 + 1 + 1, false, true // host, socket, connid, bytesize, status
	case Listen:
		return 4 + 1, false, true // socket, bytesize
	case Listen + 1:
		return 1 + 4 + 4 + 1, false, true // host, socket, connid, bytesize
	case Read:
		return 4 + 2, false, true // connid, maxoctets
	case Read + 1:
		return 4, true, true // connid, payload
	case Write:
		return 4, true, true // connid, payload
	case Write + 1:
		return 4 + 2, false, true // connid, octetswritten
	case Interrupt, Interrupt + 1, Close, Close + 1:
		return 4, false, true // connid
	default:
		return 0, false, false
	}
}

// Decode parses one request or reply frame: an opcode byte followed by
// fixed fields and, for a few opcodes, a trailing variable payload.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return Message{}, ErrShort
	}
	op := Opcode(b[0])
	n, hasPayload, ok := fixedSize(op)
	if !ok {
		return Message{}, ErrUnknownOpcode
	}
	b = b[1:]
	if len(b) < n {
		return Message{}, ErrShort
	}
	if !hasPayload && len(b) != n {
		return Message{}, ErrShort
	}

	m := Message{Op: op}
	switch op {
	case Echo:
		m.Host, m.Data = b[0], b[1]
	case Echo + 1:
		m.Host, m.Data, m.Status = b[0], b[1], b[2]
	case Open:
		m.Host = b[0]
		m.Socket = binary.BigEndian.Uint32(b[1:5])
		m.ByteSize = b[5]
	case Open + 1:
		m.Host = b[0]
		m.Socket = binary.BigEndian.Uint32(b[1:5])
		m.ConnID = binary.BigEndian.Uint32(b[5:9])
		m.ByteSize = b[9]
		m.Status = b[10]
	case Listen:
		m.Socket = binary.BigEndian.Uint32(b[0:4])
		m.ByteSize = b[4]
	case Listen + 1:
		m.Host = b[0]
		m.Socket = binary.BigEndian.Uint32(b[1:5])
		m.ConnID = binary.BigEndian.Uint32(b[5:9])
		m.ByteSize = b[9]
	case Read:
		m.ConnID = binary.BigEndian.Uint32(b[0:4])
		m.MaxOctets = binary.BigEndian.Uint16(b[4:6])
	case Read + 1:
		m.ConnID = binary.BigEndian.Uint32(b[0:4])
		m.Payload = append([]byte(nil), b[4:]...)
	case Write:
		m.ConnID = binary.BigEndian.Uint32(b[0:4])
		m.Payload = append([]byte(nil), b[4:]...)
	case Write + 1:
		m.ConnID = binary.BigEndian.Uint32(b[0:4])
		m.OctetsWritten = binary.BigEndian.Uint16(b[4:6])
	case Interrupt, Interrupt + 1, Close, Close + 1:
		m.ConnID = binary.BigEndian.Uint32(b[0:4])
	}
	return m, nil
}

// Encode appends m's wire encoding to b.
func Encode(b []byte, m Message) []byte {
	b = append(b, byte(m.Op))
	switch m.Op {
	case Echo:
		b = append(b, m.Host, m.Data)
	case Echo + 1:
		b = append(b, m.Host, m.Data, m.Status)
	case Open:
		b = append(b, m.Host)
		b = appendU32(b, m.Socket)
		b = append(b, m.ByteSize)
	case Open + 1:
		b = append(b, m.Host)
		b = appendU32(b, m.Socket)
		b = appendU32(b, m.ConnID)
		b = append(b, m.ByteSize, m.Status)
	case Listen:
		b = appendU32(b, m.Socket)
		b = append(b, m.ByteSize)
	case Listen + 1:
		b = append(b, m.Host)
		b = appendU32(b, m.Socket)
		b = appendU32(b, m.ConnID)
		b = append(b, m.ByteSize)
	case Read:
		b = appendU32(b, m.ConnID)
		b = appendU16(b, m.MaxOctets)
	case Read + 1:
		b = appendU32(b, m.ConnID)
		b = append(b, m.Payload...)
	case Write:
		b = appendU32(b, m.ConnID)
		b = append(b, m.Payload...)
	case Write + 1:
		b = appendU32(b, m.ConnID)
		b = appendU16(b, m.OctetsWritten)
	case Interrupt, Interrupt + 1, Close, Close + 1:
		b = appendU32(b, m.ConnID)
	}
	return b
}

func appendU16(b []byte, v uint16) []byte {
	var x [2]byte
	binary.BigEndian.PutUint16(x[:], v)
	return append(b, x[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], v)
	return append(b, x[:]...)
}
