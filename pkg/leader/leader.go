// Package leader encodes and decodes Host/IMP leader messages: the fixed
// 4-byte prefix (type, remote host, link, subtype) that precedes every
// message body carried by pkg/imp, plus the REGULAR message's data header.
package leader

import (
	"encoding/binary"
	"errors"
)

// Type is a leader message type, the low nibble of leader byte 0.
type Type byte

const (
	Regular    Type = 0
	LeaderErr  Type = 1
	ImpDown    Type = 2
	Blocked    Type = 3
	Nop        Type = 4
	RFNM       Type = 5
	Full       Type = 6
	Dead       Type = 7
	DataErr    Type = 8
	Incompl    Type = 9
	Reset      Type = 10
)

func (t Type) String() string {
	switch t {
	case Regular:
		return "REGULAR"
	case LeaderErr:
		return "LEADER_ERROR"
	case ImpDown:
		return "IMP_DOWN"
	case Blocked:
		return "BLOCKED"
	case Nop:
		return "NOP"
	case RFNM:
		return "RFNM"
	case Full:
		return "FULL"
	case Dead:
		return "DEAD"
	case DataErr:
		return "DATA_ERROR"
	case Incompl:
		return "INCOMPL"
	case Reset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// LeaderErr subtypes.
const (
	LeaderErrGeneric  byte = 0
	LeaderErrShort    byte = 1
	LeaderErrIllegal  byte = 2
)

// Leader is the decoded 4-byte Host/IMP leader.
type Leader struct {
	Type Type
	Host byte
	Link byte
	Sub  byte
}

const Size = 4

var ErrShort = errors.New("leader: message shorter than leader")

// Decode reads the 4-byte leader prefix from b.
func Decode(b []byte) (Leader, []byte, error) {
	if len(b) < Size {
		return Leader{}, nil, ErrShort
	}
	return Leader{
		Type: Type(b[0] & 0x0F),
		Host: b[1],
		Link: b[2],
		Sub:  b[3],
	}, b[Size:], nil
}

// Encode appends the leader to b.
func (l Leader) Encode(b []byte) []byte {
	return append(b, byte(l.Type)&0x0F, l.Host, l.Link, l.Sub)
}

// RegularHeader is the fixed part of a REGULAR message payload, following
// the leader: a message id, the sender's byte size, and a byte count,
// followed by one pad byte before the data itself.
type RegularHeader struct {
	MsgID    byte
	ByteSize byte
	ByteCount uint16
}

const RegularHeaderSize = 1 + 1 + 2 + 1 // msgid, bytesize, bytecount, pad

var ErrRegularShort = errors.New("leader: regular payload shorter than header")

// DecodeRegular splits a REGULAR leader's payload into its header and data.
// Data is truncated/validated against ByteCount, the number of ByteSize-bit
// bytes carried, rounded up to whole octets.
func DecodeRegular(b []byte) (RegularHeader, []byte, error) {
	if len(b) < RegularHeaderSize {
		return RegularHeader{}, nil, ErrRegularShort
	}
	h := RegularHeader{
		MsgID:     b[0],
		ByteSize:  b[1],
		ByteCount: binary.BigEndian.Uint16(b[2:4]),
	}
	data := b[RegularHeaderSize:]
	n := dataBytes(h.ByteSize, h.ByteCount)
	if len(data) < n {
		return RegularHeader{}, nil, ErrRegularShort
	}
	return h, data[:n], nil
}

// EncodeRegular appends a REGULAR payload header followed by data to b.
func EncodeRegular(b []byte, h RegularHeader, data []byte) []byte {
	b = append(b, h.MsgID, h.ByteSize)
	var cb [2]byte
	binary.BigEndian.PutUint16(cb[:], h.ByteCount)
	b = append(b, cb[0], cb[1])
	b = append(b, 0) // pad/align byte
	return append(b, data...)
}

// dataBytes returns how many octets ByteCount "items" of byteSize bits
// occupies, rounded up. A byteSize of 0 is treated as 8 to avoid a
// division by zero on malformed input.
func dataBytes(byteSize byte, byteCount uint16) int {
	bs := int(byteSize)
	if bs == 0 {
		bs = 8
	}
	bits := int(byteCount) * bs
	return (bits + 7) / 8
}
