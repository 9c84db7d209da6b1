package imp

import (
	"encoding/binary"
	"testing"
)

func TestAcceptRoundTrip(t *testing.T) {
	var c Conn
	c.localReady = true

	body := []byte{1, 2, 3, 4, 5}

	// build a datagram the way send() would, without a socket
	count := 1 + (len(body)+1)/2
	buf := make([]byte, HeaderSize+2*(count-1))
	copy(buf, magic[:])
	binary.BigEndian.PutUint32(buf[magicSize:], 0)
	binary.BigEndian.PutUint16(buf[magicSize+seqSize:], uint16(count))
	binary.BigEndian.PutUint16(buf[magicSize+seqSize+countSize:], FlagLast|FlagReady)
	copy(buf[HeaderSize:], body)

	got, last, err := c.accept(buf)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !last {
		t.Fatal("expected last")
	}
	if len(got) < len(body) {
		t.Fatalf("short body: %x", got)
	}
	for i, b := range body {
		if got[i] != b {
			t.Fatalf("body mismatch at %d: got %x want %x", i, got, body)
		}
	}
	if !c.PeerReady() {
		t.Fatal("expected peer ready")
	}
	if c.rxExpected != 1 {
		t.Fatalf("rxExpected = %d, want 1", c.rxExpected)
	}
}

func TestAcceptBadMagic(t *testing.T) {
	var c Conn
	buf := make([]byte, HeaderSize)
	copy(buf, "XXXX")
	if _, _, err := c.accept(buf); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestAcceptDuplicateDropped(t *testing.T) {
	var c Conn
	mk := func(seq uint32) []byte {
		buf := make([]byte, HeaderSize)
		copy(buf, magic[:])
		binary.BigEndian.PutUint32(buf[magicSize:], seq)
		binary.BigEndian.PutUint16(buf[magicSize+seqSize:], 1)
		binary.BigEndian.PutUint16(buf[magicSize+seqSize+countSize:], FlagLast)
		return buf
	}
	// seq 0 after a non-zero expected value is a peer restart, not a
	// duplicate, so the duplicate here uses a non-zero sequence.
	if _, _, err := c.accept(mk(1)); err != nil {
		t.Fatalf("accept seq 1: %v", err)
	}
	if _, _, err := c.accept(mk(1)); err != errDrop {
		t.Fatalf("err = %v, want errDrop for duplicate", err)
	}
}

func TestAcceptPeerRestart(t *testing.T) {
	var c Conn
	mk := func(seq uint32) []byte {
		buf := make([]byte, HeaderSize)
		copy(buf, magic[:])
		binary.BigEndian.PutUint32(buf[magicSize:], seq)
		binary.BigEndian.PutUint16(buf[magicSize+seqSize:], 1)
		binary.BigEndian.PutUint16(buf[magicSize+seqSize+countSize:], FlagLast)
		return buf
	}
	for i := uint32(0); i < 5; i++ {
		if _, _, err := c.accept(mk(i)); err != nil {
			t.Fatalf("accept seq %d: %v", i, err)
		}
	}
	if c.rxExpected != 5 {
		t.Fatalf("rxExpected = %d, want 5", c.rxExpected)
	}
	if _, _, err := c.accept(mk(0)); err != nil {
		t.Fatalf("accept restart: %v", err)
	}
	if c.rxExpected != 1 {
		t.Fatalf("rxExpected after restart = %d, want 1", c.rxExpected)
	}
}
