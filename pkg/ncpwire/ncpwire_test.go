package ncpwire

import "testing"

func TestRoundTripAllOpcodes(t *testing.T) {
	cmds := []Command{
		{Op: NOP},
		{Op: RTS, RSock: 1002, LSock: 0117, Link: 42},
		{Op: STR, RSock: 1003, LSock: 0200, ByteSize: 32},
		{Op: CLS, RSock: 1002, LSock: 7},
		{Op: ALL, Link: 46, MsgSpace: 1, BitSpace: 400},
		{Op: GVB, Link: 2, FM: 1, FB: 0},
		{Op: RET, Link: 2, MsgSpace: 1, BitSpace: 8},
		{Op: INR, Link: 46},
		{Op: INS, Link: 46},
		{Op: ECO, Data: 0x42},
		{Op: ERP, Data: 0x42},
		{Op: ERR, Code: ErrSocket},
		{Op: RST},
		{Op: RRP},
	}

	var buf []byte
	for _, c := range cmds {
		buf = Encode(buf, c)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(cmds) {
		t.Fatalf("got %d commands, want %d", len(got), len(cmds))
	}
	for i := range cmds {
		if got[i] != cmds[i] {
			t.Fatalf("command %d: got %+v, want %+v", i, got[i], cmds[i])
		}
	}
}

func TestDecodeShortYieldsErr(t *testing.T) {
	buf := Encode(nil, Command{Op: RTS, RSock: 1, LSock: 2, Link: 3})
	_, err := Decode(buf[:len(buf)-1])
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Code != ErrShort {
		t.Fatalf("code = %d, want ErrShort", de.Code)
	}
}

func TestDecodeIllegalOpcode(t *testing.T) {
	_, err := Decode([]byte{99, 1, 2, 3})
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Code != ErrOpcode {
		t.Fatalf("code = %d, want ErrOpcode", de.Code)
	}
}

func TestDecodeMultipleThenShort(t *testing.T) {
	buf := Encode(nil, Command{Op: NOP})
	buf = append(buf, byte(RTS), 1, 2) // incomplete RTS
	cmds, err := Decode(buf)
	if len(cmds) != 1 || cmds[0].Op != NOP {
		t.Fatalf("cmds = %+v, want just NOP", cmds)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

// FuzzDecode checks that Decode never panics on an arbitrary link-0 REGULAR
// payload, however many commands it claims to hold.
func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add(Encode(nil, Command{Op: RTS, RSock: 1002, LSock: 0117, Link: 42}))
	f.Add([]byte{byte(STR), 1, 2})
	f.Fuzz(func(t *testing.T, b []byte) {
		Decode(b)
	})
}
