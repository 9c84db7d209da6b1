package ncp

import "testing"

func TestAllocDestroyFreesSlot(t *testing.T) {
	tb := NewTable(2, 2)
	i, err := tb.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	tb.Conns[i].Host = 1
	tb.Conns[i].Rcv.Link = 42

	if tb.FindByRcvLink(1, 42) != i {
		t.Fatal("expected to find allocated connection")
	}

	tb.Destroy(i)
	if !tb.Conns[i].free() {
		t.Fatal("expected slot to be free after destroy")
	}
	if tb.FindByRcvLink(1, 42) != noIdx {
		t.Fatal("expected not to find destroyed connection")
	}
}

func TestTableFull(t *testing.T) {
	tb := NewTable(1, 1)
	i, err := tb.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	tb.Conns[i].Host = 1

	if _, err := tb.Alloc(); err != ErrTableFull {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
}

func TestUniqueRcvLinkPerHost(t *testing.T) {
	tb := NewTable(4, 1)
	a, _ := tb.Alloc()
	tb.Conns[a].Host = 1
	tb.Conns[a].Rcv.Link = 42

	b, _ := tb.Alloc()
	tb.Conns[b].Host = 2
	tb.Conns[b].Rcv.Link = 42 // same link, different host: fine

	if tb.FindByRcvLink(1, 42) != a {
		t.Fatal("host 1 link 42 should resolve to a")
	}
	if tb.FindByRcvLink(2, 42) != b {
		t.Fatal("host 2 link 42 should resolve to b")
	}
}

func TestDestroyHost(t *testing.T) {
	tb := NewTable(4, 1)
	var destroyed []connIdx
	for h := byte(1); h <= 2; h++ {
		i, _ := tb.Alloc()
		tb.Conns[i].Host = int16(h)
	}
	tb.DestroyHost(1, func(i connIdx) { destroyed = append(destroyed, i) })

	if len(destroyed) != 1 {
		t.Fatalf("destroyed = %v, want 1 entry", destroyed)
	}
	for i := range tb.Conns {
		if !tb.Conns[i].free() && tb.Conns[i].Host == 1 {
			t.Fatal("host 1 should have no live connections left at all")
		}
	}
	live := 0
	for i := range tb.Conns {
		if !tb.Conns[i].free() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live connections = %d, want 1", live)
	}
}

func TestListenerAllocFree(t *testing.T) {
	tb := NewTable(1, 1)
	i, err := tb.AllocListener()
	if err != nil {
		t.Fatalf("alloc listener: %v", err)
	}
	tb.Listeners[i].Socket = 0117
	if tb.FindListener(0117) != i {
		t.Fatal("expected to find listener")
	}
	if _, err := tb.AllocListener(); err != ErrTableFull {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
}
