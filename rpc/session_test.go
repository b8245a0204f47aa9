package rpc

import "testing"

func TestIsPow2(t *testing.T) {
	cases := []struct {
		n    int
		want bool
	}{
		{0, false}, {1, true}, {2, true}, {3, false},
		{4, true}, {8, true}, {15, false}, {-4, false},
	}
	for _, c := range cases {
		if got := isPow2(c.n); got != c.want {
			t.Fatalf("isPow2(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestSessionTableAllocReusesFreedSlotAndBumpsGeneration(t *testing.T) {
	var t2 sessionTable
	t2.init()

	a := t2.alloc()
	if a.num != 0 {
		t.Fatalf("got num %d, want 0", a.num)
	}
	gen0 := a.generation.Load()

	t2.free(a)

	b := t2.alloc()
	if b != a {
		t.Fatalf("expected freed slot to be reused")
	}
	if b.generation.Load() != gen0+1 {
		t.Fatalf("got generation %d, want %d", b.generation.Load(), gen0+1)
	}
}

func TestSessionTableGetByDataAddr(t *testing.T) {
	var t2 sessionTable
	t2.init()
	s := t2.alloc()
	t2.byDataAddr["1.2.3.4:5"] = s.num

	got, ok := t2.getByDataAddr("1.2.3.4:5")
	if !ok || got != s {
		t.Fatalf("got %v, %v; want %v, true", got, ok, s)
	}
	if _, ok := t2.getByDataAddr("nope"); ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestSessionSlotForFindsOnlyMatchingReqNum(t *testing.T) {
	s := &Session{slots: newSlots(4)}
	s.slots[1].idle = false
	s.slots[1].reqNum = 5

	slot, idx, ok := s.slotFor(5)
	if !ok || idx != 1 || slot != s.slots[1] {
		t.Fatalf("got %v, %d, %v", slot, idx, ok)
	}
	if _, _, ok := s.slotFor(9); ok {
		t.Fatalf("expected no match for an unrelated reqNum")
	}
}
