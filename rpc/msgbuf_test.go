package rpc

import "testing"

func TestMsgBufferResize(t *testing.T) {
	m := newMsgBuffer(100)
	if m.Size() != 100 || m.Cap() != 100 {
		t.Fatalf("got size=%d cap=%d, want 100/100", m.Size(), m.Cap())
	}
	if err := m.Resize(40); err != nil {
		t.Fatalf("resize down: %v", err)
	}
	if m.Size() != 40 {
		t.Fatalf("got size %d, want 40", m.Size())
	}
	if len(m.Bytes()) != 40 {
		t.Fatalf("got %d bytes, want 40", len(m.Bytes()))
	}
}

func TestMsgBufferResizeRejectsOutOfRange(t *testing.T) {
	m := newMsgBuffer(10)
	if err := m.Resize(-1); err != ErrInvalidArgument {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
	if err := m.Resize(11); err != ErrInvalidArgument {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestNewScratchMsgBuffer(t *testing.T) {
	m := newScratchMsgBuffer(256)
	if m.Size() != 0 {
		t.Fatalf("got initial size %d, want 0", m.Size())
	}
	if m.Cap() != 256 {
		t.Fatalf("got cap %d, want 256", m.Cap())
	}
	if !m.preallocated {
		t.Fatalf("expected scratch buffer to be marked preallocated")
	}
	if err := m.Resize(200); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if m.Size() != 200 {
		t.Fatalf("got size %d, want 200", m.Size())
	}
}
