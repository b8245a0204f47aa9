package rpc

import "testing"

func TestBufferPoolAllocFreeLIFO(t *testing.T) {
	pool := NewBufferPool(64, 2)
	if pool.Available() != 2 {
		t.Fatalf("got %d available, want 2", pool.Available())
	}

	a, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	b, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if pool.Available() != 0 {
		t.Fatalf("got %d available, want 0", pool.Available())
	}

	if _, err := pool.Alloc(); err != ErrNoFreeBuffers {
		t.Fatalf("got %v, want ErrNoFreeBuffers", err)
	}

	pool.Free(b)
	pool.Free(a)
	if pool.Available() != 2 {
		t.Fatalf("got %d available, want 2", pool.Available())
	}

	back, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if back != a {
		t.Fatalf("expected LIFO reuse to hand back the most recently freed frame")
	}
}

func TestBufferPoolAllocResetsState(t *testing.T) {
	pool := NewBufferPool(16, 1)
	pb, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	pb.SetLen(10)
	pb.From = "1.2.3.4:5"
	pool.Free(pb)

	pb2, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if pb2.n != 0 || pb2.From != "" {
		t.Fatalf("expected alloc to reset n and From, got n=%d From=%q", pb2.n, pb2.From)
	}
}

func TestPacketBufBytes(t *testing.T) {
	pb := &PacketBuf{Buf: make([]byte, 32)}
	pb.SetLen(5)
	copy(pb.Buf, []byte("hello"))
	if string(pb.Bytes()) != "hello" {
		t.Fatalf("got %q, want %q", pb.Bytes(), "hello")
	}
}
