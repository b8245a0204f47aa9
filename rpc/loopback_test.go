package rpc

import "sync"

// loopbackTransport connects two in-process endpoints directly through
// mutex-guarded in-memory receive queues, standing in for a real NIC/socket in tests the way
// the reference transport's AF_XDP ring buffers stand in for the kernel.
// Deterministic and loss-free unless dropNext is armed.
type loopbackTransport struct {
	mtu       int
	localAddr string

	mu   sync.Mutex
	peer *loopbackTransport
	rx   []*PacketBuf

	dropNext int // test hook: silently discard the next N posted packets
}

func newLoopbackPair(mtu int) (a, b *loopbackTransport) {
	a = &loopbackTransport{mtu: mtu, localAddr: "loop-a"}
	b = &loopbackTransport{mtu: mtu, localAddr: "loop-b"}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *loopbackTransport) LocalAddr() string { return t.localAddr }
func (t *loopbackTransport) MTU() int          { return t.mtu }
func (t *loopbackTransport) MaxInline() int    { return t.mtu }
func (t *loopbackTransport) UnsigBatch() int   { return 8 }

func (t *loopbackTransport) PostTX(pkts []*PacketBuf) error {
	for _, pb := range pkts {
		if t.dropNext > 0 {
			t.dropNext--
			continue
		}
		cp := make([]byte, len(pb.Bytes()))
		copy(cp, pb.Bytes())
		delivered := &PacketBuf{Buf: cp, From: t.localAddr}
		delivered.SetLen(len(cp))
		t.peer.mu.Lock()
		t.peer.rx = append(t.peer.rx, delivered)
		t.peer.mu.Unlock()
	}
	return nil
}

func (t *loopbackTransport) PollRX(pool *BufferPool, max int) []*PacketBuf {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.rx)
	if n > max {
		n = max
	}
	out := make([]*PacketBuf, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, t.rx[i])
	}
	t.rx = t.rx[n:]
	return out
}

func (t *loopbackTransport) TXFlush() error { return nil }

// runUntil pumps the given endpoints' event loops round-robin until cond
// reports done or maxPasses is exceeded, returning whether cond
// succeeded.
func runUntil(maxPasses int, eps []*Endpoint, cond func() bool) bool {
	for i := 0; i < maxPasses; i++ {
		for _, ep := range eps {
			ep.RunEventLoopOnce()
		}
		if cond() {
			return true
		}
	}
	return cond()
}
