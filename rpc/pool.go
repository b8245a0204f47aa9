package rpc

// PacketBuf is one fixed-size frame backing a single on-wire datapath
// packet. In a production deployment these would be huge-page-backed and
// registered with the NIC; here they are plain byte slices sized once at
// pool creation, which is the part of the teacher's AF_XDP UMEM design
// this runtime keeps: fixed frame size, free-list management, O(1)
// alloc/free (see afxdp.Socket.freeFrames/freeCount in the teacher repo).
type PacketBuf struct {
	Buf []byte // len == cap == pool frame size
	n   int    // bytes currently in use, header included

	// From is populated by Transport.PollRX and used by the receive
	// engine to demultiplex an inbound packet to a session.
	From string
}

// Bytes returns the in-use portion of the frame.
func (p *PacketBuf) Bytes() []byte { return p.Buf[:p.n] }

// SetLen records how many bytes of Buf a Transport implementation
// actually filled in (PollRX) or means to send (PostTX callers use
// Bytes() instead). Transports outside this package need it since n is
// unexported.
func (p *PacketBuf) SetLen(n int) { p.n = n }

// BufferPool is a fixed-size-frame free list, thread-local to one
// Endpoint (§5: "the packet pool is thread-local per endpoint"), so no
// synchronization is required — mirrors afxdp.Socket's freeFrames stack.
type BufferPool struct {
	frameSize int
	free      []*PacketBuf
}

// NewBufferPool preallocates numFrames frames of frameSize bytes.
func NewBufferPool(frameSize, numFrames int) *BufferPool {
	p := &BufferPool{
		frameSize: frameSize,
		free:      make([]*PacketBuf, 0, numFrames),
	}
	for range numFrames {
		p.free = append(p.free, &PacketBuf{Buf: make([]byte, frameSize)})
	}
	return p
}

// Alloc removes and returns a frame from the free list in O(1), or
// ErrNoFreeBuffers if the pool is exhausted.
func (p *BufferPool) Alloc() (*PacketBuf, error) {
	n := len(p.free)
	if n == 0 {
		return nil, ErrNoFreeBuffers
	}
	pb := p.free[n-1]
	p.free = p.free[:n-1]
	pb.n = 0
	pb.From = ""
	return pb, nil
}

// Free returns a frame to the free list in O(1).
func (p *BufferPool) Free(pb *PacketBuf) {
	p.free = append(p.free, pb)
}

// FrameSize is the fixed size of every frame in the pool.
func (p *BufferPool) FrameSize() int { return p.frameSize }

// Available reports how many frames are currently free, for diagnostics
// and tests.
func (p *BufferPool) Available() int { return len(p.free) }
