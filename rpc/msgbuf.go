package rpc

// MsgBuffer is the user-visible, logically contiguous view over a
// request or response payload. Internally it owns one contiguous byte
// slice; the send engine slices it into MTU-sized fragments when handing
// data to the transport, and the receive engine copies inbound fragments
// back into it at the right offset. This keeps MsgBuffer's lifetime
// independent of the packet buffer pool (§3: MsgBuffers are user-owned
// between alloc and free; packet buffers are always pool-owned and
// returned to the pool the instant their payload has been copied out).
type MsgBuffer struct {
	buf          []byte
	size         int  // current logical size, <= cap(buf)
	preallocated bool // true for server response scratch buffers
}

// newMsgBuffer allocates a dynamic, user-owned MsgBuffer of sz bytes.
func newMsgBuffer(sz int) *MsgBuffer {
	return &MsgBuffer{buf: make([]byte, sz), size: sz}
}

// newScratchMsgBuffer allocates a preallocated response buffer with the
// given capacity and a logical size of 0; servers Resize it to the
// actual response size.
func newScratchMsgBuffer(capacity int) *MsgBuffer {
	return &MsgBuffer{buf: make([]byte, capacity), size: 0, preallocated: true}
}

// Bytes returns the contiguous in-use payload.
func (m *MsgBuffer) Bytes() []byte { return m.buf[:m.size] }

// Size is the current logical size in bytes.
func (m *MsgBuffer) Size() int { return m.size }

// Cap is the originally allocated capacity; resize can never exceed it.
func (m *MsgBuffer) Cap() int { return cap(m.buf) }

// Resize sets the buffer's logical size to sz, smaller or larger,
// without reallocating. sz must not exceed the buffer's original
// capacity.
func (m *MsgBuffer) Resize(sz int) error {
	if sz < 0 || sz > cap(m.buf) {
		return ErrInvalidArgument
	}
	m.size = sz
	m.buf = m.buf[:cap(m.buf)] // keep full backing array addressable
	return nil
}

// AllocMsgBuffer allocates a dynamic, user-owned MsgBuffer. Safe to call
// from any goroutine of the owning endpoint's application (the buffer
// itself is not shared state until handed to EnqueueRequest/EnqueueResponse).
func (e *Endpoint) AllocMsgBuffer(sz int) (*MsgBuffer, error) {
	if sz < 0 {
		return nil, ErrInvalidArgument
	}
	return newMsgBuffer(sz), nil
}

// FreeMsgBuffer releases a MsgBuffer. No-op on a nil buffer.
func (e *Endpoint) FreeMsgBuffer(mb *MsgBuffer) {
	_ = mb // nothing pooled today; placeholder for a future size-class pool
}

// ResizeMsgBuffer shrinks buf's logical size to sz.
func (e *Endpoint) ResizeMsgBuffer(buf *MsgBuffer, sz int) error {
	return buf.Resize(sz)
}
