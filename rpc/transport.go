package rpc

// Transport is the external collaborator that posts and polls opaque
// packet buffers. It is deliberately thin: no reliability, ordering, or
// retransmission guarantee is assumed of it — those are provided by the
// send/receive engines on top. A concrete implementation (e.g. a
// kernel-bypass NIC driver, or the reference UDP transport in
// transport/udptransport) owns the actual link-layer I/O, which is out
// of scope for this package per spec.md §1.
type Transport interface {
	// MTU is the maximum payload size of one packet buffer; a packet
	// on the wire is at most MTU()+HeaderSize bytes.
	MTU() int
	// MaxInline is the largest payload the transport can send without a
	// registered-memory round trip (advisory; the reference transport
	// reports MTU since UDP datagrams have no such distinction).
	MaxInline() int
	// UnsigBatch is the batch size above which the transport expects a
	// completion signal request (advisory, mirrors RDMA's unsignaled
	// send batching; the reference transport ignores it).
	UnsigBatch() int

	// PostTX submits pkts for transmission. It is non-blocking: if the
	// transport cannot accept them right now it returns ErrWouldBlock
	// and the caller should retry the batch on a later event-loop pass.
	// Packets ahead of the one that blocked may already have been sent,
	// so such a retry can send them twice. Buffers are sent in order;
	// PostTX does not take ownership of pkts beyond the call.
	PostTX(pkts []*PacketBuf) error

	// PollRX returns up to max received packet buffers, allocating them
	// from pool. Returns an empty slice if nothing is available; never
	// blocks.
	PollRX(pool *BufferPool, max int) []*PacketBuf

	// TXFlush notifies the transport that no more packets are coming in
	// this batch and any buffering should be flushed now.
	TXFlush() error
}
