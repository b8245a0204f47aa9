package rpc

import "fmt"

// EnqueueRequest submits req for transmission on sessionNum under
// reqType, invoking cont exactly once when the response arrives (or the
// session fails). Only the creator goroutine may call this. Session
// request slots are a fixed power-of-two ring (kSessionReqWindow) and
// each request takes the slot its req_num maps to; if that slot is
// still occupied this returns ErrWindowFull, even when other slots are
// idle, and the caller should retry after RunEventLoopOnce drains a
// completion.
func (e *Endpoint) EnqueueRequest(sessionNum int, reqType uint8, req *MsgBuffer, cont ContinuationFunc, userCtx any, tag uint64) error {
	s, ok := e.sessions.get(sessionNum)
	if !ok || s.state != StateConnected {
		return ErrSessionNotConnected
	}
	idx := int(s.nextReqNum) % len(s.slots)
	slot := s.slots[idx]
	if !slot.idle {
		return ErrWindowFull
	}

	reqNum := s.nextReqNum
	s.nextReqNum++

	*slot = RequestSlot{
		idle:       false,
		reqNum:     reqNum,
		reqType:    reqType,
		reqMsg:     req,
		reqNumPkts: numPkts(req.Size(), e.transport.MTU()),
		cont:       continuation{fn: cont, userCtx: userCtx, tag: tag},
		deadline:   e.deadlineAfter(rpcRTO),
	}
	e.sendSlotRequestPackets(s, slot)
	if e.metrics != nil {
		e.metrics.requestsIssued.Inc()
	}
	return nil
}

// sendSlotRequestPackets pushes request fragments starting at
// slot.reqSentUpTo, gated so no more than kSessionCredits fragments are
// ever outstanding between slot.reqAckedUpTo and slot.reqSentUpTo
// (credit-window flow control).
func (e *Endpoint) sendSlotRequestPackets(s *Session, slot *RequestSlot) {
	mtu := e.transport.MTU()
	for slot.reqSentUpTo < slot.reqNumPkts && slot.reqSentUpTo-slot.reqAckedUpTo < kSessionCredits {
		e.sendOneFragment(s, PktReq, slot.reqType, slot.reqNum, slot.reqSentUpTo, slot.reqNumPkts, slot.reqMsg, mtu)
		slot.reqSentUpTo++
	}
}

// sendOneFragment copies the i-th MTU-sized fragment of msg into a fresh
// pool packet buffer, stamps the wire header and appends it to txQueue,
// honoring the drop_tx_local fault hook by simply not queueing the
// fragment (the retransmission timer reclaims it exactly like a real
// loss). pb.From carries the destination datapath address the transport
// should route this fragment to; on the receiving end the same field is
// overwritten with the sender's address, since these are symmetric UDP
// peer addresses.
func (e *Endpoint) sendOneFragment(s *Session, typ PktType, reqType uint8, reqNum uint32, pktNum, numPktsTotal int, msg *MsgBuffer, mtu int) {
	if e.shouldDropTxLocal() {
		if e.metrics != nil {
			e.metrics.drops.Inc()
		}
		return
	}
	start := pktNum * mtu
	end := start + mtu
	if end > msg.Size() {
		end = msg.Size()
	}
	payload := msg.Bytes()[start:end]

	pb, err := e.pool.Alloc()
	if err != nil {
		e.logf("session %d: dropping fragment %d/%d, buffer pool exhausted", s.num, pktNum, numPktsTotal)
		if e.metrics != nil {
			e.metrics.drops.Inc()
		}
		return
	}
	hdr := PktHeader{
		Type:    typ,
		ReqType: reqType,
		MsgSize: uint32(msg.Size()),
		PktNum:  uint32(pktNum),
		ReqNum:  reqNum,
	}
	if pktNum == numPktsTotal-1 {
		hdr.Flags |= flagLastPkt
	}
	hdr.Encode(pb.Buf)
	n := copy(pb.Buf[HeaderSize:], payload)
	pb.n = HeaderSize + n
	pb.From = s.remote.DataAddr
	e.txQueue = append(e.txQueue, pb)
}

// sendECR tells the peer it has received ackUpTo fragments of reqNum's
// request so far, letting the peer push further fragments within its
// credit window. ackBitmap additionally reports which fragments beyond
// ackUpTo have already been buffered out of order, so a retransmit can
// skip them.
func (e *Endpoint) sendECR(s *Session, reqNum uint32, ackUpTo int, ackBitmap uint8) {
	pb, err := e.pool.Alloc()
	if err != nil {
		return
	}
	hdr := PktHeader{Type: PktECR, ReqNum: reqNum, PktNum: uint32(ackUpTo), AckBitmap: ackBitmap}
	hdr.Encode(pb.Buf)
	pb.n = HeaderSize
	pb.From = s.remote.DataAddr
	e.txQueue = append(e.txQueue, pb)
}

// sendRFR asks the peer for the next batch of response fragments for
// reqNum beyond recvUpTo, the pull side of response flow control, and
// reports which fragments beyond recvUpTo are already buffered.
func (e *Endpoint) sendRFR(s *Session, reqNum uint32, recvUpTo int, ackBitmap uint8) {
	pb, err := e.pool.Alloc()
	if err != nil {
		return
	}
	hdr := PktHeader{Type: PktRFR, ReqNum: reqNum, PktNum: uint32(recvUpTo), AckBitmap: ackBitmap}
	hdr.Encode(pb.Buf)
	pb.n = HeaderSize
	pb.From = s.remote.DataAddr
	e.txQueue = append(e.txQueue, pb)
}

// handleIncomingECR advances a slot's ack cursor and out-of-order
// bitmap, resets its retransmit deadline (RX progress on the slot), and
// pushes further request fragments the new credit window now permits.
func (e *Endpoint) handleIncomingECR(s *Session, hdr PktHeader) {
	slot, _, ok := s.slotFor(hdr.ReqNum)
	if !ok {
		return
	}
	if int(hdr.PktNum) >= slot.reqAckedUpTo {
		slot.reqAckedUpTo = int(hdr.PktNum)
		slot.reqAckedBitmap = hdr.AckBitmap
		slot.deadline = e.deadlineAfter(rpcRTO)
	}
	e.sendSlotRequestPackets(s, slot)
}

// startResponse sets up a session's respState for a newly completed
// handler response and sends its first credit-permitted batch.
func (e *Endpoint) startResponse(s *Session, reqType uint8, reqNum uint32, msg *MsgBuffer) {
	rs := &respState{
		reqNum:   reqNum,
		msg:      msg,
		numPkts:  numPkts(msg.Size(), e.transport.MTU()),
		deadline: e.deadlineAfter(rpcRTO),
	}
	s.pendingResp[reqNum] = rs
	e.sendRespBatch(s, rs, reqType)
}

// sendRespBatch pushes response fragments starting at rs.sentUpTo,
// gated to keep at most kSessionCredits fragments outstanding between
// rs.ackedUpTo and rs.sentUpTo.
func (e *Endpoint) sendRespBatch(s *Session, rs *respState, reqType uint8) {
	mtu := e.transport.MTU()
	for rs.sentUpTo < rs.numPkts && rs.sentUpTo-rs.ackedUpTo < kSessionCredits {
		e.sendOneFragment(s, PktResp, reqType, rs.reqNum, rs.sentUpTo, rs.numPkts, rs.msg, mtu)
		rs.sentUpTo++
	}
}

// handleIncomingRFR advances a session's outstanding response's ack
// cursor and out-of-order bitmap, resets its retransmit deadline, and
// sends whatever its new credit window now permits.
func (e *Endpoint) handleIncomingRFR(s *Session, hdr PktHeader) {
	rs, ok := s.pendingResp[hdr.ReqNum]
	if !ok {
		return
	}
	if int(hdr.PktNum) >= rs.ackedUpTo {
		rs.ackedUpTo = int(hdr.PktNum)
		rs.ackedBitmap = hdr.AckBitmap
		rs.deadline = e.deadlineAfter(rpcRTO)
	}
	e.sendRespBatch(s, rs, 0)
	if rs.sentUpTo >= rs.numPkts && rs.ackedUpTo >= rs.numPkts {
		delete(s.pendingResp, hdr.ReqNum)
	}
}

// advanceRetransmitTimers resends any request/response fragment whose
// RTO has elapsed without an ack. No exponential backoff: the timeout
// is fixed, per spec.md §4.F. Retransmission is selective: only
// fragments the peer's last ECR/RFR bitmap did not already report as
// received get resent, not the whole tail from the acked cursor
// (scenario 3: a single dropped middle fragment retransmits alone).
func (e *Endpoint) advanceRetransmitTimers() {
	now := e.now()
	for _, s := range e.sessions.entries {
		if s.state != StateConnected {
			continue
		}
		for _, slot := range s.slots {
			if slot.idle || slot.reqSentUpTo <= slot.reqAckedUpTo || !now.After(slot.deadline) {
				continue
			}
			e.retransmitSlotRequests(s, slot)
			slot.deadline = e.deadlineAfter(rpcRTO)
		}
		for _, rs := range s.pendingResp {
			if rs.sentUpTo <= rs.ackedUpTo || !now.After(rs.deadline) {
				continue
			}
			e.retransmitRespFragments(s, rs)
			rs.deadline = e.deadlineAfter(rpcRTO)
		}
	}
}

// retransmitSlotRequests resends the request fragments in
// [slot.reqAckedUpTo, slot.reqSentUpTo) that slot.reqAckedBitmap does
// not already report as buffered on the peer.
func (e *Endpoint) retransmitSlotRequests(s *Session, slot *RequestSlot) {
	mtu := e.transport.MTU()
	for i := slot.reqAckedUpTo; i < slot.reqSentUpTo; i++ {
		if bit := i - slot.reqAckedUpTo; bit < 8 && slot.reqAckedBitmap&(1<<uint(bit)) != 0 {
			continue // peer already has this fragment out of order
		}
		if e.metrics != nil {
			e.metrics.retransmits.Inc()
		}
		e.sendOneFragment(s, PktReq, slot.reqType, slot.reqNum, i, slot.reqNumPkts, slot.reqMsg, mtu)
	}
}

// retransmitRespFragments resends the response fragments in
// [rs.ackedUpTo, rs.sentUpTo) that rs.ackedBitmap does not already
// report as buffered on the peer.
func (e *Endpoint) retransmitRespFragments(s *Session, rs *respState) {
	mtu := e.transport.MTU()
	for i := rs.ackedUpTo; i < rs.sentUpTo; i++ {
		if bit := i - rs.ackedUpTo; bit < 8 && rs.ackedBitmap&(1<<uint(bit)) != 0 {
			continue
		}
		if e.metrics != nil {
			e.metrics.retransmits.Inc()
		}
		e.sendOneFragment(s, PktResp, 0, rs.reqNum, i, rs.numPkts, rs.msg, mtu)
	}
}

// flushTX drains the endpoint's pending TX queue to the transport,
// retrying on ErrWouldBlock on a later pass rather than blocking.
func (e *Endpoint) flushTX() error {
	if len(e.txQueue) == 0 {
		return nil
	}
	if err := e.transport.PostTX(e.txQueue); err != nil {
		if err == ErrWouldBlock {
			return nil
		}
		return fmt.Errorf("rpc: posting TX batch: %w", err)
	}
	for _, pb := range e.txQueue {
		e.pool.Free(pb)
	}
	e.txQueue = e.txQueue[:0]
	return e.transport.TXFlush()
}
