package rpc

// pollDatapathRX drains whatever the transport has queued, demuxes each
// packet to its session by source address, and either advances the
// reassembly state machine (PktReq/PktResp) or applies a flow-control
// signal (PktECR/PktRFR). Packets for a session that can't be found
// (stale retransmit after a reset, or truly foreign traffic) are
// dropped.
func (e *Endpoint) pollDatapathRX(max int) {
	pkts := e.transport.PollRX(e.pool, max)
	for _, pb := range pkts {
		e.handleDatapathPacket(pb)
		e.pool.Free(pb)
	}
}

func (e *Endpoint) handleDatapathPacket(pb *PacketBuf) {
	hdr, err := DecodeHeader(pb.Bytes())
	if err != nil {
		e.logf("recv: dropping malformed packet from %s: %v", pb.From, err)
		return
	}
	s, ok := e.sessions.getByDataAddr(pb.From)
	if !ok {
		return
	}
	payload := pb.Bytes()[HeaderSize:]

	switch hdr.Type {
	case PktReq:
		e.handleReqFragment(s, hdr, payload)
	case PktResp:
		e.handleRespFragment(s, hdr, payload)
	case PktECR:
		e.handleIncomingECR(s, hdr)
	case PktRFR:
		e.handleIncomingRFR(s, hdr)
	default:
		e.logf("recv: session %d: unexpected packet type %s on datapath", s.num, hdr.Type)
	}
}

// handleReqFragment reassembles one fragment of an inbound request on
// the server side of s. A fragment landing on the contiguous cursor
// advances it; one arriving ahead of a gap (a middle fragment dropped,
// later ones delivered in the same credit burst) is buffered out of
// order in asm.received rather than rejected — a dropped fragment is
// ordinary loss on an unreliable-per-queue transport, not a protocol
// violation, and the assembly simply waits for the sender's retransmit
// to fill the hole (spec.md §4.G bitmap reassembly, scenario 3). A
// fragment behind the cursor is a retransmit duplicate, acked again but
// not re-copied.
func (e *Endpoint) handleReqFragment(s *Session, hdr PktHeader, payload []byte) {
	asm, ok := s.reqInFlight[hdr.ReqNum]
	if !ok {
		if hdr.ReqNum < s.serverExpectedReqNum {
			e.sendECR(s, hdr.ReqNum, numPkts(int(hdr.MsgSize), e.transport.MTU()), 0)
			return // duplicate retransmit of an already-completed request
		}
		if hdr.ReqNum > s.serverExpectedReqNum {
			fatalf("session %d: out-of-order request %d, expected %d", s.num, hdr.ReqNum, s.serverExpectedReqNum)
		}
		n := numPkts(int(hdr.MsgSize), e.transport.MTU())
		asm = &reqAssemblyState{
			reqType:  hdr.ReqType,
			msg:      newMsgBuffer(int(hdr.MsgSize)),
			numPkts:  n,
			received: make([]bool, n),
		}
		s.reqInFlight[hdr.ReqNum] = asm
	}
	if int(hdr.PktNum) >= asm.numPkts {
		fatalf("session %d: fragment %d for request %d out of range [0,%d)", s.num, hdr.PktNum, hdr.ReqNum, asm.numPkts)
	}

	mtu := e.transport.MTU()
	idx := int(hdr.PktNum)
	if idx >= asm.expectedPktNum && !asm.received[idx] {
		copy(asm.msg.buf[idx*mtu:], payload)
		asm.received[idx] = true
	}
	for asm.expectedPktNum < asm.numPkts && asm.received[asm.expectedPktNum] {
		asm.expectedPktNum++
	}

	if asm.expectedPktNum < asm.numPkts {
		e.sendECR(s, hdr.ReqNum, asm.expectedPktNum, ackBitmapFrom(asm.received, asm.expectedPktNum))
		return
	}
	delete(s.reqInFlight, hdr.ReqNum)
	s.serverExpectedReqNum = hdr.ReqNum + 1

	respScratch := newScratchMsgBuffer(e.transport.MTU() * kSessionReqWindow)
	if !e.dispatchRequest(s, asm.reqType, hdr.ReqNum, asm.msg, respScratch) {
		e.logf("session %d: no handler registered for request type %d", s.num, asm.reqType)
	}
}

// handleRespFragment reassembles one fragment of an inbound response on
// the client side of s, delivering the continuation once complete. Like
// request reassembly, a fragment ahead of a gap is buffered out of
// order rather than discarded, so the retransmit that eventually fills
// the gap is the only one needed.
func (e *Endpoint) handleRespFragment(s *Session, hdr PktHeader, payload []byte) {
	slot, _, ok := s.slotFor(hdr.ReqNum)
	if !ok {
		return // stale retransmit for an already-completed/failed slot
	}
	if slot.respMsg == nil {
		slot.respMsg = newMsgBuffer(int(hdr.MsgSize))
		slot.respNumPkts = numPkts(int(hdr.MsgSize), e.transport.MTU())
		slot.respReceived = make([]bool, slot.respNumPkts)
	}
	if int(hdr.PktNum) >= slot.respNumPkts {
		fatalf("session %d: response fragment %d for request %d out of range [0,%d)", s.num, hdr.PktNum, hdr.ReqNum, slot.respNumPkts)
	}

	mtu := e.transport.MTU()
	idx := int(hdr.PktNum)
	if idx >= slot.respRecvUpTo && !slot.respReceived[idx] {
		copy(slot.respMsg.buf[idx*mtu:], payload)
		slot.respReceived[idx] = true
		slot.deadline = e.deadlineAfter(rpcRTO)
	}
	for slot.respRecvUpTo < slot.respNumPkts && slot.respReceived[slot.respRecvUpTo] {
		slot.respRecvUpTo++
	}

	if slot.respRecvUpTo >= slot.respNumPkts {
		e.contQueue = append(e.contQueue, pendingCont{cont: slot.cont, resp: slot.respMsg})
		*slot = RequestSlot{idle: true}
		return
	}
	// Pull the next batch once a full credit window has arrived since the
	// last pull, without yet seeing the final fragment.
	if slot.respRecvUpTo-slot.respRfrBaseline >= kSessionCredits {
		e.sendRFR(s, hdr.ReqNum, slot.respRecvUpTo, ackBitmapFrom(slot.respReceived, slot.respRecvUpTo))
		slot.respRfrBaseline = slot.respRecvUpTo
	}
}

// reqAssemblyState tracks an in-progress inbound multi-packet request on
// the server side of a session, keyed by the client-assigned req_num.
// expectedPktNum is the contiguous prefix this reassembly has fully
// received; received records every fragment copied into msg so far,
// including ones that arrived ahead of a still-open gap.
type reqAssemblyState struct {
	reqType        uint8
	msg            *MsgBuffer
	numPkts        int
	expectedPktNum int
	received       []bool
}
