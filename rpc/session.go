package rpc

import (
	"fmt"
	"math/bits"
	"time"

	"code.hybscloud.com/atomix"
)

// SessionState is a node in the session state machine (spec.md §4.D).
type SessionState int

const (
	StateReset SessionState = iota
	StateConnectInProgress
	StateConnected
	StateDisconnectInProgress
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateConnectInProgress:
		return "connect_in_progress"
	case StateConnected:
		return "connected"
	case StateDisconnectInProgress:
		return "disconnect_in_progress"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionRole distinguishes which side of a session an endpoint plays.
type SessionRole int

const (
	RoleClient SessionRole = iota
	RoleServer
)

// RemoteInfo is the remote endpoint descriptor learned (and, for the
// client, partly guessed) during session creation/connect.
type RemoteInfo struct {
	Hostname string
	RPCID    uint8
	// DataAddr is the remote endpoint's datapath transport address,
	// exchanged during the SM connect handshake. Until connected, the
	// client does not know it.
	DataAddr string
}

// continuation is the client-side completion callback, modeled as a
// (function pointer, weak context pointer, tag) triple rather than a
// closure so a slot never holds a reference cycle back through user
// state (per spec.md §9's re-architecture guidance).
type continuation struct {
	fn      ContinuationFunc
	userCtx any
	tag     uint64
}

// ContinuationFunc is invoked exactly once per EnqueueRequest, either
// with a successful response (resp.Size() > 0) or a failure signal
// (resp.Size() == 0) if the session transitioned to error first.
type ContinuationFunc func(userCtx any, tag uint64, resp *MsgBuffer)

// respState tracks an in-flight, possibly multi-packet server response
// that hasn't finished transmitting, the same cursor model as a client
// RequestSlot's TX bookkeeping: sentUpTo fragments have been
// transmitted, ackedUpTo of those are confirmed (by an inbound RFR) as
// received, at most kSessionCredits fragments may be outstanding
// between the two cursors, and ackedBitmap narrows a retransmit down to
// only the fragments actually still missing.
type respState struct {
	reqNum  uint32
	msg     *MsgBuffer
	numPkts int

	sentUpTo  int
	ackedUpTo int
	// ackedBitmap reports, relative to ackedUpTo, which further fragments
	// the client's last RFR already had buffered out of order, so a
	// retransmit skips those instead of resending the whole tail
	// (spec.md §4.F: "resends only packets the receiver has not
	// acknowledged").
	ackedBitmap uint8

	deadline time.Time
}

// RequestSlot is one element of a session's fixed-size request window.
// Invariant: a slot is either idle or holds exactly one in-flight
// request.
type RequestSlot struct {
	idle bool

	reqNum  uint32 // strictly increasing per slot
	reqType uint8

	reqMsg       *MsgBuffer
	reqNumPkts   int
	reqSentUpTo  int // fragments transmitted so far
	reqAckedUpTo int // peer's cumulative ack cursor, from inbound ECR
	// reqAckedBitmap reports, relative to reqAckedUpTo, which further
	// fragments the peer's last ECR already had buffered out of order —
	// a retransmit skips those (spec.md §4.F ack bitmap).
	reqAckedBitmap uint8

	respMsg         *MsgBuffer
	respNumPkts     int // 0 until learned from the first inbound response fragment
	respRecvUpTo    int // contiguous prefix of the response received so far
	respReceived    []bool
	respRfrBaseline int // respRecvUpTo at the last RFR sent, so we pull again only once another full credit window has arrived

	cont continuation

	deadline time.Time
}

// Session is a bidirectional logical channel between two endpoints.
type Session struct {
	num        int
	generation atomix.Uint32

	role  SessionRole
	state SessionState

	localNum  int
	remoteNum int
	// remoteGeneration is the peer's generation for its side of this
	// session, learned during the connect handshake. Outbound messages
	// that name the peer's session by number (fault reset, disconnect,
	// drop_tx_remote) carry this so the peer can reject a message aimed
	// at a since-reused incarnation of that session number.
	remoteGeneration uint32

	remote RemoteInfo

	slots      []*RequestSlot
	nextReqNum uint32 // client-side: next request slot's sequence number

	// serverExpectedReqNum dedupes/orders inbound requests on the
	// server side of a session the way a client's RequestSlot.reqNum
	// does for responses (spec.md §4.G: "per-slot sequence numbers gate
	// delivery"; a server has no client-assigned slot, so it tracks one
	// counter per session instead).
	serverExpectedReqNum uint32
	pendingResp          map[uint32]*respState
	reqInFlight          map[uint32]*reqAssemblyState

	smReqNum atomix.Uint32 // monotonic sm_req_num generator for this (src,dst) pair
	// smReqNumOut is the sm_req_num assigned to the currently outstanding
	// connect/disconnect handshake. It is allocated once, when the
	// handshake is first sent, and every retry in advanceTimers reuses
	// this same value rather than drawing a new one from smReqNum — a
	// retransmission must carry the request's original sm_req_num or the
	// peer's duplicate-suppression (keyed on sm_req_num) never fires.
	smReqNumOut uint32
	smRetries   int
	smDeadline  time.Time
}

func (s *Session) slotFor(reqNum uint32) (*RequestSlot, int, bool) {
	idx := int(reqNum) % len(s.slots)
	slot := s.slots[idx]
	if !slot.idle && slot.reqNum == reqNum {
		return slot, idx, true
	}
	return nil, -1, false
}

// sessionTable is a dense array indexed by local_session_num, with freed
// entries reused and protected by a generation counter.
type sessionTable struct {
	entries     []*Session
	freeList    []int
	byRemoteKey map[string]int // "hostname:rpcID:dataAddr" -> local session num
	byDataAddr  map[string]int // peer datapath transport address -> local session num
}

func (t *sessionTable) init() {
	t.byRemoteKey = make(map[string]int)
	t.byDataAddr = make(map[string]int)
}

func (t *sessionTable) getByDataAddr(addr string) (*Session, bool) {
	num, ok := t.byDataAddr[addr]
	if !ok {
		return nil, false
	}
	return t.entries[num], true
}

func (t *sessionTable) alloc() *Session {
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		s := t.entries[idx]
		s.generation.Add(1)
		return s
	}
	s := &Session{num: len(t.entries)}
	s.localNum = s.num
	t.entries = append(t.entries, s)
	return s
}

func (t *sessionTable) free(s *Session) {
	t.freeList = append(t.freeList, s.num)
}

func (t *sessionTable) get(num int) (*Session, bool) {
	if num < 0 || num >= len(t.entries) {
		return nil, false
	}
	return t.entries[num], true
}

func remoteKey(hostname string, rpcID uint8, dataAddr string) string {
	return fmt.Sprintf("%s:%d:%s", hostname, rpcID, dataAddr)
}

// newSlots builds the session's fixed-size, power-of-two request window.
func newSlots(window int) []*RequestSlot {
	slots := make([]*RequestSlot, window)
	for i := range slots {
		slots[i] = &RequestSlot{idle: true}
	}
	return slots
}

func isPow2(n int) bool { return n > 0 && bits.OnesCount(uint(n)) == 1 }

// CreateSession creates a new session to (remoteHostname, remoteRPCID).
// Only the creator goroutine may call this, and only outside of a
// continuation or request handler callback.
func (e *Endpoint) CreateSession(remoteHostname string, remoteRPCID uint8) (int, error) {
	if e.inCallback {
		return 0, ErrPermission
	}
	if !isPow2(kSessionReqWindow) {
		fatalf("session request window %d is not a power of two", kSessionReqWindow)
	}
	smHostAddr, err := smAddr(remoteHostname, remoteRPCID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s := e.sessions.alloc()
	s.role = RoleClient
	s.state = StateConnectInProgress
	s.remote = RemoteInfo{Hostname: remoteHostname, RPCID: remoteRPCID}
	s.slots = newSlots(kSessionReqWindow)
	s.pendingResp = make(map[uint32]*respState)
	s.reqInFlight = make(map[uint32]*reqAssemblyState)
	s.remoteNum = -1
	s.remoteGeneration = 0
	s.smRetries = 0
	s.smReqNumOut = s.smReqNum.Add(1)

	if e.metrics != nil {
		e.metrics.sessionsCreated.Inc()
	}

	if err := e.sm.sendConnectReq(s, smHostAddr); err != nil {
		e.sessions.free(s)
		return 0, fmt.Errorf("rpc: sending SM connect request: %w", err)
	}
	s.smDeadline = e.deadlineAfter(smTimeout)
	e.logf("session %d: connecting to %s/%d", s.num, remoteHostname, remoteRPCID)
	return s.num, nil
}

// DestroySession tears a connected session down. Only the creator
// goroutine may call this, and only outside of a callback.
func (e *Endpoint) DestroySession(sessionNum int) error {
	if e.inCallback {
		return ErrPermission
	}
	s, ok := e.sessions.get(sessionNum)
	if !ok || s.state == StateReset {
		return ErrInvalidSession
	}
	switch s.state {
	case StateConnected:
		s.state = StateDisconnectInProgress
		s.smReqNumOut = s.smReqNum.Add(1)
		if err := e.sm.sendDisconnectReq(s); err != nil {
			return fmt.Errorf("rpc: sending SM disconnect request: %w", err)
		}
		s.smDeadline = e.deadlineAfter(smTimeout)
		return nil
	case StateError, StateDisconnectInProgress:
		e.resetSession(s)
		return nil
	default:
		return ErrInvalidSession
	}
}

// resetSession drains all in-flight slots with a failure continuation
// and returns the session to the free pool.
func (e *Endpoint) resetSession(s *Session) {
	for _, slot := range s.slots {
		if !slot.idle {
			e.failSlot(s, slot)
		}
	}
	delete(e.sessions.byRemoteKey, remoteKey(s.remote.Hostname, s.remote.RPCID, s.remote.DataAddr))
	delete(e.sessions.byDataAddr, s.remote.DataAddr)
	s.state = StateReset
	s.pendingResp = nil
	s.reqInFlight = nil
	e.sessions.free(s)
}

// SessionState reports a session's current state.
func (e *Endpoint) SessionState(sessionNum int) SessionState {
	s, ok := e.sessions.get(sessionNum)
	if !ok {
		return StateReset
	}
	return s.state
}

// failSlot fires a slot's continuation with an empty response, the
// documented continuation-with-failure signal, then frees the slot.
func (e *Endpoint) failSlot(s *Session, slot *RequestSlot) {
	e.contQueue = append(e.contQueue, pendingCont{
		cont: slot.cont,
		resp: newMsgBuffer(0),
	})
	*slot = RequestSlot{idle: true}
}

func (e *Endpoint) deadlineAfter(d time.Duration) time.Time {
	return e.now().Add(d)
}
