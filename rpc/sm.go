package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"time"
)

// smPktType enumerates the SM control-plane packet kinds (spec.md §4.E).
type smPktType uint8

const (
	smConnectReq         smPktType = 1
	smConnectResp        smPktType = 2
	smDisconnectReq      smPktType = 3
	smDisconnectResp     smPktType = 4
	smFaultResetPeerReq  smPktType = 5
	smFaultDropTxRemote  smPktType = 6
)

// smRecord is the length-prefixed record carried over the SM side
// channel. Encoded with encoding/gob, the same "frame each field with a
// general-purpose codec" approach the jhjgithub-rpc reference codec uses
// for its own RPC header/body framing — SM traffic is cold-path control
// plane, so gob's reflection cost is irrelevant next to what it buys in
// code size.
type smRecord struct {
	Type smPktType

	SrcHostname string
	SrcRPCID    uint8
	DstRPCID    uint8

	DstSessionNum int32 // -1 if unknown to the sender
	SrcSessionNum int32

	ReqNum uint32
	// Generation is the sender's own generation on a connect handshake
	// (establishing the baseline the peer should remember), or the
	// generation the sender believes the addressed DstSessionNum is
	// currently on for any message that names a peer session by number
	// (so the receiver can detect and reject a stale reference to a
	// since-reused session slot).
	Generation uint32

	OK       bool
	DataAddr string // routing info: sender's datapath transport address
	DropN    int    // payload for kFaultDropTxRemote
}

// smManager owns the SM side-channel socket and the SM request/response
// bookkeeping (sm_req_num issuance, retransmit deadlines, duplicate
// suppression).
type smManager struct {
	ep   *Endpoint
	conn net.PacketConn

	lastSeenReqNum map[string]uint32 // peer key -> last processed sm_req_num
	lastResp       map[string]smRecord
}

func newSMManager(e *Endpoint) (*smManager, error) {
	addr, err := smAddr(e.name, e.rpcID)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &smManager{
		ep:             e,
		conn:           conn,
		lastSeenReqNum: make(map[string]uint32),
		lastResp:       make(map[string]smRecord),
	}, nil
}

func (m *smManager) close() error { return m.conn.Close() }

func encodeSMRecord(rec smRecord) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(rec); err != nil {
		return nil, err
	}
	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

func decodeSMRecord(buf []byte) (smRecord, error) {
	if len(buf) < 4 {
		return smRecord{}, errors.New("rpc: short SM record")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if int(n) > len(buf)-4 {
		return smRecord{}, errors.New("rpc: truncated SM record")
	}
	var rec smRecord
	if err := gob.NewDecoder(bytes.NewReader(buf[4 : 4+n])).Decode(&rec); err != nil {
		return smRecord{}, err
	}
	return rec, nil
}

func (m *smManager) send(to string, rec smRecord) error {
	buf, err := encodeSMRecord(rec)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", to)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", to, err)
	}
	_, err = m.conn.WriteTo(buf, addr)
	return err
}

// sendConnectReq (re)sends the connect handshake for s, carrying
// s.smReqNumOut — allocated once when the handshake started — so that a
// retry from advanceTimers is a genuine duplicate the peer's
// lastSeenReqNum dedup will recognize, rather than a distinct request
// that allocates a second server-side session.
func (m *smManager) sendConnectReq(s *Session, smHostAddr string) error {
	dataAddr := m.ep.transport.(interface{ LocalAddr() string })
	rec := smRecord{
		Type:          smConnectReq,
		SrcHostname:   m.ep.name,
		SrcRPCID:      m.ep.rpcID,
		DstRPCID:      s.remote.RPCID,
		SrcSessionNum: int32(s.num),
		DstSessionNum: -1,
		ReqNum:        s.smReqNumOut,
		Generation:    s.generation.Load(),
		DataAddr:      dataAddr.LocalAddr(),
	}
	return m.send(smHostAddr, rec)
}

// sendDisconnectReq (re)sends the disconnect handshake for s, carrying
// s.smReqNumOut for the same retry-is-a-duplicate reason as
// sendConnectReq.
func (m *smManager) sendDisconnectReq(s *Session) error {
	addr, err := smAddr(s.remote.Hostname, s.remote.RPCID)
	if err != nil {
		return err
	}
	rec := smRecord{
		Type:          smDisconnectReq,
		SrcHostname:   m.ep.name,
		SrcRPCID:      m.ep.rpcID,
		DstRPCID:      s.remote.RPCID,
		SrcSessionNum: int32(s.num),
		DstSessionNum: int32(s.remoteNum),
		ReqNum:        s.smReqNumOut,
		Generation:    s.remoteGeneration,
	}
	return m.send(addr, rec)
}

// sendFaultResetPeer sends kFaultResetPeerReq to a session's peer,
// instructing it to transition that session to StateError. Used by
// fault injection (rpc/fault.go). Generation names the incarnation of
// the peer's session this endpoint believes it is addressing, so a
// stale message about a since-reused session number is rejected rather
// than resetting the wrong session (see handleFaultResetPeer).
func (m *smManager) sendFaultResetPeer(s *Session) error {
	addr, err := smAddr(s.remote.Hostname, s.remote.RPCID)
	if err != nil {
		return err
	}
	rec := smRecord{
		Type:          smFaultResetPeerReq,
		SrcHostname:   m.ep.name,
		SrcRPCID:      m.ep.rpcID,
		DstRPCID:      s.remote.RPCID,
		SrcSessionNum: int32(s.num),
		DstSessionNum: int32(s.remoteNum),
		ReqNum:        s.smReqNum.Add(1),
		Generation:    s.remoteGeneration,
	}
	return m.send(addr, rec)
}

func (m *smManager) sendFaultDropTxRemote(s *Session, n int) error {
	addr, err := smAddr(s.remote.Hostname, s.remote.RPCID)
	if err != nil {
		return err
	}
	rec := smRecord{
		Type:          smFaultDropTxRemote,
		SrcHostname:   m.ep.name,
		SrcRPCID:      m.ep.rpcID,
		DstRPCID:      s.remote.RPCID,
		SrcSessionNum: int32(s.num),
		DstSessionNum: int32(s.remoteNum),
		ReqNum:        s.smReqNum.Add(1),
		Generation:    s.remoteGeneration,
		DropN:         n,
	}
	return m.send(addr, rec)
}

// poll drains all SM datagrams currently queued on the socket,
// non-blocking: it sets a near-zero read deadline and treats a timeout
// as "nothing available", the same polling idiom the reference
// transport uses for its own non-blocking receive.
func (m *smManager) poll() {
	buf := make([]byte, 4096)
	for {
		_ = m.conn.SetReadDeadline(time.Now())
		n, from, err := m.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		rec, err := decodeSMRecord(buf[:n])
		if err != nil {
			m.ep.logf("sm: dropping malformed record from %s: %v", from, err)
			continue
		}
		m.handle(rec, from.String())
	}
}

func (m *smManager) peerKey(rec smRecord) string {
	return fmt.Sprintf("%s:%d:%d", rec.SrcHostname, rec.SrcRPCID, rec.SrcSessionNum)
}

func (m *smManager) handle(rec smRecord, fromAddr string) {
	switch rec.Type {
	case smConnectReq:
		m.handleConnectReq(rec, fromAddr)
	case smConnectResp:
		m.handleConnectResp(rec)
	case smDisconnectReq:
		m.handleDisconnectReq(rec, fromAddr)
	case smDisconnectResp:
		m.handleDisconnectResp(rec)
	case smFaultResetPeerReq:
		m.handleFaultResetPeer(rec)
	case smFaultDropTxRemote:
		m.handleFaultDropTxRemote(rec)
	default:
		m.ep.logf("sm: unknown record type %d", rec.Type)
	}
}

func (m *smManager) handleConnectReq(rec smRecord, fromAddr string) {
	key := m.peerKey(rec)
	// Idempotent: a second kConnectReq for an already-connected session
	// returns the same kConnectResp without creating a new session.
	if last, ok := m.lastResp[key]; ok && rec.ReqNum <= m.lastSeenReqNum[key] {
		_ = m.send(fromAddr, last)
		return
	}

	e := m.ep
	s := e.sessions.alloc()
	s.role = RoleServer
	s.state = StateConnected
	s.remote = RemoteInfo{Hostname: rec.SrcHostname, RPCID: rec.SrcRPCID, DataAddr: rec.DataAddr}
	s.remoteNum = int(rec.SrcSessionNum)
	s.remoteGeneration = rec.Generation
	s.slots = newSlots(kSessionReqWindow)
	s.pendingResp = make(map[uint32]*respState)
	s.reqInFlight = make(map[uint32]*reqAssemblyState)
	e.sessions.byRemoteKey[remoteKey(rec.SrcHostname, rec.SrcRPCID, rec.DataAddr)] = s.num
	e.sessions.byDataAddr[rec.DataAddr] = s.num

	dataAddr := e.transport.(interface{ LocalAddr() string }).LocalAddr()
	if e.fault.resolveServerRinfoCorrupt {
		dataAddr = "0.0.0.0:1"
		e.fault.resolveServerRinfoCorrupt = false
	}
	resp := smRecord{
		Type:          smConnectResp,
		SrcHostname:   e.name,
		SrcRPCID:      e.rpcID,
		DstRPCID:      rec.SrcRPCID,
		SrcSessionNum: int32(s.num),
		DstSessionNum: rec.SrcSessionNum,
		ReqNum:        rec.ReqNum,
		Generation:    s.generation.Load(),
		OK:            true,
		DataAddr:      dataAddr,
	}
	m.lastSeenReqNum[key] = rec.ReqNum
	m.lastResp[key] = resp
	if e.metrics != nil {
		e.metrics.sessionsCreated.Inc()
	}
	if err := m.send(fromAddr, resp); err != nil {
		e.logf("sm: replying to connect request: %v", err)
	}
}

func (m *smManager) handleConnectResp(rec smRecord) {
	e := m.ep
	s, ok := e.sessions.get(int(rec.DstSessionNum))
	if !ok || s.state != StateConnectInProgress {
		return // late or duplicate response to an already-resolved session
	}
	if !rec.OK {
		s.state = StateError
		e.logf("session %d: connect rejected by peer", s.num)
		return
	}
	s.remoteNum = int(rec.SrcSessionNum)
	s.remoteGeneration = rec.Generation
	s.remote.DataAddr = rec.DataAddr
	s.state = StateConnected
	e.sessions.byRemoteKey[remoteKey(s.remote.Hostname, s.remote.RPCID, s.remote.DataAddr)] = s.num
	e.sessions.byDataAddr[s.remote.DataAddr] = s.num
	e.logf("session %d: connected (remote session %d)", s.num, s.remoteNum)
}

func (m *smManager) handleDisconnectReq(rec smRecord, fromAddr string) {
	e := m.ep
	s, ok := e.sessions.get(int(rec.DstSessionNum))
	if !ok || s.generation.Load() != rec.Generation {
		return
	}
	resp := smRecord{
		Type:          smDisconnectResp,
		SrcHostname:   e.name,
		SrcRPCID:      e.rpcID,
		SrcSessionNum: rec.DstSessionNum,
		DstSessionNum: rec.SrcSessionNum,
		ReqNum:        rec.ReqNum,
	}
	_ = m.send(fromAddr, resp)
	if s.state != StateReset {
		e.resetSession(s)
	}
}

func (m *smManager) handleDisconnectResp(rec smRecord) {
	e := m.ep
	s, ok := e.sessions.get(int(rec.DstSessionNum))
	if !ok || s.state != StateDisconnectInProgress {
		return
	}
	e.resetSession(s)
}

func (m *smManager) handleFaultResetPeer(rec smRecord) {
	e := m.ep
	s, ok := e.sessions.get(int(rec.DstSessionNum))
	if !ok || s.generation.Load() != rec.Generation {
		// Either unknown or a stale incarnation of a reused session
		// number — reject it rather than resetting the wrong session
		// (spec.md §9 open question).
		return
	}
	if s.state == StateConnected || s.state == StateConnectInProgress {
		s.state = StateError
		for _, slot := range s.slots {
			if !slot.idle {
				e.failSlot(s, slot)
			}
		}
		e.logf("session %d: reset by peer fault injection", s.num)
	}
}

func (m *smManager) handleFaultDropTxRemote(rec smRecord) {
	e := m.ep
	s, ok := e.sessions.get(int(rec.DstSessionNum))
	if !ok || s.generation.Load() != rec.Generation {
		// Unknown, or a stale incarnation of a reused session number —
		// reject it the same way handleFaultResetPeer does (spec.md §9
		// open question).
		return
	}
	e.fault.dropTxLocalCountdown = int32(rec.DropN)
}

// advanceTimers retries outstanding connect/disconnect handshakes and
// gives up after kSmMaxRetries: a connecting session transitions to
// error, a disconnecting one is reset.
func (m *smManager) advanceTimers(now time.Time) {
	for _, s := range m.ep.sessions.entries {
		if s.state != StateConnectInProgress && s.state != StateDisconnectInProgress {
			continue
		}
		if now.Before(s.smDeadline) {
			continue
		}
		s.smRetries++
		if s.smRetries > kSmMaxRetries {
			if s.state == StateConnectInProgress {
				s.state = StateError
				m.ep.logf("session %d: connect timed out after %d retries", s.num, kSmMaxRetries)
			} else {
				m.ep.resetSession(s)
			}
			continue
		}
		m.ep.logf("session %d: SM retry %d/%d", s.num, s.smRetries, kSmMaxRetries)
		var err error
		if s.state == StateConnectInProgress {
			addr, aerr := smAddr(s.remote.Hostname, s.remote.RPCID)
			if aerr == nil {
				err = m.sendConnectReq(s, addr)
			} else {
				err = aerr
			}
		} else {
			err = m.sendDisconnectReq(s)
		}
		if err != nil {
			m.ep.logf("sm: retry send failed: %v", err)
		}
		s.smDeadline = now.Add(smTimeout)
	}
}
