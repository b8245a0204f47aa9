package rpc

import "testing"

func TestSMRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := smRecord{
		Type:          smConnectReq,
		SrcHostname:   "host-a",
		SrcRPCID:      3,
		DstRPCID:      4,
		SrcSessionNum: 1,
		DstSessionNum: -1,
		ReqNum:        7,
		Generation:    2,
		OK:            true,
		DataAddr:      "127.0.0.1:9000",
		DropN:         5,
	}
	buf, err := encodeSMRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSMRecord(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestDecodeSMRecordRejectsShortBuffer(t *testing.T) {
	if _, err := decodeSMRecord([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on short buffer")
	}
}

func TestDecodeSMRecordRejectsTruncatedBody(t *testing.T) {
	buf := []byte{0, 0, 0, 100} // claims 100 bytes of body, has none
	if _, err := decodeSMRecord(buf); err == nil {
		t.Fatalf("expected error on truncated body")
	}
}

// TestConnectIsIdempotentUnderDuplicateSMRequest verifies that replaying
// a connect request (same req_num, as a real retransmit would) does not
// create a second server-side session, and instead resends the cached
// response.
func TestConnectIsIdempotentUnderDuplicateSMRequest(t *testing.T) {
	_, epB, _ := newConnectedPair(t, 1400, Foreground)

	before := len(epB.sessions.entries)

	sB, ok := epB.sessions.get(0)
	if !ok {
		t.Fatalf("expected server session 0 to exist")
	}
	key := epB.sm.peerKey(smRecord{SrcHostname: sB.remote.Hostname, SrcRPCID: sB.remote.RPCID, SrcSessionNum: int32(sB.remoteNum)})
	lastReqNum, ok := epB.sm.lastSeenReqNum[key]
	if !ok {
		t.Fatalf("expected a cached req_num for %s", key)
	}

	rec := smRecord{
		Type:          smConnectReq,
		SrcHostname:   sB.remote.Hostname,
		SrcRPCID:      sB.remote.RPCID,
		DstRPCID:      epB.rpcID,
		SrcSessionNum: int32(sB.remoteNum),
		DstSessionNum: -1,
		ReqNum:        lastReqNum,
		Generation:    0,
		DataAddr:      sB.remote.DataAddr,
	}
	epB.sm.handleConnectReq(rec, sB.remote.DataAddr)

	if len(epB.sessions.entries) != before {
		t.Fatalf("duplicate connect request created a new session: got %d entries, want %d", len(epB.sessions.entries), before)
	}
}
