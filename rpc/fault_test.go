//go:build nanorpc_faultinject

package rpc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFaultDropTxLocalRecoversViaRetransmit(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	if err := epA.FaultDropTxLocal(sessionNum, 1); err != nil {
		t.Fatalf("arm fault: %v", err)
	}

	req, _ := epA.AllocMsgBuffer(4)
	copy(req.Bytes(), "ping")

	var got *MsgBuffer
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *MsgBuffer) {
		got = resp
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}

	ok := runUntil(5000, []*Endpoint{epA, epB}, func() bool { return got != nil })
	if !ok {
		t.Fatalf("response never arrived despite retransmission")
	}
	if string(got.Bytes()) != "ping" {
		t.Fatalf("got %q, want %q", got.Bytes(), "ping")
	}
}

// TestFaultDropTxLocalRetransmitsOnlyMissingFragment drives spec.md
// §4.F scenario 3 literally: a multi-packet request, one middle
// fragment dropped, later fragments of the same credit burst arriving
// at the server first. It must not panic on the resulting gap (the bug
// at recv.go's old fatalf-on-out-of-order-fragment), and the RTO
// retransmit must resend exactly the missing fragment, not the whole
// tail from the ack cursor.
func TestFaultDropTxLocalRetransmitsOnlyMissingFragment(t *testing.T) {
	const mtu = 128
	ltA, ltB := newLoopbackPair(mtu)

	regA := NewRegistry()
	regB := NewRegistry()
	if err := regB.Register(reqTypeEcho, echoHandler(Foreground), Foreground); err != nil {
		t.Fatalf("registering echo handler: %v", err)
	}

	promReg := prometheus.NewRegistry()
	epA, err := NewEndpoint("127.0.0.1:0", 0, regA, ltA, WithMetrics(promReg))
	if err != nil {
		t.Fatalf("new endpoint A: %v", err)
	}
	epB, err := NewEndpoint("127.0.0.1:0", 0, regB, ltB)
	if err != nil {
		t.Fatalf("new endpoint B: %v", err)
	}
	t.Cleanup(func() { epA.Close(); epB.Close() })

	bAddr := epB.sm.conn.LocalAddr().String()
	sessionNum, err := epA.CreateSession(bAddr, 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	ok := runUntil(2000, []*Endpoint{epA, epB}, func() bool {
		return epA.SessionState(sessionNum) == StateConnected
	})
	if !ok {
		t.Fatalf("session never connected")
	}

	// countdown=3 drops this endpoint's 3rd locally-originated datapath
	// TX, i.e. pkt_num=2 of the request below (the handshake ran over
	// the SM side channel and doesn't count). Sized to 5 fragments so
	// pkt_num=2 is a middle fragment: 3 and 4 reach the server ahead of
	// it in the same credit burst.
	if err := epA.FaultDropTxLocal(sessionNum, 3); err != nil {
		t.Fatalf("arm fault: %v", err)
	}

	payload := make([]byte, mtu*4+10) // 5 fragments
	for i := range payload {
		payload[i] = byte(i)
	}
	req, _ := epA.AllocMsgBuffer(len(payload))
	copy(req.Bytes(), payload)

	var got *MsgBuffer
	err = epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *MsgBuffer) {
		got = resp
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}

	ok = runUntil(5000, []*Endpoint{epA, epB}, func() bool { return got != nil })
	if !ok {
		t.Fatalf("response never arrived despite retransmission")
	}
	if got.Size() != len(payload) {
		t.Fatalf("got size %d, want %d", got.Size(), len(payload))
	}
	for i, b := range got.Bytes() {
		if b != payload[i] {
			t.Fatalf("byte %d: got %d, want %d", i, b, payload[i])
		}
	}
	if n := testutil.ToFloat64(epA.metrics.retransmits); n != 1 {
		t.Fatalf("got %v request-fragment retransmits, want exactly 1 (only pkt_num=2)", n)
	}
}

func TestFaultDropTxLocalRejectedFromCallback(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	req, _ := epA.AllocMsgBuffer(1)
	var innerErr error
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(any, uint64, *MsgBuffer) {
		innerErr = epA.FaultDropTxLocal(sessionNum, 1)
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}
	runUntil(1000, []*Endpoint{epA, epB}, func() bool { return innerErr != nil })
	if innerErr != ErrPermission {
		t.Fatalf("got %v, want ErrPermission", innerErr)
	}
}

func TestFaultResetPeerTransitionsPeerToError(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	if err := epA.FaultResetPeer(sessionNum); err != nil {
		t.Fatalf("fault reset peer: %v", err)
	}

	ok := runUntil(2000, []*Endpoint{epA, epB}, func() bool {
		sB, found := epB.sessions.get(sessionNum)
		return found && sB.state == StateError
	})
	if !ok {
		t.Fatalf("peer session never transitioned to StateError")
	}
}
