package rpc

import (
	"sync"
	"testing"
	"time"
)

const reqTypeEcho uint8 = 7

func echoHandler(mode HandlerMode) RequestHandlerFunc {
	return func(h *RequestHandle) {
		resp, err := h.AllocMsgBuffer(h.ReqMsgBuf.Size())
		if err != nil {
			panic(err)
		}
		copy(resp.Bytes(), h.ReqMsgBuf.Bytes())
		if err := h.EnqueueResponse(resp); err != nil {
			panic(err)
		}
	}
}

// newConnectedPair builds two loopback-wired endpoints, A connected to
// B as a client session, and pumps both event loops until the session
// reaches StateConnected.
func newConnectedPair(t *testing.T, mtu int, serverMode HandlerMode) (a, b *Endpoint, sessionNum int) {
	t.Helper()

	ltA, ltB := newLoopbackPair(mtu)

	regA := NewRegistry()
	regB := NewRegistry()
	if err := regB.Register(reqTypeEcho, echoHandler(serverMode), serverMode); err != nil {
		t.Fatalf("registering echo handler: %v", err)
	}

	epA, err := NewEndpoint("127.0.0.1:0", 0, regA, ltA)
	if err != nil {
		t.Fatalf("new endpoint A: %v", err)
	}
	epB, err := NewEndpoint("127.0.0.1:0", 0, regB, ltB)
	if err != nil {
		t.Fatalf("new endpoint B: %v", err)
	}
	t.Cleanup(func() { epA.Close(); epB.Close() })

	bAddr := epB.sm.conn.LocalAddr().String()

	sessionNum, err = epA.CreateSession(bAddr, 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ok := runUntil(2000, []*Endpoint{epA, epB}, func() bool {
		return epA.SessionState(sessionNum) == StateConnected
	})
	if !ok {
		t.Fatalf("session never connected, state=%s", epA.SessionState(sessionNum))
	}
	return epA, epB, sessionNum
}

func TestEchoSmallRequest(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	req, _ := epA.AllocMsgBuffer(5)
	copy(req.Bytes(), "hello")

	var got *MsgBuffer
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *MsgBuffer) {
		got = resp
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}

	ok := runUntil(1000, []*Endpoint{epA, epB}, func() bool { return got != nil })
	if !ok {
		t.Fatalf("response never arrived")
	}
	if string(got.Bytes()) != "hello" {
		t.Fatalf("got %q, want %q", got.Bytes(), "hello")
	}
}

func TestEchoLargeRequestSpansMultiplePackets(t *testing.T) {
	const mtu = 256
	epA, epB, sessionNum := newConnectedPair(t, mtu, Foreground)

	payload := make([]byte, mtu*5+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	req, _ := epA.AllocMsgBuffer(len(payload))
	copy(req.Bytes(), payload)

	var got *MsgBuffer
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *MsgBuffer) {
		got = resp
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}

	ok := runUntil(5000, []*Endpoint{epA, epB}, func() bool { return got != nil })
	if !ok {
		t.Fatalf("response never arrived")
	}
	if got.Size() != len(payload) {
		t.Fatalf("got size %d, want %d", got.Size(), len(payload))
	}
	for i, b := range got.Bytes() {
		if b != payload[i] {
			t.Fatalf("byte %d: got %d, want %d", i, b, payload[i])
		}
	}
}

// TestEchoRequestExceedsCreditWindow drives a message spanning more
// fragments than kSessionCredits, so a single burst can't carry the
// whole request (or, since the echo handler mirrors the payload back,
// the whole response either): the request phase must advance on
// explicit credit returns from the server, and the response phase must
// pull further fragments with RFR once the client's initial credit
// window is exhausted (spec.md §4.F, scenario 2).
func TestEchoRequestExceedsCreditWindow(t *testing.T) {
	const mtu = 128
	epA, epB, sessionNum := newConnectedPair(t, mtu, Foreground)

	payload := make([]byte, mtu*10+50) // > kSessionCredits (8) fragments
	for i := range payload {
		payload[i] = byte(i)
	}
	if numPkts(len(payload), mtu) <= kSessionCredits {
		t.Fatalf("test payload of %d bytes only spans %d packets, want more than kSessionCredits=%d",
			len(payload), numPkts(len(payload), mtu), kSessionCredits)
	}
	req, _ := epA.AllocMsgBuffer(len(payload))
	copy(req.Bytes(), payload)

	var got *MsgBuffer
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *MsgBuffer) {
		got = resp
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}

	ok := runUntil(10000, []*Endpoint{epA, epB}, func() bool { return got != nil })
	if !ok {
		t.Fatalf("response never arrived")
	}
	if got.Size() != len(payload) {
		t.Fatalf("got size %d, want %d", got.Size(), len(payload))
	}
	for i, b := range got.Bytes() {
		if b != payload[i] {
			t.Fatalf("byte %d: got %d, want %d", i, b, payload[i])
		}
	}
}

func TestEchoBackgroundHandler(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Background)
	epB.StartBackgroundWorkers(2)
	t.Cleanup(epB.StopBackgroundWorkers)

	req, _ := epA.AllocMsgBuffer(3)
	copy(req.Bytes(), "abc")

	var got *MsgBuffer
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *MsgBuffer) {
		got = resp
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}

	ok := runUntil(2000, []*Endpoint{epA, epB}, func() bool { return got != nil })
	if !ok {
		t.Fatalf("response never arrived")
	}
	if string(got.Bytes()) != "abc" {
		t.Fatalf("got %q, want %q", got.Bytes(), "abc")
	}
}

func TestRequestWindowFull(t *testing.T) {
	epA, _, sessionNum := newConnectedPair(t, 1400, Foreground)

	for i := 0; i < kSessionReqWindow; i++ {
		req, _ := epA.AllocMsgBuffer(1)
		err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(any, uint64, *MsgBuffer) {}, nil, 0)
		if err != nil {
			t.Fatalf("enqueue request %d: %v", i, err)
		}
	}

	overflow, _ := epA.AllocMsgBuffer(1)
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, overflow, func(any, uint64, *MsgBuffer) {}, nil, 0)
	if err != ErrWindowFull {
		t.Fatalf("got err %v, want ErrWindowFull", err)
	}
}

func TestContinuationDeliveredExactlyOnceOnPeerReset(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	var mu sync.Mutex
	calls := 0
	const n = 4
	for i := 0; i < n; i++ {
		req, _ := epA.AllocMsgBuffer(1)
		err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(any, uint64, *MsgBuffer) {
			mu.Lock()
			calls++
			mu.Unlock()
		}, nil, 0)
		if err != nil {
			t.Fatalf("enqueue request %d: %v", i, err)
		}
	}

	// Deliver the peer's kFaultResetPeerReq for this session directly.
	s, _ := epA.sessions.get(sessionNum)
	epA.sm.handleFaultResetPeer(smRecord{Type: smFaultResetPeerReq, DstSessionNum: int32(sessionNum), Generation: s.generation.Load()})
	epA.drainContinuations()

	mu.Lock()
	defer mu.Unlock()
	if calls != n {
		t.Fatalf("got %d continuation calls, want %d", calls, n)
	}
	_ = epB
}

func TestSessionDestroyRoundTrip(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	if err := epA.DestroySession(sessionNum); err != nil {
		t.Fatalf("destroy session: %v", err)
	}
	ok := runUntil(1000, []*Endpoint{epA, epB}, func() bool {
		return epA.SessionState(sessionNum) == StateReset
	})
	if !ok {
		t.Fatalf("session never reset, state=%s", epA.SessionState(sessionNum))
	}
}

func TestCreateSessionRejectedFromCallback(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	req, _ := epA.AllocMsgBuffer(1)
	var innerErr error
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(any, uint64, *MsgBuffer) {
		_, innerErr = epA.CreateSession("127.0.0.1:1", 0)
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}
	runUntil(1000, []*Endpoint{epA, epB}, func() bool { return innerErr != nil })
	if innerErr != ErrPermission {
		t.Fatalf("got %v, want ErrPermission", innerErr)
	}
}

func TestRunEventLoopOnceRejectsReentrancy(t *testing.T) {
	epA, epB, sessionNum := newConnectedPair(t, 1400, Foreground)

	req, _ := epA.AllocMsgBuffer(1)
	var panicked any
	err := epA.EnqueueRequest(sessionNum, reqTypeEcho, req, func(any, uint64, *MsgBuffer) {
		func() {
			defer func() { panicked = recover() }()
			epA.RunEventLoopOnce()
		}()
	}, nil, 0)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}
	runUntil(1000, []*Endpoint{epA, epB}, func() bool { return panicked != nil })
	if panicked == nil {
		t.Fatalf("expected reentrant RunEventLoopOnce to panic")
	}
}

func TestAllocMsgBufferRejectsNegativeSize(t *testing.T) {
	epA, _, _ := newConnectedPair(t, 1400, Foreground)
	if _, err := epA.AllocMsgBuffer(-1); err != ErrInvalidArgument {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestConnectTimesOutWithoutPeer(t *testing.T) {
	lt, _ := newLoopbackPair(1400)
	reg := NewRegistry()
	ep, err := NewEndpoint("127.0.0.1:0", 0, reg, lt)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })

	sessionNum, err := ep.CreateSession("127.0.0.1:1", 0) // nobody listening there
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for ep.SessionState(sessionNum) == StateConnectInProgress && time.Now().Before(deadline) {
		ep.RunEventLoopOnce()
		time.Sleep(time.Millisecond)
	}
	if ep.SessionState(sessionNum) != StateError {
		t.Fatalf("got state %s, want StateError", ep.SessionState(sessionNum))
	}
}
