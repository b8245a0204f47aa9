package rpc

// faultState holds the counters the fault-injection hooks consult. It
// always exists, build tag or not, since the datapath send/receive
// engines read it unconditionally; only the exported API that arms
// these counters is gated behind the nanorpc_faultinject build tag
// (fault_enabled.go / fault_disabled.go), mirroring the creator-thread,
// test-only restriction in the eRPC reference (tests/test_api_restrictions.cc).
type faultState struct {
	// dropTxLocalCountdown, while > 0, is decremented on every locally
	// originated data fragment; the fragment that brings it to 0 is
	// silently discarded instead of handed to the transport (see
	// shouldDropTxLocal). Retransmission then takes over exactly as it
	// would for a real loss.
	dropTxLocalCountdown int32

	// resolveServerRinfoCorrupt, when true, corrupts the DataAddr this
	// endpoint reports in its next outbound kConnectResp, once. The
	// client still moves that session to StateConnected, and its
	// datapath packets for the session go to the wrong address; the
	// connect handshake is not retried.
	resolveServerRinfoCorrupt bool
}

// shouldDropTxLocal decrements the countdown on every call and reports
// true only for the single TX that makes it hit 0 — the Nth packet, not
// the first N (§4.F(i): "decrements each TX; at 0 the next packet is
// dropped"). Once it reaches 0 it stays there, so no further packet is
// dropped until FaultDropTxLocal re-arms it.
func (e *Endpoint) shouldDropTxLocal() bool {
	if e.fault.dropTxLocalCountdown <= 0 {
		return false
	}
	e.fault.dropTxLocalCountdown--
	return e.fault.dropTxLocalCountdown == 0
}
