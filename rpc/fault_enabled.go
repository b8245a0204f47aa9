//go:build nanorpc_faultinject

package rpc

// FaultDropTxLocal arms this endpoint's drop countdown with n: the nth
// locally-originated data fragment from now on is silently dropped
// instead of transmitted, exercising the retransmission path. The
// countdown is endpoint-wide; sessionNum only has to name an existing
// session. Only the creator goroutine may call this, and only outside
// of a callback.
func (e *Endpoint) FaultDropTxLocal(sessionNum int, n int) error {
	if e.inCallback {
		return ErrPermission
	}
	if _, ok := e.sessions.get(sessionNum); !ok {
		return ErrInvalidSession
	}
	e.fault.dropTxLocalCountdown = int32(n)
	return nil
}

// FaultDropTxRemote asks the peer of sessionNum, via the SM side
// channel, to arm its own drop countdown with n, exercising the same
// retransmission path from the other direction. The peer drops one
// fragment, its nth locally-originated data fragment after the request
// arrives, not n fragments.
func (e *Endpoint) FaultDropTxRemote(sessionNum int, n int) error {
	if e.inCallback {
		return ErrPermission
	}
	s, ok := e.sessions.get(sessionNum)
	if !ok || s.state != StateConnected {
		return ErrInvalidSession
	}
	return e.sm.sendFaultDropTxRemote(s, n)
}

// FaultResetPeer asks the peer of sessionNum to transition its side of
// the session to StateError immediately, exercising mid-session peer
// failure handling (draining in-flight continuations in slot order).
func (e *Endpoint) FaultResetPeer(sessionNum int) error {
	if e.inCallback {
		return ErrPermission
	}
	s, ok := e.sessions.get(sessionNum)
	if !ok || s.state != StateConnected {
		return ErrInvalidSession
	}
	return e.sm.sendFaultResetPeer(s)
}

// FaultCorruptNextServerRinfo corrupts the routing info this endpoint
// reports in its very next outbound connect response. The client that
// receives it still becomes connected, and sends that session's
// datapath traffic to the wrong address.
func (e *Endpoint) FaultCorruptNextServerRinfo() error {
	if e.inCallback {
		return ErrPermission
	}
	e.fault.resolveServerRinfoCorrupt = true
	return nil
}
