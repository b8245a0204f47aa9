//go:build !nanorpc_faultinject

package rpc

// A fault_inject_* call against a build without fault injection compiled
// in is caller misuse, not a recoverable datapath condition (spec.md §7,
// §9: "fault-injection 'disabled' errors map to abort, not recoverable"),
// so every hook here aborts via fatalf instead of returning a
// recoverable error code.

// FaultDropTxLocal is unavailable in builds without the
// nanorpc_faultinject tag.
func (e *Endpoint) FaultDropTxLocal(sessionNum int, n int) error {
	fatalf("fault injection not compiled in: rebuild with -tags nanorpc_faultinject")
	return nil
}

// FaultDropTxRemote is unavailable in builds without the
// nanorpc_faultinject tag.
func (e *Endpoint) FaultDropTxRemote(sessionNum int, n int) error {
	fatalf("fault injection not compiled in: rebuild with -tags nanorpc_faultinject")
	return nil
}

// FaultResetPeer is unavailable in builds without the
// nanorpc_faultinject tag.
func (e *Endpoint) FaultResetPeer(sessionNum int) error {
	fatalf("fault injection not compiled in: rebuild with -tags nanorpc_faultinject")
	return nil
}

// FaultCorruptNextServerRinfo is unavailable in builds without the
// nanorpc_faultinject tag.
func (e *Endpoint) FaultCorruptNextServerRinfo() error {
	fatalf("fault injection not compiled in: rebuild with -tags nanorpc_faultinject")
	return nil
}
