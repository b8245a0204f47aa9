// Package rpc implements a user-space remote procedure call runtime tuned
// for microsecond-scale datacenter networking over a reliable packet
// transport. An Endpoint hosts many independent sessions over one
// transport port and drives both the datapath (fragmentation, credit-based
// flow control, retransmission) and the control plane (session connect,
// disconnect and fault injection) from a single owning goroutine.
//
// # Architecture
//
//   - Transport: opaque packet buffers are posted/polled through the
//     [Transport] interface. Each session's generation and sm_req_num
//     counters in session.go are [code.hybscloud.com/atomix] values; the
//     rest of a session's state is touched only by the owning goroutine.
//   - Datapath: [Endpoint.EnqueueRequest] fragments a [MsgBuffer] into
//     MTU-sized packets paced by a per-slot credit window (send.go);
//     [Endpoint] reassembles inbound fragments per session (recv.go).
//   - Control plane: session connect/disconnect/reset is a reliable
//     request/response protocol over a side-channel UDP socket (sm.go),
//     independent of the datapath transport.
//   - Dispatch: request handlers registered via [Registry.Register] run
//     either inline on the owning goroutine (foreground) or on a
//     background worker pool (dispatch.go); background handlers only ever
//     see a [RequestHandle], which has no path back to session or event
//     loop control.
//
// # Example
//
//	reg := rpc.NewRegistry()
//	reg.Register(1, echoHandler, rpc.Foreground)
//	ep, _ := rpc.NewEndpoint("localhost", 0, reg, transport)
//	sessionNum, _ := ep.CreateSession("localhost", 1)
//	for ep.SessionState(sessionNum) != rpc.StateConnected {
//		ep.RunEventLoopOnce()
//	}
package rpc
