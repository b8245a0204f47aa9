package rpc

// RunEventLoopOnce drives one pass of the endpoint: poll the transport
// and the SM side channel, reassemble/dispatch what arrived, deliver
// completed continuations, advance timers, and flush whatever the pass
// queued for transmission. Only the creator goroutine may call this,
// and never from within a callback (foreground handler or
// continuation) — that would be unbounded recursion into the same
// non-reentrant state.
func (e *Endpoint) RunEventLoopOnce() {
	if e.inCallback {
		fatalf("RunEventLoopOnce called reentrantly from a callback")
	}

	e.pollDatapathRX(e.transport.UnsigBatch() * 4)
	e.sm.poll()
	e.drainResponseReady()
	e.drainContinuations()

	now := e.now()
	e.sm.advanceTimers(now)
	e.advanceRetransmitTimers()
	e.refreshGaugeMetrics()

	if err := e.flushTX(); err != nil {
		e.logf("event loop: %v", err)
	}
}

// drainResponseReady moves responses handed off by background (or
// foreground) handlers via RequestHandle.EnqueueResponse into the
// session's respState and starts transmitting them. This is the only
// place responseReady is read, so it's always the creator goroutine
// touching Session/respState fields.
func (e *Endpoint) drainResponseReady() {
	for {
		select {
		case qr := <-e.responseReady:
			if qr.session.state != StateConnected {
				continue
			}
			e.startResponse(qr.session, qr.reqType, qr.reqNum, qr.msg)
		default:
			return
		}
	}
}

// RunEventLoop runs RunEventLoopOnce in a tight loop until stop is
// closed, a convenience wrapper around the single-pass primitive for
// callers that don't need to interleave their own work between passes.
func (e *Endpoint) RunEventLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			e.RunEventLoopOnce()
		}
	}
}
