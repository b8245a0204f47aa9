// Package ratelimit paces the request rate of an RPC client tool. It has
// nothing to do with the runtime's own credit-based datapath flow control
// (rpc/send.go); it exists purely so cmd/rpcbench can offer to send at a
// fixed rate below whatever the endpoint and network would otherwise allow,
// the same optional cmd-level throttle the teacher's own send-side tool
// offers ahead of its unlimited-rate default.
package ratelimit

import "time"

// Pacer limits request issuance to rps requests per second on average.
// Not safe for concurrent use — one pacer belongs to one issuing goroutine.
type Pacer struct {
	nsPerReq   int64
	issued     uint64
	start      time.Time
	checkEvery uint64
}

// NewPacer creates a limiter for rps requests per second. NewPacer returns
// nil if rps == 0, meaning "unthrottled"; every method on a nil *Pacer is a
// no-op so callers don't need to special-case the disabled configuration.
func NewPacer(rps uint64) *Pacer {
	if rps == 0 {
		return nil
	}
	return &Pacer{
		nsPerReq: int64(time.Second) / int64(rps),
		start:    time.Now(),

		// Re-check the clock roughly every 10ms worth of requests, but
		// never more often than every 32 nor less often than every 1024,
		// trading timer-syscall overhead against pacing accuracy.
		checkEvery: min(max(rps/100, 32), 1024),
	}
}

// WaitN blocks the caller until it is that pacer's turn to issue n more
// requests. The schedule is anchored at the pacer's creation time, so a
// caller that fell behind schedule (e.g. blocked on a full session
// window) is allowed to burst back up to schedule but never above it.
func (p *Pacer) WaitN(n uint64) {
	if p == nil || n == 0 {
		return
	}

	p.issued += n
	if p.issued%p.checkEvery != 0 {
		return // fast path: only touch the clock periodically
	}

	due := p.start.Add(time.Duration(int64(p.issued) * p.nsPerReq))
	if now := time.Now(); now.Before(due) {
		time.Sleep(due.Sub(now))
	}
}
