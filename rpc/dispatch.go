package rpc

import "fmt"

// HandlerMode selects where a registered request handler runs.
type HandlerMode int

const (
	// Foreground handlers run inline on the creator goroutine during
	// RunEventLoopOnce, between packet polls. They may call anything a
	// RequestHandle exposes but must return quickly: they block the
	// entire endpoint's datapath while running.
	Foreground HandlerMode = iota
	// Background handlers run on a worker goroutine pulled from the
	// endpoint's fixed-size worker pool. They receive the same
	// RequestHandle capability as a foreground handler — no more — so
	// they can never touch session lifecycle or the event loop.
	Background
)

func (m HandlerMode) String() string {
	if m == Background {
		return "background"
	}
	return "foreground"
}

// RequestHandlerFunc processes one inbound request and must eventually
// call h.EnqueueResponse, exactly once, to complete it.
type RequestHandlerFunc func(h *RequestHandle)

type handlerEntry struct {
	fn   RequestHandlerFunc
	mode HandlerMode
}

// Registry maps request types to handlers. It is write-once: Register
// may only be called until the registry is first read, which happens
// when the first inbound request is dispatched, mirroring eRPC's "handlers registered before
// any session exists" restriction (spec.md §4.A, §9).
type Registry struct {
	handlers map[uint8]handlerEntry
	sealed   bool
}

// NewRegistry creates an empty, unsealed handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint8]handlerEntry)}
}

// Register binds reqType to fn, run in the given mode. Returns
// ErrPermission if the registry has already been sealed by use, and
// ErrInvalidArgument if reqType is already registered.
func (r *Registry) Register(reqType uint8, fn RequestHandlerFunc, mode HandlerMode) error {
	if r.sealed {
		return ErrPermission
	}
	if _, exists := r.handlers[reqType]; exists {
		return fmt.Errorf("%w: request type %d already registered", ErrInvalidArgument, reqType)
	}
	r.handlers[reqType] = handlerEntry{fn: fn, mode: mode}
	return nil
}

func (r *Registry) lookup(reqType uint8) (handlerEntry, bool) {
	r.sealed = true
	e, ok := r.handlers[reqType]
	return e, ok
}

// pendingCont is a continuation queued for delivery on the creator
// goroutine, either because a response fully arrived or because its
// session failed.
type pendingCont struct {
	cont continuation
	resp *MsgBuffer
}

// RequestHandle is the restricted capability a request handler
// receives, for both foreground and background modes. It deliberately
// has no access to session lifecycle (CreateSession/DestroySession) or
// the event loop: that asymmetry, not a separate type per mode, is what
// enforces spec.md §9's background-handler restriction.
type RequestHandle struct {
	ep      *Endpoint
	session *Session
	reqType uint8
	reqNum  uint32

	ReqMsgBuf  *MsgBuffer
	RespMsgBuf *MsgBuffer

	responded bool
}

// AllocMsgBuffer allocates a dynamic MsgBuffer. Safe from any goroutine.
func (h *RequestHandle) AllocMsgBuffer(sz int) (*MsgBuffer, error) {
	return h.ep.AllocMsgBuffer(sz)
}

// FreeMsgBuffer releases a MsgBuffer. Safe from any goroutine.
func (h *RequestHandle) FreeMsgBuffer(mb *MsgBuffer) {
	h.ep.FreeMsgBuffer(mb)
}

// EnqueueResponse finalizes this request's response. resp may be
// h.RespMsgBuf, which starts empty and is Resize'd to the response size,
// or any buffer from AllocMsgBuffer. Safe to call
// from a background worker goroutine; it only touches the per-request
// respState under the endpoint's response-return channel, never the
// endpoint's own fields directly.
func (h *RequestHandle) EnqueueResponse(resp *MsgBuffer) error {
	if h.responded {
		return fmt.Errorf("rpc: response already enqueued for this request")
	}
	h.responded = true
	h.ep.responseReady <- queuedResponse{session: h.session, reqType: h.reqType, reqNum: h.reqNum, msg: resp}
	return nil
}

// queuedResponse crosses from a background worker goroutine back to the
// creator goroutine over responseReady; the creator's event loop is the
// only place that ever touches respState/Session fields.
type queuedResponse struct {
	session *Session
	reqType uint8
	reqNum  uint32
	msg     *MsgBuffer
}

// StartBackgroundWorkers launches n worker goroutines draining the
// endpoint's background request queue. Call once, before the event loop
// starts running. Handlers registered as Background are dispatched here
// instead of inline.
func (e *Endpoint) StartBackgroundWorkers(n int) {
	for i := 0; i < n; i++ {
		go e.backgroundWorker()
	}
}

func (e *Endpoint) backgroundWorker() {
	for {
		select {
		case h, ok := <-e.bgQueue:
			if !ok {
				return
			}
			entry, _ := e.registry.lookup(h.reqType)
			entry.fn(h)
		case <-e.bgDone:
			for {
				select {
				case h := <-e.bgQueue:
					entry, _ := e.registry.lookup(h.reqType)
					entry.fn(h)
				default:
					return
				}
			}
		}
	}
}

// StopBackgroundWorkers signals all background workers to exit after
// draining whatever is already queued.
func (e *Endpoint) StopBackgroundWorkers() {
	close(e.bgDone)
}

// drainContinuations delivers up to kMaxContBatch queued continuations
// on the creator goroutine, guarding each call with inCallback so a
// continuation can't reenter CreateSession/DestroySession/RunEventLoop.
func (e *Endpoint) drainContinuations() {
	n := len(e.contQueue)
	if n > kMaxContBatch {
		n = kMaxContBatch
	}
	batch := e.contQueue[:n]
	e.contQueue = e.contQueue[n:]
	for _, pc := range batch {
		if pc.cont.fn == nil {
			continue
		}
		e.inCallback = true
		pc.cont.fn(pc.cont.userCtx, pc.cont.tag, pc.resp)
		e.inCallback = false
	}
}

// dispatchRequest delivers one fully-reassembled inbound request to its
// registered handler, inline for Foreground, via the worker pool for
// Background. Returns false (and the caller should treat it as an
// unknown-request-type error) if reqType has no handler.
func (e *Endpoint) dispatchRequest(s *Session, reqType uint8, reqNum uint32, req, respScratch *MsgBuffer) bool {
	entry, ok := e.registry.lookup(reqType)
	if !ok {
		return false
	}
	h := &RequestHandle{
		ep:         e,
		session:    s,
		reqType:    reqType,
		reqNum:     reqNum,
		ReqMsgBuf:  req,
		RespMsgBuf: respScratch,
	}
	switch entry.mode {
	case Foreground:
		e.inCallback = true
		entry.fn(h)
		e.inCallback = false
	case Background:
		select {
		case e.bgQueue <- h:
		default:
			e.logf("session %d: background queue full, dropping request %d", s.num, reqNum)
			if e.metrics != nil {
				e.metrics.drops.Inc()
			}
		}
	}
	return true
}
