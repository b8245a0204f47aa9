package rpc

import (
	"errors"
	"fmt"
)

// Recoverable errors returned synchronously to callers, mirroring the
// -EPERM/-EINVAL/-ENOMEM/-EBUSY taxonomy from the caller-misuse and
// resource-exhaustion categories.
var (
	ErrPermission          = errors.New("rpc: operation not permitted in this context")
	ErrInvalidSession      = errors.New("rpc: unknown or invalid session")
	ErrInvalidArgument     = errors.New("rpc: invalid argument")
	ErrNoFreeBuffers       = errors.New("rpc: no free packet buffers")
	ErrWindowFull          = errors.New("rpc: session request window full")
	ErrUnknownReqType      = errors.New("rpc: no handler registered for request type")
	ErrSessionNotConnected = errors.New("rpc: session is not connected")
	ErrWouldBlock          = errors.New("rpc: transport would block")
)

// fatalf reports an invariant violation. The real runtime aborts the
// process with a diagnostic; a library cannot call os.Exit out from
// under its embedder, so it panics instead, matching the teacher's own
// escalation from recoverable errors (fmt.Errorf) to unrecoverable ones
// (afxdp's fatalIf, which calls os.Exit in a command but panics here
// because this is a library, not a binary).
func fatalf(format string, args ...any) {
	panic(fmt.Sprintf("rpc: fatal invariant violation: "+format, args...))
}
