// Package udptransport implements rpc.Transport over plain UDP sockets.
// It is the reference datapath transport: no kernel-bypass, no zero-copy,
// built for correctness and for exercising the runtime in tests and the
// bundled benchmark tools rather than for line-rate throughput.
package udptransport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nanorpc/nanorpc/rpc"
)

const (
	defaultMTU        = 1400
	defaultRecvBufLen = 1 << 20
	defaultSendBufLen = 1 << 20
)

// Config controls socket construction.
type Config struct {
	// ListenAddr is the local "host:port" (or ":0" for an ephemeral
	// port) the socket binds to.
	ListenAddr string
	// MTU bounds the payload size of one packet buffer; each datagram
	// carries at most MTU bytes of payload plus the rpc packet header.
	MTU int
	// RecvBufBytes and SendBufBytes set SO_RCVBUF/SO_SNDBUF; zero keeps
	// the OS default.
	RecvBufBytes int
	SendBufBytes int
}

// Transport is a UDP-backed rpc.Transport. One Transport serves exactly
// one Endpoint's datapath traffic.
type Transport struct {
	conn *net.UDPConn
	mtu  int
}

// New binds a UDP socket per cfg and tunes its buffer sizes with
// SO_RCVBUF/SO_SNDBUF via golang.org/x/sys/unix, the same direct
// socket-option path the reference AF_XDP transport uses for its own
// kernel-facing setup (afxdp.Socket bind/setsockopt sequence).
func New(cfg Config) (*Transport, error) {
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolving %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: listening on %q: %w", cfg.ListenAddr, err)
	}

	recvBuf := cfg.RecvBufBytes
	if recvBuf == 0 {
		recvBuf = defaultRecvBufLen
	}
	sendBuf := cfg.SendBufBytes
	if sendBuf == 0 {
		sendBuf = defaultSendBufLen
	}
	if err := setSockBufSizes(conn, recvBuf, sendBuf); err != nil {
		conn.Close()
		return nil, err
	}

	return &Transport{conn: conn, mtu: cfg.MTU}, nil
}

func setSockBufSizes(conn *net.UDPConn, recvBuf, sendBuf int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("udptransport: obtaining raw conn: %w", err)
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuf); e != nil {
			setErr = fmt.Errorf("udptransport: SO_RCVBUF: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBuf); e != nil {
			setErr = fmt.Errorf("udptransport: SO_SNDBUF: %w", e)
			return
		}
	})
	if err != nil {
		return fmt.Errorf("udptransport: raw control: %w", err)
	}
	return setErr
}

// LocalAddr reports the socket's bound address, advertised to peers
// during the SM connect handshake as this endpoint's datapath address.
func (t *Transport) LocalAddr() string { return t.conn.LocalAddr().String() }

// MTU returns the configured per-packet payload ceiling.
func (t *Transport) MTU() int { return t.mtu }

// MaxInline reports the same value as MTU: UDP datagrams have no
// registered-memory distinction.
func (t *Transport) MaxInline() int { return t.mtu }

// UnsigBatch is advisory for this transport; PostTX always sends
// immediately, so any batch size is fine. 32 matches the reference
// AF_XDP transport's DefaultBatchSize.
func (t *Transport) UnsigBatch() int { return 32 }

// PostTX sends each buffer as one UDP datagram to pb.From, which the
// send engine stamps with the session's known peer datapath address.
// Non-blocking: a kernel-buffer-full condition surfaces as
// rpc.ErrWouldBlock.
func (t *Transport) PostTX(pkts []*rpc.PacketBuf) error {
	for _, pb := range pkts {
		addr, err := net.ResolveUDPAddr("udp", pb.From)
		if err != nil {
			return fmt.Errorf("udptransport: resolving peer %q: %w", pb.From, err)
		}
		if err := t.conn.SetWriteDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return fmt.Errorf("udptransport: set write deadline: %w", err)
		}
		if _, err := t.conn.WriteToUDP(pb.Bytes(), addr); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return rpc.ErrWouldBlock
			}
			return fmt.Errorf("udptransport: write to %q: %w", pb.From, err)
		}
	}
	return nil
}

// PollRX drains up to max datagrams currently queued on the socket,
// never blocking: it polls with a near-zero read deadline and treats a
// timeout as "nothing available", the polling idiom used throughout the
// reference transport's own non-blocking paths (e.g. its MSG_DONTWAIT
// completion-ring drain).
func (t *Transport) PollRX(pool *rpc.BufferPool, max int) []*rpc.PacketBuf {
	out := make([]*rpc.PacketBuf, 0, max)
	for len(out) < max {
		pb, err := pool.Alloc()
		if err != nil {
			break
		}
		if err := t.conn.SetReadDeadline(time.Now()); err != nil {
			pool.Free(pb)
			break
		}
		n, from, err := t.conn.ReadFromUDP(pb.Buf)
		if err != nil {
			pool.Free(pb)
			break
		}
		pb.From = from.String()
		pb.SetLen(n)
		out = append(out, pb)
	}
	return out
}

// TXFlush is a no-op: PostTX writes each datagram synchronously.
func (t *Transport) TXFlush() error { return nil }

// Close releases the underlying socket.
func (t *Transport) Close() error { return t.conn.Close() }
