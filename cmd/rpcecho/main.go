// Command rpcecho runs a minimal echo client/server over the nanorpc
// runtime: -server starts an endpoint that echoes every request back,
// otherwise the process creates a session to -connect and round-trips
// one request.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nanorpc/nanorpc/rpc"
	"github.com/nanorpc/nanorpc/transport/udptransport"
)

const reqTypeEcho uint8 = 1

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fListen := flag.String("listen", ":31851", "address to bind the datapath socket to")
	fServer := flag.Bool("server", false, "run as an echo server instead of a one-shot client")
	fConnect := flag.String("connect", "", "server hostname:smport to connect to (client mode)")
	fPayload := flag.String("payload", "hello", "request payload (client mode)")
	flag.Parse()

	tr, err := udptransport.New(udptransport.Config{ListenAddr: *fListen})
	fatalIf(err, "starting transport")
	defer tr.Close()

	reg := rpc.NewRegistry()
	err = reg.Register(reqTypeEcho, func(h *rpc.RequestHandle) {
		resp, _ := h.AllocMsgBuffer(h.ReqMsgBuf.Size())
		copy(resp.Bytes(), h.ReqMsgBuf.Bytes())
		fatalIf(h.EnqueueResponse(resp), "enqueueing echo response")
	}, rpc.Foreground)
	fatalIf(err, "registering echo handler")

	// Bare hostname: an explicit "host:port" name would make smAddr bind
	// the SM side channel to the same port as the datapath transport.
	ep, err := rpc.NewEndpoint("localhost", 0, reg, tr, rpc.WithDiagnostics(os.Stderr))
	fatalIf(err, "creating endpoint")
	defer ep.Close()

	if *fServer {
		fmt.Fprintf(os.Stderr, "rpcecho: serving on %s\n", *fListen)
		for {
			ep.RunEventLoopOnce()
		}
	}

	if *fConnect == "" {
		fatalIf(fmt.Errorf("must pass -connect in client mode"), "usage")
	}

	sessionNum, err := ep.CreateSession(*fConnect, 0)
	fatalIf(err, "creating session")
	for ep.SessionState(sessionNum) == rpc.StateConnectInProgress {
		ep.RunEventLoopOnce()
	}
	if ep.SessionState(sessionNum) != rpc.StateConnected {
		fatalIf(fmt.Errorf("state %s", ep.SessionState(sessionNum)), "connecting")
	}

	req, err := ep.AllocMsgBuffer(len(*fPayload))
	fatalIf(err, "allocating request buffer")
	copy(req.Bytes(), *fPayload)

	done := make(chan *rpc.MsgBuffer, 1)
	err = ep.EnqueueRequest(sessionNum, reqTypeEcho, req, func(_ any, _ uint64, resp *rpc.MsgBuffer) {
		done <- resp
	}, nil, 0)
	fatalIf(err, "enqueueing request")

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case resp := <-done:
			if resp.Size() == 0 {
				fatalIf(fmt.Errorf("session failed"), "waiting for response")
			}
			fmt.Printf("%s\n", resp.Bytes())
			return
		default:
			ep.RunEventLoopOnce()
			if time.Now().After(deadline) {
				fatalIf(fmt.Errorf("timed out"), "waiting for response")
			}
		}
	}
}
