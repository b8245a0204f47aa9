// Command rpcbench drives a fixed-count request load against a nanorpc
// server and reports elapsed time, throughput, completed and failed
// request counts and bytes received, mirroring the teacher bench tool's config-file-plus-flags
// setup and its final x/text-formatted report.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/nanorpc/nanorpc/ifacestat"
	"github.com/nanorpc/nanorpc/ratelimit"
	"github.com/nanorpc/nanorpc/rpc"
	"github.com/nanorpc/nanorpc/transport/udptransport"
)

const reqTypeBench uint8 = 1

type Config struct {
	Listen  string `yaml:"listen"`
	Connect string `yaml:"connect"`

	Count      uint64 `yaml:"count"`
	PayloadLen uint   `yaml:"payload-len"`
	RatePPS    uint64 `yaml:"rate-pps"`

	// NICIface, if set, is snapshotted via ethtool -S before and after
	// the run and the delta is folded into the final report — useful
	// when -connect crosses a real link instead of loopback.
	NICIface string `yaml:"nic-iface"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file (optional)")
	fListen := flag.String("listen", ":31852", "local datapath bind address")
	fConnect := flag.String("connect", "", "server hostname:smport to benchmark")
	fCount := flag.Uint64("n", 100_000, "request count")
	fPayloadLen := flag.Uint("l", 64, "request payload size in bytes")
	fRatePPS := flag.Uint64("rate", 0, "requests per second (0 = unthrottled)")
	fIface := flag.String("iface", "", "optional NIC to cross-check with ethtool -S")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fListen != "" {
		conf.Listen = *fListen
	}
	if *fConnect != "" {
		conf.Connect = *fConnect
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPayloadLen != 0 {
		conf.PayloadLen = *fPayloadLen
	}
	if *fRatePPS != 0 {
		conf.RatePPS = *fRatePPS
	}
	if *fIface != "" {
		conf.NICIface = *fIface
	}

	if conf.Connect == "" {
		return nil, errors.New("connect must be set (or use -connect)")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type stats struct {
	completed atomic.Uint64
	failed    atomic.Uint64
	bytesRecv atomic.Uint64
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "loading config")

	tr, err := udptransport.New(udptransport.Config{ListenAddr: conf.Listen, MTU: 1400})
	fatalIf(err, "starting transport")
	defer tr.Close()

	reg := rpc.NewRegistry()
	// The endpoint name is a bare hostname, not "host:port": an explicit
	// port would make smAddr bind the SM side channel to the exact same
	// port as the datapath transport below, and the second bind fails.
	ep, err := rpc.NewEndpoint("localhost", 0, reg, tr, rpc.WithDiagnostics(os.Stderr))
	fatalIf(err, "creating endpoint")
	defer ep.Close()

	sessionNum, err := ep.CreateSession(conf.Connect, 0)
	fatalIf(err, "creating session")
	for ep.SessionState(sessionNum) == rpc.StateConnectInProgress {
		ep.RunEventLoopOnce()
	}
	if ep.SessionState(sessionNum) != rpc.StateConnected {
		fatalIf(fmt.Errorf("state %s", ep.SessionState(sessionNum)), "connecting to %s", conf.Connect)
	}

	var before ifacestat.Snapshot
	if conf.NICIface != "" {
		before, err = ifacestat.Take([]string{conf.NICIface},
			ifacestat.TXPackets, ifacestat.TXBytes, ifacestat.RXPackets, ifacestat.RXBytes)
		fatalIf(err, "snapshotting %s before run", conf.NICIface)
	}

	pacer := ratelimit.NewPacer(conf.RatePPS)
	var st stats
	payload := make([]byte, conf.PayloadLen)

	start := time.Now()
	var issued uint64
	for issued < conf.Count || st.completed.Load()+st.failed.Load() < conf.Count {
		for issued < conf.Count {
			req, err := ep.AllocMsgBuffer(len(payload))
			if err != nil {
				break // pool/window pressure: let the event loop drain first
			}
			copy(req.Bytes(), payload)
			err = ep.EnqueueRequest(sessionNum, reqTypeBench, req, func(_ any, _ uint64, resp *rpc.MsgBuffer) {
				if resp.Size() == 0 {
					st.failed.Add(1)
					return
				}
				st.completed.Add(1)
				st.bytesRecv.Add(uint64(resp.Size()))
			}, nil, 0)
			if err != nil {
				break
			}
			issued++
			pacer.WaitN(1)
		}
		ep.RunEventLoopOnce()
	}
	elapsed := time.Since(start)

	var after ifacestat.Snapshot
	if conf.NICIface != "" {
		after, err = ifacestat.Take([]string{conf.NICIface},
			ifacestat.TXPackets, ifacestat.TXBytes, ifacestat.RXPackets, ifacestat.RXBytes)
		fatalIf(err, "snapshotting %s after run", conf.NICIface)
	}

	printReport(conf, elapsed, &st, before, after)
}

func printReport(conf *Config, elapsed time.Duration, st *stats, before, after ifacestat.Snapshot) {
	p := message.NewPrinter(language.English)
	completed := st.completed.Load()
	failed := st.failed.Load()
	rps := float64(completed) / elapsed.Seconds()

	p.Printf("nanorpc bench report\n")
	p.Printf(" Elapsed:        %.3f s\n", elapsed.Seconds())
	p.Printf(" Completed:      %s\n", humanize.Comma(int64(completed)))
	p.Printf(" Failed:         %s\n", humanize.Comma(int64(failed)))
	p.Printf(" Req/s:          %s\n", humanize.Comma(int64(rps)))
	p.Printf(" Bytes received: %s\n", humanize.Bytes(st.bytesRecv.Load()))

	if conf.NICIface != "" {
		delta := after.Delta(before)
		for _, iface := range []string{conf.NICIface} {
			v := delta[iface]
			p.Printf(" NIC %s delta:   tx %s pkts / %s, rx %s pkts / %s\n",
				iface,
				humanize.Comma(int64(v[ifacestat.TXPackets])), humanize.Bytes(v[ifacestat.TXBytes]),
				humanize.Comma(int64(v[ifacestat.RXPackets])), humanize.Bytes(v[ifacestat.RXBytes]))
		}
	}
}
