// Package ifacestat snapshots physical NIC counters via "ethtool -S", so a
// benchmark tool can cross-check the runtime's own logical counters
// (rpc.EndpointMetrics: requests issued, retransmits, drops) against what
// actually crossed the wire. The two never match exactly — retransmits and
// SM control traffic inflate the physical counters relative to the logical
// request count — but a wildly diverging delta points at drops the runtime
// itself never saw (e.g. below the transport, on the NIC's RX ring).
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// Metric identifies one physical counter tracked per interface.
type Metric int

const (
	TXPackets Metric = iota
	TXBytes
	RXPackets
	RXBytes
)

func (m Metric) ethtoolKey() string {
	switch m {
	case TXPackets:
		return "tx_packets_phy"
	case TXBytes:
		return "tx_bytes_phy"
	case RXPackets:
		return "rx_packets_phy"
	case RXBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// Counters holds one interface's tracked metric values.
type Counters map[Metric]uint64

// Snapshot maps interface name to its Counters at the moment Take ran.
type Snapshot map[string]Counters

// Take runs "ethtool -S" against each of ifaces and returns their current
// counter values for the requested metrics.
func Take(ifaces []string, metrics ...Metric) (Snapshot, error) {
	snap := make(Snapshot, len(ifaces))
	for _, iface := range ifaces {
		vals, err := readEthtool(iface, metrics)
		if err != nil {
			return nil, fmt.Errorf("reading ethtool stats for %s: %w", iface, err)
		}
		snap[iface] = vals
	}
	return snap, nil
}

// Delta computes s - before, per interface and per metric, for reporting
// how much traffic crossed the wire between two Take calls bracketing a
// benchmark run.
func (s Snapshot) Delta(before Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for iface, now := range s {
		prior := before[iface]
		d := make(Counters, len(now))
		for metric, v := range now {
			d[metric] = v - prior[metric]
		}
		out[iface] = d
	}
	return out
}

func readEthtool(iface string, metrics []Metric) (Counters, error) {
	out, err := exec.Command("ethtool", "-S", iface).Output()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]Metric, len(metrics))
	for _, m := range metrics {
		wanted[m.ethtoolKey()] = m
	}

	found := make(Counters, len(metrics))
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		metric, ok := wanted[strings.TrimSuffix(fields[0], ":")]
		if !ok {
			continue
		}
		var v uint64
		if _, err := fmt.Sscan(fields[1], &v); err != nil {
			return nil, fmt.Errorf("parsing counter %s: %w", fields[0], err)
		}
		found[metric] = v
	}

	for _, m := range metrics {
		if _, ok := found[m]; !ok {
			found[m] = 0
		}
	}
	return found, nil
}

// Report writes a per-interface summary of s, aliasing interface names to
// friendlier labels (e.g. the nanorpc endpoint bound to that NIC) where
// aliases has an entry.
func Report(w io.Writer, s Snapshot, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		c := s[iface]
		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s:\n", iface)
		}
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			c[TXPackets], humanize.Bytes(c[TXBytes]), humanize.Comma(int64(c[TXBytes])))
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			c[RXPackets], humanize.Bytes(c[RXBytes]), humanize.Comma(int64(c[RXBytes])))
	}
	return nil
}
