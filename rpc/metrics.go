package rpc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// prometheusRegisterer is the narrow slice of *prometheus.Registry (or
// prometheus.DefaultRegisterer) WithMetrics needs, so callers aren't
// forced to depend on a concrete registry type.
type prometheusRegisterer interface {
	MustRegister(...prometheus.Collector)
}

// EndpointMetrics holds the Prometheus collectors for one endpoint,
// grounded on the fully-qualified-name + MustRegister pattern the
// reference stats package uses for its own node-level counters.
type EndpointMetrics struct {
	sessionsCreated prometheus.Counter
	requestsIssued  prometheus.Counter
	retransmits     prometheus.Counter
	drops           prometheus.Counter
	bgQueueDepth    prometheus.Gauge
	sessionsByState *prometheus.GaugeVec
}

func newEndpointMetrics(reg prometheusRegisterer, name string, rpcID uint8) *EndpointMetrics {
	labels := prometheus.Labels{"endpoint": name, "rpc_id": strconv.Itoa(int(rpcID))}
	m := &EndpointMetrics{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prometheus.BuildFQName("nanorpc", "endpoint", "sessions_created_total"),
			Help:        "Total sessions created by or accepted on this endpoint.",
			ConstLabels: labels,
		}),
		requestsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prometheus.BuildFQName("nanorpc", "endpoint", "requests_issued_total"),
			Help:        "Total requests enqueued on this endpoint.",
			ConstLabels: labels,
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prometheus.BuildFQName("nanorpc", "endpoint", "retransmits_total"),
			Help:        "Total fragment retransmissions triggered by RTO expiry.",
			ConstLabels: labels,
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prometheus.BuildFQName("nanorpc", "endpoint", "drops_total"),
			Help:        "Total fragments dropped (fault injection or buffer exhaustion).",
			ConstLabels: labels,
		}),
		bgQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prometheus.BuildFQName("nanorpc", "endpoint", "bg_queue_depth"),
			Help:        "Current depth of the background request handler queue.",
			ConstLabels: labels,
		}),
		sessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        prometheus.BuildFQName("nanorpc", "endpoint", "sessions"),
			Help:        "Current number of sessions in each state.",
			ConstLabels: labels,
		}, []string{"state"}),
	}
	reg.MustRegister(m.sessionsCreated, m.requestsIssued, m.retransmits, m.drops, m.bgQueueDepth, m.sessionsByState)
	return m
}

// refresh recomputes gauge-valued metrics from live endpoint state. The
// counters (sessionsCreated, requestsIssued, retransmits, drops) are
// incremented inline at their call sites instead.
func (e *Endpoint) refreshGaugeMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.bgQueueDepth.Set(float64(len(e.bgQueue)))
	counts := map[SessionState]int{}
	for _, s := range e.sessions.entries {
		counts[s.state]++
	}
	for _, st := range []SessionState{StateReset, StateConnectInProgress, StateConnected, StateDisconnectInProgress, StateError} {
		e.metrics.sessionsByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}
