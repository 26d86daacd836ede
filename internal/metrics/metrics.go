package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GraphStateProvider exposes the live shape of the active program.
type GraphStateProvider interface {
	ActiveNodeCount() int
	ProgramGeneration() uint64
}

// PerfEntry is one node's most recent perf span, as reported by the executor.
type PerfEntry struct {
	NodeID   uint64
	NodeKind string
	Last     time.Duration
}

// PerfProvider exposes the executor's most recent per-node timing.
type PerfProvider interface {
	LastPerfSpans() []PerfEntry
}

// XRunCounter returns the cumulative number of buffer underruns/overruns
// observed since process start.
type XRunCounter interface {
	XRunCount() uint64
}

// NodeFailureCounter returns the cumulative number of nodes quarantined by
// the executor after a panic or raised error.
type NodeFailureCounter interface {
	NodeFailureCount() uint64
}

// BackendStatusProvider exposes whether the active output backend is
// currently connected to its device/region/transport.
type BackendStatusProvider interface {
	BackendConnected() bool
	BackendKind() string
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape
// time rather than pushing updates, so the audio thread never blocks on a
// metrics client.
type Collector struct {
	graph     GraphStateProvider
	perf      PerfProvider
	xruns     XRunCounter
	failures  NodeFailureCounter
	backend   BackendStatusProvider
	startTime time.Time

	activeNodesDesc    *prometheus.Desc
	generationDesc     *prometheus.Desc
	perfSpanDesc       *prometheus.Desc
	xrunTotalDesc      *prometheus.Desc
	nodeFailureDesc    *prometheus.Desc
	backendUpDesc      *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	graph GraphStateProvider,
	perf PerfProvider,
	xruns XRunCounter,
	failures NodeFailureCounter,
	backend BackendStatusProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		graph:     graph,
		perf:      perf,
		xruns:     xruns,
		failures:  failures,
		backend:   backend,
		startTime: startTime,

		activeNodesDesc: prometheus.NewDesc(
			"engine_active_nodes",
			"Number of nodes in the currently active program",
			nil, nil,
		),
		generationDesc: prometheus.NewDesc(
			"engine_program_generation",
			"Monotonic generation counter of the currently active program",
			nil, nil,
		),
		perfSpanDesc: prometheus.NewDesc(
			"engine_node_perf_span_seconds",
			"Most recent process_block duration for a node",
			[]string{"node_id", "node_kind"}, nil,
		),
		xrunTotalDesc: prometheus.NewDesc(
			"engine_xruns_total",
			"Total number of buffer underrun/overrun events observed",
			nil, nil,
		),
		nodeFailureDesc: prometheus.NewDesc(
			"engine_node_failures_total",
			"Total number of nodes quarantined after panic or raised error",
			nil, nil,
		),
		backendUpDesc: prometheus.NewDesc(
			"engine_backend_connected",
			"Whether the active output backend is connected (1) or not (0)",
			[]string{"backend"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"engine_uptime_seconds",
			"Seconds since the engine process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeNodesDesc
	ch <- c.generationDesc
	ch <- c.perfSpanDesc
	ch <- c.xrunTotalDesc
	ch <- c.nodeFailureDesc
	ch <- c.backendUpDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.graph != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeNodesDesc, prometheus.GaugeValue,
			float64(c.graph.ActiveNodeCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.generationDesc, prometheus.GaugeValue,
			float64(c.graph.ProgramGeneration()),
		)
	}

	if c.perf != nil {
		for _, span := range c.perf.LastPerfSpans() {
			ch <- prometheus.MustNewConstMetric(
				c.perfSpanDesc, prometheus.GaugeValue,
				span.Last.Seconds(),
				strconv.FormatUint(span.NodeID, 10), span.NodeKind,
			)
		}
	}

	if c.xruns != nil {
		ch <- prometheus.MustNewConstMetric(
			c.xrunTotalDesc, prometheus.CounterValue,
			float64(c.xruns.XRunCount()),
		)
	}

	if c.failures != nil {
		ch <- prometheus.MustNewConstMetric(
			c.nodeFailureDesc, prometheus.CounterValue,
			float64(c.failures.NodeFailureCount()),
		)
	}

	if c.backend != nil {
		val := 0.0
		if c.backend.BackendConnected() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.backendUpDesc, prometheus.GaugeValue, val,
			c.backend.BackendKind(),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
