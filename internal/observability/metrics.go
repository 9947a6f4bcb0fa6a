// Package observability bundles the hub's Prometheus metrics and the
// HTTP handler that exposes them.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HubCollector holds the hub-side metrics: ingestion counters, fusion
// progress, and OCS outcomes.
type HubCollector struct {
	gatherer prometheus.Gatherer

	PacketsReceived prometheus.Counter
	DecodeFailures  *prometheus.CounterVec
	StaleSequences  prometheus.Counter
	EpochsFused     prometheus.Counter
	NodesTracked    prometheus.Gauge
	OCSCalls        *prometheus.CounterVec
	PublishFailures prometheus.Counter
	SolveResidualM  prometheus.Histogram
}

// NewHubCollector registers the hub metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewHubCollector(reg prometheus.Registerer) *HubCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &HubCollector{
		gatherer: gatherer,
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uwb_packets_received_total",
			Help: "Measurement packets accepted by the UDP listener.",
		}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uwb_decode_failures_total",
			Help: "Measurement packets dropped by the codec, labeled by failure kind.",
		}, []string{"kind"}),
		StaleSequences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uwb_stale_sequences_total",
			Help: "Packets rejected by per-node sequence replay protection.",
		}),
		EpochsFused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uwb_epochs_fused_total",
			Help: "Fusion epochs completed and published.",
		}),
		NodesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uwb_nodes_tracked",
			Help: "Nodes with live filter state in the arena.",
		}),
		OCSCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uwb_ocs_calls_total",
			Help: "Per-epoch OCS classifications, labeled by call.",
		}, []string{"call"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uwb_publish_failures_total",
			Help: "Fused packets that failed to send on the multicast socket.",
		}),
		SolveResidualM: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uwb_solve_residual_meters",
			Help:    "RMS residual of the per-epoch multilateration solve.",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),
	}

	reg.MustRegister(
		c.PacketsReceived, c.DecodeFailures, c.StaleSequences,
		c.EpochsFused, c.NodesTracked, c.OCSCalls,
		c.PublishFailures, c.SolveResidualM,
	)
	return c
}

// Handler returns the /metrics HTTP handler for this collector's
// registry.
func (c *HubCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
