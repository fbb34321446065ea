package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nodie/internal/model"
)

var allStates = []model.ConnectionState{
	model.StateIdle,
	model.StateConnecting,
	model.StateConnected,
	model.StateReconnecting,
	model.StateStopping,
	model.StateStopped,
}

// Collectors holds the node's Prometheus metrics on a private registry.
// All methods are safe on a nil receiver.
type Collectors struct {
	Registry *prometheus.Registry

	state          *prometheus.GaugeVec
	totalPoints    prometheus.Gauge
	pendingUploads prometheus.Gauge
	downloadMbps   prometheus.Gauge
	latencyMs      prometheus.Gauge
	probes         *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	reconnects     prometheus.Counter
}

// NewCollectors registers every metric on a fresh registry.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collectors{
		Registry: reg,
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodie_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		totalPoints: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodie_points_total",
			Help: "Sum of points over the local ledger.",
		}),
		pendingUploads: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodie_pending_upload_events",
			Help: "Accrual events not yet acknowledged by the server.",
		}),
		downloadMbps: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodie_probe_download_mbps",
			Help: "Download rate of the latest successful probe.",
		}),
		latencyMs: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodie_probe_latency_ms",
			Help: "Latency of the latest successful probe.",
		}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nodie_probes_total",
			Help: "Speed probes by result.",
		}, []string{"result"}),
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nodie_heartbeats_total",
			Help: "Heartbeats by result.",
		}, []string{"result"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nodie_ledger_uploads_total",
			Help: "Ledger uploads by result.",
		}, []string{"result"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "nodie_reconnects_total",
			Help: "Transitions into the reconnecting state.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

func (c *Collectors) SetState(s model.ConnectionState) {
	if c == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.state.WithLabelValues(string(st)).Set(v)
	}
	if s == model.StateReconnecting {
		c.reconnects.Inc()
	}
}

func (c *Collectors) SetLedger(total float64, pending int) {
	if c == nil {
		return
	}
	c.totalPoints.Set(total)
	c.pendingUploads.Set(float64(pending))
}

func (c *Collectors) ObserveProbe(s *model.SpeedSample) {
	if c == nil {
		return
	}
	if s == nil {
		c.probes.WithLabelValues("failed").Inc()
		return
	}
	c.probes.WithLabelValues("ok").Inc()
	c.downloadMbps.Set(s.DownloadMbps())
	c.latencyMs.Set(s.LatencyMs)
}

func (c *Collectors) ObserveHeartbeat(err error) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(result(err)).Inc()
}

func (c *Collectors) ObserveUpload(err error) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
