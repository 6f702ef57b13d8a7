// Package metrics exposes the daemon's Prometheus surface: event counters
// incremented at the call sites and a pull collector that samples the worker
// set on each scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionRestarts counts worker sessions that died and entered backoff.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acproxycam_worker_session_restarts_total",
		Help: "Worker sessions that failed and were restarted with backoff",
	}, []string{"printer"})

	// CameraStarts counts capture-start commands issued over MQTT.
	CameraStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acproxycam_camera_start_commands_total",
		Help: "Camera start commands published, including keepalives and recoveries",
	}, []string{"printer"})

	// SnapshotUploads counts JPEG uploads to the Obico server.
	SnapshotUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acproxycam_obico_snapshot_uploads_total",
		Help: "Snapshots uploaded to the Obico server by result",
	}, []string{"printer", "result"})
)

// WorkerSample is one worker's point-in-time stats, collected per scrape.
type WorkerSample struct {
	Printer       string
	State         string
	FramesDecoded uint64
	Subscribers   int
	Clients       map[string]int
}

// Source yields the current worker samples; the printer registry implements
// it.
type Source interface {
	WorkerSamples() []WorkerSample
}

var (
	workerStateDesc = prometheus.NewDesc(
		"acproxycam_worker_state",
		"Current worker state (1 for the active state label)",
		[]string{"printer", "state"}, nil)
	framesDesc = prometheus.NewDesc(
		"acproxycam_frames_decoded_total",
		"Frames decoded since the worker started",
		[]string{"printer"}, nil)
	subscribersDesc = prometheus.NewDesc(
		"acproxycam_h264_subscribers",
		"Attached H.264 packet subscribers",
		[]string{"printer"}, nil)
	clientsDesc = prometheus.NewDesc(
		"acproxycam_stream_clients",
		"Connected stream clients by kind",
		[]string{"printer", "kind"}, nil)
)

// Collector samples a Source on every scrape.
type Collector struct {
	src Source
}

// NewCollector wraps src; register the result on the default registry.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- workerStateDesc
	ch <- framesDesc
	ch <- subscribersDesc
	ch <- clientsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.WorkerSamples() {
		ch <- prometheus.MustNewConstMetric(workerStateDesc, prometheus.GaugeValue, 1, s.Printer, s.State)
		ch <- prometheus.MustNewConstMetric(framesDesc, prometheus.CounterValue, float64(s.FramesDecoded), s.Printer)
		ch <- prometheus.MustNewConstMetric(subscribersDesc, prometheus.GaugeValue, float64(s.Subscribers), s.Printer)
		for kind, n := range s.Clients {
			ch <- prometheus.MustNewConstMetric(clientsDesc, prometheus.GaugeValue, float64(n), s.Printer, kind)
		}
	}
}

// Register installs the collector on the default registry. Safe to call once
// per process.
func Register(src Source) {
	prometheus.MustRegister(NewCollector(src))
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
