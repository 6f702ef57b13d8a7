package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct{ samples []WorkerSample }

func (f *fakeSource) WorkerSamples() []WorkerSample { return f.samples }

func TestCollectorEmitsWorkerSamples(t *testing.T) {
	src := &fakeSource{samples: []WorkerSample{
		{
			Printer:       "k1",
			State:         "running",
			FramesDecoded: 42,
			Subscribers:   2,
			Clients:       map[string]int{"mjpeg": 3, "h264Ws": 1},
		},
		{Printer: "k2", State: "retrying"},
	}}

	expected := `
# HELP acproxycam_worker_state Current worker state (1 for the active state label)
# TYPE acproxycam_worker_state gauge
acproxycam_worker_state{printer="k1",state="running"} 1
acproxycam_worker_state{printer="k2",state="retrying"} 1
`
	if err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected), "acproxycam_worker_state"); err != nil {
		t.Fatal(err)
	}

	expected = `
# HELP acproxycam_frames_decoded_total Frames decoded since the worker started
# TYPE acproxycam_frames_decoded_total counter
acproxycam_frames_decoded_total{printer="k1"} 42
acproxycam_frames_decoded_total{printer="k2"} 0
`
	if err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected), "acproxycam_frames_decoded_total"); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorClientKinds(t *testing.T) {
	src := &fakeSource{samples: []WorkerSample{
		{Printer: "k1", State: "running", Clients: map[string]int{"mjpeg": 2}},
	}}
	got := testutil.CollectAndCount(NewCollector(src), "acproxycam_stream_clients")
	if got != 1 {
		t.Fatalf("client series = %d, want 1", got)
	}
}

func TestSessionRestartsCounter(t *testing.T) {
	SessionRestarts.WithLabelValues("bench").Inc()
	SessionRestarts.WithLabelValues("bench").Inc()
	got := testutil.ToFloat64(SessionRestarts.WithLabelValues("bench"))
	if got != 2 {
		t.Fatalf("restarts = %v, want 2", got)
	}
	SessionRestarts.DeletePartialMatch(prometheus.Labels{"printer": "bench"})
}
