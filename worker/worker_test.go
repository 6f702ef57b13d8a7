package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acproxycam/camserver"
	"acproxycam/config"
	"acproxycam/decoder"
	"acproxycam/hub"
	"acproxycam/mqtt"
	"acproxycam/sshcred"
)

func testWorkerTimings() Timings {
	return Timings{
		SupervisionInterval:     10 * time.Millisecond,
		DecoderGrace:            40 * time.Millisecond,
		Stabilization:           30 * time.Millisecond,
		StallAfter:              60 * time.Millisecond,
		QuickRecoveryWindow:     250 * time.Millisecond,
		RecoveryWait:            5 * time.Millisecond,
		LanRetryAfter:           80 * time.Millisecond,
		LanRetryEvery:           40 * time.Millisecond,
		LedPollInterval:         15 * time.Millisecond,
		ExternalStopDelay:       20 * time.Millisecond,
		ModelDetectTimeout:      100 * time.Millisecond,
		ProbeTimeout:            10 * time.Millisecond,
		RetryBackoffReachable:   30 * time.Millisecond,
		RetryBackoffUnreachable: 60 * time.Millisecond,
		HLSActivityWindow:       50 * time.Millisecond,
		ShutdownGrace:           2 * time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type ledSet struct {
	on         bool
	brightness int
}

type mqttStats struct {
	connects     int
	disconnects  int
	subscribes   int
	detects      int
	cameraStarts int
	cameraStops  int
	printStops   int
	ledSets      []ledSet
}

type fakeMqttClient struct {
	h  *workerHarness
	ev mqtt.Events

	mu        sync.Mutex
	connected bool
	led       mqtt.LedState
	stats     mqttStats
}

func (m *fakeMqttClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.stats.connects++
	m.mu.Unlock()
	if m.h.takeConnectFailure() {
		return errors.New("connection refused")
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMqttClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.stats.disconnects++
}

func (m *fakeMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMqttClient) SubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.subscribes++
	return nil
}

func (m *fakeMqttClient) WaitForModelDetection(ctx context.Context, timeout time.Duration) (string, error) {
	m.mu.Lock()
	m.stats.detects++
	m.mu.Unlock()
	code := m.h.detectCodeValue()
	if code == "" {
		return "", errors.New("model detection timed out")
	}
	return code, nil
}

func (m *fakeMqttClient) TryStartCamera(ctx context.Context, deviceID, modelCode string) error {
	m.mu.Lock()
	m.stats.cameraStarts++
	m.mu.Unlock()
	return nil
}

func (m *fakeMqttClient) TryStopCamera(ctx context.Context, deviceID, modelCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.cameraStops++
	return nil
}

func (m *fakeMqttClient) QueryLedStatus(ctx context.Context, deviceID, modelCode string) (mqtt.LedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.led, nil
}

func (m *fakeMqttClient) SetLed(ctx context.Context, deviceID, modelCode string, on bool, brightness int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ledSets = append(m.stats.ledSets, ledSet{on: on, brightness: brightness})
	if on {
		m.led.Status = 1
	} else {
		m.led.Status = 0
	}
	if brightness > 0 {
		m.led.Brightness = brightness
	}
	return nil
}

func (m *fakeMqttClient) SendPrintStop(ctx context.Context, deviceID, modelCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.printStops++
	return nil
}

func (m *fakeMqttClient) snapshot() mqttStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.ledSets = append([]ledSet(nil), m.stats.ledSets...)
	return st
}

func (m *fakeMqttClient) firePrinterState(st mqtt.PrinterState) {
	if m.ev.PrinterStateReceived != nil {
		m.ev.PrinterStateReceived(st)
	}
}

func (m *fakeMqttClient) fireCameraStop() {
	if m.ev.CameraStopDetected != nil {
		m.ev.CameraStopDetected()
	}
}

func (m *fakeMqttClient) fireConnectionLost(err error) {
	if m.ev.ConnectionLost != nil {
		m.ev.ConnectionLost(err)
	}
}

type fakeCreds struct {
	mu        sync.Mutex
	creds     sshcred.Credentials
	credErr   error
	info      sshcred.PrinterInfo
	infoErr   error
	credCalls int
	infoCalls int
}

func (c *fakeCreds) RetrieveCredentials(ctx context.Context) (*sshcred.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credCalls++
	if c.credErr != nil {
		return nil, c.credErr
	}
	out := c.creds
	return &out, nil
}

func (c *fakeCreds) RetrievePrinterInfo(ctx context.Context) (*sshcred.PrinterInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infoCalls++
	if c.infoErr != nil {
		return nil, c.infoErr
	}
	out := c.info
	return &out, nil
}

func (c *fakeCreds) calls() (creds, info int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credCalls, c.infoCalls
}

type fakeLan struct {
	h *workerHarness
}

func (l *fakeLan) Enable(ctx context.Context) (bool, error) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	l.h.lanCalls++
	return false, nil
}

type fakeCam struct {
	mu        sync.Mutex
	startErr  error
	started   bool
	stopped   bool
	consumers bool
	viewers   []int
}

func (c *fakeCam) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *fakeCam) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *fakeCam) HasConsumers(hlsWindow time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumers
}

func (c *fakeCam) SetExternalViewers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewers = append(c.viewers, n)
}

func (c *fakeCam) Counts() camserver.Counts { return camserver.Counts{} }

func (c *fakeCam) setConsumers(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = on
}

func (c *fakeCam) wasStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *fakeCam) viewerLog() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.viewers...)
}

// fakeDecoder feeds the hub like the ffmpeg pipeline would, one tiny frame
// every few milliseconds, until stopped or frozen.
type fakeDecoder struct {
	h  *workerHarness
	cb decoder.Callbacks

	done     chan struct{}
	stopOnce sync.Once
	frozen   atomic.Bool
	stopped  atomic.Bool
}

func (d *fakeDecoder) Start() error {
	if d.h.feed.Load() {
		d.cb.OnStarted(decoder.StreamInfo{Width: 640, Height: 480, FPS: 15})
		go d.run()
	}
	return nil
}

func (d *fakeDecoder) run() {
	buf := make([]byte, 24)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if d.frozen.Load() {
				continue
			}
			d.cb.OnFrame(buf, 6, 4, 4)
		}
	}
}

func (d *fakeDecoder) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.stopped.Store(true)
}

func (d *fakeDecoder) exit(err error) {
	d.stopOnce.Do(func() { close(d.done) })
	if d.cb.OnExit != nil {
		d.cb.OnExit(err)
	}
}

type fakeBridge struct {
	mu      sync.Mutex
	hooks   BridgeHooks
	starts  int
	stops   int
	viewing bool
}

func (b *fakeBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return nil
}

func (b *fakeBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
}

func (b *fakeBridge) Viewing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewing
}

func (b *fakeBridge) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *fakeBridge) stopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *fakeBridge) hookSet() BridgeHooks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hooks
}

type workerHarness struct {
	w     *Worker
	creds *fakeCreds

	feed      atomic.Bool
	reachable atomic.Bool

	mu              sync.Mutex
	mqtts           []*fakeMqttClient
	decoders        []*fakeDecoder
	cams            []*fakeCam
	changes         []*config.PrinterConfig
	lanCalls        int
	connectFailures int
	detectCode      string
	ledInit         mqtt.LedState
	camStartErr     error
}

func newWorkerHarness(t *testing.T, pc *config.PrinterConfig) *workerHarness {
	t.Helper()
	h := &workerHarness{creds: &fakeCreds{}}
	h.feed.Store(true)
	h.reachable.Store(true)
	h.creds.info = sshcred.PrinterInfo{DeviceID: pc.DeviceID, ModelCode: pc.ModelCode}

	w := New(pc, []string{"127.0.0.1"}, Events{
		ConfigChanged: func(updated *config.PrinterConfig) {
			h.mu.Lock()
			h.changes = append(h.changes, updated)
			h.mu.Unlock()
		},
	})
	w.timings = testWorkerTimings()
	w.newMqtt = func(cfg mqtt.Config, ev mqtt.Events) mqttClient {
		h.mu.Lock()
		defer h.mu.Unlock()
		m := &fakeMqttClient{h: h, ev: ev, led: h.ledInit}
		h.mqtts = append(h.mqtts, m)
		return m
	}
	w.newCreds = func() credentialService { return h.creds }
	w.newLan = func() lanModeService { return &fakeLan{h: h} }
	w.newDecoder = func(url string, cb decoder.Callbacks) streamDecoder {
		h.mu.Lock()
		defer h.mu.Unlock()
		d := &fakeDecoder{h: h, cb: cb, done: make(chan struct{})}
		h.decoders = append(h.decoders, d)
		return d
	}
	w.newCam = func() camServer {
		h.mu.Lock()
		defer h.mu.Unlock()
		c := &fakeCam{startErr: h.camStartErr}
		h.cams = append(h.cams, c)
		return c
	}
	w.probe = func(ctx context.Context) bool { return h.reachable.Load() }
	h.w = w
	return h
}

func (h *workerHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.w.Stop(ctx)
	})
}

func (h *workerHarness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, func() bool { return h.w.Status().State == want }, "worker never reached state "+string(want))
}

func (h *workerHarness) takeConnectFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectFailures > 0 {
		h.connectFailures--
		return true
	}
	return false
}

func (h *workerHarness) detectCodeValue() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detectCode
}

func (h *workerHarness) lastMqtt() *fakeMqttClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.mqtts) == 0 {
		return nil
	}
	return h.mqtts[len(h.mqtts)-1]
}

func (h *workerHarness) mqttCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mqtts)
}

func (h *workerHarness) totals() mqttStats {
	h.mu.Lock()
	clients := append([]*fakeMqttClient(nil), h.mqtts...)
	h.mu.Unlock()
	var sum mqttStats
	for _, m := range clients {
		st := m.snapshot()
		sum.connects += st.connects
		sum.disconnects += st.disconnects
		sum.subscribes += st.subscribes
		sum.detects += st.detects
		sum.cameraStarts += st.cameraStarts
		sum.cameraStops += st.cameraStops
		sum.printStops += st.printStops
		sum.ledSets = append(sum.ledSets, st.ledSets...)
	}
	return sum
}

func (h *workerHarness) decoderCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.decoders)
}

func (h *workerHarness) lastDecoder() *fakeDecoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.decoders) == 0 {
		return nil
	}
	return h.decoders[len(h.decoders)-1]
}

func (h *workerHarness) currentCam() *fakeCam {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.cams) == 0 {
		return nil
	}
	return h.cams[len(h.cams)-1]
}

func (h *workerHarness) camCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cams)
}

func (h *workerHarness) lanCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lanCalls
}

func (h *workerHarness) changeLog() []*config.PrinterConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*config.PrinterConfig(nil), h.changes...)
}

func workerConfig(name string) *config.PrinterConfig {
	pc := &config.PrinterConfig{
		Name:          name,
		IP:            "192.0.2.60",
		MjpegPort:     28200,
		CameraEnabled: true,
		MqttUser:      "cached-user",
		MqttPassword:  "cached-pass",
		DeviceID:      "dev-1",
		ModelCode:     "20021",
	}
	pc.ApplyDefaults()
	return pc
}

func TestWorkerColdStartToRunning(t *testing.T) {
	pc := workerConfig("kobra")
	pc.MqttUser, pc.MqttPassword, pc.DeviceID, pc.ModelCode = "", "", "", ""
	h := newWorkerHarness(t, pc)
	h.creds.creds = sshcred.Credentials{
		MqttUser: "u1", MqttPassword: "p1",
		DeviceID: "dev-1", DeviceType: "Kobra 2 Pro", ModelCode: "20021",
	}
	h.start(t)

	h.waitState(t, StateRunning)
	st := h.w.Status()
	assert.True(t, st.SSH.CredentialsRetrieved)
	assert.True(t, st.Mqtt.Connected)
	assert.True(t, st.Stream.Decoding)
	assert.Greater(t, h.w.Hub().FrameCount(), uint64(0))

	m := h.lastMqtt().snapshot()
	assert.Equal(t, 1, m.connects)
	assert.Equal(t, 1, m.subscribes)
	assert.Equal(t, 0, m.detects, "model code from credentials, no detection needed")
	assert.GreaterOrEqual(t, m.cameraStarts, 1)

	changes := h.changeLog()
	require.NotEmpty(t, changes, "discovered credentials must be emitted")
	last := changes[len(changes)-1]
	assert.Equal(t, "u1", last.MqttUser)
	assert.Equal(t, "dev-1", last.DeviceID)
	assert.Equal(t, "20021", last.ModelCode)

	credCalls, infoCalls := h.creds.calls()
	assert.Equal(t, 1, credCalls)
	assert.Equal(t, 0, infoCalls)
}

func TestWorkerDetectsModelCode(t *testing.T) {
	pc := workerConfig("kobra")
	pc.MqttUser, pc.MqttPassword, pc.DeviceID, pc.ModelCode = "", "", "", ""
	h := newWorkerHarness(t, pc)
	h.creds.creds = sshcred.Credentials{MqttUser: "u1", MqttPassword: "p1", DeviceID: "dev-1"}
	h.mu.Lock()
	h.detectCode = "20022"
	h.mu.Unlock()
	h.start(t)

	h.waitState(t, StateRunning)
	assert.Equal(t, "20022", h.w.PrinterConfig().ModelCode)
	assert.Equal(t, 1, h.lastMqtt().snapshot().detects)
	assert.Equal(t, "20022", h.w.Status().Mqtt.ModelCode)
}

func TestWorkerAdoptsIdentityWithCachedCredentials(t *testing.T) {
	pc := workerConfig("kobra")
	pc.DeviceID, pc.ModelCode = "", ""
	h := newWorkerHarness(t, pc)
	h.creds.info = sshcred.PrinterInfo{DeviceID: "dev-9", DeviceType: "Kobra 3", ModelCode: "20024"}
	h.start(t)

	h.waitState(t, StateRunning)
	got := h.w.PrinterConfig()
	assert.Equal(t, "dev-9", got.DeviceID)
	assert.Equal(t, "Kobra 3", got.DeviceType)
	assert.Equal(t, "20024", got.ModelCode)
	assert.Equal(t, "cached-user", got.MqttUser, "cached credentials kept")

	credCalls, infoCalls := h.creds.calls()
	assert.Equal(t, 0, credCalls)
	assert.Equal(t, 1, infoCalls)
}

func TestWorkerWipesCredentialsOnIdentityChange(t *testing.T) {
	pc := workerConfig("kobra")
	h := newWorkerHarness(t, pc)
	h.creds.info = sshcred.PrinterInfo{DeviceID: "dev-2", ModelCode: "20028"}
	h.creds.creds = sshcred.Credentials{
		MqttUser: "u2", MqttPassword: "p2",
		DeviceID: "dev-2", ModelCode: "20028",
	}
	h.start(t)

	h.waitState(t, StateRunning)
	got := h.w.PrinterConfig()
	assert.Equal(t, "dev-2", got.DeviceID)
	assert.Equal(t, "u2", got.MqttUser)
	assert.Equal(t, "20028", got.ModelCode)

	credCalls, infoCalls := h.creds.calls()
	assert.Equal(t, 1, credCalls, "fresh credentials fetched for the new identity")
	assert.Equal(t, 1, infoCalls)
	require.NotEmpty(t, h.changeLog())
}

func TestWorkerCameraRestartAfterExternalStop(t *testing.T) {
	h := newWorkerHarness(t, workerConfig("kobra"))
	h.start(t)
	h.waitState(t, StateRunning)

	before := h.totals().cameraStarts
	h.lastMqtt().fireCameraStop()

	waitFor(t, func() bool {
		return h.totals().cameraStarts > before
	}, "camera never restarted after external stop")
	assert.Equal(t, StateRunning, h.w.Status().State)
	assert.Equal(t, 1, h.mqttCount(), "external stop must not tear the session down")
}

func TestWorkerQuickRecoveryOnStall(t *testing.T) {
	h := newWorkerHarness(t, workerConfig("kobra"))
	h.start(t)
	h.waitState(t, StateRunning)

	first := h.lastDecoder()
	before := h.totals().cameraStarts
	first.frozen.Store(true)

	h.waitState(t, StateRetrying)
	waitFor(t, func() bool { return h.decoderCount() >= 2 }, "no replacement decoder after stall")
	waitFor(t, func() bool { return h.w.Status().Stream.Decoding }, "stream never recovered")

	assert.True(t, first.stopped.Load(), "stalled decoder must be stopped")
	assert.Greater(t, h.totals().cameraStarts, before, "recovery re-issues the capture start")
	assert.Equal(t, 1, h.mqttCount(), "quick recovery keeps the mqtt session")
	assert.Equal(t, StateRunning, h.w.Status().State)
	assert.True(t, h.w.throttle.Allow("quick-recovery"), "recovery re-arms throttled logging")
}

func TestWorkerRestartsDecoderOnExit(t *testing.T) {
	h := newWorkerHarness(t, workerConfig("kobra"))
	h.start(t)
	h.waitState(t, StateRunning)

	h.lastDecoder().exit(errors.New("ffmpeg crashed"))

	waitFor(t, func() bool { return h.decoderCount() >= 2 }, "no replacement decoder after exit")
	waitFor(t, func() bool { return h.w.Status().Stream.Decoding }, "stream never recovered")
	assert.Equal(t, 1, h.mqttCount())
	assert.Equal(t, StateRunning, h.w.Status().State)
}

func TestWorkerRetriesWhenPrinterUnreachable(t *testing.T) {
	pc := workerConfig("kobra")
	pc.SendStopCommand = true
	h := newWorkerHarness(t, pc)
	h.feed.Store(false)
	h.reachable.Store(false)
	h.start(t)

	waitFor(t, func() bool {
		st := h.w.Status()
		return st.State == StateRetrying &&
			strings.Contains(st.LastError, "unreachable") &&
			!st.NextRetryAt.IsZero()
	}, "session never fell back to backoff")
	assert.Equal(t, 0, h.totals().cameraStops, "failed session must not stop the camera")

	// The printer comes back; the next session must succeed end to end.
	h.feed.Store(true)
	h.reachable.Store(true)
	h.waitState(t, StateRunning)
	assert.GreaterOrEqual(t, h.mqttCount(), 2, "recovery runs a fresh session")
}

func TestWorkerCameraStopOnDeliberateShutdown(t *testing.T) {
	pc := workerConfig("kobra")
	pc.SendStopCommand = true
	h := newWorkerHarness(t, pc)
	h.start(t)
	h.waitState(t, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.w.Stop(ctx)

	totals := h.totals()
	assert.Equal(t, 1, totals.cameraStops, "exactly one capture stop on shutdown")
	assert.Equal(t, 1, totals.disconnects)
	assert.Equal(t, StateStopped, h.w.Status().State)
	assert.True(t, h.currentCam().wasStopped())
}

func TestWorkerNoCameraStopWhenDisabled(t *testing.T) {
	pc := workerConfig("kobra")
	pc.SendStopCommand = false
	h := newWorkerHarness(t, pc)
	h.start(t)
	h.waitState(t, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.w.Stop(ctx)

	assert.Equal(t, 0, h.totals().cameraStops)
}

func TestWorkerTelemetryOnlyStartsBridge(t *testing.T) {
	pc := workerConfig("kobra")
	pc.CameraEnabled = false
	pc.Obico = &config.ObicoConfig{Enabled: true, ServerURL: "http://127.0.0.1:3334", AuthToken: "tok"}
	h := newWorkerHarness(t, pc)
	br := &fakeBridge{}
	h.w.NewBridge = func(hb *hub.Hub, hooks BridgeHooks) Bridge {
		br.mu.Lock()
		br.hooks = hooks
		br.mu.Unlock()
		return br
	}
	h.start(t)

	h.waitState(t, StateRunning)
	assert.Equal(t, 1, br.startCount())
	assert.Equal(t, 0, h.decoderCount(), "telemetry-only worker runs no decoder")
	assert.Equal(t, 0, h.totals().cameraStarts, "telemetry-only worker never starts the camera")

	hooks := br.hookSet()
	require.NotNil(t, hooks.RequestNativeStop)

	// An Obico-side cancel funnels into the firmware stop.
	hooks.RequestNativeStop()
	waitFor(t, func() bool { return h.totals().printStops == 1 }, "native stop never issued")

	// Remote viewer counts reach the camera server.
	hooks.SetExternalViewers(2)
	waitFor(t, func() bool { return len(h.currentCam().viewerLog()) > 0 }, "viewer count never forwarded")
	assert.Equal(t, []int{2}, h.currentCam().viewerLog())

	// Bridge errors land in the worker status.
	hooks.ReportError(errors.New("obico unreachable"))
	assert.Equal(t, "obico unreachable", h.w.Status().LastError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.w.Stop(ctx)
	assert.GreaterOrEqual(t, br.stopCount(), 1)
}

func TestWorkerBridgeStartsOncePerSession(t *testing.T) {
	pc := workerConfig("kobra")
	pc.Obico = &config.ObicoConfig{Enabled: true, ServerURL: "http://127.0.0.1:3334", AuthToken: "tok"}
	h := newWorkerHarness(t, pc)
	br := &fakeBridge{}
	h.w.NewBridge = func(hb *hub.Hub, hooks BridgeHooks) Bridge {
		br.mu.Lock()
		br.hooks = hooks
		br.mu.Unlock()
		return br
	}
	h.start(t)
	h.waitState(t, StateRunning)
	waitFor(t, func() bool { return br.startCount() == 1 }, "bridge never started")

	// A decoder swap inside the session must not start a second bridge.
	h.lastDecoder().frozen.Store(true)
	waitFor(t, func() bool { return h.decoderCount() >= 2 }, "no replacement decoder after stall")
	waitFor(t, func() bool { return h.w.Status().Stream.Decoding }, "stream never recovered")
	assert.Equal(t, 1, br.startCount())
}

func TestWorkerLanModeRetryOnConnectFailure(t *testing.T) {
	pc := workerConfig("kobra")
	pc.AutoLanMode = true
	h := newWorkerHarness(t, pc)
	h.mu.Lock()
	h.connectFailures = 1
	h.mu.Unlock()
	h.start(t)

	h.waitState(t, StateRunning)
	assert.Equal(t, 2, h.lanCount(), "lan mode re-runs after a failed connect")
	assert.Equal(t, 2, h.lastMqtt().snapshot().connects)
	assert.Equal(t, 1, h.mqttCount(), "retry happens inside the same session")
}

func TestWorkerLedAutoControl(t *testing.T) {
	pc := workerConfig("kobra")
	pc.CameraEnabled = false
	pc.LedAutoControl = true
	pc.StandbyLedTimeoutMinutes = 1
	h := newWorkerHarness(t, pc)
	h.mu.Lock()
	h.ledInit = mqtt.LedState{Type: 1, Status: 0, Brightness: 60}
	h.mu.Unlock()
	h.start(t)
	h.waitState(t, StateRunning)

	// Working printer with the light off: the worker switches it on.
	h.lastMqtt().firePrinterState(mqtt.PrinterState{State: "printing"})
	waitFor(t, func() bool {
		for _, s := range h.totals().ledSets {
			if s.on {
				return true
			}
		}
		return false
	}, "light never switched on while printing")

	// Idle printer with the light on past the standby timeout: light off.
	h.lastMqtt().firePrinterState(mqtt.PrinterState{State: "free"})
	waitFor(t, func() bool {
		led := h.w.Status().Led
		return led != nil && led.On()
	}, "worker never observed the light on")
	h.w.mu.Lock()
	h.w.ledOnSince = time.Now().Add(-2 * time.Minute)
	h.w.mu.Unlock()

	waitFor(t, func() bool {
		for _, s := range h.totals().ledSets {
			if !s.on {
				return true
			}
		}
		return false
	}, "light never switched off after standby timeout")
	waitFor(t, func() bool {
		led := h.w.Status().Led
		return led != nil && !led.On()
	}, "status never reflected the light going off")
}

func TestWorkerKeepaliveWhileWatched(t *testing.T) {
	pc := workerConfig("kobra")
	pc.CameraKeepaliveSeconds = 1
	h := newWorkerHarness(t, pc)
	h.start(t)
	h.waitState(t, StateRunning)

	h.currentCam().setConsumers(true)
	before := h.totals().cameraStarts
	waitFor(t, func() bool {
		return h.totals().cameraStarts > before
	}, "keepalive never re-issued the capture start")
}

func TestWorkerStartFailsWhenCameraPortTaken(t *testing.T) {
	pc := workerConfig("kobra")
	h := newWorkerHarness(t, pc)
	h.mu.Lock()
	h.camStartErr = errors.New("listen tcp 127.0.0.1:28200: bind: address already in use")
	h.mu.Unlock()

	err := h.w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera server")
	assert.Equal(t, StateStopped, h.w.Status().State)
}

func TestWorkerSessionDiesOnConnectionLost(t *testing.T) {
	h := newWorkerHarness(t, workerConfig("kobra"))
	h.start(t)
	h.waitState(t, StateRunning)

	h.lastMqtt().fireConnectionLost(errors.New("broker went away"))

	waitFor(t, func() bool {
		return h.w.Status().LastError != ""
	}, "lost connection never surfaced as a session error")
	assert.Contains(t, h.w.Status().LastError, "mqtt connection lost")

	// Reachable printer, short backoff, fresh session.
	waitFor(t, func() bool {
		return h.mqttCount() >= 2 && h.w.Status().State == StateRunning
	}, "worker never rebuilt the session")
}

func TestWorkerPauseResume(t *testing.T) {
	h := newWorkerHarness(t, workerConfig("kobra"))
	h.start(t)
	h.waitState(t, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.w.Pause(ctx)
	st := h.w.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.True(t, st.IsPaused)
	assert.True(t, h.currentCam().wasStopped())

	require.NoError(t, h.w.Resume(context.Background()))
	h.waitState(t, StateRunning)
	assert.False(t, h.w.Status().IsPaused)
	assert.Equal(t, 2, h.camCount(), "resume binds a fresh camera server")
	assert.GreaterOrEqual(t, h.mqttCount(), 2)
}
