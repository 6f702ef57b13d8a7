// Package worker supervises one printer end to end: credential bootstrap
// over SSH, LAN mode, the MQTT session, the ffmpeg decoder, the camera HTTP
// server, and the optional Obico bridge, with recovery at every layer.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"acproxycam/camserver"
	"acproxycam/config"
	"acproxycam/decoder"
	"acproxycam/hub"
	"acproxycam/logging"
	"acproxycam/mqtt"
	"acproxycam/sshcred"
)

// cameraStreamPort is where the printer firmware serves its FLV feed.
const cameraStreamPort = 18088

// State is the worker's lifecycle position.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateRunning      State = "running"
	StateRetrying     State = "retrying"
	StatePaused       State = "paused"
)

// Timings collects every interval the supervision logic uses. Tests shrink
// them; production uses DefaultTimings.
type Timings struct {
	SupervisionInterval     time.Duration
	DecoderGrace            time.Duration
	Stabilization           time.Duration
	StallAfter              time.Duration
	QuickRecoveryWindow     time.Duration
	RecoveryWait            time.Duration
	LanRetryAfter           time.Duration
	LanRetryEvery           time.Duration
	LedPollInterval         time.Duration
	ExternalStopDelay       time.Duration
	ModelDetectTimeout      time.Duration
	ProbeTimeout            time.Duration
	RetryBackoffReachable   time.Duration
	RetryBackoffUnreachable time.Duration
	HLSActivityWindow       time.Duration
	ShutdownGrace           time.Duration
}

// DefaultTimings returns the production intervals.
func DefaultTimings() Timings {
	return Timings{
		SupervisionInterval:     time.Second,
		DecoderGrace:            5 * time.Second,
		Stabilization:           3 * time.Second,
		StallAfter:              10 * time.Second,
		QuickRecoveryWindow:     5 * time.Minute,
		RecoveryWait:            3500 * time.Millisecond,
		LanRetryAfter:           30 * time.Second,
		LanRetryEvery:           30 * time.Second,
		LedPollInterval:         30 * time.Second,
		ExternalStopDelay:       500 * time.Millisecond,
		ModelDetectTimeout:      10 * time.Second,
		ProbeTimeout:            2 * time.Second,
		RetryBackoffReachable:   5 * time.Second,
		RetryBackoffUnreachable: 30 * time.Second,
		HLSActivityWindow:       2 * time.Second,
		ShutdownGrace:           5 * time.Second,
	}
}

// SSHStatus reports the credential bootstrap.
type SSHStatus struct {
	CredentialsRetrieved bool      `json:"credentialsRetrieved"`
	LastAttempt          time.Time `json:"lastAttempt,omitzero"`
	LastError            string    `json:"lastError,omitempty"`
}

// MqttStatus reports the broker session.
type MqttStatus struct {
	Connected bool   `json:"connected"`
	ModelCode string `json:"modelCode,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// StreamStatus reports the camera pipeline.
type StreamStatus struct {
	Decoding   bool    `json:"decoding"`
	FrameCount uint64  `json:"frameCount"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
}

// Status is a point-in-time snapshot of the worker.
type Status struct {
	State          State              `json:"state"`
	IsPaused       bool               `json:"isPaused"`
	LastError      string             `json:"lastError,omitempty"`
	LastErrorAt    time.Time          `json:"lastErrorAt,omitzero"`
	LastSeenOnline time.Time          `json:"lastSeenOnline,omitzero"`
	NextRetryAt    time.Time          `json:"nextRetryAt,omitzero"`
	SSH            SSHStatus          `json:"ssh"`
	Mqtt           MqttStatus         `json:"mqtt"`
	Stream         StreamStatus       `json:"stream"`
	Led            *mqtt.LedState     `json:"led,omitempty"`
	PrinterState   *mqtt.PrinterState `json:"printerState,omitempty"`
	Clients        camserver.Counts   `json:"clients"`
}

// Events are raised by the worker toward its registry.
type Events struct {
	// ConfigChanged receives an updated copy after SSH discovery fills in
	// credentials or identity fields; the receiver persists it.
	ConfigChanged func(*config.PrinterConfig)
}

// Bridge is the optional Obico connection, started once the stream is up.
type Bridge interface {
	Start(ctx context.Context) error
	Stop()
	Viewing() bool
}

// BridgeHooks hand worker-side actions to a bridge implementation.
type BridgeHooks struct {
	// RequestNativeStop asks the worker to issue the firmware print stop,
	// keeping native state in sync with an Obico-initiated cancel.
	RequestNativeStop func()
	// SetExternalViewers reflects the remote viewer count into the
	// encoder's fps selection and the keepalive decision.
	SetExternalViewers func(n int)
	// ReportError surfaces bridge failures into the worker status.
	ReportError func(err error)
}

// mqttClient is the controller surface the worker drives.
type mqttClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SubscribeAll(ctx context.Context) error
	WaitForModelDetection(ctx context.Context, timeout time.Duration) (string, error)
	TryStartCamera(ctx context.Context, deviceID, modelCode string) error
	TryStopCamera(ctx context.Context, deviceID, modelCode string) error
	QueryLedStatus(ctx context.Context, deviceID, modelCode string) (mqtt.LedState, error)
	SetLed(ctx context.Context, deviceID, modelCode string, on bool, brightness int) error
	SendPrintStop(ctx context.Context, deviceID, modelCode string) error
}

type credentialService interface {
	RetrieveCredentials(ctx context.Context) (*sshcred.Credentials, error)
	RetrievePrinterInfo(ctx context.Context) (*sshcred.PrinterInfo, error)
}

type lanModeService interface {
	Enable(ctx context.Context) (alreadyOpen bool, err error)
}

type streamDecoder interface {
	Start() error
	Stop()
}

type camServer interface {
	Start() error
	Stop(ctx context.Context)
	HasConsumers(hlsWindow time.Duration) bool
	SetExternalViewers(n int)
	Counts() camserver.Counts
}

var workerSeq atomic.Int32

// Worker owns one printer.
type Worker struct {
	cfg        *config.PrinterConfig
	interfaces []string
	ev         Events
	log        zerolog.Logger
	timings    Timings
	index      int

	hub      *hub.Hub
	throttle *logging.Throttle

	// NewBridge builds the Obico bridge when a session's stream comes up.
	// Left nil, or returning nil, disables the bridge. Set before Start.
	NewBridge func(h *hub.Hub, hooks BridgeHooks) Bridge

	// Collaborator factories, swapped by tests.
	newMqtt    func(cfg mqtt.Config, ev mqtt.Events) mqttClient
	newCreds   func() credentialService
	newLan     func() lanModeService
	newDecoder func(url string, cb decoder.Callbacks) streamDecoder
	newCam     func() camServer
	probe      func(ctx context.Context) bool

	mu         sync.Mutex
	status     Status
	cam        camServer
	mqttCl     mqttClient
	session    *session
	running    bool
	stopping   bool
	cancel     context.CancelFunc
	done       chan struct{}
	ledOnSince time.Time
}

// New builds a Worker around its own copy of the printer config. interfaces
// is the daemon-wide listen list for the camera server.
func New(cfg *config.PrinterConfig, interfaces []string, ev Events) *Worker {
	w := &Worker{
		cfg:        cfg.Clone(),
		interfaces: append([]string(nil), interfaces...),
		ev:         ev,
		log:        logging.WithPrinter("worker", cfg.Name),
		timings:    DefaultTimings(),
		index:      int(workerSeq.Add(1) - 1),
		hub:        hub.New(),
		throttle:   logging.NewThrottle(30 * time.Second),
		status:     Status{State: StateStopped},
	}
	w.newMqtt = func(cfg mqtt.Config, ev mqtt.Events) mqttClient { return mqtt.New(cfg, ev) }
	w.newCreds = w.defaultCreds
	w.newLan = w.defaultLan
	w.newDecoder = func(url string, cb decoder.Callbacks) streamDecoder {
		return decoder.New(url, cb, logging.WithPrinter("decoder", w.cfg.Name))
	}
	w.newCam = w.defaultCam
	w.probe = func(ctx context.Context) bool {
		return probeReachable(ctx, w.cfg.IP, w.cfg.SshPort, w.timings.ProbeTimeout)
	}
	return w
}

// Name returns the printer name this worker serves.
func (w *Worker) Name() string { return w.cfg.Name }

// Hub exposes the stream fan-out, for snapshot consumers outside the HTTP
// surface.
func (w *Worker) Hub() *hub.Hub { return w.hub }

// PrinterConfig returns a copy of the worker's current config, including
// fields discovered since Start.
func (w *Worker) PrinterConfig() *config.PrinterConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.Clone()
}

func (w *Worker) sshConfig() sshcred.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sshcred.Config{
		Host:     w.cfg.IP,
		Port:     w.cfg.SshPort,
		User:     w.cfg.SshUser,
		Password: w.cfg.SshPassword,
		Printer:  w.cfg.Name,
	}
}

func (w *Worker) defaultCreds() credentialService { return sshcred.New(w.sshConfig()) }
func (w *Worker) defaultLan() lanModeService      { return sshcred.NewLanMode(w.sshConfig()) }

func (w *Worker) defaultCam() camServer {
	return camserver.New(camserver.Config{
		Name:         w.cfg.Name,
		Port:         w.cfg.MjpegPort,
		Interfaces:   w.interfaces,
		MaxFPS:       w.cfg.MaxFps,
		IdleFPS:      w.cfg.IdleFps,
		JpegQuality:  w.cfg.JpegQuality,
		LlHls:        w.cfg.LlHlsEnabled,
		PartDuration: time.Duration(w.cfg.HlsPartDurationMs) * time.Millisecond,
	}, w.hub, camserver.Hooks{
		Status: func() any { return w.Status() },
		LedGet: func(ctx context.Context) (camserver.LedState, error) {
			state, err := w.LedStatus(ctx)
			if err != nil {
				return camserver.LedState{}, err
			}
			return camserver.LedState{On: state.On(), Brightness: state.Brightness}, nil
		},
		LedSet: func(ctx context.Context, state camserver.LedState) error {
			return w.SetLed(ctx, state.On, state.Brightness)
		},
	})
}

// Start binds the camera server and launches the supervision loop. A bind
// failure is fatal: the worker stays stopped and the error is returned.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if w.cam == nil {
		w.cam = w.newCam()
		if err := w.cam.Start(); err != nil {
			w.cam = nil
			w.mu.Unlock()
			return fmt.Errorf("camera server: %w", err)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.stopping = false
	w.status.IsPaused = false
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// Stop cancels the supervision loop, waits out the shutdown grace, and
// tears down the camera server.
func (w *Worker) Stop(ctx context.Context) {
	w.shutdown(ctx, StateStopped)
}

// Pause tears the worker down like Stop but remembers the paused state;
// Resume restarts from the credential phase.
func (w *Worker) Pause(ctx context.Context) {
	w.shutdown(ctx, StatePaused)
}

// Resume restarts a paused worker.
func (w *Worker) Resume(ctx context.Context) error {
	return w.Start(ctx)
}

func (w *Worker) shutdown(ctx context.Context, final State) {
	w.mu.Lock()
	if !w.running {
		cam := w.cam
		w.cam = nil
		w.setStateLocked(final)
		w.status.IsPaused = final == StatePaused
		w.mu.Unlock()
		if cam != nil {
			cam.Stop(ctx)
		}
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.stopping = true
	w.mu.Unlock()

	cancel()
	grace := time.NewTimer(w.timings.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		w.log.Warn().Msg("supervision loop did not stop within grace")
	case <-ctx.Done():
	}

	w.mu.Lock()
	cam := w.cam
	w.cam = nil
	w.setStateLocked(final)
	w.status.IsPaused = final == StatePaused
	w.mu.Unlock()
	if cam != nil {
		cam.Stop(ctx)
	}
	w.log.Info().Str("state", string(final)).Msg("worker stopped")
}

// Status returns a snapshot, with live stream numbers read from the hub.
func (w *Worker) Status() Status {
	w.mu.Lock()
	st := w.status
	if st.Led != nil {
		led := *st.Led
		st.Led = &led
	}
	if st.PrinterState != nil {
		ps := *st.PrinterState
		st.PrinterState = &ps
	}
	cam := w.cam
	w.mu.Unlock()

	st.Stream.FrameCount = w.hub.FrameCount()
	st.Stream.Width, st.Stream.Height, st.Stream.FPS = w.hub.StreamInfo()
	if cam != nil {
		st.Clients = cam.Counts()
	}
	return st
}

// LedStatus queries the chamber light through the current MQTT session.
func (w *Worker) LedStatus(ctx context.Context) (mqtt.LedState, error) {
	m, deviceID, modelCode, err := w.currentMqtt()
	if err != nil {
		return mqtt.LedState{}, err
	}
	state, err := m.QueryLedStatus(ctx, deviceID, modelCode)
	if err != nil {
		return mqtt.LedState{}, err
	}
	w.observeLed(state)
	return state, nil
}

// SetLed switches the chamber light and resets the idle-off timer.
func (w *Worker) SetLed(ctx context.Context, on bool, brightness int) error {
	m, deviceID, modelCode, err := w.currentMqtt()
	if err != nil {
		return err
	}
	if err := m.SetLed(ctx, deviceID, modelCode, on, brightness); err != nil {
		return err
	}
	status := 0
	if on {
		status = 1
	}
	w.mu.Lock()
	w.status.Led = &mqtt.LedState{Type: 1, Status: status, Brightness: brightness}
	if on {
		w.ledOnSince = time.Now()
	} else {
		w.ledOnSince = time.Time{}
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) currentMqtt() (mqttClient, string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mqttCl == nil || !w.status.Mqtt.Connected {
		return nil, "", "", fmt.Errorf("printer %s is not connected", w.cfg.Name)
	}
	return w.mqttCl, w.cfg.DeviceID, w.cfg.ModelCode, nil
}

// observeLed tracks the on-since timestamp from any observed light state;
// a transition to on restarts the idle timer.
func (w *Worker) observeLed(state mqtt.LedState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prevOn := w.status.Led != nil && w.status.Led.On()
	s := state
	w.status.Led = &s
	switch {
	case state.On() && (!prevOn || w.ledOnSince.IsZero()):
		w.ledOnSince = time.Now()
	case !state.On():
		w.ledOnSince = time.Time{}
	}
}

func (w *Worker) setPrinterState(state mqtt.PrinterState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := state
	w.status.PrinterState = &s
}

func (w *Worker) printerStateName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.PrinterState == nil {
		return ""
	}
	return w.status.PrinterState.State
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStateLocked(s)
}

func (w *Worker) setStateLocked(s State) {
	if w.status.State != s {
		w.log.Debug().Str("from", string(w.status.State)).Str("to", string(s)).Msg("state change")
	}
	w.status.State = s
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastError = err.Error()
	w.status.LastErrorAt = time.Now()
}

func (w *Worker) setNextRetry(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.NextRetryAt = at
}

func (w *Worker) touchOnline(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastSeenOnline = now
}

func (w *Worker) setMqtt(m mqttClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mqttCl = m
}

func (w *Worker) setMqttConnected(connected bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Mqtt.Connected = connected
	if err != nil {
		w.status.Mqtt.LastError = err.Error()
	} else if connected {
		w.status.Mqtt.LastError = ""
	}
}

func (w *Worker) setDecoding(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Stream.Decoding = on
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
