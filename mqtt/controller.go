package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"acproxycam/logging"
)

const (
	connectTimeout        = 10 * time.Second
	defaultCommandTimeout = 5 * time.Second
	ledCacheTTL           = 5 * time.Second
	subscribeQoS          = 1
)

var (
	// ErrRequestPending rejects a second in-flight request on the same
	// correlation key; the first keeps its reply slot.
	ErrRequestPending = errors.New("request already pending")
	ErrNotConnected   = errors.New("not connected to broker")
	ErrTimeout        = errors.New("no reply from printer")
)

// Config carries the broker coordinates. DeviceID filters reports when the
// printer is already identified; empty means accept any device on the tree.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	DeviceID       string
	Printer        string
	CommandTimeout time.Duration
}

// Events are raised from the broker callback goroutine; handlers must not
// block. Any field may be nil.
type Events struct {
	ModelCodeDetected    func(code string)
	LedStatusReceived    func(state LedState)
	PrinterStateReceived func(state PrinterState)
	CameraStopDetected   func()
	ConnectionLost       func(err error)
}

// client is the paho surface the controller uses, split out so tests can
// inject a fake broker.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnectionOpen() bool
}

var newClient = func(opts *paho.ClientOptions) client {
	return paho.NewClient(opts)
}

// Controller owns one printer's MQTT session: connection, the wildcard
// subscription, command correlation, and event fan-out to the worker.
type Controller struct {
	cfg      Config
	ev       Events
	log      zerolog.Logger
	throttle *logging.Throttle

	mu            sync.Mutex
	cl            client
	connected     bool
	pending       map[string]chan report
	modelCode     string
	modelCh       chan struct{}
	ledCache      *LedState
	ledCacheAt    time.Time
	cameraStarted bool
}

// New builds a Controller; Connect establishes the session.
func New(cfg Config, ev Events) *Controller {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &Controller{
		cfg:      cfg,
		ev:       ev,
		log:      logging.WithPrinter("mqtt", cfg.Printer),
		throttle: logging.NewThrottle(30 * time.Second),
		pending:  make(map[string]chan report),
		modelCh:  make(chan struct{}),
	}
}

// Connect dials the broker. The printer-side broker presents a self-signed
// certificate on the TLS ports, so verification is skipped there.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cl != nil && c.cl.IsConnectionOpen() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	scheme := "tcp"
	opts := paho.NewClientOptions().
		SetClientID(fmt.Sprintf("acproxycam-%s", uuid.NewString()[:8])).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(false).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.cfg.Port == 9883 || c.cfg.Port == 8883 {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port))

	cl := newClient(opts)
	token := cl.Connect()
	if !waitToken(ctx, token, connectTimeout) {
		return fmt.Errorf("connect %s:%d: %w", c.cfg.Host, c.cfg.Port, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	c.mu.Lock()
	c.cl = cl
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Str("broker", fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)).Msg("connected")
	return nil
}

// Disconnect closes the session. Pending requests fail with ErrTimeout.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	cl := c.cl
	c.cl = nil
	c.connected = false
	c.mu.Unlock()
	if cl != nil {
		cl.Disconnect(250)
	}
}

// IsConnected reports whether the broker session is open.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.cl != nil && c.cl.IsConnectionOpen()
}

func (c *Controller) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("connection lost")
	if c.ev.ConnectionLost != nil {
		c.ev.ConnectionLost(err)
	}
}

// SubscribeAll installs the wildcard report subscription and returns once
// the broker acknowledges it.
func (c *Controller) SubscribeAll(ctx context.Context) error {
	cl := c.currentClient()
	if cl == nil {
		return ErrNotConnected
	}
	token := cl.Subscribe(ReportWildcard(), subscribeQoS, func(_ paho.Client, m paho.Message) {
		c.handleMessage(m.Topic(), m.Payload())
	})
	if !waitToken(ctx, token, c.cfg.CommandTimeout) {
		return fmt.Errorf("subscribe %s: %w", ReportWildcard(), ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", ReportWildcard(), err)
	}
	return nil
}

// WaitForModelDetection blocks until a report reveals the printer's model
// code, or the timeout elapses.
func (c *Controller) WaitForModelDetection(ctx context.Context, timeout time.Duration) (string, error) {
	c.mu.Lock()
	if c.modelCode != "" {
		code := c.modelCode
		c.mu.Unlock()
		return code, nil
	}
	ch := c.modelCh
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.modelCode, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("model code not observed within %s", timeout)
	}
}

// ModelCode returns the detected model code, empty if none seen yet.
func (c *Controller) ModelCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelCode
}

// TryStartCamera publishes the capture-start command and waits for the
// printer's acknowledging report.
func (c *Controller) TryStartCamera(ctx context.Context, deviceID, modelCode string) error {
	_, err := c.request(ctx, deviceID, modelCode, CategoryVideo, ActionStartCapture, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cameraStarted = true
	c.mu.Unlock()
	return nil
}

// TryStopCamera publishes the capture-stop command and waits for the ack.
func (c *Controller) TryStopCamera(ctx context.Context, deviceID, modelCode string) error {
	_, err := c.request(ctx, deviceID, modelCode, CategoryVideo, ActionStopCapture, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cameraStarted = false
	c.mu.Unlock()
	return nil
}

// QueryLedStatus returns the light state, served from the report cache when
// fresh enough.
func (c *Controller) QueryLedStatus(ctx context.Context, deviceID, modelCode string) (LedState, error) {
	c.mu.Lock()
	if c.ledCache != nil && time.Since(c.ledCacheAt) < ledCacheTTL {
		state := *c.ledCache
		c.mu.Unlock()
		return state, nil
	}
	c.mu.Unlock()

	rep, err := c.request(ctx, deviceID, modelCode, CategoryLight, ActionQuery, nil)
	if err != nil {
		return LedState{}, err
	}
	var state LedState
	if err := json.Unmarshal(rep.Data, &state); err != nil {
		return LedState{}, fmt.Errorf("parse light report: %w", err)
	}
	return state, nil
}

// SetLed switches the chamber light. brightness <= 0 keeps the printer's
// current level.
func (c *Controller) SetLed(ctx context.Context, deviceID, modelCode string, on bool, brightness int) error {
	status := 0
	if on {
		status = 1
	}
	data := LedState{Type: 1, Status: status, Brightness: brightness}
	_, err := c.request(ctx, deviceID, modelCode, CategoryLight, ActionControl, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ledCache = &LedState{Type: 1, Status: status, Brightness: brightness}
	c.ledCacheAt = time.Now()
	c.mu.Unlock()
	return nil
}

// QueryPrinterInfo fetches the current state and temperatures.
func (c *Controller) QueryPrinterInfo(ctx context.Context, deviceID, modelCode string) (PrinterState, error) {
	rep, err := c.request(ctx, deviceID, modelCode, CategoryInfo, ActionQuery, nil)
	if err != nil {
		return PrinterState{}, err
	}
	var state PrinterState
	if err := json.Unmarshal(rep.Data, &state); err != nil {
		return PrinterState{}, fmt.Errorf("parse info report: %w", err)
	}
	return state, nil
}

// SendPrintStop emits the native cancel command. The firmware reports the
// resulting state change on the print topic; no direct ack is awaited.
func (c *Controller) SendPrintStop(ctx context.Context, deviceID, modelCode string) error {
	return c.publish(ctx, deviceID, modelCode, CategoryPrint, ActionStop, nil)
}

func (c *Controller) currentClient() client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.cl
}

// request publishes a command and waits for the matching report. One
// request per category:action key may be in flight.
func (c *Controller) request(ctx context.Context, deviceID, modelCode, category, action string, data any) (report, error) {
	key := category + ":" + action

	c.mu.Lock()
	if !c.connected || c.cl == nil {
		c.mu.Unlock()
		return report{}, ErrNotConnected
	}
	if _, busy := c.pending[key]; busy {
		c.mu.Unlock()
		return report{}, fmt.Errorf("%s: %w", key, ErrRequestPending)
	}
	ch := make(chan report, 1)
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.publish(ctx, deviceID, modelCode, category, action, data); err != nil {
		return report{}, err
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		return report{}, ctx.Err()
	case <-timer.C:
		return report{}, fmt.Errorf("%s: %w", key, ErrTimeout)
	}
}

func (c *Controller) publish(ctx context.Context, deviceID, modelCode, category, action string, data any) error {
	cl := c.currentClient()
	if cl == nil {
		return ErrNotConnected
	}
	cmd := command{
		Type:      category,
		Action:    action,
		Msgid:     uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", category, err)
	}
	topic := commandTopic(modelCode, deviceID, category)
	token := cl.Publish(topic, subscribeQoS, false, payload)
	if !waitToken(ctx, token, c.cfg.CommandTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.log.Debug().Str("topic", topic).Str("action", action).Msg("command published")
	return nil
}

// handleMessage processes one inbound report. Runs on the paho callback
// goroutine; event handlers are invoked outside the controller lock.
func (c *Controller) handleMessage(topic string, payload []byte) {
	modelCode, deviceID, category, ok := parseReportTopic(topic)
	if !ok {
		return
	}
	if c.cfg.DeviceID != "" && deviceID != c.cfg.DeviceID {
		return
	}

	var detected string
	c.mu.Lock()
	if c.modelCode == "" && modelCode != "" {
		c.modelCode = modelCode
		close(c.modelCh)
		detected = modelCode
	}
	c.mu.Unlock()
	if detected != "" && c.ev.ModelCodeDetected != nil {
		c.ev.ModelCodeDetected(detected)
	}

	var rep report
	if err := json.Unmarshal(payload, &rep); err != nil {
		if c.throttle.Allow("bad-report:" + category) {
			c.log.Warn().Err(err).Str("topic", topic).Msg("unparseable report")
		}
		return
	}

	switch category {
	case CategoryVideo:
		c.handleVideoReport(rep)
	case CategoryLight:
		c.handleLightReport(rep)
	case CategoryPrint, CategoryInfo:
		c.handleStateReport(category, rep)
	}
}

func (c *Controller) handleVideoReport(rep report) {
	own := c.resolve(CategoryVideo+":"+rep.Action, rep)

	c.mu.Lock()
	externalStop := rep.Action == ActionStopCapture && !own && c.cameraStarted
	if externalStop {
		c.cameraStarted = false
	}
	if rep.Action == ActionStartCapture {
		c.cameraStarted = true
	}
	c.mu.Unlock()

	if externalStop {
		c.log.Info().Msg("camera stopped by external agent")
		if c.ev.CameraStopDetected != nil {
			c.ev.CameraStopDetected()
		}
	}
}

func (c *Controller) handleLightReport(rep report) {
	var state LedState
	if err := json.Unmarshal(rep.Data, &state); err != nil {
		if c.throttle.Allow("bad-light") {
			c.log.Warn().Err(err).Msg("unparseable light report")
		}
		return
	}
	c.mu.Lock()
	c.ledCache = &state
	c.ledCacheAt = time.Now()
	c.mu.Unlock()

	c.resolve(CategoryLight+":"+rep.Action, rep)
	if c.ev.LedStatusReceived != nil {
		c.ev.LedStatusReceived(state)
	}
}

func (c *Controller) handleStateReport(category string, rep report) {
	c.resolve(category+":"+rep.Action, rep)

	var state PrinterState
	if err := json.Unmarshal(rep.Data, &state); err != nil || state.State == "" {
		return
	}
	if c.ev.PrinterStateReceived != nil {
		c.ev.PrinterStateReceived(state)
	}
}

// resolve hands a report to the pending request for key, if any.
func (c *Controller) resolve(key string, rep report) bool {
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- rep
	return true
}

// waitToken waits for a paho token honoring both ctx and the timeout.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}
