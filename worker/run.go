package worker

import (
	"context"
	"fmt"
	"time"

	"acproxycam/config"
	"acproxycam/decoder"
	"acproxycam/hub"
	"acproxycam/metrics"
	"acproxycam/mqtt"
	"acproxycam/sshcred"
)

// run is the outer loop: one session per attempt, probe-informed backoff
// between failures.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	pinAffinity(w.index, w.log)

	for ctx.Err() == nil {
		w.setState(StateInitializing)
		err := w.runSession(ctx)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			err = fmt.Errorf("session ended unexpectedly")
		}
		w.setLastError(err)
		w.setDecoding(false)
		metrics.SessionRestarts.WithLabelValues(w.cfg.Name).Inc()

		delay := w.timings.RetryBackoffUnreachable
		if w.probe(ctx) {
			delay = w.timings.RetryBackoffReachable
		}
		retryAt := time.Now().Add(delay)
		w.setNextRetry(retryAt)
		w.setState(StateRetrying)
		w.log.Warn().Err(err).Time("retryAt", retryAt).Msg("session failed")
		if sleepCtx(ctx, delay) != nil {
			break
		}
	}
}

// session holds the per-attempt collaborators and supervision bookkeeping.
type session struct {
	w *Worker

	m                 mqttClient
	dec               streamDecoder
	br                Bridge
	deviceID          string
	modelCode         string
	cameraStartIssued bool
	bridgeStarted     bool

	decReady     chan decoder.StreamInfo
	decExit      chan error
	externalStop chan struct{}
	nativeStop   chan struct{}
	connLost     chan error

	decStartedAt   time.Time
	frameBase      uint64
	firstFrameAt   time.Time
	stabilized     bool
	streamFailedAt time.Time
	lastLanRetry   time.Time
	lastLedPoll    time.Time
	lastKeepalive  time.Time
}

func (w *Worker) runSession(ctx context.Context) error {
	s := &session{
		w:            w,
		decReady:     make(chan decoder.StreamInfo, 1),
		decExit:      make(chan error, 1),
		externalStop: make(chan struct{}, 1),
		nativeStop:   make(chan struct{}, 1),
		connLost:     make(chan error, 1),
	}
	defer s.teardown(ctx)

	if err := s.credentialPhase(ctx); err != nil {
		return err
	}
	if err := s.mqttPhase(ctx); err != nil {
		return err
	}
	if err := s.streamPhase(ctx); err != nil {
		return err
	}
	return s.supervise(ctx)
}

func (s *session) teardown(ctx context.Context) {
	w := s.w
	if s.br != nil {
		s.br.Stop()
	}
	if s.dec != nil {
		s.dec.Stop()
	}
	w.hub.Clear()
	w.setDecoding(false)
	if s.m != nil {
		// Camera stop only on deliberate shutdown; a failed session keeps
		// the camera running for the next attempt.
		if ctx.Err() != nil && w.cfg.SendStopCommand && s.cameraStartIssued && s.m.IsConnected() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.m.TryStopCamera(stopCtx, s.deviceID, s.modelCode); err != nil {
				w.log.Debug().Err(err).Msg("camera stop on shutdown failed")
			}
			cancel()
		}
		s.m.Disconnect()
	}
	w.setMqtt(nil)
	w.setMqttConnected(false, nil)
}

// credentialPhase makes sure the worker holds a usable MQTT login and the
// printer identity, fetching over SSH when needed and wiping stale values
// when the device id no longer matches.
func (s *session) credentialPhase(ctx context.Context) error {
	w := s.w
	svc := w.newCreds()

	w.mu.Lock()
	w.status.SSH.LastAttempt = time.Now()
	haveCreds := w.cfg.MqttUser != "" && w.cfg.MqttPassword != ""
	cachedID := w.cfg.DeviceID
	w.mu.Unlock()

	if !haveCreds {
		creds, err := svc.RetrieveCredentials(ctx)
		if err != nil {
			w.setSSHError(err)
			return fmt.Errorf("credential bootstrap: %w", err)
		}
		s.applyCredentials(creds)
	} else {
		info, err := svc.RetrievePrinterInfo(ctx)
		switch {
		case err != nil:
			w.log.Warn().Err(err).Msg("identity probe failed, keeping cached credentials")
		case cachedID == "":
			s.adoptInfo(info)
		case info.DeviceID != cachedID:
			w.log.Warn().
				Str("cached", cachedID).
				Str("found", info.DeviceID).
				Msg("printer identity changed, discarding cached credentials")
			w.mu.Lock()
			w.cfg.MqttUser = ""
			w.cfg.MqttPassword = ""
			w.cfg.DeviceID = ""
			w.cfg.ModelCode = ""
			w.cfg.DeviceType = ""
			w.mu.Unlock()
			creds, err := svc.RetrieveCredentials(ctx)
			if err != nil {
				w.setSSHError(err)
				return fmt.Errorf("credential refresh: %w", err)
			}
			s.applyCredentials(creds)
		}
	}

	w.mu.Lock()
	w.status.SSH.CredentialsRetrieved = true
	w.status.SSH.LastError = ""
	s.deviceID = w.cfg.DeviceID
	s.modelCode = w.cfg.ModelCode
	w.status.Mqtt.ModelCode = s.modelCode
	w.mu.Unlock()
	return nil
}

func (s *session) applyCredentials(creds *sshcred.Credentials) {
	w := s.w
	w.mu.Lock()
	w.cfg.MqttUser = creds.MqttUser
	w.cfg.MqttPassword = creds.MqttPassword
	w.cfg.DeviceID = creds.DeviceID
	w.cfg.DeviceType = creds.DeviceType
	if creds.ModelCode != "" {
		w.cfg.ModelCode = creds.ModelCode
	}
	updated := w.cfg.Clone()
	w.mu.Unlock()
	w.log.Info().Str("deviceId", creds.DeviceID).Msg("credentials stored")
	w.emitConfigChanged(updated)
}

func (s *session) adoptInfo(info *sshcred.PrinterInfo) {
	w := s.w
	w.mu.Lock()
	w.cfg.DeviceID = info.DeviceID
	if info.DeviceType != "" {
		w.cfg.DeviceType = info.DeviceType
	}
	if info.ModelCode != "" {
		w.cfg.ModelCode = info.ModelCode
	}
	updated := w.cfg.Clone()
	w.mu.Unlock()
	w.emitConfigChanged(updated)
}

func (w *Worker) emitConfigChanged(updated *config.PrinterConfig) {
	if w.ev.ConfigChanged == nil {
		return
	}
	w.ev.ConfigChanged(updated)
}

func (s *session) mqttPhase(ctx context.Context) error {
	w := s.w
	w.setState(StateConnecting)

	if w.cfg.AutoLanMode {
		if _, err := w.newLan().Enable(ctx); err != nil {
			w.log.Warn().Err(err).Msg("lan mode enable failed")
		}
	}

	m := w.newMqtt(w.mqttConfig(), s.mqttEvents())
	s.m = m
	w.setMqtt(m)

	err := m.Connect(ctx)
	if err != nil && w.cfg.AutoLanMode && ctx.Err() == nil {
		w.log.Warn().Err(err).Msg("mqtt connect failed, re-running lan mode")
		if _, lerr := w.newLan().Enable(ctx); lerr != nil {
			w.log.Warn().Err(lerr).Msg("lan mode retry failed")
		}
		err = m.Connect(ctx)
	}
	if err != nil {
		w.setMqttConnected(false, err)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	w.setMqttConnected(true, nil)

	if err := m.SubscribeAll(ctx); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}

	if s.modelCode == "" {
		code, err := m.WaitForModelDetection(ctx, w.timings.ModelDetectTimeout)
		if err != nil {
			return fmt.Errorf("model detection: %w", err)
		}
		s.modelCode = code
		w.adoptModelCode(code)
	}

	if w.cfg.CameraEnabled {
		if err := s.startCamera(ctx); err != nil {
			// The camera may already be capturing; the decoder attempt
			// decides whether this matters.
			w.log.Warn().Err(err).Msg("camera start unacknowledged")
		}
	}
	return nil
}

// startCamera issues the MQTT capture start and records the attempt.
func (s *session) startCamera(ctx context.Context) error {
	metrics.CameraStarts.WithLabelValues(s.w.cfg.Name).Inc()
	if err := s.m.TryStartCamera(ctx, s.deviceID, s.modelCode); err != nil {
		return err
	}
	s.cameraStartIssued = true
	return nil
}

func (w *Worker) mqttConfig() mqtt.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mqtt.Config{
		Host:     w.cfg.IP,
		Port:     w.cfg.MqttPort,
		Username: w.cfg.MqttUser,
		Password: w.cfg.MqttPassword,
		DeviceID: w.cfg.DeviceID,
		Printer:  w.cfg.Name,
	}
}

func (s *session) mqttEvents() mqtt.Events {
	w := s.w
	return mqtt.Events{
		ModelCodeDetected: func(code string) {
			w.mu.Lock()
			w.status.Mqtt.ModelCode = code
			w.mu.Unlock()
		},
		LedStatusReceived:    w.observeLed,
		PrinterStateReceived: w.setPrinterState,
		CameraStopDetected: func() {
			select {
			case s.externalStop <- struct{}{}:
			default:
			}
		},
		ConnectionLost: func(err error) {
			select {
			case s.connLost <- err:
			default:
			}
		},
	}
}

func (w *Worker) adoptModelCode(code string) {
	w.mu.Lock()
	w.cfg.ModelCode = code
	w.status.Mqtt.ModelCode = code
	updated := w.cfg.Clone()
	w.mu.Unlock()
	w.emitConfigChanged(updated)
}

func (w *Worker) setSSHError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.SSH.LastError = err.Error()
}

// streamPhase launches the decoder. With the camera disabled the worker
// goes straight to Running, and the bridge comes up in telemetry-only mode.
func (s *session) streamPhase(ctx context.Context) error {
	w := s.w
	if !w.cfg.CameraEnabled {
		s.startBridge(ctx)
		w.setState(StateRunning)
		return nil
	}
	if err := s.startDecoder(); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	return nil
}

func (s *session) flvURL() string {
	return fmt.Sprintf("http://%s:%d/flv", s.w.cfg.IP, cameraStreamPort)
}

// startDecoder wires a fresh decoder into the hub. Callbacks run on the
// decoder's reader goroutines and must stay non-blocking.
func (s *session) startDecoder() error {
	w := s.w
	s.frameBase = w.hub.FrameCount()
	s.firstFrameAt = time.Time{}

	dec := w.newDecoder(s.flvURL(), decoder.Callbacks{
		OnStarted: func(info decoder.StreamInfo) {
			w.hub.SetStreamInfo(info.Width, info.Height, info.FPS)
			w.hub.SetExtradata(info.Extradata)
			select {
			case s.decReady <- info:
			default:
			}
		},
		OnFrame: func(data []byte, stride, width, height int) {
			w.hub.PublishFrame(data, stride, width, height)
		},
		OnPacket: func(data []byte, keyframe bool, pts uint32) {
			w.hub.PublishPacket(&hub.Packet{Data: data, Keyframe: keyframe, PTS: pts})
		},
		OnExit: func(err error) {
			select {
			case s.decExit <- err:
			default:
			}
		},
	})
	if err := dec.Start(); err != nil {
		return err
	}
	s.dec = dec
	s.decStartedAt = time.Now()
	return nil
}
