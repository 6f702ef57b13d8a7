package worker

import (
	"context"
	"fmt"
	"time"

	"acproxycam/decoder"
	"acproxycam/mqtt"
)

// supervise is the 1 Hz loop plus the session's event funnel. MQTT and
// decoder callbacks only push into channels; everything that mutates
// session state happens here, serialized.
func (s *session) supervise(ctx context.Context) error {
	w := s.w
	ticker := time.NewTicker(w.timings.SupervisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.connLost:
			return fmt.Errorf("mqtt connection lost: %w", err)
		case info := <-s.decReady:
			s.onDecodingStarted(ctx, info)
		case <-s.externalStop:
			s.onExternalStop(ctx)
		case <-s.nativeStop:
			s.onNativeStop(ctx)
		case <-w.hub.SnapshotRequests():
			s.onSnapshotRequest(ctx)
		case err := <-s.decExit:
			s.onDecoderExit(ctx, err)
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// onDecodingStarted fires per decoder run; the bridge starts on the first
// one of the session and survives decoder restarts.
func (s *session) onDecodingStarted(ctx context.Context, info decoder.StreamInfo) {
	w := s.w
	w.log.Info().
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("fps", info.FPS).
		Msg("decoding started")
	s.startBridge(ctx)
}

// startBridge brings the Obico bridge up once per session. With the camera
// disabled it still runs, carrying telemetry only.
func (s *session) startBridge(ctx context.Context) {
	w := s.w
	if s.bridgeStarted || w.NewBridge == nil {
		return
	}
	if w.cfg.Obico == nil || !w.cfg.Obico.Enabled {
		return
	}
	br := w.NewBridge(w.hub, BridgeHooks{
		RequestNativeStop: func() {
			select {
			case s.nativeStop <- struct{}{}:
			default:
			}
		},
		SetExternalViewers: func(n int) {
			w.mu.Lock()
			cam := w.cam
			w.mu.Unlock()
			if cam != nil {
				cam.SetExternalViewers(n)
			}
		},
		ReportError: w.setLastError,
	})
	if br == nil {
		return
	}
	if err := br.Start(ctx); err != nil {
		w.log.Warn().Err(err).Msg("obico bridge failed to start")
		return
	}
	s.br = br
	s.bridgeStarted = true
}

// onExternalStop reacts to a camera stop issued by another agent: wait a
// beat, then start it again.
func (s *session) onExternalStop(ctx context.Context) {
	w := s.w
	if !w.cfg.CameraEnabled {
		return
	}
	w.log.Info().Msg("external camera stop observed, restarting capture")
	if sleepCtx(ctx, w.timings.ExternalStopDelay) != nil {
		return
	}
	if err := s.startCamera(ctx); err != nil {
		w.log.Warn().Err(err).Msg("camera restart after external stop failed")
	}
}

// onNativeStop issues the firmware print cancel on behalf of the bridge.
func (s *session) onNativeStop(ctx context.Context) {
	w := s.w
	if err := s.m.SendPrintStop(ctx, s.deviceID, s.modelCode); err != nil {
		w.log.Warn().Err(err).Msg("native print stop failed")
	} else {
		w.log.Info().Msg("native print stop issued")
	}
}

// onSnapshotRequest restarts the camera once when someone wants a snapshot
// while the stream is down.
func (s *session) onSnapshotRequest(ctx context.Context) {
	w := s.w
	if !w.cfg.CameraEnabled || s.dec == nil {
		return
	}
	framesRun := w.hub.FrameCount() - s.frameBase
	now := time.Now()
	streamDown := framesRun == 0 || now.Sub(w.hub.LastFrameAt()) > w.timings.StallAfter
	if !streamDown {
		return
	}
	if now.Sub(s.decStartedAt) < w.timings.DecoderGrace {
		return
	}
	s.quickRecover(ctx, "snapshot requested while stream down")
}

// onDecoderExit treats a dead child as an immediate stall.
func (s *session) onDecoderExit(ctx context.Context, err error) {
	w := s.w
	if err != nil {
		w.log.Warn().Err(err).Msg("decoder exited")
	} else {
		w.log.Warn().Msg("decoder exited")
	}
	now := time.Now()
	s.markStreamDown(now)
	w.setDecoding(false)
	if now.Sub(s.decStartedAt) >= w.timings.DecoderGrace {
		s.quickRecover(ctx, "decoder exited")
	}
}

// tick is one supervision pass.
func (s *session) tick(ctx context.Context) error {
	w := s.w
	now := time.Now()

	if !w.cfg.CameraEnabled {
		w.touchOnline(now)
		s.ledTick(ctx, now)
		return nil
	}

	framesRun := w.hub.FrameCount() - s.frameBase
	if framesRun == 0 {
		if now.Sub(s.decStartedAt) < w.timings.DecoderGrace {
			return nil
		}
		return s.unhealthy(ctx, now, "no frames after decoder start")
	}
	if now.Sub(w.hub.LastFrameAt()) > w.timings.StallAfter {
		return s.unhealthy(ctx, now, "stream stalled")
	}

	// Healthy.
	if s.firstFrameAt.IsZero() {
		s.firstFrameAt = now
	}
	if !s.streamFailedAt.IsZero() {
		w.log.Info().Msg("stream recovered")
		s.streamFailedAt = time.Time{}
		w.throttle.ResetAll()
	}
	if !s.stabilized {
		if now.Sub(s.firstFrameAt) < w.timings.Stabilization {
			return nil
		}
		s.stabilized = true
		w.setDecoding(true)
		w.setState(StateRunning)
		width, height, fps := w.hub.StreamInfo()
		w.log.Info().Int("width", width).Int("height", height).Float64("fps", fps).Msg("stream up")
	}
	w.setDecoding(true)
	w.touchOnline(now)
	s.ledTick(ctx, now)
	s.keepaliveTick(ctx, now)
	return nil
}

// markStreamDown records the outage start once and drops the session back to
// Retrying until the stream re-stabilizes. Reports whether this call opened
// the outage.
func (s *session) markStreamDown(now time.Time) bool {
	if !s.streamFailedAt.IsZero() {
		return false
	}
	s.streamFailedAt = now
	s.stabilized = false
	s.firstFrameAt = time.Time{}
	s.w.setState(StateRetrying)
	return true
}

// unhealthy runs the recovery ladder. It returns an error only when the
// session should die and fall back to the outer loop.
func (s *session) unhealthy(ctx context.Context, now time.Time, reason string) error {
	w := s.w
	if s.markStreamDown(now) {
		w.log.Warn().Str("reason", reason).Msg("stream unhealthy")
	}
	w.setDecoding(false)
	failedFor := now.Sub(s.streamFailedAt)

	if failedFor >= w.timings.QuickRecoveryWindow {
		if !w.probe(ctx) {
			return fmt.Errorf("stream down for %s and printer unreachable", failedFor.Round(time.Second))
		}
		// Reachable: stay on the quick-recovery path.
	}

	if w.cfg.AutoLanMode && failedFor >= w.timings.LanRetryAfter && now.Sub(s.lastLanRetry) >= w.timings.LanRetryEvery {
		s.lastLanRetry = now
		lan := w.newLan()
		go func() {
			if _, err := lan.Enable(ctx); err != nil && w.throttle.Allow("lan-retry") {
				w.log.Warn().Err(err).Msg("lan mode re-enable failed")
			}
		}()
	}

	s.quickRecover(ctx, reason)
	return nil
}

// quickRecover re-issues the camera start over the existing MQTT session
// and swaps in a fresh decoder, then gives the stream a moment. Its log
// lines repeat every pass during a long outage, so they run throttled.
func (s *session) quickRecover(ctx context.Context, reason string) {
	w := s.w
	if time.Since(s.decStartedAt) < w.timings.DecoderGrace {
		return
	}
	if w.throttle.Allow("quick-recovery") {
		w.log.Info().Str("trigger", reason).Msg("quick stream recovery")
	}

	if err := s.startCamera(ctx); err != nil && w.throttle.Allow("recovery-camera-start") {
		w.log.Warn().Err(err).Msg("camera start during recovery failed")
	}

	if s.dec != nil {
		s.dec.Stop()
	}
	select {
	case <-s.decExit:
	default:
	}
	if err := s.startDecoder(); err != nil {
		if w.throttle.Allow("recovery-decoder") {
			w.log.Warn().Err(err).Msg("decoder restart failed")
		}
		// decStartedAt was not advanced; the next tick retries.
		return
	}
	_ = sleepCtx(ctx, w.timings.RecoveryWait)
}

// ledTick drives the chamber light: on while working, off after sitting
// idle with the light on past the standby timeout.
func (s *session) ledTick(ctx context.Context, now time.Time) {
	w := s.w
	if !w.cfg.LedAutoControl || now.Sub(s.lastLedPoll) < w.timings.LedPollInterval {
		return
	}
	s.lastLedPoll = now

	led, err := s.m.QueryLedStatus(ctx, s.deviceID, s.modelCode)
	if err != nil {
		w.log.Debug().Err(err).Msg("led query failed")
		return
	}
	w.observeLed(led)

	state := w.printerStateName()
	if state == "" {
		return
	}

	if !mqtt.IsIdleState(state) {
		if !led.On() {
			if err := s.m.SetLed(ctx, s.deviceID, s.modelCode, true, 0); err != nil {
				w.log.Warn().Err(err).Msg("led on failed")
				return
			}
			w.observeLed(mqtt.LedState{Type: 1, Status: 1, Brightness: led.Brightness})
		}
		return
	}

	if !led.On() {
		return
	}
	w.mu.Lock()
	onSince := w.ledOnSince
	w.mu.Unlock()
	if onSince.IsZero() {
		return
	}
	timeout := time.Duration(w.cfg.StandbyLedTimeoutMinutes) * time.Minute
	if timeout <= 0 || now.Sub(onSince) < timeout {
		return
	}
	if err := s.m.SetLed(ctx, s.deviceID, s.modelCode, false, 0); err != nil {
		w.log.Warn().Err(err).Msg("led off failed")
		return
	}
	w.log.Info().Dur("onFor", now.Sub(onSince)).Msg("standby led timeout, light off")
	w.observeLed(mqtt.LedState{Type: 1, Status: 0})
}

// keepaliveTick re-issues the camera start while anyone is watching, so the
// firmware's idle throttle never kicks in mid-stream.
func (s *session) keepaliveTick(ctx context.Context, now time.Time) {
	w := s.w
	interval := time.Duration(w.cfg.CameraKeepaliveSeconds) * time.Second
	if interval <= 0 {
		return
	}
	if s.lastKeepalive.IsZero() {
		s.lastKeepalive = now
		return
	}
	if now.Sub(s.lastKeepalive) < interval {
		return
	}
	if !s.hasConsumers() {
		return
	}
	s.lastKeepalive = now
	if err := s.startCamera(ctx); err != nil {
		w.log.Debug().Err(err).Msg("camera keepalive unacknowledged")
	}
}

func (s *session) hasConsumers() bool {
	w := s.w
	w.mu.Lock()
	cam := w.cam
	w.mu.Unlock()
	if cam != nil && cam.HasConsumers(w.timings.HLSActivityWindow) {
		return true
	}
	return s.br != nil && s.br.Viewing()
}
