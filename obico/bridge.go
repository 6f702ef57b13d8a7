package obico

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"acproxycam/config"
	"acproxycam/hub"
	"acproxycam/logging"
	"acproxycam/metrics"
	"acproxycam/worker"
)

// Timings collects the bridge's pacing knobs; tests shrink them.
type Timings struct {
	ServerRetry        time.Duration
	StatusInterval     time.Duration
	SnapshotFloor      time.Duration
	MoonrakerRetry     time.Duration
	MoonrakerAttempts  int
	MoonrakerSlowRetry time.Duration
	JanusStabilization time.Duration
}

// DefaultTimings returns production pacing.
func DefaultTimings() Timings {
	return Timings{
		ServerRetry:        10 * time.Second,
		StatusInterval:     5 * time.Second,
		SnapshotFloor:      200 * time.Millisecond,
		MoonrakerRetry:     5 * time.Second,
		MoonrakerAttempts:  10,
		MoonrakerSlowRetry: 30 * time.Second,
		JanusStabilization: 2 * time.Second,
	}
}

// moonrakerAPI is the Moonraker client surface the bridge drives.
type moonrakerAPI interface {
	Connect(ctx context.Context) error
	Close()
	Done() <-chan struct{}
	Notifications() <-chan Notification
	Call(ctx context.Context, method string, params, out any) error
	Subscribe(ctx context.Context) (map[string]json.RawMessage, float64, error)
	LatestJob(ctx context.Context) (*HistoryJob, error)
	GcodeScript(ctx context.Context, script string) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error
	CancelPrint(ctx context.Context) error
	UploadGCode(ctx context.Context, filename string, r io.Reader, startPrint bool) error
	OpenFile(ctx context.Context, root, path string) (io.ReadCloser, error)
}

// serverAPI is the Obico server surface the bridge drives.
type serverAPI interface {
	Connect(ctx context.Context) error
	Close()
	Done() <-chan struct{}
	Err() error
	Messages() <-chan ServerMessage
	SendStatus(report *StatusReport) error
	SendPassthruResult(ref string, ret any, errMsg string) error
	PostSnapshot(ctx context.Context, jpeg []byte) error
	PostEvent(ctx context.Context, eventType string, data map[string]any) error
	IsCloud() bool
}

// janusAPI is the Janus gateway surface the bridge drives.
type janusAPI interface {
	Connect(ctx context.Context) error
	Close()
	Done() <-chan struct{}
	CreateMountpoint(ctx context.Context, id uint64, video, data bool) (*Mountpoint, error)
	DestroyMountpoint(ctx context.Context, id uint64) error
}

// Bridge links one printer to Obico: telemetry out, commands in, optional
// Janus media relay. It implements worker.Bridge and lives for one worker
// session.
type Bridge struct {
	printerName string
	printerIP   string
	maxFps      int
	cameraOn    bool
	cfg         config.ObicoConfig
	hub         *hub.Hub
	hooks       worker.BridgeHooks
	log         zerolog.Logger
	timings     Timings
	states      *StateStore

	// Collaborator factories, swapped by tests.
	newMoonraker func() moonrakerAPI
	newServer    func() serverAPI
	newJanus     func() janusAPI

	cancel context.CancelFunc
	done   chan struct{}

	viewing     atomic.Bool
	offline     atomic.Bool
	downloading atomic.Bool
	printTS     atomic.Int64
	tracker     *tracker

	refMu  sync.Mutex
	curSrv serverAPI
	curMr  moonrakerAPI
}

// New builds a bridge for the printer. Returns nil when the config does not
// enable Obico.
func New(pc *config.PrinterConfig, h *hub.Hub, hooks worker.BridgeHooks) *Bridge {
	if pc.Obico == nil || !pc.Obico.Enabled {
		return nil
	}
	b := &Bridge{
		printerName: pc.Name,
		printerIP:   pc.IP,
		maxFps:      pc.MaxFps,
		cameraOn:    pc.CameraEnabled,
		cfg:         *pc.Obico,
		hub:         h,
		hooks:       hooks,
		log:         logging.WithPrinter("obico", pc.Name),
		timings:     DefaultTimings(),
		states:      NewStateStore(printStatePath(pc.Name)),
		tracker:     newTracker(),
	}
	b.printTS.Store(-1)
	b.newMoonraker = func() moonrakerAPI { return NewMoonraker(b.printerIP, 7125, b.printerName) }
	b.newServer = func() serverAPI { return NewServerClient(b.cfg.ServerURL, b.cfg.AuthToken, b.printerName) }
	b.newJanus = func() janusAPI { return NewJanus(b.cfg.JanusServer, b.printerName) }
	return b
}

var statePathUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func printStatePath(printer string) string {
	name := "printstate-" + statePathUnsafe.ReplaceAllString(printer, "-") + ".json"
	path, err := config.StatePath(name)
	if err != nil {
		return filepath.Join(os.TempDir(), name)
	}
	return path
}

// Start begins the bridge loops. It fails only on unusable configuration;
// connectivity is retried in the background.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.AuthToken == "" {
		return fmt.Errorf("obico auth token is not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(runCtx)
	return nil
}

// Stop ends the bridge and waits for its goroutines.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// Viewing reports whether someone is watching through Obico.
func (b *Bridge) Viewing() bool { return b.viewing.Load() }

func (b *Bridge) reportError(err error) {
	b.log.Error().Err(err).Msg("obico bridge error")
	if b.hooks.ReportError != nil {
		b.hooks.ReportError(err)
	}
}

func (b *Bridge) serverRef() serverAPI {
	b.refMu.Lock()
	defer b.refMu.Unlock()
	return b.curSrv
}

func (b *Bridge) moonrakerRef() moonrakerAPI {
	b.refMu.Lock()
	defer b.refMu.Unlock()
	return b.curMr
}

func (b *Bridge) setServerRef(s serverAPI) {
	b.refMu.Lock()
	b.curSrv = s
	b.refMu.Unlock()
}

func (b *Bridge) setMoonrakerRef(m moonrakerAPI) {
	b.refMu.Lock()
	b.curMr = m
	b.refMu.Unlock()
}

// run owns the server connection; everything else nests inside one server
// session.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	for ctx.Err() == nil {
		err := b.runServerSession(ctx)
		if errors.Is(err, ErrTokenConflict) {
			b.reportError(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Warn().Err(err).Msg("obico server session ended, reconnecting")
		}
		if sleepCtx(ctx, b.timings.ServerRetry) != nil {
			return
		}
	}
}

func (b *Bridge) runServerSession(ctx context.Context) error {
	srv := b.newServer()
	if err := srv.Connect(ctx); err != nil {
		return err
	}
	b.log.Info().Str("server", b.cfg.ServerURL).Msg("obico server connected")
	b.setServerRef(srv)
	defer func() {
		b.setServerRef(nil)
		srv.Close()
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); b.serverLoop(sctx, srv) }()
	go func() { defer wg.Done(); b.statusLoop(sctx, srv) }()
	go func() { defer wg.Done(); b.snapshotLoop(sctx, srv) }()
	go func() { defer wg.Done(); b.moonrakerManager(sctx) }()

	select {
	case <-sctx.Done():
	case <-srv.Done():
	}
	cancel()
	wg.Wait()
	return srv.Err()
}

// moonrakerManager keeps one Moonraker session alive: retrying connects,
// subscribing, reconciling the ongoing print, and running the Janus relay
// while the session lasts.
func (b *Bridge) moonrakerManager(ctx context.Context) {
	for ctx.Err() == nil {
		mr, err := b.connectMoonraker(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.reportError(err)
			b.markOffline(ctx)
			if sleepCtx(ctx, b.timings.MoonrakerSlowRetry) != nil {
				return
			}
			continue
		}
		if err := b.initMoonraker(ctx, mr); err != nil {
			b.log.Warn().Err(err).Msg("moonraker init failed")
			mr.Close()
			if sleepCtx(ctx, b.timings.MoonrakerRetry) != nil {
				return
			}
			continue
		}
		b.setMoonrakerRef(mr)
		b.offline.Store(false)
		b.sendStatusNow()

		jctx, jcancel := context.WithCancel(ctx)
		jdone := make(chan struct{})
		go func() {
			defer close(jdone)
			b.janusSession(jctx)
		}()

		b.consumeMoonraker(ctx, mr)

		jcancel()
		<-jdone
		b.setMoonrakerRef(nil)
		mr.Close()
		b.markOffline(ctx)
	}
}

func (b *Bridge) connectMoonraker(ctx context.Context) (moonrakerAPI, error) {
	var lastErr error
	for attempt := 1; attempt <= b.timings.MoonrakerAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mr := b.newMoonraker()
		if err := mr.Connect(ctx); err != nil {
			lastErr = err
			mr.Close()
			if sleepCtx(ctx, b.timings.MoonrakerRetry) != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return mr, nil
	}
	return nil, fmt.Errorf("moonraker unreachable after %d attempts: %w", b.timings.MoonrakerAttempts, lastErr)
}

// initMoonraker subscribes to the status objects and settles current_print_ts
// for a print already in flight.
func (b *Bridge) initMoonraker(ctx context.Context, mr moonrakerAPI) error {
	objects, eventtime, err := mr.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.tracker.reset(objects, eventtime)

	ks := b.tracker.snapshot()
	if !isActiveState(ks.PrintStats.State) {
		b.printTS.Store(-1)
		b.states.Clear()
		return nil
	}

	saved, err := b.states.Load()
	if err != nil {
		b.log.Warn().Err(err).Msg("print state unreadable")
	}
	var job *HistoryJob
	if saved == nil || saved.Filename != ks.PrintStats.Filename || ks.PrintStats.PrintDuration <= 60 {
		if job, err = mr.LatestJob(ctx); err != nil {
			b.log.Debug().Err(err).Msg("job history unavailable")
		}
	}
	ts := reconcilePrintTS(saved, ks.PrintStats.Filename, ks.PrintStats.PrintDuration, job, eventtime, time.Now())
	b.printTS.Store(ts)
	if err := b.states.Save(&PrintState{Filename: ks.PrintStats.Filename, Timestamp: ts}); err != nil {
		b.log.Warn().Err(err).Msg("print state save failed")
	}
	b.log.Info().Str("file", ks.PrintStats.Filename).Int64("startedAt", ts).Msg("resumed tracking ongoing print")
	return nil
}

func (b *Bridge) consumeMoonraker(ctx context.Context, mr moonrakerAPI) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-mr.Done():
			return
		case n := <-mr.Notifications():
			b.handleNotification(ctx, mr, n)
		}
	}
}

func (b *Bridge) handleNotification(ctx context.Context, mr moonrakerAPI, n Notification) {
	switch n.Method {
	case "notify_status_update":
		var parts []json.RawMessage
		if err := json.Unmarshal(n.Params, &parts); err != nil || len(parts) == 0 {
			return
		}
		var objects map[string]json.RawMessage
		if json.Unmarshal(parts[0], &objects) != nil {
			return
		}
		var eventtime float64
		if len(parts) > 1 {
			json.Unmarshal(parts[1], &eventtime)
		}
		prev := b.tracker.snapshot().PrintStats.State
		b.tracker.apply(objects, eventtime)
		cur := b.tracker.snapshot().PrintStats.State
		if ev := detectEvent(prev, cur); ev != "" {
			b.onPrintEvent(ctx, ev)
		}
	case "notify_klippy_ready":
		b.tracker.setKlippyReady(true)
		if err := b.initMoonraker(ctx, mr); err != nil {
			b.log.Warn().Err(err).Msg("re-subscribe after klippy restart failed")
		}
		b.sendStatusNow()
	case "notify_klippy_shutdown", "notify_klippy_disconnected":
		b.tracker.setKlippyReady(false)
		b.sendStatusNow()
	}
}

// onPrintEvent reports a lifecycle transition: event POST, immediate status,
// and print-state bookkeeping.
func (b *Bridge) onPrintEvent(ctx context.Context, event string) {
	ks := b.tracker.snapshot()
	b.log.Info().Str("event", event).Str("file", ks.PrintStats.Filename).Msg("print event")

	if event == EventPrintStarted {
		ts := time.Now().Unix()
		b.printTS.Store(ts)
		if err := b.states.Save(&PrintState{Filename: ks.PrintStats.Filename, Timestamp: ts}); err != nil {
			b.log.Warn().Err(err).Msg("print state save failed")
		}
	}

	if srv := b.serverRef(); srv != nil {
		postCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := srv.PostEvent(postCtx, event, map[string]any{
			"filename":         ks.PrintStats.Filename,
			"current_print_ts": b.printTS.Load(),
		})
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Str("event", event).Msg("event post failed")
		}
	}
	b.sendStatusNow()

	switch event {
	case EventPrintDone, EventPrintCancelled, EventPrintFailed:
		b.printTS.Store(-1)
		b.states.Clear()
	}
}

// markOffline publishes one offline status; the periodic loop then stays
// quiet until the printer is back.
func (b *Bridge) markOffline(ctx context.Context) {
	if b.offline.Swap(true) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	b.sendStatusNow()
}

func (b *Bridge) sendStatusNow() {
	srv := b.serverRef()
	if srv == nil {
		return
	}
	report := buildReport(b.tracker.snapshot(), b.offline.Load(), b.printTS.Load(), time.Now())
	if err := srv.SendStatus(report); err != nil {
		b.log.Debug().Err(err).Msg("status send failed")
	}
}

// statusLoop pushes the periodic report; events send their own immediately.
func (b *Bridge) statusLoop(ctx context.Context, srv serverAPI) {
	ticker := time.NewTicker(b.timings.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.offline.Load() {
				continue
			}
			report := buildReport(b.tracker.snapshot(), false, b.printTS.Load(), time.Now())
			if err := srv.SendStatus(report); err != nil {
				b.log.Debug().Err(err).Msg("status send failed")
			}
		}
	}
}

// serverLoop consumes pushes from the Obico server.
func (b *Bridge) serverLoop(ctx context.Context, srv serverAPI) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-srv.Messages():
			if msg.Remote != nil {
				b.onRemoteStatus(*msg.Remote)
			}
			for _, cmd := range msg.Commands {
				b.onServerCommand(ctx, cmd)
			}
			if msg.Passthru != nil {
				// Downloads can run for minutes; never block the loop.
				go b.handlePassthru(ctx, msg.Passthru)
			}
		}
	}
}

func (b *Bridge) onRemoteStatus(rs RemoteStatus) {
	viewing := rs.Viewing || rs.ShouldWatch
	if b.viewing.Swap(viewing) == viewing {
		return
	}
	b.log.Info().Bool("viewing", viewing).Msg("remote viewing changed")
	if b.hooks.SetExternalViewers != nil {
		n := 0
		if viewing {
			n = 1
		}
		b.hooks.SetExternalViewers(n)
	}
	if viewing && b.cameraOn {
		if jpeg, _ := b.hub.JPEG(); len(jpeg) == 0 {
			b.hub.RequestSnapshot()
		}
	}
}

// onServerCommand executes an AI-issued print command.
func (b *Bridge) onServerCommand(ctx context.Context, cmd ServerCommand) {
	mr := b.moonrakerRef()
	if mr == nil {
		b.log.Warn().Str("cmd", cmd.Cmd).Msg("server command dropped, printer offline")
		return
	}
	cmdCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	var err error
	switch cmd.Cmd {
	case "pause":
		err = mr.PausePrint(cmdCtx)
	case "resume":
		err = mr.ResumePrint(cmdCtx)
	case "cancel":
		err = mr.CancelPrint(cmdCtx)
		if err == nil && b.hooks.RequestNativeStop != nil {
			// Keep the firmware's own job state in sync with the cancel.
			b.hooks.RequestNativeStop()
		}
	default:
		b.log.Warn().Str("cmd", cmd.Cmd).Msg("unknown server command")
		return
	}
	if err != nil {
		b.log.Warn().Err(err).Str("cmd", cmd.Cmd).Msg("server command failed")
		return
	}
	b.log.Info().Str("cmd", cmd.Cmd).Msg("server command executed")
}

// snapshotInterval picks the upload pacing tier.
func (b *Bridge) snapshotInterval(cloud bool) time.Duration {
	switch {
	case cloud && b.cfg.IsPro:
		return 5 * time.Second
	case cloud:
		return 15 * time.Second
	case b.viewing.Load():
		iv := time.Second
		if b.maxFps > 0 {
			iv = time.Second / time.Duration(b.maxFps)
		}
		if iv < b.timings.SnapshotFloor {
			iv = b.timings.SnapshotFloor
		}
		return iv
	default:
		return time.Second
	}
}

// snapshotLoop uploads fresh JPEGs at the tier rate.
func (b *Bridge) snapshotLoop(ctx context.Context, srv serverAPI) {
	if !b.cfg.SnapshotsEnabled || !b.cameraOn {
		return
	}
	cloud := srv.IsCloud()
	var lastSeq uint64
	for {
		if sleepCtx(ctx, b.snapshotInterval(cloud)) != nil {
			return
		}
		jpeg, seq := b.hub.JPEG()
		if len(jpeg) == 0 || seq == lastSeq {
			if b.viewing.Load() {
				b.hub.RequestSnapshot()
			}
			continue
		}
		lastSeq = seq
		upCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := srv.PostSnapshot(upCtx, jpeg)
		cancel()
		if err != nil {
			metrics.SnapshotUploads.WithLabelValues(b.printerName, "error").Inc()
			b.log.Debug().Err(err).Msg("snapshot upload failed")
			continue
		}
		metrics.SnapshotUploads.WithLabelValues(b.printerName, "ok").Inc()
	}
}

// janusSession provisions the mountpoint and relays media until the context
// or the gateway dies. The stabilization delay lets the stream settle after
// (re)connects before Janus consumes it.
func (b *Bridge) janusSession(ctx context.Context) {
	if b.cfg.JanusServer == "" || !b.cameraOn {
		return
	}
	if sleepCtx(ctx, b.timings.JanusStabilization) != nil {
		return
	}
	host := janusHost(b.cfg.JanusServer)
	if host == "" {
		b.log.Warn().Str("url", b.cfg.JanusServer).Msg("unusable janus url")
		return
	}

	j := b.newJanus()
	if err := j.Connect(ctx); err != nil {
		b.log.Warn().Err(err).Msg("janus connect failed")
		return
	}
	defer j.Close()

	video := b.cfg.StreamMode == config.StreamModeH264
	mp, err := j.CreateMountpoint(ctx, b.mountpointID(), video, !video)
	if err != nil {
		b.log.Warn().Err(err).Msg("janus mountpoint failed")
		return
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		j.DestroyMountpoint(dctx, mp.ID)
		cancel()
	}()

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	active := func() bool { return b.viewing.Load() }
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		switch {
		case video && mp.VideoPort > 0:
			newRTPStreamer(b.hub, host, mp.VideoPort, b.printerName, active).run(sctx)
		case !video && mp.DataPort > 0:
			newMJPEGStreamer(b.hub, host, mp.DataPort, b.printerName, active).run(sctx)
		}
	}()

	select {
	case <-ctx.Done():
	case <-j.Done():
	case <-streamDone:
	}
	scancel()
	<-streamDone
}

func (b *Bridge) mountpointID() uint64 {
	if b.cfg.ObicoPrinterID > 0 {
		return uint64(b.cfg.ObicoPrinterID)
	}
	h := fnv.New32a()
	h.Write([]byte(b.printerName))
	return uint64(h.Sum32()%100000) + 1
}

func janusHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ worker.Bridge = (*Bridge)(nil)
