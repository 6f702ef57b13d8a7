// Package daemon assembles the process: the encrypting config store, the
// printer registry, the IPC management socket, the optional metrics listener,
// and the config file watcher, tied to one lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"acproxycam/config"
	"acproxycam/hub"
	"acproxycam/ipc"
	"acproxycam/logging"
	"acproxycam/metrics"
	"acproxycam/obico"
	"acproxycam/registry"
	"acproxycam/version"
	"acproxycam/worker"
)

// stopTimeout bounds the parallel worker teardown; each worker carries its
// own 5 s shutdown grace inside this window.
const stopTimeout = 15 * time.Second

// reloadTimeout bounds one watcher-triggered reload end to end.
const reloadTimeout = 60 * time.Second

// Daemon is the process root. It implements ipc.Backend.
type Daemon struct {
	store *config.Store
	cfg   *config.Config
	reg   *registry.Registry
	ipc   *ipc.Server
	log   zerolog.Logger
	proc  *process.Process

	startedAt time.Time
	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.Mutex
	cancel      context.CancelFunc
	metricsAddr string
}

var metricsOnce sync.Once

// New wires a daemon around the loaded config document. socketPath overrides
// the document's ipcSocketPath when non-empty.
func New(store *config.Store, cfg *config.Config, socketPath string) *Daemon {
	if socketPath == "" {
		socketPath = cfg.IpcSocketPath
	}
	d := &Daemon{
		store:     store,
		cfg:       cfg.Clone(),
		log:       logging.WithComponent("daemon"),
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
	d.reg = registry.New(store, cfg)
	d.reg.NewBridge = obicoBridge
	d.ipc = ipc.New(socketPath, d)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		d.proc = p
	}
	metricsOnce.Do(func() { metrics.Register(d.reg) })
	return d
}

// obicoBridge builds the per-printer Obico bridge; printers without an
// enabled Obico block get no bridge.
func obicoBridge(pc *config.PrinterConfig, h *hub.Hub, hooks worker.BridgeHooks) worker.Bridge {
	if b := obico.New(pc, h, hooks); b != nil {
		return b
	}
	return nil
}

// SocketPath returns the IPC socket location.
func (d *Daemon) SocketPath() string { return d.ipc.Path() }

// MetricsAddr returns the bound metrics address, empty until Run binds it.
func (d *Daemon) MetricsAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsAddr
}

// Ready is closed once Run has every subsystem up.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Run brings the daemon up and blocks until ctx is cancelled or StopService
// arrives. The returned error is fatal-at-init only; the caller exits
// non-zero on it.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.ipc.Start(); err != nil {
		return err
	}
	defer d.ipc.Stop()

	var metricsLn net.Listener
	if d.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("bind metrics listener: %w", err)
		}
		metricsLn = ln
		d.mu.Lock()
		d.metricsAddr = ln.Addr().String()
		d.mu.Unlock()
	}

	d.reg.StartAll(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	if metricsLn != nil {
		r := chi.NewRouter()
		r.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Handler: r}
		g.Go(func() error {
			if err := srv.Serve(metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		d.log.Info().Str("addr", metricsLn.Addr().String()).Msg("metrics listening")
	}

	// Hot reload mirrors the IPC ReloadConfig command. The watcher also sees
	// the daemon's own saves; Reload's config comparison makes those no-ops.
	if w, err := config.NewWatcher(d.store.Path(), d.onConfigFileChanged); err != nil {
		d.log.Warn().Err(err).Msg("config watcher unavailable, hot reload disabled")
	} else {
		g.Go(func() error { w.Run(runCtx); return nil })
	}

	d.readyOnce.Do(func() { close(d.ready) })
	notify("READY=1")
	d.log.Info().
		Str("version", version.Version).
		Int("printers", len(d.cfg.Printers)).
		Str("socket", d.ipc.Path()).
		Msg("daemon ready")

	<-runCtx.Done()
	notify("STOPPING=1")
	d.log.Info().Msg("daemon stopping")

	if err := g.Wait(); err != nil {
		d.log.Warn().Err(err).Msg("background task failed")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	d.reg.StopAll(stopCtx)
	d.log.Info().Msg("daemon stopped")
	return nil
}

func (d *Daemon) onConfigFileChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	d.log.Info().Msg("config file changed on disk, reloading")
	if err := d.reg.Reload(ctx); err != nil {
		d.log.Error().Err(err).Msg("config reload failed")
	}
}

// DaemonStatus implements ipc.Backend.
func (d *Daemon) DaemonStatus(ctx context.Context) ipc.DaemonStatus {
	sum := d.reg.Summary()
	st := ipc.DaemonStatus{
		Version:           version.Version,
		UptimeSeconds:     time.Since(d.startedAt).Seconds(),
		PrinterCount:      sum.PrinterCount,
		ActiveStreamers:   sum.ActiveStreamers,
		InactiveStreamers: sum.InactiveStreamers,
		TotalClients:      sum.TotalClients,
		ListenInterfaces:  sum.ListenInterfaces,
	}
	if d.proc != nil {
		if mem, err := d.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			st.RssBytes = mem.RSS
		}
		if cpu, err := d.proc.CPUPercentWithContext(ctx); err == nil {
			st.CPUPercent = cpu
		}
	}
	return st
}

// ListPrinters implements ipc.Backend.
func (d *Daemon) ListPrinters() []registry.PrinterStatus {
	return d.reg.Statuses()
}

// PrinterDetails implements ipc.Backend.
func (d *Daemon) PrinterDetails(name string) (registry.PrinterStatus, error) {
	return d.reg.Status(name)
}

// PrinterConfig implements ipc.Backend. Credentials are masked.
func (d *Daemon) PrinterConfig(name string) (*config.PrinterConfig, error) {
	pc, err := d.reg.PrinterConfig(name)
	if err != nil {
		return nil, err
	}
	return pc.MaskSecrets(), nil
}

// AddPrinter implements ipc.Backend.
func (d *Daemon) AddPrinter(ctx context.Context, pc *config.PrinterConfig) error {
	return d.reg.Add(ctx, pc)
}

// DeletePrinter implements ipc.Backend.
func (d *Daemon) DeletePrinter(ctx context.Context, name string) error {
	return d.reg.Delete(ctx, name)
}

// ModifyPrinter implements ipc.Backend.
func (d *Daemon) ModifyPrinter(ctx context.Context, originalName string, pc *config.PrinterConfig) error {
	return d.reg.Modify(ctx, originalName, pc)
}

// PausePrinter implements ipc.Backend.
func (d *Daemon) PausePrinter(ctx context.Context, name string) error {
	return d.reg.Pause(ctx, name)
}

// ResumePrinter implements ipc.Backend.
func (d *Daemon) ResumePrinter(ctx context.Context, name string) error {
	return d.reg.Resume(ctx, name)
}

// LedStatus implements ipc.Backend.
func (d *Daemon) LedStatus(ctx context.Context, name string) (ipc.LedReply, error) {
	w, err := d.reg.Get(name)
	if err != nil {
		return ipc.LedReply{}, err
	}
	state, err := w.LedStatus(ctx)
	if err != nil {
		return ipc.LedReply{}, err
	}
	return ipc.LedReply{Type: state.Type, IsOn: state.On(), Brightness: state.Brightness}, nil
}

// SetLed implements ipc.Backend. The brightness carries over from the
// current state; 100 when the light has never reported one.
func (d *Daemon) SetLed(ctx context.Context, name string, on bool) (ipc.LedReply, error) {
	w, err := d.reg.Get(name)
	if err != nil {
		return ipc.LedReply{}, err
	}
	brightness := 100
	if cur, err := w.LedStatus(ctx); err == nil && cur.Brightness > 0 {
		brightness = cur.Brightness
	}
	if err := w.SetLed(ctx, on, brightness); err != nil {
		return ipc.LedReply{}, err
	}
	return ipc.LedReply{Type: 1, IsOn: on, Brightness: brightness}, nil
}

// ReloadConfig implements ipc.Backend.
func (d *Daemon) ReloadConfig(ctx context.Context) error {
	return d.reg.Reload(ctx)
}

// ChangeInterfaces implements ipc.Backend.
func (d *Daemon) ChangeInterfaces(ctx context.Context, interfaces []string) error {
	return d.reg.ChangeInterfaces(ctx, interfaces)
}

// StopService implements ipc.Backend: it cancels Run.
func (d *Daemon) StopService() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ ipc.Backend = (*Daemon)(nil)
