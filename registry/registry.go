// Package registry owns the set of printer workers: serialized add, modify,
// delete and reload with port-uniqueness validation, and persistence of
// config changes discovered at runtime.
package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"acproxycam/config"
	"acproxycam/hub"
	"acproxycam/logging"
	"acproxycam/metrics"
	"acproxycam/mqtt"
	"acproxycam/worker"
)

// Handle is the worker surface the registry drives. *worker.Worker implements
// it; tests substitute fakes through the NewWorker factory.
type Handle interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Pause(ctx context.Context)
	Resume(ctx context.Context) error
	Status() worker.Status
	PrinterConfig() *config.PrinterConfig
	Hub() *hub.Hub
	LedStatus(ctx context.Context) (mqtt.LedState, error)
	SetLed(ctx context.Context, on bool, brightness int) error
}

// BridgeFactory builds the Obico bridge for a printer; nil disables bridges.
type BridgeFactory func(pc *config.PrinterConfig, h *hub.Hub, hooks worker.BridgeHooks) worker.Bridge

// PrinterStatus is one worker's status with its name attached, the ListPrinters
// wire shape.
type PrinterStatus struct {
	Name string `json:"name"`
	worker.Status
}

// Summary aggregates across workers for the daemon status reply.
type Summary struct {
	PrinterCount      int
	ActiveStreamers   int
	InactiveStreamers int
	TotalClients      int
	ListenInterfaces  []string
}

// Registry serializes worker-set mutations. opMu orders Add/Modify/Delete/
// Reload end to end; mu guards the map and config document so status reads
// never wait behind a worker teardown.
type Registry struct {
	log   zerolog.Logger
	store *config.Store

	// NewWorker builds a worker for a printer config. Tests replace it.
	NewWorker func(pc *config.PrinterConfig, interfaces []string, ev worker.Events) Handle
	// NewBridge, when set, is handed to each created worker.
	NewBridge BridgeFactory

	opMu sync.Mutex

	mu      sync.Mutex
	cfg     *config.Config
	workers map[string]Handle
	runCtx  context.Context
}

// New builds a Registry over the loaded config document. Call StartAll to
// bring the workers up.
func New(store *config.Store, cfg *config.Config) *Registry {
	r := &Registry{
		log:     logging.WithComponent("registry"),
		store:   store,
		cfg:     cfg.Clone(),
		workers: make(map[string]Handle),
	}
	r.NewWorker = r.defaultWorker
	return r
}

func (r *Registry) defaultWorker(pc *config.PrinterConfig, interfaces []string, ev worker.Events) Handle {
	w := worker.New(pc, interfaces, ev)
	if r.NewBridge != nil {
		w.NewBridge = func(h *hub.Hub, hooks worker.BridgeHooks) worker.Bridge {
			return r.NewBridge(w.PrinterConfig(), h, hooks)
		}
	}
	return w
}

// StartAll creates and starts a worker for every configured printer. Worker
// start failures (a taken port, typically) are logged, not fatal: the worker
// set is each printer's error boundary.
func (r *Registry) StartAll(ctx context.Context) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	r.runCtx = ctx
	printers := r.cfg.Clone().Printers
	interfaces := append([]string(nil), r.cfg.ListenInterfaces...)
	r.mu.Unlock()

	for _, pc := range printers {
		r.startWorkerLocked(ctx, pc, interfaces)
	}
}

// startWorkerLocked creates the worker, registers it, and starts it. Callers
// hold opMu.
func (r *Registry) startWorkerLocked(ctx context.Context, pc *config.PrinterConfig, interfaces []string) error {
	w := r.NewWorker(pc.Clone(), interfaces, worker.Events{
		ConfigChanged: r.onConfigChanged,
	})
	r.mu.Lock()
	r.workers[pc.Name] = w
	r.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		r.log.Error().Err(err).Str("printer", pc.Name).Msg("worker start failed")
		return err
	}
	return nil
}

// StopAll stops every worker, bounded by ctx.
func (r *Registry) StopAll(ctx context.Context) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	workers := make([]Handle, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Handle) {
			defer wg.Done()
			w.Stop(ctx)
		}(w)
	}
	wg.Wait()
}

// onConfigChanged persists identity and credential fields a worker discovered
// at runtime. Runs on its own goroutine so the worker callback never blocks
// behind a registry operation.
func (r *Registry) onConfigChanged(pc *config.PrinterConfig) {
	updated := pc.Clone()
	go func() {
		r.opMu.Lock()
		defer r.opMu.Unlock()

		r.mu.Lock()
		entry := r.cfg.Printer(updated.Name)
		if entry == nil {
			r.mu.Unlock()
			return
		}
		*entry = *updated
		doc := r.cfg.Clone()
		r.mu.Unlock()

		if err := r.store.Save(doc); err != nil {
			r.log.Error().Err(err).Str("printer", updated.Name).Msg("persist discovered config failed")
			return
		}
		r.log.Info().Str("printer", updated.Name).Msg("discovered config persisted")
	}()
}

// portOwnerLocked returns the name of the printer holding port, skipping
// skipName. Callers hold mu.
func (r *Registry) portOwnerLocked(port int, skipName string) string {
	for _, p := range r.cfg.Printers {
		if p.Name != skipName && p.MjpegPort == port {
			return p.Name
		}
	}
	return ""
}

// bindTest verifies the port is free on every listen interface right now.
func bindTest(interfaces []string, port int) error {
	if len(interfaces) == 0 {
		interfaces = []string{"0.0.0.0"}
	}
	for _, iface := range interfaces {
		addr := net.JoinHostPort(iface, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("MJPEG port %d is not bindable on %s: %w", port, iface, err)
		}
		ln.Close()
	}
	return nil
}

// Add validates and persists a new printer, then starts its worker. The
// config is not touched unless validation passes.
func (r *Registry) Add(ctx context.Context, pc *config.PrinterConfig) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	pc = pc.Clone()
	pc.ApplyDefaults()
	if err := pc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.cfg.Printer(pc.Name) != nil {
		r.mu.Unlock()
		return fmt.Errorf("printer %q already exists", pc.Name)
	}
	if owner := r.portOwnerLocked(pc.MjpegPort, ""); owner != "" {
		r.mu.Unlock()
		return fmt.Errorf("MJPEG port %d is already in use", pc.MjpegPort)
	}
	interfaces := append([]string(nil), r.cfg.ListenInterfaces...)
	r.mu.Unlock()

	if err := bindTest(interfaces, pc.MjpegPort); err != nil {
		return err
	}

	r.mu.Lock()
	r.cfg.Printers = append(r.cfg.Printers, pc.Clone())
	doc := r.cfg.Clone()
	ctx = r.workerCtxLocked(ctx)
	r.mu.Unlock()

	if err := r.store.Save(doc); err != nil {
		r.removeEntry(pc.Name)
		return fmt.Errorf("persist config: %w", err)
	}

	if err := r.startWorkerLocked(ctx, pc, interfaces); err != nil {
		r.dropWorker(ctx, pc.Name)
		r.removeEntry(pc.Name)
		if serr := r.store.Save(r.snapshot()); serr != nil {
			r.log.Error().Err(serr).Msg("rollback save failed")
		}
		return err
	}
	r.log.Info().Str("printer", pc.Name).Int("port", pc.MjpegPort).Msg("printer added")
	return nil
}

// Delete stops the worker and removes the printer from the config.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.cfg.Printer(name) == nil {
		r.mu.Unlock()
		return fmt.Errorf("unknown printer %q", name)
	}
	r.mu.Unlock()

	r.dropWorker(ctx, name)
	r.removeEntry(name)
	if err := r.store.Save(r.snapshot()); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	r.log.Info().Str("printer", name).Msg("printer deleted")
	return nil
}

// Modify stops the existing worker, swaps the config entry, and starts a new
// worker. A port change is re-validated before anything is torn down.
func (r *Registry) Modify(ctx context.Context, originalName string, pc *config.PrinterConfig) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	pc = pc.Clone()
	pc.ApplyDefaults()
	if err := pc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	existing := r.cfg.Printer(originalName)
	if existing == nil {
		r.mu.Unlock()
		return fmt.Errorf("unknown printer %q", originalName)
	}
	if pc.Name != originalName && r.cfg.Printer(pc.Name) != nil {
		r.mu.Unlock()
		return fmt.Errorf("printer %q already exists", pc.Name)
	}
	if owner := r.portOwnerLocked(pc.MjpegPort, originalName); owner != "" {
		r.mu.Unlock()
		return fmt.Errorf("MJPEG port %d is already in use", pc.MjpegPort)
	}
	portChanged := existing.MjpegPort != pc.MjpegPort
	interfaces := append([]string(nil), r.cfg.ListenInterfaces...)
	r.mu.Unlock()

	if portChanged {
		if err := bindTest(interfaces, pc.MjpegPort); err != nil {
			return err
		}
	}

	r.dropWorker(ctx, originalName)
	r.removeEntry(originalName)

	r.mu.Lock()
	r.cfg.Printers = append(r.cfg.Printers, pc.Clone())
	doc := r.cfg.Clone()
	startCtx := r.workerCtxLocked(ctx)
	r.mu.Unlock()

	if err := r.store.Save(doc); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	if err := r.startWorkerLocked(startCtx, pc, interfaces); err != nil {
		return err
	}
	r.log.Info().Str("printer", pc.Name).Msg("printer modified")
	return nil
}

// Pause tears the worker down but keeps it configured.
func (r *Registry) Pause(ctx context.Context, name string) error {
	w, err := r.Get(name)
	if err != nil {
		return err
	}
	w.Pause(ctx)
	return nil
}

// Resume restarts a paused worker.
func (r *Registry) Resume(ctx context.Context, name string) error {
	w, err := r.Get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	runCtx := r.workerCtxLocked(context.Background())
	r.mu.Unlock()
	return w.Resume(runCtx)
}

// workerCtxLocked prefers the long-lived context from StartAll, so a worker
// started by an IPC request outlives the request. Callers hold mu.
func (r *Registry) workerCtxLocked(fallback context.Context) context.Context {
	if r.runCtx != nil {
		return r.runCtx
	}
	return fallback
}

// Get returns the worker for name.
func (r *Registry) Get(name string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown printer %q", name)
	}
	return w, nil
}

// PrinterConfig returns a copy of the live config for name, including fields
// discovered since start.
func (r *Registry) PrinterConfig(name string) (*config.PrinterConfig, error) {
	if w, err := r.Get(name); err == nil {
		return w.PrinterConfig(), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc := r.cfg.Printer(name); pc != nil {
		return pc.Clone(), nil
	}
	return nil, fmt.Errorf("unknown printer %q", name)
}

// Statuses returns all workers' statuses in config order.
func (r *Registry) Statuses() []PrinterStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.cfg.Printers))
	for _, p := range r.cfg.Printers {
		names = append(names, p.Name)
	}
	workers := make(map[string]Handle, len(r.workers))
	for n, w := range r.workers {
		workers[n] = w
	}
	r.mu.Unlock()

	out := make([]PrinterStatus, 0, len(names))
	for _, name := range names {
		if w, ok := workers[name]; ok {
			out = append(out, PrinterStatus{Name: name, Status: w.Status()})
		}
	}
	return out
}

// Status returns one worker's status.
func (r *Registry) Status(name string) (PrinterStatus, error) {
	w, err := r.Get(name)
	if err != nil {
		return PrinterStatus{}, err
	}
	return PrinterStatus{Name: name, Status: w.Status()}, nil
}

// Summary aggregates worker counts for the daemon status reply.
func (r *Registry) Summary() Summary {
	statuses := r.Statuses()
	r.mu.Lock()
	ifaces := append([]string(nil), r.cfg.ListenInterfaces...)
	r.mu.Unlock()

	sum := Summary{
		PrinterCount:     len(statuses),
		ListenInterfaces: ifaces,
	}
	for _, st := range statuses {
		if st.State == worker.StateRunning {
			sum.ActiveStreamers++
		} else {
			sum.InactiveStreamers++
		}
		c := st.Clients
		sum.TotalClients += c.Mjpeg + c.H264WS + c.Flv + c.External
	}
	return sum
}

// WorkerSamples implements metrics.Source.
func (r *Registry) WorkerSamples() []metrics.WorkerSample {
	r.mu.Lock()
	workers := make([]Handle, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	out := make([]metrics.WorkerSample, 0, len(workers))
	for _, w := range workers {
		st := w.Status()
		h := w.Hub()
		sample := metrics.WorkerSample{
			Printer: w.Name(),
			State:   string(st.State),
			Clients: map[string]int{
				"mjpeg":    st.Clients.Mjpeg,
				"h264ws":   st.Clients.H264WS,
				"flv":      st.Clients.Flv,
				"external": st.Clients.External,
			},
		}
		if h != nil {
			sample.FramesDecoded = h.FrameCount()
			sample.Subscribers = h.SubscriberCount()
		}
		out = append(out, sample)
	}
	return out
}

// dropWorker stops and removes the worker for name, if any.
func (r *Registry) dropWorker(ctx context.Context, name string) {
	r.mu.Lock()
	w, ok := r.workers[name]
	if ok {
		delete(r.workers, name)
	}
	r.mu.Unlock()
	if ok {
		w.Stop(ctx)
	}
}

// removeEntry deletes the config entry for name.
func (r *Registry) removeEntry(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	printers := r.cfg.Printers[:0]
	for _, p := range r.cfg.Printers {
		if p.Name != name {
			printers = append(printers, p)
		}
	}
	r.cfg.Printers = printers
}

// snapshot clones the current document.
func (r *Registry) snapshot() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clone()
}
