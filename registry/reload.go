package registry

import (
	"context"
	"slices"

	"acproxycam/config"
)

// Reload re-reads the config file and applies the differences: removed
// printers are stopped, new ones started, materially changed ones restarted.
// An interface-list change restarts every worker.
func (r *Registry) Reload(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	newCfg, err := r.store.Load()
	if err != nil {
		return err
	}
	for _, p := range newCfg.Printers {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	oldInterfaces := append([]string(nil), r.cfg.ListenInterfaces...)
	r.mu.Unlock()

	if !slices.Equal(oldInterfaces, newCfg.ListenInterfaces) {
		r.log.Info().
			Strs("interfaces", newCfg.ListenInterfaces).
			Msg("listen interfaces changed, restarting all workers")
		return r.replaceAllLocked(ctx, newCfg)
	}

	// Stop workers whose printer is gone.
	r.mu.Lock()
	var removed []string
	for name := range r.workers {
		if newCfg.Printer(name) == nil {
			removed = append(removed, name)
		}
	}
	startCtx := r.workerCtxLocked(ctx)
	r.mu.Unlock()
	for _, name := range removed {
		r.log.Info().Str("printer", name).Msg("printer removed on reload")
		r.dropWorker(ctx, name)
	}

	for _, pc := range newCfg.Printers {
		r.mu.Lock()
		w, exists := r.workers[pc.Name]
		r.mu.Unlock()

		if !exists {
			r.log.Info().Str("printer", pc.Name).Msg("printer added on reload")
			r.startWorkerLocked(startCtx, pc, newCfg.ListenInterfaces)
			continue
		}
		// The worker's live config carries fields discovered since start;
		// comparing against it avoids restarts that would only rediscover
		// the same values.
		if w.PrinterConfig().Equal(pc) {
			continue
		}
		r.log.Info().Str("printer", pc.Name).Msg("printer changed on reload, restarting")
		r.dropWorker(ctx, pc.Name)
		r.startWorkerLocked(startCtx, pc, newCfg.ListenInterfaces)
	}

	r.mu.Lock()
	r.cfg = newCfg.Clone()
	r.mu.Unlock()
	return nil
}

// ChangeInterfaces swaps the daemon-wide listen list, persists it, and
// restarts every worker on the new bindings.
func (r *Registry) ChangeInterfaces(ctx context.Context, interfaces []string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if len(interfaces) == 0 {
		interfaces = []string{"0.0.0.0"}
	}

	r.mu.Lock()
	newCfg := r.cfg.Clone()
	r.mu.Unlock()
	newCfg.ListenInterfaces = append([]string(nil), interfaces...)

	if err := r.store.Save(newCfg); err != nil {
		return err
	}
	r.log.Info().Strs("interfaces", interfaces).Msg("listen interfaces changed")
	return r.replaceAllLocked(ctx, newCfg)
}

// replaceAllLocked stops every worker and starts the set fresh from newCfg.
// Callers hold opMu.
func (r *Registry) replaceAllLocked(ctx context.Context, newCfg *config.Config) error {
	r.mu.Lock()
	old := make([]Handle, 0, len(r.workers))
	for _, w := range r.workers {
		old = append(old, w)
	}
	r.workers = make(map[string]Handle, len(newCfg.Printers))
	r.cfg = newCfg.Clone()
	startCtx := r.workerCtxLocked(ctx)
	r.mu.Unlock()

	for _, w := range old {
		w.Stop(ctx)
	}
	for _, pc := range newCfg.Printers {
		r.startWorkerLocked(startCtx, pc, newCfg.ListenInterfaces)
	}
	return nil
}
