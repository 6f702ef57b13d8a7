//go:build linux

package worker

import (
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// pinAffinity ties the supervision goroutine's thread to one CPU, chosen
// round-robin by worker index. The ffmpeg child inherits the mask, so each
// printer's pipeline lands on its own core when cores allow. Best effort.
func pinAffinity(index int, log zerolog.Logger) {
	n := runtime.NumCPU()
	if n <= 1 {
		return
	}
	cpu := index % n
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Debug().Err(err).Msg("cpu affinity not applied")
		runtime.UnlockOSThread()
		return
	}
	log.Debug().Int("cpu", cpu).Msg("worker pinned to cpu")
}
