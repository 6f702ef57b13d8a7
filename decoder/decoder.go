// Package decoder runs one ffmpeg child per printer that pulls the camera's
// FLV feed and fans it out on two pipes: decoded YUV frames (yuv4mpegpipe on
// stdout) and the untouched H.264 elementary stream (stream copy on fd 3).
package decoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"acproxycam/h264"
)

// StreamInfo describes the stream once both pipes have reported: parameter
// sets from the H.264 side, geometry and frame rate from the YUV side.
type StreamInfo struct {
	Extradata *h264.Extradata
	Width     int
	Height    int
	FPS       float64
}

// Callbacks receive decoder output on the decoder's reader goroutines; they
// must not block.
type Callbacks struct {
	// OnStarted fires once per run, after SPS/PPS and the stream geometry
	// are both known.
	OnStarted func(info StreamInfo)
	// OnFrame delivers one decoded YUV 4:2:0 picture. The buffer is owned
	// by the receiver.
	OnFrame func(data []byte, stride, width, height int)
	// OnPacket delivers one access unit in AVCC form with a synthesized
	// 90 kHz timestamp.
	OnPacket func(data []byte, keyframe bool, pts uint32)
	// OnExit fires once when the child exits, with its error if any.
	OnExit func(err error)
}

// Decoder supervises one ffmpeg child. It is single-use: Start once, Stop
// once; a recovery cycle builds a fresh Decoder.
type Decoder struct {
	url string
	cb  Callbacks
	log zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	h264Out *os.File
	stopped bool

	stream   *streamState
	exitOnce sync.Once
	readers  sync.WaitGroup
}

// New creates a Decoder for the given FLV URL.
func New(flvURL string, cb Callbacks, logger zerolog.Logger) *Decoder {
	d := &Decoder{
		url: flvURL,
		cb:  cb,
		log: logger,
	}
	d.stream = newStreamState(d)
	return d
}

// Start launches the child and its reader goroutines.
func (d *Decoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return fmt.Errorf("decoder already started")
	}
	if d.stopped {
		return fmt.Errorf("decoder already stopped")
	}

	// fd 3 in the child is the write end of the elementary-stream pipe.
	h264Read, h264Write, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create h264 pipe: %w", err)
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", d.url,
		"-map", "0:v:0", "-c:v", "copy", "-f", "h264", "pipe:3",
		"-map", "0:v:0", "-pix_fmt", "yuv420p", "-f", "yuv4mpegpipe", "pipe:1",
	)
	cmd.ExtraFiles = []*os.File{h264Write}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h264Read.Close()
		h264Write.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h264Read.Close()
		h264Write.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		h264Read.Close()
		h264Write.Close()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	// Parent keeps only the read end.
	h264Write.Close()

	d.cmd = cmd
	d.h264Out = h264Read

	d.readers.Add(3)
	go func() {
		defer d.readers.Done()
		d.logStderr(stderr)
	}()
	go func() {
		defer d.readers.Done()
		if err := d.readY4M(stdout); err != nil && err != io.EOF {
			d.log.Debug().Err(err).Msg("yuv pipe ended")
		}
	}()
	go func() {
		defer d.readers.Done()
		if err := d.readH264(h264Read); err != nil && err != io.EOF {
			d.log.Debug().Err(err).Msg("h264 pipe ended")
		}
	}()
	go d.waitExit()

	d.log.Debug().Str("url", d.url).Msg("decoder started")
	return nil
}

// Stop kills the child and waits for its goroutines to drain.
func (d *Decoder) Stop() {
	d.mu.Lock()
	d.stopped = true
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil {
		return
	}
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	d.readers.Wait()
}

func (d *Decoder) waitExit() {
	d.readers.Wait()
	err := d.cmd.Wait()
	d.h264Out.Close()

	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()

	d.exitOnce.Do(func() {
		if stopped {
			err = nil
		}
		if d.cb.OnExit != nil {
			d.cb.OnExit(err)
		}
	})
}

func (d *Decoder) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.log.Debug().Str("ffmpeg", scanner.Text()).Msg("decoder stderr")
	}
}
