// Package camserver is the per-printer HTTP front end: MJPEG stream,
// snapshots, an H.264 WebSocket, HLS, an FLV remux, and status/LED
// endpoints, all fed from the printer's hub.
package camserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"acproxycam/hls"
	"acproxycam/hub"
	"acproxycam/logging"
)

// Config carries the per-printer serving parameters.
type Config struct {
	Name         string
	Port         int
	Interfaces   []string
	MaxFPS       int
	IdleFPS      int
	JpegQuality  int
	LlHls        bool
	PartDuration time.Duration
}

// LedState is the wire form of the /led endpoint.
type LedState struct {
	On         bool `json:"on"`
	Brightness int  `json:"brightness,omitempty"`
}

// Hooks are wired by the owning worker before Start. Status must return a
// JSON-marshalable snapshot; the LED hooks bridge to the MQTT controller.
type Hooks struct {
	Status func() any
	LedGet func(ctx context.Context) (LedState, error)
	LedSet func(ctx context.Context, state LedState) error
}

// Counts breaks active clients down by type.
type Counts struct {
	Mjpeg    int `json:"mjpeg"`
	H264WS   int `json:"h264Ws"`
	Flv      int `json:"flv"`
	External int `json:"external"`
}

func (c Counts) total() int { return c.Mjpeg + c.H264WS + c.Flv + c.External }

// Server serves one printer's camera endpoints on one or more interfaces.
type Server struct {
	cfg   Config
	hub   *hub.Hub
	hls   *hls.Streamer
	hooks Hooks
	log   zerolog.Logger

	mjpegClients atomic.Int64
	h264Clients  atomic.Int64
	flvClients   atomic.Int64
	external     atomic.Int64
	lastHLSNanos atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// New builds a Server over h. The HLS segmenter and JPEG encoder start with
// Start and stop with Stop.
func New(cfg Config, h *hub.Hub, hooks Hooks) *Server {
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 15
	}
	if cfg.IdleFPS <= 0 {
		cfg.IdleFPS = 5
	}
	if cfg.JpegQuality <= 0 {
		cfg.JpegQuality = 80
	}
	if len(cfg.Interfaces) == 0 {
		cfg.Interfaces = []string{"0.0.0.0"}
	}
	return &Server{
		cfg:   cfg,
		hub:   h,
		hooks: hooks,
		hls: hls.NewStreamer(hls.Options{
			PartTarget: cfg.PartDuration,
			LowLatency: cfg.LlHls,
		}),
		log: logging.WithPrinter("camserver", cfg.Name),
	}
}

// Start binds every configured interface and launches the serving tasks.
// Any bind failure releases the others and is returned; the caller treats
// it as fatal for this printer.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	handler := s.routes()
	ctx, cancel := context.WithCancel(context.Background())

	for _, iface := range s.cfg.Interfaces {
		addr := net.JoinHostPort(iface, strconv.Itoa(s.cfg.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			s.closeListenersLocked()
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}

	for _, ln := range s.listeners {
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		s.servers = append(s.servers, srv)
		s.wg.Add(1)
		go func(srv *http.Server, ln net.Listener) {
			defer s.wg.Done()
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("http serve")
			}
		}(srv, ln)
		s.log.Info().Str("addr", ln.Addr().String()).Msg("camera server listening")
	}

	s.cancel = cancel
	s.running = true
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runEncoder(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runSegmenter(ctx)
	}()
	return nil
}

// Stop shuts the listeners down and waits for the serving tasks. Streaming
// clients are cut by the base context.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	servers := s.servers
	s.servers = nil
	s.listeners = nil
	s.mu.Unlock()

	cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
	}
	s.wg.Wait()
}

func (s *Server) closeListenersLocked() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	s.servers = nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/stream", s.handleStream)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/h264", s.handleH264)
	r.Get("/flv", s.handleFLV)
	r.Get("/status", s.handleStatus)
	r.Get("/led", s.handleLedGet)
	r.Put("/led", s.handleLedSet)
	r.Route("/hls", func(r chi.Router) {
		r.Get("/playlist.m3u8", s.handlePlaylist)
		r.Get("/init.mp4", s.handleInit)
		r.Get("/{name}", s.handleMedia)
	})
	return r
}

// Counts returns the current client breakdown.
func (s *Server) Counts() Counts {
	return Counts{
		Mjpeg:    int(s.mjpegClients.Load()),
		H264WS:   int(s.h264Clients.Load()),
		Flv:      int(s.flvClients.Load()),
		External: int(s.external.Load()),
	}
}

// SetExternalViewers records viewers the worker knows about from outside
// the HTTP surface, e.g. active Janus sessions.
func (s *Server) SetExternalViewers(n int) {
	s.external.Store(int64(n))
}

// HasConsumers reports whether anything is watching: a connected client of
// any type, or HLS activity within the given window.
func (s *Server) HasConsumers(hlsWindow time.Duration) bool {
	if s.Counts().total() > 0 {
		return true
	}
	last := s.lastHLSNanos.Load()
	return last > 0 && time.Since(time.Unix(0, last)) <= hlsWindow
}

// HLS exposes the segmenter for status reporting.
func (s *Server) HLS() *hls.Streamer { return s.hls }

func (s *Server) touchHLS() {
	s.lastHLSNanos.Store(time.Now().UnixNano())
}

// runSegmenter feeds the hub's packet stream into the HLS streamer,
// refreshing the init segment whenever the parameter sets change.
func (s *Server) runSegmenter(ctx context.Context) {
	sub := s.hub.SubscribeH264(0)
	defer sub.Close()

	var initVer uint64
	haveInit := false
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if ex, ver := s.hub.Extradata(); ex != nil && (!haveInit || ver != initVer) {
			w, h, _ := s.hub.StreamInfo()
			if w > 0 && h > 0 {
				s.hls.SetInit(ex, w, h)
				initVer = ver
				haveInit = true
			}
		}
		s.hls.Push(p.Data, p.Keyframe, p.PTS)
	}
}
