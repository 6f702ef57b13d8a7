package camserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handlePlaylist serves the media playlist. With low latency enabled the
// _HLS_msn/_HLS_part query parameters turn the request into a blocking
// reload that is held until the target exists or the deadline fires.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	s.touchHLS()
	if !s.hls.Ready() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "stream not started", http.StatusServiceUnavailable)
		return
	}

	var playlist string
	msnStr := r.URL.Query().Get("_HLS_msn")
	if s.cfg.LlHls && msnStr != "" {
		msn, err := strconv.ParseUint(msnStr, 10, 64)
		if err != nil {
			http.Error(w, "bad _HLS_msn", http.StatusBadRequest)
			return
		}
		partIdx := -1
		if partStr := r.URL.Query().Get("_HLS_part"); partStr != "" {
			p, err := strconv.Atoi(partStr)
			if err != nil || p < 0 {
				http.Error(w, "bad _HLS_part", http.StatusBadRequest)
				return
			}
			partIdx = p
		}
		// A request too far past the live edge can never be satisfied.
		if msn > s.hls.Stats().NextMSN+1 {
			http.Error(w, "_HLS_msn beyond live edge", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.hls.WaitDeadline())
		defer cancel()
		playlist = s.hls.WaitFor(ctx, msn, partIdx)
	} else {
		playlist = s.hls.Playlist()
	}

	noCache(w)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	io.WriteString(w, playlist)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	s.touchHLS()
	data := s.hls.Init()
	if data == nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "stream not started", http.StatusServiceUnavailable)
		return
	}
	noCache(w)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Write(data)
}

// handleMedia serves segment_N.m4s and part_N.M.m4s by name.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.touchHLS()
	name := chi.URLParam(r, "name")

	var msn uint64
	var partIdx int
	if n, _ := fmt.Sscanf(name, "part_%d.%d.m4s", &msn, &partIdx); n == 2 {
		if !s.cfg.LlHls {
			http.NotFound(w, r)
			return
		}
		data, ok := s.hls.Part(msn, partIdx)
		if !ok {
			http.NotFound(w, r)
			return
		}
		serveMedia(w, data)
		return
	}
	if n, _ := fmt.Sscanf(name, "segment_%d.m4s", &msn); n == 1 {
		data, ok := s.hls.Segment(msn)
		if !ok {
			http.NotFound(w, r)
			return
		}
		serveMedia(w, data)
		return
	}
	http.NotFound(w, r)
}

func serveMedia(w http.ResponseWriter, data []byte) {
	noCache(w)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Write(data)
}
