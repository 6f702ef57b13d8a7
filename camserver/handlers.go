package camserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const snapshotTimeout = 2 * time.Second

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// handleStream serves multipart MJPEG. Pacing follows new-JPEG arrival in
// the hub, so the effective rate is whatever the encoder task produces.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.mjpegClients.Add(1)
	defer s.mjpegClients.Add(-1)
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("mjpeg client connected")
	defer s.log.Debug().Str("remote", r.RemoteAddr).Msg("mjpeg client disconnected")

	noCache(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if data, _ := s.hub.JPEG(); data == nil {
		// Nudge the worker in case the camera needs a restart.
		s.hub.RequestSnapshot()
	}

	var seq uint64
	for {
		data, newSeq, err := s.hub.WaitJPEG(r.Context(), seq)
		if err != nil {
			return
		}
		seq = newSeq
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleSnapshot serves the cached JPEG. An empty cache raises the snapshot
// signal and waits briefly for the worker to recover the stream.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, seq := s.hub.JPEG()
	if data == nil {
		s.hub.RequestSnapshot()
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()
		var err error
		data, _, err = s.hub.WaitJPEG(ctx, seq)
		if err != nil {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "no frame available", http.StatusServiceUnavailable)
			return
		}
	}
	noCache(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status any
	if s.hooks.Status != nil {
		status = s.hooks.Status()
	} else {
		status = map[string]any{"name": s.cfg.Name}
	}
	noCache(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleLedGet(w http.ResponseWriter, r *http.Request) {
	if s.hooks.LedGet == nil {
		http.Error(w, "led control unavailable", http.StatusNotImplemented)
		return
	}
	state, err := s.hooks.LedGet(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (s *Server) handleLedSet(w http.ResponseWriter, r *http.Request) {
	if s.hooks.LedSet == nil {
		http.Error(w, "led control unavailable", http.StatusNotImplemented)
		return
	}
	var state LedState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.hooks.LedSet(r.Context(), state); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
