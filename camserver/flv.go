package camserver

import (
	"net/http"

	"acproxycam/flv"
)

// handleFLV remuxes the live H.264 feed back into FLV for tools that speak
// the camera's native container.
func (s *Server) handleFLV(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ex, _ := s.hub.Extradata()
	width, height, fps := s.hub.StreamInfo()
	if ex == nil || width == 0 {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "stream not started", http.StatusServiceUnavailable)
		return
	}

	s.flvClients.Add(1)
	defer s.flvClients.Add(-1)
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("flv client connected")
	defer s.log.Debug().Str("remote", r.RemoteAddr).Msg("flv client disconnected")

	noCache(w)
	w.Header().Set("Content-Type", "video/x-flv")
	w.WriteHeader(http.StatusOK)

	mux := flv.NewMuxer(w)
	if err := mux.WriteInit(ex, width, height, fps); err != nil {
		return
	}
	flusher.Flush()

	sub := s.hub.SubscribeH264(0)
	defer sub.Close()
	for {
		p, err := sub.Next(r.Context())
		if err != nil {
			return
		}
		if err := mux.WriteFrame(p.Data, p.Keyframe); err != nil {
			return
		}
		flusher.Flush()
	}
}
