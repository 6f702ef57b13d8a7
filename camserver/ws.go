package camserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"acproxycam/h264"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Camera endpoints are LAN-facing; origin checks stay open like
		// the other stream endpoints.
		return true
	},
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleH264 streams raw H.264 over a WebSocket. The first binary message
// is one Annex-B envelope holding SPS+PPS; every following message is one
// access unit in Annex-B form, starting at a keyframe. A changed parameter
// set is re-sent before the next keyframe.
func (s *Server) handleH264(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.h264Clients.Add(1)
	defer s.h264Clients.Add(-1)
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("h264 client connected")
	defer s.log.Debug().Str("remote", r.RemoteAddr).Msg("h264 client disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain incoming frames so control messages are processed; any read
	// error ends the session.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := s.hub.SubscribeH264(0)
	defer sub.Close()

	// WriteControl is safe alongside WriteMessage, so pings keep flowing
	// even while the stream is stalled.
	go func() {
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			}
		}
	}()

	var sentVer uint64
	sentParams := false
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if p.Keyframe {
			if ex, ver := s.hub.Extradata(); ex != nil && (!sentParams || ver != sentVer) {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, ex.AnnexB()); err != nil {
					return
				}
				sentParams = true
				sentVer = ver
			}
		}
		if !sentParams {
			continue
		}
		data := h264.AVCCToAnnexB(p.Data)
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}
