package obico

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"acproxycam/h264"
	"acproxycam/hub"
	"acproxycam/logging"
)

// mjpegChunkSize keeps each datachannel text message under the usual SCTP
// fragment threshold.
const mjpegChunkSize = 1400

// mjpegChunkInterval paces datachannel chunks so a large frame does not
// burst the gateway.
const mjpegChunkInterval = 4 * time.Millisecond

// rtpStreamer pulls H.264 access units off the hub and pushes RTP packets
// to a Janus mountpoint's video port.
type rtpStreamer struct {
	hub     *hub.Hub
	addr    string
	printer string
	active  func() bool
	log     zerolog.Logger
}

func newRTPStreamer(h *hub.Hub, host string, port int, printer string, active func() bool) *rtpStreamer {
	return &rtpStreamer{
		hub:     h,
		addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		printer: printer,
		active:  active,
		log:     logging.WithPrinter("janus-rtp", printer),
	}
}

func (r *rtpStreamer) run(ctx context.Context) {
	conn, err := net.Dial("udp", r.addr)
	if err != nil {
		r.log.Warn().Err(err).Str("addr", r.addr).Msg("rtp dial failed")
		return
	}
	defer conn.Close()

	sub := r.hub.SubscribeH264(64)
	defer sub.Close()

	pkt := h264.NewPacketizer(96, rand.Uint32())
	awaitingKeyframe := true
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if r.active != nil && !r.active() {
			awaitingKeyframe = true
			continue
		}
		if awaitingKeyframe && !p.Keyframe {
			continue
		}
		awaitingKeyframe = false

		nalus, err := h264.SplitAVCC(p.Data, 4)
		if err != nil {
			r.log.Debug().Err(err).Msg("bad access unit")
			continue
		}
		if p.Keyframe {
			// Decoders joining mid-stream need parameter sets in-band.
			if ex, _ := r.hub.Extradata(); ex != nil {
				nalus = append([][]byte{ex.SPS, ex.PPS}, h264.FilterParameterSets(nalus)...)
			}
		}
		for _, out := range pkt.Packetize(nalus, p.PTS) {
			buf, err := out.Marshal()
			if err != nil {
				continue
			}
			if _, err := conn.Write(buf); err != nil {
				r.log.Debug().Err(err).Msg("rtp write failed")
				return
			}
		}
	}
}

// mjpegStreamer sends base64-chunked JPEG frames to a Janus data port. The
// gateway relays each chunk as a datachannel text message; the web client
// reassembles frames on the JPEG SOI marker.
type mjpegStreamer struct {
	hub     *hub.Hub
	addr    string
	printer string
	active  func() bool
	log     zerolog.Logger
}

func newMJPEGStreamer(h *hub.Hub, host string, port int, printer string, active func() bool) *mjpegStreamer {
	return &mjpegStreamer{
		hub:     h,
		addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		printer: printer,
		active:  active,
		log:     logging.WithPrinter("janus-mjpeg", printer),
	}
}

func (m *mjpegStreamer) run(ctx context.Context) {
	conn, err := net.Dial("udp", m.addr)
	if err != nil {
		m.log.Warn().Err(err).Str("addr", m.addr).Msg("mjpeg dial failed")
		return
	}
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Every(mjpegChunkInterval), 1)
	var lastSeq uint64
	for {
		jpeg, seq, err := m.hub.WaitJPEG(ctx, lastSeq)
		if err != nil {
			return
		}
		lastSeq = seq
		if m.active != nil && !m.active() {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(jpeg)
		for off := 0; off < len(encoded); off += mjpegChunkSize {
			end := off + mjpegChunkSize
			if end > len(encoded) {
				end = len(encoded)
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := conn.Write([]byte(encoded[off:end])); err != nil {
				m.log.Debug().Err(err).Msg("mjpeg write failed")
				return
			}
		}
	}
}
