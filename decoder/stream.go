package decoder

import (
	"bufio"
	"io"
	"sync"

	"acproxycam/h264"
)

// maxPendingAUs bounds the access units held back while waiting for the YUV
// side to report geometry. Oldest are discarded on overflow.
const maxPendingAUs = 128

type pendingAU struct {
	data     []byte
	keyframe bool
}

// streamState joins the two pipes: parameter sets arrive on the H.264 side,
// geometry and frame rate on the YUV side. Packets are emitted — with a
// 90 kHz timestamp synthesized from the frame rate — only after both have
// reported, so the first emitted keyframe is never timestamped with a
// guessed rate.
type streamState struct {
	d *Decoder

	mu        sync.Mutex
	assembler h264.AUAssembler
	sps, pps  []byte
	width     int
	height    int
	fps       float64
	started   bool
	pending   []pendingAU
	frameIdx  uint64
}

func newStreamState(d *Decoder) *streamState {
	return &streamState{d: d}
}

// readH264 splits the elementary stream into NAL units and feeds the access
// unit assembler. Tokens are copied out of the scanner's buffer before they
// are retained.
func (d *Decoder) readH264(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	scanner.Split(scanNALUnits)
	for scanner.Scan() {
		tok := scanner.Bytes()
		if len(tok) == 0 {
			continue
		}
		nalu := make([]byte, len(tok))
		copy(nalu, tok)
		d.stream.pushNAL(nalu)
	}
	d.stream.flushPipe()
	return scanner.Err()
}

func (s *streamState) pushNAL(nalu []byte) {
	s.mu.Lock()
	if complete := s.assembler.Push(nalu); complete != nil {
		s.handleAULocked(complete)
	}
	s.mu.Unlock()
}

func (s *streamState) flushPipe() {
	s.mu.Lock()
	if complete := s.assembler.Flush(); complete != nil {
		s.handleAULocked(complete)
	}
	s.mu.Unlock()
}

func (s *streamState) setVideoInfo(width, height int, fps float64) {
	s.mu.Lock()
	s.width, s.height, s.fps = width, height, fps
	s.maybeStartLocked()
	s.mu.Unlock()
}

func (s *streamState) handleAULocked(nalus [][]byte) {
	for _, n := range nalus {
		switch h264.NALType(n) {
		case h264.NALTypeSPS:
			s.sps = n
		case h264.NALTypePPS:
			s.pps = n
		}
	}

	keyframe := h264.ContainsIDR(nalus)
	data := h264.EncodeAVCC(nalus)

	if !s.started {
		s.maybeStartLocked()
	}
	if !s.started {
		if len(s.pending) >= maxPendingAUs {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, pendingAU{data: data, keyframe: keyframe})
		return
	}
	s.emitLocked(data, keyframe)
}

func (s *streamState) maybeStartLocked() {
	if s.started || s.sps == nil || s.pps == nil || s.width == 0 || s.fps == 0 {
		return
	}
	s.started = true

	if s.d.cb.OnStarted != nil {
		s.d.cb.OnStarted(StreamInfo{
			Extradata: &h264.Extradata{SPS: s.sps, PPS: s.pps, NALLengthSize: 4},
			Width:     s.width,
			Height:    s.height,
			FPS:       s.fps,
		})
	}

	pending := s.pending
	s.pending = nil
	for _, au := range pending {
		s.emitLocked(au.data, au.keyframe)
	}
}

func (s *streamState) emitLocked(data []byte, keyframe bool) {
	pts := uint32(float64(s.frameIdx) * 90000.0 / s.fps)
	s.frameIdx++
	if s.d.cb.OnPacket != nil {
		s.d.cb.OnPacket(data, keyframe, pts)
	}
}
