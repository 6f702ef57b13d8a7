package hls

import (
	"context"
	"sync"
	"time"

	"acproxycam/h264"
)

const (
	defaultSegmentTarget = 2 * time.Second
	defaultPartTarget    = 500 * time.Millisecond

	// Ring bounds: completed segments kept for the playlist, and the tail
	// of individually fetchable parts on each completed segment.
	maxSegments      = 6
	addressableParts = 3

	// Guard against timestamp resets when the upstream decoder restarts.
	maxSampleDelta     = Timescale     // one second
	defaultSampleDelta = Timescale / 5 // until the first real delta is seen
)

// part is one CMAF fragment of an open or completed segment.
type part struct {
	data        []byte
	duration    float64
	independent bool
}

// segment groups the parts between two keyframe boundaries.
type segment struct {
	msn      uint64
	parts    []part
	duration float64
	complete bool
	cache    []byte // concatenated parts, built on completion
	partBase int    // first part index still individually fetchable
}

func (s *segment) bytes() []byte {
	if s.cache != nil {
		return s.cache
	}
	size := 0
	for _, p := range s.parts {
		size += len(p.data)
	}
	out := make([]byte, 0, size)
	for _, p := range s.parts {
		out = append(out, p.data...)
	}
	return out
}

// Options tune segmentation and playlist rendering.
type Options struct {
	SegmentTarget time.Duration
	PartTarget    time.Duration
	LowLatency    bool
}

func (o *Options) defaults() {
	if o.SegmentTarget <= 0 {
		o.SegmentTarget = defaultSegmentTarget
	}
	if o.PartTarget <= 0 {
		o.PartTarget = defaultPartTarget
	}
}

// Streamer turns a stream of H.264 access units into a rolling window of
// CMAF segments and parts. Media sequence numbers only ever grow, across
// camera restarts included.
type Streamer struct {
	opts Options

	mu        sync.Mutex
	init      []byte
	segments  []*segment
	current   *segment
	curParts  []Sample // samples of the part being filled
	partDur   uint64   // accumulated duration of curParts, timescale units
	segDur    uint64    // accumulated duration of the open segment
	baseTime  uint64    // decode time of the next part
	nextMSN   uint64
	fragSeq   uint32
	lastPTS   uint32
	lastDelta uint32
	havePTS   bool
	maxSegDur float64

	updated chan struct{} // closed and replaced on every playlist change
}

// NewStreamer returns a Streamer with the given options applied over the
// defaults.
func NewStreamer(opts Options) *Streamer {
	opts.defaults()
	return &Streamer{
		opts:      opts,
		lastDelta: defaultSampleDelta,
		maxSegDur: opts.SegmentTarget.Seconds(),
		updated:   make(chan struct{}),
	}
}

// SetInit (re)builds the initialization segment from the current codec
// parameters. Safe to call on every parameter-set change.
func (s *Streamer) SetInit(ex *h264.Extradata, width, height int) {
	data := InitSegment(ex, width, height)
	s.mu.Lock()
	s.init = data
	s.mu.Unlock()
}

// Init returns the current initialization segment, or nil before the first
// SetInit.
func (s *Streamer) Init() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init
}

// Ready reports whether at least one segment or part can be served.
func (s *Streamer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init != nil && (len(s.segments) > 0 || s.current != nil)
}

// Push adds one access unit in AVCC framing. Segments begin at every
// keyframe; parts close when they reach the part target.
func (s *Streamer) Push(data []byte, keyframe bool, pts uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init == nil {
		return
	}

	// Finalize the previous sample's duration from the incoming timestamp.
	if s.havePTS && len(s.curParts) > 0 {
		delta := s.sampleDelta(pts)
		last := &s.curParts[len(s.curParts)-1]
		last.Duration = delta
		s.partDur += uint64(delta)
		s.segDur += uint64(delta)
	}
	s.lastPTS = pts
	s.havePTS = true

	switch {
	case keyframe && s.current != nil && (len(s.current.parts) > 0 || len(s.curParts) > 0):
		s.closePartLocked(true)
		s.closeSegmentLocked()
		s.openSegmentLocked()
	case s.current == nil:
		if !keyframe {
			return // wait for a keyframe to anchor the first segment
		}
		s.openSegmentLocked()
	case s.partDur >= uint64(s.opts.PartTarget.Seconds()*Timescale) && len(s.curParts) > 0:
		s.closePartLocked(false)
	}

	s.curParts = append(s.curParts, Sample{
		Data:     data,
		Duration: s.lastDelta, // provisional until the next sample arrives
		Keyframe: keyframe,
	})
}

// Flush closes the in-progress part so its samples become fetchable, e.g.
// when the camera stream stops.
func (s *Streamer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.curParts) > 0 {
		s.closePartLocked(false)
	}
}

func (s *Streamer) sampleDelta(pts uint32) uint32 {
	delta := int64(pts) - int64(s.lastPTS)
	if delta <= 0 || delta > maxSampleDelta {
		// Restarted or garbled timestamps: reuse the last good spacing.
		return s.lastDelta
	}
	s.lastDelta = uint32(delta)
	return uint32(delta)
}

func (s *Streamer) openSegmentLocked() {
	s.current = &segment{msn: s.nextMSN}
	s.nextMSN++
	s.segDur = 0
	s.notifyLocked()
}

func (s *Streamer) closePartLocked(final bool) {
	if len(s.curParts) == 0 || s.current == nil {
		return
	}
	s.fragSeq++
	data := Fragment(s.fragSeq, s.baseTime, s.curParts)
	var dur uint64
	for _, smp := range s.curParts {
		dur += uint64(smp.Duration)
	}
	s.baseTime += dur
	s.current.parts = append(s.current.parts, part{
		data:        data,
		duration:    float64(dur) / Timescale,
		independent: s.curParts[0].Keyframe,
	})
	s.curParts = s.curParts[:0]
	s.partDur = 0
	if !final {
		s.notifyLocked()
	}
}

func (s *Streamer) closeSegmentLocked() {
	seg := s.current
	s.current = nil
	if seg == nil || len(seg.parts) == 0 {
		return
	}
	for _, p := range seg.parts {
		seg.duration += p.duration
	}
	seg.cache = seg.bytes()
	seg.complete = true
	if base := len(seg.parts) - addressableParts; base > 0 {
		for i := 0; i < base; i++ {
			seg.parts[i].data = nil
		}
		seg.partBase = base
	}
	if seg.duration > s.maxSegDur {
		s.maxSegDur = seg.duration
	}
	s.segments = append(s.segments, seg)
	if len(s.segments) > maxSegments {
		s.segments = s.segments[1:]
	}
	s.notifyLocked()
}

func (s *Streamer) notifyLocked() {
	close(s.updated)
	s.updated = make(chan struct{})
}

// Segment returns the bytes of a completed segment by media sequence number.
func (s *Streamer) Segment(msn uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.msn == msn {
			return seg.bytes(), true
		}
	}
	return nil, false
}

// Part returns one fragment of a segment. Parts of the open segment are all
// fetchable; completed segments keep only their most recent parts.
func (s *Streamer) Part(msn uint64, idx int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg := s.lookupLocked(msn); seg != nil {
		if idx >= 0 && idx < len(seg.parts) && seg.parts[idx].data != nil {
			return seg.parts[idx].data, true
		}
	}
	return nil, false
}

func (s *Streamer) lookupLocked(msn uint64) *segment {
	if s.current != nil && s.current.msn == msn {
		return s.current
	}
	for _, seg := range s.segments {
		if seg.msn == msn {
			return seg
		}
	}
	return nil
}

// WaitFor blocks until the playlist contains media sequence msn (and, when
// partIdx >= 0, that part of it) or ctx expires, then returns the playlist.
func (s *Streamer) WaitFor(ctx context.Context, msn uint64, partIdx int) string {
	for {
		s.mu.Lock()
		reached := s.reachedLocked(msn, partIdx)
		ch := s.updated
		s.mu.Unlock()
		if reached {
			return s.Playlist()
		}
		select {
		case <-ctx.Done():
			return s.Playlist()
		case <-ch:
		}
	}
}

func (s *Streamer) reachedLocked(msn uint64, partIdx int) bool {
	if partIdx < 0 {
		// Segment-level request: satisfied once msn is completed or a
		// newer segment exists.
		for _, seg := range s.segments {
			if seg.msn >= msn {
				return true
			}
		}
		return s.current != nil && s.current.msn > msn
	}
	if s.current != nil && s.current.msn > msn {
		return true
	}
	seg := s.lookupLocked(msn)
	if seg == nil {
		// Evicted means long past; stale requests must not hang.
		return len(s.segments) > 0 && s.segments[0].msn > msn
	}
	return seg.complete || len(seg.parts) > partIdx
}

// Stats is a point-in-time summary for status reporting.
type Stats struct {
	Segments int
	FirstMSN uint64
	NextMSN  uint64
}

func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Segments: len(s.segments), NextMSN: s.nextMSN}
	if len(s.segments) > 0 {
		st.FirstMSN = s.segments[0].msn
	}
	return st
}

// WaitDeadline bounds a blocking playlist reload; per the LL-HLS drafts the
// server should give up after roughly three target durations.
func (s *Streamer) WaitDeadline() time.Duration {
	return 3 * s.opts.SegmentTarget
}
