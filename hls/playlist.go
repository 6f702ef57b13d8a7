package hls

import (
	"fmt"
	"math"
	"strings"
)

// URI layout served under /hls/. Kept flat so the handlers can route on
// simple prefixes.
const (
	InitURI       = "init.mp4"
	segmentURIFmt = "segment_%d.m4s"
	partURIFmt    = "part_%d.%d.m4s"
)

// SegmentURI returns the segment path for a media sequence number.
func SegmentURI(msn uint64) string { return fmt.Sprintf(segmentURIFmt, msn) }

// PartURI returns the part path for a media sequence number and part index.
func PartURI(msn uint64, idx int) string { return fmt.Sprintf(partURIFmt, msn, idx) }

// Playlist renders the media playlist. With low latency enabled it carries
// the partial-segment tags and advertises blocking reload support.
func (s *Streamer) Playlist() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	if s.opts.LowLatency {
		b.WriteString("#EXT-X-VERSION:9\n")
	} else {
		b.WriteString("#EXT-X-VERSION:7\n")
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(s.maxSegDur)))
	if s.opts.LowLatency {
		partTarget := s.opts.PartTarget.Seconds()
		fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=%.3f\n", 3*partTarget)
		fmt.Fprintf(&b, "#EXT-X-PART-INF:PART-TARGET=%.5f\n", partTarget)
	}
	first := s.nextMSN
	if len(s.segments) > 0 {
		first = s.segments[0].msn
	} else if s.current != nil {
		first = s.current.msn
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	b.WriteString("#EXT-X-MAP:URI=\"" + InitURI + "\"\n")

	lastComplete := -1
	if s.opts.LowLatency {
		lastComplete = len(s.segments) - 1
	}
	for i, seg := range s.segments {
		if i == lastComplete {
			// Keep the part tags of the newest completed segment so
			// clients crossing the boundary stay on parts.
			writeParts(&b, seg, seg.partBase)
		}
		fmt.Fprintf(&b, "#EXTINF:%.5f,\n%s\n", seg.duration, SegmentURI(seg.msn))
	}
	if s.opts.LowLatency && s.current != nil {
		writeParts(&b, s.current, 0)
		fmt.Fprintf(&b, "#EXT-X-PRELOAD-HINT:TYPE=PART,URI=\"%s\"\n",
			PartURI(s.current.msn, len(s.current.parts)))
	}
	return b.String()
}

func writeParts(b *strings.Builder, seg *segment, from int) {
	for i := from; i < len(seg.parts); i++ {
		p := seg.parts[i]
		if p.data == nil && !seg.complete {
			continue
		}
		fmt.Fprintf(b, "#EXT-X-PART:DURATION=%.5f,URI=\"%s\"", p.duration, PartURI(seg.msn, i))
		if p.independent {
			b.WriteString(",INDEPENDENT=YES")
		}
		b.WriteByte('\n')
	}
}
