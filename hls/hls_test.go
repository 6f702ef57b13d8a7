package hls

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"acproxycam/h264"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1F, 0xAC, 0xD9, 0x40, 0x50}
	testPPS = []byte{0x68, 0xEB, 0xE3, 0xCB}
)

func testExtradata() *h264.Extradata {
	return &h264.Extradata{SPS: testSPS, PPS: testPPS, NALLengthSize: 4}
}

// topBoxes lists the top-level box types in data.
func topBoxes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	for len(data) > 0 {
		if len(data) < 8 {
			t.Fatalf("truncated box header: %d bytes left", len(data))
		}
		size := binary.BigEndian.Uint32(data[:4])
		if size < 8 || int(size) > len(data) {
			t.Fatalf("bad box size %d (have %d)", size, len(data))
		}
		types = append(types, string(data[4:8]))
		data = data[size:]
	}
	return types
}

// childBox returns the payload of the first direct child with the given type.
func childBox(t *testing.T, data []byte, boxType string) []byte {
	t.Helper()
	for len(data) >= 8 {
		size := binary.BigEndian.Uint32(data[:4])
		if size < 8 || int(size) > len(data) {
			t.Fatalf("bad box size %d", size)
		}
		if string(data[4:8]) == boxType {
			return data[8:size]
		}
		data = data[size:]
	}
	return nil
}

func TestInitSegmentStructure(t *testing.T) {
	init := InitSegment(testExtradata(), 1280, 720)
	types := topBoxes(t, init)
	if len(types) != 2 || types[0] != "ftyp" || types[1] != "moov" {
		t.Fatalf("top boxes = %v, want [ftyp moov]", types)
	}

	ftypSize := binary.BigEndian.Uint32(init[:4])
	moov := init[ftypSize+8:]
	trak := childBox(t, moov, "trak")
	if trak == nil {
		t.Fatal("moov missing trak")
	}
	if childBox(t, moov, "mvex") == nil {
		t.Fatal("moov missing mvex")
	}

	mdia := childBox(t, trak, "mdia")
	stbl := childBox(t, childBox(t, mdia, "minf"), "stbl")
	stsd := childBox(t, stbl, "stsd")
	avc1 := childBox(t, stsd[8:], "avc1") // skip version/flags + entry count
	if avc1 == nil {
		t.Fatal("stsd missing avc1")
	}
	if w := binary.BigEndian.Uint16(avc1[24:26]); w != 1280 {
		t.Errorf("avc1 width = %d, want 1280", w)
	}
	if h := binary.BigEndian.Uint16(avc1[26:28]); h != 720 {
		t.Errorf("avc1 height = %d, want 720", h)
	}

	avcC := childBox(t, avc1[78:], "avcC") // fixed sample entry fields
	want := testExtradata().Build()
	if string(avcC) != string(want) {
		t.Errorf("avcC record mismatch:\n got %x\nwant %x", avcC, want)
	}
}

func TestFragmentLayout(t *testing.T) {
	samples := []Sample{
		{Data: []byte{0, 0, 0, 2, 0x65, 0x88}, Duration: 3000, Keyframe: true},
		{Data: []byte{0, 0, 0, 2, 0x41, 0x9A}, Duration: 3000},
	}
	frag := Fragment(7, 90000, samples)

	types := topBoxes(t, frag)
	if len(types) != 2 || types[0] != "moof" || types[1] != "mdat" {
		t.Fatalf("fragment boxes = %v, want [moof mdat]", types)
	}

	moofSize := binary.BigEndian.Uint32(frag[:4])
	if want := uint32(88 + 12*len(samples)); moofSize != want {
		t.Fatalf("moof size = %d, want %d", moofSize, want)
	}
	if off := binary.BigEndian.Uint32(frag[84:88]); off != moofSize+8 {
		t.Errorf("trun data offset = %d, want %d", off, moofSize+8)
	}

	// tfdt carries the 64-bit base decode time at a fixed offset.
	if base := binary.BigEndian.Uint64(frag[60:68]); base != 90000 {
		t.Errorf("tfdt base time = %d, want 90000", base)
	}

	// First sample entry: duration, size, sync flags.
	if dur := binary.BigEndian.Uint32(frag[88:92]); dur != 3000 {
		t.Errorf("sample duration = %d, want 3000", dur)
	}
	if size := binary.BigEndian.Uint32(frag[92:96]); size != 6 {
		t.Errorf("sample size = %d, want 6", size)
	}
	if flags := binary.BigEndian.Uint32(frag[96:100]); flags != sampleFlagsSync {
		t.Errorf("sample flags = %#x, want %#x", flags, sampleFlagsSync)
	}
	if flags := binary.BigEndian.Uint32(frag[108:112]); flags != sampleFlagsNonSync {
		t.Errorf("second sample flags = %#x, want %#x", flags, sampleFlagsNonSync)
	}

	mdat := frag[moofSize:]
	if got := binary.BigEndian.Uint32(mdat[:4]); got != uint32(8+12) {
		t.Errorf("mdat size = %d, want 20", got)
	}
}

func testStreamer(ll bool) *Streamer {
	s := NewStreamer(Options{LowLatency: ll})
	s.SetInit(testExtradata(), 1280, 720)
	return s
}

func avccFor(nal []byte) []byte {
	return h264.EncodeAVCC([][]byte{nal})
}

// pushGOP pushes one keyframe plus n-1 inter frames at 30 fps spacing,
// starting at pts, and returns the pts after the group.
func pushGOP(s *Streamer, pts uint32, n int) uint32 {
	s.Push(avccFor([]byte{0x65, 0x88, 0x84, 0x00}), true, pts)
	pts += 3000
	for i := 1; i < n; i++ {
		s.Push(avccFor([]byte{0x41, 0x9A, 0x02}), false, pts)
		pts += 3000
	}
	return pts
}

func TestSegmentsStartAtKeyframes(t *testing.T) {
	s := testStreamer(false)
	pts := pushGOP(s, 0, 60) // 2s of video
	pts = pushGOP(s, pts, 60)
	pushGOP(s, pts, 1) // third keyframe completes segment 1

	st := s.Stats()
	if st.Segments != 2 {
		t.Fatalf("completed segments = %d, want 2", st.Segments)
	}
	if st.FirstMSN != 0 || st.NextMSN != 3 {
		t.Errorf("msn range = [%d, %d), want [0, 3)", st.FirstMSN, st.NextMSN)
	}

	data, ok := s.Segment(0)
	if !ok || len(data) == 0 {
		t.Fatal("segment 0 not fetchable")
	}
	if got := topBoxes(t, data)[0]; got != "moof" {
		t.Errorf("segment starts with %q, want moof", got)
	}

	pl := s.Playlist()
	if !strings.Contains(pl, "#EXTINF:2.00000,\nsegment_0.m4s") {
		t.Errorf("playlist missing segment 0 with 2s duration:\n%s", pl)
	}
}

func TestInterFramesBeforeFirstKeyframeIgnored(t *testing.T) {
	s := testStreamer(false)
	s.Push(avccFor([]byte{0x41, 0x9A, 0x02}), false, 0)
	s.Push(avccFor([]byte{0x41, 0x9A, 0x02}), false, 3000)
	if s.Ready() {
		t.Error("streamer ready before any keyframe")
	}
	pushGOP(s, 6000, 2)
	if !s.Ready() {
		t.Error("streamer not ready after keyframe")
	}
}

func TestPartsCloseAtTarget(t *testing.T) {
	s := testStreamer(true)
	// 500 ms at 30 fps is 15 frames; 20 frames must close the first part.
	pushGOP(s, 0, 20)

	if _, ok := s.Part(0, 0); !ok {
		t.Fatal("part 0.0 not fetchable")
	}
	pl := s.Playlist()
	if !strings.Contains(pl, `URI="part_0.0.m4s",INDEPENDENT=YES`) {
		t.Errorf("playlist missing independent part 0.0:\n%s", pl)
	}
	if !strings.Contains(pl, "#EXT-X-PRELOAD-HINT:TYPE=PART") {
		t.Errorf("playlist missing preload hint:\n%s", pl)
	}
}

func TestMediaSequenceMonotonicAcrossEviction(t *testing.T) {
	s := testStreamer(false)
	pts := uint32(0)
	for i := 0; i < 9; i++ { // completes 8 segments, ring keeps 6
		pts = pushGOP(s, pts, 30)
	}

	st := s.Stats()
	if st.Segments != maxSegments {
		t.Fatalf("ring size = %d, want %d", st.Segments, maxSegments)
	}
	if st.FirstMSN != 2 {
		t.Errorf("first msn = %d, want 2 after eviction", st.FirstMSN)
	}
	if st.NextMSN != 9 {
		t.Errorf("next msn = %d, want 9", st.NextMSN)
	}
	if _, ok := s.Segment(0); ok {
		t.Error("evicted segment 0 still fetchable")
	}
	if !strings.Contains(s.Playlist(), "#EXT-X-MEDIA-SEQUENCE:2\n") {
		t.Errorf("playlist media sequence not advanced:\n%s", s.Playlist())
	}
}

func TestPlaylistTags(t *testing.T) {
	ll := testStreamer(true)
	pts := pushGOP(ll, 0, 60)
	pushGOP(ll, pts, 20)
	pl := ll.Playlist()
	for _, want := range []string{
		"#EXT-X-VERSION:9",
		"#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=1.500",
		"#EXT-X-PART-INF:PART-TARGET=0.50000",
		`#EXT-X-MAP:URI="init.mp4"`,
	} {
		if !strings.Contains(pl, want) {
			t.Errorf("low-latency playlist missing %q:\n%s", want, pl)
		}
	}

	plain := testStreamer(false)
	pts = pushGOP(plain, 0, 60)
	pushGOP(plain, pts, 20)
	pl = plain.Playlist()
	if !strings.Contains(pl, "#EXT-X-VERSION:7") {
		t.Errorf("playlist missing version 7:\n%s", pl)
	}
	for _, reject := range []string{"#EXT-X-PART", "#EXT-X-SERVER-CONTROL", "#EXT-X-PRELOAD-HINT"} {
		if strings.Contains(pl, reject) {
			t.Errorf("plain playlist carries %q:\n%s", reject, pl)
		}
	}
}

func TestWaitForBlocksUntilPart(t *testing.T) {
	s := testStreamer(true)
	pushGOP(s, 0, 16) // closes part 0.0, part 0.1 in progress

	done := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.WaitFor(ctx, 0, 1)
	}()

	select {
	case pl := <-done:
		t.Fatalf("WaitFor returned before part existed:\n%s", pl)
	case <-time.After(50 * time.Millisecond):
	}

	pushGOP(s, 16*3000, 16) // closes part 0.1
	select {
	case pl := <-done:
		if !strings.Contains(pl, `part_0.1.m4s`) {
			t.Errorf("playlist missing awaited part:\n%s", pl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not wake on part completion")
	}
}

func TestWaitForDeadlineReturnsCurrent(t *testing.T) {
	s := testStreamer(true)
	pushGOP(s, 0, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if pl := s.WaitFor(ctx, 5, 0); pl == "" {
		t.Error("deadline return produced empty playlist")
	}
	if time.Since(start) > time.Second {
		t.Error("WaitFor ignored context deadline")
	}
}

func TestCompletedSegmentTrimsOldParts(t *testing.T) {
	s := testStreamer(true)
	pushGOP(s, 0, 60)      // segment 0: ~4 parts at 500 ms
	pushGOP(s, 60*3000, 1) // keyframe completes segment 0

	if _, ok := s.Part(0, 0); ok {
		t.Error("oldest part of completed segment still fetchable")
	}
	if _, ok := s.Part(0, 3); !ok {
		t.Error("recent part of completed segment not fetchable")
	}

	data, ok := s.Segment(0)
	if !ok {
		t.Fatal("completed segment not fetchable")
	}
	boxes := topBoxes(t, data)
	if boxes[0] != "moof" || len(boxes)%2 != 0 {
		t.Errorf("segment concatenation malformed: %v", boxes)
	}
}

func TestTimestampResetKeepsTimelineMonotonic(t *testing.T) {
	s := testStreamer(true)
	pts := pushGOP(s, 0, 30)
	_ = pts
	// Decoder restart: timestamps begin again at zero.
	pushGOP(s, 0, 30)
	s.Flush()

	st := s.Stats()
	if st.NextMSN < 2 {
		t.Fatalf("next msn = %d, want at least 2", st.NextMSN)
	}
	// Every fetchable part must decode to a positive duration.
	pl := s.Playlist()
	if strings.Contains(pl, "DURATION=0.00000") || strings.Contains(pl, "DURATION=-") {
		t.Errorf("playlist has non-positive part duration:\n%s", pl)
	}
}

func TestPushBeforeInitIgnored(t *testing.T) {
	s := NewStreamer(Options{})
	s.Push(avccFor([]byte{0x65, 0x88}), true, 0)
	if s.Ready() {
		t.Error("streamer ready without init segment")
	}
}
