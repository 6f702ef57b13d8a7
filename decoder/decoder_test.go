package decoder

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"acproxycam/h264"
	"acproxycam/logging"
)

func TestParseY4MHeader(t *testing.T) {
	w, h, fps, err := parseY4MHeader("YUV4MPEG2 W1920 H1080 F25:1 Ip A1:1 C420mpeg2 XYSCSS=420MPEG2")
	if err != nil {
		t.Fatalf("parseY4MHeader: %v", err)
	}
	if w != 1920 || h != 1080 || fps != 25 {
		t.Errorf("got %dx%d@%v, want 1920x1080@25", w, h, fps)
	}
}

func TestParseY4MHeaderNTSCRate(t *testing.T) {
	_, _, fps, err := parseY4MHeader("YUV4MPEG2 W640 H480 F30000:1001 C420")
	if err != nil {
		t.Fatalf("parseY4MHeader: %v", err)
	}
	if fps < 29.96 || fps > 29.98 {
		t.Errorf("fps = %v, want ~29.97", fps)
	}
}

func TestParseY4MHeaderRejects(t *testing.T) {
	for _, line := range []string{
		"MJPEG stream",
		"YUV4MPEG2 H1080 F25:1",          // no width
		"YUV4MPEG2 W1920 H1080 C444",     // wrong chroma
		"YUV4MPEG2 W1920 H1080 Fbad:1",   // bad rate
	} {
		if _, _, _, err := parseY4MHeader(line); err == nil {
			t.Errorf("parseY4MHeader(%q) passed, want error", line)
		}
	}
}

func annexB(nalus ...[]byte) []byte {
	return h264.EncodeAnnexB(nalus)
}

func scanAll(t *testing.T, stream []byte) [][]byte {
	t.Helper()
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Buffer(make([]byte, 16), 1<<20) // tiny initial buffer to force growth
	scanner.Split(scanNALUnits)
	var out [][]byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		tok := make([]byte, len(scanner.Bytes()))
		copy(tok, scanner.Bytes())
		out = append(out, tok)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestScanNALUnits(t *testing.T) {
	sps := []byte{0x67, 0x64, 0x00}
	pps := []byte{0x68, 0xEB}
	idr := append([]byte{0x65, 0x88}, bytes.Repeat([]byte{0xAB}, 100)...)

	nalus := scanAll(t, annexB(sps, pps, idr))
	if len(nalus) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(nalus))
	}
	if !bytes.Equal(nalus[0], sps) || !bytes.Equal(nalus[1], pps) || !bytes.Equal(nalus[2], idr) {
		t.Error("scanned NAL units do not match input")
	}
}

func TestScanNALUnitsThreeByteCodes(t *testing.T) {
	stream := []byte{0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x65, 0xBB}
	nalus := scanAll(t, stream)
	if len(nalus) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(nalus))
	}
	if !bytes.Equal(nalus[1], []byte{0x65, 0xBB}) {
		t.Errorf("nalu 1 = %x", nalus[1])
	}
}

func TestScanNALUnitsResyncsAfterGarbage(t *testing.T) {
	stream := append([]byte{0xDE, 0xAD, 0xBE}, annexB([]byte{0x65, 0x88})...)
	nalus := scanAll(t, stream)
	if len(nalus) != 1 || !bytes.Equal(nalus[0], []byte{0x65, 0x88}) {
		t.Fatalf("got %x, want single 6588 unit", nalus)
	}
}

type capture struct {
	started []StreamInfo
	packets []struct {
		keyframe bool
		pts      uint32
		data     []byte
	}
	frames int
}

func newTestDecoder(c *capture) *Decoder {
	return New("http://10.0.0.5:18088/flv", Callbacks{
		OnStarted: func(info StreamInfo) { c.started = append(c.started, info) },
		OnPacket: func(data []byte, keyframe bool, pts uint32) {
			c.packets = append(c.packets, struct {
				keyframe bool
				pts      uint32
				data     []byte
			}{keyframe, pts, data})
		},
		OnFrame: func(data []byte, stride, width, height int) { c.frames++ },
	}, logging.WithComponent("decoder-test"))
}

var (
	tSPS = []byte{0x67, 0x64, 0x00, 0x28}
	tPPS = []byte{0x68, 0xEB}
	tIDR = []byte{0x65, 0x88, 0x84, 0x00}
	tP   = []byte{0x41, 0x9A, 0x02}
)

func TestPipelineEmitsAfterBothSidesReport(t *testing.T) {
	var c capture
	d := newTestDecoder(&c)

	// Two full access units followed by the start of a third; the assembler
	// completes a unit when the next one begins.
	stream := annexB(tSPS, tPPS, tIDR, tP, tP)
	if err := d.readH264(bytes.NewReader(stream)); err != nil {
		t.Fatalf("readH264: %v", err)
	}
	if len(c.started) != 0 || len(c.packets) != 0 {
		t.Fatal("packets emitted before geometry was known")
	}

	d.stream.setVideoInfo(1920, 1080, 25)
	if len(c.started) != 1 {
		t.Fatalf("OnStarted fired %d times, want 1", len(c.started))
	}
	info := c.started[0]
	if info.Width != 1920 || info.FPS != 25 {
		t.Errorf("StreamInfo = %+v", info)
	}
	if !bytes.Equal(info.Extradata.SPS, tSPS) || !bytes.Equal(info.Extradata.PPS, tPPS) {
		t.Error("extradata does not carry the in-band SPS/PPS")
	}

	if len(c.packets) != 3 {
		t.Fatalf("got %d buffered packets after start, want 3", len(c.packets))
	}
	if !c.packets[0].keyframe {
		t.Error("first packet not the keyframe")
	}
	// 90000/25 = 3600 per access unit.
	for i, want := range []uint32{0, 3600, 7200} {
		if c.packets[i].pts != want {
			t.Errorf("packet %d pts = %d, want %d", i, c.packets[i].pts, want)
		}
	}
}

func TestPipelineEmitsLiveOnceStarted(t *testing.T) {
	var c capture
	d := newTestDecoder(&c)
	d.stream.setVideoInfo(640, 480, 30)

	if err := d.readH264(bytes.NewReader(annexB(tSPS, tPPS, tIDR, tP, tP))); err != nil {
		t.Fatalf("readH264: %v", err)
	}
	if len(c.packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(c.packets))
	}
	if got := c.packets[1].pts; got != 3000 {
		t.Errorf("pts step = %d, want 3000 at 30 fps", got)
	}
	// Emitted data is AVCC with the parameter sets still in the keyframe AU.
	nalus, err := h264.SplitAVCC(c.packets[0].data, 4)
	if err != nil {
		t.Fatalf("emitted packet not AVCC: %v", err)
	}
	if !h264.ContainsIDR(nalus) {
		t.Error("keyframe packet lost its IDR slice")
	}
}

func TestReadY4MDeliversFrames(t *testing.T) {
	var c capture
	d := newTestDecoder(&c)

	// 4x2 frame: 8 luma + 2*2 chroma = 12 bytes.
	var buf bytes.Buffer
	buf.WriteString("YUV4MPEG2 W4 H2 F25:1 Ip A1:1 C420\n")
	for i := 0; i < 3; i++ {
		buf.WriteString("FRAME\n")
		buf.Write(bytes.Repeat([]byte{byte(i)}, 12))
	}

	// The pipe ending is the normal terminal condition.
	if err := d.readY4M(&buf); err != io.EOF {
		t.Fatalf("readY4M = %v, want io.EOF", err)
	}
	if c.frames != 3 {
		t.Fatalf("got %d frames, want 3", c.frames)
	}
	if len(c.started) != 0 {
		t.Error("OnStarted fired without parameter sets")
	}
}

func TestPendingBufferBounded(t *testing.T) {
	var c capture
	d := newTestDecoder(&c)

	var stream []byte
	stream = append(stream, annexB(tSPS, tPPS, tIDR)...)
	for i := 0; i < maxPendingAUs+50; i++ {
		stream = append(stream, annexB(tP)...)
	}
	if err := d.readH264(bytes.NewReader(stream)); err != nil {
		t.Fatalf("readH264: %v", err)
	}
	d.stream.setVideoInfo(1920, 1080, 25)
	if len(c.packets) > maxPendingAUs {
		t.Errorf("flushed %d packets, want at most %d", len(c.packets), maxPendingAUs)
	}
}
