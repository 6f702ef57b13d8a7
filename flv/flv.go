// Package flv repacks the camera's H.264 feed into an FLV byte stream for
// /flv clients: file header, onMetaData script tag, AVC sequence header, then
// one video tag per access unit.
package flv

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"acproxycam/h264"
)

// Tag types.
const (
	TagTypeAudio  byte = 8
	TagTypeVideo  byte = 9
	TagTypeScript byte = 18
)

// Video tag frame headers: frame type in the high nibble (1 key, 2 inter),
// codec id 7 (AVC) in the low nibble.
const (
	frameHeaderKey   byte = 0x17
	frameHeaderInter byte = 0x27
)

// AVC packet types inside a video tag.
const (
	avcSequenceHeader byte = 0
	avcNALU           byte = 1
)

// Muxer writes an FLV stream. Timestamps advance at 1000/fps ms per written
// frame, matching the source frame rate declared in WriteInit.
type Muxer struct {
	w      io.Writer
	fps    float64
	frames int
}

// NewMuxer creates a Muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w}
}

// WriteInit writes the 9-byte file header, the zero previous-tag-size, the
// onMetaData script tag, and the AVC sequence header built from extradata.
func (m *Muxer) WriteInit(ex *h264.Extradata, width, height int, fps float64) error {
	if fps <= 0 {
		fps = 25
	}
	m.fps = fps
	m.frames = 0

	// "FLV", version 1, video-only flag, header size 9, PreviousTagSize0.
	header := []byte{'F', 'L', 'V', 0x01, 0x01, 0x00, 0x00, 0x00, 0x09, 0, 0, 0, 0}
	if _, err := m.w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if err := m.writeTag(TagTypeScript, 0, encodeMetadata(width, height, fps)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	config := make([]byte, 0, 5+11+len(ex.SPS)+len(ex.PPS))
	config = append(config, frameHeaderKey, avcSequenceHeader, 0, 0, 0)
	config = append(config, ex.Build()...)
	if err := m.writeTag(TagTypeVideo, 0, config); err != nil {
		return fmt.Errorf("write sequence header: %w", err)
	}
	return nil
}

// WriteFrame writes one access unit as a video tag. SPS, PPS, and AUD units
// are dropped; parameter sets live in the sequence header. A unit left empty
// by the filter writes nothing.
func (m *Muxer) WriteFrame(avcc []byte, keyframe bool) error {
	nalus, err := h264.SplitAVCC(avcc, 4)
	if err != nil {
		return fmt.Errorf("split access unit: %w", err)
	}
	nalus = h264.FilterParameterSets(nalus)
	if len(nalus) == 0 {
		return nil
	}

	frameHeader := frameHeaderInter
	if keyframe {
		frameHeader = frameHeaderKey
	}
	body := h264.EncodeAVCC(nalus)
	data := make([]byte, 0, 5+len(body))
	data = append(data, frameHeader, avcNALU, 0, 0, 0)
	data = append(data, body...)

	ts := uint32(float64(m.frames) * 1000.0 / m.fps)
	m.frames++
	if err := m.writeTag(TagTypeVideo, ts, data); err != nil {
		return fmt.Errorf("write video tag: %w", err)
	}
	return nil
}

// writeTag writes one tag: type, 24-bit size, split timestamp, stream id 0,
// data, then the 32-bit previous-tag-size trailer.
func (m *Muxer) writeTag(tagType byte, ts uint32, data []byte) error {
	head := make([]byte, 11)
	head[0] = tagType
	head[1] = byte(len(data) >> 16)
	head[2] = byte(len(data) >> 8)
	head[3] = byte(len(data))
	head[4] = byte(ts >> 16)
	head[5] = byte(ts >> 8)
	head[6] = byte(ts)
	head[7] = byte(ts >> 24)
	if _, err := m.w.Write(head); err != nil {
		return err
	}
	if _, err := m.w.Write(data); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(11+len(data)))
	_, err := m.w.Write(trailer[:])
	return err
}

// encodeMetadata builds the AMF0 body of the onMetaData script tag.
func encodeMetadata(width, height int, fps float64) []byte {
	var out []byte
	out = amfString(out, "onMetaData")

	props := []struct {
		name  string
		value float64
	}{
		{"duration", 0},
		{"width", float64(width)},
		{"height", float64(height)},
		{"framerate", fps},
		{"videocodecid", 7},
	}

	out = append(out, 0x08) // ECMA array
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(props)))
	out = append(out, count[:]...)
	for _, p := range props {
		out = amfPropertyName(out, p.name)
		out = amfNumber(out, p.value)
	}
	out = append(out, 0, 0, 0x09) // object end
	return out
}

func amfString(out []byte, s string) []byte {
	out = append(out, 0x02)
	return amfPropertyName(out, s)
}

func amfPropertyName(out []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	out = append(out, l[:]...)
	return append(out, s...)
}

func amfNumber(out []byte, v float64) []byte {
	out = append(out, 0x00)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return append(out, b[:]...)
}
