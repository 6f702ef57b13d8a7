// Package hls segments the H.264 feed into CMAF fragments and renders the
// media playlist, including the low-latency partial-segment extensions.
package hls

import (
	"encoding/binary"

	"acproxycam/h264"
)

// Timescale is the media timescale of every fragment (90 kHz, matching the
// packet timestamps).
const Timescale = 90000

// Sample flag words for trun entries.
const (
	sampleFlagsSync    = 0x02000000
	sampleFlagsNonSync = 0x01010000
)

// box assembles one MP4 box from its payload chunks.
func box(boxType string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 8, size)
	binary.BigEndian.PutUint32(out[:4], uint32(size))
	copy(out[4:8], boxType)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// fullBox is box with a leading version byte and 24-bit flags.
func fullBox(boxType string, version byte, flags uint32, payload ...[]byte) []byte {
	head := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	chunks := make([][]byte, 0, len(payload)+1)
	chunks = append(chunks, head)
	chunks = append(chunks, payload...)
	return box(boxType, chunks...)
}

func u16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// identityMatrix is the unity transformation of mvhd/tkhd.
var identityMatrix = []byte{
	0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0x40, 0, 0, 0,
}

// InitSegment builds the ftyp+moov initialization segment for a single
// H.264 video track.
func InitSegment(ex *h264.Extradata, width, height int) []byte {
	ftyp := box("ftyp",
		[]byte("iso5"),
		u32(512),
		[]byte("iso5iso6mp41"),
	)

	mvhd := fullBox("mvhd", 0, 0,
		u32(0), u32(0), // creation, modification
		u32(1000), u32(0), // timescale, duration
		u32(0x00010000), u16(0x0100), u16(0), // rate, volume, reserved
		u32(0), u32(0),
		identityMatrix,
		make([]byte, 24), // predefined
		u32(2),           // next track id
	)

	tkhd := fullBox("tkhd", 0, 3,
		u32(0), u32(0), // creation, modification
		u32(1), u32(0), u32(0), // track id, reserved, duration
		u32(0), u32(0),
		u16(0), u16(0), u16(0), u16(0), // layer, group, volume, reserved
		identityMatrix,
		u32(uint32(width)<<16), u32(uint32(height)<<16),
	)

	avcC := box("avcC", ex.Build())
	avc1 := box("avc1",
		make([]byte, 6), u16(1), // reserved, data reference index
		u16(0), u16(0), make([]byte, 12), // predefined/reserved
		u16(uint16(width)), u16(uint16(height)),
		u32(0x00480000), u32(0x00480000), // 72 dpi
		u32(0), u16(1), // reserved, frame count
		make([]byte, 32), // compressor name
		u16(0x0018), []byte{0xFF, 0xFF}, // depth, predefined -1
		avcC,
	)

	stbl := box("stbl",
		fullBox("stsd", 0, 0, u32(1), avc1),
		fullBox("stts", 0, 0, u32(0)),
		fullBox("stsc", 0, 0, u32(0)),
		fullBox("stsz", 0, 0, u32(0), u32(0)),
		fullBox("stco", 0, 0, u32(0)),
	)

	minf := box("minf",
		fullBox("vmhd", 0, 1, u16(0), u16(0), u16(0), u16(0)),
		box("dinf", fullBox("dref", 0, 0, u32(1), fullBox("url ", 0, 1))),
		stbl,
	)

	mdia := box("mdia",
		fullBox("mdhd", 0, 0, u32(0), u32(0), u32(Timescale), u32(0), u16(0x55C4), u16(0)),
		fullBox("hdlr", 0, 0, u32(0), []byte("vide"), make([]byte, 12), append([]byte("VideoHandler"), 0)),
		minf,
	)

	trak := box("trak", tkhd, mdia)
	mvex := box("mvex",
		fullBox("trex", 0, 0, u32(1), u32(1), u32(0), u32(0), u32(0)),
	)
	moov := box("moov", mvhd, trak, mvex)

	out := make([]byte, 0, len(ftyp)+len(moov))
	out = append(out, ftyp...)
	return append(out, moov...)
}

// Sample is one access unit staged for a fragment, in AVCC framing.
type Sample struct {
	Data     []byte
	Duration uint32
	Keyframe bool
}

// Fragment builds one moof+mdat pair. baseTime is the decode time of the
// first sample in Timescale units; seq numbers fragments monotonically.
func Fragment(seq uint32, baseTime uint64, samples []Sample) []byte {
	// moof layout is fixed-size per sample count, which lets the trun data
	// offset be computed before assembly:
	//   moof(8) + mfhd(16) + traf(8 + tfhd(16) + tfdt(20) + trun(20+12n))
	moofSize := 88 + 12*len(samples)
	dataOffset := moofSize + 8

	mdatSize := 0
	for _, s := range samples {
		mdatSize += len(s.Data)
	}

	trunPayload := make([]byte, 0, 8+12*len(samples))
	trunPayload = append(trunPayload, u32(uint32(len(samples)))...)
	trunPayload = append(trunPayload, u32(uint32(dataOffset))...)
	for _, s := range samples {
		trunPayload = append(trunPayload, u32(s.Duration)...)
		trunPayload = append(trunPayload, u32(uint32(len(s.Data)))...)
		if s.Keyframe {
			trunPayload = append(trunPayload, u32(sampleFlagsSync)...)
		} else {
			trunPayload = append(trunPayload, u32(sampleFlagsNonSync)...)
		}
	}

	traf := box("traf",
		fullBox("tfhd", 0, 0x020000, u32(1)), // default-base-is-moof
		fullBox("tfdt", 1, 0, u64(baseTime)),
		fullBox("trun", 0, 0x000701, trunPayload),
	)
	moof := box("moof", fullBox("mfhd", 0, 0, u32(seq)), traf)

	out := make([]byte, 0, len(moof)+8+mdatSize)
	out = append(out, moof...)
	out = append(out, u32(uint32(8+mdatSize))...)
	out = append(out, []byte("mdat")...)
	for _, s := range samples {
		out = append(out, s.Data...)
	}
	return out
}
