package h264

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Extradata is the stream decoder configuration: one SPS, one PPS, and the
// length-prefix size used by AVCC-formatted packets of the same stream.
type Extradata struct {
	SPS           []byte
	PPS           []byte
	NALLengthSize int
}

var errNoParameterSets = errors.New("no SPS/PPS in extradata")

// ParseExtradata extracts SPS and PPS from decoder configuration data in
// either AVCDecoderConfigurationRecord or Annex-B form. Annex-B input yields
// NALLengthSize 4.
func ParseExtradata(buf []byte) (*Extradata, error) {
	if len(buf) == 0 {
		return nil, errors.New("empty extradata")
	}
	if IsAnnexB(buf) {
		return parseAnnexBExtradata(buf)
	}
	if buf[0] == 1 {
		return parseAVCConfigRecord(buf)
	}
	return nil, fmt.Errorf("unrecognized extradata (first byte 0x%02x)", buf[0])
}

func parseAnnexBExtradata(buf []byte) (*Extradata, error) {
	ex := &Extradata{NALLengthSize: 4}
	for _, n := range SplitAnnexB(buf) {
		switch NALType(n) {
		case NALTypeSPS:
			if ex.SPS == nil {
				ex.SPS = n
			}
		case NALTypePPS:
			if ex.PPS == nil {
				ex.PPS = n
			}
		}
	}
	if ex.SPS == nil || ex.PPS == nil {
		return nil, errNoParameterSets
	}
	return ex, nil
}

// parseAVCConfigRecord reads the ISO 14496-15 AVCDecoderConfigurationRecord:
// version(1) profile(1) compat(1) level(1) 0xFC|lengthSizeMinusOne(1)
// 0xE0|numSPS(1) then 16-bit-length-prefixed SPS entries, numPPS(1), PPS
// entries.
func parseAVCConfigRecord(buf []byte) (*Extradata, error) {
	if len(buf) < 7 {
		return nil, fmt.Errorf("config record too short (%d bytes)", len(buf))
	}
	ex := &Extradata{NALLengthSize: int(buf[4]&0x03) + 1}
	offset := 5

	numSPS := int(buf[offset] & 0x1F)
	offset++
	for i := 0; i < numSPS; i++ {
		if offset+2 > len(buf) {
			return nil, errors.New("truncated SPS length")
		}
		spsLen := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if offset+spsLen > len(buf) {
			return nil, errors.New("truncated SPS")
		}
		if ex.SPS == nil {
			ex.SPS = buf[offset : offset+spsLen]
		}
		offset += spsLen
	}

	if offset >= len(buf) {
		return nil, errors.New("truncated PPS count")
	}
	numPPS := int(buf[offset])
	offset++
	for i := 0; i < numPPS; i++ {
		if offset+2 > len(buf) {
			return nil, errors.New("truncated PPS length")
		}
		ppsLen := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if offset+ppsLen > len(buf) {
			return nil, errors.New("truncated PPS")
		}
		if ex.PPS == nil {
			ex.PPS = buf[offset : offset+ppsLen]
		}
		offset += ppsLen
	}

	if ex.SPS == nil || ex.PPS == nil {
		return nil, errNoParameterSets
	}
	return ex, nil
}

// Build returns the AVCDecoderConfigurationRecord for the extradata with
// 4-byte length prefixes.
func (e *Extradata) Build() []byte {
	out := make([]byte, 0, 11+len(e.SPS)+len(e.PPS))
	out = append(out,
		1,        // configurationVersion
		e.SPS[1], // AVCProfileIndication
		e.SPS[2], // profile_compatibility
		e.SPS[3], // AVCLevelIndication
		0xFF,     // reserved | lengthSizeMinusOne=3
		0xE1,     // reserved | numOfSequenceParameterSets=1
	)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(e.SPS)))
	out = append(out, l[:]...)
	out = append(out, e.SPS...)
	out = append(out, 1) // numOfPictureParameterSets
	binary.BigEndian.PutUint16(l[:], uint16(len(e.PPS)))
	out = append(out, l[:]...)
	out = append(out, e.PPS...)
	return out
}

// AnnexB returns SPS and PPS as one start-coded buffer.
func (e *Extradata) AnnexB() []byte {
	return EncodeAnnexB([][]byte{e.SPS, e.PPS})
}

// Equal reports whether both extradata carry the same SPS and PPS bytes.
func (e *Extradata) Equal(other *Extradata) bool {
	if e == nil || other == nil {
		return e == other
	}
	return bytes.Equal(e.SPS, other.SPS) && bytes.Equal(e.PPS, other.PPS)
}
