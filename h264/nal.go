// Package h264 provides the NAL-level helpers shared by the decoder, the
// streaming endpoints, the FLV muxer, and the RTP packetizer: format
// detection, unit splitting, AVCC/Annex-B conversion, and extradata handling.
package h264

import (
	"encoding/binary"
	"fmt"

	"github.com/AlexxIT/go2rtc/pkg/h264/annexb"
)

// NAL unit types (ITU-T H.264 table 7-1).
const (
	NALTypeNonIDR byte = 1
	NALTypeIDR    byte = 5
	NALTypeSEI    byte = 6
	NALTypeSPS    byte = 7
	NALTypePPS    byte = 8
	NALTypeAUD    byte = 9
)

// NALType returns the nal_unit_type from the unit's header byte.
func NALType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// IsVCL reports whether the NAL type carries coded slice data (types 1-5).
func IsVCL(t byte) bool {
	return t >= 1 && t <= 5
}

// IsAnnexB reports whether buf begins with a 3- or 4-byte start code.
func IsAnnexB(buf []byte) bool {
	if len(buf) >= 4 && buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 1 {
		return true
	}
	return len(buf) >= 3 && buf[0] == 0 && buf[1] == 0 && buf[2] == 1
}

// SplitAnnexB splits an Annex-B buffer into NAL units without start codes.
func SplitAnnexB(buf []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i < len(buf) {
		// 3-byte start code; a preceding zero makes it the 4-byte form.
		if i+2 < len(buf) && buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			end := i
			if end > 0 && buf[end-1] == 0 {
				end--
			}
			if start >= 0 && end > start {
				nalus = append(nalus, buf[start:end])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(buf) {
		nalus = append(nalus, buf[start:])
	}
	return nalus
}

// SplitAVCC splits a length-prefixed buffer into NAL units.
func SplitAVCC(buf []byte, lengthSize int) ([][]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("unsupported NAL length size %d", lengthSize)
	}
	var nalus [][]byte
	offset := 0
	for offset < len(buf) {
		if offset+lengthSize > len(buf) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", offset)
		}
		var nalLen int
		switch lengthSize {
		case 1:
			nalLen = int(buf[offset])
		case 2:
			nalLen = int(binary.BigEndian.Uint16(buf[offset:]))
		case 4:
			nalLen = int(binary.BigEndian.Uint32(buf[offset:]))
		}
		offset += lengthSize
		if nalLen == 0 {
			continue
		}
		if offset+nalLen > len(buf) {
			return nil, fmt.Errorf("truncated NAL unit at offset %d (need %d bytes)", offset, nalLen)
		}
		nalus = append(nalus, buf[offset:offset+nalLen])
		offset += nalLen
	}
	return nalus, nil
}

// SplitNALUnits detects the buffer format and splits it into NAL units.
// Length-prefixed input is assumed to carry 4-byte prefixes.
func SplitNALUnits(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if IsAnnexB(buf) {
		return SplitAnnexB(buf), nil
	}
	return SplitAVCC(buf, 4)
}

// EncodeAVCC joins NAL units into a 4-byte length-prefixed buffer.
func EncodeAVCC(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	var prefix [4]byte
	for _, n := range nalus {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(n)))
		out = append(out, prefix[:]...)
		out = append(out, n...)
	}
	return out
}

// EncodeAnnexB joins NAL units into an Annex-B buffer with 4-byte start codes.
func EncodeAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

// AVCCToAnnexB converts a 4-byte length-prefixed buffer into Annex-B,
// leaving the input untouched.
func AVCCToAnnexB(avcc []byte) []byte {
	return annexb.DecodeAVCC(avcc, true)
}

// ContainsIDR reports whether any unit in the list is an IDR slice.
func ContainsIDR(nalus [][]byte) bool {
	for _, n := range nalus {
		if NALType(n) == NALTypeIDR {
			return true
		}
	}
	return false
}

// FilterParameterSets returns nalus with SPS, PPS, and AUD units removed.
func FilterParameterSets(nalus [][]byte) [][]byte {
	out := nalus[:0:0]
	for _, n := range nalus {
		switch NALType(n) {
		case NALTypeSPS, NALTypePPS, NALTypeAUD:
		default:
			out = append(out, n)
		}
	}
	return out
}
