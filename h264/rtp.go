package h264

import (
	"github.com/pion/rtp"
)

// fuaHeaderSize is the FU indicator plus FU header.
const fuaHeaderSize = 2

// Packetizer converts H.264 access units into RFC 6184 RTP packets: a single
// NAL unit packet when the unit fits the payload budget, FU-A fragments
// otherwise. Timestamps are 90 kHz; the marker bit is set on the last packet
// of each access unit.
type Packetizer struct {
	PayloadType uint8
	SSRC        uint32
	MaxPayload  int

	sequencer rtp.Sequencer
}

// NewPacketizer creates a Packetizer with a 1300-byte payload budget and a
// random starting sequence number.
func NewPacketizer(payloadType uint8, ssrc uint32) *Packetizer {
	return &Packetizer{
		PayloadType: payloadType,
		SSRC:        ssrc,
		MaxPayload:  1300,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize converts the NAL units of one access unit into RTP packets at
// the given 90 kHz timestamp.
func (p *Packetizer) Packetize(nalus [][]byte, timestamp uint32) []*rtp.Packet {
	var payloads [][]byte
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if len(nalu) <= p.MaxPayload {
			payloads = append(payloads, nalu)
			continue
		}
		payloads = append(payloads, p.fragment(nalu)...)
	}

	packets := make([]*rtp.Packet, 0, len(payloads))
	for i, payload := range payloads {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.PayloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.SSRC,
			},
			Payload: payload,
		})
	}
	return packets
}

// fragment splits one oversized NAL unit into FU-A payloads:
//
//	byte 0: FU indicator (nal_ref_idc | 28)
//	byte 1: FU header (start<<7 | end<<6 | nal_type)
//	rest:   fragment of the NAL payload, header byte dropped
func (p *Packetizer) fragment(nalu []byte) [][]byte {
	indicator := nalu[0]&0xE0 | 28
	header := nalu[0] & 0x1F
	chunk := p.MaxPayload - fuaHeaderSize

	var payloads [][]byte
	data := nalu[1:]
	for offset := 0; offset < len(data); offset += chunk {
		end := offset + chunk
		if end > len(data) {
			end = len(data)
		}
		fu := make([]byte, 0, fuaHeaderSize+end-offset)
		fuHeader := header
		if offset == 0 {
			fuHeader |= 0x80
		}
		if end == len(data) {
			fuHeader |= 0x40
		}
		fu = append(fu, indicator, fuHeader)
		fu = append(fu, data[offset:end]...)
		payloads = append(payloads, fu)
	}
	return payloads
}
