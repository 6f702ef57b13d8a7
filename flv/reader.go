package flv

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"acproxycam/h264"
)

// Tag is one FLV tag as read back by Reader.
type Tag struct {
	Type      byte
	Timestamp uint32
	Data      []byte
}

// Reader parses an FLV byte stream into tags. The endpoint tests use it to
// verify what the muxer wrote.
type Reader struct {
	r *bufio.Reader
}

// NewReader validates the file header and returns a Reader positioned at the
// first tag.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	header := make([]byte, 13)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(header[:3], []byte("FLV")) {
		return nil, fmt.Errorf("bad signature %q", header[:3])
	}
	if header[3] != 1 {
		return nil, fmt.Errorf("unsupported version %d", header[3])
	}
	return &Reader{r: br}, nil
}

// ReadTag returns the next tag, or io.EOF at end of stream.
func (r *Reader) ReadTag() (*Tag, error) {
	head := make([]byte, 11)
	if _, err := io.ReadFull(r.r, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	size := int(head[1])<<16 | int(head[2])<<8 | int(head[3])
	ts := uint32(head[4])<<16 | uint32(head[5])<<8 | uint32(head[6]) | uint32(head[7])<<24

	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, fmt.Errorf("read tag data: %w", err)
	}
	// Previous-tag-size trailer.
	if _, err := io.ReadFull(r.r, make([]byte, 4)); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	return &Tag{Type: head[0], Timestamp: ts, Data: data}, nil
}

// ParseVideoTag splits a video tag body into its frame header fields and NAL
// units. Sequence-header tags return the configuration record as raw bytes in
// place of NAL units.
func ParseVideoTag(data []byte) (keyframe bool, avcPacketType byte, nalus [][]byte, err error) {
	if len(data) < 5 {
		return false, 0, nil, fmt.Errorf("video tag too short (%d bytes)", len(data))
	}
	keyframe = data[0]>>4 == 1
	avcPacketType = data[1]
	if avcPacketType == avcSequenceHeader {
		return keyframe, avcPacketType, [][]byte{data[5:]}, nil
	}
	nalus, err = h264.SplitAVCC(data[5:], 4)
	return keyframe, avcPacketType, nalus, err
}
