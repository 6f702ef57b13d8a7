// Package hub is the per-printer fan-out point between the decoder and the
// stream consumers: a latest-YUV slot, a latest-JPEG slot, and a bounded
// broadcast of H.264 access units.
package hub

import (
	"context"
	"sync"
	"time"

	"acproxycam/h264"
)

// Frame is one decoded picture in planar YUV 4:2:0. The hub keeps only the
// most recent frame; publishers hand over ownership of Data.
type Frame struct {
	Data     []byte
	Stride   int
	Width    int
	Height   int
	Sequence uint64
}

// Packet is one H.264 access unit in AVCC form with a 90 kHz timestamp.
type Packet struct {
	Data     []byte
	Keyframe bool
	PTS      uint32
}

// Hub carries a single printer's stream state. All methods are safe for
// concurrent use; publish operations never block.
type Hub struct {
	mu          sync.Mutex
	frame       *Frame
	frameSeq    uint64
	lastFrameAt time.Time

	jpeg     []byte
	jpegSeq  uint64
	jpegWait chan struct{}

	extradata    *h264.Extradata
	extradataVer uint64
	srcWidth     int
	srcHeight    int
	srcFPS       float64

	subMu sync.Mutex
	subs  map[*Subscriber]struct{}

	snapshotReq chan struct{}
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		jpegWait:    make(chan struct{}),
		subs:        make(map[*Subscriber]struct{}),
		snapshotReq: make(chan struct{}, 1),
	}
}

// PublishFrame replaces the latest-frame slot.
func (h *Hub) PublishFrame(data []byte, stride, width, height int) {
	h.mu.Lock()
	h.frameSeq++
	h.frame = &Frame{
		Data:     data,
		Stride:   stride,
		Width:    width,
		Height:   height,
		Sequence: h.frameSeq,
	}
	h.lastFrameAt = time.Now()
	h.mu.Unlock()
}

// LatestFrame returns the most recent frame, or nil before the first one.
func (h *Hub) LatestFrame() *Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame
}

// FrameCount returns the number of frames published so far.
func (h *Hub) FrameCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frameSeq
}

// LastFrameAt returns the arrival time of the most recent frame. The zero
// time means no frame has arrived since the last Clear.
func (h *Hub) LastFrameAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFrameAt
}

// Resolution returns the dimensions of the latest frame.
func (h *Hub) Resolution() (width, height int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frame == nil {
		return 0, 0
	}
	return h.frame.Width, h.frame.Height
}

// SetJPEG replaces the latest-JPEG slot and wakes waiters.
func (h *Hub) SetJPEG(data []byte) {
	h.mu.Lock()
	h.jpeg = data
	h.jpegSeq++
	close(h.jpegWait)
	h.jpegWait = make(chan struct{})
	h.mu.Unlock()
}

// JPEG returns the cached JPEG and its sequence number. A nil slice means
// the cache is empty.
func (h *Hub) JPEG() ([]byte, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jpeg, h.jpegSeq
}

// WaitJPEG blocks until a JPEG newer than afterSeq is cached or ctx ends.
func (h *Hub) WaitJPEG(ctx context.Context, afterSeq uint64) ([]byte, uint64, error) {
	for {
		h.mu.Lock()
		if h.jpeg != nil && h.jpegSeq > afterSeq {
			data, seq := h.jpeg, h.jpegSeq
			h.mu.Unlock()
			return data, seq, nil
		}
		wait := h.jpegWait
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// SetExtradata installs the stream's SPS/PPS tuple and bumps its version.
func (h *Hub) SetExtradata(ex *h264.Extradata) {
	h.mu.Lock()
	if !ex.Equal(h.extradata) {
		h.extradata = ex
		h.extradataVer++
	}
	h.mu.Unlock()
}

// Extradata returns the current SPS/PPS tuple and its version, nil before
// decoding has started.
func (h *Hub) Extradata() (*h264.Extradata, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.extradata, h.extradataVer
}

// SetStreamInfo records the source geometry and frame rate reported by the
// decoder, available before the first frame is published.
func (h *Hub) SetStreamInfo(width, height int, fps float64) {
	h.mu.Lock()
	h.srcWidth = width
	h.srcHeight = height
	h.srcFPS = fps
	h.mu.Unlock()
}

// StreamInfo returns the source geometry and frame rate, zeros before
// decoding has started.
func (h *Hub) StreamInfo() (width, height int, fps float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.srcWidth, h.srcHeight, h.srcFPS
}

// PublishPacket fans one access unit out to every subscriber without
// blocking. The hub and its subscribers retain Data; callers must not
// modify it afterwards.
func (h *Hub) PublishPacket(p *Packet) {
	h.subMu.Lock()
	for sub := range h.subs {
		sub.enqueue(p)
	}
	h.subMu.Unlock()
}

// SubscribeH264 attaches a new packet subscriber. Packets before the first
// keyframe are discarded so every feed starts decodable.
func (h *Hub) SubscribeH264(queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sub := &Subscriber{
		hub:    h,
		max:    queueSize,
		notify: make(chan struct{}, 1),
	}
	h.subMu.Lock()
	h.subs[sub] = struct{}{}
	h.subMu.Unlock()
	return sub
}

// SubscriberCount returns the number of attached packet subscribers.
func (h *Hub) SubscriberCount() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs)
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.subMu.Lock()
	delete(h.subs, sub)
	h.subMu.Unlock()
}

// RequestSnapshot raises the snapshot signal; duplicate requests coalesce.
func (h *Hub) RequestSnapshot() {
	select {
	case h.snapshotReq <- struct{}{}:
	default:
	}
}

// SnapshotRequests returns the channel the worker drains to react to
// snapshot requests that found the JPEG cache empty.
func (h *Hub) SnapshotRequests() <-chan struct{} {
	return h.snapshotReq
}

// Clear empties the frame and JPEG slots, typically on stream disconnect so
// stale images are not served while the camera is down. Sequence numbers
// keep counting and subscribers stay attached.
func (h *Hub) Clear() {
	h.mu.Lock()
	h.frame = nil
	h.jpeg = nil
	h.lastFrameAt = time.Time{}
	h.mu.Unlock()
}
