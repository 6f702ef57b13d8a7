package hub

import (
	"context"
	"errors"
	"sync"
)

const defaultQueueSize = 120

// ErrSubscriberClosed is returned by Next after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber receives H.264 packets in publish order through a bounded
// queue. When the queue overflows, the oldest non-keyframe packet is dropped
// first; the most recent keyframe is never dropped.
type Subscriber struct {
	hub *Hub
	max int

	mu      sync.Mutex
	queue   []*Packet
	ready   bool // saw the first keyframe
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// Next returns the next packet, blocking until one is available or ctx ends.
func (s *Subscriber) Next(ctx context.Context) (*Packet, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriberClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped returns the number of packets discarded by overflow.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscriber from the hub and wakes a blocked Next.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) enqueue(p *Packet) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.ready {
		if !p.Keyframe {
			s.mu.Unlock()
			return
		}
		s.ready = true
	}

	if len(s.queue) >= s.max {
		if p.Keyframe {
			// The incoming keyframe supersedes everything queued.
			s.queue = s.queue[1:]
			s.dropped++
		} else if !s.dropOldestDroppable() {
			// Queue holds only the most recent keyframe; lose the new
			// packet instead.
			s.dropped++
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dropOldestDroppable removes the oldest packet that is not the most recent
// queued keyframe, preferring non-keyframes. Reports whether anything was
// dropped.
func (s *Subscriber) dropOldestDroppable() bool {
	lastKey := -1
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].Keyframe {
			lastKey = i
			break
		}
	}
	for i, p := range s.queue {
		if i == lastKey || p.Keyframe {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.dropped++
		return true
	}
	for i := range s.queue {
		if i == lastKey {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.dropped++
		return true
	}
	return false
}
