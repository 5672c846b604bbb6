package audio

import (
	"sync/atomic"
	"time"
)

// FrameQueue is the bounded hand-off between the capture domain and the
// pipeline domain. It is the only structure touched by both.
//
// The producer side is strictly non-blocking: real audio hardware cannot be
// paused, so on a full queue [FrameQueue.TryEnqueue] drops the incoming frame
// and counts it. All frames that are kept preserve arrival order. The
// consumer side blocks with a timeout so a stop signal is observed promptly
// even when no audio arrives.
type FrameQueue struct {
	ch       chan Frame
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan Frame, capacity)}
}

// TryEnqueue offers f to the queue without blocking. Returns false if the
// queue is full; the frame is then dropped and counted.
func (q *FrameQueue) TryEnqueue(f Frame) bool {
	select {
	case q.ch <- f:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue removes the oldest frame, waiting at most timeout. The second
// return value is false when the wait expired with no frame available.
func (q *FrameQueue) Dequeue(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-q.ch:
		return f, true
	case <-t.C:
		return Frame{}, false
	}
}

// Len returns the number of frames currently buffered.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Enqueued returns the total number of frames accepted by the queue. The
// counter is safe to read from any goroutine, so callers that must stay off
// the capture thread (metrics, diagnostics) can sample it instead of hooking
// the enqueue path.
func (q *FrameQueue) Enqueued() uint64 { return q.enqueued.Load() }

// Dropped returns the total number of frames discarded because the queue
// was full.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
