package pipeline

import (
	"context"
	"sync/atomic"
)

// DetectionQueue is a bounded FIFO of sampled frames for one camera.
// Producers never block: a frame offered to a full queue is dropped.
type DetectionQueue struct {
	frames   chan *FrameData
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewDetectionQueue creates a queue holding at most capacity frames
func NewDetectionQueue(capacity int) *DetectionQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &DetectionQueue{
		frames: make(chan *FrameData, capacity),
	}
}

// TryEnqueue offers a frame without blocking and reports whether it was kept
func (q *DetectionQueue) TryEnqueue(frame *FrameData) bool {
	select {
	case q.frames <- frame:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until a frame is available or ctx is done
func (q *DetectionQueue) Dequeue(ctx context.Context) (*FrameData, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-q.frames:
		return frame, nil
	}
}

// Len returns the current occupancy. It is informational only.
func (q *DetectionQueue) Len() int {
	return len(q.frames)
}

// Cap returns the configured capacity
func (q *DetectionQueue) Cap() int {
	return cap(q.frames)
}

// Enqueued returns the number of frames accepted so far
func (q *DetectionQueue) Enqueued() uint64 {
	return q.enqueued.Load()
}

// Dropped returns the number of frames rejected because the queue was full
func (q *DetectionQueue) Dropped() uint64 {
	return q.dropped.Load()
}
