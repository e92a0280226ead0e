package buffer

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of frames a FrameBuffer holds before the
// drop-oldest policy engages.
const DefaultCapacity = 10

// DefaultPopTimeout bounds how long a playback consumer waits for a frame
// before falling through to silence.
const DefaultPopTimeout = 10 * time.Millisecond

// FrameBuffer is a bounded FIFO of audio frames with a drop-oldest overflow
// policy. All operations are safe for concurrent use by one or more
// producers and consumers.
//
// No operation fails: a push into a full buffer evicts the oldest frame and
// increments the dropped counter, and pops on an empty buffer simply report
// absence. Drops are observable through DroppedCount.
type FrameBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	frames   *list.List
	capacity int

	nextSeq uint32
	pushed  uint64
	popped  uint64
	dropped uint64
}

// NewFrameBuffer creates a frame buffer holding at most capacity frames.
// A non-positive capacity falls back to DefaultCapacity.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	fb := &FrameBuffer{
		frames:   list.New(),
		capacity: capacity,
	}
	fb.notEmpty = sync.NewCond(&fb.mu)

	logrus.WithFields(logrus.Fields{
		"function": "NewFrameBuffer",
		"capacity": capacity,
	}).Debug("Frame buffer created")

	return fb
}

// Push enqueues a frame. If the buffer is full the oldest frame is evicted
// and counted as dropped before the new frame is added. Push never blocks;
// it returns false only for a nil frame, which is not enqueued.
func (fb *FrameBuffer) Push(frame *AudioFrame) bool {
	if frame == nil {
		return false
	}

	fb.mu.Lock()
	fb.enqueueLocked(frame)
	fb.mu.Unlock()
	fb.notEmpty.Signal()

	return true
}

// PushCaptured assigns the next sequence number to the frame and enqueues
// it. This is the entry point for frames arriving from the capture device;
// sequence numbers are strictly increasing and start at zero.
func (fb *FrameBuffer) PushCaptured(frame *AudioFrame) bool {
	if frame == nil {
		return false
	}

	fb.mu.Lock()
	frame.Sequence = fb.nextSeq
	fb.nextSeq++
	fb.enqueueLocked(frame)
	fb.mu.Unlock()
	fb.notEmpty.Signal()

	return true
}

// enqueueLocked adds a frame, evicting the oldest first when full.
// Caller must hold fb.mu.
func (fb *FrameBuffer) enqueueLocked(frame *AudioFrame) {
	if fb.frames.Len() >= fb.capacity {
		oldest := fb.frames.Front()
		fb.frames.Remove(oldest)
		fb.dropped++

		logrus.WithFields(logrus.Fields{
			"function": "FrameBuffer.Push",
			"dropped":  fb.dropped,
			"capacity": fb.capacity,
		}).Debug("Frame buffer full, evicted oldest frame")
	}

	fb.frames.PushBack(frame)
	fb.pushed++
}

// Pop dequeues the oldest frame, returning false immediately when the
// buffer is empty.
func (fb *FrameBuffer) Pop() (*AudioFrame, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return fb.dequeueLocked()
}

// PopWait dequeues the oldest frame, blocking up to timeout for one to
// arrive. It returns false when the wait expires with the buffer still
// empty, which the playback worker treats as a cue to emit silence.
func (fb *FrameBuffer) PopWait(timeout time.Duration) (*AudioFrame, bool) {
	if timeout <= 0 {
		timeout = DefaultPopTimeout
	}

	deadline := time.Now().Add(timeout)

	fb.mu.Lock()
	defer fb.mu.Unlock()

	for fb.frames.Len() == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		// sync.Cond has no timed wait; a short timer wakes the waiter so
		// the deadline is honored within one tick.
		waker := time.AfterFunc(remaining, func() {
			fb.notEmpty.Broadcast()
		})
		fb.notEmpty.Wait()
		waker.Stop()
	}

	return fb.dequeueLocked()
}

// dequeueLocked removes and returns the oldest frame.
// Caller must hold fb.mu.
func (fb *FrameBuffer) dequeueLocked() (*AudioFrame, bool) {
	front := fb.frames.Front()
	if front == nil {
		return nil, false
	}

	fb.frames.Remove(front)
	fb.popped++

	return front.Value.(*AudioFrame), true
}

// Size returns the number of frames currently queued.
func (fb *FrameBuffer) Size() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return fb.frames.Len()
}

// Capacity returns the configured maximum queue depth.
func (fb *FrameBuffer) Capacity() int {
	return fb.capacity
}

// DroppedCount returns the number of frames evicted by the drop-oldest
// policy since creation; Clear does not reset it.
func (fb *FrameBuffer) DroppedCount() uint64 {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return fb.dropped
}

// PushedCount returns the total number of frames accepted.
func (fb *FrameBuffer) PushedCount() uint64 {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return fb.pushed
}

// PoppedCount returns the total number of frames consumed.
func (fb *FrameBuffer) PoppedCount() uint64 {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	return fb.popped
}

// Clear discards all queued frames. Counters other than size are preserved
// so drop statistics survive a mid-call flush; the sequence counter is not
// reset because sequence numbers are per-session.
func (fb *FrameBuffer) Clear() {
	fb.mu.Lock()
	n := fb.frames.Len()
	fb.frames.Init()
	fb.mu.Unlock()
	fb.notEmpty.Broadcast()

	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "FrameBuffer.Clear",
			"discarded": n,
		}).Debug("Frame buffer cleared")
	}
}
