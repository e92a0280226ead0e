package buffer

import (
	"github.com/sirupsen/logrus"
)

// Manager owns the two frame queues of an endpoint: the input buffer on the
// capture-to-network path and the output buffer on the network-to-playback
// path. The session hands each pipeline component only the queue endpoint
// it needs, so no component holds a reference back to another.
type Manager struct {
	input  *FrameBuffer
	output *FrameBuffer
}

// NewManager creates a manager with both queues at the given capacity.
func NewManager(capacity int) *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"capacity": capacity,
	}).Info("Creating frame buffer manager")

	return &Manager{
		input:  NewFrameBuffer(capacity),
		output: NewFrameBuffer(capacity),
	}
}

// Input returns the capture-to-network queue.
func (m *Manager) Input() *FrameBuffer {
	return m.input
}

// Output returns the network-to-playback queue.
func (m *Manager) Output() *FrameBuffer {
	return m.output
}

// InputSize returns the depth of the capture-side queue.
func (m *Manager) InputSize() int {
	return m.input.Size()
}

// OutputSize returns the depth of the playback-side queue.
func (m *Manager) OutputSize() int {
	return m.output.Size()
}

// DroppedFrames returns the total frames evicted across both queues.
func (m *Manager) DroppedFrames() uint64 {
	return m.input.DroppedCount() + m.output.DroppedCount()
}

// Clear discards all queued frames on both sides.
func (m *Manager) Clear() {
	m.input.Clear()
	m.output.Clear()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Clear",
	}).Debug("Frame buffers cleared")
}
