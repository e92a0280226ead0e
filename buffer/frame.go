package buffer

import (
	"time"
)

// AudioFrame is a contiguous block of signed 16-bit PCM samples, mono,
// captured at the canonical 48 kHz rate.
//
// Frames are owned uniquely while in flight: a producer creates a frame,
// hands it to a FrameBuffer, and a single consumer takes it out. The
// sequence number is assigned when the frame enters the capture-side
// buffer and establishes a per-sender total order starting at zero.
type AudioFrame struct {
	// Samples holds mono S16LE PCM at the frame's sample rate.
	Samples []int16

	// Sequence is the per-side monotonic frame number, starting at 0.
	Sequence uint32

	// SampleRate is the rate the samples were produced at, in Hz.
	SampleRate uint32

	// Captured is the monotonic acquisition timestamp.
	Captured time.Time
}

// NewAudioFrame creates a frame wrapping the given samples at the given rate.
// The sequence number is zero until the frame enters an input buffer.
func NewAudioFrame(samples []int16, sampleRate uint32) *AudioFrame {
	return &AudioFrame{
		Samples:    samples,
		SampleRate: sampleRate,
		Captured:   time.Now(),
	}
}

// Duration returns the playback duration of the frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// IsSilence reports whether every sample in the frame is zero.
func (f *AudioFrame) IsSilence() bool {
	for _, s := range f.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}
