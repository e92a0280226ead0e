package codec

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PassthroughCodec carries the raw little-endian sample bytes unchanged.
//
// It preserves the Codec interface and sequence numbering while performing
// no compression, which makes it both the fallback when no real codec is
// available and an exact-round-trip mode: Decode(Encode(frame)) == frame.
type PassthroughCodec struct {
	counters

	sampleRate uint32
	frameSize  int
	bitrate    atomic.Uint32
}

// NewPassthroughCodec creates a pass-through codec at the given rate.
//
// The sample rate must be one of 16000, 32000 or 48000 Hz, the audio mono,
// and the bitrate within [MinBitrate, MaxBitrate]. The bitrate is tracked
// and stamped onto packets but does not affect the payload size.
func NewPassthroughCodec(sampleRate uint32, channels int, bitrate uint32) (*PassthroughCodec, error) {
	frameSize, err := validateParams(sampleRate, channels, bitrate)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewPassthroughCodec",
		"sample_rate": sampleRate,
		"frame_size":  frameSize,
		"bitrate":     bitrate,
	}).Info("Pass-through codec created")

	c := &PassthroughCodec{
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}
	c.bitrate.Store(bitrate)

	return c, nil
}

// Encode packs one frame of samples into little-endian bytes.
func (c *PassthroughCodec) Encode(samples []int16) (*EncodedPacket, error) {
	if len(samples) != c.frameSize {
		c.encodeErrors.Add(1)
		return nil, fmt.Errorf("frame length %d, want exactly %d samples", len(samples), c.frameSize)
	}

	payload := make([]byte, len(samples)*2)
	for i, sample := range samples {
		payload[i*2] = byte(sample)
		payload[i*2+1] = byte(sample >> 8)
	}

	c.encoded.Add(1)

	return &EncodedPacket{
		Payload:   payload,
		Bitrate:   c.bitrate.Load(),
		Timestamp: time.Now(),
	}, nil
}

// Decode unpacks little-endian bytes back into one frame of samples.
func (c *PassthroughCodec) Decode(packet *EncodedPacket) ([]int16, error) {
	if packet == nil || len(packet.Payload) == 0 {
		c.decodeErrors.Add(1)
		return nil, fmt.Errorf("empty packet")
	}
	if len(packet.Payload)%2 != 0 {
		c.decodeErrors.Add(1)
		return nil, fmt.Errorf("odd payload length %d", len(packet.Payload))
	}

	samples := make([]int16, len(packet.Payload)/2)
	for i := range samples {
		samples[i] = int16(packet.Payload[i*2]) | int16(packet.Payload[i*2+1])<<8
	}

	c.decoded.Add(1)
	return samples, nil
}

// SetBitrate updates the tracked bitrate; the pass-through payload size is
// unaffected.
func (c *PassthroughCodec) SetBitrate(bps uint32) error {
	if err := ValidateBitrate(bps); err != nil {
		return err
	}

	c.bitrate.Store(bps)
	return nil
}

// Bitrate returns the tracked bitrate in bps.
func (c *PassthroughCodec) Bitrate() uint32 { return c.bitrate.Load() }

// SampleRate returns the codec's operating rate in Hz.
func (c *PassthroughCodec) SampleRate() uint32 { return c.sampleRate }

// FrameSize returns the per-frame sample count.
func (c *PassthroughCodec) FrameSize() int { return c.frameSize }

// Stats returns the codec counters.
func (c *PassthroughCodec) Stats() Stats { return c.snapshot() }

// Close releases codec resources; the pass-through codec holds none.
func (c *PassthroughCodec) Close() error { return nil }
