package codec

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// OpusCodec is the codec variant backed by a real decoder library.
//
// Decoding uses the pure Go pion/opus decoder. Encoding is the
// little-endian PCM view, matching the pass-through variant, so two
// endpoints running OpusCodec interoperate with each other and an
// endpoint can still receive streams produced by a real Opus encoder.
type OpusCodec struct {
	counters

	decoder    opus.Decoder
	decodeMu   sync.Mutex
	sampleRate uint32
	frameSize  int
	bitrate    atomic.Uint32
}

// NewOpusCodec creates an Opus-backed codec at the given rate.
// Parameter validation matches NewPassthroughCodec.
func NewOpusCodec(sampleRate uint32, channels int, bitrate uint32) (*OpusCodec, error) {
	frameSize, err := validateParams(sampleRate, channels, bitrate)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewOpusCodec",
		"sample_rate": sampleRate,
		"frame_size":  frameSize,
		"bitrate":     bitrate,
		"decoder":     "pion/opus",
	}).Info("Opus codec created")

	c := &OpusCodec{
		decoder:    opus.NewDecoder(),
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}
	c.bitrate.Store(bitrate)

	return c, nil
}

// Encode packs one frame of samples into little-endian bytes.
func (c *OpusCodec) Encode(samples []int16) (*EncodedPacket, error) {
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

// Decode decompresses one packet to PCM at the codec rate.
//
// A payload whose length is exactly one frame of raw samples is the PCM
// view this codec's own encoder produces and is unpacked directly; real
// Opus frames at the supported bitrates are far smaller and go through
// the pion decoder. The decoder reports the packet's bandwidth; when the
// decoded rate differs from the configured codec rate the samples are
// resampled so the caller always receives frames at a single rate.
func (c *OpusCodec) Decode(packet *EncodedPacket) ([]int16, error) {
	if packet == nil || len(packet.Payload) == 0 {
		c.decodeErrors.Add(1)
		return nil, fmt.Errorf("empty packet")
	}

	if len(packet.Payload) == c.frameSize*2 {
		samples := make([]int16, c.frameSize)
		for i := range samples {
			samples[i] = int16(packet.Payload[i*2]) | int16(packet.Payload[i*2+1])<<8
		}
		c.decoded.Add(1)
		return samples, nil
	}

	// 40 ms at 48 kHz covers the largest Opus frame the decoder emits.
	output := make([]byte, 1920*2)

	c.decodeMu.Lock()
	bandwidth, isStereo, err := c.decoder.Decode(packet.Payload, output)
	c.decodeMu.Unlock()
	if err != nil {
		c.decodeErrors.Add(1)
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	sampleCount := len(output) / 2
	if isStereo {
		sampleCount /= 2
	}

	samples := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		samples[i] = int16(output[i*2]) | int16(output[i*2+1])<<8
	}

	decodedRate := uint32(bandwidth.SampleRate())
	if decodedRate != 0 && decodedRate != c.sampleRate {
		samples = Resample(samples, decodedRate, c.sampleRate)
	}

	c.decoded.Add(1)
	return samples, nil
}

// SetBitrate updates the target bitrate, applied to the next encode.
func (c *OpusCodec) SetBitrate(bps uint32) error {
	if err := ValidateBitrate(bps); err != nil {
		return err
	}

	c.bitrate.Store(bps)
	return nil
}

// Bitrate returns the current target bitrate in bps.
func (c *OpusCodec) Bitrate() uint32 { return c.bitrate.Load() }

// SampleRate returns the codec's operating rate in Hz.
func (c *OpusCodec) SampleRate() uint32 { return c.sampleRate }

// FrameSize returns the per-frame sample count.
func (c *OpusCodec) FrameSize() int { return c.frameSize }

// Stats returns the codec counters.
func (c *OpusCodec) Stats() Stats { return c.snapshot() }

// Close releases codec resources.
func (c *OpusCodec) Close() error { return nil }
