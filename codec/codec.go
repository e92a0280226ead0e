package codec

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Canonical codec parameters. The codec runs at 16 kHz internally; the
// preprocessor owns rate conversion between the 48 kHz device rate and the
// codec rate.
const (
	// CodecSampleRate is the codec's internal operating rate in Hz.
	CodecSampleRate = 16000

	// FrameDuration is the codec work unit length.
	FrameDuration = 20 * time.Millisecond

	// FrameSize16k is the codec frame length in samples at CodecSampleRate.
	FrameSize16k = CodecSampleRate * 20 / 1000

	// MinBitrate and MaxBitrate bound the codec's operating range in bps.
	MinBitrate = 3200
	MaxBitrate = 9200

	// DefaultBitrate is the mid-quality starting point in bps.
	DefaultBitrate = 6000
)

// EncodedPacket is an opaque compressed payload plus the metadata the
// transport and receiver need: the originating frame's sequence number,
// the bitrate in effect at encode time, and a send timestamp.
type EncodedPacket struct {
	Payload   []byte
	Sequence  uint32
	Bitrate   uint32
	Timestamp time.Time
}

// Codec is the frame-synchronous speech codec capability.
//
// Implementations validate their configuration at construction, encode
// exactly one frame per call, and count failures rather than blocking the
// real-time path. A failed encode or decode returns an error and the
// caller skips the frame.
type Codec interface {
	// Encode compresses exactly one frame of PCM at the codec rate.
	// Any other input length fails without partial consumption.
	Encode(samples []int16) (*EncodedPacket, error)

	// Decode decompresses one packet to PCM at the codec rate.
	Decode(packet *EncodedPacket) ([]int16, error)

	// SetBitrate updates the target bitrate, applied to the next encode.
	SetBitrate(bps uint32) error

	// Bitrate returns the current target bitrate in bps.
	Bitrate() uint32

	// SampleRate returns the codec's operating rate in Hz.
	SampleRate() uint32

	// FrameSize returns the per-frame sample count at the codec rate.
	FrameSize() int

	// Stats returns the codec's frame and error counters.
	Stats() Stats

	// Close releases codec resources.
	Close() error
}

// Stats holds a codec's frame and error counters.
type Stats struct {
	Encoded      uint64
	Decoded      uint64
	EncodeErrors uint64
	DecodeErrors uint64
}

// counters is the shared atomic counter block embedded by both codec
// implementations.
type counters struct {
	encoded      atomic.Uint64
	decoded      atomic.Uint64
	encodeErrors atomic.Uint64
	decodeErrors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Encoded:      c.encoded.Load(),
		Decoded:      c.decoded.Load(),
		EncodeErrors: c.encodeErrors.Load(),
		DecodeErrors: c.decodeErrors.Load(),
	}
}

// validateParams checks the common codec configuration: supported sample
// rate, mono audio, and a bitrate within the operating range. The frame
// length is derived from the rate.
func validateParams(sampleRate uint32, channels int, bitrate uint32) (frameSize int, err error) {
	switch sampleRate {
	case 16000, 32000, 48000:
	default:
		return 0, fmt.Errorf("unsupported sample rate %d (want 16000, 32000 or 48000)", sampleRate)
	}

	if channels != 1 {
		return 0, fmt.Errorf("unsupported channel count %d (mono only)", channels)
	}

	if err := ValidateBitrate(bitrate); err != nil {
		return 0, err
	}

	return int(sampleRate) * 20 / 1000, nil
}

// ValidateBitrate reports whether bps lies within the codec's operating
// range.
func ValidateBitrate(bps uint32) error {
	if bps < MinBitrate || bps > MaxBitrate {
		return fmt.Errorf("bitrate %d outside range [%d, %d]", bps, MinBitrate, MaxBitrate)
	}
	return nil
}

// ClampBitrate forces bps into the codec's operating range.
func ClampBitrate(bps uint32) uint32 {
	if bps < MinBitrate {
		return MinBitrate
	}
	if bps > MaxBitrate {
		return MaxBitrate
	}
	return bps
}

// MaxPayloadForBitrate returns the encoded payload size budget for one
// 20 ms frame at the given bitrate, excluding any header.
func MaxPayloadForBitrate(bps uint32) int {
	return int((bps*20 + 8*1000 - 1) / (8 * 1000))
}
