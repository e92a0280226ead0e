package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/novavoice/codec"
)

// deviceFrame is the 20 ms sample count at the device rate.
const deviceFrame = DeviceSampleRate * 20 / 1000

func passthroughConfig() PreprocessingConfig {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableCodec = false
	cfg.EnableNoiseSuppression = false
	cfg.EnableVAD = false
	cfg.EnableAGC = false
	cfg.EnableBitrateAdaptation = false
	return cfg
}

func TestNewPreprocessorDefaults(t *testing.T) {
	p, err := NewPreprocessor(DefaultPreprocessingConfig())
	require.NoError(t, err)
	defer p.Close()

	assert.NotNil(t, p.Codec())
	assert.NotNil(t, p.BitrateController())
	assert.Equal(t, uint32(codec.DefaultBitrate), p.CurrentBitrate())
	assert.Equal(t, 1.0, p.CurrentGain())
}

func TestNewPreprocessorInvalidConfig(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.TargetBitrate = 100

	p, err := NewPreprocessor(cfg)
	assert.Error(t, err)
	assert.Nil(t, p)
}

func TestPreprocessorPassthroughRoundTrip(t *testing.T) {
	// With the whole chain disabled, encode/decode is a pure resample
	// round trip through the pass-through codec.
	p, err := NewPreprocessor(passthroughConfig())
	require.NoError(t, err)
	defer p.Close()

	frame := make([]int16, deviceFrame)
	for i := range frame {
		frame[i] = 1000
	}

	packet, err := p.Encode(frame)
	require.NoError(t, err)
	assert.Equal(t, codec.FrameSize16k*2, len(packet.Payload))

	decoded, err := p.Decode(packet)
	require.NoError(t, err)
	require.Len(t, decoded, deviceFrame)
	for _, s := range decoded {
		assert.Equal(t, int16(1000), s)
	}
}

func TestPreprocessorEncodeWrongLength(t *testing.T) {
	p, err := NewPreprocessor(passthroughConfig())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Encode(make([]int16, 100))
	assert.Error(t, err)

	_, err = p.Encode(make([]int16, deviceFrame+1))
	assert.Error(t, err)
}

func TestPreprocessorEncodeSilence(t *testing.T) {
	cfg := passthroughConfig()
	cfg.EnableNoiseSuppression = true
	cfg.EnableVAD = true

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	packet, err := p.Encode(make([]int16, deviceFrame))
	require.NoError(t, err)

	decoded, err := p.Decode(packet)
	require.NoError(t, err)
	for _, s := range decoded {
		assert.Equal(t, int16(0), s)
	}
	assert.False(t, p.IsSpeechDetected())
}

func TestPreprocessorAGCOutputBounded(t *testing.T) {
	// Whatever the input, AGC output stays within the int16 bounds
	// (clipping applies after scaling).
	cfg := passthroughConfig()
	cfg.EnableAGC = true
	cfg.AGCTargetLevel = 2.0

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	extreme := make([]int16, deviceFrame)
	for i := range extreme {
		if i%2 == 0 {
			extreme[i] = math.MaxInt16
		} else {
			extreme[i] = math.MinInt16
		}
	}

	for iter := 0; iter < 20; iter++ {
		require.NoError(t, p.ProcessInput(extreme))
		for _, s := range extreme {
			assert.GreaterOrEqual(t, s, int16(math.MinInt16))
			assert.LessOrEqual(t, s, int16(math.MaxInt16))
		}
	}

	gain := p.CurrentGain()
	assert.GreaterOrEqual(t, gain, 0.1)
	assert.LessOrEqual(t, gain, 2.0)
}

func TestPreprocessorAGCConvergesTowardTarget(t *testing.T) {
	cfg := passthroughConfig()
	cfg.EnableAGC = true
	cfg.AGCTargetLevel = 0.5

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	// A quiet steady tone: the gain should rise above unity.
	quiet := make([]int16, deviceFrame)
	for i := range quiet {
		quiet[i] = int16(2000 * math.Sin(float64(i)*0.05))
	}

	for iter := 0; iter < 50; iter++ {
		frame := make([]int16, len(quiet))
		copy(frame, quiet)
		require.NoError(t, p.ProcessInput(frame))
	}

	assert.Greater(t, p.CurrentGain(), 1.0)
}

func TestPreprocessorSpeechCallback(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableCodec = false
	cfg.EnableAGC = false
	cfg.EnableBitrateAdaptation = false

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	var flips []bool
	p.SetOnSpeechDetected(func(speech bool) {
		flips = append(flips, speech)
	})

	loud := make([]int16, deviceFrame)
	for i := range loud {
		loud[i] = int16(16000 * math.Sin(2*math.Pi*300*float64(i)/DeviceSampleRate))
	}

	require.NoError(t, p.ProcessInput(loud))
	require.NoError(t, p.ProcessInput(make([]int16, deviceFrame)))

	// One flip to speaking, one back to silent.
	require.Len(t, flips, 2)
	assert.True(t, flips[0])
	assert.False(t, flips[1])
}

func TestPreprocessorBitrateCallbackOnLoss(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableCodec = false
	cfg.EnableNoiseSuppression = false
	cfg.EnableAGC = false

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	var committed []uint32
	p.SetOnBitrateChanged(func(bps uint32) {
		committed = append(committed, bps)
	})

	for i := 0; i < 10; i++ {
		p.ReportPacketLoss(100, 10)
	}

	require.NotEmpty(t, committed)
	last := committed[len(committed)-1]
	assert.LessOrEqual(t, last, uint32(4600))
	assert.Equal(t, last, p.Codec().Bitrate())
}

func TestPreprocessorAdaptationDisabled(t *testing.T) {
	p, err := NewPreprocessor(passthroughConfig())
	require.NoError(t, err)
	defer p.Close()

	var fired bool
	p.SetOnBitrateChanged(func(uint32) { fired = true })

	for i := 0; i < 10; i++ {
		p.ReportPacketLoss(100, 50)
	}

	assert.False(t, fired)
	assert.Equal(t, uint32(codec.DefaultBitrate), p.CurrentBitrate())
}

func TestPreprocessorNetworkReports(t *testing.T) {
	cfg := passthroughConfig()
	cfg.EnableBitrateAdaptation = true

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	p.ReportLatency(300)
	p.ReportBandwidth(4.0)
	p.UpdateNetworkMetrics(codec.NetworkMetrics{PacketLossRate: 0.06})

	got := p.CurrentBitrate()
	assert.GreaterOrEqual(t, got, uint32(codec.MinBitrate))
	assert.LessOrEqual(t, got, uint32(codec.MaxBitrate))
}

func TestPreprocessorStats(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableCodec = false

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.ProcessInput(make([]int16, deviceFrame)))
	}

	stats := p.Stats()
	assert.Equal(t, uint64(3*deviceFrame), stats.TotalSamplesProcessed)
	assert.Equal(t, uint64(3), stats.TotalFramesProcessed)
	assert.NotEmpty(t, p.Info())
}

func TestProfiles(t *testing.T) {
	low := LowLatencyConfig()
	assert.False(t, low.EnableNoiseSuppression)
	assert.False(t, low.EnableVAD)
	assert.Equal(t, uint32(codec.MaxBitrate), low.TargetBitrate)
	require.NoError(t, low.Validate())

	high := HighQualityConfig()
	assert.True(t, high.EnableNoiseSuppression)
	assert.True(t, high.EnableAGC)
	assert.Equal(t, uint32(codec.MaxBitrate), high.TargetBitrate)
	require.NoError(t, high.Validate())

	save := PowerSaveConfig()
	assert.True(t, save.EnableNoiseSuppression)
	assert.False(t, save.EnableAGC)
	assert.Equal(t, uint32(codec.MinBitrate), save.TargetBitrate)
	require.NoError(t, save.Validate())
}

func TestProfileByName(t *testing.T) {
	for _, name := range []string{"", "default", "low-latency", "high-quality", "power-save"} {
		cfg, err := ProfileByName(name)
		require.NoError(t, err, name)
		require.NoError(t, cfg.Validate(), name)
	}

	_, err := ProfileByName("ultra")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultPreprocessingConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.NoiseSuppressionLevel = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.VADThreshold = -0.1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.AGCTargetLevel = 0.05
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.TargetBitrate = 12000
	assert.Error(t, bad.Validate())
}
