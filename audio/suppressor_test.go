package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sineFrame synthesizes a voiced-speech-like tone at the given amplitude.
func sineFrame(n int, freq float64, amplitude float64) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/DenoiseSampleRate))
	}
	return frame
}

func TestNewNoiseSuppressorValidation(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)
	assert.NotNil(t, ns)

	ns, err = NewNoiseSuppressor(16000)
	assert.Error(t, err)
	assert.Nil(t, ns)
}

func TestNoiseSuppressorWrongFrameLength(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)

	assert.Error(t, ns.Process(make([]int16, 100)))
	assert.Error(t, ns.Process(make([]int16, 960)))
	assert.NoError(t, ns.Process(make([]int16, DenoiseFrameSize)))
}

func TestNoiseSuppressorSpeechDetection(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)

	// A loud mid-band tone reads as speech.
	loud := sineFrame(DenoiseFrameSize, 300, 0.5)
	require.NoError(t, ns.Process(loud))
	assert.True(t, ns.IsSpeech())
	assert.Greater(t, ns.SpeechProbability(), 0.5)

	// Silence does not.
	require.NoError(t, ns.Process(make([]int16, DenoiseFrameSize)))
	assert.False(t, ns.IsSpeech())
}

func TestNoiseSuppressorVADAttenuation(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)
	ns.EnableAdaptive(false)

	// A very quiet frame falls below the VAD threshold and is attenuated,
	// not muted.
	quiet := sineFrame(DenoiseFrameSize, 300, 0.01)
	original := make([]int16, len(quiet))
	copy(original, quiet)

	require.NoError(t, ns.Process(quiet))
	assert.False(t, ns.IsSpeech())

	var beforeEnergy, afterEnergy float64
	for i := range quiet {
		beforeEnergy += float64(original[i]) * float64(original[i])
		afterEnergy += float64(quiet[i]) * float64(quiet[i])
	}
	assert.Less(t, afterEnergy, beforeEnergy/10)
	assert.Greater(t, afterEnergy, 0.0)
}

func TestNoiseSuppressorVADDisabled(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)
	ns.EnableVAD(false)
	ns.EnableAdaptive(false)
	ns.SetSuppressionLevel(0)

	frame := sineFrame(DenoiseFrameSize, 300, 0.3)
	original := make([]int16, len(frame))
	copy(original, frame)

	require.NoError(t, ns.Process(frame))

	// With VAD, adaptive mode and the gate all off, loud samples survive
	// nearly unchanged (int16 round-trip may wobble by one step).
	for i := range frame {
		assert.InDelta(t, float64(original[i]), float64(frame[i]), 2)
	}
}

func TestNoiseSuppressorThreshold(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)

	frame := sineFrame(DenoiseFrameSize, 300, 0.2)
	require.NoError(t, ns.Process(frame))

	// A threshold above the current probability reads as non-speech; a zero
	// threshold reads as speech.
	ns.SetThreshold(1.0)
	assert.False(t, ns.IsSpeech())

	ns.SetThreshold(0.0)
	assert.True(t, ns.IsSpeech())
}

func TestNoiseSuppressorMetrics(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, ns.Process(sineFrame(DenoiseFrameSize, 300, 0.4)))
	}

	m := ns.Metrics()
	assert.Equal(t, uint64(5), m.ProcessedFrames)
	assert.Greater(t, m.NoiseLevel, 0.0)
	assert.Greater(t, m.SpeechProbability, 0.0)
	assert.Greater(t, ns.AverageNoiseLevel(), 0.0)
	assert.Greater(t, ns.AverageSpeechProbability(), 0.0)
}

func TestNoiseSuppressorAdaptiveAttenuation(t *testing.T) {
	ns, err := NewNoiseSuppressor(48000)
	require.NoError(t, err)
	ns.EnableVAD(false)
	ns.SetSuppressionLevel(0)

	// Build a quiet noise-floor history, then feed a much noisier frame:
	// the adaptive stage attenuates it.
	for i := 0; i < 20; i++ {
		require.NoError(t, ns.Process(sineFrame(DenoiseFrameSize, 300, 0.05)))
	}

	burst := sineFrame(DenoiseFrameSize, 300, 0.8)
	original := make([]int16, len(burst))
	copy(original, burst)

	require.NoError(t, ns.Process(burst))

	var beforePeak, afterPeak float64
	for i := range burst {
		beforePeak = math.Max(beforePeak, math.Abs(float64(original[i])))
		afterPeak = math.Max(afterPeak, math.Abs(float64(burst[i])))
	}
	assert.Less(t, afterPeak, beforePeak*0.95)
}

func TestGateDenoiserSpeechProbabilityBounds(t *testing.T) {
	g := newGateDenoiser(0.8)

	frames := [][]float64{
		make([]float64, DenoiseFrameSize),
		{1, -1, 1, -1, 1, -1, 1, -1},
	}
	loud := make([]float64, DenoiseFrameSize)
	for i := range loud {
		loud[i] = math.Sin(float64(i) * 0.05)
	}
	frames = append(frames, loud)

	for _, f := range frames {
		prob, err := g.ProcessFrame(f)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, prob, 0.0)
		assert.LessOrEqual(t, prob, 1.0)
	}

	_, err := g.ProcessFrame(nil)
	assert.Error(t, err)
}

func TestZeroCrossingRate(t *testing.T) {
	assert.Equal(t, 0.0, zeroCrossingRate([]float64{1}))
	assert.Equal(t, 1.0, zeroCrossingRate([]float64{1, -1, 1, -1}))
	assert.Equal(t, 0.0, zeroCrossingRate([]float64{1, 2, 3}))
}
