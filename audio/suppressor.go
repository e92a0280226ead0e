package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Denoiser parameters. The denoiser operates at the device rate on 10 ms
// work units, half the codec frame length.
const (
	// DenoiseSampleRate is the only rate the suppressor supports, in Hz.
	DenoiseSampleRate = 48000

	// DenoiseFrameSize is the per-call sample count: 10 ms at 48 kHz.
	DenoiseFrameSize = 480
)

// vadAttenuation is the factor applied to sub-threshold frames instead of
// muting, which would produce audible gate clicks.
const vadAttenuation = 0.1

// suppressorHistorySize bounds the noise and speech probability history.
const suppressorHistorySize = 100

// Denoiser is the per-frame denoise capability: a real library when
// present, or the built-in fallback. ProcessFrame denoises the normalized
// samples in place and returns the frame's speech probability in [0, 1].
type Denoiser interface {
	ProcessFrame(frame []float64) (float64, error)
	Close() error
}

// NoiseMetrics is a snapshot of the suppressor's current state.
type NoiseMetrics struct {
	NoiseLevel         float64
	SpeechProbability  float64
	AppliedSuppression float64
	ProcessedFrames    uint64
}

// NoiseSuppressor applies per-frame noise reduction and voice activity
// detection at the device rate.
//
// The VAD mode attenuates sub-threshold frames by a fixed factor rather
// than muting them. The adaptive mode compares the instantaneous noise
// estimate against the running mean and applies extra attenuation when
// the frame is at least 50% noisier than average.
type NoiseSuppressor struct {
	mu       sync.Mutex
	denoiser Denoiser

	suppressionLevel float64
	threshold        float64
	vadEnabled       bool
	adaptiveEnabled  bool

	noiseLevel    float64
	speechProb    float64
	suppression   float64
	frames        uint64
	noiseHistory  []float64
	speechHistory []float64

	scratch []float64
}

// NewNoiseSuppressor creates a suppressor at the given rate with the
// built-in fallback denoiser. Only the canonical 48 kHz rate is
// supported.
func NewNoiseSuppressor(sampleRate uint32) (*NoiseSuppressor, error) {
	return NewNoiseSuppressorWithDenoiser(sampleRate, nil)
}

// NewNoiseSuppressorWithDenoiser creates a suppressor backed by the given
// denoiser capability. A nil denoiser selects the built-in fallback,
// which combines a noise gate with RMS- and zero-crossing-based speech
// probability.
func NewNoiseSuppressorWithDenoiser(sampleRate uint32, denoiser Denoiser) (*NoiseSuppressor, error) {
	if sampleRate != DenoiseSampleRate {
		return nil, fmt.Errorf("unsupported denoiser sample rate %d (want %d)", sampleRate, DenoiseSampleRate)
	}

	backend := "fallback"
	if denoiser == nil {
		denoiser = newGateDenoiser(0.8)
	} else {
		backend = "external"
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewNoiseSuppressor",
		"sample_rate": sampleRate,
		"frame_size":  DenoiseFrameSize,
		"backend":     backend,
	}).Info("Noise suppressor created")

	return &NoiseSuppressor{
		denoiser:         denoiser,
		suppressionLevel: 0.8,
		threshold:        0.5,
		vadEnabled:       true,
		adaptiveEnabled:  true,
		noiseHistory:     make([]float64, 0, suppressorHistorySize),
		speechHistory:    make([]float64, 0, suppressorHistorySize),
		scratch:          make([]float64, DenoiseFrameSize),
	}, nil
}

// Process denoises one 10 ms frame in place, updating the speech
// probability and running history. The frame must be exactly
// DenoiseFrameSize samples.
func (ns *NoiseSuppressor) Process(frame []int16) error {
	if len(frame) != DenoiseFrameSize {
		return fmt.Errorf("frame length %d, want exactly %d samples", len(frame), DenoiseFrameSize)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	samples := ns.scratch
	for i, s := range frame {
		samples[i] = float64(s) / 32768.0
	}

	speechProb, err := ns.denoiser.ProcessFrame(samples)
	if err != nil {
		return fmt.Errorf("denoise frame: %w", err)
	}

	noiseLevel := math.Min(1, rmsOf(samples)*10)

	if ns.vadEnabled && speechProb < ns.threshold {
		for i := range samples {
			samples[i] *= vadAttenuation
		}
	}

	if ns.adaptiveEnabled {
		ns.applyAdaptiveLocked(samples, noiseLevel)
	}

	applied := ns.suppressionLevel * (1 - speechProb)

	ns.noiseLevel = noiseLevel
	ns.speechProb = speechProb
	ns.suppression = applied
	ns.frames++
	ns.noiseHistory = appendBounded(ns.noiseHistory, noiseLevel, suppressorHistorySize)
	ns.speechHistory = appendBounded(ns.speechHistory, speechProb, suppressorHistorySize)

	for i, s := range samples {
		clamped := math.Max(-1, math.Min(1, s))
		frame[i] = int16(clamped * 32767)
	}

	return nil
}

// applyAdaptiveLocked attenuates frames whose noise estimate exceeds the
// running mean by at least 50%. Caller must hold ns.mu.
func (ns *NoiseSuppressor) applyAdaptiveLocked(samples []float64, currentNoise float64) {
	avg := meanOf(ns.noiseHistory)
	if avg <= 0 || currentNoise < avg*1.5 {
		return
	}

	extra := math.Min(0.5, (currentNoise-avg)/avg)
	for i := range samples {
		samples[i] *= 1 - extra
	}
}

// SetSuppressionLevel sets the suppression strength, clamped to [0, 1].
func (ns *NoiseSuppressor) SetSuppressionLevel(level float64) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.suppressionLevel = math.Max(0, math.Min(1, level))
	if gate, ok := ns.denoiser.(*gateDenoiser); ok {
		gate.setLevel(ns.suppressionLevel)
	}
}

// SetThreshold sets the speech probability gate, clamped to [0, 1].
func (ns *NoiseSuppressor) SetThreshold(threshold float64) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.threshold = math.Max(0, math.Min(1, threshold))
}

// EnableVAD toggles sub-threshold frame attenuation.
func (ns *NoiseSuppressor) EnableVAD(enable bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.vadEnabled = enable
}

// EnableAdaptive toggles history-based extra attenuation.
func (ns *NoiseSuppressor) EnableAdaptive(enable bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.adaptiveEnabled = enable
}

// Metrics returns the current suppressor state.
func (ns *NoiseSuppressor) Metrics() NoiseMetrics {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	return NoiseMetrics{
		NoiseLevel:         ns.noiseLevel,
		SpeechProbability:  ns.speechProb,
		AppliedSuppression: ns.suppression,
		ProcessedFrames:    ns.frames,
	}
}

// IsSpeech reports whether the most recent frame's speech probability
// exceeds the threshold.
func (ns *NoiseSuppressor) IsSpeech() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.speechProb > ns.threshold
}

// SpeechProbability returns the most recent speech probability.
func (ns *NoiseSuppressor) SpeechProbability() float64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.speechProb
}

// AverageNoiseLevel returns the mean of the retained noise history.
func (ns *NoiseSuppressor) AverageNoiseLevel() float64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return meanOf(ns.noiseHistory)
}

// AverageSpeechProbability returns the mean of the retained speech
// probability history.
func (ns *NoiseSuppressor) AverageSpeechProbability() float64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return meanOf(ns.speechHistory)
}

// Close releases the denoiser backend.
func (ns *NoiseSuppressor) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.denoiser.Close()
}

// gateDenoiser is the fallback denoise capability: a simple noise gate
// plus RMS- and zero-crossing-based speech probability.
type gateDenoiser struct {
	level float64
}

func newGateDenoiser(level float64) *gateDenoiser {
	return &gateDenoiser{level: level}
}

func (g *gateDenoiser) setLevel(level float64) {
	g.level = level
}

// ProcessFrame gates low-level samples and estimates speech probability.
//
// The gate attenuates samples below a fixed floor in proportion to the
// suppression level. Speech probability blends an RMS cue (energetic
// frames are speech-like) with a zero-crossing cue centered on the
// crossing rate typical of voiced speech.
func (g *gateDenoiser) ProcessFrame(frame []float64) (float64, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("empty frame")
	}

	const gateFloor = 0.02

	for i, s := range frame {
		if math.Abs(s) < gateFloor {
			frame[i] = s * (1 - g.level)
		}
	}

	rms := rmsOf(frame)
	zcr := zeroCrossingRate(frame)

	speechProb := math.Min(1, rms*5) * 0.6
	speechProb += math.Max(0, 1-math.Abs(zcr-0.1)/0.1) * 0.4

	return math.Max(0, math.Min(1, speechProb)), nil
}

func (g *gateDenoiser) Close() error { return nil }

// rmsOf returns the root-mean-square of normalized samples.
func rmsOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// zeroCrossingRate returns the fraction of adjacent sample pairs that
// cross zero.
func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}

	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i] >= 0) != (samples[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// meanOf returns the arithmetic mean, 0 for an empty slice.
func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// appendBounded appends keeping at most limit entries.
func appendBounded(history []float64, v float64, limit int) []float64 {
	history = append(history, v)
	if len(history) > limit {
		history = history[1:]
	}
	return history
}
