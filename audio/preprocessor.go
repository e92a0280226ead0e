package audio

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice/codec"
)

// agcAlpha is the smoothing factor of the gain update
// g <- alpha*(target/rms) + (1-alpha)*g.
const agcAlpha = 0.1

// AGC gain bounds.
const (
	agcMinGain = 0.1
	agcMaxGain = 2.0
)

// AudioStats is a snapshot of the preprocessor's running statistics.
type AudioStats struct {
	TotalSamplesProcessed    uint64
	TotalFramesProcessed     uint64
	AverageNoiseLevel        float64
	AverageSpeechProbability float64
	CurrentGain              float64
	CurrentBitrate           uint32
	ProcessingLatencyMs      float64
}

// Preprocessor orchestrates the signal-processing chain on both
// directions of a call and owns the codec and the bitrate controller.
//
// The input chain runs AGC, denoising and VAD attenuation at the device
// rate, then Encode resamples down to the codec rate and compresses.
// Decode is the mirror: decompress, resample up, apply output gain.
// Network metric reports are forwarded to the bitrate controller and a
// committed change is pushed into the codec before the next encode.
type Preprocessor struct {
	config   PreprocessingConfig
	configMu sync.RWMutex

	suppressor *NoiseSuppressor
	enc        codec.Codec
	bitrate    *codec.BitrateController

	gain        atomic.Uint64 // math.Float64bits
	speechState atomic.Bool

	callbackMu       sync.Mutex
	onSpeechDetected func(bool)
	onBitrateChanged func(uint32)

	totalSamples atomic.Uint64
	totalFrames  atomic.Uint64
	latencyMs    atomic.Uint64 // math.Float64bits, EWMA
}

// NewPreprocessor creates the chain described by the config.
//
// The codec capability is chosen here: the Opus-backed variant when the
// codec stage is enabled, the pass-through variant when it is not, both
// at the 16 kHz codec rate so encoded frames fit the wire budget.
func NewPreprocessor(cfg PreprocessingConfig) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("preprocessing config: %w", err)
	}

	p := &Preprocessor{config: cfg}
	p.gain.Store(math.Float64bits(1.0))

	if cfg.EnableNoiseSuppression {
		suppressor, err := NewNoiseSuppressor(DeviceSampleRate)
		if err != nil {
			return nil, fmt.Errorf("create noise suppressor: %w", err)
		}
		suppressor.SetSuppressionLevel(cfg.NoiseSuppressionLevel)
		suppressor.SetThreshold(cfg.VADThreshold)
		suppressor.EnableVAD(cfg.EnableVAD)
		p.suppressor = suppressor
	}

	var (
		enc codec.Codec
		err error
	)
	if cfg.EnableCodec {
		enc, err = codec.NewOpusCodec(codec.CodecSampleRate, 1, cfg.TargetBitrate)
	} else {
		enc, err = codec.NewPassthroughCodec(codec.CodecSampleRate, 1, cfg.TargetBitrate)
	}
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}
	p.enc = enc

	p.bitrate = codec.NewBitrateController(cfg.TargetBitrate)
	p.bitrate.EnableAutoAdaptation(cfg.EnableBitrateAdaptation)

	logrus.WithFields(logrus.Fields{
		"function":       "NewPreprocessor",
		"codec":          cfg.EnableCodec,
		"denoise":        cfg.EnableNoiseSuppression,
		"vad":            cfg.EnableVAD,
		"agc":            cfg.EnableAGC,
		"adaptation":     cfg.EnableBitrateAdaptation,
		"target_bitrate": cfg.TargetBitrate,
	}).Info("Preprocessor created")

	return p, nil
}

// SetOnSpeechDetected registers the callback fired when the speech flag
// flips.
func (p *Preprocessor) SetOnSpeechDetected(cb func(bool)) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.onSpeechDetected = cb
}

// SetOnBitrateChanged registers the callback fired when a bitrate change
// is committed.
func (p *Preprocessor) SetOnBitrateChanged(cb func(uint32)) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.onBitrateChanged = cb
}

// ProcessInput runs the capture-side chain in place: AGC, then denoise
// and VAD attenuation in 10 ms work units. It fires the speech callback
// on flag flips and feeds the bitrate controller's audio view.
func (p *Preprocessor) ProcessInput(samples []int16) error {
	start := time.Now()

	p.configMu.RLock()
	cfg := p.config
	p.configMu.RUnlock()

	if cfg.EnableAGC {
		p.applyAGC(samples, cfg.AGCTargetLevel)
	}

	if p.suppressor != nil {
		for off := 0; off+DenoiseFrameSize <= len(samples); off += DenoiseFrameSize {
			if err := p.suppressor.Process(samples[off : off+DenoiseFrameSize]); err != nil {
				return fmt.Errorf("denoise input: %w", err)
			}
		}
		p.notifySpeechFlip(p.suppressor.IsSpeech())
	}

	p.totalSamples.Add(uint64(len(samples)))
	p.totalFrames.Add(1)
	p.recordLatency(time.Since(start))
	p.publishAudioMetrics(samples)

	return nil
}

// ProcessOutput runs the playback-side chain in place: output gain only.
func (p *Preprocessor) ProcessOutput(samples []int16) error {
	p.configMu.RLock()
	agc := p.config.EnableAGC
	target := p.config.AGCTargetLevel
	p.configMu.RUnlock()

	if agc {
		p.applyAGC(samples, target)
	}

	return nil
}

// Encode runs the input chain, resamples to the codec rate, and
// compresses one 20 ms frame. The caller stamps the sequence number.
func (p *Preprocessor) Encode(samples []int16) (*codec.EncodedPacket, error) {
	expected := DeviceSampleRate * 20 / 1000
	if len(samples) != expected {
		return nil, fmt.Errorf("frame length %d, want exactly %d samples", len(samples), expected)
	}

	if err := p.ProcessInput(samples); err != nil {
		return nil, err
	}

	narrow := codec.ResampleTo16k(samples, DeviceSampleRate)

	packet, err := p.enc.Encode(narrow)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return packet, nil
}

// Decode decompresses one packet, resamples to the device rate, and runs
// the output chain.
func (p *Preprocessor) Decode(packet *codec.EncodedPacket) ([]int16, error) {
	narrow, err := p.enc.Decode(packet)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	wide := codec.ResampleFrom16k(narrow, DeviceSampleRate)

	if err := p.ProcessOutput(wide); err != nil {
		return nil, err
	}

	return wide, nil
}

// applyAGC updates the smoothed gain toward target/rms and applies it
// sample-wise with clipping at the normalized [-1, 1] bounds.
func (p *Preprocessor) applyAGC(samples []int16, targetLevel float64) {
	if len(samples) == 0 {
		return
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	gain := math.Float64frombits(p.gain.Load())
	if rms > 1e-4 {
		desired := targetLevel / rms
		gain = agcAlpha*desired + (1-agcAlpha)*gain
		gain = math.Max(agcMinGain, math.Min(agcMaxGain, gain))
	}
	p.gain.Store(math.Float64bits(gain))

	for i, s := range samples {
		scaled := float64(s) / 32768.0 * gain
		scaled = math.Max(-1, math.Min(1, scaled))
		samples[i] = int16(scaled * 32767)
	}
}

// notifySpeechFlip fires the speech callback when the detected state
// changes.
func (p *Preprocessor) notifySpeechFlip(speech bool) {
	if p.speechState.Swap(speech) == speech {
		return
	}

	p.callbackMu.Lock()
	cb := p.onSpeechDetected
	p.callbackMu.Unlock()

	if cb != nil {
		cb(speech)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Preprocessor.notifySpeechFlip",
		"speech":   speech,
	}).Debug("Speech detection state changed")
}

// publishAudioMetrics derives the frame's audio view and forwards it to
// the bitrate controller.
func (p *Preprocessor) publishAudioMetrics(samples []int16) {
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	metrics := codec.AudioMetrics{RMSLevel: rms}

	if p.suppressor != nil {
		m := p.suppressor.Metrics()
		metrics.SpeechDetected = p.suppressor.IsSpeech()
		metrics.SpeechProbability = m.SpeechProbability
		if m.NoiseLevel > 1e-6 {
			metrics.SignalToNoiseRatio = 20 * math.Log10(math.Max(rms, 1e-6)/m.NoiseLevel*10)
		}
	} else {
		// Without a suppressor any audible level counts as speech.
		metrics.SpeechDetected = rms > 0.01
		if metrics.SpeechDetected {
			metrics.SpeechProbability = 1
		}
	}

	if _, changed := p.bitrate.UpdateAudioMetrics(metrics); changed {
		p.applyBitrate()
	}
}

// applyBitrate pushes the committed bitrate into the codec and fires the
// change callback.
func (p *Preprocessor) applyBitrate() {
	bps := p.bitrate.CurrentBitrate()

	if err := p.enc.SetBitrate(bps); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Preprocessor.applyBitrate",
			"bitrate":  bps,
			"error":    err.Error(),
		}).Warn("Codec rejected committed bitrate")
		return
	}

	p.callbackMu.Lock()
	cb := p.onBitrateChanged
	p.callbackMu.Unlock()

	if cb != nil {
		cb(bps)
	}
}

// UpdateNetworkMetrics forwards a network view to the bitrate controller.
func (p *Preprocessor) UpdateNetworkMetrics(metrics codec.NetworkMetrics) {
	if _, changed := p.bitrate.UpdateNetworkMetrics(metrics); changed {
		p.applyBitrate()
	}
}

// ReportPacketLoss forwards a loss observation to the bitrate controller.
func (p *Preprocessor) ReportPacketLoss(totalPackets, lostPackets uint32) {
	if _, changed := p.bitrate.ReportPacketLoss(totalPackets, lostPackets); changed {
		p.applyBitrate()
	}
}

// ReportLatency forwards a latency sample to the bitrate controller.
func (p *Preprocessor) ReportLatency(latencyMs uint32) {
	if _, changed := p.bitrate.ReportLatency(latencyMs); changed {
		p.applyBitrate()
	}
}

// ReportBandwidth forwards a bandwidth observation to the bitrate
// controller.
func (p *Preprocessor) ReportBandwidth(kbps float64) {
	if _, changed := p.bitrate.ReportBandwidth(kbps); changed {
		p.applyBitrate()
	}
}

// SetBitrate forces a codec bitrate outside the adaptation loop.
func (p *Preprocessor) SetBitrate(bps uint32) error {
	return p.enc.SetBitrate(bps)
}

// CurrentBitrate returns the committed bitrate.
func (p *Preprocessor) CurrentBitrate() uint32 {
	return p.bitrate.CurrentBitrate()
}

// CurrentGain returns the AGC's current smoothed gain.
func (p *Preprocessor) CurrentGain() float64 {
	return math.Float64frombits(p.gain.Load())
}

// IsSpeechDetected reports the most recent speech state.
func (p *Preprocessor) IsSpeechDetected() bool {
	return p.speechState.Load()
}

// Codec returns the owned codec capability.
func (p *Preprocessor) Codec() codec.Codec { return p.enc }

// BitrateController returns the owned controller.
func (p *Preprocessor) BitrateController() *codec.BitrateController { return p.bitrate }

// NoiseMetrics returns the suppressor state; zero values when noise
// suppression is disabled.
func (p *Preprocessor) NoiseMetrics() NoiseMetrics {
	if p.suppressor == nil {
		return NoiseMetrics{}
	}
	return p.suppressor.Metrics()
}

// Config returns a copy of the active configuration.
func (p *Preprocessor) Config() PreprocessingConfig {
	p.configMu.RLock()
	defer p.configMu.RUnlock()
	return p.config
}

// Stats returns the preprocessor's running statistics.
func (p *Preprocessor) Stats() AudioStats {
	stats := AudioStats{
		TotalSamplesProcessed: p.totalSamples.Load(),
		TotalFramesProcessed:  p.totalFrames.Load(),
		CurrentGain:           p.CurrentGain(),
		CurrentBitrate:        p.bitrate.CurrentBitrate(),
		ProcessingLatencyMs:   math.Float64frombits(p.latencyMs.Load()),
	}

	if p.suppressor != nil {
		stats.AverageNoiseLevel = p.suppressor.AverageNoiseLevel()
		stats.AverageSpeechProbability = p.suppressor.AverageSpeechProbability()
	}

	return stats
}

// Info returns a one-line human-readable summary for the stats printer.
func (p *Preprocessor) Info() string {
	cfg := p.Config()
	return fmt.Sprintf("codec=%v denoise=%v vad=%v agc=%v bitrate=%d gain=%.2f",
		cfg.EnableCodec, cfg.EnableNoiseSuppression, cfg.EnableVAD, cfg.EnableAGC,
		p.CurrentBitrate(), p.CurrentGain())
}

// recordLatency folds one chain execution time into the EWMA.
func (p *Preprocessor) recordLatency(d time.Duration) {
	const alpha = 0.1

	ms := float64(d.Microseconds()) / 1000
	prev := math.Float64frombits(p.latencyMs.Load())
	p.latencyMs.Store(math.Float64bits(alpha*ms + (1-alpha)*prev))
}

// Close releases the codec and denoiser resources.
func (p *Preprocessor) Close() error {
	var firstErr error

	if p.suppressor != nil {
		if err := p.suppressor.Close(); err != nil {
			firstErr = err
		}
	}
	if err := p.enc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
