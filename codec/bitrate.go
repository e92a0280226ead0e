package codec

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// QualityMode names a policy constraining the bitrate controller's output.
type QualityMode int

const (
	// QualityAdaptive scales the ceiling with the target quality factor.
	QualityAdaptive QualityMode = iota
	// QualityPowerSave pins the bitrate to the minimum.
	QualityPowerSave
	// QualityBalanced caps the bitrate at the default.
	QualityBalanced
	// QualityHigh floors the bitrate at the maximum.
	QualityHigh
)

// String returns a human-readable mode name.
func (m QualityMode) String() string {
	switch m {
	case QualityPowerSave:
		return "power_save"
	case QualityBalanced:
		return "balanced"
	case QualityHigh:
		return "high_quality"
	case QualityAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// bitrateSample is one committed bitrate with its commit time.
type bitrateSample struct {
	bitrate uint32
	when    time.Time
}

const (
	maxHistorySize = 100
	historyMaxAge  = 10 * time.Minute
)

// BitrateController computes a target bitrate from the latest network and
// audio metrics and applies smoothing so the codec is not whipsawed.
//
// The combined target is a 0.6/0.4 weighted blend of the network-based and
// audio-based targets, adjusted by the quality mode, moved toward by the
// adaptation speed, clamped to the codec range, and committed only when
// the relative change clears the stability threshold.
type BitrateController struct {
	current     atomic.Uint32
	recommended atomic.Uint32
	changes     atomic.Uint64

	mu                 sync.Mutex
	network            NetworkMetrics
	audio              AudioMetrics
	targetQuality      float64
	adaptationSpeed    float64
	stabilityThreshold float64
	mode               QualityMode
	autoAdapt          bool
	history            []bitrateSample
}

// NewBitrateController creates a controller starting at the given bitrate,
// clamped to the codec range. Defaults: adaptive mode, target quality 0.5,
// adaptation speed 0.3, stability threshold 0.1, auto-adaptation on.
func NewBitrateController(initialBitrate uint32) *BitrateController {
	bc := &BitrateController{
		targetQuality:      0.5,
		adaptationSpeed:    0.3,
		stabilityThreshold: 0.1,
		mode:               QualityAdaptive,
		autoAdapt:          true,
		history:            make([]bitrateSample, 0, maxHistorySize),
	}

	initial := ClampBitrate(initialBitrate)
	bc.current.Store(initial)
	bc.recommended.Store(initial)
	bc.appendHistory(initial, time.Now())

	logrus.WithFields(logrus.Fields{
		"function":        "NewBitrateController",
		"initial_bitrate": initial,
		"quality_mode":    bc.mode.String(),
	}).Info("Bitrate controller created")

	return bc
}

// UpdateNetworkMetrics replaces the network view and recomputes.
// It returns the committed bitrate and whether a change was committed.
func (bc *BitrateController) UpdateNetworkMetrics(metrics NetworkMetrics) (uint32, bool) {
	bc.mu.Lock()
	bc.network = metrics
	bc.mu.Unlock()

	return bc.Recalculate()
}

// UpdateAudioMetrics replaces the audio view and recomputes.
func (bc *BitrateController) UpdateAudioMetrics(metrics AudioMetrics) (uint32, bool) {
	bc.mu.Lock()
	bc.audio = metrics
	bc.mu.Unlock()

	return bc.Recalculate()
}

// ReportPacketLoss folds a loss observation into the network view and
// recomputes. A zero total is ignored.
func (bc *BitrateController) ReportPacketLoss(totalPackets, lostPackets uint32) (uint32, bool) {
	if totalPackets == 0 {
		return bc.current.Load(), false
	}

	bc.mu.Lock()
	bc.network.PacketLossRate = float64(lostPackets) / float64(totalPackets)
	bc.mu.Unlock()

	return bc.Recalculate()
}

// ReportLatency folds a latency sample into the exponentially smoothed
// estimate (alpha 0.3) and recomputes.
func (bc *BitrateController) ReportLatency(latencyMs uint32) (uint32, bool) {
	const alpha = 0.3

	bc.mu.Lock()
	bc.network.AverageLatencyMs = uint32(alpha*float64(latencyMs) + (1-alpha)*float64(bc.network.AverageLatencyMs))
	bc.mu.Unlock()

	return bc.Recalculate()
}

// ReportBandwidth records the observed bandwidth and recomputes.
func (bc *BitrateController) ReportBandwidth(kbps float64) (uint32, bool) {
	bc.mu.Lock()
	bc.network.BandwidthKbps = kbps
	bc.mu.Unlock()

	return bc.Recalculate()
}

// Recalculate recomputes the optimal bitrate from the current metrics and
// commits it when auto-adaptation is on and the change clears the
// stability threshold. It returns the committed bitrate and whether a
// change was committed.
func (bc *BitrateController) Recalculate() (uint32, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	target := bc.optimalLocked()
	bc.recommended.Store(target)

	if !bc.autoAdapt {
		return bc.current.Load(), false
	}

	current := bc.current.Load()
	change := math.Abs(float64(target)-float64(current)) / float64(current)
	if change < bc.stabilityThreshold {
		return current, false
	}

	bc.current.Store(target)
	bc.changes.Add(1)
	bc.appendHistory(target, time.Now())

	logrus.WithFields(logrus.Fields{
		"function":    "BitrateController.Recalculate",
		"old_bitrate": current,
		"new_bitrate": target,
		"mode":        bc.mode.String(),
	}).Debug("Bitrate change committed")

	return target, true
}

// optimalLocked computes the smoothed, clamped target bitrate.
// Caller must hold bc.mu.
func (bc *BitrateController) optimalLocked() uint32 {
	networkTarget := networkBasedBitrate(bc.network)
	audioTarget := audioBasedBitrate(bc.audio)

	combined := 0.6*float64(networkTarget) + 0.4*float64(audioTarget)
	adjusted := bc.applyQualityModeLocked(uint32(combined))

	current := float64(bc.current.Load())
	smoothed := current + bc.adaptationSpeed*(float64(adjusted)-current)

	return ClampBitrate(uint32(smoothed))
}

// networkBasedBitrate derives a target from link conditions: heavy loss or
// latency floors to the minimum, moderate conditions to the midpoint, and
// a known bandwidth caps the result at 80% of the link.
func networkBasedBitrate(m NetworkMetrics) uint32 {
	target := uint32(DefaultBitrate)

	if m.PacketLossRate > 0.05 {
		target = MinBitrate
	} else if m.PacketLossRate > 0.02 {
		target = (MinBitrate + DefaultBitrate) / 2
	}

	if m.AverageLatencyMs > 500 {
		target = min32(target, MinBitrate)
	} else if m.AverageLatencyMs > 200 {
		target = min32(target, (MinBitrate+DefaultBitrate)/2)
	}

	if m.BandwidthKbps > 0 {
		limit := uint32(m.BandwidthKbps * 1000 * 0.8)
		target = min32(target, limit)
	}

	return target
}

// audioBasedBitrate derives a target from the captured signal: silence
// needs only the minimum, loud confident speech deserves the maximum, and
// SNR nudges the result between.
func audioBasedBitrate(m AudioMetrics) uint32 {
	if !m.SpeechDetected {
		return MinBitrate
	}

	target := uint32(DefaultBitrate)

	if m.RMSLevel > 0.7 {
		target = MaxBitrate
	} else if m.RMSLevel < 0.1 {
		target = MinBitrate
	}

	if m.SignalToNoiseRatio > 20 {
		target = max32(target, DefaultBitrate)
	} else if m.SignalToNoiseRatio < 10 {
		target = MinBitrate
	}

	return target
}

// applyQualityModeLocked constrains the combined target by the active
// quality mode. Caller must hold bc.mu.
func (bc *BitrateController) applyQualityModeLocked(bitrate uint32) uint32 {
	switch bc.mode {
	case QualityPowerSave:
		return MinBitrate
	case QualityBalanced:
		return min32(bitrate, DefaultBitrate)
	case QualityHigh:
		return max32(bitrate, MaxBitrate)
	default:
		ceiling := uint32(MinBitrate + bc.targetQuality*float64(MaxBitrate-MinBitrate))
		return min32(bitrate, ceiling)
	}
}

// SetQualityMode changes the active mode and recomputes immediately.
func (bc *BitrateController) SetQualityMode(mode QualityMode) {
	bc.mu.Lock()
	bc.mode = mode
	bc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "BitrateController.SetQualityMode",
		"mode":     mode.String(),
	}).Info("Quality mode changed")

	bc.Recalculate()
}

// QualityMode returns the active quality mode.
func (bc *BitrateController) QualityMode() QualityMode {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.mode
}

// SetTargetQuality sets the adaptive-mode quality factor, clamped to [0, 1].
func (bc *BitrateController) SetTargetQuality(quality float64) {
	bc.mu.Lock()
	bc.targetQuality = clamp01(quality)
	bc.mu.Unlock()
}

// SetAdaptationSpeed sets the smoothing speed, clamped to [0, 1].
func (bc *BitrateController) SetAdaptationSpeed(speed float64) {
	bc.mu.Lock()
	bc.adaptationSpeed = clamp01(speed)
	bc.mu.Unlock()
}

// SetStabilityThreshold sets the minimum relative change that commits,
// clamped to [0, 1].
func (bc *BitrateController) SetStabilityThreshold(threshold float64) {
	bc.mu.Lock()
	bc.stabilityThreshold = clamp01(threshold)
	bc.mu.Unlock()
}

// EnableAutoAdaptation turns automatic recomputation commits on or off.
func (bc *BitrateController) EnableAutoAdaptation(enable bool) {
	bc.mu.Lock()
	bc.autoAdapt = enable
	bc.mu.Unlock()
}

// AutoAdaptationEnabled reports whether commits are automatic.
func (bc *BitrateController) AutoAdaptationEnabled() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.autoAdapt
}

// CurrentBitrate returns the committed bitrate in bps.
func (bc *BitrateController) CurrentBitrate() uint32 { return bc.current.Load() }

// RecommendedBitrate returns the last computed target, committed or not.
func (bc *BitrateController) RecommendedBitrate() uint32 { return bc.recommended.Load() }

// ChangeCount returns the number of committed bitrate changes.
func (bc *BitrateController) ChangeCount() uint64 { return bc.changes.Load() }

// NetworkMetrics returns a copy of the current network view.
func (bc *BitrateController) NetworkMetrics() NetworkMetrics {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.network
}

// AudioMetrics returns a copy of the current audio view.
func (bc *BitrateController) AudioMetrics() AudioMetrics {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.audio
}

// History returns the committed bitrate values currently retained.
func (bc *BitrateController) History() []uint32 {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.cleanupHistoryLocked(time.Now())

	out := make([]uint32, len(bc.history))
	for i, s := range bc.history {
		out[i] = s.bitrate
	}
	return out
}

// AverageBitrate returns the mean of the retained history, or the current
// bitrate when the history is empty.
func (bc *BitrateController) AverageBitrate() float64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.cleanupHistoryLocked(time.Now())

	if len(bc.history) == 0 {
		return float64(bc.current.Load())
	}

	var sum uint64
	for _, s := range bc.history {
		sum += uint64(s.bitrate)
	}
	return float64(sum) / float64(len(bc.history))
}

// appendHistory records a committed value, bounding the history length.
// Caller must hold bc.mu.
func (bc *BitrateController) appendHistory(bitrate uint32, now time.Time) {
	bc.history = append(bc.history, bitrateSample{bitrate: bitrate, when: now})
	if len(bc.history) > maxHistorySize {
		bc.history = bc.history[1:]
	}
}

// cleanupHistoryLocked drops entries older than the retention window.
// Caller must hold bc.mu.
func (bc *BitrateController) cleanupHistoryLocked(now time.Time) {
	cutoff := now.Add(-historyMaxAge)
	for len(bc.history) > 0 && bc.history[0].when.Before(cutoff) {
		bc.history = bc.history[1:]
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
