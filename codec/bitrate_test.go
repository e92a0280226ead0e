package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBitrateController(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)

	assert.Equal(t, uint32(DefaultBitrate), bc.CurrentBitrate())
	assert.Equal(t, QualityAdaptive, bc.QualityMode())
	assert.True(t, bc.AutoAdaptationEnabled())
	assert.Len(t, bc.History(), 1)
}

func TestNewBitrateControllerClampsInitial(t *testing.T) {
	assert.Equal(t, uint32(MinBitrate), NewBitrateController(100).CurrentBitrate())
	assert.Equal(t, uint32(MaxBitrate), NewBitrateController(100000).CurrentBitrate())
}

func TestCommittedBitrateAlwaysInRange(t *testing.T) {
	// Property: whatever the metrics, the committed bitrate stays clamped.
	bc := NewBitrateController(DefaultBitrate)

	inputs := []NetworkMetrics{
		{PacketLossRate: 1.0, AverageLatencyMs: 10000},
		{PacketLossRate: 0, AverageLatencyMs: 0, BandwidthKbps: 0.001},
		{PacketLossRate: 0, AverageLatencyMs: 0, BandwidthKbps: 1e9},
		{},
	}
	audio := []AudioMetrics{
		{},
		{SpeechDetected: true, RMSLevel: 1.0, SignalToNoiseRatio: 100},
		{SpeechDetected: true, RMSLevel: 0, SignalToNoiseRatio: -50},
	}

	for _, n := range inputs {
		for _, a := range audio {
			bc.UpdateNetworkMetrics(n)
			bc.UpdateAudioMetrics(a)
			got := bc.CurrentBitrate()
			assert.GreaterOrEqual(t, got, uint32(MinBitrate))
			assert.LessOrEqual(t, got, uint32(MaxBitrate))
		}
	}
}

func TestBitrateFallsUnderLoss(t *testing.T) {
	// 10% loss at 100 ms latency drags the bitrate down to at most the
	// moderate-loss midpoint within a handful of updates.
	bc := NewBitrateController(DefaultBitrate)

	bc.ReportLatency(100)
	bc.ReportPacketLoss(100, 10)

	var committed uint32
	for i := 0; i < 10; i++ {
		committed, _ = bc.Recalculate()
	}

	assert.LessOrEqual(t, committed, uint32((MinBitrate+DefaultBitrate)/2))
}

func TestBitrateRisesUnderCleanChannelWithSpeech(t *testing.T) {
	// Clean link, loud confident speech, high-quality mode: the bitrate
	// climbs from the floor toward the maximum.
	bc := NewBitrateController(MinBitrate)
	bc.SetQualityMode(QualityHigh)

	bc.ReportLatency(50)
	bc.ReportPacketLoss(100, 0)
	bc.UpdateAudioMetrics(AudioMetrics{
		SpeechDetected:     true,
		RMSLevel:           0.8,
		SignalToNoiseRatio: 25,
	})

	var committed uint32
	for i := 0; i < 10; i++ {
		committed, _ = bc.Recalculate()
	}

	assert.GreaterOrEqual(t, committed, uint32(8000))
}

func TestBitrateStabilizesOnRepeatedMetrics(t *testing.T) {
	// With identical metrics repeated, smoothing converges and the
	// stability threshold then suppresses further changes.
	bc := NewBitrateController(DefaultBitrate)

	bc.ReportPacketLoss(100, 10)
	for i := 0; i < 20; i++ {
		bc.Recalculate()
	}

	settled := bc.CurrentBitrate()
	changesBefore := bc.ChangeCount()

	for i := 0; i < 10; i++ {
		_, changed := bc.Recalculate()
		assert.False(t, changed)
	}

	assert.Equal(t, settled, bc.CurrentBitrate())
	assert.Equal(t, changesBefore, bc.ChangeCount())
}

func TestBitrateSmallChangeSuppressed(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)

	// A target within the stability threshold of current must not commit.
	bc.SetStabilityThreshold(0.5)
	_, changed := bc.ReportPacketLoss(100, 3) // moderate loss, midpoint target
	assert.False(t, changed)
	assert.Equal(t, uint32(DefaultBitrate), bc.CurrentBitrate())
}

func TestNetworkBasedBitrateTiers(t *testing.T) {
	tests := []struct {
		name string
		m    NetworkMetrics
		want uint32
	}{
		{name: "clean", m: NetworkMetrics{}, want: DefaultBitrate},
		{name: "heavy_loss", m: NetworkMetrics{PacketLossRate: 0.06}, want: MinBitrate},
		{name: "moderate_loss", m: NetworkMetrics{PacketLossRate: 0.03}, want: (MinBitrate + DefaultBitrate) / 2},
		{name: "high_latency", m: NetworkMetrics{AverageLatencyMs: 600}, want: MinBitrate},
		{name: "moderate_latency", m: NetworkMetrics{AverageLatencyMs: 300}, want: (MinBitrate + DefaultBitrate) / 2},
		{name: "bandwidth_cap", m: NetworkMetrics{BandwidthKbps: 5}, want: 4000},
		{name: "ample_bandwidth", m: NetworkMetrics{BandwidthKbps: 1000}, want: DefaultBitrate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, networkBasedBitrate(tt.m))
		})
	}
}

func TestAudioBasedBitrateTiers(t *testing.T) {
	tests := []struct {
		name string
		m    AudioMetrics
		want uint32
	}{
		{name: "no_speech", m: AudioMetrics{SpeechDetected: false, RMSLevel: 0.9}, want: MinBitrate},
		{name: "loud_speech", m: AudioMetrics{SpeechDetected: true, RMSLevel: 0.8, SignalToNoiseRatio: 15}, want: MaxBitrate},
		{name: "quiet_speech", m: AudioMetrics{SpeechDetected: true, RMSLevel: 0.05, SignalToNoiseRatio: 15}, want: MinBitrate},
		{name: "good_snr", m: AudioMetrics{SpeechDetected: true, RMSLevel: 0.3, SignalToNoiseRatio: 25}, want: DefaultBitrate},
		{name: "poor_snr", m: AudioMetrics{SpeechDetected: true, RMSLevel: 0.3, SignalToNoiseRatio: 5}, want: MinBitrate},
		{name: "ordinary_speech", m: AudioMetrics{SpeechDetected: true, RMSLevel: 0.3, SignalToNoiseRatio: 15}, want: DefaultBitrate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, audioBasedBitrate(tt.m))
		})
	}
}

func TestQualityModes(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)

	bc.mu.Lock()
	bc.mode = QualityPowerSave
	assert.Equal(t, uint32(MinBitrate), bc.applyQualityModeLocked(9000))

	bc.mode = QualityBalanced
	assert.Equal(t, uint32(DefaultBitrate), bc.applyQualityModeLocked(9000))
	assert.Equal(t, uint32(4000), bc.applyQualityModeLocked(4000))

	bc.mode = QualityHigh
	assert.Equal(t, uint32(MaxBitrate), bc.applyQualityModeLocked(4000))

	bc.mode = QualityAdaptive
	bc.targetQuality = 0.5
	// Ceiling is MIN + 0.5*(MAX-MIN) = 6200.
	assert.Equal(t, uint32(6200), bc.applyQualityModeLocked(9000))
	assert.Equal(t, uint32(4000), bc.applyQualityModeLocked(4000))
	bc.mu.Unlock()
}

func TestAutoAdaptationDisabled(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)
	bc.EnableAutoAdaptation(false)

	committed, changed := bc.ReportPacketLoss(100, 50)
	assert.False(t, changed)
	assert.Equal(t, uint32(DefaultBitrate), committed)

	// The recommendation still tracks the metrics.
	assert.NotEqual(t, uint32(DefaultBitrate), bc.RecommendedBitrate())
}

func TestLatencySmoothing(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)

	// EWMA with alpha 0.3 starting from zero.
	bc.ReportLatency(100)
	assert.Equal(t, uint32(30), bc.NetworkMetrics().AverageLatencyMs)

	bc.ReportLatency(100)
	assert.Equal(t, uint32(51), bc.NetworkMetrics().AverageLatencyMs)
}

func TestReportPacketLossZeroTotal(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)

	_, changed := bc.ReportPacketLoss(0, 0)
	assert.False(t, changed)
	assert.Zero(t, bc.NetworkMetrics().PacketLossRate)
}

func TestHistoryBounded(t *testing.T) {
	bc := NewBitrateController(DefaultBitrate)

	// Alternate between extremes so every recomputation commits.
	for i := 0; i < 150; i++ {
		if i%2 == 0 {
			bc.UpdateNetworkMetrics(NetworkMetrics{PacketLossRate: 0.5})
		} else {
			bc.UpdateNetworkMetrics(NetworkMetrics{})
		}
	}

	assert.LessOrEqual(t, len(bc.History()), maxHistorySize)
	avg := bc.AverageBitrate()
	assert.GreaterOrEqual(t, avg, float64(MinBitrate))
	assert.LessOrEqual(t, avg, float64(MaxBitrate))
}

func TestQualityModeString(t *testing.T) {
	assert.Equal(t, "power_save", QualityPowerSave.String())
	assert.Equal(t, "balanced", QualityBalanced.String())
	assert.Equal(t, "high_quality", QualityHigh.String())
	assert.Equal(t, "adaptive", QualityAdaptive.String())
}

func TestValidateBitrate(t *testing.T) {
	require.NoError(t, ValidateBitrate(MinBitrate))
	require.NoError(t, ValidateBitrate(MaxBitrate))
	assert.Error(t, ValidateBitrate(MinBitrate-1))
	assert.Error(t, ValidateBitrate(MaxBitrate+1))
}
