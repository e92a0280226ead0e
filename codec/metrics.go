package codec

// NetworkMetrics is a point-in-time view of link quality as observed by
// the transport. The bitrate controller consumes it.
type NetworkMetrics struct {
	// PacketLossRate is the fraction of packets lost, in [0, 1].
	PacketLossRate float64

	// AverageLatencyMs is an exponentially smoothed latency estimate.
	AverageLatencyMs uint32

	// JitterMs is the smoothed inter-arrival variance.
	JitterMs uint32

	// BandwidthKbps is the observed bandwidth, 0 when unknown.
	BandwidthKbps float64
}

// AudioMetrics is the per-frame view of the captured signal as produced by
// the noise suppressor and preprocessor.
type AudioMetrics struct {
	// SignalToNoiseRatio is the estimated SNR in dB.
	SignalToNoiseRatio float64

	// RMSLevel is the frame's normalized RMS level, in [0, 1].
	RMSLevel float64

	// SpeechDetected reports whether the most recent frame carried speech.
	SpeechDetected bool

	// SpeechProbability is the most recent speech probability, in [0, 1].
	SpeechProbability float64
}
