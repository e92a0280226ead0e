package audio

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/novavoice/codec"
)

// PreprocessingConfig selects and tunes the stages of the processing
// chain. All feature flags default to enabled except echo cancellation.
type PreprocessingConfig struct {
	EnableNoiseSuppression  bool `yaml:"enable_noise_suppression"`
	EnableCodec             bool `yaml:"enable_codec"`
	EnableBitrateAdaptation bool `yaml:"enable_bitrate_adaptation"`
	EnableVAD               bool `yaml:"enable_vad"`
	EnableAGC               bool `yaml:"enable_agc"`
	EnableEchoCancellation  bool `yaml:"enable_echo_cancellation"`

	NoiseSuppressionLevel float64 `yaml:"noise_suppression_level"`
	VADThreshold          float64 `yaml:"vad_threshold"`
	AGCTargetLevel        float64 `yaml:"agc_target_level"`
	TargetBitrate         uint32  `yaml:"target_bitrate"`
}

// DefaultPreprocessingConfig returns the standard chain: everything on
// except echo cancellation, mid-quality bitrate.
func DefaultPreprocessingConfig() PreprocessingConfig {
	return PreprocessingConfig{
		EnableNoiseSuppression:  true,
		EnableCodec:             true,
		EnableBitrateAdaptation: true,
		EnableVAD:               true,
		EnableAGC:               true,
		EnableEchoCancellation:  false,
		NoiseSuppressionLevel:   0.8,
		VADThreshold:            0.5,
		AGCTargetLevel:          0.7,
		TargetBitrate:           codec.DefaultBitrate,
	}
}

// LowLatencyConfig trades cleanup for speed: no denoise, no VAD, maximum
// bitrate.
func LowLatencyConfig() PreprocessingConfig {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableNoiseSuppression = false
	cfg.EnableVAD = false
	cfg.TargetBitrate = codec.MaxBitrate
	return cfg
}

// HighQualityConfig enables the full chain at maximum bitrate.
func HighQualityConfig() PreprocessingConfig {
	cfg := DefaultPreprocessingConfig()
	cfg.TargetBitrate = codec.MaxBitrate
	return cfg
}

// PowerSaveConfig enables the full chain except AGC at minimum bitrate.
func PowerSaveConfig() PreprocessingConfig {
	cfg := DefaultPreprocessingConfig()
	cfg.EnableAGC = false
	cfg.TargetBitrate = codec.MinBitrate
	return cfg
}

// ProfileByName resolves a canned profile name; an empty name selects the
// defaults.
func ProfileByName(name string) (PreprocessingConfig, error) {
	switch name {
	case "", "default":
		return DefaultPreprocessingConfig(), nil
	case "low-latency":
		return LowLatencyConfig(), nil
	case "high-quality":
		return HighQualityConfig(), nil
	case "power-save":
		return PowerSaveConfig(), nil
	default:
		return PreprocessingConfig{}, fmt.Errorf("unknown profile %q", name)
	}
}

// Validate checks that every tunable lies within its documented range.
func (c PreprocessingConfig) Validate() error {
	if c.NoiseSuppressionLevel < 0 || c.NoiseSuppressionLevel > 1 {
		return fmt.Errorf("noise suppression level %.2f outside [0, 1]", c.NoiseSuppressionLevel)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("vad threshold %.2f outside [0, 1]", c.VADThreshold)
	}
	if c.AGCTargetLevel < 0.1 || c.AGCTargetLevel > 2.0 {
		return fmt.Errorf("agc target level %.2f outside [0.1, 2.0]", c.AGCTargetLevel)
	}
	if err := codec.ValidateBitrate(c.TargetBitrate); err != nil {
		return err
	}
	return nil
}

// LoadPreprocessingConfig reads a YAML config file, starting from the
// defaults so absent keys keep their default values.
func LoadPreprocessingConfig(path string) (PreprocessingConfig, error) {
	cfg := DefaultPreprocessingConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "LoadPreprocessingConfig",
		"path":           path,
		"target_bitrate": cfg.TargetBitrate,
		"codec":          cfg.EnableCodec,
		"denoise":        cfg.EnableNoiseSuppression,
	}).Info("Preprocessing config loaded")

	return cfg, nil
}
