// Package config loads the toolmind YAML configuration: server settings,
// model dimensions, and the speculation section with its adaptive-threshold
// bounds. Missing fields merge with defaults; violations fail startup with
// ConfigValidationError.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigValidationError names the field that violated its constraint.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// AdaptiveConfig bounds the adaptive speculation threshold.
type AdaptiveConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MinThreshold float64 `yaml:"min_threshold"`
	MaxThreshold float64 `yaml:"max_threshold"`
}

// SpeculationConfig is the speculation section of the config file.
type SpeculationConfig struct {
	Enabled                  bool           `yaml:"enabled"`
	ConfidenceThreshold      float64        `yaml:"confidence_threshold"`
	MaxConcurrentSpeculations int           `yaml:"max_concurrent_speculations"`
	SpeculationTimeoutMs     int            `yaml:"speculation_timeout"`
	Adaptive                 AdaptiveConfig `yaml:"adaptive"`
}

// ServerConfig is the HTTP surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ModelConfig is the attention model's dimension settings.
type ModelConfig struct {
	Dims       int `yaml:"dims"`
	ScoringDim int `yaml:"scoring_dim"`
	Heads      int `yaml:"heads"`
	Layers     int `yaml:"layers"`
}

// PredictionConfig clamps facade confidences.
type PredictionConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	MaxConfidence   float64 `yaml:"max_confidence"`
}

// Config is the full document.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	DBPath      string            `yaml:"db_path"`
	Server      ServerConfig      `yaml:"server"`
	Model       ModelConfig       `yaml:"model"`
	Speculation SpeculationConfig `yaml:"speculation"`
	Prediction  PredictionConfig  `yaml:"prediction"`
}

// Hard bounds on the speculation thresholds.
const (
	ThresholdMin = 0.40
	ThresholdMax = 0.90
)

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DBPath:   "toolmind.db",
		Server:   ServerConfig{Addr: ":8170"},
		Model:    ModelConfig{Dims: 1024, ScoringDim: 64, Heads: 4, Layers: 2},
		Speculation: SpeculationConfig{
			Enabled:                   true,
			ConfidenceThreshold:       0.70,
			MaxConcurrentSpeculations: 3,
			SpeculationTimeoutMs:      10000,
			Adaptive: AdaptiveConfig{
				Enabled:      false,
				MinThreshold: ThresholdMin,
				MaxThreshold: ThresholdMax,
			},
		},
		Prediction: PredictionConfig{ConfidenceFloor: 0.05, MaxConfidence: 0.99},
	}
}

// Load reads the file, merges it over defaults, and validates. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills zero values the YAML left unset. Booleans keep
// whatever the document said.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Model.Dims == 0 {
		cfg.Model.Dims = def.Model.Dims
	}
	if cfg.Model.ScoringDim == 0 {
		cfg.Model.ScoringDim = def.Model.ScoringDim
	}
	if cfg.Model.Heads == 0 {
		cfg.Model.Heads = def.Model.Heads
	}
	if cfg.Model.Layers == 0 {
		cfg.Model.Layers = def.Model.Layers
	}
	if cfg.Speculation.ConfidenceThreshold == 0 {
		cfg.Speculation.ConfidenceThreshold = def.Speculation.ConfidenceThreshold
	}
	if cfg.Speculation.MaxConcurrentSpeculations == 0 {
		cfg.Speculation.MaxConcurrentSpeculations = def.Speculation.MaxConcurrentSpeculations
	}
	if cfg.Speculation.SpeculationTimeoutMs == 0 {
		cfg.Speculation.SpeculationTimeoutMs = def.Speculation.SpeculationTimeoutMs
	}
	if cfg.Speculation.Adaptive.MinThreshold == 0 {
		cfg.Speculation.Adaptive.MinThreshold = def.Speculation.Adaptive.MinThreshold
	}
	if cfg.Speculation.Adaptive.MaxThreshold == 0 {
		cfg.Speculation.Adaptive.MaxThreshold = def.Speculation.Adaptive.MaxThreshold
	}
	if cfg.Prediction.ConfidenceFloor == 0 {
		cfg.Prediction.ConfidenceFloor = def.Prediction.ConfidenceFloor
	}
	if cfg.Prediction.MaxConfidence == 0 {
		cfg.Prediction.MaxConfidence = def.Prediction.MaxConfidence
	}
}

// Validate enforces the documented ranges.
func Validate(cfg *Config) error {
	spec := cfg.Speculation
	if spec.ConfidenceThreshold < ThresholdMin || spec.ConfidenceThreshold > ThresholdMax {
		return &ConfigValidationError{
			Field:  "speculation.confidence_threshold",
			Reason: fmt.Sprintf("must be in [%.2f, %.2f]", ThresholdMin, ThresholdMax),
		}
	}
	if spec.MaxConcurrentSpeculations < 1 || spec.MaxConcurrentSpeculations > 10 {
		return &ConfigValidationError{
			Field:  "speculation.max_concurrent_speculations",
			Reason: "must be in [1, 10]",
		}
	}
	if spec.SpeculationTimeoutMs <= 0 {
		return &ConfigValidationError{
			Field:  "speculation.speculation_timeout",
			Reason: "must be positive",
		}
	}
	ad := spec.Adaptive
	if ad.MinThreshold < ThresholdMin || ad.MinThreshold > ThresholdMax {
		return &ConfigValidationError{
			Field:  "speculation.adaptive.min_threshold",
			Reason: fmt.Sprintf("must be in [%.2f, %.2f]", ThresholdMin, ThresholdMax),
		}
	}
	if ad.MaxThreshold < ThresholdMin || ad.MaxThreshold > ThresholdMax {
		return &ConfigValidationError{
			Field:  "speculation.adaptive.max_threshold",
			Reason: fmt.Sprintf("must be in [%.2f, %.2f]", ThresholdMin, ThresholdMax),
		}
	}
	if ad.MaxThreshold <= ad.MinThreshold {
		return &ConfigValidationError{
			Field:  "speculation.adaptive.max_threshold",
			Reason: "must be greater than min_threshold",
		}
	}
	if ad.Enabled && (spec.ConfidenceThreshold < ad.MinThreshold || spec.ConfidenceThreshold > ad.MaxThreshold) {
		return &ConfigValidationError{
			Field:  "speculation.confidence_threshold",
			Reason: "must lie within the adaptive bounds when adaptive is enabled",
		}
	}
	if cfg.Prediction.ConfidenceFloor < 0 || cfg.Prediction.ConfidenceFloor >= cfg.Prediction.MaxConfidence {
		return &ConfigValidationError{
			Field:  "prediction.confidence_floor",
			Reason: "must be non-negative and below max_confidence",
		}
	}
	return nil
}
